package job

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/ChuLiYu/drmlicense-service/internal/httpclient"
	"github.com/ChuLiYu/drmlicense-service/internal/storage"
	"github.com/ChuLiYu/drmlicense-service/pkg/types"
)

// FeedbackKind DrmFeedback 回報的操作種類
type FeedbackKind string

const (
	FeedbackAcquireLicense         FeedbackKind = "AcquireLicense"
	FeedbackJoinDomain             FeedbackKind = "JoinDomain"
	FeedbackLeaveDomain            FeedbackKind = "LeaveDomain"
	FeedbackMetering               FeedbackKind = "Metering"
	FeedbackGetMeteringCertificate FeedbackKind = "GetMeteringCertificate"
	FeedbackDownloadContent        FeedbackKind = "DownloadContent"
	FeedbackRenewRights            FeedbackKind = "RenewRights"
	FeedbackCancelled              FeedbackKind = "Cancelled"
	FeedbackUnknown                FeedbackKind = "Unknown"
)

// State 對應的進度狀態
func (k FeedbackKind) State() types.ProgressState {
	switch k {
	case FeedbackAcquireLicense:
		return types.StateAcquireLicense
	case FeedbackJoinDomain:
		return types.StateJoinDomain
	case FeedbackLeaveDomain:
		return types.StateLeaveDomain
	case FeedbackMetering:
		return types.StateMetering
	case FeedbackGetMeteringCertificate:
		return types.StateGetMeteringCertificate
	case FeedbackDownloadContent:
		return types.StateDownloadContent
	case FeedbackRenewRights:
		return types.StateRenewRights
	case FeedbackCancelled:
		return types.StateCancelled
	default:
		return types.StateUnknownInitiatorItem
	}
}

// errorParams 失敗時從工作階段參數帶進回報，回報後清除，避免下一個 group 沿用
var errorParams = []string{types.ParamHTTPError, types.ParamInnerHTTPError, types.ParamServerError}

// ============================================================================
// DrmFeedback
// ============================================================================

// DrmFeedback 放在 group 最底層，負責回報整個 group 的結果
//
// 正常執行代表 group 內其他 job 都成功；group 內有 job 失敗時改走
// ExecuteAfterEarlierFailure，把錯誤碼帶進失敗回報。
// 工作階段已取消時只有 FeedbackCancelled 會回報。
type DrmFeedback struct {
	base
	Kind        FeedbackKind
	GroupNumber int
	Params      map[string]any
}

// Type implements Job
func (j *DrmFeedback) Type() Type { return TypeDrmFeedback }

// Row implements Job
func (j *DrmFeedback) Row() storage.Row {
	r := j.row(TypeDrmFeedback)
	r.General[0] = string(j.Kind)
	r.SetInt(1, int64(j.GroupNumber))
	if len(j.Params) > 0 {
		if data, err := json.Marshal(j.Params); err == nil {
			r.General[2] = string(data)
		}
	}
	return r
}

func feedbackFromRow(row storage.Row) (*DrmFeedback, error) {
	fb := &DrmFeedback{
		Kind:        FeedbackKind(row.General[0]),
		GroupNumber: int(row.Int(1)),
	}
	if row.General[2] == "" {
		return fb, nil
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(row.General[2])))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("job: decode feedback params: %w", err)
	}
	fb.Params = make(map[string]any, len(raw))
	for k, v := range raw {
		if n, ok := v.(json.Number); ok {
			if i, err := n.Int64(); err == nil {
				fb.Params[k] = i
				continue
			}
			fb.Params[k] = n.String()
			continue
		}
		fb.Params[k] = v
	}
	return fb, nil
}

func (j *DrmFeedback) reportParams() map[string]any {
	params := make(map[string]any, len(j.Params)+4)
	for k, v := range j.Params {
		params[k] = v
	}
	if j.GroupNumber > 0 {
		params[types.ParamGroupNumber] = int64(j.GroupNumber)
	}
	return params
}

// ExecuteNormal implements Job
func (j *DrmFeedback) ExecuteNormal(ctx context.Context, rt Runtime) bool {
	rt.MarkResult(true)
	if rt.Cancelled() && j.Kind != FeedbackCancelled {
		return true
	}
	rt.Report(j.Kind.State(), true, j.reportParams())
	return true
}

// ExecuteAfterEarlierFailure implements Job
func (j *DrmFeedback) ExecuteAfterEarlierFailure(ctx context.Context, rt Runtime) {
	rt.MarkResult(false)
	if rt.Cancelled() && j.Kind != FeedbackCancelled {
		return
	}

	params := j.reportParams()
	for _, key := range errorParams {
		if v, ok := rt.Param(key); ok {
			params[key] = v
		}
	}
	if j.Kind == FeedbackCancelled {
		params[types.ParamHTTPError] = int64(types.ErrCodeCancelled)
	}
	rt.Report(j.Kind.State(), false, params)

	for _, key := range errorParams {
		rt.SetParam(key, nil)
	}
}

// ============================================================================
// LaunchLuiURLIfFailure / ForceFailure / DownloadContent
// ============================================================================

// LaunchLuiURLIfFailure 成功時不做事；group 失敗時開啟 LUI 網址
type LaunchLuiURLIfFailure struct {
	base
	URL string
}

// Type implements Job
func (j *LaunchLuiURLIfFailure) Type() Type { return TypeLaunchLuiURLIfFailure }

// Row implements Job
func (j *LaunchLuiURLIfFailure) Row() storage.Row {
	r := j.row(TypeLaunchLuiURLIfFailure)
	r.General[0] = j.URL
	return r
}

// ExecuteNormal implements Job
func (j *LaunchLuiURLIfFailure) ExecuteNormal(context.Context, Runtime) bool { return true }

// ExecuteAfterEarlierFailure implements Job
func (j *LaunchLuiURLIfFailure) ExecuteAfterEarlierFailure(ctx context.Context, rt Runtime) {
	if rt.Cancelled() {
		return
	}
	launchLUI(ctx, rt, j.URL)
}

// ForceFailure 永遠失敗，用來讓無法辨識的 initiator 項目走失敗回報
type ForceFailure struct {
	base
}

// Type implements Job
func (j *ForceFailure) Type() Type { return TypeForceFailure }

// Row implements Job
func (j *ForceFailure) Row() storage.Row { return j.row(TypeForceFailure) }

// ExecuteNormal implements Job
func (j *ForceFailure) ExecuteNormal(context.Context, Runtime) bool { return false }

// DownloadContent 把內容網址交給 Downloader
type DownloadContent struct {
	base
	URL string
}

// Type implements Job
func (j *DownloadContent) Type() Type { return TypeDownloadContent }

// Row implements Job
func (j *DownloadContent) Row() storage.Row {
	r := j.row(TypeDownloadContent)
	r.General[0] = j.URL
	return r
}

// ExecuteNormal implements Job
func (j *DownloadContent) ExecuteNormal(ctx context.Context, rt Runtime) bool {
	if j.URL == "" {
		setHTTPError(rt, types.ErrCodeInternal, 0)
		return false
	}
	dl := rt.Downloader()
	if dl == nil {
		rt.Logger().Warn("no downloader configured", "url", j.URL)
		setHTTPError(rt, types.ErrCodeInternal, 0)
		return false
	}
	if err := dl.Download(ctx, rt.SessionID(), j.URL); err != nil {
		rt.Logger().Info("content download failed", "url", j.URL, "error", err)
		code, inner := httpclient.ErrorCode(nil, err)
		setHTTPError(rt, code, inner)
		return false
	}
	rt.Report(types.StateDownloadContent, true, map[string]any{types.ParamContentURL: j.URL})
	return true
}
