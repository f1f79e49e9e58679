package job

import (
	"context"
	"net/http"

	"github.com/ChuLiYu/drmlicense-service/internal/box"
	"github.com/ChuLiYu/drmlicense-service/internal/httpclient"
	"github.com/ChuLiYu/drmlicense-service/internal/initiator"
	"github.com/ChuLiYu/drmlicense-service/internal/storage"
	"github.com/ChuLiYu/drmlicense-service/pkg/types"
)

// WebInitiator 取得 initiator 文件，為每個項目建立一個 group
//
// group 依文件順序配置編號，再反向推入，讓執行順序與文件順序相同。
// 每個 group 的最底層是 DrmFeedback。
type WebInitiator struct {
	base
	URL      string
	Document string // 內嵌的 initiator XML，優先於 URL
}

// Type implements Job
func (j *WebInitiator) Type() Type { return TypeWebInitiator }

// Row implements Job
func (j *WebInitiator) Row() storage.Row {
	r := j.row(TypeWebInitiator)
	r.General[0] = j.URL
	r.General[1] = j.Document
	return r
}

// ExecuteNormal implements Job
func (j *WebInitiator) ExecuteNormal(ctx context.Context, rt Runtime) bool {
	doc, ok := j.document(ctx, rt)
	if !ok {
		return false
	}

	items, err := initiator.Parse(doc)
	if err != nil {
		rt.Logger().Info("invalid initiator document", "error", err)
		setHTTPError(rt, types.ErrCodeXMLParsing, 0)
		return false
	}

	rt.SetGroupCount(len(items))
	rt.Report(types.StateWebInitiatorCount, true, map[string]any{types.ParamGroupCount: int64(len(items))})

	groups := make([]int, len(items))
	for i := range items {
		groups[i] = rt.NewGroup()
	}
	for i := len(items) - 1; i >= 0; i-- {
		pushItem(rt, items[i], groups[i], i+1)
	}
	return true
}

func (j *WebInitiator) document(ctx context.Context, rt Runtime) ([]byte, bool) {
	if j.Document != "" {
		return []byte(j.Document), true
	}
	if j.URL == "" {
		setHTTPError(rt, types.ErrCodeInternal, 0)
		return nil, false
	}

	resp, err := rt.HTTP().Execute(ctx, httpclient.Request{
		SessionID:       rt.SessionID(),
		URL:             j.URL,
		FollowRedirects: true,
	})
	if err != nil {
		return nil, failRequest(rt, resp, err)
	}
	if resp.StatusCode != http.StatusOK {
		setHTTPError(rt, resp.StatusCode, 0)
		return nil, false
	}
	return resp.Body, true
}

// pushItem 推入一個項目的 group：先推 DrmFeedback，最後推第一個要執行的 job
func pushItem(rt Runtime, item initiator.Item, groupID, number int) {
	feedback := func(kind FeedbackKind, params map[string]any) {
		rt.PushInGroup(&DrmFeedback{Kind: kind, GroupNumber: number, Params: params}, groupID)
	}

	switch item.Kind {
	case initiator.KindLicenseAcquisition:
		params := map[string]any{}
		if item.Content != "" {
			params[types.ParamContentURL] = item.Content
		}
		if item.CustomData != "" {
			params[types.ParamCustomData] = item.CustomData
		}
		feedback(FeedbackAcquireLicense, params)
		if item.Content != "" {
			rt.PushInGroup(&DownloadContent{URL: item.Content}, groupID)
		}
		if h, err := box.ParseLicenseHeader(item.Header); err == nil && h.LUIURL != "" {
			rt.PushInGroup(&LaunchLuiURLIfFailure{URL: h.LUIURL}, groupID)
		}
		rt.PushInGroup(&AcquireLicense{
			Source:     item.Header,
			SourceKind: SourceHeader,
			CustomData: item.CustomData,
			ContentURL: item.Content,
		}, groupID)

	case initiator.KindJoinDomain, initiator.KindLeaveDomain:
		op := domainOp{
			ControllerURL: item.DomainController,
			ServiceID:     item.ServiceID,
			AccountID:     item.AccountID,
			Revision:      item.Revision,
			CustomData:    item.CustomData,
		}
		if item.Kind == initiator.KindJoinDomain {
			feedback(FeedbackJoinDomain, nil)
			rt.PushInGroup(&JoinDomain{op}, groupID)
		} else {
			feedback(FeedbackLeaveDomain, nil)
			rt.PushInGroup(&LeaveDomain{op}, groupID)
		}

	case initiator.KindMetering:
		feedback(FeedbackMetering, nil)
		rt.PushInGroup(&ProcessMeteringData{
			meteringTarget: meteringTarget{
				CertificateServer: item.CertificateServer,
				MeteringID:        item.MeteringID,
				CustomData:        item.CustomData,
			},
			MaxPackets:     item.MaxPackets,
			AllowCertFetch: true,
		}, groupID)

	default:
		feedback(FeedbackUnknown, map[string]any{types.ParamType: item.Name})
		rt.PushInGroup(&ForceFailure{}, groupID)
	}
}
