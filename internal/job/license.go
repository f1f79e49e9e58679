package job

import (
	"context"
	"net/http"

	"github.com/ChuLiYu/drmlicense-service/internal/box"
	"github.com/ChuLiYu/drmlicense-service/internal/drm"
	"github.com/ChuLiYu/drmlicense-service/internal/storage"
	"github.com/ChuLiYu/drmlicense-service/pkg/types"
)

// SourceKind AcquireLicense 的標頭來源
type SourceKind int

const (
	SourceHeader SourceKind = iota // 標頭 XML
	SourceFile                     // 本機檔案路徑
	SourcePSSH                     // base64 的 pssh box
)

// flags 欄位的位元配置
const (
	flagTriedJoinDomain  = 1 << 0
	flagTriedRenewDomain = 1 << 1
	sourceShift          = 4
	sourceMask           = 0xf
	redirectShift        = 8
	redirectMask         = 0xff
)

// ============================================================================
// AcquireLicense
// ============================================================================

// AcquireLicense 以標頭向 DRM 引擎要 challenge，POST 到 LA_URL 取得授權
type AcquireLicense struct {
	base
	Source     string
	SourceKind SourceKind
	CustomData string
	ContentURL string
	LAURL      string // 覆寫引擎回覆的 LA_URL（伺服器重導向後使用）

	TriedJoinDomain  bool
	TriedRenewDomain bool
	Redirects        int
}

// Type implements Job
func (j *AcquireLicense) Type() Type { return TypeAcquireLicense }

// Row implements Job
func (j *AcquireLicense) Row() storage.Row {
	r := j.row(TypeAcquireLicense)
	r.General = [storage.GeneralSlots]string{j.Source, j.CustomData, j.ContentURL, j.LAURL}
	flags := int64(j.SourceKind&sourceMask)<<sourceShift | int64(j.Redirects&redirectMask)<<redirectShift
	if j.TriedJoinDomain {
		flags |= flagTriedJoinDomain
	}
	if j.TriedRenewDomain {
		flags |= flagTriedRenewDomain
	}
	r.SetInt(4, flags)
	return r
}

func acquireLicenseFromRow(row storage.Row) *AcquireLicense {
	flags := row.Int(4)
	return &AcquireLicense{
		Source:           row.General[0],
		CustomData:       row.General[1],
		ContentURL:       row.General[2],
		LAURL:            row.General[3],
		SourceKind:       SourceKind(flags >> sourceShift & sourceMask),
		Redirects:        int(flags >> redirectShift & redirectMask),
		TriedJoinDomain:  flags&flagTriedJoinDomain != 0,
		TriedRenewDomain: flags&flagTriedRenewDomain != 0,
	}
}

// headerLAURL 標頭 XML 內的 LA_URL；來源不是標頭或無法解析時為空字串
func (j *AcquireLicense) headerLAURL() string {
	if j.SourceKind != SourceHeader {
		return ""
	}
	h, err := box.ParseLicenseHeader(j.Source)
	if err != nil {
		return ""
	}
	return h.LAURL
}

// retry 複製出一個尚未推入的新 job
func (j *AcquireLicense) retry() *AcquireLicense {
	next := *j
	next.base = base{}
	return &next
}

func (j *AcquireLicense) challengeFields() map[string]string {
	fields := map[string]string{drm.FieldCustomData: j.CustomData}
	switch j.SourceKind {
	case SourceFile:
		fields[drm.FieldFilePath] = j.Source
	case SourcePSSH:
		fields[drm.FieldPSSH] = j.Source
	default:
		fields[drm.FieldHeader] = j.Source
	}
	return fields
}

// ExecuteNormal implements Job
func (j *AcquireLicense) ExecuteNormal(ctx context.Context, rt Runtime) bool {
	challenge, err := drm.Submit(ctx, rt.DRM(), drm.KindLicenseChallenge, j.challengeFields())
	if err != nil {
		return failDRM(rt, string(drm.KindLicenseChallenge), err)
	}
	if !challenge.OK() {
		return failDRM(rt, string(drm.KindLicenseChallenge), nil)
	}

	laURL := firstNonEmpty(j.LAURL, challenge[drm.ReplyLAURL], j.headerLAURL())
	if laURL == "" {
		rt.Logger().Info("no LA_URL for license challenge")
		setHTTPError(rt, types.ErrCodeUnhandledDRMError, 0)
		return false
	}

	resp, err := postSOAP(ctx, rt, laURL, "AcquireLicense", challenge.Data())
	if err != nil {
		return failRequest(rt, resp, err)
	}
	if resp.Redirected() {
		return j.pushRedirect(rt, resp.RedirectURL)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return j.handleLicense(ctx, rt, laURL, resp.Body)
	default:
		return handleServerError(ctx, rt, resp.Body, j.errorHandlers(laURL))
	}
}

// handleLicense 把授權交給 DRM 引擎，有 ack challenge 時推入 AcknowledgeLicense
func (j *AcquireLicense) handleLicense(ctx context.Context, rt Runtime, laURL string, body []byte) bool {
	reply, err := drm.Submit(ctx, rt.DRM(), drm.KindLicenseResponse, map[string]string{
		drm.FieldData:       string(body),
		drm.FieldCustomData: j.CustomData,
	})
	if err != nil {
		return failDRM(rt, string(drm.KindLicenseResponse), err)
	}
	if !reply.OK() {
		return failDRM(rt, string(drm.KindLicenseResponse), nil)
	}
	if ack := reply.Data(); ack != "" {
		rt.Push(&AcknowledgeLicense{Challenge: ack, URL: laURL})
	}
	return true
}

// pushRedirect 以新端點重新執行自己
func (j *AcquireLicense) pushRedirect(rt Runtime, url string) bool {
	if j.Redirects >= maxEndpointRedirects {
		setHTTPError(rt, types.ErrCodeTooManyRedirects, 0)
		return false
	}
	next := j.retry()
	next.LAURL = url
	next.Redirects++
	rt.Logger().Info("license server moved, re-challenging", "url", url)
	rt.Push(next)
	return true
}

func (j *AcquireLicense) errorHandlers(laURL string) map[uint32]errorHandler {
	return map[uint32]errorHandler{
		StatusServerDomainRequired: func(ctx context.Context, rt Runtime, f *Fault) bool {
			if j.TriedJoinDomain {
				return serverFailure(rt, f)
			}
			next := j.retry()
			next.TriedJoinDomain = true
			return j.pushJoinDomain(rt, f, next, laURL)
		},
		StatusServerRenewDomain: func(ctx context.Context, rt Runtime, f *Fault) bool {
			if j.TriedRenewDomain {
				return serverFailure(rt, f)
			}
			next := j.retry()
			next.TriedRenewDomain = true
			return j.pushJoinDomain(rt, f, next, laURL)
		},
		StatusServerServiceSpecific: func(ctx context.Context, rt Runtime, f *Fault) bool {
			lui := f.RedirectURL
			if lui == "" && j.SourceKind == SourceHeader {
				if h, err := box.ParseLicenseHeader(j.Source); err == nil {
					lui = h.LUIURL
				}
			}
			launchLUI(ctx, rt, lui)
			return serverFailure(rt, f)
		},
		StatusServerProtocolRedirect: func(ctx context.Context, rt Runtime, f *Fault) bool {
			if f.RedirectURL == "" {
				return serverFailure(rt, f)
			}
			return j.pushRedirect(rt, f.RedirectURL)
		},
	}
}

// pushJoinDomain 先推入重試的自己，再推入 JoinDomain，讓 JoinDomain 先執行
func (j *AcquireLicense) pushJoinDomain(rt Runtime, f *Fault, next *AcquireLicense, laURL string) bool {
	rt.Push(next)
	rt.Push(&JoinDomain{domainOp{
		ControllerURL: firstNonEmpty(f.RedirectURL, laURL),
		ServiceID:     f.ServiceID,
		AccountID:     f.AccountID,
		Revision:      f.Revision,
		CustomData:    firstNonEmpty(f.CustomData, j.CustomData),
	}})
	return true
}

// ============================================================================
// AcknowledgeLicense
// ============================================================================

// AcknowledgeLicense 把 ack challenge 送回授權伺服器
type AcknowledgeLicense struct {
	base
	Challenge string
	URL       string
}

// Type implements Job
func (j *AcknowledgeLicense) Type() Type { return TypeAcknowledgeLicense }

// Row implements Job
func (j *AcknowledgeLicense) Row() storage.Row {
	r := j.row(TypeAcknowledgeLicense)
	r.General[0] = j.Challenge
	r.General[1] = j.URL
	return r
}

// ExecuteNormal implements Job
func (j *AcknowledgeLicense) ExecuteNormal(ctx context.Context, rt Runtime) bool {
	resp, err := postSOAP(ctx, rt, j.URL, "AcknowledgeLicense", j.Challenge)
	if err != nil {
		return failRequest(rt, resp, err)
	}
	if resp.Redirected() {
		setHTTPError(rt, resp.StatusCode, 0)
		return false
	}
	if resp.StatusCode != http.StatusOK {
		return handleServerError(ctx, rt, resp.Body, nil)
	}

	reply, err := drm.Submit(ctx, rt.DRM(), drm.KindAckResponse, map[string]string{drm.FieldData: string(resp.Body)})
	if err != nil {
		return failDRM(rt, string(drm.KindAckResponse), err)
	}
	if !reply.OK() {
		return failDRM(rt, string(drm.KindAckResponse), nil)
	}
	return true
}
