package job

import (
	"context"
	"net/http"

	"github.com/ChuLiYu/drmlicense-service/internal/drm"
	"github.com/ChuLiYu/drmlicense-service/internal/storage"
	"github.com/ChuLiYu/drmlicense-service/pkg/types"
)

// DefaultMaxPackets 沒有指定時，一次最多送出的計量回報數
const DefaultMaxPackets = 10

// meteringTarget 計量相關 job 共用的欄位
type meteringTarget struct {
	base
	CertificateServer string
	MeteringID        string
	CustomData        string
}

func meteringFromRow(row storage.Row) meteringTarget {
	return meteringTarget{
		CertificateServer: row.General[0],
		MeteringID:        row.General[1],
		CustomData:        row.General[2],
	}
}

func (m *meteringTarget) meteringRow(t Type) storage.Row {
	r := m.row(t)
	r.General[0] = m.CertificateServer
	r.General[1] = m.MeteringID
	r.General[2] = m.CustomData
	return r
}

func (m *meteringTarget) fields() map[string]string {
	return map[string]string{
		drm.FieldMeteringID: m.MeteringID,
		drm.FieldCustomData: m.CustomData,
	}
}

// ============================================================================
// ProcessMeteringData
// ============================================================================

// ProcessMeteringData 反覆「產生 challenge → POST → 處理回應」直到沒有待送回報或額度用完
type ProcessMeteringData struct {
	meteringTarget
	MaxPackets     int
	AllowCertFetch bool
}

// Type implements Job
func (j *ProcessMeteringData) Type() Type { return TypeProcessMeteringData }

// Row implements Job
func (j *ProcessMeteringData) Row() storage.Row {
	r := j.meteringRow(TypeProcessMeteringData)
	r.SetInt(3, int64(j.MaxPackets))
	if j.AllowCertFetch {
		r.SetInt(4, 1)
	} else {
		r.SetInt(4, 0)
	}
	return r
}

// ExecuteNormal implements Job
func (j *ProcessMeteringData) ExecuteNormal(ctx context.Context, rt Runtime) bool {
	budget := j.MaxPackets
	if budget <= 0 {
		budget = DefaultMaxPackets
	}

	for sent := 0; sent < budget; sent++ {
		if rt.Cancelled() {
			setHTTPError(rt, types.ErrCodeCancelled, 0)
			return false
		}

		challenge, err := drm.Submit(ctx, rt.DRM(), drm.KindMeteringChallenge, j.fields())
		if err != nil {
			return failDRM(rt, string(drm.KindMeteringChallenge), err)
		}
		if challenge.Status() == drm.StatusNoCert {
			return j.fetchCertificate(rt)
		}
		if !challenge.OK() {
			return failDRM(rt, string(drm.KindMeteringChallenge), nil)
		}

		url := challenge[drm.ReplyMeteringURL]
		if url == "" {
			setHTTPError(rt, types.ErrCodeUnhandledDRMError, 0)
			return false
		}

		resp, err := postSOAP(ctx, rt, url, "ProcessMeteringData", challenge.Data())
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

		reply, err := drm.Submit(ctx, rt.DRM(), drm.KindMeteringResponse, map[string]string{drm.FieldData: string(resp.Body)})
		if err != nil {
			return failDRM(rt, string(drm.KindMeteringResponse), err)
		}
		if !reply.OK() {
			return failDRM(rt, string(drm.KindMeteringResponse), nil)
		}
		if reply[drm.ReplyMeteringStatus] != drm.MeteringMorePending {
			return true
		}
	}

	rt.Logger().Info("metering packet budget exhausted", "budget", budget)
	return true
}

// fetchCertificate 推入不再取憑證的自己，再推入 GetMeteringCertificate，讓憑證先取得
func (j *ProcessMeteringData) fetchCertificate(rt Runtime) bool {
	if !j.AllowCertFetch || j.CertificateServer == "" {
		setHTTPError(rt, types.ErrCodeUnhandledDRMError, 0)
		return false
	}
	retry := *j
	retry.base = base{}
	retry.AllowCertFetch = false
	rt.Push(&retry)
	rt.Push(&GetMeteringCertificate{meteringTarget{
		CertificateServer: j.CertificateServer,
		MeteringID:        j.MeteringID,
		CustomData:        j.CustomData,
	}})
	return true
}

// ============================================================================
// GetMeteringCertificate
// ============================================================================

// GetMeteringCertificate 向憑證伺服器取得計量憑證
type GetMeteringCertificate struct {
	meteringTarget
}

// Type implements Job
func (j *GetMeteringCertificate) Type() Type { return TypeGetMeteringCertificate }

// Row implements Job
func (j *GetMeteringCertificate) Row() storage.Row {
	return j.meteringRow(TypeGetMeteringCertificate)
}

// ExecuteNormal implements Job
func (j *GetMeteringCertificate) ExecuteNormal(ctx context.Context, rt Runtime) bool {
	challenge, err := drm.Submit(ctx, rt.DRM(), drm.KindMeterCertChallenge, j.fields())
	if err != nil {
		return failDRM(rt, string(drm.KindMeterCertChallenge), err)
	}
	if !challenge.OK() {
		return failDRM(rt, string(drm.KindMeterCertChallenge), nil)
	}

	resp, err := postSOAP(ctx, rt, j.CertificateServer, "GetMeteringCertificate", challenge.Data())
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

	reply, err := drm.Submit(ctx, rt.DRM(), drm.KindMeterCertResponse, map[string]string{drm.FieldData: string(resp.Body)})
	if err != nil {
		return failDRM(rt, string(drm.KindMeterCertResponse), err)
	}
	if !reply.OK() {
		return failDRM(rt, string(drm.KindMeterCertResponse), nil)
	}
	rt.Report(types.StateGetMeteringCertificate, true, map[string]any{types.ParamURL: j.CertificateServer})
	return true
}
