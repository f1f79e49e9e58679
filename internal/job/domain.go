package job

import (
	"context"
	"net/http"

	"github.com/ChuLiYu/drmlicense-service/internal/drm"
	"github.com/ChuLiYu/drmlicense-service/internal/storage"
	"github.com/ChuLiYu/drmlicense-service/pkg/types"
)

// defaultRevision 沒有指定 revision 時使用
const defaultRevision = "0"

// domainOp JoinDomain 與 LeaveDomain 共用的欄位與流程
type domainOp struct {
	base
	ControllerURL string
	ServiceID     string
	AccountID     string
	Revision      string
	CustomData    string
}

func domainFromRow(row storage.Row) domainOp {
	return domainOp{
		ControllerURL: row.General[0],
		ServiceID:     row.General[1],
		AccountID:     row.General[2],
		Revision:      row.General[3],
		CustomData:    row.General[4],
	}
}

func (d *domainOp) domainRow(t Type) storage.Row {
	r := d.row(t)
	r.General = [storage.GeneralSlots]string{d.ControllerURL, d.ServiceID, d.AccountID, d.Revision, d.CustomData}
	return r
}

type domainProtocol struct {
	name      string
	challenge drm.Kind
	response  drm.Kind
	feedback  FeedbackKind
}

var (
	joinProtocol = domainProtocol{
		name:      "JoinDomain",
		challenge: drm.KindJoinDomainChallenge,
		response:  drm.KindJoinDomainResponse,
		feedback:  FeedbackJoinDomain,
	}
	leaveProtocol = domainProtocol{
		name:      "LeaveDomain",
		challenge: drm.KindLeaveDomainChallenge,
		response:  drm.KindLeaveDomainResponse,
		feedback:  FeedbackLeaveDomain,
	}
)

func (d *domainOp) execute(ctx context.Context, rt Runtime, p domainProtocol) bool {
	if d.run(ctx, rt, p) {
		return true
	}
	retractFeedback(rt, p.feedback, p.name)
	return false
}

func (d *domainOp) run(ctx context.Context, rt Runtime, p domainProtocol) bool {
	if isPlaceholder(d.ServiceID) && isPlaceholder(d.AccountID) {
		rt.Logger().Info("domain operation without service or account id", "op", p.name)
		setHTTPError(rt, types.ErrCodeInternal, 0)
		return false
	}
	if d.ControllerURL == "" {
		setHTTPError(rt, types.ErrCodeInternal, 0)
		return false
	}

	challenge, err := drm.Submit(ctx, rt.DRM(), p.challenge, map[string]string{
		drm.FieldServiceID:  d.ServiceID,
		drm.FieldAccountID:  d.AccountID,
		drm.FieldRevision:   firstNonEmpty(d.Revision, defaultRevision),
		drm.FieldCustomData: d.CustomData,
	})
	if err != nil {
		return failDRM(rt, string(p.challenge), err)
	}
	if !challenge.OK() {
		return failDRM(rt, string(p.challenge), nil)
	}

	resp, err := postSOAP(ctx, rt, d.ControllerURL, p.name, challenge.Data())
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

	reply, err := drm.Submit(ctx, rt.DRM(), p.response, map[string]string{drm.FieldData: string(resp.Body)})
	if err != nil {
		return failDRM(rt, string(p.response), err)
	}
	if !reply.OK() {
		return failDRM(rt, string(p.response), nil)
	}
	return true
}

// retractFeedback 把 group 的 DrmFeedback 撤回，改以操作名稱重新推入同一個 group
//
// RenewRights 是 renew 工作階段的完成回報，種類不變，失敗的操作名稱放在 TYPE 參數。
func retractFeedback(rt Runtime, kind FeedbackKind, op string) {
	removed := rt.RemoveLastOfType(TypeDrmFeedback)
	fb, ok := removed.(*DrmFeedback)
	if !ok {
		return
	}
	params := make(map[string]any, len(fb.Params)+1)
	for k, v := range fb.Params {
		params[k] = v
	}
	tagged := &DrmFeedback{Kind: kind, GroupNumber: fb.GroupNumber, Params: params}
	if fb.Kind == FeedbackRenewRights {
		tagged.Kind = FeedbackRenewRights
		params[types.ParamType] = op
	}
	if len(params) == 0 {
		tagged.Params = nil
	}
	rt.PushInGroup(tagged, fb.GroupID())
}

// ============================================================================
// JoinDomain / LeaveDomain
// ============================================================================

// JoinDomain 加入 DRM 網域
type JoinDomain struct {
	domainOp
}

// Type implements Job
func (j *JoinDomain) Type() Type { return TypeJoinDomain }

// Row implements Job
func (j *JoinDomain) Row() storage.Row { return j.domainRow(TypeJoinDomain) }

// ExecuteNormal implements Job
func (j *JoinDomain) ExecuteNormal(ctx context.Context, rt Runtime) bool {
	return j.execute(ctx, rt, joinProtocol)
}

// LeaveDomain 離開 DRM 網域
type LeaveDomain struct {
	domainOp
}

// Type implements Job
func (j *LeaveDomain) Type() Type { return TypeLeaveDomain }

// Row implements Job
func (j *LeaveDomain) Row() storage.Row { return j.domainRow(TypeLeaveDomain) }

// ExecuteNormal implements Job
func (j *LeaveDomain) ExecuteNormal(ctx context.Context, rt Runtime) bool {
	return j.execute(ctx, rt, leaveProtocol)
}
