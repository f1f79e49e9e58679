// Package drm 是與 DRM 引擎之間的邊界
//
// 授權服務本身不做任何密碼學運算：challenge 的產生與回應的套用都交給
// 外部引擎，以不透明的 key/value 請求與回覆溝通。
package drm

import (
	"context"
	"errors"
	"strings"
)

// Kind 請求類型
type Kind string

// 每個協定操作都有「產生 challenge」與「處理回應」兩種請求
const (
	KindLicenseChallenge     Kind = "GenerateLicenseChallenge"
	KindLicenseResponse      Kind = "ProcessLicenseResponse"
	KindAckResponse          Kind = "ProcessLicenseAckResponse"
	KindJoinDomainChallenge  Kind = "GenerateJoinDomainChallenge"
	KindJoinDomainResponse   Kind = "ProcessJoinDomainResponse"
	KindLeaveDomainChallenge Kind = "GenerateLeaveDomainChallenge"
	KindLeaveDomainResponse  Kind = "ProcessLeaveDomainResponse"
	KindMeteringChallenge    Kind = "GenerateMeteringChallenge"
	KindMeteringResponse     Kind = "ProcessMeteringResponse"
	KindMeterCertChallenge   Kind = "GenerateMeterCertChallenge"
	KindMeterCertResponse    Kind = "ProcessMeterCertResponse"
)

// MIME 類型，依序嘗試
const (
	MIMEPlayReady = "application/vnd.ms-playready"
	MIMEPIFF      = "application/piff"
)

// MIMEOrder 沒有回覆時改用下一個 MIME 類型
var MIMEOrder = []string{MIMEPlayReady, MIMEPIFF}

// 請求欄位
const (
	FieldHeader     = "Header"
	FieldFilePath   = "FilePath"
	FieldPSSH       = "PSSH"
	FieldCustomData = "CustomData"
	FieldData       = "Data"
	FieldLAURL      = "LA_URL"
	FieldServiceID  = "ServiceID"
	FieldAccountID  = "AccountID"
	FieldRevision   = "Revision"
	FieldMeteringID = "MeteringID"
	FieldMaxPackets = "MaxPackets"
)

// 回覆欄位
const (
	ReplyStatus         = "Status"
	ReplyData           = "Data"
	ReplyLAURL          = "LA_URL"
	ReplyMeteringURL    = "MeteringURL"
	ReplyMeteringStatus = "MeteringStatus"
)

// 回覆狀態值
const (
	StatusOK            = "ok"
	StatusNoCert        = "NoCert"
	MeteringMorePending = "MorePending"
)

// ErrNoReply 所有 MIME 類型都沒有得到回覆
var ErrNoReply = errors.New("drm: engine returned no reply")

// Engine 外部 DRM 引擎；沒有答案時回傳 nil reply
type Engine interface {
	SubmitInfoRequest(ctx context.Context, kind Kind, mimeType string, fields map[string]string) (map[string]string, error)
}

// EngineFunc 讓一般函式實作 Engine
type EngineFunc func(ctx context.Context, kind Kind, mimeType string, fields map[string]string) (map[string]string, error)

// SubmitInfoRequest implements Engine
func (f EngineFunc) SubmitInfoRequest(ctx context.Context, kind Kind, mimeType string, fields map[string]string) (map[string]string, error) {
	return f(ctx, kind, mimeType, fields)
}

// Reply 引擎回覆
type Reply map[string]string

// OK 回覆狀態是否為 ok
func (r Reply) OK() bool {
	return strings.EqualFold(r[ReplyStatus], StatusOK)
}

// Status 回覆狀態
func (r Reply) Status() string {
	return r[ReplyStatus]
}

// Data 回覆的主要資料（challenge 或 ack challenge）
func (r Reply) Data() string {
	return r[ReplyData]
}

// Submit 依 MIMEOrder 送出請求，回傳第一個非 nil 的回覆。
// 引擎錯誤不會改試下一個 MIME 類型。
func Submit(ctx context.Context, e Engine, kind Kind, fields map[string]string) (Reply, error) {
	if e == nil {
		return nil, ErrNoReply
	}
	for _, mt := range MIMEOrder {
		reply, err := e.SubmitInfoRequest(ctx, kind, mt, fields)
		if err != nil {
			return nil, err
		}
		if reply != nil {
			return Reply(reply), nil
		}
	}
	return nil, ErrNoReply
}

// Unavailable 永遠沒有回覆的引擎，用於沒有設定 DRM 引擎的部署
type Unavailable struct{}

// SubmitInfoRequest implements Engine
func (Unavailable) SubmitInfoRequest(context.Context, Kind, string, map[string]string) (map[string]string, error) {
	return nil, nil
}
