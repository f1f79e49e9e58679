package job

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ChuLiYu/drmlicense-service/pkg/types"
)

// 伺服器在 SOAP fault 中回傳的狀態碼
const (
	StatusServerInternalError    uint32 = 0x8004C600
	StatusServerServiceSpecific  uint32 = 0x8004C604
	StatusServerDomainRequired   uint32 = 0x8004C605
	StatusServerRenewDomain      uint32 = 0x8004C606
	StatusServerProtocolRedirect uint32 = 0x8004C60D
)

// ErrNoStatusCode 500 內容不是帶有 StatusCode 的 SOAP fault
var ErrNoStatusCode = errors.New("job: response has no server status code")

// Fault 從 500 回應解析出的伺服器錯誤
type Fault struct {
	StatusCode  uint32
	RedirectURL string
	ServiceID   string
	AccountID   string
	Revision    string
	CustomData  string
}

// ParseFault 依元素的 local name 取出 fault 欄位，不在意命名空間與巢狀層級
func ParseFault(body []byte) (*Fault, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	f := &Fault{}
	found := false

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("job: parse fault: %w", err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		var target *string
		switch se.Name.Local {
		case "StatusCode":
			var s string
			if err := dec.DecodeElement(&s, &se); err != nil {
				return nil, fmt.Errorf("job: parse fault: %w", err)
			}
			code, err := parseStatusCode(s)
			if err != nil {
				return nil, err
			}
			f.StatusCode = code
			found = true
			continue
		case "RedirectUrl":
			target = &f.RedirectURL
		case "ServiceId":
			target = &f.ServiceID
		case "AccountId":
			target = &f.AccountID
		case "Revision":
			target = &f.Revision
		case "CustomData":
			target = &f.CustomData
		default:
			continue
		}
		if err := dec.DecodeElement(target, &se); err != nil {
			return nil, fmt.Errorf("job: parse fault: %w", err)
		}
		*target = strings.TrimSpace(*target)
	}

	if !found {
		return nil, ErrNoStatusCode
	}
	return f, nil
}

// parseStatusCode 接受 0x 開頭的十六進位或（可能為負的）十進位 HRESULT
func parseStatusCode(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(strings.ToLower(s), "0x") {
		v, err := strconv.ParseUint(s[2:], 16, 32)
		if err != nil {
			return 0, fmt.Errorf("job: bad status code %q: %w", s, err)
		}
		return uint32(v), nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("job: bad status code %q: %w", s, err)
	}
	return uint32(int32(v)), nil
}

// errorHandler 處理一個伺服器狀態碼，回傳 job 是否算成功
type errorHandler func(ctx context.Context, rt Runtime, f *Fault) bool

// handleServerError 解析 500 內容並依狀態碼分派；未知的狀態碼是終止性失敗
func handleServerError(ctx context.Context, rt Runtime, body []byte, handlers map[uint32]errorHandler) bool {
	f, err := ParseFault(body)
	if err != nil {
		rt.Logger().Warn("unparseable server error", "error", err)
		setHTTPError(rt, 500, 0)
		return false
	}
	if h, ok := handlers[f.StatusCode]; ok {
		return h(ctx, rt, f)
	}
	return serverFailure(rt, f)
}

func serverFailure(rt Runtime, f *Fault) bool {
	rt.Logger().Info("server rejected request", "status", fmt.Sprintf("0x%08X", f.StatusCode))
	rt.SetParam(types.ParamServerError, int64(f.StatusCode))
	setHTTPError(rt, 500, 0)
	return false
}
