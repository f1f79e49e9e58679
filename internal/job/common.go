package job

import (
	"context"
	"strings"

	"github.com/ChuLiYu/drmlicense-service/internal/httpclient"
	"github.com/ChuLiYu/drmlicense-service/pkg/types"
)

// maxEndpointRedirects 同一個 job 換端點重新產生 challenge 的上限
const maxEndpointRedirects = httpclient.DefaultRedirectLimit

// placeholderID 全零的 GUID 代表未指定
const placeholderID = "{00000000-0000-0000-0000-000000000000}"

func setHTTPError(rt Runtime, code, inner int) {
	rt.SetParam(types.ParamHTTPError, int64(code))
	if inner != 0 {
		rt.SetParam(types.ParamInnerHTTPError, int64(inner))
	}
}

// failRequest 依請求結果記錄錯誤碼並回傳 false
func failRequest(rt Runtime, resp *httpclient.Response, err error) bool {
	code, inner := httpclient.ErrorCode(resp, err)
	rt.Logger().Info("request failed", "code", code, "inner", inner, "error", err)
	setHTTPError(rt, code, inner)
	return false
}

// failDRM DRM 引擎沒有回覆或回覆不是 ok
func failDRM(rt Runtime, kind string, err error) bool {
	rt.Logger().Info("drm engine request failed", "kind", kind, "error", err)
	setHTTPError(rt, types.ErrCodeUnhandledDRMError, 0)
	return false
}

// postSOAP 把 challenge POST 到協定端點；重導向一律交回呼叫端
func postSOAP(ctx context.Context, rt Runtime, url, action, body string) (*httpclient.Response, error) {
	return rt.HTTP().Execute(ctx, httpclient.Request{
		SessionID:  rt.SessionID(),
		URL:        url,
		Body:       []byte(body),
		SOAPAction: action,
	})
}

// launchLUI callback 在線時回報 LUI 網址讓呼叫端處理，否則交給 Launcher 開啟
func launchLUI(ctx context.Context, rt Runtime, url string) {
	if url == "" {
		return
	}
	if rt.CallbackAttached() || rt.Launcher() == nil {
		rt.Report(types.StateLaunchLuiURL, true, map[string]any{types.ParamLuiURL: url})
		return
	}
	if err := rt.Launcher().Launch(ctx, url); err != nil {
		rt.Logger().Warn("failed to launch LUI url", "url", url, "error", err)
	}
}

func isPlaceholder(id string) bool {
	id = strings.TrimSpace(id)
	return id == "" || strings.EqualFold(id, placeholderID) || strings.EqualFold(id, strings.Trim(placeholderID, "{}"))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
