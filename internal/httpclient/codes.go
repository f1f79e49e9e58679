package httpclient

import (
	"errors"

	"github.com/ChuLiYu/drmlicense-service/pkg/types"
)

// ErrorCode 把請求結果轉成回報用的錯誤碼與 inner 錯誤碼。
// 成功時 code 為 HTTP 狀態碼。
func ErrorCode(resp *Response, err error) (code, inner int) {
	status := 0
	if resp != nil {
		status = resp.StatusCode
		inner = resp.InnerStatus
	}

	switch {
	case err == nil:
		return status, 0
	case errors.Is(err, ErrCancelled):
		return types.ErrCodeCancelled, 0
	case errors.Is(err, ErrTooManyRetries):
		return types.ErrCodeTooManyRetries, inner
	case errors.Is(err, ErrTooManyRedirects):
		return types.ErrCodeTooManyRedirects, 0
	case errors.Is(err, ErrUnexpectedStatus) && status != 0:
		return status, 0
	default:
		return types.ErrCodeInternal, 0
	}
}
