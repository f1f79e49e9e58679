// Package types 定義了 license service 對外可見的領域常數：進度狀態、錯誤碼與回報參數鍵
package types

import "fmt"

// SessionID 工作階段識別碼（以時間為基礎，在同一個行程內唯一）
type SessionID = int64

// ProgressState 回報給 session callback 的進度狀態
type ProgressState int

// 定義進度狀態常數
const (
	StateRenewRights            ProgressState = 1  // RenewRights 工作階段完成（成功或失敗）
	StateWebInitiatorCount      ProgressState = 2  // Web initiator 解析完成，參數帶有 group 數量
	StateAcquireLicense         ProgressState = 3  // 一個授權取得 group 完成
	StateJoinDomain             ProgressState = 4  // 一個加入網域 group 完成
	StateLeaveDomain            ProgressState = 5  // 一個離開網域 group 完成
	StateMetering               ProgressState = 6  // 一個計量回報 group 完成
	StateGetMeteringCertificate ProgressState = 7  // 取得計量憑證完成
	StateDownloadContent        ProgressState = 8  // 內容下載交付完成
	StateWebInitiatorFinished   ProgressState = 9  // Web initiator 工作階段全部完成
	StateLaunchLuiURL           ProgressState = 10 // 需要使用者開啟 LUI 網址
	StateHTTPRetrying           ProgressState = 11 // HTTP 請求正在重試
	StateCancelled              ProgressState = 12 // 工作階段已取消
	StateUnknownInitiatorItem   ProgressState = 13 // Web initiator 含有無法辨識的項目
)

var stateNames = map[ProgressState]string{
	StateRenewRights:            "renew_rights",
	StateWebInitiatorCount:      "web_initiator_count",
	StateAcquireLicense:         "acquire_license",
	StateJoinDomain:             "join_domain",
	StateLeaveDomain:            "leave_domain",
	StateMetering:               "metering",
	StateGetMeteringCertificate: "get_metering_certificate",
	StateDownloadContent:        "download_content",
	StateWebInitiatorFinished:   "web_initiator_finished",
	StateLaunchLuiURL:           "launch_lui_url",
	StateHTTPRetrying:           "http_retrying",
	StateCancelled:              "cancelled",
	StateUnknownInitiatorItem:   "unknown_initiator_item",
}

func (s ProgressState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ParseProgressState 依名稱取回狀態，找不到時回傳 false
func ParseProgressState(name string) (ProgressState, bool) {
	for state, n := range stateNames {
		if n == name {
			return state, true
		}
	}
	return 0, false
}

// Terminal 表示此狀態是該工作階段的最後一個回報
func (s ProgressState) Terminal() bool {
	switch s {
	case StateRenewRights, StateWebInitiatorFinished, StateCancelled:
		return true
	}
	return false
}

// 錯誤碼：寫入回報參數 HTTPError，正數為 HTTP 狀態碼，負數為內部錯誤
const (
	ErrCodeCancelled         = -1 // 工作階段已取消
	ErrCodeTooManyRetries    = -2 // 傳輸失敗或 503/408 重試次數用盡
	ErrCodeTooManyRedirects  = -3 // 重導向次數超過上限
	ErrCodeInternal          = -4 // 內部錯誤（URL 無效、I/O 錯誤）
	ErrCodeXMLParsing        = -5 // XML 解析失敗
	ErrCodeUnhandledDRMError = -6 // DRM 引擎沒有回覆、狀態錯誤或缺少 LA_URL
	ErrCodeNoLicenseHeader   = -7 // 找不到授權標頭
)

// 回報參數鍵
const (
	ParamHTTPError      = "HTTP_ERROR"
	ParamInnerHTTPError = "INNER_HTTP_ERROR"
	ParamServerError    = "SERVER_ERROR"
	ParamGroupCount     = "GROUP_COUNT"
	ParamGroupNumber    = "GROUP_NUMBER"
	ParamType           = "TYPE"
	ParamLuiURL         = "LUI_URL"
	ParamContentURL     = "CONTENT_URL"
	ParamCustomData     = "CUSTOM_DATA"
	ParamRetryAttempt   = "RETRY_ATTEMPT"
	ParamURL            = "URL"
)

// Report 一次進度回報的內容
type Report struct {
	SessionID SessionID      `json:"session_id"`
	State     ProgressState  `json:"state"`
	Success   bool           `json:"success"`
	Params    map[string]any `json:"params,omitempty"`
}
