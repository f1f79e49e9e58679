// Package httpclient 實作授權協定使用的 HTTP 請求引擎
//
// 每次 Execute / Stream 都是一個邏輯請求，內部是一個狀態機：
//   - 傳輸失敗：等待逾時視窗剩下的時間後重試（不會等待負值）
//   - 301/302/303/307：跟隨（獨立的重導向額度）或把 Location 交回呼叫端
//   - 503：等待完整逾時視窗後重試，額度用完時保留 503 作為 inner status
//   - 408：立即重試
//   - 200/500：讀取內容與 MIME 類型
//   - 其他狀態：直接結束
//
// 取消是合作式的：PrepareCancel 之後，迴圈開頭與送出前都會檢查，
// 正在等待的 backoff 會被喚醒；已經送出的網路呼叫不會被中途中斷。
package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/xid"
)

// 預設值
const (
	DefaultTimeout       = 60 * time.Second
	DefaultRetryLimit    = 5
	DefaultRedirectLimit = 20

	// SOAPActionPrefix PlayReady 協定的 SOAPAction 前綴
	SOAPActionPrefix = "http://schemas.microsoft.com/DRM/2007/03/protocols/"

	maxBodySize = 32 << 20
	chunkSize   = 32 << 10
)

var (
	// ErrCancelled 工作階段已取消
	ErrCancelled = errors.New("httpclient: session cancelled")
	// ErrTooManyRetries 重試次數用盡
	ErrTooManyRetries = errors.New("httpclient: too many retries")
	// ErrTooManyRedirects 重導向次數超過上限
	ErrTooManyRedirects = errors.New("httpclient: too many redirects")
	// ErrUnexpectedStatus 非 200/500 的終止狀態碼
	ErrUnexpectedStatus = errors.New("httpclient: unexpected status")
	// ErrInvalidRequest URL 或方法無效
	ErrInvalidRequest = errors.New("httpclient: invalid request")
	// ErrBodyRead 串流讀取內容失敗
	ErrBodyRead = errors.New("httpclient: reading body failed")
)

// Options 單一工作階段的 HTTP 參數
type Options struct {
	Timeout       time.Duration     `json:"timeout" yaml:"timeout"`
	RetryLimit    int               `json:"retry_limit" yaml:"retry_limit"`
	RedirectLimit int               `json:"redirect_limit" yaml:"redirect_limit"`
	UserAgent     string            `json:"user_agent" yaml:"user_agent"`
	Headers       map[string]string `json:"headers" yaml:"headers"`
}

// DefaultOptions 回傳預設參數
func DefaultOptions() Options {
	return Options{
		Timeout:       DefaultTimeout,
		RetryLimit:    DefaultRetryLimit,
		RedirectLimit: DefaultRedirectLimit,
	}
}

// merge 以 o 中有設定的欄位覆寫 base
func (o Options) merge(base Options) Options {
	if o.Timeout > 0 {
		base.Timeout = o.Timeout
	}
	if o.RetryLimit > 0 {
		base.RetryLimit = o.RetryLimit
	}
	if o.RedirectLimit > 0 {
		base.RedirectLimit = o.RedirectLimit
	}
	if o.UserAgent != "" {
		base.UserAgent = o.UserAgent
	}
	if len(o.Headers) > 0 {
		headers := make(map[string]string, len(base.Headers)+len(o.Headers))
		for k, v := range base.Headers {
			headers[k] = v
		}
		for k, v := range o.Headers {
			headers[k] = v
		}
		base.Headers = headers
	}
	return base
}

// OptionsSource 依工作階段提供 HTTP 參數（Session Registry 實作）
type OptionsSource interface {
	HTTPOptions(sessionID int64) (Options, bool)
}

// Hooks 觀察引擎事件；任何欄位都可以是 nil
type Hooks struct {
	OnAttempt  func(sessionID int64, method string)
	OnRetry    func(sessionID int64, attempt int, cause string)
	OnRedirect func(sessionID int64, location string)
}

// Request 一個邏輯請求
type Request struct {
	SessionID       int64
	Method          string // 預設 GET，有 Body 時預設 POST
	URL             string
	Body            []byte
	ContentType     string // POST 預設 text/xml; charset=utf-8
	SOAPAction      string // 訊息類型，例如 AcquireLicense
	Headers         map[string]string
	FollowRedirects bool
}

// Response 請求結果；即使回傳錯誤也會盡量填入
type Response struct {
	StatusCode  int
	InnerStatus int
	MIMEType    string
	Body        []byte
	FinalURL    string
	RedirectURL string // 不跟隨重導向時的 Location
	Attempts    int
	Redirects   int
	Aborted     bool // 串流 callback 提前結束
	RequestID   string
}

// Redirected 表示請求以一個未跟隨的重導向結束
func (r *Response) Redirected() bool {
	return r != nil && r.RedirectURL != ""
}

// ChunkFunc 串流模式下每收到一段內容就呼叫一次，回傳 false 表示不再需要更多資料
type ChunkFunc func(chunk []byte) bool

// Config 引擎設定
type Config struct {
	Client   *http.Client
	Defaults Options
	Sessions OptionsSource
	Hooks    Hooks
	Logger   *slog.Logger
}

// Engine HTTP 請求引擎，可以被多個工作階段同時使用
type Engine struct {
	client   *http.Client
	defaults Options
	sessions OptionsSource
	hooks    Hooks
	logger   *slog.Logger

	mu      sync.Mutex
	cancels map[int64]chan struct{}
}

// New 建立引擎
func New(cfg Config) *Engine {
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	// 重導向由狀態機自己處理
	c := *client
	c.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		client:   &c,
		defaults: cfg.Defaults.merge(DefaultOptions()),
		sessions: cfg.Sessions,
		hooks:    cfg.Hooks,
		logger:   logger,
		cancels:  make(map[int64]chan struct{}),
	}
}

// SetHooks 替換事件觀察者（需在任何請求開始前呼叫）
func (e *Engine) SetHooks(h Hooks) {
	e.hooks = h
}

// ============================================================================
// 取消
// ============================================================================

func (e *Engine) cancelChan(sessionID int64) chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := e.cancels[sessionID]
	if !ok {
		ch = make(chan struct{})
		e.cancels[sessionID] = ch
	}
	return ch
}

// PrepareCancel 標記工作階段為已取消並喚醒所有等待中的 backoff
func (e *Engine) PrepareCancel(sessionID int64) {
	ch := e.cancelChan(sessionID)
	e.mu.Lock()
	defer e.mu.Unlock()
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// Cancelled 回傳工作階段是否已被取消
func (e *Engine) Cancelled(sessionID int64) bool {
	e.mu.Lock()
	ch, ok := e.cancels[sessionID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// ClearCancel 工作階段結束時釋放取消狀態
func (e *Engine) ClearCancel(sessionID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cancels, sessionID)
}

// ============================================================================
// 執行
// ============================================================================

// Execute 執行請求並把內容完整讀進記憶體
func (e *Engine) Execute(ctx context.Context, req Request) (*Response, error) {
	return e.run(ctx, req, nil)
}

// Stream 執行請求，200/500 的內容逐段交給 fn；fn 回傳 false 時提前結束
func (e *Engine) Stream(ctx context.Context, req Request, fn ChunkFunc) (*Response, error) {
	if fn == nil {
		return nil, fmt.Errorf("%w: nil chunk func", ErrInvalidRequest)
	}
	return e.run(ctx, req, fn)
}

func (e *Engine) optionsFor(sessionID int64) Options {
	if e.sessions != nil {
		if o, ok := e.sessions.HTTPOptions(sessionID); ok {
			return o.merge(e.defaults)
		}
	}
	return e.defaults
}

func (e *Engine) run(ctx context.Context, req Request, fn ChunkFunc) (*Response, error) {
	opts := e.optionsFor(req.SessionID)
	cancelCh := e.cancelChan(req.SessionID)
	resp := &Response{RequestID: xid.New().String(), FinalURL: req.URL}
	logger := e.logger.With("session", req.SessionID, "request_id", resp.RequestID)

	target, err := url.Parse(req.URL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return resp, fmt.Errorf("%w: url %q", ErrInvalidRequest, req.URL)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
		if req.Body != nil {
			method = http.MethodPost
		}
	}

	retries := 0
	for {
		if isClosed(cancelCh) {
			return resp, ErrCancelled
		}

		httpReq, err := e.buildRequest(ctx, method, target, req, opts, resp.RequestID)
		if err != nil {
			return resp, err
		}

		if isClosed(cancelCh) {
			return resp, ErrCancelled
		}

		resp.Attempts++
		if e.hooks.OnAttempt != nil {
			e.hooks.OnAttempt(req.SessionID, method)
		}
		start := time.Now()
		out, err := e.attempt(httpReq, opts.Timeout, fn, resp)

		switch {
		case err != nil && ctx.Err() != nil:
			return resp, ctx.Err()

		case err != nil && errors.Is(err, ErrBodyRead):
			return resp, err

		case err != nil:
			// 傳輸失敗
			logger.Warn("HTTP transport failure", "url", target.String(), "attempt", resp.Attempts, "error", err)
			if retries >= opts.RetryLimit {
				return resp, fmt.Errorf("%w: %v", ErrTooManyRetries, err)
			}
			retries++
			e.notifyRetry(req.SessionID, retries, "transport")
			if err := e.wait(ctx, cancelCh, opts.Timeout-time.Since(start)); err != nil {
				return resp, err
			}
			continue
		}

		resp.StatusCode = out.status
		switch out.status {
		case http.StatusOK, http.StatusInternalServerError:
			resp.MIMEType = out.mimeType
			return resp, nil

		case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther, http.StatusTemporaryRedirect:
			if out.location == "" {
				return resp, fmt.Errorf("%w: %d without Location", ErrUnexpectedStatus, out.status)
			}
			next, err := target.Parse(out.location)
			if err != nil {
				return resp, fmt.Errorf("%w: bad Location %q", ErrInvalidRequest, out.location)
			}
			if e.hooks.OnRedirect != nil {
				e.hooks.OnRedirect(req.SessionID, next.String())
			}
			if !req.FollowRedirects {
				resp.RedirectURL = next.String()
				return resp, nil
			}
			if resp.Redirects >= opts.RedirectLimit {
				return resp, ErrTooManyRedirects
			}
			resp.Redirects++
			logger.Debug("following redirect", "from", target.String(), "to", next.String())
			target = next
			resp.FinalURL = next.String()
			continue

		case http.StatusServiceUnavailable:
			if retries >= opts.RetryLimit {
				resp.InnerStatus = http.StatusServiceUnavailable
				return resp, ErrTooManyRetries
			}
			retries++
			e.notifyRetry(req.SessionID, retries, "503")
			if err := e.wait(ctx, cancelCh, opts.Timeout); err != nil {
				return resp, err
			}
			continue

		case http.StatusRequestTimeout:
			if retries >= opts.RetryLimit {
				resp.InnerStatus = http.StatusRequestTimeout
				return resp, ErrTooManyRetries
			}
			retries++
			e.notifyRetry(req.SessionID, retries, "408")
			continue

		default:
			return resp, fmt.Errorf("%w: %d", ErrUnexpectedStatus, out.status)
		}
	}
}

func (e *Engine) notifyRetry(sessionID int64, attempt int, cause string) {
	if e.hooks.OnRetry != nil {
		e.hooks.OnRetry(sessionID, attempt, cause)
	}
}

func (e *Engine) buildRequest(ctx context.Context, method string, target *url.URL, req Request, opts Options, requestID string) (*http.Request, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	for k, v := range opts.Headers {
		httpReq.Header.Set(k, v)
	}
	if opts.UserAgent != "" {
		httpReq.Header.Set("User-Agent", opts.UserAgent)
	}
	if req.Body != nil {
		ct := req.ContentType
		if ct == "" {
			ct = "text/xml; charset=utf-8"
		}
		httpReq.Header.Set("Content-Type", ct)
	}
	if req.SOAPAction != "" {
		httpReq.Header.Set("SOAPAction", `"`+SOAPActionPrefix+req.SOAPAction+`"`)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	httpReq.Header.Set("X-Request-Id", requestID)
	return httpReq, nil
}

type attemptResult struct {
	status   int
	location string
	mimeType string
}

// attempt 送出一次請求；逾時計時器涵蓋連線、標頭與（非串流時）內容讀取
func (e *Engine) attempt(httpReq *http.Request, timeout time.Duration, fn ChunkFunc, resp *Response) (*attemptResult, error) {
	ctx, cancel := context.WithCancel(httpReq.Context())
	defer cancel()
	timer := time.AfterFunc(timeout, cancel)
	defer timer.Stop()

	res, err := e.client.Do(httpReq.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	out := &attemptResult{status: res.StatusCode, location: res.Header.Get("Location")}
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusInternalServerError {
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, chunkSize))
		return out, nil
	}
	if ct := res.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err == nil {
			out.mimeType = mt
		}
	}

	if fn == nil {
		body, err := io.ReadAll(io.LimitReader(res.Body, maxBodySize))
		if err != nil {
			return nil, err
		}
		resp.Body = body
		return out, nil
	}

	// 串流：標頭已到，之後的讀取不受逾時限制
	timer.Stop()
	buf := make([]byte, chunkSize)
	for {
		n, err := res.Body.Read(buf)
		if n > 0 && !fn(buf[:n]) {
			resp.Aborted = true
			return out, nil
		}
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBodyRead, err)
		}
	}
}

// wait 等待 d，取消或 ctx 結束時提前返回
func (e *Engine) wait(ctx context.Context, cancelCh <-chan struct{}, d time.Duration) error {
	if d < 0 {
		d = 0
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-cancelCh:
		return ErrCancelled
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
