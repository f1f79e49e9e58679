// ============================================================================
// DRM License Service 控制器 - 系統核心協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 行程範圍的服務物件，負責組裝元件、啟動復原與對外的入口
//
// 架構設計:
//   這是整個系統的"大腦"，負責協調以下組件：
//   - Session Registry: callback、HTTP 參數、取消旗標與待送回報
//   - HTTP Engine: 所有工作階段共用的請求引擎，事件接到 metrics 與進度回報
//   - Job Store: 持久化 job 與工作階段參數，崩潰後可以繼續
//   - Worker Pool: 每個工作階段的 Job Manager 在一個 Worker 上執行
//
// 入口:
//   - RenewRights: 從內容檔案 / 網址 / PSSH 找出授權標頭並取得授權
//   - ProcessWebInitiator: 處理 web initiator 文件中的每個項目
//   - Cancel: 兩階段取消（registry 旗標 + 喚醒 HTTP backoff）
//   - SetHTTPParams / Attach / Detach: 工作階段的 HTTP 參數與 callback
//
// 崩潰恢復流程:
//   Start() 時自動執行：
//   1. QueryAll() - 取出 store 中所有未完成的 job 列
//   2. 依 session_id 分組，讀取各工作階段的參數
//   3. jobmanager.Restore() - 重建堆疊，交給 Worker Pool 繼續執行
//   復原的工作階段沒有在線 callback，回報會暫存到客戶端重新 Attach 為止。
//
// 並發安全:
//   - 使用 sync.Mutex 保護 sessions map 與 started/stopped 狀態
//   - resultLoop 在 Pool 關閉後退出，sync.WaitGroup 確保它正確結束
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/drmlicense-service/internal/drm"
	"github.com/ChuLiYu/drmlicense-service/internal/httpclient"
	"github.com/ChuLiYu/drmlicense-service/internal/job"
	"github.com/ChuLiYu/drmlicense-service/internal/jobmanager"
	"github.com/ChuLiYu/drmlicense-service/internal/jobstore"
	"github.com/ChuLiYu/drmlicense-service/internal/metrics"
	"github.com/ChuLiYu/drmlicense-service/internal/session"
	"github.com/ChuLiYu/drmlicense-service/internal/storage"
	"github.com/ChuLiYu/drmlicense-service/internal/worker"
	"github.com/ChuLiYu/drmlicense-service/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrNotStarted Start 尚未呼叫
	ErrNotStarted = errors.New("controller: not started")
	// ErrStopped Controller 已停止
	ErrStopped = errors.New("controller: stopped")
	// ErrUnknownSession 工作階段不存在或已結束
	ErrUnknownSession = errors.New("controller: unknown session")
	// ErrInvalidArgument 請求缺少必要欄位
	ErrInvalidArgument = errors.New("controller: invalid argument")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	WorkerCount    int           // 同時執行的工作階段上限
	QueueSize      int           // 等待執行的工作階段佇列大小
	SessionTimeout time.Duration // 單一工作階段的執行時間上限，0 表示不限
	CallbackQueue  int           // 每個工作階段最多暫存的回報數

	HTTP       httpclient.Options // 全域 HTTP 預設值
	HTTPClient *http.Client

	Store       *jobstore.Store // nil 表示不持久化；Stop 時關閉
	DRM         drm.Engine      // nil 時使用 drm.Unavailable
	Launcher    job.Launcher
	Downloader  job.Downloader // nil 且 DownloadDir 非空時使用 job.HTTPDownloader
	DownloadDir string

	Metrics *metrics.Collector
	Logger  *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.CallbackQueue <= 0 {
		c.CallbackQueue = session.DefaultQueueCapacity
	}
	if c.DRM == nil {
		c.DRM = drm.Unavailable{}
	}
	if c.Logger == nil {
		c.Logger = log
	}
}

// RenewRequest RenewRights 的輸入；Location 與 PSSH 至少要有一個
type RenewRequest struct {
	Location   string // 本機檔案、file:// 或 http(s) 網址
	PSSH       string // base64 的 protection system header
	CustomData string
}

// InitiatorRequest ProcessWebInitiator 的輸入；URL 與 Document 至少要有一個
type InitiatorRequest struct {
	URL      string
	Document string // 內嵌的 initiator XML
}

// SessionStatus 單一工作階段的狀態
type SessionStatus struct {
	ID      int64
	Kind    jobmanager.Kind
	State   jobmanager.State
	Pending int
}

// Status 系統狀態
type Status struct {
	Uptime   time.Duration
	Workers  int
	Busy     int
	Sessions []SessionStatus
}

// Controller 核心控制器
type Controller struct {
	mu       sync.Mutex
	config   Config
	logger   *slog.Logger
	registry *session.Registry
	http     *httpclient.Engine
	pool     *worker.Pool
	sessions map[int64]*jobmanager.Manager

	started   bool
	stopped   bool
	startTime time.Time
	loopWg    sync.WaitGroup
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 建立新的 Controller 實例並組裝所有元件
//
// 參數：
//   - config: Controller 配置
//
// 返回值：
//   - *Controller: 尚未啟動的 Controller
//
// 組裝順序：
//  1. Session Registry（hook 接到 metrics）
//  2. HTTP Engine（每個工作階段的參數從 registry 取得，重試時送出 HTTPRetrying 回報）
//  3. Worker Pool
func NewController(config Config) *Controller {
	config.applyDefaults()

	c := &Controller{
		config:   config,
		logger:   config.Logger,
		sessions: make(map[int64]*jobmanager.Manager),
	}

	c.registry = session.NewRegistry(config.CallbackQueue, session.Hooks{
		OnTerminal: func(id int64) {
			c.logger.Debug("session terminal report delivered", "session", id)
		},
		OnBuffered: func(int64) { config.Metrics.ReportBuffered() },
		OnDropped: func(id int64, r types.Report) {
			config.Metrics.ReportDropped()
			c.logger.Warn("dropped buffered report", "session", id, "state", r.State.String())
		},
	}, config.Logger)

	c.http = httpclient.New(httpclient.Config{
		Client:   config.HTTPClient,
		Defaults: config.HTTP,
		Sessions: c.registry,
		Hooks: httpclient.Hooks{
			OnAttempt: func(_ int64, method string) { config.Metrics.HTTPAttempt(method) },
			OnRetry:   c.onHTTPRetry,
			OnRedirect: func(id int64, location string) {
				config.Metrics.HTTPRedirect()
				c.logger.Debug("http redirect", "session", id, "location", location)
			},
		},
		Logger: config.Logger,
	})

	if c.config.Downloader == nil && c.config.DownloadDir != "" {
		c.config.Downloader = &job.HTTPDownloader{Client: c.http, Dir: c.config.DownloadDir, Logger: config.Logger}
	}

	c.pool = worker.NewPool(config.QueueSize, config.Logger)
	return c
}

// onHTTPRetry 每次 HTTP 重試都以 HTTPRetrying 回報給工作階段
func (c *Controller) onHTTPRetry(sessionID int64, attempt int, cause string) {
	c.config.Metrics.HTTPRetry(cause)
	c.registry.Report(types.Report{
		SessionID: sessionID,
		State:     types.StateHTTPRetrying,
		Success:   true,
		Params:    map[string]any{types.ParamRetryAttempt: int64(attempt)},
	})
}

// Start 啟動 Controller
//
// 流程：
//  1. 啟動 Worker Pool
//  2. 恢復階段：把 store 中未完成的工作階段交給 Pool
//  3. 啟動 resultLoop
//
// 返回值：
//   - error: 啟動或復原失敗的錯誤
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("controller already started")
	}
	c.started = true
	c.startTime = time.Now()
	c.mu.Unlock()

	if err := c.pool.Start(ctx, c.config.WorkerCount); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	c.loopWg.Add(1)
	go c.resultLoop()

	c.logger.Info("Starting recovery...")
	recovered, err := c.recover()
	if err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}
	recoveryTime := time.Since(c.startTime)
	c.config.Metrics.SetRecovery(recoveryTime, recovered)
	c.logger.Info("Recovery completed", "duration", recoveryTime, "sessions", recovered)

	c.logger.Info("Controller started", "workers", c.config.WorkerCount)
	return nil
}

// recover 重建 store 中所有未完成的工作階段並提交執行
func (c *Controller) recover() (int, error) {
	rows, err := c.config.Store.QueryAll()
	if err != nil {
		return 0, fmt.Errorf("query jobs: %w", err)
	}

	bySession := make(map[int64][]storage.Row)
	for _, row := range rows {
		bySession[row.SessionID] = append(bySession[row.SessionID], row)
	}
	ids := make([]int64, 0, len(bySession))
	for id := range bySession {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	recovered := 0
	for _, id := range ids {
		params, err := c.config.Store.Params(id)
		if err != nil {
			c.logger.Error("failed to load session params", "session", id, "error", err)
			continue
		}

		c.registry.Reserve(id)
		c.registry.Open(id, nil)
		m, dropped := jobmanager.Restore(c.managerConfig(id, ""), bySession[id], params)
		if dropped > 0 {
			c.logger.Warn("session restored with dropped jobs", "session", id, "dropped", dropped)
		}
		if err := c.submit(m); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

// managerConfig 組出一個工作階段的 Job Manager 設定
func (c *Controller) managerConfig(id int64, kind jobmanager.Kind) jobmanager.Config {
	return jobmanager.Config{
		SessionID:  id,
		Kind:       kind,
		Store:      c.config.Store,
		Registry:   c.registry,
		HTTP:       c.http,
		DRM:        c.config.DRM,
		Launcher:   c.config.Launcher,
		Downloader: c.config.Downloader,
		Metrics:    c.config.Metrics,
		Logger:     c.config.Logger,
		OnFinish:   c.onFinish,
	}
}

func (c *Controller) submit(m *jobmanager.Manager) error {
	c.mu.Lock()
	c.sessions[m.SessionID()] = m
	c.mu.Unlock()

	id := m.SessionID()
	err := c.pool.Submit(worker.Task{
		Session:   m,
		Timeout:   c.config.SessionTimeout,
		OnTimeout: func() { c.expire(id) },
	})
	if err != nil {
		c.mu.Lock()
		delete(c.sessions, m.SessionID())
		c.mu.Unlock()
		if errors.Is(err, worker.ErrPoolClosed) {
			return ErrStopped
		}
		return err
	}
	return nil
}

// onFinish Job Manager 結束後移除工作階段
func (c *Controller) onFinish(id int64) {
	c.mu.Lock()
	delete(c.sessions, id)
	c.mu.Unlock()
	c.http.ClearCancel(id)
}

// expire 工作階段超過 SessionTimeout：走取消流程，剩餘 job 移除並送出 Cancelled 回報
func (c *Controller) expire(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sessions[id]; !ok {
		return
	}
	c.logger.Warn("session deadline exceeded, cancelling", "session", id, "timeout", c.config.SessionTimeout)
	c.registry.Cancel(id)
	c.http.PrepareCancel(id)
}

// resultLoop 處理 Worker 執行結果
// 注意：此循環會一直運行到 Pool 關閉為止
func (c *Controller) resultLoop() {
	defer c.loopWg.Done()
	for {
		result, err := c.pool.ReceiveResult()
		if err != nil {
			c.logger.Info("Result loop stopped")
			return
		}

		switch {
		case result.Success:
			c.logger.Debug("session completed", "session", result.SessionID, "duration", result.Duration)
		case errors.Is(result.Error, context.Canceled):
			// 行程關閉：job 留在 store 裡，下次啟動繼續
			c.logger.Info("session interrupted", "session", result.SessionID)
			c.onFinish(result.SessionID)
		default:
			c.logger.Error("session aborted", "session", result.SessionID, "error", result.Error)
			c.onFinish(result.SessionID)
		}
	}
}

// ============================================================================
// 公開方法
// ============================================================================

// RenewRights 開始一個 RenewRights 工作階段
//
// 參數：
//   - req: 內容位置或 PSSH
//   - cb: 進度 callback，可為 nil（回報會暫存到 Attach）
//   - opts: 工作階段的 HTTP 參數，可為 nil
//
// 返回值：
//   - int64: 工作階段 ID
//   - error: 參數錯誤或 Controller 未運行
//
// 使用範例：
//
//	id, err := c.RenewRights(controller.RenewRequest{Location: "movie.ismv"}, cb, nil)
func (c *Controller) RenewRights(req RenewRequest, cb session.Callback, opts *httpclient.Options) (int64, error) {
	if req.Location == "" && req.PSSH == "" {
		return 0, fmt.Errorf("%w: location or pssh is required", ErrInvalidArgument)
	}
	return c.startSession(jobmanager.KindRenew, cb, opts, func(m *jobmanager.Manager) {
		g := m.NewGroup()
		m.PushInGroup(&job.DrmFeedback{Kind: job.FeedbackRenewRights}, g)
		m.PushInGroup(&job.RenewRights{Location: req.Location, PSSH: req.PSSH, CustomData: req.CustomData}, g)
	})
}

// ProcessWebInitiator 開始一個 web initiator 工作階段
func (c *Controller) ProcessWebInitiator(req InitiatorRequest, cb session.Callback, opts *httpclient.Options) (int64, error) {
	if req.URL == "" && req.Document == "" {
		return 0, fmt.Errorf("%w: url or document is required", ErrInvalidArgument)
	}
	return c.startSession(jobmanager.KindWebInitiator, cb, opts, func(m *jobmanager.Manager) {
		m.PushInGroup(&job.WebInitiator{URL: req.URL, Document: req.Document}, 0)
	})
}

func (c *Controller) startSession(kind jobmanager.Kind, cb session.Callback, opts *httpclient.Options, plan func(m *jobmanager.Manager)) (int64, error) {
	if err := c.running(); err != nil {
		return 0, err
	}

	id := c.registry.NewSessionID()
	c.registry.Open(id, cb)
	if opts != nil {
		c.registry.SetHTTPOptions(id, *opts)
	}

	m := jobmanager.New(c.managerConfig(id, kind))
	plan(m)
	if err := c.submit(m); err != nil {
		c.registry.Forget(id)
		return 0, err
	}

	c.logger.Info("session started", "session", id, "kind", kind)
	return id, nil
}

func (c *Controller) running() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrStopped
	}
	if !c.started {
		return ErrNotStarted
	}
	return nil
}

// Cancel 取消工作階段
//
// 第一階段設定 registry 旗標（Job Manager 在下一次 pop 前看到），
// 第二階段喚醒正在 backoff 的 HTTP 請求。
func (c *Controller) Cancel(id int64) error {
	c.mu.Lock()
	_, ok := c.sessions[id]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSession, id)
	}

	c.registry.Cancel(id)
	c.http.PrepareCancel(id)
	c.logger.Info("session cancel requested", "session", id)
	return nil
}

// SetHTTPParams 設定工作階段的 HTTP 參數，之後的請求立即生效
func (c *Controller) SetHTTPParams(id int64, opts httpclient.Options) error {
	c.mu.Lock()
	_, ok := c.sessions[id]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSession, id)
	}
	c.registry.SetHTTPOptions(id, opts)
	return nil
}

// Attach 連上工作階段的 callback 並補送暫存的回報，回傳補送筆數
func (c *Controller) Attach(id int64, cb session.Callback) int {
	return c.registry.Attach(id, cb)
}

// Detach 移除工作階段的 callback
func (c *Controller) Detach(id int64) {
	c.registry.Detach(id)
}

// Known 工作階段仍在執行，或還有尚未送出的回報
func (c *Controller) Known(id int64) bool {
	c.mu.Lock()
	_, ok := c.sessions[id]
	c.mu.Unlock()
	return ok || c.registry.Pending(id) > 0
}

// Pending 工作階段暫存中的回報數
func (c *Controller) Pending(id int64) int {
	return c.registry.Pending(id)
}

// GetStatus 取得系統狀態
func (c *Controller) GetStatus() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		Workers:  c.config.WorkerCount,
		Busy:     c.pool.Busy(),
		Sessions: make([]SessionStatus, 0, len(c.sessions)),
	}
	if c.started {
		st.Uptime = time.Since(c.startTime)
	}
	for id, m := range c.sessions {
		st.Sessions = append(st.Sessions, SessionStatus{ID: id, Kind: m.Kind(), State: m.State(), Pending: m.Pending()})
	}
	sort.Slice(st.Sessions, func(i, j int) bool { return st.Sessions[i].ID < st.Sessions[j].ID })
	return st
}

// Stop 優雅關閉 Controller
//
// 關閉順序：
//  1. 標記 stopped，新的入口呼叫返回 ErrStopped
//  2. pool.Stop() → 中斷執行中的工作階段（剩下的 job 留在 store）並關閉 resultCh
//  3. loopWg.Wait() → 等待 resultLoop 退出
//  4. 關閉 store
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		c.logger.Info("Controller already stopped")
		return
	}
	c.stopped = true
	c.mu.Unlock()

	c.logger.Info("Stopping controller...")
	c.pool.Stop()
	c.loopWg.Wait()

	if err := c.config.Store.Close(); err != nil {
		c.logger.Error("Failed to close job store", "error", err)
	}
	c.logger.Info("Controller stopped")
}
