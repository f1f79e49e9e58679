// ============================================================================
// DRM License Service 任務管理器 - 工作階段執行迴圈
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 一個工作階段（session）的 job 堆疊、group 失敗傳遞與取消流程
//
// 設計理念:
//   每個工作階段有自己的 Manager 與 Stack，由一個 goroutine 執行 Run：
//   1. Stack - LIFO，同一 group 的 job 相鄰，透過 NextGroup 逐一取出
//   2. jobstore.Tx - 每次 pop/執行/移除是一個交易，崩潰時尚未完成的 job 仍在 store 裡
//   3. Runtime - Manager 實作 job.Runtime，job 透過它推入新 job、記錄參數、回報進度
//
// 狀態轉換 (State Machine):
//   Idle (尚未執行)
//      ↓ Run()
//   Running (逐 group 執行)
//      ↓ 取消被觀察到
//   Draining (移除剩餘 job，合成 Cancelled 回報)
//      ↓
//   Done (finish callback 已呼叫)
//
//   Running 在堆疊清空時直接進入 Done。
//   ctx 結束（行程關閉）時回到 Idle，store 中的 job 留給下次啟動復原。
//
// Group 失敗傳遞:
//   - 一個非零 group 中的 job 失敗後，該 group 剩下的 job 改為呼叫
//     ExecuteAfterEarlierFailure（DrmFeedback 因此回報失敗）
//   - group 0 的 job 失敗只會清除 allJobsOk，不會標記 group
//
// 並發安全:
//   - Run 只能由一個 goroutine 呼叫
//   - State / Pending / SessionID 可以從其他 goroutine 查詢
//
// ============================================================================

package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/drmlicense-service/internal/drm"
	"github.com/ChuLiYu/drmlicense-service/internal/job"
	"github.com/ChuLiYu/drmlicense-service/internal/jobstore"
	"github.com/ChuLiYu/drmlicense-service/internal/metrics"
	"github.com/ChuLiYu/drmlicense-service/internal/session"
	"github.com/ChuLiYu/drmlicense-service/internal/storage"
	"github.com/ChuLiYu/drmlicense-service/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// Run 被呼叫第二次
	ErrAlreadyRun = errors.New("jobmanager: session already ran")
)

// ============================================================================
// 類型定義
// ============================================================================

// Kind 工作階段種類，決定結束時要送出哪一種完成回報
type Kind string

const (
	KindRenew        Kind = "renew"
	KindWebInitiator Kind = "web_initiator"
	KindClient       Kind = "client"
)

// 內部參數，與 job 的參數存在同一張表
const (
	ParamSessionKind = "SESSION_KIND"
	paramFailedGroup = "FAILED_GROUP"
	paramAllJobsOK   = "ALL_JOBS_OK"
	paramGroupCount  = "MAX_GROUP_COUNT"
)

// State Manager 狀態
type State int

const (
	StateIdle State = iota
	StateRunning
	StateDraining
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateRunning:
		return "Running"
	case StateDraining:
		return "Draining"
	case StateDone:
		return "Done"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// HTTPEngine job 使用的 HTTP 引擎加上取消控制（httpclient.Engine 實作）
type HTTPEngine interface {
	job.HTTPClient
	Cancelled(sessionID int64) bool
	ClearCancel(sessionID int64)
}

// Config Manager 設定
type Config struct {
	SessionID int64
	Kind      Kind

	Store      *jobstore.Store   // nil 表示不持久化
	Registry   *session.Registry // nil 時回報只寫日誌
	HTTP       HTTPEngine
	DRM        drm.Engine
	Launcher   job.Launcher
	Downloader job.Downloader
	Metrics    *metrics.Collector
	Logger     *slog.Logger

	// OnFinish 在工作階段結束後呼叫，之後不可再操作這個 Manager
	OnFinish func(sessionID int64)
}

// Manager 一個工作階段的 job 執行者，實作 job.Runtime
type Manager struct {
	cfg    Config
	logger *slog.Logger
	stack  *Stack

	mu    sync.Mutex // 保護 state
	state State
	ran   bool

	// 以下欄位只由執行 Run 的 goroutine 存取
	params           map[string]any
	allJobsOK        bool
	failedGroup      int
	currentGroup     int
	maxGroupCount    int
	groupCreateCount int

	// 目前交易；job 執行期間的寫入都排進這裡
	tx      *jobstore.Tx
	inTx    bool
	pending map[job.Job]int // 本次交易新增的 job -> Insert handle
}

var _ job.Runtime = (*Manager)(nil)

// New 創建新的工作階段 Manager，並把工作階段種類寫入 store
//
// 參數說明：
//   - cfg: 依賴與工作階段 id；Kind 為空時視為 KindClient
//
// 使用範例：
//
//	m := jobmanager.New(cfg)
//	m.PushInGroup(&job.DrmFeedback{Kind: job.FeedbackRenewRights}, m.NewGroup())
//	go m.Run(ctx)
func New(cfg Config) *Manager {
	m := newManager(cfg)
	m.writeParam(ParamSessionKind, string(m.cfg.Kind))
	return m
}

func newManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Kind == "" {
		cfg.Kind = KindClient
	}
	return &Manager{
		cfg:       cfg,
		logger:    cfg.Logger.With("session", cfg.SessionID),
		stack:     &Stack{},
		state:     StateIdle,
		params:    map[string]any{},
		allJobsOK: true,
	}
}

// Restore 從 store 的資料列重建中斷的工作階段
//
// rows 依 rowId 排序後由底到頂推入堆疊（rowId 遞增即推入順序）。
// 無法還原的資料列會被記錄並從 store 移除。
// 工作階段種類、失敗的 group 與 allJobsOk 從 params 還原；Config.Kind 非空時優先。
//
// 返回值：
//   - *Manager: 處於 Idle 的 Manager
//   - int: 被丟棄的資料列數
func Restore(cfg Config, rows []storage.Row, params []storage.Param) (*Manager, int) {
	m := newManager(cfg)
	kindSet := cfg.Kind != ""

	for _, p := range params {
		switch p.Key {
		case ParamSessionKind:
			if !kindSet && p.Str != "" {
				m.cfg.Kind = Kind(p.Str)
			}
		case paramFailedGroup:
			m.failedGroup = int(p.Int)
		case paramAllJobsOK:
			m.allJobsOK = p.Int != 0
		case paramGroupCount:
			m.maxGroupCount = int(p.Int)
		default:
			m.params[p.Key] = p.Value()
		}
	}

	sorted := make([]storage.Row, len(rows))
	copy(sorted, rows)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	dropped := 0
	for _, row := range sorted {
		j, err := job.FromRow(row)
		if err != nil {
			m.logger.Warn("dropping unrestorable job", "row", row.ID, "type", row.Type, "error", err)
			if _, rmErr := m.cfg.Store.Remove(row.ID); rmErr != nil {
				m.logger.Error("remove unrestorable job failed", "row", row.ID, "error", rmErr)
			}
			dropped++
			continue
		}
		if j.GroupID() > m.groupCreateCount {
			m.groupCreateCount = j.GroupID()
		}
		m.stack.Push(j)
	}

	m.logger.Info("session restored", "kind", m.cfg.Kind, "jobs", m.stack.Len(), "dropped", dropped)
	return m, dropped
}

// ============================================================================
// 查詢
// ============================================================================

// Kind 工作階段種類
func (m *Manager) Kind() Kind { return m.cfg.Kind }

// State 目前狀態
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Pending 堆疊中尚未執行的 job 數
func (m *Manager) Pending() int { return m.stack.Len() }

// ============================================================================
// 執行迴圈
// ============================================================================

// Run 執行堆疊中所有 job 直到清空或被取消
//
// 返回值：
//   - error: ctx 結束時回傳 ctx.Err()，工作階段留在 store 中等待復原；
//     重複呼叫回傳 ErrAlreadyRun
//
// 流程：
//  1. 每次 pop 前檢查取消（registry 旗標或 HTTP 引擎的取消通道）
//  2. 取出頂端 group，逐一執行：group 已失敗的改跑 ExecuteAfterEarlierFailure
//  3. 每個 job 一個交易：執行期間的推入與參數寫入、加上移除自己，一次提交
//  4. 取消時清空剩餘 job，合成 DrmFeedback(Cancelled) 作為失敗通知
//  5. 送出完成回報，清除工作階段參數，呼叫 OnFinish
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.ran {
		m.mu.Unlock()
		return ErrAlreadyRun
	}
	m.ran = true
	m.state = StateRunning
	m.mu.Unlock()

	m.cfg.Metrics.SessionStarted(string(m.cfg.Kind))
	m.logger.Debug("session running", "kind", m.cfg.Kind, "jobs", m.stack.Len())

	for m.stack.Len() > 0 && !m.Cancelled() && ctx.Err() == nil {
		gid, next := m.stack.NextGroup()
		m.currentGroup = gid
		for !m.Cancelled() {
			j, ok := next()
			if !ok {
				break
			}
			if err := m.execute(ctx, gid, j); err != nil {
				m.setState(StateIdle)
				m.cfg.Metrics.SessionFinished()
				m.logger.Info("session interrupted", "error", err)
				return err
			}
		}
	}

	// 堆疊已清空時最後回報已經送出，之後才到的取消不再回報
	cancelled := m.stack.Len() > 0 && m.Cancelled()
	if ctx.Err() != nil && m.stack.Len() > 0 && !cancelled {
		m.setState(StateIdle)
		m.cfg.Metrics.SessionFinished()
		return ctx.Err()
	}
	if cancelled {
		m.drain(ctx)
	}
	m.finish(ctx, cancelled)
	return nil
}

// execute 在一個交易中執行單一 job
func (m *Manager) execute(ctx context.Context, gid int, j job.Job) error {
	m.tx = m.cfg.Store.Begin()
	m.inTx = true
	m.pending = map[job.Job]int{}
	defer func() {
		m.tx, m.inTx, m.pending = nil, false, nil
	}()

	start := time.Now()
	outcome := metrics.OutcomeOK
	if gid != 0 && gid == m.failedGroup {
		j.ExecuteAfterEarlierFailure(ctx, m)
		outcome = metrics.OutcomeAfterFailure
	} else if !j.ExecuteNormal(ctx, m) {
		outcome = metrics.OutcomeFailed
		m.failed(gid)
	}

	// 行程關閉造成的中斷：不提交，job 留在 store 裡重新執行
	if ctx.Err() != nil {
		m.tx.Rollback()
		return ctx.Err()
	}

	m.tx.Remove(j.RowID())
	if err := m.tx.Commit(); err != nil {
		m.logger.Error("commit failed", "job", j.Type(), "row", j.RowID(), "error", err)
	}

	m.cfg.Metrics.JobExecuted(j.Type().String(), outcome, time.Since(start))
	m.logger.Debug("job executed", "job", j.Type(), "group", gid, "outcome", outcome)
	return nil
}

func (m *Manager) failed(gid int) {
	if m.allJobsOK {
		m.allJobsOK = false
		m.writeParam(paramAllJobsOK, int64(0))
	}
	if gid == 0 {
		return
	}
	m.failedGroup = gid
	m.writeParam(paramFailedGroup, int64(gid))
	m.cfg.Metrics.GroupFailed()
}

// drain 移除所有剩餘 job 並送出 Cancelled 失敗通知
func (m *Manager) drain(ctx context.Context) {
	m.setState(StateDraining)

	jobs := m.stack.Drain()
	tx := m.cfg.Store.Begin()
	for _, j := range jobs {
		tx.Remove(j.RowID())
	}
	if err := tx.Commit(); err != nil {
		m.logger.Error("drain commit failed", "jobs", len(jobs), "error", err)
	}

	m.logger.Info("session cancelled", "dropped", len(jobs))
	m.cfg.Metrics.SessionCancelled()

	fb := &job.DrmFeedback{Kind: job.FeedbackCancelled}
	fb.SetRowID(-1)
	fb.ExecuteAfterEarlierFailure(ctx, m)
}

func (m *Manager) finish(ctx context.Context, cancelled bool) {
	if !cancelled && m.cfg.Kind == KindWebInitiator {
		params := map[string]any{}
		if v, ok := m.params[types.ParamHTTPError]; ok {
			params[types.ParamHTTPError] = v
		}
		m.Report(types.StateWebInitiatorFinished, m.allJobsOK, params)
	}

	if err := m.cfg.Store.DeleteParams(m.cfg.SessionID); err != nil {
		m.logger.Error("delete session params failed", "error", err)
	}
	if m.cfg.HTTP != nil {
		m.cfg.HTTP.ClearCancel(m.cfg.SessionID)
	}

	m.setState(StateDone)
	m.cfg.Metrics.SessionFinished()
	m.logger.Info("session finished", "cancelled", cancelled, "all_ok", m.allJobsOK)

	if m.cfg.OnFinish != nil {
		m.cfg.OnFinish(m.cfg.SessionID)
	}
}

// ============================================================================
// 持久化
// ============================================================================

// write 在目前交易中排入寫入；不在交易中時使用獨立交易並立即提交
func (m *Manager) write(fn func(tx *jobstore.Tx)) {
	if m.inTx {
		fn(m.tx)
		return
	}
	tx := m.cfg.Store.Begin()
	fn(tx)
	if err := tx.Commit(); err != nil {
		m.logger.Error("store write failed", "error", err)
	}
}

func (m *Manager) writeParam(key string, value any) {
	id := m.cfg.SessionID
	m.write(func(tx *jobstore.Tx) {
		switch v := value.(type) {
		case nil:
			tx.DeleteParam(id, key)
		case string:
			tx.SetParam(storage.StringParam(id, key, v))
		case int64:
			tx.SetParam(storage.IntParam(id, key, v))
		case int:
			tx.SetParam(storage.IntParam(id, key, int64(v)))
		case bool:
			var n int64
			if v {
				n = 1
			}
			tx.SetParam(storage.IntParam(id, key, n))
		default:
			tx.SetParam(storage.StringParam(id, key, fmt.Sprint(v)))
		}
	})
}

// ============================================================================
// job.Runtime 實作
// ============================================================================

func (m *Manager) SessionID() int64 { return m.cfg.SessionID }

// Push 推入 job，屬於目前正在執行的 group
func (m *Manager) Push(j job.Job) { m.PushInGroup(j, m.currentGroup) }

// PushInGroup 推入 job 並寫入 store；Commit 後 rowId 才會被設定
func (m *Manager) PushInGroup(j job.Job, groupID int) {
	j.SetGroupID(groupID)
	j.SetRowID(-1)
	m.stack.Push(j)

	row := j.Row()
	row.SessionID = m.cfg.SessionID
	if m.inTx {
		m.pending[j] = m.tx.Insert(row, j.SetRowID)
		return
	}
	m.write(func(tx *jobstore.Tx) { tx.Insert(row, j.SetRowID) })
}

// RemoveLastOfType 從堆疊與 store 移除最後一個指定類型的 job
//
// 同一交易內剛推入的 job 直接取消其新增，不會寫入 store。
func (m *Manager) RemoveLastOfType(t job.Type) job.Job {
	j := m.stack.RemoveLastOfType(t)
	if j == nil {
		return nil
	}
	if h, ok := m.pending[j]; ok {
		m.tx.Discard(h)
		delete(m.pending, j)
		return j
	}
	id := j.RowID()
	m.write(func(tx *jobstore.Tx) { tx.Remove(id) })
	return j
}

// NewGroup 配置新的 group id
func (m *Manager) NewGroup() int {
	m.groupCreateCount++
	return m.groupCreateCount
}

func (m *Manager) SetGroupCount(n int) {
	m.maxGroupCount = n
	m.writeParam(paramGroupCount, int64(n))
}

func (m *Manager) GroupCount() int { return m.maxGroupCount }

// Cancelled 取消旗標（registry）或 HTTP 取消通道任一被設定
func (m *Manager) Cancelled() bool {
	if m.cfg.Registry != nil && m.cfg.Registry.Cancelled(m.cfg.SessionID) {
		return true
	}
	return m.cfg.HTTP != nil && m.cfg.HTTP.Cancelled(m.cfg.SessionID)
}

// SetParam 記錄工作階段參數；value 為 nil 時刪除
func (m *Manager) SetParam(key string, value any) {
	if value == nil {
		delete(m.params, key)
	} else {
		m.params[key] = value
	}
	m.writeParam(key, value)
}

func (m *Manager) Param(key string) (any, bool) {
	v, ok := m.params[key]
	return v, ok
}

// Report 把進度回報交給 registry
func (m *Manager) Report(state types.ProgressState, success bool, params map[string]any) {
	m.logger.Info("progress", "state", state, "success", success)
	if m.cfg.Registry == nil {
		return
	}
	m.cfg.Registry.Report(types.Report{
		SessionID: m.cfg.SessionID,
		State:     state,
		Success:   success,
		Params:    params,
	})
}

func (m *Manager) MarkResult(ok bool) {
	if m.cfg.Registry != nil {
		m.cfg.Registry.MarkResult(m.cfg.SessionID, ok)
	}
}

func (m *Manager) CallbackAttached() bool {
	return m.cfg.Registry != nil && m.cfg.Registry.Attached(m.cfg.SessionID)
}

func (m *Manager) HTTP() job.HTTPClient {
	if m.cfg.HTTP == nil {
		return nil
	}
	return m.cfg.HTTP
}

func (m *Manager) DRM() drm.Engine { return m.cfg.DRM }

func (m *Manager) Launcher() job.Launcher { return m.cfg.Launcher }

func (m *Manager) Downloader() job.Downloader { return m.cfg.Downloader }

func (m *Manager) Logger() *slog.Logger { return m.logger }
