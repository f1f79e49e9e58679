// Package session 管理工作階段的 callback、HTTP 參數、取消旗標與待送回報
//
// Registry 是行程範圍的物件，由 controller 建立後傳給需要的元件：
//   - callback 不在線（或送出失敗）時，回報放進有上限的 FIFO，重新連線後依序補送
//   - FIFO 滿了丟最舊的一筆；被丟掉的若是最後一個回報，仍會執行結束清理
//   - 同一工作階段的回報依序送出（補送期間的新回報排在補送之後）
package session

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/drmlicense-service/internal/httpclient"
	"github.com/ChuLiYu/drmlicense-service/pkg/types"
)

// DefaultQueueCapacity 每個工作階段最多暫存的回報數
const DefaultQueueCapacity = 100

// Callback 接收進度回報；回傳錯誤代表對方已離線
type Callback interface {
	OnProgressReport(sessionID int64, state types.ProgressState, success bool, params map[string]any) error
}

// CallbackFunc 讓一般函式實作 Callback
type CallbackFunc func(sessionID int64, state types.ProgressState, success bool, params map[string]any) error

// OnProgressReport implements Callback
func (f CallbackFunc) OnProgressReport(sessionID int64, state types.ProgressState, success bool, params map[string]any) error {
	return f(sessionID, state, success, params)
}

// Hooks Registry 事件；欄位可為 nil
type Hooks struct {
	// OnTerminal 工作階段的最後一個回報送出或被丟棄時呼叫
	OnTerminal func(sessionID int64)
	// OnBuffered 回報被暫存時呼叫
	OnBuffered func(sessionID int64)
	// OnDropped 暫存已滿、丟棄最舊回報時呼叫
	OnDropped func(sessionID int64, r types.Report)
}

type entry struct {
	deliverMu sync.Mutex // 序列化送出與補送

	callback  Callback
	httpOpts  *httpclient.Options
	cancelled bool
	allOK     bool
	finished  bool
	queue     []types.Report
}

// Registry 工作階段登錄表
type Registry struct {
	mu       sync.Mutex
	entries  map[int64]*entry
	capacity int
	hooks    Hooks
	logger   *slog.Logger
	lastID   int64
}

// NewRegistry 建立登錄表；capacity <= 0 時使用預設值
func NewRegistry(capacity int, hooks Hooks, logger *slog.Logger) *Registry {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries:  make(map[int64]*entry),
		capacity: capacity,
		hooks:    hooks,
		logger:   logger,
	}
}

// NewSessionID 產生以時間為基礎、在行程內唯一且遞增的工作階段 ID
func (r *Registry) NewSessionID() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := time.Now().UnixMilli()
	if id <= r.lastID {
		id = r.lastID + 1
	}
	r.lastID = id
	return id
}

// Reserve 確保 id 不會再被 NewSessionID 發出（復原既有工作階段時使用）
func (r *Registry) Reserve(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id > r.lastID {
		r.lastID = id
	}
}

// entryLocked 取得或建立 entry，呼叫端需持有 r.mu
func (r *Registry) entryLocked(id int64) *entry {
	e, ok := r.entries[id]
	if !ok {
		e = &entry{allOK: true}
		r.entries[id] = e
	}
	return e
}

// Open 登記工作階段，cb 可為 nil
func (r *Registry) Open(id int64, cb Callback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entryLocked(id)
	e.callback = cb
	e.allOK = true
	e.finished = false
}

// ============================================================================
// 回報與補送
// ============================================================================

// Report 把回報送給 callback，失敗或不在線時暫存
func (r *Registry) Report(rep types.Report) {
	r.mu.Lock()
	e := r.entryLocked(rep.SessionID)
	r.mu.Unlock()

	e.deliverMu.Lock()
	defer e.deliverMu.Unlock()

	r.mu.Lock()
	cb := e.callback
	r.mu.Unlock()

	if cb != nil {
		err := cb.OnProgressReport(rep.SessionID, rep.State, rep.Success, rep.Params)
		if err == nil {
			if rep.State.Terminal() {
				r.terminal(rep.SessionID)
			}
			return
		}
		r.logger.Warn("progress callback failed, buffering report",
			"session", rep.SessionID, "state", rep.State.String(), "error", err)
		r.mu.Lock()
		if e.callback == cb {
			e.callback = nil
		}
		r.mu.Unlock()
	}

	r.enqueue(rep.SessionID, e, rep)
}

func (r *Registry) enqueue(id int64, e *entry, rep types.Report) {
	var dropped *types.Report

	r.mu.Lock()
	if len(e.queue) >= r.capacity {
		d := e.queue[0]
		dropped = &d
		e.queue = append(e.queue[:0:0], e.queue[1:]...)
	}
	e.queue = append(e.queue, rep)
	r.mu.Unlock()

	if r.hooks.OnBuffered != nil {
		r.hooks.OnBuffered(id)
	}
	if dropped != nil {
		r.logger.Warn("report queue full, dropping oldest", "session", id, "state", dropped.State.String())
		if r.hooks.OnDropped != nil {
			r.hooks.OnDropped(id, *dropped)
		}
		if dropped.State.Terminal() {
			r.terminal(id)
		}
	}
}

// Attach 連上 callback 並依原始順序補送暫存的回報，回傳補送成功的筆數。
// 補送失敗時剩下的回報保留在佇列中，callback 視為離線。
func (r *Registry) Attach(id int64, cb Callback) int {
	r.mu.Lock()
	e := r.entryLocked(id)
	r.mu.Unlock()

	e.deliverMu.Lock()
	defer e.deliverMu.Unlock()

	delivered := 0
	for {
		r.mu.Lock()
		if len(e.queue) == 0 {
			e.callback = cb
			r.mu.Unlock()
			return delivered
		}
		rep := e.queue[0]
		r.mu.Unlock()

		if err := cb.OnProgressReport(rep.SessionID, rep.State, rep.Success, rep.Params); err != nil {
			r.logger.Warn("replay failed", "session", id, "delivered", delivered, "error", err)
			return delivered
		}

		r.mu.Lock()
		e.queue = e.queue[1:]
		r.mu.Unlock()
		delivered++

		if rep.State.Terminal() {
			r.terminal(id)
		}
	}
}

// Attached 工作階段目前是否有在線的 callback
func (r *Registry) Attached(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	return ok && e.callback != nil
}

// Detach 移除 callback，之後的回報會被暫存
func (r *Registry) Detach(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.callback = nil
		if e.finished && len(e.queue) == 0 {
			delete(r.entries, id)
		}
	}
}

// terminal 執行最後回報的清理：取消旗標與 HTTP 參數不再需要
func (r *Registry) terminal(id int64) {
	r.mu.Lock()
	if e, ok := r.entries[id]; ok {
		e.finished = true
		e.cancelled = false
		e.httpOpts = nil
		if len(e.queue) == 0 && e.callback == nil {
			delete(r.entries, id)
		}
	}
	r.mu.Unlock()

	if r.hooks.OnTerminal != nil {
		r.hooks.OnTerminal(id)
	}
}

// Pending 暫存中的回報數
func (r *Registry) Pending(id int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		return len(e.queue)
	}
	return 0
}

// Finished 工作階段的最後回報是否已送出（或被丟棄）
func (r *Registry) Finished(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	return ok && e.finished
}

// ============================================================================
// 參數、取消與整體結果
// ============================================================================

// SetHTTPOptions 設定工作階段的 HTTP 參數
func (r *Registry) SetHTTPOptions(id int64, opts httpclient.Options) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o := opts
	r.entryLocked(id).httpOpts = &o
}

// HTTPOptions implements httpclient.OptionsSource
func (r *Registry) HTTPOptions(id int64) (httpclient.Options, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.httpOpts == nil {
		return httpclient.Options{}, false
	}
	return *e.httpOpts, true
}

// Cancel 標記工作階段為已取消
func (r *Registry) Cancel(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entryLocked(id).cancelled = true
}

// Cancelled 工作階段是否已被取消
func (r *Registry) Cancelled(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	return ok && e.cancelled
}

// MarkResult 把一個子工作的結果併入整體結果
func (r *Registry) MarkResult(id int64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entryLocked(id)
	e.allOK = e.allOK && ok
}

// AllOK 到目前為止所有子工作是否都成功
func (r *Registry) AllOK(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	return !ok || e.allOK
}

// Sessions 回傳目前登記的工作階段 ID（遞增排序）
func (r *Registry) Sessions() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int64, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Forget 移除工作階段的所有狀態
func (r *Registry) Forget(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}
