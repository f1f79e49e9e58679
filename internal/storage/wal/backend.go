package wal

// ============================================================================
// Journal 後端
// 職責：
// 1. 以記憶體中的 jobs / parameters 表回答查詢
// 2. 每個 Apply 先寫 WAL（含 COMMIT 記錄），成功後才修改記憶體狀態
// 3. 開啟時：載入快照 -> 重放 LastSeq 之後已提交的交易 -> 壓縮
// 4. 事件數超過門檻時寫快照並旋轉日誌
// ============================================================================

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/drmlicense-service/internal/snapshot"
	"github.com/ChuLiYu/drmlicense-service/internal/storage"
)

const (
	journalFile  = "jobs.wal"
	snapshotFile = "jobs.snapshot.json"

	// DefaultCompactEvery 累積多少事件後自動壓縮
	DefaultCompactEvery = 1000
)

// Options Backend 設定
type Options struct {
	SyncOnAppend bool
	CompactEvery int
	Logger       *slog.Logger
}

// Backend 以 WAL + 快照實作 storage.Backend
type Backend struct {
	mu        sync.Mutex
	journal   *WAL
	snapshots *snapshot.Manager
	logger    *slog.Logger

	rows   map[int64]storage.Row
	params map[int64]map[string]storage.Param
	nextID int64
	txID   uint64

	sinceCompact int
	compactEvery int
}

// Open 開啟 dir 底下的 journal 與快照，重建狀態
func Open(dir string, opts Options) (*Backend, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("wal: create dir %s: %w", dir, err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	compactEvery := opts.CompactEvery
	if compactEvery <= 0 {
		compactEvery = DefaultCompactEvery
	}

	b := &Backend{
		snapshots:    snapshot.NewManager(filepath.Join(dir, snapshotFile)),
		logger:       logger,
		rows:         make(map[int64]storage.Row),
		params:       make(map[int64]map[string]storage.Param),
		compactEvery: compactEvery,
	}

	start := time.Now()
	data, err := b.snapshots.Load()
	if err != nil {
		return nil, fmt.Errorf("wal: load snapshot: %w", err)
	}
	for _, row := range data.Rows {
		b.rows[row.ID] = row
	}
	for _, p := range data.Params {
		b.setParam(p)
	}
	b.nextID = data.NextID

	journal, err := NewWAL(filepath.Join(dir, journalFile), opts.SyncOnAppend)
	if err != nil {
		return nil, fmt.Errorf("wal: open journal: %w", err)
	}
	journal.EnsureSeq(data.LastSeq)
	b.journal = journal

	replayed, err := b.replay(data.LastSeq)
	if err != nil {
		journal.Close()
		return nil, fmt.Errorf("wal: replay: %w", err)
	}

	// 重放後立即壓縮，順便丟掉崩潰時留下的半截記錄
	if err := b.compactLocked(); err != nil {
		journal.Close()
		return nil, fmt.Errorf("wal: compact after replay: %w", err)
	}

	logger.Info("job store opened",
		"driver", "wal",
		"dir", dir,
		"rows", len(b.rows),
		"replayed_tx", replayed,
		"duration", time.Since(start))
	return b, nil
}

// replay 套用 afterSeq 之後已提交的交易，回傳套用的交易數
func (b *Backend) replay(afterSeq uint64) (int, error) {
	pending := make(map[uint64][]Event)
	applied := 0
	err := b.journal.Replay(func(event Event) error {
		if event.Seq <= afterSeq {
			return nil
		}
		if event.TxID > b.txID {
			b.txID = event.TxID
		}
		if event.Type != EventCommit {
			pending[event.TxID] = append(pending[event.TxID], event)
			return nil
		}
		for _, e := range pending[event.TxID] {
			b.applyEvent(e)
		}
		delete(pending, event.TxID)
		applied++
		return nil
	})
	if len(pending) > 0 {
		b.logger.Warn("dropping uncommitted journal transactions", "count", len(pending))
	}
	return applied, err
}

// Apply 實作 storage.Backend
func (b *Backend) Apply(ops []storage.Op) ([]storage.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.journal == nil {
		return nil, storage.ErrClosed
	}

	// 先在不修改狀態的前提下算出事件與結果
	results := make([]storage.Result, len(ops))
	events := make([]Event, 0, len(ops))
	nextID := b.nextID
	inserted := make(map[int64]bool)
	removed := make(map[int64]bool)
	for i, op := range ops {
		switch op.Kind {
		case storage.OpInsert:
			row := op.Row
			row.ID = nextID
			nextID++
			if row.CreatedAt.IsZero() {
				row.CreatedAt = time.Now()
			}
			inserted[row.ID] = true
			results[i].ID = row.ID
			events = append(events, Event{Type: EventInsert, Row: &row})
		case storage.OpRemove:
			_, exists := b.rows[op.ID]
			exists = (exists || inserted[op.ID]) && !removed[op.ID]
			results[i].Changed = exists
			if exists {
				removed[op.ID] = true
				events = append(events, Event{Type: EventRemove, ID: op.ID})
			}
		case storage.OpSetParam:
			p := op.Param
			events = append(events, Event{Type: EventSetParam, Param: &p})
		case storage.OpDeleteParam:
			p := op.Param
			events = append(events, Event{Type: EventDeleteParam, Param: &p})
		case storage.OpDeleteParams:
			events = append(events, Event{Type: EventDeleteParams, SessionID: op.SessionID})
		default:
			return nil, fmt.Errorf("%w: %q", storage.ErrUnknownOp, op.Kind)
		}
	}

	if len(events) == 0 {
		return results, nil
	}

	b.txID++
	if err := b.journal.AppendTx(b.txID, events); err != nil {
		return nil, fmt.Errorf("wal: append: %w", err)
	}

	for _, e := range events {
		b.applyEvent(e)
	}

	b.sinceCompact += len(events) + 1
	if b.sinceCompact >= b.compactEvery {
		if err := b.compactLocked(); err != nil {
			b.logger.Error("journal compaction failed", "error", err)
		}
	}

	return results, nil
}

func (b *Backend) applyEvent(e Event) {
	switch e.Type {
	case EventInsert:
		if e.Row == nil {
			return
		}
		b.rows[e.Row.ID] = *e.Row
		if e.Row.ID >= b.nextID {
			b.nextID = e.Row.ID + 1
		}
	case EventRemove:
		delete(b.rows, e.ID)
	case EventSetParam:
		if e.Param != nil {
			b.setParam(*e.Param)
		}
	case EventDeleteParam:
		if e.Param != nil {
			delete(b.params[e.Param.SessionID], e.Param.Key)
		}
	case EventDeleteParams:
		delete(b.params, e.SessionID)
	}
}

func (b *Backend) setParam(p storage.Param) {
	m, ok := b.params[p.SessionID]
	if !ok {
		m = make(map[string]storage.Param)
		b.params[p.SessionID] = m
	}
	m[p.Key] = p
}

// Compact 寫入快照並清空 journal
func (b *Backend) Compact() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.journal == nil {
		return storage.ErrClosed
	}
	return b.compactLocked()
}

func (b *Backend) compactLocked() error {
	data := snapshot.Data{
		LastSeq: b.journal.GetLastSeq(),
		NextID:  b.nextID,
		Rows:    b.sortedRows(func(storage.Row) bool { return true }),
	}
	sessions := make([]int64, 0, len(b.params))
	for sid := range b.params {
		sessions = append(sessions, sid)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i] < sessions[j] })
	for _, sid := range sessions {
		data.Params = append(data.Params, b.sortedParams(sid)...)
	}

	if err := b.snapshots.Write(data); err != nil {
		return err
	}
	if err := b.journal.Rotate(); err != nil {
		return err
	}
	b.sinceCompact = 0
	return nil
}

func (b *Backend) sortedRows(keep func(storage.Row) bool) []storage.Row {
	rows := make([]storage.Row, 0, len(b.rows))
	for _, row := range b.rows {
		if keep(row) {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return rows
}

func (b *Backend) sortedParams(sessionID int64) []storage.Param {
	m := b.params[sessionID]
	params := make([]storage.Param, 0, len(m))
	for _, p := range m {
		params = append(params, p)
	}
	sort.Slice(params, func(i, j int) bool { return params[i].Key < params[j].Key })
	return params
}

// QueryAll 依 rowId 遞增順序回傳所有 job
func (b *Backend) QueryAll() ([]storage.Row, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sortedRows(func(storage.Row) bool { return true }), nil
}

// QueryBySession 回傳單一工作階段的 job，依推入順序
func (b *Backend) QueryBySession(sessionID int64) ([]storage.Row, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sortedRows(func(r storage.Row) bool { return r.SessionID == sessionID }), nil
}

// Params 回傳工作階段的所有參數，依鍵排序
func (b *Backend) Params(sessionID int64) ([]storage.Param, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sortedParams(sessionID), nil
}

// Close 關閉 journal
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.journal == nil {
		return nil
	}
	err := b.journal.Close()
	b.journal = nil
	return err
}
