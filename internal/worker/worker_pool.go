// ============================================================================
// DRM License Service Worker Pool - 並發工作階段執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理多個 Worker goroutine 的生命週期和工作階段分發
//
// 設計模式:
//   採用 Worker Pool 模式（工作池模式）：
//   1. 固定數量的 Worker goroutine 持續運行
//   2. 通過共享的任務 channel 分發工作階段
//   3. 通過結果 channel 收集執行結果
//   4. 同時執行的工作階段數量有上限，多出來的在 taskCh 排隊
//
// 架構組件:
//   ┌─────────────┐
//   │ Controller  │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//   ReceiveResult()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  │Worker 3│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// 生命週期:
//   1. NewPool() - 創建 Pool，初始化 channels
//   2. Start(ctx, n) - 啟動 n 個 Worker goroutines
//   3. Submit(task) - 提交工作階段到 taskCh
//   4. ReceiveResult() - 從 resultCh 讀取結果
//   5. Stop() - 中斷執行中的工作階段，等待所有 Worker 退出
//
// 並發控制:
//   - taskCh: 帶緩衝 channel，避免提交阻塞
//   - resultCh: 帶緩衝 channel，避免結果處理阻塞
//   - WaitGroup: 追蹤所有 Worker，確保優雅關閉
//   - sendMu: Submit 持有讀鎖送出，Stop 持有寫鎖關閉 taskCh，不會向已關閉的 channel 送出
//
// 優雅關閉:
//   Stop() 流程：
//   1. 關閉 stopCh，卡在 Submit 的呼叫端立即返回 ErrPoolClosed
//   2. 取消 Worker 的 context，執行中的工作階段停在目前的 job
//   3. 關閉 taskCh，Worker 處理完排隊中的工作階段（都會立即因 context 結束）後退出
//   4. WaitGroup.Wait() 等待所有 Worker 完成，關閉 resultCh
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStarted Start 被呼叫第二次
	ErrPoolStarted = errors.New("worker pool already started")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	workers  []*Worker      // Worker 列表
	taskCh   chan Task      // 任務通道，用於分發工作階段給 Worker
	resultCh chan Result    // 結果通道，用於收集 Worker 的執行結果
	stopCh   chan struct{}  // 停止訊號
	cancel   context.CancelFunc
	wg       sync.WaitGroup // 等待所有 Worker 完成的同步工具
	busy     atomic.Int32   // 執行中的工作階段數
	logger   *slog.Logger

	sendMu  sync.RWMutex // 保護 taskCh 的關閉
	mu      sync.Mutex   // 保護 started 和 stopped 狀態
	started bool
	stopped bool
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
// 參數：
//   - bufferSize: 任務和結果通道的緩衝大小
//   - logger: nil 時使用 slog.Default()
//
// 返回值：
//   - *Pool: Worker Pool 實例
func NewPool(bufferSize int, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		workers:  make([]*Worker, 0),
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
		logger:   logger,
	}
}

// Start 啟動指定數量的 Worker
// 參數：
//   - ctx: 所有工作階段的父 context；結束時等同於 Stop 的中斷效果
//   - workerCount: 要啟動的 Worker 數量，即同時執行的工作階段上限
//
// 返回值：
//   - error: 如果 Pool 已啟動則返回 ErrPoolStarted
func (p *Pool) Start(ctx context.Context, workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}

	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < workerCount; i++ {
		worker := newWorker(i, p.taskCh, p.resultCh, &p.busy, p.logger)
		p.workers = append(p.workers, worker)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(ctx)
		}(worker)
	}

	p.started = true
	p.logger.Info("worker pool started", "workers", workerCount)
	return nil
}

// Submit 提交工作階段到 Worker Pool
//
// 參數：
//   - task: 要執行的工作階段
//
// 返回值：
//   - error: 如果 Pool 未啟動或已關閉則返回錯誤
//
// taskCh 滿時會阻塞，直到有空位或 Pool 被停止。
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	p.sendMu.RLock()
	defer p.sendMu.RUnlock()

	select {
	case <-p.stopCh:
		return ErrPoolClosed
	default:
	}

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// ReceiveResult 從結果通道接收執行結果
// 返回值：
//   - Result: 工作階段執行結果
//   - error: 如果 Pool 已關閉且沒有剩餘結果則返回 ErrPoolClosed
func (p *Pool) ReceiveResult() (Result, error) {
	result, ok := <-p.resultCh
	if !ok {
		return Result{}, ErrPoolClosed
	}
	return result, nil
}

// Stop 優雅地關閉 Worker Pool
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh) // 喚醒卡在 Submit 的呼叫端
	p.cancel()      // 中斷執行中的工作階段

	p.sendMu.Lock()
	close(p.taskCh)
	p.sendMu.Unlock()

	p.wg.Wait()
	close(p.resultCh)
	p.logger.Info("worker pool stopped")
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Busy 返回正在執行工作階段的 Worker 數量
func (p *Pool) Busy() int {
	return int(p.busy.Load())
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
