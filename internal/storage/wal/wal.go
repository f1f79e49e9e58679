package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 以交易為單位追加事件到日誌檔案（append-only）
// 2. 提供重放功能以恢復 job store 狀態
// 3. 支援日誌旋轉（快照後清空）
// 4. 確保寫入持久性與資料完整性
// ============================================================================

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"
	"time"
)

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu           sync.Mutex    // 保護並發寫入
	file         FileInterface // WAL 檔案
	encoder      *json.Encoder // JSON 編碼器
	path         string        // WAL 檔案路徑
	seq          uint64        // 當前事件序號
	syncOnAppend bool          // 每個交易都 fsync
	closed       bool

	buffer        []Event // 待寫入事件
	lastFlushTime time.Time
}

// ============================================================================
// 公開介面
// ============================================================================

/*
NewWAL 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，讀取最後一個事件的 seq 並繼續
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋

參數：

	path         - WAL 檔案路徑
	syncOnAppend - 每次 AppendTx 後是否 fsync

回傳：

	*WAL 實例，錯誤（如果有）
*/
func NewWAL(path string, syncOnAppend bool) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	var seq uint64
	stat, statErr := file.Stat()
	if statErr == nil && stat.Size() > 0 {
		lastEvent, err := GetLastEvent(path)
		if err == nil && lastEvent != nil {
			seq = lastEvent.Seq
		}
	}

	return &WAL{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		syncOnAppend:  syncOnAppend,
		buffer:        make([]Event, 0, 16),
		lastFlushTime: time.Now(),
	}, nil
}

// AppendTx 將一個交易的事件追加到 WAL，並在最後寫入 COMMIT 記錄
//
// 行為：
// - 自動遞增 seq、填入 TxID、計算 checksum
// - 整個交易一次 flush；syncOnAppend 時 fsync
//
// 只有帶 COMMIT 記錄的交易會在重放時生效，寫到一半就崩潰的交易會被忽略。
func (w *WAL) AppendTx(txID uint64, events []Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}

	now := time.Now().UnixMilli()
	events = append(events, Event{Type: EventCommit})
	for _, event := range events {
		w.seq++
		event.Seq = w.seq
		event.TxID = txID
		event.Timestamp = now
		event.Checksum = CalculateChecksum(event)
		w.buffer = append(w.buffer, event)
	}

	return w.flushLocked()
}

// Replay 重放所有 WAL 事件
//
// 行為：
// - 從頭讀取 WAL 檔案
// - 驗證每個事件的 checksum
// - 呼叫 handler 應用事件
// - 檔尾被截斷的記錄（崩潰時寫到一半）視為日誌結尾
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	file, err := os.Open(w.path)
	if err != nil {
		return err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)

	var lastSeq uint64
	for decoder.More() {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return &CorruptionError{Seq: lastSeq, Offset: decoder.InputOffset(), Cause: err}
		}

		if expected := CalculateChecksum(event); expected != event.Checksum {
			return &ChecksumError{Seq: event.Seq, Expected: expected, Actual: event.Checksum}
		}

		if err := handler(event); err != nil {
			return err
		}
		lastSeq = event.Seq
	}

	return nil
}

// Rotate 清空日誌檔案（呼叫前必須已寫入涵蓋目前 seq 的快照）
//
// seq 不歸零，重放時才能用快照的 LastSeq 過濾舊事件。
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}

	if err := w.flushLocked(); err != nil {
		return err
	}

	if err := w.file.Close(); err != nil {
		return err
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	w.file = newFile
	w.encoder = json.NewEncoder(newFile)
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()

	return nil
}

// Close 關閉 WAL，關閉後的實例不可再用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	if err := w.flushLocked(); err != nil {
		return err
	}

	w.closed = true
	return w.file.Close()
}

// GetLastSeq 取得當前的事件序號
//
// 用途：快照時需要記錄 last_seq，確保恢復時知道從哪裡開始重放
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// EnsureSeq 確保後續事件的序號大於 floor（旋轉後重新開啟空日誌時使用）
func (w *WAL) EnsureSeq(floor uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.seq < floor {
		w.seq = floor
	}
}

// ============================================================================
// 內部輔助方法（私有）
// ============================================================================

// flushLocked 內部方法，假設調用者已經持有 w.mu 鎖
// 將緩衝的事件批次寫入，必要時同步到磁碟
func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}
	pending := w.buffer
	w.buffer = w.buffer[:0]
	for _, event := range pending {
		if err := w.encoder.Encode(event); err != nil {
			return err
		}
	}
	w.lastFlushTime = time.Now()
	if w.syncOnAppend {
		if err := w.file.Sync(); err != nil {
			return err
		}
	}
	return nil
}
