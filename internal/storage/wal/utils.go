package wal

// ============================================================================
// WAL 工具函式
// 職責：提供 WAL 相關的輔助功能
// ============================================================================

import (
	"encoding/json"
	"errors"
	"io"
	"os"
)

// GetLastEvent 從 WAL 檔案讀取最後一個完整的事件
//
// 用途：NewWAL 時需要取得 last_seq 以繼續編號
//
// 從頭到尾掃描；journal 在每次快照後都會被清空，檔案不會太大。
// 檔案為空時回傳 nil, nil。
func GetLastEvent(path string) (*Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	var last *Event
	for decoder.More() {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return last, err
		}
		last = &event
	}
	return last, nil
}

// CountEvents 計算 WAL 中完整事件的總數（含 COMMIT 記錄）
func CountEvents(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	count := 0
	for decoder.More() {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return count, err
		}
		count++
	}
	return count, nil
}
