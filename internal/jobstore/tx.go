package jobstore

import (
	"github.com/ChuLiYu/drmlicense-service/internal/storage"
)

// Tx 收集一次 job 執行期間的寫入，Commit 時在 Store 鎖內一次套用。
//
// 鎖只在 Commit 期間持有，job 執行時的網路 I/O 不會擋住其他工作階段。
// 崩潰時未提交的寫入全部不存在，被 pop 的 job 仍留在 store 裡，重啟後會重新執行。
// nil *Tx（來自 nil Store）的所有方法都不做事。
type Tx struct {
	store *Store
	ops   []txOp
	done  bool
}

type txOp struct {
	op        storage.Op
	discarded bool
	onInsert  func(id int64)
}

// Begin 開始一個交易
func (s *Store) Begin() *Tx {
	if s == nil {
		return nil
	}
	return &Tx{store: s}
}

// Insert 排入一筆新增，回傳可交給 Discard 的 handle。
// onInsert 在 Commit 成功後以新 rowId 呼叫。
func (tx *Tx) Insert(row storage.Row, onInsert func(id int64)) int {
	if tx == nil || tx.done {
		return -1
	}
	tx.ops = append(tx.ops, txOp{op: storage.Op{Kind: storage.OpInsert, Row: row}, onInsert: onInsert})
	return len(tx.ops) - 1
}

// Discard 取消同一交易內先前排入的新增
func (tx *Tx) Discard(handle int) {
	if tx == nil || handle < 0 || handle >= len(tx.ops) {
		return
	}
	tx.ops[handle].discarded = true
}

// Remove 排入一筆刪除；負的 rowId（從未寫入）直接忽略
func (tx *Tx) Remove(id int64) {
	if tx == nil || tx.done || id < 0 {
		return
	}
	tx.ops = append(tx.ops, txOp{op: storage.Op{Kind: storage.OpRemove, ID: id}})
}

// SetParam 排入一筆參數寫入
func (tx *Tx) SetParam(p storage.Param) {
	if tx == nil || tx.done {
		return
	}
	tx.ops = append(tx.ops, txOp{op: storage.Op{Kind: storage.OpSetParam, Param: p}})
}

// DeleteParam 排入一筆單一參數刪除
func (tx *Tx) DeleteParam(sessionID int64, key string) {
	if tx == nil || tx.done {
		return
	}
	tx.ops = append(tx.ops, txOp{op: storage.Op{Kind: storage.OpDeleteParam, Param: storage.Param{SessionID: sessionID, Key: key}}})
}

// Len 目前排入且未被取消的操作數
func (tx *Tx) Len() int {
	if tx == nil {
		return 0
	}
	n := 0
	for _, o := range tx.ops {
		if !o.discarded {
			n++
		}
	}
	return n
}

// Commit 原子性套用所有操作
func (tx *Tx) Commit() error {
	if tx == nil {
		return nil
	}
	if tx.done {
		return ErrTxDone
	}
	tx.done = true

	ops := make([]storage.Op, 0, len(tx.ops))
	callbacks := make([]func(int64), 0, len(tx.ops))
	for _, o := range tx.ops {
		if o.discarded {
			continue
		}
		ops = append(ops, o.op)
		callbacks = append(callbacks, o.onInsert)
	}
	if len(ops) == 0 {
		return nil
	}

	results, err := tx.store.apply(ops)
	if err != nil {
		return err
	}
	for i, cb := range callbacks {
		if cb != nil && ops[i].Kind == storage.OpInsert {
			cb(results[i].ID)
		}
	}
	return nil
}

// Rollback 丟棄所有排入的操作
func (tx *Tx) Rollback() {
	if tx == nil {
		return
	}
	tx.done = true
	tx.ops = nil
}
