// Package storage 定義 job store 後端共用的資料模型與介面
package storage

// ============================================================================
// 職責說明：
// 1. Row：jobs 資料表的一列（type, group, session, general1..5）
// 2. Param：parameters 資料表的一列（session, key, 字串或整數值）
// 3. Op / Result：交易內的批次操作與其結果
// 4. Backend：sqlite 與 wal 兩種後端都實作的介面
// ============================================================================

import (
	"errors"
	"strconv"
	"time"
)

// GeneralSlots 每一列可用的通用欄位數量
const GeneralSlots = 5

var (
	// ErrClosed 後端已關閉
	ErrClosed = errors.New("storage: backend closed")
	// ErrUnknownOp 不支援的批次操作
	ErrUnknownOp = errors.New("storage: unknown operation")
)

// Row jobs 資料表中的一列
type Row struct {
	ID        int64                `json:"id"`
	Type      int                  `json:"type"`
	GroupID   int                  `json:"group_id"`
	SessionID int64                `json:"session_id"`
	General   [GeneralSlots]string `json:"general"`
	CreatedAt time.Time            `json:"created_at"`
}

// Int 將第 i 個通用欄位解析為整數，空字串或格式錯誤時回傳 0
func (r Row) Int(i int) int64 {
	if r.General[i] == "" {
		return 0
	}
	v, err := strconv.ParseInt(r.General[i], 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// SetInt 以十進位字串寫入第 i 個通用欄位
func (r *Row) SetInt(i int, v int64) {
	r.General[i] = strconv.FormatInt(v, 10)
}

// ValueKind 參數值的型別鑑別碼
type ValueKind int

const (
	KindString ValueKind = iota
	KindInt
)

// Param parameters 資料表中的一列，以 (SessionID, Key) 為鍵
type Param struct {
	SessionID int64     `json:"session_id"`
	Key       string    `json:"key"`
	Kind      ValueKind `json:"kind"`
	Str       string    `json:"str,omitempty"`
	Int       int64     `json:"int,omitempty"`
}

// StringParam 建立字串參數
func StringParam(sessionID int64, key, value string) Param {
	return Param{SessionID: sessionID, Key: key, Kind: KindString, Str: value}
}

// IntParam 建立整數參數
func IntParam(sessionID int64, key string, value int64) Param {
	return Param{SessionID: sessionID, Key: key, Kind: KindInt, Int: value}
}

// Value 回傳參數值（string 或 int64）
func (p Param) Value() any {
	if p.Kind == KindInt {
		return p.Int
	}
	return p.Str
}

// OpKind 批次操作種類
type OpKind string

const (
	OpInsert       OpKind = "INSERT"
	OpRemove       OpKind = "REMOVE"
	OpSetParam     OpKind = "SET_PARAM"
	OpDeleteParam  OpKind = "DELETE_PARAM"
	OpDeleteParams OpKind = "DELETE_PARAMS"
)

// Op 交易中的一個操作
type Op struct {
	Kind      OpKind `json:"kind"`
	Row       Row    `json:"row"`
	ID        int64  `json:"id,omitempty"`
	Param     Param  `json:"param"`
	SessionID int64  `json:"session_id,omitempty"`
}

// Result 對應 Op 的執行結果
//   - OpInsert: ID 為新列的 rowId
//   - OpRemove: Changed 表示該列確實存在並已刪除
type Result struct {
	ID      int64
	Changed bool
}

// Backend 持久化後端介面
//
// Apply 必須是原子的：要嘛全部生效，要嘛全部不生效。
// 呼叫端（jobstore.Store）負責序列化所有呼叫。
type Backend interface {
	Apply(ops []Op) ([]Result, error)
	QueryAll() ([]Row, error)
	QueryBySession(sessionID int64) ([]Row, error)
	Params(sessionID int64) ([]Param, error)
	Close() error
}
