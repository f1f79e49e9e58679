package worker

import (
	"context"
	"time"
)

// Runner 可以交給 Worker 執行的工作階段（jobmanager.Manager 實作）
type Runner interface {
	SessionID() int64
	Run(ctx context.Context) error
}

// Task 代表要執行的工作階段
type Task struct {
	Session Runner        // 要執行的工作階段
	Timeout time.Duration // 執行超時時間，0 表示不限

	// OnTimeout 不為 nil 時，超時只呼叫它而不取消 ctx，由工作階段自行收尾
	OnTimeout func()
}

// Result 代表工作階段執行結果
type Result struct {
	SessionID int64         // 工作階段 ID
	Success   bool          // 是否正常結束（完成或被取消）
	Error     error         // 錯誤訊息（例如行程關閉造成的中斷）
	Duration  time.Duration // 實際執行時間
}
