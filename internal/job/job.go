// Package job 實作授權協定中的各種 job
//
// 每個 job 只回傳 bool：失敗不會以錯誤或 panic 跨越 job 邊界，
// 錯誤碼透過 Runtime.SetParam 記錄在工作階段參數中，由同 group 的 DrmFeedback 回報。
// job 在執行期間可以透過 Runtime 推入新的 job（動態重新規劃），
// 推入的 job 在下一次 pop 時就看得到。
package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ChuLiYu/drmlicense-service/internal/drm"
	"github.com/ChuLiYu/drmlicense-service/internal/httpclient"
	"github.com/ChuLiYu/drmlicense-service/internal/storage"
	"github.com/ChuLiYu/drmlicense-service/pkg/types"
)

// Type job 類型，寫入 jobs.type 欄位
type Type int

const (
	TypeAcquireLicense         Type = 1
	TypeAcknowledgeLicense     Type = 2
	TypeJoinDomain             Type = 3
	TypeLeaveDomain            Type = 4
	TypeDownloadContent        Type = 5
	TypeRenewRights            Type = 6
	TypeWebInitiator           Type = 7
	TypeDrmFeedback            Type = 8
	TypeGetMeteringCertificate Type = 9
	TypeProcessMeteringData    Type = 10
	TypeLaunchLuiURLIfFailure  Type = 11
	TypeForceFailure           Type = 12
)

var typeNames = map[Type]string{
	TypeAcquireLicense:         "AcquireLicense",
	TypeAcknowledgeLicense:     "AcknowledgeLicense",
	TypeJoinDomain:             "JoinDomain",
	TypeLeaveDomain:            "LeaveDomain",
	TypeDownloadContent:        "DownloadContent",
	TypeRenewRights:            "RenewRights",
	TypeWebInitiator:           "WebInitiator",
	TypeDrmFeedback:            "DrmFeedback",
	TypeGetMeteringCertificate: "GetMeteringCertificate",
	TypeProcessMeteringData:    "ProcessMeteringData",
	TypeLaunchLuiURLIfFailure:  "LaunchLuiUrlIfFailure",
	TypeForceFailure:           "ForceFailure",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// ErrUnknownType 資料列的 type 無法對應到 job
var ErrUnknownType = errors.New("job: unknown type")

// Job 所有 job 的共同介面
type Job interface {
	Type() Type
	GroupID() int
	SetGroupID(id int)
	RowID() int64
	SetRowID(id int64)

	// Row 把 job 的內容寫成資料列（不含 ID 與 SessionID）
	Row() storage.Row

	// ExecuteNormal 正常執行，回傳是否成功
	ExecuteNormal(ctx context.Context, rt Runtime) bool
	// ExecuteAfterEarlierFailure 同 group 先前已有 job 失敗時取代正常執行
	ExecuteAfterEarlierFailure(ctx context.Context, rt Runtime)
}

// base 提供 group / rowId 與預設（不做事）的失敗 hook
type base struct {
	groupID int
	rowID   int64
}

func (b *base) GroupID() int { return b.groupID }

func (b *base) SetGroupID(id int) { b.groupID = id }

func (b *base) RowID() int64 { return b.rowID }

func (b *base) SetRowID(id int64) { b.rowID = id }

// ExecuteAfterEarlierFailure 預設不做事
func (b *base) ExecuteAfterEarlierFailure(context.Context, Runtime) {}

func (b *base) row(t Type) storage.Row {
	return storage.Row{ID: b.rowID, Type: int(t), GroupID: b.groupID}
}

// ============================================================================
// 執行環境
// ============================================================================

// HTTPClient HTTP 請求引擎（httpclient.Engine 實作）
type HTTPClient interface {
	Execute(ctx context.Context, req httpclient.Request) (*httpclient.Response, error)
	Stream(ctx context.Context, req httpclient.Request, fn httpclient.ChunkFunc) (*httpclient.Response, error)
}

// Launcher 在沒有 callback 時開啟 LUI 網址
type Launcher interface {
	Launch(ctx context.Context, url string) error
}

// Downloader 交付內容下載
type Downloader interface {
	Download(ctx context.Context, sessionID int64, url string) error
}

// Runtime job 執行時可用的能力，由 Job Manager 實作
type Runtime interface {
	SessionID() int64

	// Push 推入 job，屬於目前正在執行的 group
	Push(j Job)
	// PushInGroup 推入 job 並指定 group
	PushInGroup(j Job, groupID int)
	// RemoveLastOfType 移除最後推入的指定類型 job，沒有時回傳 nil
	RemoveLastOfType(t Type) Job
	NewGroup() int
	SetGroupCount(n int)
	GroupCount() int

	Cancelled() bool

	// SetParam 記錄工作階段參數（string 或 int64），value 為 nil 時刪除
	SetParam(key string, value any)
	Param(key string) (any, bool)

	Report(state types.ProgressState, success bool, params map[string]any)
	MarkResult(ok bool)
	CallbackAttached() bool

	HTTP() HTTPClient
	DRM() drm.Engine
	Launcher() Launcher
	Downloader() Downloader
	Logger() *slog.Logger
}

// ============================================================================
// 從資料列還原
// ============================================================================

// FromRow 依 row.Type 還原 job
func FromRow(row storage.Row) (Job, error) {
	var j Job
	switch Type(row.Type) {
	case TypeAcquireLicense:
		j = acquireLicenseFromRow(row)
	case TypeAcknowledgeLicense:
		j = &AcknowledgeLicense{Challenge: row.General[0], URL: row.General[1]}
	case TypeJoinDomain:
		j = &JoinDomain{domainFromRow(row)}
	case TypeLeaveDomain:
		j = &LeaveDomain{domainFromRow(row)}
	case TypeDownloadContent:
		j = &DownloadContent{URL: row.General[0]}
	case TypeRenewRights:
		j = &RenewRights{Location: row.General[0], PSSH: row.General[1], CustomData: row.General[2]}
	case TypeWebInitiator:
		j = &WebInitiator{URL: row.General[0], Document: row.General[1]}
	case TypeDrmFeedback:
		fb, err := feedbackFromRow(row)
		if err != nil {
			return nil, err
		}
		j = fb
	case TypeGetMeteringCertificate:
		j = &GetMeteringCertificate{meteringFromRow(row)}
	case TypeProcessMeteringData:
		j = &ProcessMeteringData{
			meteringTarget: meteringFromRow(row),
			MaxPackets:     int(row.Int(3)),
			AllowCertFetch: row.Int(4) != 0,
		}
	case TypeLaunchLuiURLIfFailure:
		j = &LaunchLuiURLIfFailure{URL: row.General[0]}
	case TypeForceFailure:
		j = &ForceFailure{}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, row.Type)
	}

	j.SetGroupID(row.GroupID)
	j.SetRowID(row.ID)
	return j, nil
}
