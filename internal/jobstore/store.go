// Package jobstore 是 job 與工作階段參數的持久化入口
//
// Store 包住一個 storage.Backend，提供：
//   - 單一行程鎖：所有操作序列化
//   - 開啟時重試（預設 10 次，每次間隔 100ms）
//   - nil *Store 代表「沒有持久化」：寫入不做事，查詢回傳空結果
//   - Tx：把一次 pop-execute-remove 期間的寫入集中，Commit 時原子性套用
package jobstore

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/ChuLiYu/drmlicense-service/internal/storage"
	"github.com/ChuLiYu/drmlicense-service/internal/storage/sqlite"
	"github.com/ChuLiYu/drmlicense-service/internal/storage/wal"
)

// 支援的後端
const (
	DriverSQLite = "sqlite"
	DriverWAL    = "wal"
)

var (
	// ErrUnknownDriver 設定了不支援的後端
	ErrUnknownDriver = errors.New("jobstore: unknown driver")
	// ErrTxDone 交易已經 Commit 或 Rollback
	ErrTxDone = errors.New("jobstore: transaction already finished")
)

// Config Store 設定
type Config struct {
	Driver        string        // sqlite | wal
	Path          string        // sqlite: 資料庫檔案；wal: 目錄
	OpenRetries   int           // 開啟失敗時的重試次數（不含第一次）
	RetryInterval time.Duration // 重試間隔
	SyncOnAppend  bool          // wal: 每個交易都 fsync
	CompactEvery  int           // wal: 累積多少事件後壓縮
	Logger        *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.Driver == "" {
		c.Driver = DriverSQLite
	}
	if c.OpenRetries <= 0 {
		c.OpenRetries = 9
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 100 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Store job store
type Store struct {
	mu      sync.Mutex
	backend storage.Backend
	logger  *slog.Logger
}

// New 以既有後端建立 Store
func New(backend storage.Backend, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{backend: backend, logger: logger}
}

// Open 依設定開啟後端，失敗時以固定間隔重試
func Open(cfg Config) (*Store, error) {
	cfg.applyDefaults()

	var backend storage.Backend
	attempt := 0
	op := func() error {
		attempt++
		b, err := openBackend(cfg)
		if err != nil {
			if errors.Is(err, ErrUnknownDriver) {
				return backoff.Permanent(err)
			}
			cfg.Logger.Warn("job store open failed", "attempt", attempt, "error", err)
			return err
		}
		backend = b
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(cfg.RetryInterval), uint64(cfg.OpenRetries))
	if err := backoff.Retry(op, policy); err != nil {
		return nil, fmt.Errorf("jobstore: open %s after %d attempts: %w", cfg.Path, attempt, err)
	}
	return New(backend, cfg.Logger), nil
}

func openBackend(cfg Config) (storage.Backend, error) {
	switch cfg.Driver {
	case DriverSQLite:
		return sqlite.Open(cfg.Path, cfg.Logger)
	case DriverWAL:
		return wal.Open(filepath.Clean(cfg.Path), wal.Options{
			SyncOnAppend: cfg.SyncOnAppend,
			CompactEvery: cfg.CompactEvery,
			Logger:       cfg.Logger,
		})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}

// ============================================================================
// 單一操作（各自原子）
// ============================================================================

func (s *Store) apply(ops []storage.Op) ([]storage.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.Apply(ops)
}

// Insert 寫入一列並回傳 rowId；nil Store 回傳 -1
func (s *Store) Insert(row storage.Row) (int64, error) {
	if s == nil {
		return -1, nil
	}
	results, err := s.apply([]storage.Op{{Kind: storage.OpInsert, Row: row}})
	if err != nil {
		return -1, err
	}
	return results[0].ID, nil
}

// Remove 刪除一列，回傳該列是否存在
func (s *Store) Remove(id int64) (bool, error) {
	if s == nil || id < 0 {
		return false, nil
	}
	results, err := s.apply([]storage.Op{{Kind: storage.OpRemove, ID: id}})
	if err != nil {
		return false, err
	}
	return results[0].Changed, nil
}

// QueryAll 依推入順序回傳所有 job 列
func (s *Store) QueryAll() ([]storage.Row, error) {
	if s == nil {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.QueryAll()
}

// QueryBySession 依推入順序回傳單一工作階段的 job 列
func (s *Store) QueryBySession(sessionID int64) ([]storage.Row, error) {
	if s == nil {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.QueryBySession(sessionID)
}

// SetParam 寫入（或覆寫）一個工作階段參數
func (s *Store) SetParam(p storage.Param) error {
	if s == nil {
		return nil
	}
	_, err := s.apply([]storage.Op{{Kind: storage.OpSetParam, Param: p}})
	return err
}

// Params 回傳工作階段的所有參數
func (s *Store) Params(sessionID int64) ([]storage.Param, error) {
	if s == nil {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.Params(sessionID)
}

// DeleteParams 刪除工作階段的所有參數
func (s *Store) DeleteParams(sessionID int64) error {
	if s == nil {
		return nil
	}
	_, err := s.apply([]storage.Op{{Kind: storage.OpDeleteParams, SessionID: sessionID}})
	return err
}

// Close 關閉後端
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.Close()
}
