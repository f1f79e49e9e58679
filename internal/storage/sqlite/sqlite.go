// Package sqlite 以 SQLite 實作 job store 後端
package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/drmlicense-service/internal/storage"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	type       INTEGER NOT NULL,
	group_id   INTEGER NOT NULL DEFAULT 0,
	session_id INTEGER NOT NULL,
	general1   TEXT NOT NULL DEFAULT '',
	general2   TEXT NOT NULL DEFAULT '',
	general3   TEXT NOT NULL DEFAULT '',
	general4   TEXT NOT NULL DEFAULT '',
	general5   TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_session_id ON jobs(session_id);
CREATE TABLE IF NOT EXISTS parameters (
	session_id INTEGER NOT NULL,
	key        TEXT NOT NULL,
	value_type INTEGER NOT NULL,
	value_text TEXT NOT NULL DEFAULT '',
	value_int  INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (session_id, key)
);
`

const selectJobs = `SELECT id, type, group_id, session_id, general1, general2, general3, general4, general5, created_at FROM jobs`

// Backend SQLite 後端。所有呼叫由 jobstore.Store 序列化，因此連線池只需一條連線。
type Backend struct {
	pool   *sqlitex.Pool
	path   string
	logger *slog.Logger
}

// Open 開啟（必要時建立）資料庫檔案並套用 schema
func Open(path string, logger *slog.Logger) (*Backend, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    1,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening %s: %w", path, err)
	}

	b := &Backend{pool: pool, path: path, logger: logger}

	// 先取一次連線，讓 schema 錯誤在 Open 時就浮現
	conn, err := b.take()
	if err != nil {
		pool.Close()
		return nil, err
	}
	b.pool.Put(conn)

	logger.Info("job store opened", "driver", "sqlite", "path", path)
	return b, nil
}

func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("sqlite: applying schema: %w", err)
	}
	return nil
}

func (b *Backend) take() (*sqlite.Conn, error) {
	conn, err := b.pool.Take(context.Background())
	if err != nil {
		return nil, fmt.Errorf("sqlite: take: %w", err)
	}
	return conn, nil
}

// Apply 在單一 IMMEDIATE 交易內套用所有操作
func (b *Backend) Apply(ops []storage.Op) (results []storage.Result, err error) {
	conn, err := b.take()
	if err != nil {
		return nil, err
	}
	defer b.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	results = make([]storage.Result, len(ops))
	for i, op := range ops {
		switch op.Kind {
		case storage.OpInsert:
			results[i].ID, err = insertRow(conn, op.Row)
		case storage.OpRemove:
			results[i].Changed, err = removeRow(conn, op.ID)
		case storage.OpSetParam:
			err = setParam(conn, op.Param)
		case storage.OpDeleteParam:
			err = sqlitex.Execute(conn, `DELETE FROM parameters WHERE session_id = ? AND key = ?`,
				&sqlitex.ExecOptions{Args: []any{op.Param.SessionID, op.Param.Key}})
		case storage.OpDeleteParams:
			err = sqlitex.Execute(conn, `DELETE FROM parameters WHERE session_id = ?`,
				&sqlitex.ExecOptions{Args: []any{op.SessionID}})
		default:
			err = fmt.Errorf("%w: %q", storage.ErrUnknownOp, op.Kind)
		}
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

func insertRow(conn *sqlite.Conn, row storage.Row) (int64, error) {
	created := row.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	err := sqlitex.Execute(conn,
		`INSERT INTO jobs (type, group_id, session_id, general1, general2, general3, general4, general5, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			int64(row.Type), int64(row.GroupID), row.SessionID,
			row.General[0], row.General[1], row.General[2], row.General[3], row.General[4],
			created.UnixMilli(),
		}})
	if err != nil {
		return -1, fmt.Errorf("sqlite: insert job: %w", err)
	}
	return conn.LastInsertRowID(), nil
}

func removeRow(conn *sqlite.Conn, id int64) (bool, error) {
	err := sqlitex.Execute(conn, `DELETE FROM jobs WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{id}})
	if err != nil {
		return false, fmt.Errorf("sqlite: remove job %d: %w", id, err)
	}
	return conn.Changes() > 0, nil
}

func setParam(conn *sqlite.Conn, p storage.Param) error {
	err := sqlitex.Execute(conn,
		`INSERT INTO parameters (session_id, key, value_type, value_text, value_int) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (session_id, key) DO UPDATE SET
		   value_type = excluded.value_type,
		   value_text = excluded.value_text,
		   value_int  = excluded.value_int`,
		&sqlitex.ExecOptions{Args: []any{p.SessionID, p.Key, int64(p.Kind), p.Str, p.Int}})
	if err != nil {
		return fmt.Errorf("sqlite: set parameter %q: %w", p.Key, err)
	}
	return nil
}

// QueryAll 依 rowId 遞增順序回傳所有 job，亦即各工作階段的推入順序
func (b *Backend) QueryAll() ([]storage.Row, error) {
	return b.queryRows(selectJobs+` ORDER BY id`, nil)
}

// QueryBySession 回傳單一工作階段的 job，依推入順序
func (b *Backend) QueryBySession(sessionID int64) ([]storage.Row, error) {
	return b.queryRows(selectJobs+` WHERE session_id = ? ORDER BY id`, []any{sessionID})
}

func (b *Backend) queryRows(query string, args []any) ([]storage.Row, error) {
	conn, err := b.take()
	if err != nil {
		return nil, err
	}
	defer b.pool.Put(conn)

	var rows []storage.Row
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			row := storage.Row{
				ID:        stmt.ColumnInt64(0),
				Type:      stmt.ColumnInt(1),
				GroupID:   stmt.ColumnInt(2),
				SessionID: stmt.ColumnInt64(3),
				CreatedAt: time.UnixMilli(stmt.ColumnInt64(9)),
			}
			for i := 0; i < storage.GeneralSlots; i++ {
				row.General[i] = stmt.ColumnText(4 + i)
			}
			rows = append(rows, row)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite: query jobs: %w", err)
	}
	return rows, nil
}

// Params 回傳工作階段的所有參數，依鍵排序
func (b *Backend) Params(sessionID int64) ([]storage.Param, error) {
	conn, err := b.take()
	if err != nil {
		return nil, err
	}
	defer b.pool.Put(conn)

	var params []storage.Param
	err = sqlitex.Execute(conn,
		`SELECT key, value_type, value_text, value_int FROM parameters WHERE session_id = ? ORDER BY key`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				params = append(params, storage.Param{
					SessionID: sessionID,
					Key:       stmt.ColumnText(0),
					Kind:      storage.ValueKind(stmt.ColumnInt(1)),
					Str:       stmt.ColumnText(2),
					Int:       stmt.ColumnInt64(3),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("sqlite: query parameters: %w", err)
	}
	return params, nil
}

// Close 關閉連線池
func (b *Backend) Close() error {
	if err := b.pool.Close(); err != nil {
		b.logger.Error("job store close error", "path", b.path, "error", err)
		return fmt.Errorf("sqlite: closing %s: %w", b.path, err)
	}
	b.logger.Info("job store closed", "path", b.path)
	return nil
}
