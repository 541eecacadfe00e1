package ledger

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS ledgers (
    strategy_id TEXT PRIMARY KEY,
    payload     TEXT     NOT NULL,
    updated_at  DATETIME NOT NULL
);
`

// SQLiteStore 用一张表存全部策略的账本，一个策略一行、整体 JSON 负载。
// 语义与 FileStore 相同（整体覆盖写），适合同机多策略共用一个库文件。
// pure Go 驱动（modernc.org/sqlite），无 CGo。
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore 打开（或创建）库文件并应用 schema。
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply ledger schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load(strategyID string) (Ledger, error) {
	var payload string
	err := s.db.QueryRow(
		`SELECT payload FROM ledgers WHERE strategy_id = ?`, strategyID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return New(strategyID), nil
	}
	if err != nil {
		return Ledger{}, fmt.Errorf("query ledger %s: %w", strategyID, err)
	}
	var l Ledger
	if err := json.Unmarshal([]byte(payload), &l); err != nil {
		return Ledger{}, fmt.Errorf("decode ledger %s: %w", strategyID, err)
	}
	return l, nil
}

func (s *SQLiteStore) Save(l Ledger) error {
	raw, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("encode ledger %s: %w", l.StrategyID, err)
	}
	_, err = s.db.Exec(`
INSERT INTO ledgers (strategy_id, payload, updated_at) VALUES (?, ?, ?)
ON CONFLICT(strategy_id) DO UPDATE SET
    payload    = excluded.payload,
    updated_at = excluded.updated_at`,
		l.StrategyID, string(raw), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save ledger %s: %w", l.StrategyID, err)
	}
	return nil
}

// Close 关闭底层数据库。
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
