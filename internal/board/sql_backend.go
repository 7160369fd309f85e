package board

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const (
	sqlStateTableName   = "relayboard_state"
	sqlStateKey         = "default"
	sqlOperationTimeout = 5 * time.Second
	postgresDriverName  = "postgres"
	sqliteDriverName    = "sqlite3"
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// sqlDialect captures the few statements that differ between drivers.
type sqlDialect struct {
	driver      string
	placeholder func(n int) string
	timestamp   string
}

var (
	postgresDialect = sqlDialect{
		driver:      postgresDriverName,
		placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
		timestamp:   "TIMESTAMPTZ",
	}
	sqliteDialect = sqlDialect{
		driver:      sqliteDriverName,
		placeholder: func(int) string { return "?" },
		timestamp:   "TIMESTAMP",
	}
)

// SQLStateBackend keeps the whole board snapshot as one JSON row keyed by
// stateKey.
type SQLStateBackend struct {
	dsn       string
	tableName string
	stateKey  string
	dialect   sqlDialect
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStateBackend(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLStateBackend{
		dsn:       dsn,
		tableName: sqlStateTableName,
		stateKey:  sqlStateKey,
		dialect:   postgresDialect,
		openDB:    sql.Open,
	}, nil
}

func NewSQLiteStateBackend(path string) (StateBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite directory: %w", err)
			}
		}
	}
	return &SQLStateBackend{
		dsn:       path,
		tableName: sqlStateTableName,
		stateKey:  sqlStateKey,
		dialect:   sqliteDialect,
		openDB:    sql.Open,
	}, nil
}

func (b *SQLStateBackend) Driver() string {
	if b == nil {
		return ""
	}
	return b.dialect.driver
}

func (b *SQLStateBackend) Load() (*persistedState, error) {
	if b == nil {
		return nil, nil
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT snapshot FROM %s WHERE state_key = %s",
		sqlQuoteIdentifier(b.tableName), b.dialect.placeholder(1))
	var payload string
	err := b.db.QueryRowContext(ctx, query, b.stateKey).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snapshot persistedState
	if err := json.Unmarshal([]byte(payload), &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *SQLStateBackend) Save(state *persistedState) error {
	if b == nil || state == nil {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (state_key, snapshot, updated_at)
		VALUES (%s, %s, CURRENT_TIMESTAMP)
		ON CONFLICT (state_key)
		DO UPDATE SET snapshot = excluded.snapshot, updated_at = CURRENT_TIMESTAMP`,
		sqlQuoteIdentifier(b.tableName), b.dialect.placeholder(1), b.dialect.placeholder(2))
	_, err = b.db.ExecContext(ctx, query, b.stateKey, string(payload))
	return err
}

func (b *SQLStateBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *SQLStateBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB(b.dialect.driver, b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		if b.dialect.driver == sqliteDriverName {
			// One writer at a time; the store already serializes saves.
			db.SetMaxOpenConns(1)
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				state_key TEXT PRIMARY KEY,
				snapshot TEXT NOT NULL,
				updated_at %s NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`, sqlQuoteIdentifier(b.tableName), b.dialect.timestamp)
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func sqlQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
