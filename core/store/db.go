package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"vigil-ims/config"
	"vigil-ims/core/utils"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

func NewDB(cfg *config.AppConfig, logger *utils.Logger) (*sql.DB, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.DBDriver))
	if driver == "sqlite" || (driver == "" && strings.TrimSpace(cfg.DBPath) != "") || (driver == "postgres" && strings.TrimSpace(cfg.DBPath) != "") {
		dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", cfg.DBPath)
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, err
		}
		// modernc sqlite: single writer connection avoids SQLITE_BUSY storms.
		db.SetMaxOpenConns(1)
		if logger != nil {
			logger.Printf("store: opened sqlite db at %s", cfg.DBPath)
		}
		return db, nil
	}
	db, err := sql.Open("pgx", cfg.DBURL)
	if err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Printf("store: opened postgres db")
	}
	return db, nil
}

// rowQuerier is satisfied by both *sql.DB and *sql.Tx, so the flavor probe
// can run on whichever connection the caller already holds.
type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func isPostgresDB(ctx context.Context, q rowQuerier) (bool, error) {
	var v string
	if err := q.QueryRowContext(ctx, `SELECT sqlite_version()`).Scan(&v); err == nil {
		return false, nil
	}
	if err := q.QueryRowContext(ctx, `SELECT current_setting('server_version')`).Scan(&v); err != nil {
		return false, fmt.Errorf("detect database flavor: %w", err)
	}
	return true, nil
}

// WithTx runs fn inside a transaction, committing on nil error and rolling
// back otherwise.
func WithTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
