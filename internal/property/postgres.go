package property

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const (
	DefaultPostgresTable   = "mailbox_properties"
	DefaultPostgresTimeout = 5 * time.Second
)

// PostgresStore keeps one row per (mailbox, key).
type PostgresStore struct {
	db      *sqlx.DB
	table   string
	timeout time.Duration
	logger  *slog.Logger
}

// OpenPostgres connects to dsn and creates the property table if needed.
func OpenPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := NewPostgresStore(db, DefaultPostgresTable, logger)
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func NewPostgresStore(db *sqlx.DB, table string, logger *slog.Logger) *PostgresStore {
	if table == "" {
		table = DefaultPostgresTable
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: db, table: pq.QuoteIdentifier(table), timeout: DefaultPostgresTimeout, logger: logger}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			mailbox_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (mailbox_id, key)
		)`, s.table)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	s.logger.Info("property store ready", "backend", "postgres", "table", s.table)
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, mailboxID, key string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var value string
	query := fmt.Sprintf(`SELECT value FROM %s WHERE mailbox_id = $1 AND key = $2`, s.table)
	err := s.db.GetContext(ctx, &value, query, mailboxID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("select %s: %w", key, err)
	}
	return value, nil
}

func (s *PostgresStore) Set(ctx context.Context, mailboxID, key, value string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	query := fmt.Sprintf(`
		INSERT INTO %s (mailbox_id, key, value, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (mailbox_id, key)
		DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`, s.table)
	if _, err := s.db.ExecContext(ctx, query, mailboxID, key, value); err != nil {
		return fmt.Errorf("upsert %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, mailboxID, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	query := fmt.Sprintf(`DELETE FROM %s WHERE mailbox_id = $1 AND key = $2`, s.table)
	if _, err := s.db.ExecContext(ctx, query, mailboxID, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) CompareAndSwap(ctx context.Context, mailboxID, key, prev, next string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var (
		res sql.Result
		err error
	)
	if prev == "" {
		query := fmt.Sprintf(`
			INSERT INTO %s (mailbox_id, key, value, updated_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (mailbox_id, key) DO NOTHING`, s.table)
		res, err = s.db.ExecContext(ctx, query, mailboxID, key, next)
	} else {
		query := fmt.Sprintf(`
			UPDATE %s SET value = $4, updated_at = NOW()
			WHERE mailbox_id = $1 AND key = $2 AND value = $3`, s.table)
		res, err = s.db.ExecContext(ctx, query, mailboxID, key, prev, next)
	}
	if err != nil {
		return fmt.Errorf("compare and swap %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

var _ Store = (*PostgresStore)(nil)
