// Package db is the SQLite implementation of the durable sync action
// store, selected with STORE_DRIVER=sqlite.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	apperrors "github.com/alexjbarnes/ride-sync/internal/errors"
	"github.com/alexjbarnes/ride-sync/internal/models"
)

const (
	settingToken = "token"
	settingRole  = "role"
)

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenMigrated opens the database and applies pending migrations.
func OpenMigrated(ctx context.Context, path string) (*Store, error) {
	s, err := Open(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := ApplyMigrations(ctx, s.db); err != nil {
		s.Close() //nolint:errcheck
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Insert(ctx context.Context, a models.SyncAction) (models.SyncAction, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO sync_actions(type, data, timestamp, retry_count, status, client_ref, last_error)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, string(a.Type), a.Data, a.Timestamp.UnixNano(), a.RetryCount, string(a.Status), a.ClientRef, a.LastError)
	if err != nil {
		return models.SyncAction{}, fmt.Errorf("insert sync action: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return models.SyncAction{}, fmt.Errorf("insert sync action id: %w", err)
	}
	a.ID = uint64(id) //nolint:gosec // AUTOINCREMENT ids are positive
	return a, nil
}

func (s *Store) ListByStatus(ctx context.Context, status models.Status) ([]models.SyncAction, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, type, data, timestamp, retry_count, status, client_ref, last_error
FROM sync_actions
WHERE status = ?
ORDER BY timestamp ASC, id ASC
`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list %s actions: %w", status, err)
	}
	defer rows.Close() //nolint:errcheck

	var out []models.SyncAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s actions: %w", status, err)
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, id uint64) (models.SyncAction, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, type, data, timestamp, retry_count, status, client_ref, last_error
FROM sync_actions
WHERE id = ?
`, id)
	a, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.SyncAction{}, apperrors.ErrActionNotFound
	}
	return a, err
}

func (s *Store) UpdateStatus(ctx context.Context, id uint64, status models.Status, retryCount int, lastErr string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE sync_actions SET status = ?, retry_count = ?, last_error = ?
WHERE id = ?
`, string(status), retryCount, lastErr, id)
	if err != nil {
		return fmt.Errorf("update sync action %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update sync action %d rows: %w", id, err)
	}
	if n == 0 {
		return apperrors.ErrActionNotFound
	}
	return nil
}

func (s *Store) DeleteByStatus(ctx context.Context, status models.Status) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sync_actions WHERE status = ?`, string(status))
	if err != nil {
		return 0, fmt.Errorf("delete %s actions: %w", status, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete %s actions rows: %w", status, err)
	}
	return int(n), nil
}

func (s *Store) CountByStatus(ctx context.Context, status models.Status) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_actions WHERE status = ?`, string(status)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s actions: %w", status, err)
	}
	return n, nil
}

func (s *Store) ResetStatus(ctx context.Context, from, to models.Status) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE sync_actions SET status = ? WHERE status = ?`, string(to), string(from))
	if err != nil {
		return 0, fmt.Errorf("reset %s actions: %w", from, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset %s actions rows: %w", from, err)
	}
	return int(n), nil
}

// Token returns the cached channel credential, or empty string.
func (s *Store) Token() string {
	return s.setting(settingToken)
}

func (s *Store) SetToken(token string) error {
	return s.setSetting(settingToken, token)
}

// Role returns the last role used to authenticate, or empty string.
func (s *Store) Role() string {
	return s.setting(settingRole)
}

func (s *Store) SetRole(role string) error {
	return s.setSetting(settingRole, role)
}

func (s *Store) setting(key string) string {
	var v string
	err := s.db.QueryRowContext(context.Background(), `SELECT value FROM app_settings WHERE key = ?`, key).Scan(&v)
	if err != nil {
		return ""
	}
	return v
}

func (s *Store) setSetting(key, value string) error {
	_, err := s.db.ExecContext(context.Background(), `
INSERT INTO app_settings(key, value, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
	value=excluded.value,
	updated_at=excluded.updated_at
`, key, value, ts(time.Now()))
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(r rowScanner) (models.SyncAction, error) {
	var (
		a      models.SyncAction
		typ    string
		status string
		nanos  int64
	)
	if err := r.Scan(&a.ID, &typ, &a.Data, &nanos, &a.RetryCount, &status, &a.ClientRef, &a.LastError); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.SyncAction{}, err
		}
		return models.SyncAction{}, fmt.Errorf("scan sync action: %w", err)
	}
	a.Type = models.ActionType(typ)
	a.Status = models.Status(status)
	a.Timestamp = time.Unix(0, nanos).UTC()
	return a, nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
