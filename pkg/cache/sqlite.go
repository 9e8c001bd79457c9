package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"github.com/lepinkainen/feed-digest/pkg/database"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLiteStore is a durable single-node Store kept in a table of the
// application database. Expiry is stored as unix milliseconds; NULL means
// the entry never expires.
type SQLiteStore struct {
	db        *database.Database
	tableName string
	now       func() time.Time
	ownsDB    bool
}

// NewSQLiteStore creates the cache table in db if needed
func NewSQLiteStore(ctx context.Context, db *database.Database, tableName string) (*SQLiteStore, error) {
	if db.Driver() != database.DriverSQLite {
		return nil, fmt.Errorf("sqlite cache store requires the sqlite driver, got %q", db.Driver())
	}
	if tableName == "" {
		tableName = "cache_entries"
	}
	if !tableNamePattern.MatchString(tableName) {
		return nil, fmt.Errorf("invalid cache table name %q", tableName)
	}

	s := &SQLiteStore{
		db:        db,
		tableName: tableName,
		now:       time.Now,
	}
	if err := s.initialize(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initialize(ctx context.Context) error {
	err := s.db.ExecuteSchema(ctx,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			expires_at INTEGER,
			updated_at INTEGER NOT NULL
		)`, s.tableName),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_expires ON %s(expires_at)`, s.tableName, s.tableName),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize cache table: %w", err)
	}
	return nil
}

func (s *SQLiteStore) expiry(ttl time.Duration) sql.NullInt64 {
	if ttl <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: s.now().Add(ttl).UnixMilli(), Valid: true}
}

func (s *SQLiteStore) read(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, key string) ([]byte, sql.NullInt64, bool, error) {
	query := fmt.Sprintf(`SELECT value, expires_at FROM %s
		WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`, s.tableName)

	var value []byte
	var expiresAt sql.NullInt64
	err := q.QueryRowContext(ctx, query, key, s.now().UnixMilli()).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sql.NullInt64{}, false, nil
	}
	if err != nil {
		return nil, sql.NullInt64{}, false, fmt.Errorf("%w: failed to get cache value: %v", ErrUnavailable, err)
	}
	return value, expiresAt, true, nil
}

// Get retrieves a value from the cache
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, _, ok, err := s.read(ctx, s.db.DB(), key)
	return value, ok, err
}

// Set stores a value in the cache
func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if value == nil {
		value = []byte{}
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (key, value, expires_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`, s.tableName)

	_, err := s.db.DB().ExecContext(ctx, query, key, value, s.expiry(ttl), s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("%w: failed to set cache value: %v", ErrUnavailable, err)
	}
	return nil
}

// Del removes a value from the cache
func (s *SQLiteStore) Del(ctx context.Context, key string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, s.tableName)

	if _, err := s.db.DB().ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("%w: failed to delete cache value: %v", ErrUnavailable, err)
	}
	return nil
}

// Exists reports whether key is present and not expired
func (s *SQLiteStore) Exists(ctx context.Context, key string) (bool, error) {
	_, _, ok, err := s.read(ctx, s.db.DB(), key)
	return ok, err
}

// TTL returns the remaining lifetime of key
func (s *SQLiteStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	_, expiresAt, ok, err := s.read(ctx, s.db.DB(), key)
	if err != nil {
		return Missing, err
	}
	if !ok {
		return Missing, nil
	}
	if !expiresAt.Valid {
		return NoExpiry, nil
	}
	return remaining(time.UnixMilli(expiresAt.Int64), s.now()), nil
}

// Incr increments the counter at key inside a transaction
func (s *SQLiteStore) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	var count int64
	var expiresAt sql.NullInt64

	err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
		value, current, ok, err := s.read(ctx, tx, key)
		if err != nil {
			return err
		}

		if ok {
			n, parseErr := strconv.ParseInt(string(value), 10, 64)
			if parseErr != nil {
				return ErrNotInteger
			}
			count = n + 1
			expiresAt = current
		} else {
			count = 1
			expiresAt = s.expiry(window)
		}

		query := fmt.Sprintf(`
			INSERT INTO %s (key, value, expires_at, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				value = excluded.value,
				expires_at = excluded.expires_at,
				updated_at = excluded.updated_at
		`, s.tableName)
		_, err = tx.ExecContext(ctx, query, key, []byte(strconv.FormatInt(count, 10)), expiresAt, s.now().UnixMilli())
		if err != nil {
			return fmt.Errorf("%w: failed to increment cache value: %v", ErrUnavailable, err)
		}
		return nil
	})
	if err != nil {
		return 0, Missing, err
	}

	if !expiresAt.Valid {
		return count, NoExpiry, nil
	}
	return count, remaining(time.UnixMilli(expiresAt.Int64), s.now()), nil
}

// Sweep removes expired entries from the cache
func (s *SQLiteStore) Sweep(ctx context.Context) (int, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE expires_at IS NOT NULL AND expires_at <= ?`, s.tableName)

	result, err := s.db.DB().ExecContext(ctx, query, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("%w: failed to cleanup expired entries: %v", ErrUnavailable, err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected > 0 {
		slog.Debug("Cleaned up expired cache entries", "table", s.tableName, "count", rowsAffected)
	}
	return int(rowsAffected), nil
}

// Close closes the database if the store opened it
func (s *SQLiteStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}
