// Package database wraps database/sql for the SQLite and PostgreSQL drivers
// the repository and the durable cache run on.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"  // PostgreSQL driver, registered as "postgres"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// Supported drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Database represents a thread-safe database connection
type Database struct {
	db     *sql.DB
	mu     sync.RWMutex
	driver string
	dsn    string
}

// Config holds database configuration
type Config struct {
	Driver  string
	DSN     string // file path for sqlite, connection string for postgres
	Timeout time.Duration
}

// DefaultConfig returns the default database configuration
func DefaultConfig() Config {
	return Config{
		Driver:  DriverSQLite,
		DSN:     "feed-digest.db",
		Timeout: 30 * time.Second,
	}
}

// NewDatabase opens and pings a new database connection
func NewDatabase(config Config) (*Database, error) {
	if config.Driver == "" {
		config.Driver = DriverSQLite
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	switch config.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", config.Driver)
	}

	if config.Driver == DriverSQLite && config.DSN != ":memory:" {
		if err := EnsureDirectoryExists(config.DSN); err != nil {
			return nil, err
		}
	}

	dsn := config.DSN
	if config.Driver == DriverSQLite {
		dsn = sqliteDSN(dsn)
	}

	db, err := sql.Open(config.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", config.Driver, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.Timeout)
	defer cancel()

	if config.Driver == DriverSQLite {
		if err := configureSQLite(ctx, db, config.DSN); err != nil {
			closeQuietly(db)
			return nil, err
		}
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
	}
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		closeQuietly(db)
		return nil, fmt.Errorf("failed to connect to %s database: %w", config.Driver, err)
	}

	slog.Debug("Database opened", "driver", config.Driver)

	return &Database{
		db:     db,
		driver: config.Driver,
		dsn:    config.DSN,
	}, nil
}

// sqliteDSN adds per-connection pragmas so every pooled connection waits on
// locks instead of failing with SQLITE_BUSY.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}

func configureSQLite(ctx context.Context, db *sql.DB, dsn string) error {
	// An in-memory database exists per connection, so keep exactly one.
	if dsn == ":memory:" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
	}

	if dsn != ":memory:" {
		var journalMode string
		if err := db.QueryRowContext(ctx, "PRAGMA journal_mode;").Scan(&journalMode); err != nil {
			return fmt.Errorf("failed to read journal mode: %w", err)
		}

		if !strings.EqualFold(journalMode, "wal") {
			if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil { // concurrent readers/writers
				return fmt.Errorf("failed to enable WAL: %w", err)
			}
		}
	}

	pragmas := []string{
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=memory",
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return nil
}

func closeQuietly(db *sql.DB) {
	if closeErr := db.Close(); closeErr != nil {
		slog.Error("Failed to close database", "error", closeErr)
	}
}

// Close closes the database connection
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.db != nil {
		err := db.db.Close()
		db.db = nil
		return err
	}
	return nil
}

// DB returns the underlying sql.DB instance (thread-safe)
func (db *Database) DB() *sql.DB {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.db
}

// Driver returns the driver name
func (db *Database) Driver() string {
	return db.driver
}

// Rebind rewrites ? placeholders into the driver's native form
func (db *Database) Rebind(query string) string {
	return Rebind(db.driver, query)
}

// Rebind rewrites ? placeholders as $1, $2... for postgres and leaves other
// drivers untouched. Question marks inside single-quoted literals are kept.
func Rebind(driver, query string) string {
	if driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)

	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// ExecuteSchema executes schema statements one at a time
func (db *Database) ExecuteSchema(ctx context.Context, statements ...string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, stmt := range statements {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema: %w", err)
		}
	}
	return nil
}

// Transaction executes a function within a database transaction
func (db *Database) Transaction(ctx context.Context, fn func(*sql.Tx) error) (err error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				slog.Error("Failed to rollback transaction", "error", rollbackErr)
			}
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			slog.Error("Failed to rollback transaction", "error", rollbackErr)
		}
		return err
	}

	return tx.Commit()
}
