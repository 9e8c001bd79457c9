package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/lepinkainen/feed-digest/pkg/database"
)

// Backend names accepted by New
const (
	BackendMemory = "memory"
	BackendMongo  = "mongo"
	BackendSQLite = "sqlite"
)

// Config selects and configures a cache backend
type Config struct {
	Backend string

	SweepInterval time.Duration // memory

	MongoURI        string
	MongoDatabase   string
	MongoCollection string

	SQLitePath string
	TableName  string
	// DB is reused by the sqlite backend when it is already a sqlite database
	DB *database.Database
}

// New creates the configured Store. Backend connection failures are
// returned; there is no silent fallback to another backend.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		interval := cfg.SweepInterval
		if interval == 0 {
			interval = DefaultSweepInterval
		}
		return NewMemoryStore(WithSweepInterval(interval)), nil

	case BackendMongo:
		if cfg.MongoURI == "" {
			return nil, fmt.Errorf("mongo cache backend requires a URI")
		}
		dbName := cfg.MongoDatabase
		if dbName == "" {
			dbName = "feed_digest"
		}
		collection := cfg.MongoCollection
		if collection == "" {
			collection = "cache"
		}
		return NewMongoStore(ctx, cfg.MongoURI, dbName, collection)

	case BackendSQLite:
		if cfg.DB != nil && cfg.DB.Driver() == database.DriverSQLite {
			return NewSQLiteStore(ctx, cfg.DB, cfg.TableName)
		}
		if cfg.SQLitePath == "" {
			return nil, fmt.Errorf("sqlite cache backend requires a path")
		}
		db, err := database.NewDatabase(database.Config{Driver: database.DriverSQLite, DSN: cfg.SQLitePath})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		store, err := NewSQLiteStore(ctx, db, cfg.TableName)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		store.ownsDB = true
		return store, nil

	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}
