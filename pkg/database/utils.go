package database

import (
	"context"
	"fmt"
	"os"

	"github.com/lepinkainen/feed-digest/pkg/filesystem"
)

// EnsureDirectoryExists creates the directory for the database file if it doesn't exist
func EnsureDirectoryExists(dbPath string) error {
	return filesystem.EnsureDirectoryExists(dbPath)
}

// DatabaseExists checks if a database file exists
func DatabaseExists(dbPath string) bool {
	_, err := os.Stat(dbPath)
	return !os.IsNotExist(err)
}

// Info describes the connected database for the stats command
type Info struct {
	Driver        string `yaml:"driver" json:"driver"`
	Version       string `yaml:"version" json:"version"`
	TableCount    int    `yaml:"tableCount" json:"tableCount"`
	FileSizeBytes int64  `yaml:"fileSizeBytes,omitempty" json:"fileSizeBytes,omitempty"`
}

// GetInfo returns information about the database
func (db *Database) GetInfo(ctx context.Context) (*Info, error) {
	info := &Info{Driver: db.driver}

	var versionQuery, tableQuery string
	switch db.driver {
	case DriverPostgres:
		versionQuery = "SHOW server_version"
		tableQuery = "SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = current_schema()"
	default:
		versionQuery = "SELECT sqlite_version()"
		tableQuery = "SELECT COUNT(*) FROM sqlite_master WHERE type='table'"
	}

	if err := db.DB().QueryRowContext(ctx, versionQuery).Scan(&info.Version); err != nil {
		return nil, fmt.Errorf("failed to get database version: %w", err)
	}

	if err := db.DB().QueryRowContext(ctx, tableQuery).Scan(&info.TableCount); err != nil {
		return nil, fmt.Errorf("failed to get table count: %w", err)
	}

	if db.driver == DriverSQLite {
		if stat, err := os.Stat(db.dsn); err == nil {
			info.FileSizeBytes = stat.Size()
		}
	}

	return info, nil
}
