// Package filesystem locates configuration and output files.
package filesystem

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

// AppName names the per-user configuration directory
const AppName = "feed-digest"

// ErrDirNotFound is returned when a parent directory cannot be created
var ErrDirNotFound = errors.New("directory not found")

// GetDefaultPath returns filename in the directory of the running executable
func GetDefaultPath(filename string) (string, error) {
	exePath, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to get executable path: %w", err)
	}
	return filepath.Join(filepath.Dir(exePath), filename), nil
}

// FileExists reports whether path names an existing regular file
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// UserConfigPath returns name inside the user's XDG config directory
func UserConfigPath(name string) string {
	return filepath.Join(xdg.ConfigHome, AppName, name)
}

// ResolvePath finds a relative path in the working directory, then in the
// user config directory and then next to the executable. When none exists
// path is returned unchanged.
func ResolvePath(path string) string {
	if path == "" || filepath.IsAbs(path) || FileExists(path) {
		return path
	}
	if userPath := UserConfigPath(path); FileExists(userPath) {
		return userPath
	}
	if exePath, err := GetDefaultPath(path); err == nil && FileExists(exePath) {
		return exePath
	}
	return path
}

// EnsureDirectoryExists creates the parent directory of filePath
func EnsureDirectoryExists(filePath string) error {
	dir := filepath.Dir(filePath)
	if dir == "." {
		return nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrDirNotFound, dir)
		}
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}
