package filesystem

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGetDefaultPath(t *testing.T) {
	got, err := GetDefaultPath("config.yaml")
	if err != nil {
		t.Fatalf("GetDefaultPath() error = %v", err)
	}
	if !filepath.IsAbs(got) || filepath.Base(got) != "config.yaml" {
		t.Errorf("GetDefaultPath() = %q, want absolute path ending in config.yaml", got)
	}
}

func TestResolvePath(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "present.yaml")
	if err := os.WriteFile(existing, []byte("debug: true\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		path string
		want string
	}{
		{"empty", "", ""},
		{"absolute", "/etc/feed-digest/config.yaml", "/etc/feed-digest/config.yaml"},
		{"existing", existing, existing},
		{"missing relative", "does-not-exist.yaml", "does-not-exist.yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolvePath(tt.path); got != tt.want {
				t.Errorf("ResolvePath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestUserConfigPath(t *testing.T) {
	got := UserConfigPath("config.yaml")
	if filepath.Base(got) != "config.yaml" || filepath.Base(filepath.Dir(got)) != AppName {
		t.Errorf("UserConfigPath() = %q, want .../%s/config.yaml", got, AppName)
	}
}

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file.txt")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	if !FileExists(file) {
		t.Errorf("FileExists(%q) = false, want true", file)
	}
	if FileExists(dir) {
		t.Errorf("FileExists(%q) = true for a directory", dir)
	}
	if FileExists(filepath.Join(dir, "missing")) {
		t.Error("FileExists() = true for a missing file")
	}
}

func TestEnsureDirectoryExists(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		path    string
		wantDir string
	}{
		{"nested", filepath.Join(dir, "a", "b", "feed.xml"), filepath.Join(dir, "a", "b")},
		{"already there", filepath.Join(dir, "feed.xml"), dir},
		{"current directory", "feed.xml", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := EnsureDirectoryExists(tt.path); err != nil {
				t.Fatalf("EnsureDirectoryExists() error = %v", err)
			}
			if tt.wantDir == "" {
				return
			}
			if info, err := os.Stat(tt.wantDir); err != nil || !info.IsDir() {
				t.Errorf("directory %s not created: %v", tt.wantDir, err)
			}
		})
	}
}

func TestEnsureDirectoryExistsBlockedByFile(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := EnsureDirectoryExists(filepath.Join(blocker, "sub", "feed.xml")); err == nil {
		t.Error("EnsureDirectoryExists() under a regular file should fail")
	}
}
