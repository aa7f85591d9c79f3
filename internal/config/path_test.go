package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultDataDirXDG(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/custom/data")
	if got := DefaultDataDir(); got != "/custom/data/nakadi" {
		t.Fatalf("got %s", got)
	}
}

func TestDefaultDataDirNoHome(t *testing.T) {
	t.Setenv("HOME", "")
	t.Setenv("XDG_DATA_HOME", "")
	if got := DefaultDataDir(); got != "./data" {
		t.Fatalf("expected ./data fallback, got %s", got)
	}
}

func TestDefaultDataDirShape(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "")
	got := DefaultDataDir()
	if !filepath.IsAbs(got) && !strings.HasPrefix(got, "./") {
		t.Fatalf("want absolute or ./ path, got %s", got)
	}
	if !strings.HasSuffix(got, "nakadi") && got != "./data" {
		t.Fatalf("want nakadi suffix, got %s", got)
	}
	if got != DefaultDataDir() {
		t.Fatalf("not stable")
	}
}

func TestIsDir(t *testing.T) {
	file := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	for path, want := range map[string]bool{
		".":                     true,
		"/non/existent/path/xx": false,
		file:                    false,
	} {
		if got := isDir(path); got != want {
			t.Fatalf("isDir(%s) = %v, want %v", path, got, want)
		}
	}
}

func TestResolveDataDir(t *testing.T) {
	if got := (StorageConfig{DataDir: "/srv/n"}).ResolveDataDir(); got != "/srv/n" {
		t.Fatalf("got %s", got)
	}
	dsn := SubscriptionsConfig{}.SubscriptionsDSN("/srv/n")
	if !strings.HasPrefix(dsn, "file:/srv/n/subscriptions.db") {
		t.Fatalf("dsn %s", dsn)
	}
}
