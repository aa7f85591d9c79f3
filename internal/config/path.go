package config

import (
	"os"
	"path/filepath"
)

const appDir = "nakadi"

// DefaultDataDir picks a per-OS data directory: $XDG_DATA_HOME/nakadi first,
// then /var/lib/nakadi, the macOS and Windows app-data folders, and finally
// ~/.nakadi. Without a home directory it falls back to ./data.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "./data"
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, appDir)
	}
	candidates := []struct{ parent, dir string }{
		{"/var/lib", filepath.Join("/var/lib", appDir)},
		{filepath.Join(home, "Library"), filepath.Join(home, "Library", "Application Support", appDir)},
		{filepath.Join(home, "AppData"), filepath.Join(home, "AppData", "Local", appDir)},
	}
	for _, c := range candidates {
		if isDir(c.parent) {
			return c.dir
		}
	}
	return filepath.Join(home, "."+appDir)
}

// ResolveDataDir returns the configured directory or DefaultDataDir.
func (c StorageConfig) ResolveDataDir() string {
	if c.DataDir != "" {
		return c.DataDir
	}
	return DefaultDataDir()
}

// SubscriptionsDSN returns the sqlite DSN for the directory, defaulting to a
// file under dataDir.
func (c SubscriptionsConfig) SubscriptionsDSN(dataDir string) string {
	if c.DSN != "" {
		return c.DSN
	}
	return "file:" + filepath.Join(dataDir, "subscriptions.db") + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
