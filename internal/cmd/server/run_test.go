package serverrun

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	cfgpkg "github.com/mdedetrich/nakadi/internal/config"
	logpkg "github.com/mdedetrich/nakadi/pkg/log"
)

func TestBuildConfigPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nakadi.yaml")
	yaml := "server:\n  httpAddr: \":9000\"\n  grpcAddr: \":9001\"\nstorage:\n  fsync: never\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("NAKADI_SERVER_GRPC_ADDR", ":9101")

	tests := []struct {
		name     string
		o        Overrides
		wantHTTP string
		wantGRPC string
		wantDir  string
	}{
		{
			name:     "file and env",
			wantHTTP: ":9000",
			wantGRPC: ":9101",
		},
		{
			name:     "flags win",
			o:        Overrides{HTTPAddr: ":9200", GRPCAddr: ":9201", DataDir: dir},
			wantHTTP: ":9200",
			wantGRPC: ":9201",
			wantDir:  dir,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := BuildConfig(path, tt.o)
			if err != nil {
				t.Fatalf("build config: %v", err)
			}
			if cfg.Server.HTTPAddr != tt.wantHTTP || cfg.Server.GRPCAddr != tt.wantGRPC {
				t.Errorf("addrs: http=%s grpc=%s", cfg.Server.HTTPAddr, cfg.Server.GRPCAddr)
			}
			if cfg.Storage.Fsync != "never" {
				t.Errorf("fsync from file lost: %s", cfg.Storage.Fsync)
			}
			if cfg.Storage.DataDir != tt.wantDir {
				t.Errorf("data dir: %q", cfg.Storage.DataDir)
			}
		})
	}
}

func TestBuildConfigRejectsInvalidFlags(t *testing.T) {
	if _, err := BuildConfig("", Overrides{Fsync: "sometimes"}); err == nil {
		t.Fatal("expected validation error for unknown fsync mode")
	}
}

func TestNewLogger(t *testing.T) {
	if _, err := NewLogger(cfgpkg.LogConfig{Level: "debug", Format: "json"}); err != nil {
		t.Fatalf("valid logger: %v", err)
	}
	if _, err := NewLogger(cfgpkg.LogConfig{Level: "loud"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
	file := filepath.Join(t.TempDir(), "nakadi.log")
	if _, err := NewLogger(cfgpkg.LogConfig{Level: "info", File: file}); err != nil {
		t.Fatalf("file logger: %v", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := cfgpkg.Default()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Storage.Fsync = "never"
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Server.GRPCAddr = "127.0.0.1:0"
	cfg.Server.ShutdownTimeout = cfgpkg.Duration(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Options{Config: cfg, Logger: logpkg.NewLogger(logpkg.WithOutput(logpkg.NullOutput{}))})
	}()
	time.Sleep(200 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
}

func TestRunFailsOnBadAddress(t *testing.T) {
	cfg := cfgpkg.Default()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Server.HTTPAddr = "127.0.0.1:99999"
	cfg.Server.GRPCAddr = "127.0.0.1:0"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := Run(ctx, Options{Config: cfg, Logger: logpkg.NewLogger(logpkg.WithOutput(logpkg.NullOutput{}))}); err == nil {
		t.Fatal("expected listen error")
	}
}
