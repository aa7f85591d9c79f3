package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	clientcmd "github.com/mdedetrich/nakadi/internal/cmd/client"
	serverrun "github.com/mdedetrich/nakadi/internal/cmd/server"
)

func main() {
	rootCmd := clientcmd.NewRoot(apiURL)
	rootCmd.Short = "nakadi event streaming CLI"
	rootCmd.Long = "nakadi streams events of topics to subscriptions with committed cursors. This CLI runs the server and talks to it."

	// server start
	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	serverStartCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start nakadi server (gRPC and HTTP)",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			var o serverrun.Overrides
			o.DataDir, _ = cmd.Flags().GetString("data-dir")
			o.GRPCAddr, _ = cmd.Flags().GetString("grpc")
			o.HTTPAddr, _ = cmd.Flags().GetString("http")
			o.Fsync, _ = cmd.Flags().GetString("fsync")
			o.LogLevel, _ = cmd.Flags().GetString("log-level")
			o.LogFormat, _ = cmd.Flags().GetString("log-format")

			cfg, err := serverrun.BuildConfig(configPath, o)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if err := serverrun.Run(ctx, serverrun.Options{Config: cfg}); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		},
	}
	serverStartCmd.Flags().String("config", os.Getenv("NAKADI_CONFIG"), "Config file (YAML or JSON)")
	serverStartCmd.Flags().String("data-dir", "", "Data directory (if not specified, uses OS-specific application data directory)")
	serverStartCmd.Flags().String("grpc", "", "gRPC listen address (default :50051)")
	serverStartCmd.Flags().String("http", "", "HTTP listen address (default :8080)")
	serverStartCmd.Flags().String("fsync", "", "Fsync mode: always|interval|never")
	serverStartCmd.Flags().String("log-level", "", "Log level: debug|info|warn|error")
	serverStartCmd.Flags().String("log-format", "", "Log format: text|json")
	serverCmd.AddCommand(serverStartCmd)
	rootCmd.AddCommand(serverCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func apiURL() string {
	if v := os.Getenv("NAKADI_HTTP"); v != "" {
		return v
	}
	return "http://127.0.0.1:8080"
}
