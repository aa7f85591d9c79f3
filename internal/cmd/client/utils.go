package client

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/mdedetrich/nakadi/internal/cmd/client/transports"
	"github.com/mdedetrich/nakadi/internal/cursors"
)

// BaseURLFunc provides the base HTTP API URL (e.g., from env or flag).
type BaseURLFunc func() string

// grpcAddrFromEnv returns the gRPC server address from NAKADI_GRPC or a default.
func grpcAddrFromEnv() string {
	if addr := os.Getenv("NAKADI_GRPC"); addr != "" {
		return addr
	}
	return "127.0.0.1:50051"
}

// dialGRPCContext dials the gRPC endpoint with insecure transport for local/dev.
func dialGRPCContext(_ context.Context) (*grpc.ClientConn, error) {
	return grpc.NewClient(grpcAddrFromEnv(), grpc.WithTransportCredentials(insecure.NewCredentials()))
}

// getTransport picks the cursor and stream transport named by --transport.
func getTransport(cmd *cobra.Command, baseURL BaseURLFunc) (transports.SubscriptionTransport, error) {
	name, _ := cmd.Flags().GetString("transport")
	switch name {
	case "", "http":
		return httpTransport(baseURL), nil
	case "grpc":
		return transports.NewGrpcTransport(dialGRPCContext), nil
	default:
		return nil, fmt.Errorf("invalid --transport %q; use http|grpc", name)
	}
}

func httpTransport(baseURL BaseURLFunc) *transports.HTTPTransport {
	return transports.NewHTTPTransport(func() string { return strings.TrimRight(baseURL(), "/") }, nil)
}

func addTransportFlag(cmd *cobra.Command) {
	cmd.Flags().String("transport", "http", "Transport: http|grpc")
}

// printJSON writes v as indented JSON.
func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseCursors turns partition:offset arguments into cursors.
func parseCursors(args []string) ([]cursors.Cursor, error) {
	out := make([]cursors.Cursor, 0, len(args))
	for _, a := range args {
		p, off, ok := strings.Cut(a, ":")
		if !ok || p == "" || off == "" {
			return nil, fmt.Errorf("invalid cursor %q; expected partition:offset", a)
		}
		out = append(out, cursors.Cursor{Partition: p, Offset: off})
	}
	return out, nil
}
