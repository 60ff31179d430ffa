package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	kmcp "github.com/keygatehq/keygate/internal/mcp"
	"github.com/keygatehq/keygate/internal/quota"
	"github.com/keygatehq/keygate/internal/service"
	"github.com/keygatehq/keygate/internal/workspace"
)

func newMCPCmd() *cobra.Command {
	var (
		transport string
		port      int
	)

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP server for AI agents",
		Long: `Start a Model Context Protocol (MCP) server that exposes Keygate operations
as tools for AI agents. Supports stdio (default) and HTTP transports.

In stdio mode, the MCP server communicates over stdin/stdout using JSON-RPC,
suitable for direct integration with MCP clients that launch the server as a
subprocess.

In HTTP mode, the server listens on the specified port for remote MCP clients.`,
		Example: `  keygate mcp                               # stdio mode
  keygate mcp --transport http --port 3001  # HTTP mode`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMCP(transport, port)
		},
	}

	cmd.Flags().StringVar(&transport, "transport", "stdio", "Transport mode: stdio or http")
	cmd.Flags().IntVar(&port, "port", 3001, "HTTP port (only used with --transport http)")

	return cmd
}

func runMCP(transport string, port int) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := loadGatewayConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := openConfigStore()
	if err != nil {
		return fmt.Errorf("init credential store: %w", err)
	}
	defer store.Close()

	keys := service.NewKeyStore(store)
	resolver, err := workspace.Load(context.Background(), cfg.Auth.WorkspaceSalt, store)
	if err != nil {
		return fmt.Errorf("init workspace resolver: %w", err)
	}
	entitle := service.NewEntitlements(keys, resolver)

	window := parseDuration(cfg.Quota.Window, time.Minute)
	engine := quota.New(keys, window, logger)
	engine.Start()
	defer engine.Stop()

	mcpSrv := kmcp.NewMCPServer(keys, entitle, engine, cfg.PlanCatalog(), logger)

	switch transport {
	case "stdio":
		return mcpSrv.ServeStdio()
	case "http":
		addr := fmt.Sprintf(":%d", port)
		logger.Info("starting MCP HTTP server", "addr", addr)
		return mcpSrv.ServeHTTP(addr)
	default:
		return fmt.Errorf("unsupported transport %q; use 'stdio' or 'http'", transport)
	}
}
