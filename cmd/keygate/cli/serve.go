package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/keygatehq/keygate/internal/config"
	"github.com/keygatehq/keygate/internal/proxy"
	"github.com/keygatehq/keygate/internal/quota"
	"github.com/keygatehq/keygate/internal/server"
	"github.com/keygatehq/keygate/internal/service"
	"github.com/keygatehq/keygate/internal/usage"
	"github.com/keygatehq/keygate/internal/workspace"
)

const banner = `
 _
| | _____ _   _  __ _  __ _| |_ ___
| |/ / _ \ | | |/ _` + "`" + ` |/ _` + "`" + ` | __/ _ \
|   <  __/ |_| | (_| | (_| | ||  __/
|_|\_\___|\__, |\__, |\__,_|\__\___|
          |___/ |___/
`

func newServeCmd() *cobra.Command {
	var (
		port     int
		host     string
		upstream string
		dev      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Keygate gateway server",
		Long:  "Start the HTTP server that authenticates API keys, enforces per-plan quotas, and proxies authorized requests to the upstream data API.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(host, port, upstream, dev)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "HTTP listen port (overrides config)")
	cmd.Flags().StringVar(&host, "host", "", "HTTP listen host (overrides config)")
	cmd.Flags().StringVar(&upstream, "upstream", "", "Upstream base URL (overrides config)")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable development mode (verbose logging)")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))

	return cmd
}

func runServe(host string, port int, upstream string, dev bool) error {
	fmt.Print(banner)
	fmt.Println()

	cfg, err := loadGatewayConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if host == "" {
		host = cfg.Server.Host
	}
	if port == 0 {
		port = cfg.Server.Port
	}
	if upstream == "" {
		upstream = cfg.Upstream.BaseURL
	}

	// Set up logger
	logger := newLogger(cfg.Logging, dev)

	// 1. Initialize credential store
	store, err := openConfigStore()
	if err != nil {
		return fmt.Errorf("init credential store: %w", err)
	}
	defer store.Close()
	logger.Info("credential store initialized", "data_dir", resolveDataDir())

	// 2. Core services
	keys := service.NewKeyStore(store)
	provisioner := service.NewProvisioner(store)

	jwtSecret := viper.GetString("auth.jwt_secret")
	if jwtSecret == "" {
		jwtSecret = cfg.Auth.JWTSecret
	}
	if jwtSecret == "" {
		jwtSecret = "keygate-dev-secret-change-me"
		logger.Warn("auth.jwt_secret not set, using development secret")
	}
	authSvc := service.NewAuthService(store, jwtSecret)

	// 3. Workspace resolver: configured salt, else the salt persisted in the
	// settings table (generated on first run).
	resolver, err := workspace.Load(context.Background(), cfg.Auth.WorkspaceSalt, store)
	if err != nil {
		return fmt.Errorf("init workspace resolver: %w", err)
	}
	entitle := service.NewEntitlements(keys, resolver)

	// 4. Quota engine
	window := parseDuration(cfg.Quota.Window, time.Minute)
	engine := quota.New(keys, window, logger)
	engine.Start()
	defer engine.Stop()

	// 5. Upstream forwarder
	forwarder, err := proxy.New(proxy.Config{
		BaseURL:          upstream,
		Timeout:          parseDuration(cfg.Upstream.Timeout, 5*time.Minute),
		AuthHeader:       cfg.Upstream.AuthHeader,
		AuthToken:        cfg.Upstream.AuthToken,
		StripHeader:      cfg.Auth.APIKeyHeader,
		ForwardClientKey: cfg.Upstream.ForwardClientKey,
	}, logger)
	if err != nil {
		return fmt.Errorf("init upstream forwarder: %w", err)
	}

	// 6. Usage recorder
	recorder := usage.NewRecorder(store, logger)
	recorder.Start()
	defer recorder.Shutdown()

	// 7. Check for first-run (no admin exists)
	hasAdmin, err := store.HasAnyAdmin(context.Background())
	if err != nil {
		logger.Warn("failed to check for admin", "error", err)
	}
	if !hasAdmin {
		logger.Warn("no admin account found - run: keygate admin create")
	}

	// 8. Build and start HTTP server
	apiKeyHeader := cfg.Auth.APIKeyHeader
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	srvCfg := server.Config{
		Host:             host,
		Port:             port,
		ShutdownTimeout:  parseDuration(cfg.Server.ShutdownTimeout, 30*time.Second),
		CORSOrigins:      cfg.Server.CORS.Origins,
		APIKeyHeader:     apiKeyHeader,
		PublicRatePerMin: cfg.Quota.PublicRatePerMin,
	}
	if len(srvCfg.CORSOrigins) == 0 {
		srvCfg.CORSOrigins = []string{"*"}
	}

	srv := server.New(srvCfg, server.Deps{
		Store:       store,
		Keys:        keys,
		AuthSvc:     authSvc,
		Provisioner: provisioner,
		Entitle:     entitle,
		Engine:      engine,
		Forwarder:   forwarder,
		Resolver:    resolver,
		Recorder:    recorder,
		Catalog:     cfg.PlanCatalog(),
	}, logger)

	fmt.Printf("→ Keygate %s\n", versionString())
	fmt.Printf("→ Listening on http://%s:%d\n", host, port)
	fmt.Printf("→ Upstream:   %s\n", forwarder.BaseURL())
	fmt.Printf("→ OpenAPI:    http://%s:%d/openapi.json\n", host, port)
	fmt.Printf("→ Health:     http://%s:%d/healthz\n", host, port)
	fmt.Println()

	if err := writePID(os.Getpid()); err != nil {
		logger.Warn("failed to write PID file", "error", err)
	}
	defer removePID()

	return srv.ListenAndServe()
}

// newLogger builds the process logger from the logging config. --dev forces
// debug level text output.
func newLogger(cfg config.LoggingConfig, dev bool) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if dev {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" && !dev {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// parseDuration parses a config duration string, falling back on empty or
// malformed input.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
