package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"onchain-agent/internal/optimizer"
	"onchain-agent/internal/provider"
	"onchain-agent/internal/provider/openaicompat"
	"onchain-agent/internal/server"
	"onchain-agent/internal/x402"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "", "Path to server config YAML/JSON")
	listen := flag.String("listen", "", "Optional listen address override")
	issueKey := flag.Bool("issue-key", false, "Issue an API key and exit")
	owner := flag.String("owner", "", "Owner for issue-key")
	permissions := flag.String("permissions", "", "Comma-separated permissions for issue-key")
	flag.Parse()

	setupLogging()

	cfg, err := server.LoadServerConfig(*configPath)
	if err != nil {
		slog.Error("load config failed", "error", err)
		os.Exit(1)
	}
	applyEnvOverrides(&cfg)
	if *listen != "" {
		cfg.ListenAddr = *listen
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, cleanup, err := buildStore(rootCtx, cfg)
	if err != nil {
		slog.Error("setup store failed", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	keys := server.NewKeyManager(store, cfg)

	// Issue-key mode
	if *issueKey {
		if strings.TrimSpace(*owner) == "" {
			fmt.Fprintln(os.Stderr, "issue-key requires -owner")
			os.Exit(1)
		}
		issued, err := keys.Issue(*owner, splitPermissions(*permissions))
		if err != nil {
			slog.Error("issue key failed", "error", err)
			os.Exit(1)
		}
		fmt.Printf("id:      %s\napi_key: %s\n", issued.Record.ID, issued.Token)
		return
	}

	obs, err := server.SetupObservability(rootCtx, cfg.Observer)
	if err != nil {
		slog.Error("setup observability failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = obs.Shutdown(ctx)
	}()

	signer, err := x402.NewSigner(cfg.Payments.SigningKey)
	if err != nil {
		slog.Error("load payment signing key failed", "error", err)
		os.Exit(1)
	}

	opt := optimizer.New(cfg.Optimizer.Catalog, cfg.Optimizer.DefaultProvider, cfg.Optimizer.FeePercent)
	providers := buildProviders(cfg)
	limiter := server.NewRateLimiter(cfg.Limits.RequestsPerMinute)
	settler := server.NewSettler(cfg.Payments, store, signer, obs)
	defer settler.Shutdown()

	api := server.NewAPI(cfg, keys, store, limiter, opt, providers, settler, obs)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-rootCtx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	slog.Info("agent gateway listening",
		"listen", cfg.ListenAddr,
		"signer", signer.Address(),
		"providers", len(providers),
	)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func setupLogging() {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

// applyEnvOverrides lets secrets come from the environment (or a .env file)
// instead of the config file.
func applyEnvOverrides(cfg *server.ServerConfig) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("ADMIN_TOKEN"); v != "" {
		cfg.Security.AdminToken = v
	}
	if v := os.Getenv("PAYMENT_SIGNING_KEY"); v != "" {
		cfg.Payments.SigningKey = v
	}
	if v := os.Getenv("SETTLEMENT_ADDRESS"); v != "" {
		cfg.Payments.SettlementAddress = v
	}
	for i, up := range cfg.Upstreams {
		envKey := strings.ToUpper(strings.ReplaceAll(up.Name, "-", "_")) + "_API_KEY"
		if v := os.Getenv(envKey); v != "" {
			cfg.Upstreams[i].APIKey = v
		}
	}
}

// buildStore selects Postgres when a DSN is configured, otherwise the
// in-memory store with an optional snapshot file.
func buildStore(ctx context.Context, cfg server.ServerConfig) (server.Store, func(), error) {
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		store, err := server.NewMemoryStore(cfg.SnapshotPath)
		if err != nil {
			return nil, func() {}, err
		}
		slog.Info("using in-memory store", "snapshot", cfg.SnapshotPath)
		return store, func() {}, nil
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.DSN)
	if err != nil {
		return nil, func() {}, fmt.Errorf("parse database DSN: %w", err)
	}
	if cfg.Database.MaxConns > 0 {
		poolCfg.MaxConns = cfg.Database.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, func() {}, fmt.Errorf("connect database: %w", err)
	}
	if err := server.RunMigrations(ctx, pool, cfg.Database.MigrationsPath); err != nil {
		pool.Close()
		return nil, func() {}, fmt.Errorf("run migrations: %w", err)
	}
	return server.NewPgStore(pool), pool.Close, nil
}

func buildProviders(cfg server.ServerConfig) map[string]provider.Provider {
	providers := map[string]provider.Provider{}
	for _, up := range cfg.Upstreams {
		name := strings.ToLower(strings.TrimSpace(up.Name))
		if name == "" || strings.TrimSpace(up.BaseURL) == "" {
			continue
		}
		providers[name] = openaicompat.New(name, up.BaseURL)
	}
	return providers
}

func splitPermissions(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
