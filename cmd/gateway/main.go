// Command gateway runs the XiaoXin API gateway: it authenticates API
// consumers, enforces rate limits and quotas, and reverse-proxies approved
// requests to the configured upstreams.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/xiaoxin-api/gateway/pkg/authcfg"
	"github.com/xiaoxin-api/gateway/pkg/circuit"
	"github.com/xiaoxin-api/gateway/pkg/config"
	"github.com/xiaoxin-api/gateway/pkg/gateway"
	"github.com/xiaoxin-api/gateway/pkg/observability"
	"github.com/xiaoxin-api/gateway/pkg/proxy"
	"github.com/xiaoxin-api/gateway/pkg/registry"
	"github.com/xiaoxin-api/gateway/pkg/store"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("gateway exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	setupLogging(cfg.Server.LogLevel)
	logger := slog.Default().With("component", "main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "xiaoxin-api-gateway",
		ServiceVersion: "1.0.0",
		OTLPEndpoint:   cfg.Observability.OTLPEndpoint,
		SampleRate:     cfg.Observability.SampleRate,
		Enabled:        cfg.Observability.Enabled,
		Insecure:       cfg.Observability.Insecure,
	})
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	masterKey, err := cfg.MasterKey()
	if err != nil {
		return err
	}
	var dec *authcfg.Decryptor
	if len(masterKey) > 0 {
		dec, err = authcfg.NewDecryptor(masterKey)
		if err != nil {
			return fmt.Errorf("init decryptor: %w", err)
		}
	}

	sharedStore, closeStore, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	reg, closeRegistry, err := buildRegistry(ctx, cfg, dec, logger)
	if err != nil {
		return err
	}
	defer closeRegistry()

	breaker := circuit.New(sharedStore, circuit.Config{
		Enabled:          *cfg.CircuitBreaker.Enabled,
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		Window:           time.Duration(cfg.CircuitBreaker.WindowMinutes) * time.Minute,
		OpenTimeout:      time.Duration(cfg.CircuitBreaker.OpenTimeoutMinutes) * time.Minute,
		KeyExpire:        time.Duration(cfg.CircuitBreaker.RedisKeyExpireMinutes) * time.Minute,
		ProbeTTL:         30 * time.Second,
		KeyPrefix:        "xiaoxin:circuit",
	})

	invoker := proxy.NewInvoker(
		time.Duration(cfg.Proxy.DefaultTimeoutMs)*time.Millisecond,
		proxy.WithDecryptor(dec),
		proxy.WithUpstreamRPS(cfg.Proxy.MaxUpstreamRPS),
	)

	handler := gateway.NewHandler(obs, buildFilters(cfg, reg, sharedStore, breaker, invoker, obs)...)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.Handle("/", handler)

	server := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.Server.Listen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

// buildStore selects the shared coordination store: Redis when configured,
// otherwise the in-memory store (single-node mode).
func buildStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, func(), error) {
	if cfg.Redis.Addr == "" {
		logger.Warn("no redis configured, using in-memory coordination store")
		return store.NewMemoryStore(), func() {}, nil
	}

	rs := store.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rs.Ping(pingCtx); err != nil {
		return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
	}
	logger.Info("connected to redis", "addr", cfg.Redis.Addr)
	return rs, func() { _ = rs.Close() }, nil
}

// buildRegistry selects the durable backend: Postgres when a database URL is
// set, otherwise the platform backend's HTTP API, otherwise an empty
// in-memory registry (dev only).
func buildRegistry(ctx context.Context, cfg *config.Config, dec *authcfg.Decryptor, logger *slog.Logger) (registry.Service, func(), error) {
	switch {
	case cfg.Registry.DatabaseURL != "":
		db, err := sql.Open("postgres", cfg.Registry.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open database: %w", err)
		}
		pg := registry.NewPostgres(db, dec)
		initCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := pg.Init(initCtx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("init registry schema: %w", err)
		}
		logger.Info("using postgres registry")
		return pg, func() { _ = db.Close() }, nil
	case cfg.Registry.BackendURL != "":
		opts := []registry.ClientOption{registry.WithDecryptor(dec)}
		if cfg.Registry.Token != "" {
			opts = append(opts, registry.WithToken(cfg.Registry.Token))
		}
		logger.Info("using platform backend registry", "url", cfg.Registry.BackendURL)
		return registry.NewClient(cfg.Registry.BackendURL, opts...), func() {}, nil
	default:
		logger.Warn("no registry backend configured, using empty in-memory registry")
		return registry.NewMemory(), func() {}, nil
	}
}

// buildFilters assembles the chain in the declared order, honoring the
// per-filter toggles. Logging and the proxy stage are structural.
func buildFilters(
	cfg *config.Config,
	reg registry.Service,
	st store.Store,
	breaker *circuit.Breaker,
	invoker *proxy.Invoker,
	obs *observability.Provider,
) []gateway.Filter {
	filters := []gateway.Filter{
		gateway.NewLoggingFilter(cfg.Proxy.EnableRequestLogging),
	}
	if *cfg.Filters.IPGuard {
		filters = append(filters, gateway.NewIPGuardFilter(cfg.Security.IPWhitelist))
	}
	if *cfg.Filters.Authentication {
		filters = append(filters, gateway.NewAuthenticationFilter(gateway.AuthnConfig{
			NonceLength:       cfg.Security.NonceLength,
			SignatureTimeout:  time.Duration(cfg.Security.SignatureTimeoutSeconds) * time.Second,
			ValidateTimestamp: *cfg.Security.EnableTimestampValidation,
			ReplayProtection:  *cfg.Security.EnableReplayProtection,
		}, reg, st))
	}
	filters = append(filters, gateway.NewInterfaceFilter(reg))
	if *cfg.Filters.RateLimit && *cfg.RateLimit.Enabled {
		filters = append(filters, gateway.NewRateLimitFilter(gateway.RateLimitConfig{
			Window:       time.Duration(cfg.RateLimit.WindowSeconds) * time.Second,
			DefaultLimit: cfg.RateLimit.DefaultLimit,
			KeyExpire:    time.Duration(cfg.RateLimit.KeyExpireSeconds) * time.Second,
		}, st))
	}
	if *cfg.Filters.Quota {
		filters = append(filters, gateway.NewQuotaFilter(reg))
	}
	filters = append(filters, gateway.NewProxyFilter(invoker, breaker, reg, obs))
	return filters
}
