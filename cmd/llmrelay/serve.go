package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/llmrelay/llmrelay/config"
	"github.com/llmrelay/llmrelay/internal/proxy"
	"github.com/llmrelay/llmrelay/internal/registry"
	"github.com/llmrelay/llmrelay/internal/telemetry"
	"github.com/llmrelay/llmrelay/internal/transformer"
	"github.com/llmrelay/llmrelay/internal/transformer/anthropic"
	"github.com/llmrelay/llmrelay/internal/transformer/openai"
	"github.com/llmrelay/llmrelay/pkg/ratelimit"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway in the foreground",
	RunE:  runServe,
}

func runServe(_ *cobra.Command, _ []string) error {
	// 1. Load config from the environment, fold in the config document,
	// then let flags win.
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var watcher *config.Watcher
	if flagConfig != "" {
		watcher, err = config.Open(flagConfig)
		if err != nil {
			return err
		}
		d := watcher.Document()
		if d.Server.Host != "" {
			cfg.Host = d.Server.Host
		}
		if d.Server.Port != "" {
			cfg.Port = d.Server.Port
		}
	}
	if flagHost != "" {
		cfg.Host = flagHost
	}
	if flagPort != "" {
		cfg.Port = flagPort
	}
	if flagLog != "" {
		cfg.LogLevel = flagLog
	}
	if flagLogFile != "" {
		cfg.LogFile = flagLogFile
	}

	// 2. Logging.
	closeLogs, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer closeLogs()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Telemetry.
	shutdownTracer, err := telemetry.InitTracer("llmrelay", version, cfg)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer shutdownTracer()

	// 4. Provider storage.
	var store registry.Store
	switch cfg.StorageBackend {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		slog.Info("postgres connected")
		store = registry.NewPostgresStore(pool)
	default:
		store = registry.NewFileStore(cfg.StorageFile)
	}

	// 5. Provider registry.
	providers := registry.New(store)
	if err := providers.Load(ctx); err != nil {
		return fmt.Errorf("load providers: %w", err)
	}

	// 6. Transformers. A duplicate registration is a programming error and
	// refuses startup.
	transformers := transformer.NewRegistry()
	for _, t := range []transformer.Transformer{openai.New(), anthropic.New()} {
		if err := transformers.Register(t); err != nil {
			return fmt.Errorf("register transformer: %w", err)
		}
	}

	// 7. Config document: sync its provider list now, resync on change.
	routes := proxy.RouteTable{}
	if watcher != nil {
		d := watcher.Document()
		routes = proxy.RouteTable{
			Default:              d.Router.Default,
			LongContext:          d.Router.LongContext,
			LongContextThreshold: d.Router.LongContextThreshold,
		}
		syncProviders(ctx, providers, transformers, d.Providers)
		watcher.OnChange(func(d config.Document) {
			syncProviders(context.Background(), providers, transformers, d.Providers)
		})
		watcher.Watch()
	}

	// 8. Rate limiter, when Redis is configured.
	var limiter *ratelimit.Limiter
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		slog.Info("rate limiting enabled", "tpm", cfg.RateLimitTPM)
		limiter = ratelimit.NewLimiter(rdb, cfg.RateLimitTPM)
	}

	// 9. Engine and HTTP surface.
	engine := proxy.NewEngine(providers, transformers, proxy.Options{
		Timeout: cfg.UpstreamTimeout,
		Routes:  routes,
	})
	tracer := otel.GetTracerProvider().Tracer("llmrelay")
	handler := proxy.NewHandler(engine, transformers, limiter, tracer)
	admin := proxy.NewAdmin(providers, transformers)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", handleHealthz)
	r.Mount("/v1", handler.Routes())
	r.Mount("/providers", admin.Routes())

	// 10. Pid file, so start/stop/status can find this process.
	if err := writePIDFile(); err != nil {
		slog.Warn("could not write pid file", "error", err)
	}
	defer removePIDFile()

	// 11. Serve until a signal arrives.
	srv := &http.Server{
		Addr:        cfg.Addr(),
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: streaming responses hold the connection open
		// far beyond any fixed budget.
		IdleTimeout: 120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("llmrelay listening", "addr", cfg.Addr(), "formats", transformers.Names())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("server stopped")
	return nil
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok","service":"llmrelay"}`))
}

// setupLogging installs the process-wide slog default: JSON to the log file
// when one is configured, text to stderr otherwise.
func setupLogging(cfg *config.Config) (func(), error) {
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.LogFile == "" {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
		return func() {}, nil
	}
	f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(f, opts)))
	return func() { _ = f.Close() }, nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", chimiddleware.GetReqID(r.Context()),
		)
	})
}

// syncProviders upserts the declarative provider list into the registry,
// keyed by name. Entries that disappeared from the file are left alone;
// deletion stays an explicit admin action.
func syncProviders(ctx context.Context, reg *registry.Registry, transformers *transformer.Registry, docs []config.ProviderDoc) {
	for _, d := range docs {
		if d.Name == "" {
			slog.Warn("skipping config provider without a name")
			continue
		}
		if d.Format != "" {
			if _, ok := transformers.Get(d.Format); !ok {
				slog.Warn("skipping config provider with unknown format",
					"name", d.Name, "format", d.Format)
				continue
			}
		}

		existing, err := reg.FindByName(d.Name)
		if errors.Is(err, registry.ErrNotFound) {
			p := &registry.Provider{
				Name:           d.Name,
				BaseURL:        d.BaseURL,
				APIKey:         d.APIKey,
				Models:         d.Models,
				Format:         d.Format,
				MaxTokensLimit: d.MaxTokensLimit,
				Enabled:        d.Enabled == nil || *d.Enabled,
			}
			if _, err := reg.Create(ctx, p); err != nil {
				slog.Warn("config provider rejected", "name", d.Name, "error", err)
				continue
			}
			slog.Info("provider added from config", "name", d.Name)
			continue
		}

		patch := registry.Update{
			BaseURL:        &d.BaseURL,
			APIKey:         &d.APIKey,
			Models:         &d.Models,
			Format:         &d.Format,
			MaxTokensLimit: &d.MaxTokensLimit,
			Enabled:        d.Enabled,
		}
		if _, err := reg.Update(ctx, existing.ID, patch); err != nil {
			slog.Warn("config provider rejected", "name", d.Name, "error", err)
			continue
		}
		slog.Debug("provider updated from config", "name", d.Name)
	}
}
