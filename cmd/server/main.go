// Command server runs the admission-control gateway: a fixed-window rate
// limiter, identity resolution, and per-resource usage metering composed into
// a single admission endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gatemeter/gatemeter/internal/config"
	"github.com/gatemeter/gatemeter/internal/observability"
	"github.com/gatemeter/gatemeter/internal/store"
)

func timeNow() time.Time { return time.Now() }

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manager, err := config.NewManager(configPath, slog.Default())
	if err != nil {
		return err
	}
	cfg := manager.Get()

	logger := observability.NewLogger(observability.LoggerConfig{
		Level:      observability.ParseLevel(cfg.Logging.Level),
		JSONFormat: cfg.Logging.Format == "json",
	})
	slog.SetDefault(logger)

	st, err := buildStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	dir := newHTTPDirectory(cfg.Identity.DirectoryURL)
	lc := newHTTPLedger(cfg.Ledger.BaseURL, cfg.Ledger.APIKey)

	srv := &server{store: st, logger: logger}
	srv.app.Store(buildApp(cfg, st, dir, lc, logger))

	// Policy objects are rebuilt on reload; the store and the external
	// clients are reused so connections survive config changes.
	manager.OnChange(func(next *config.Config) {
		old := srv.app.Swap(buildApp(next, st, dir, lc, logger))
		old.close()
	})
	if err := manager.Watch(ctx); err != nil {
		logger.Warn("config watch disabled", "error", err)
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv.routes(cfg.Metrics.Enabled, cfg.Metrics.Path),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", httpServer.Addr, "store", cfg.Store.Type)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func buildStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Type {
	case "redis":
		return store.NewRedisStore(cfg.Store.Redis)
	default:
		return store.NewMemoryStore(store.MemoryStoreConfig{}), nil
	}
}
