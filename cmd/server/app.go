package main

import (
	"log/slog"

	"github.com/gatemeter/gatemeter/internal/config"
	"github.com/gatemeter/gatemeter/internal/gate"
	"github.com/gatemeter/gatemeter/internal/identity"
	"github.com/gatemeter/gatemeter/internal/ledger"
	"github.com/gatemeter/gatemeter/internal/ratelimit"
	"github.com/gatemeter/gatemeter/internal/store"
	"github.com/gatemeter/gatemeter/internal/usage"
)

// app bundles the policy objects rebuilt on config reload. Connection-bearing
// dependencies (store, directory, ledger client) live outside and are reused.
type app struct {
	limiter  *ratelimit.Limiter
	backstop *ratelimit.LocalLimiter
	resolver *identity.Resolver
	registry *usage.Registry
	gate     *gate.Gate
	cfg      *config.Config
}

func buildApp(cfg *config.Config, st store.Store, dir identity.Directory, lc ledger.Client, logger *slog.Logger) *app {
	limiter := ratelimit.New(ratelimit.Options{
		Window:                 cfg.RateLimit.Window,
		Max:                    cfg.RateLimit.Max,
		KeyGenerator:           ratelimit.ClientIPKeyGenerator(cfg.RateLimit.TrustedProxyCIDRs),
		SkipSuccessfulRequests: cfg.RateLimit.SkipSuccessfulRequests,
		SkipFailedRequests:     cfg.RateLimit.SkipFailedRequests,
		StandardHeaders:        cfg.RateLimit.StandardHeaders,
		LegacyHeaders:          cfg.RateLimit.LegacyHeaders,
		Store:                  st,
		Logger:                 logger,
	})

	backstop := ratelimit.NewLocalLimiter(ratelimit.LocalLimiterConfig{
		RPM:   cfg.RateLimit.BackstopRPM,
		Burst: cfg.RateLimit.BackstopBurst,
	})

	resolver := identity.NewResolver(dir, st, identity.Config{
		Freshness:            cfg.Identity.Freshness,
		StaleWhileRevalidate: cfg.Identity.StaleWhileRevalidate,
		Logger:               logger,
	})

	registry := usage.NewRegistry(st, lc, usage.Config{
		CostThreshold:  cfg.Usage.CostThreshold,
		VerifyInterval: cfg.Usage.VerifyInterval,
		LedgerTimeout:  cfg.Usage.LedgerTimeout,
		Logger:         logger,
	})

	g := gate.New(limiter, backstop, resolver, registry, st, gate.Config{
		GraceAllowances: cfg.Gate.GraceAllowances,
		GraceWindow:     cfg.Gate.GraceWindow,
		DefaultCost:     cfg.Gate.DefaultCost,
		Logger:          logger,
	})

	return &app{
		limiter:  limiter,
		backstop: backstop,
		resolver: resolver,
		registry: registry,
		gate:     g,
		cfg:      cfg,
	}
}

func (a *app) close() {
	a.backstop.Close()
}
