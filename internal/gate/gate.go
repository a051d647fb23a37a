// Package gate composes the rate limiter, identity resolver, and usage actors
// into a single admission decision per request.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/gatemeter/gatemeter/internal/identity"
	"github.com/gatemeter/gatemeter/internal/metrics"
	"github.com/gatemeter/gatemeter/internal/observability"
	"github.com/gatemeter/gatemeter/internal/ratelimit"
	"github.com/gatemeter/gatemeter/internal/store"
	"github.com/gatemeter/gatemeter/internal/usage"
	gateerrors "github.com/gatemeter/gatemeter/pkg/errors"
)

// Outcome classifies an admission decision.
type Outcome string

const (
	OutcomeAllowedFast         Outcome = "allowed_fast"
	OutcomeAllowedMetered      Outcome = "allowed_metered"
	OutcomeAllowedGrace        Outcome = "allowed_grace"
	OutcomeRateLimited         Outcome = "rate_limited"
	OutcomeInsufficientCredits Outcome = "insufficient_credits"
	OutcomeIdentityNotFound    Outcome = "identity_not_found"
	OutcomeLedgerUnavailable   Outcome = "ledger_unavailable"
	OutcomeError               Outcome = "error"
)

// Request carries what the gate needs to decide admission.
type Request struct {
	// ClientKey is the rate-limit key, typically the client IP.
	ClientKey string
	// Credential is the opaque credential presented by the caller. Only
	// needed once the request leaves the rate-limited fast path.
	Credential string
	// Cost is the metered cost of the request (default 1).
	Cost float64
}

// Decision is the gate's verdict for one request.
type Decision struct {
	ID        string            `json:"id"`
	Allowed   bool              `json:"allowed"`
	Outcome   Outcome           `json:"outcome"`
	Message   string            `json:"message,omitempty"`
	RateLimit ratelimit.Result  `json:"-"`
	Identity  identity.Identity `json:"identity,omitzero"`
}

// Config holds gate policy knobs.
type Config struct {
	// GraceAllowances is how many requests per resource and grace window may
	// be admitted while the ledger is unavailable. Zero means hard deny.
	GraceAllowances int64
	// GraceWindow bounds the grace counter (default: 1 minute).
	GraceWindow time.Duration
	// DefaultCost is charged when a request carries no explicit cost.
	DefaultCost float64

	Logger *slog.Logger
}

// Gate is the admission façade.
type Gate struct {
	limiter  *ratelimit.Limiter
	backstop *ratelimit.LocalLimiter
	resolver *identity.Resolver
	usage    *usage.Registry
	store    store.Store
	cfg      Config
}

// New creates a gate. The backstop limiter may be nil; it is only consulted
// while the windowed limiter is failing open on store errors.
func New(limiter *ratelimit.Limiter, backstop *ratelimit.LocalLimiter, resolver *identity.Resolver, reg *usage.Registry, st store.Store, cfg Config) *Gate {
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = time.Minute
	}
	if cfg.DefaultCost <= 0 {
		cfg.DefaultCost = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Gate{
		limiter:  limiter,
		backstop: backstop,
		resolver: resolver,
		usage:    reg,
		store:    st,
		cfg:      cfg,
	}
}

// Admit decides whether a request may proceed.
//
// Requests under the rate-limit threshold are admitted on the fast path
// without identity resolution or metering. At or above the threshold, the
// client's identity is resolved and the resource's usage actor charges the
// request cost; the actor's verdict is final.
func (g *Gate) Admit(ctx context.Context, req Request) Decision {
	d := Decision{ID: uuid.NewString()}

	cost := req.Cost
	if cost <= 0 {
		cost = g.cfg.DefaultCost
	}

	res := g.limiter.Check(ctx, req.ClientKey)
	d.RateLimit = res

	// The store failing open must not become an unbounded burst allowance;
	// shed abusive clients with the in-process backstop while it lasts.
	if res.FailedOpen && g.backstop != nil && !g.backstop.Allow(req.ClientKey) {
		g.count(ctx, req.ClientKey)
		return g.finish(d, false, OutcomeRateLimited, "rate limit exceeded")
	}

	if res.Allowed {
		g.count(ctx, req.ClientKey)
		return g.finish(d, true, OutcomeAllowedFast, "")
	}

	// Over the window threshold: admission is now a metering decision.
	id, err := g.resolver.Resolve(ctx, req.Credential)
	if err != nil {
		g.count(ctx, req.ClientKey)
		if gateerrors.IsType(err, gateerrors.TypeIdentityNotFound) {
			return g.finish(d, false, OutcomeIdentityNotFound, "unknown credential")
		}
		g.cfg.Logger.Error("identity resolution failed",
			"credential", observability.RedactCredential(req.Credential),
			"error", err,
		)
		return g.finish(d, false, OutcomeError, "identity resolution failed")
	}
	d.Identity = id

	err = g.usage.Actor(id.OrgID).Consume(ctx, cost)
	g.count(ctx, req.ClientKey)

	switch {
	case err == nil:
		return g.finish(d, true, OutcomeAllowedMetered, "")
	case gateerrors.IsType(err, gateerrors.TypeInsufficientCredits):
		return g.finish(d, false, OutcomeInsufficientCredits, "insufficient credits")
	case gateerrors.IsType(err, gateerrors.TypeLedgerUnavailable):
		if g.graceAllow(ctx, id.OrgID) {
			return g.finish(d, true, OutcomeAllowedGrace, "ledger unavailable, grace admission")
		}
		return g.finish(d, false, OutcomeLedgerUnavailable, "billing ledger unavailable")
	default:
		g.cfg.Logger.Error("usage metering failed", "org", id.OrgID, "error", err)
		return g.finish(d, false, OutcomeError, "usage metering failed")
	}
}

// graceAllow admits a bounded number of requests per resource while the
// ledger is down. The counter lives in the shared store so the bound holds
// across gateway instances.
func (g *Gate) graceAllow(ctx context.Context, orgID string) bool {
	if g.cfg.GraceAllowances <= 0 {
		return false
	}

	c, err := g.store.Increment(ctx, "grace:"+orgID, g.cfg.GraceWindow)
	if err != nil {
		// No working store, no grace. Unmetered consumption must stay shut.
		return false
	}
	return c.Count <= g.cfg.GraceAllowances
}

// count records the request against the rate-limit window. Every decided
// request counts, admitted or rejected.
func (g *Gate) count(ctx context.Context, clientKey string) {
	if _, err := g.limiter.Increment(ctx, clientKey); err != nil {
		g.cfg.Logger.Warn("rate limit increment failed", "key", clientKey, "error", err)
	}
}

func (g *Gate) finish(d Decision, allowed bool, outcome Outcome, message string) Decision {
	d.Allowed = allowed
	d.Outcome = outcome
	d.Message = message
	metrics.AdmissionDecisions.WithLabelValues(string(outcome)).Inc()
	return d
}

// String implements fmt.Stringer for logging.
func (d Decision) String() string {
	return fmt.Sprintf("decision %s: allowed=%t outcome=%s", d.ID, d.Allowed, d.Outcome)
}
