// Package ratelimit implements per-resource-type admission control as a
// fixed-window counter over the shared coordination store. Usage resets
// entirely at window boundaries; up to 2x the limit can be admitted across
// a boundary in the worst case, which is an accepted characteristic of the
// scheme, not a bug. On store trouble the limiter fails open: availability
// for legitimate users outweighs strict enforcement during outages.
package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/berstock227/demoE5/pkg/metrics"
	"github.com/berstock227/demoE5/pkg/store"
)

// Well-known resource types gated by the lifecycle coordinator.
const (
	ResourceMessage        = "message"
	ResourceRoomOperations = "room_operations"
	ResourceTyping         = "typing"
)

// Policy is the process-wide configuration for one resource type.
// BurstLimit is informational; StrictMode is reserved for stricter
// rejection behavior and is not acted on yet.
type Policy struct {
	Limit      int
	Window     time.Duration
	BurstLimit int
	StrictMode bool
}

// Decision is the outcome of one admission check. Degraded marks a
// fail-open admission taken because the store could not be consulted;
// observability must never conflate it with a genuine under-limit pass.
type Decision struct {
	Allowed   bool
	Degraded  bool
	Limit     int
	Used      int
	Remaining int
	ResetAt   time.Time
}

// Info is the read-only projection returned by GetRateLimitInfo.
type Info struct {
	Limit     int
	Used      int
	Remaining int
	ResetAt   time.Time
	IsAllowed bool
}

// Request names one entry of a batch check.
type Request struct {
	ResourceType string
	Cost         int
}

// counterRecord is the JSON shape stored per (subject, resource type).
// A window is never partially carried over: once the clock passes
// ExpiresAt the whole record is treated as gone.
type counterRecord struct {
	Used        int       `json:"used"`
	WindowStart time.Time `json:"window_start"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type Limiter struct {
	store  store.Store
	clock  clock.Clock
	logger *slog.Logger

	mu       sync.RWMutex
	policies map[string]Policy
	fallback Policy
}

func New(st store.Store, clk clock.Clock, fallback Policy, logger *slog.Logger) *Limiter {
	return &Limiter{
		store:    st,
		clock:    clk,
		fallback: fallback,
		policies: make(map[string]Policy),
		logger:   logger.With(slog.String("component", "rate_limiter")),
	}
}

// SetLimit replaces the policy for a resource type, effective for every
// subsequent check. Live counters keep their own window and expiry.
func (l *Limiter) SetLimit(resourceType string, p Policy) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.policies[resourceType] = p
	l.logger.Info("Rate limit policy set",
		slog.String("resource", resourceType),
		slog.Int("limit", p.Limit),
		slog.Duration("window", p.Window),
	)
}

func (l *Limiter) policyFor(resourceType string) Policy {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if p, ok := l.policies[resourceType]; ok {
		return p
	}
	return l.fallback
}

func counterKey(resourceType, key string) string {
	return "rate_limit:" + resourceType + ":" + key
}

// CheckLimit admits or rejects cost units against the subject's current
// window. The expiry is fixed at the window's first increment; later
// admissions do not push it out.
func (l *Limiter) CheckLimit(ctx context.Context, key, resourceType string, cost int) Decision {
	if cost <= 0 {
		cost = 1
	}
	pol := l.policyFor(resourceType)
	now := l.clock.Now()
	k := counterKey(resourceType, key)

	rec, err := l.loadCounter(ctx, k)
	if err != nil {
		l.logger.Warn("Rate limit check degraded to fail-open",
			slog.String("resource", resourceType),
			slog.String("key", key),
			slog.Any("error", err),
		)
		metrics.RateLimitDecisions.WithLabelValues(resourceType, metrics.OutcomeDegraded).Inc()
		return Decision{Allowed: true, Degraded: true, Limit: pol.Limit, ResetAt: now.Add(pol.Window)}
	}

	if rec != nil && now.After(rec.ExpiresAt) {
		// Stale window: usage is zero, drop the counter.
		if dErr := l.store.Delete(ctx, k); dErr != nil {
			l.logger.Warn("Failed to delete stale rate counter", slog.Any("error", dErr))
		}
		rec = nil
	}

	used := 0
	windowStart := now
	expiresAt := now.Add(pol.Window)
	if rec != nil {
		used = rec.Used
		windowStart = rec.WindowStart
		expiresAt = rec.ExpiresAt
	}

	if used+cost > pol.Limit {
		remaining := pol.Limit - used
		if remaining < 0 {
			remaining = 0
		}
		metrics.RateLimitDecisions.WithLabelValues(resourceType, metrics.OutcomeRejected).Inc()
		return Decision{Limit: pol.Limit, Used: used, Remaining: remaining, ResetAt: expiresAt}
	}

	next := counterRecord{Used: used + cost, WindowStart: windowStart, ExpiresAt: expiresAt}
	if err := l.storeCounter(ctx, k, next, expiresAt.Sub(now)); err != nil {
		l.logger.Warn("Rate limit increment degraded to fail-open",
			slog.String("resource", resourceType),
			slog.String("key", key),
			slog.Any("error", err),
		)
		metrics.RateLimitDecisions.WithLabelValues(resourceType, metrics.OutcomeDegraded).Inc()
		return Decision{Allowed: true, Degraded: true, Limit: pol.Limit, Used: used, ResetAt: expiresAt}
	}

	metrics.RateLimitDecisions.WithLabelValues(resourceType, metrics.OutcomeAllowed).Inc()
	return Decision{
		Allowed:   true,
		Limit:     pol.Limit,
		Used:      next.Used,
		Remaining: pol.Limit - next.Used,
		ResetAt:   expiresAt,
	}
}

// GetRateLimitInfo projects the subject's current usage without mutating
// it; a stale counter is reported as zero usage but left in place.
func (l *Limiter) GetRateLimitInfo(ctx context.Context, key, resourceType string) Info {
	pol := l.policyFor(resourceType)
	now := l.clock.Now()

	info := Info{Limit: pol.Limit, Remaining: pol.Limit, ResetAt: now.Add(pol.Window), IsAllowed: true}
	rec, err := l.loadCounter(ctx, counterKey(resourceType, key))
	if err != nil || rec == nil {
		return info
	}
	if now.After(rec.ExpiresAt) {
		return info
	}

	info.Used = rec.Used
	info.Remaining = pol.Limit - rec.Used
	if info.Remaining < 0 {
		info.Remaining = 0
	}
	info.ResetAt = rec.ExpiresAt
	info.IsAllowed = rec.Used < pol.Limit
	return info
}

// ResetLimit clears the subject's counter, opening a fresh window on the
// next check.
func (l *Limiter) ResetLimit(ctx context.Context, key, resourceType string) error {
	return l.store.Delete(ctx, counterKey(resourceType, key))
}

// CheckMultipleLimits evaluates all requests concurrently; each subject's
// outcome is independent of the others in the batch.
func (l *Limiter) CheckMultipleLimits(ctx context.Context, reqs map[string]Request) map[string]Decision {
	var mu sync.Mutex
	out := make(map[string]Decision, len(reqs))

	g, gctx := errgroup.WithContext(ctx)
	for key, req := range reqs {
		key, req := key, req
		g.Go(func() error {
			d := l.CheckLimit(gctx, key, req.ResourceType, req.Cost)
			mu.Lock()
			out[key] = d
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (l *Limiter) loadCounter(ctx context.Context, key string) (*counterRecord, error) {
	data, err := l.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec counterRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (l *Limiter) storeCounter(ctx context.Context, key string, rec counterRecord, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return l.store.Set(ctx, key, data, ttl)
}
