// Package sweeper periodically evicts connections whose last activity is
// older than the configured threshold, treating them as crashed or
// abandoned. The sweep is an explicit task owned by process lifecycle
// management; it is started and cancelled alongside the rest of the
// service graph, never fired from a constructor.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
)

// Evictor performs one sweep pass and reports how many connections it
// evicted. The lifecycle coordinator implements it, so each eviction runs
// the full disconnect path rather than a bare registry removal.
type Evictor interface {
	EvictInactive(ctx context.Context) int
}

type Sweeper struct {
	evictor  Evictor
	clock    clock.Clock
	interval time.Duration
	logger   *slog.Logger
}

func New(ev Evictor, clk clock.Clock, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		evictor:  ev,
		clock:    clk,
		interval: interval,
		logger:   logger.With(slog.String("component", "cleanup_sweeper")),
	}
}

// Run blocks until ctx is cancelled. Each eviction is independently
// atomic per connection, so cancellation mid-sweep leaves no partial
// mutations.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Sweeper started", slog.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Sweeper stopped")
			return
		case <-ticker.C:
			if n := s.evictor.EvictInactive(ctx); n > 0 {
				s.logger.Info("Sweep evicted inactive connections", slog.Int("count", n))
			}
		}
	}
}
