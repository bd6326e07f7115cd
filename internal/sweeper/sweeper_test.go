package sweeper

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

type stubEvictor struct {
	mu    sync.Mutex
	calls int
}

func (s *stubEvictor) EvictInactive(context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return 1
}

func (s *stubEvictor) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunSweepsOnEveryTick(t *testing.T) {
	clk := clock.NewMock()
	ev := &stubEvictor{}
	s := New(ev, clk, 10*time.Second, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	// give the run loop a moment to install its ticker before advancing
	time.Sleep(10 * time.Millisecond)
	clk.Add(30 * time.Second)

	deadline := time.After(2 * time.Second)
	for ev.callCount() < 1 {
		select {
		case <-deadline:
			t.Fatal("sweeper never invoked the evictor")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop on context cancellation")
	}
}

func TestRunStopsCleanlyBeforeFirstTick(t *testing.T) {
	clk := clock.NewMock()
	s := New(&stubEvictor{}, clk, time.Hour, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop on context cancellation")
	}
}
