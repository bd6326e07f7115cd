package ratelimit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berstock227/demoE5/pkg/store/memstore"
)

func newTestLimiter(t *testing.T) (*Limiter, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	st := memstore.New(clk)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	lim := New(st, clk, Policy{Limit: 100, Window: time.Minute}, logger)
	lim.SetLimit(ResourceMessage, Policy{Limit: 3, Window: time.Minute})
	return lim, clk
}

func TestCheckLimitAdmitsUpToLimit(t *testing.T) {
	lim, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		d := lim.CheckLimit(ctx, "u1", ResourceMessage, 1)
		require.True(t, d.Allowed, "check %d should be admitted", i)
		assert.Equal(t, i, d.Used)
		assert.Equal(t, 3-i, d.Remaining)
		assert.False(t, d.Degraded)
	}

	d := lim.CheckLimit(ctx, "u1", ResourceMessage, 1)
	assert.False(t, d.Allowed)
	assert.Equal(t, 3, d.Used)
	assert.Equal(t, 0, d.Remaining)
}

func TestWindowResetsEntirely(t *testing.T) {
	lim, clk := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		lim.CheckLimit(ctx, "u1", ResourceMessage, 1)
	}
	require.False(t, lim.CheckLimit(ctx, "u1", ResourceMessage, 1).Allowed)

	clk.Add(time.Minute + time.Second)

	d := lim.CheckLimit(ctx, "u1", ResourceMessage, 1)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Used, "usage must reset entirely, not carry over")
}

func TestExpiryFixedAtFirstIncrement(t *testing.T) {
	lim, clk := newTestLimiter(t)
	ctx := context.Background()

	first := lim.CheckLimit(ctx, "u1", ResourceMessage, 1)
	clk.Add(30 * time.Second)
	second := lim.CheckLimit(ctx, "u1", ResourceMessage, 1)

	assert.True(t, second.ResetAt.Equal(first.ResetAt),
		"later admissions must not push the window out")
}

func TestCostLargerThanLimitRejected(t *testing.T) {
	lim, _ := newTestLimiter(t)

	d := lim.CheckLimit(context.Background(), "u1", ResourceMessage, 4)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Used, "rejected cost must not consume the window")
}

func TestGetRateLimitInfoDoesNotMutate(t *testing.T) {
	lim, _ := newTestLimiter(t)
	ctx := context.Background()

	lim.CheckLimit(ctx, "u1", ResourceMessage, 1)
	lim.CheckLimit(ctx, "u1", ResourceMessage, 1)

	for i := 0; i < 5; i++ {
		info := lim.GetRateLimitInfo(ctx, "u1", ResourceMessage)
		assert.Equal(t, 2, info.Used)
		assert.Equal(t, 1, info.Remaining)
		assert.True(t, info.IsAllowed)
	}

	d := lim.CheckLimit(ctx, "u1", ResourceMessage, 1)
	assert.True(t, d.Allowed)
	assert.Equal(t, 3, d.Used)
}

func TestUnknownResourceUsesFallback(t *testing.T) {
	lim, _ := newTestLimiter(t)

	d := lim.CheckLimit(context.Background(), "u1", "unconfigured", 1)
	assert.True(t, d.Allowed)
	assert.Equal(t, 100, d.Limit)
}

func TestSetLimitTakesEffectImmediately(t *testing.T) {
	lim, _ := newTestLimiter(t)
	ctx := context.Background()

	lim.SetLimit(ResourceMessage, Policy{Limit: 1, Window: time.Minute})
	require.True(t, lim.CheckLimit(ctx, "u2", ResourceMessage, 1).Allowed)
	assert.False(t, lim.CheckLimit(ctx, "u2", ResourceMessage, 1).Allowed)
}

func TestResetLimitOpensFreshWindow(t *testing.T) {
	lim, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		lim.CheckLimit(ctx, "u1", ResourceMessage, 1)
	}
	require.False(t, lim.CheckLimit(ctx, "u1", ResourceMessage, 1).Allowed)

	require.NoError(t, lim.ResetLimit(ctx, "u1", ResourceMessage))
	d := lim.CheckLimit(ctx, "u1", ResourceMessage, 1)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Used)
}

func TestCheckMultipleLimitsIndependentSubjects(t *testing.T) {
	lim, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		lim.CheckLimit(ctx, "exhausted", ResourceMessage, 1)
	}

	out := lim.CheckMultipleLimits(ctx, map[string]Request{
		"exhausted": {ResourceType: ResourceMessage, Cost: 1},
		"fresh":     {ResourceType: ResourceMessage, Cost: 1},
	})
	require.Len(t, out, 2)
	assert.False(t, out["exhausted"].Allowed)
	assert.True(t, out["fresh"].Allowed)
}

// brokenStore fails every read so the limiter's fail-open path triggers.
type brokenStore struct {
	*memstore.Store
}

func (b brokenStore) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("store unreachable")
}

func TestFailsOpenOnStoreError(t *testing.T) {
	clk := clock.NewMock()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	lim := New(brokenStore{memstore.New(clk)}, clk, Policy{Limit: 3, Window: time.Minute}, logger)

	d := lim.CheckLimit(context.Background(), "u1", ResourceMessage, 1)
	assert.True(t, d.Allowed, "store failure must not block legitimate traffic")
	assert.True(t, d.Degraded, "fail-open admission must be marked degraded")
}
