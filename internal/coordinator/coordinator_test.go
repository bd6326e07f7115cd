package coordinator

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berstock227/demoE5/pkg/auth"
	"github.com/berstock227/demoE5/pkg/event"
	"github.com/berstock227/demoE5/pkg/presence"
	"github.com/berstock227/demoE5/pkg/ratelimit"
	"github.com/berstock227/demoE5/pkg/registry"
	"github.com/berstock227/demoE5/pkg/store/memstore"
)

type stubVerifier struct {
	idents map[string]auth.Identity
}

func (v stubVerifier) Resolve(_ context.Context, token string) (auth.Identity, error) {
	ident, ok := v.idents[token]
	if !ok {
		return auth.Identity{}, auth.ErrInvalidCredentials
	}
	return ident, nil
}

// capture collects envelopes published on one channel; memstore delivers
// synchronously so assertions need no waiting.
type capture struct {
	mu   sync.Mutex
	envs []*event.Envelope
}

func (c *capture) handler(_ string, payload []byte) {
	env, err := event.Decode(payload)
	if err != nil {
		return
	}
	c.mu.Lock()
	c.envs = append(c.envs, env)
	c.mu.Unlock()
}

func (c *capture) kinds() []event.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]event.Kind, 0, len(c.envs))
	for _, env := range c.envs {
		out = append(out, env.Kind)
	}
	return out
}

type fixture struct {
	clk      *clock.Mock
	st       *memstore.Store
	reg      *registry.Registry
	lim      *ratelimit.Limiter
	messages *MemoryMessageStore
	coord    *Coordinator
}

func newFixture(t *testing.T, idents map[string]auth.Identity) *fixture {
	t.Helper()
	clk := clock.NewMock()
	st := memstore.New(clk)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg := registry.New("node-1", st, clk, registry.Config{
		PersistTTL:          time.Hour,
		InactivityThreshold: 5 * time.Minute,
	}, logger)
	pres := presence.NewTracker(st, reg, clk, 2*time.Minute, logger)
	lim := ratelimit.New(st, clk, ratelimit.Policy{Limit: 100, Window: time.Minute}, logger)
	messages := NewMemoryMessageStore()

	coord := New(Config{NodeID: "node-1", AutoJoinLimit: 2},
		reg, pres, lim, messages, stubVerifier{idents: idents}, clk, logger)
	return &fixture{clk: clk, st: st, reg: reg, lim: lim, messages: messages, coord: coord}
}

func (f *fixture) captureChannel(t *testing.T, channel string) *capture {
	t.Helper()
	c := &capture{}
	_, err := f.st.Subscribe(channel, c.handler)
	require.NoError(t, err)
	return c
}

func TestConnectRegistersAndAutoJoins(t *testing.T) {
	f := newFixture(t, map[string]auth.Identity{
		"tok": {UserID: "u1", TenantID: "t1", Rooms: []string{"r1", "r2", "r3"}},
	})
	ctx := context.Background()

	ident, err := f.coord.Connect(ctx, "c1", "tok")
	require.NoError(t, err)
	assert.Equal(t, "u1", ident.UserID)

	conn, ok := f.reg.GetConnection(ctx, "c1")
	require.True(t, ok)
	assert.Equal(t, "t1", conn.TenantID)

	rooms := f.reg.GetConnectionRooms(ctx, "c1")
	assert.Len(t, rooms, 2, "auto-join must stop at the configured cap")
}

func TestConnectBadCredential(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.coord.Connect(ctx, "c1", "bad")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
	_, ok := f.reg.GetConnection(ctx, "c1")
	assert.False(t, ok, "failed admission must not leave a registered connection")
}

func TestDisconnectCleansUpEverything(t *testing.T) {
	f := newFixture(t, map[string]auth.Identity{
		"tok": {UserID: "u1", TenantID: "t1", Rooms: []string{"r1"}},
	})
	ctx := context.Background()

	_, err := f.coord.Connect(ctx, "c1", "tok")
	require.NoError(t, err)
	require.NoError(t, f.coord.Typing(ctx, "c1", "r1", true))

	room := f.captureChannel(t, registry.RoomChannel("t1", "r1"))
	f.coord.Disconnect(ctx, "c1")

	_, ok := f.reg.GetConnection(ctx, "c1")
	assert.False(t, ok)
	assert.Empty(t, f.reg.GetRoomConnections(ctx, "t1", "r1"))

	kinds := room.kinds()
	assert.Contains(t, kinds, event.KindTyping, "active typing indicator must be cleared on disconnect")
	assert.Contains(t, kinds, event.KindMemberLeft)
}

func TestDisconnectUnknownConnectionIsNoOp(t *testing.T) {
	f := newFixture(t, nil)
	assert.False(t, f.coord.Disconnect(context.Background(), "ghost"))
}

// countingInterest tallies interest acquisitions and releases so tests
// can assert they balance over a connection's lifetime.
type countingInterest struct {
	mu          sync.Mutex
	joins       map[string]int
	lefts       map[string]int
	connects    int
	disconnects int
}

func newCountingInterest() *countingInterest {
	return &countingInterest{joins: make(map[string]int), lefts: make(map[string]int)}
}

func (ci *countingInterest) Connected(string, string) {
	ci.mu.Lock()
	ci.connects++
	ci.mu.Unlock()
}

func (ci *countingInterest) Disconnected(string, string) {
	ci.mu.Lock()
	ci.disconnects++
	ci.mu.Unlock()
}

func (ci *countingInterest) JoinedRoom(_, roomID string) {
	ci.mu.Lock()
	ci.joins[roomID]++
	ci.mu.Unlock()
}

func (ci *countingInterest) LeftRoom(_, roomID string) {
	ci.mu.Lock()
	ci.lefts[roomID]++
	ci.mu.Unlock()
}

func TestRejoinDoesNotDoubleAcquireInterest(t *testing.T) {
	f := newFixture(t, map[string]auth.Identity{
		"tok": {UserID: "u1", TenantID: "t1", Rooms: []string{"r1"}},
	})
	ci := newCountingInterest()
	f.coord.SetInterest(ci)
	ctx := context.Background()

	_, err := f.coord.Connect(ctx, "c1", "tok")
	require.NoError(t, err)
	// already a member through auto-join; the re-join must be a no-op
	require.NoError(t, f.coord.JoinRoom(ctx, "c1", "r1"))
	require.NoError(t, f.coord.JoinRoom(ctx, "c1", "r1"))

	assert.Equal(t, 1, ci.joins["r1"], "re-joining must not acquire interest again")

	f.coord.Disconnect(ctx, "c1")
	assert.Equal(t, ci.joins["r1"], ci.lefts["r1"], "room interest must balance after disconnect")
	assert.Equal(t, ci.connects, ci.disconnects)
}

func TestEvictInactiveRunsFullDisconnect(t *testing.T) {
	f := newFixture(t, map[string]auth.Identity{
		"tok": {UserID: "u1", TenantID: "t1", Rooms: []string{"r1"}},
	})
	ci := newCountingInterest()
	f.coord.SetInterest(ci)
	ctx := context.Background()

	_, err := f.coord.Connect(ctx, "c1", "tok")
	require.NoError(t, err)

	room := f.captureChannel(t, registry.RoomChannel("t1", "r1"))
	f.clk.Add(6 * time.Minute)

	require.Equal(t, 1, f.coord.EvictInactive(ctx))

	_, ok := f.reg.GetConnection(ctx, "c1")
	assert.False(t, ok)
	assert.Empty(t, f.reg.GetRoomConnections(ctx, "t1", "r1"))
	assert.Contains(t, room.kinds(), event.KindMemberLeft, "eviction must announce the departure")
	assert.Equal(t, 1, ci.disconnects, "eviction must release connection interest")
	assert.Equal(t, ci.joins["r1"], ci.lefts["r1"], "eviction must release room interest")

	assert.Zero(t, f.coord.EvictInactive(ctx), "second sweep finds nothing")
}

func TestSendMessagePersistsThenBroadcasts(t *testing.T) {
	f := newFixture(t, map[string]auth.Identity{
		"tok": {UserID: "u1", TenantID: "t1", Rooms: []string{"r1"}},
	})
	ctx := context.Background()
	_, err := f.coord.Connect(ctx, "c1", "tok")
	require.NoError(t, err)

	room := f.captureChannel(t, registry.RoomChannel("t1", "r1"))
	msg, err := f.coord.SendMessage(ctx, "c1", "r1", "hello")
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "u1", msg.SenderID)

	stored, err := f.messages.Fetch(ctx, "t1", "r1", 10, 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, msg.ID, stored[0].ID)

	require.Len(t, room.envs, 1)
	assert.Equal(t, event.KindMessage, room.envs[0].Kind)
	assert.Empty(t, room.envs[0].ExcludeConnection, "sender receives the message echo")
}

func TestSendMessageRateLimited(t *testing.T) {
	f := newFixture(t, map[string]auth.Identity{
		"tok": {UserID: "u1", TenantID: "t1"},
	})
	ctx := context.Background()
	_, err := f.coord.Connect(ctx, "c1", "tok")
	require.NoError(t, err)

	f.lim.SetLimit(ratelimit.ResourceMessage, ratelimit.Policy{Limit: 1, Window: time.Minute})
	_, err = f.coord.SendMessage(ctx, "c1", "r1", "one")
	require.NoError(t, err)

	_, err = f.coord.SendMessage(ctx, "c1", "r1", "two")
	assert.ErrorIs(t, err, ErrRateLimited)

	stored, _ := f.messages.Fetch(ctx, "t1", "r1", 10, 0)
	assert.Len(t, stored, 1, "rejected message must not be persisted")
}

func TestJoinRoomRateLimited(t *testing.T) {
	f := newFixture(t, map[string]auth.Identity{
		"tok": {UserID: "u1", TenantID: "t1"},
	})
	ctx := context.Background()
	_, err := f.coord.Connect(ctx, "c1", "tok")
	require.NoError(t, err)

	f.lim.SetLimit(ratelimit.ResourceRoomOperations, ratelimit.Policy{Limit: 1, Window: time.Minute})
	require.NoError(t, f.coord.JoinRoom(ctx, "c1", "r1"))
	assert.ErrorIs(t, f.coord.JoinRoom(ctx, "c1", "r2"), ErrRateLimited)
	assert.Empty(t, f.reg.GetRoomConnections(ctx, "t1", "r2"))
}

func TestTypingRejectionIsSilent(t *testing.T) {
	f := newFixture(t, map[string]auth.Identity{
		"tok": {UserID: "u1", TenantID: "t1", Rooms: []string{"r1"}},
	})
	ctx := context.Background()
	_, err := f.coord.Connect(ctx, "c1", "tok")
	require.NoError(t, err)

	f.lim.SetLimit(ratelimit.ResourceTyping, ratelimit.Policy{Limit: 1, Window: time.Minute})
	room := f.captureChannel(t, registry.RoomChannel("t1", "r1"))

	require.NoError(t, f.coord.Typing(ctx, "c1", "r1", true))
	require.NoError(t, f.coord.Typing(ctx, "c1", "r1", true), "rate-limited typing must not surface an error")

	assert.Len(t, room.envs, 1, "rejected typing must be dropped, not broadcast")
	assert.Equal(t, "c1", room.envs[0].ExcludeConnection, "typing must not echo to the originator")
}

func TestMarkReadBroadcastsReceipt(t *testing.T) {
	f := newFixture(t, map[string]auth.Identity{
		"tok": {UserID: "u1", TenantID: "t1", Rooms: []string{"r1"}},
	})
	ctx := context.Background()
	_, err := f.coord.Connect(ctx, "c1", "tok")
	require.NoError(t, err)

	room := f.captureChannel(t, registry.RoomChannel("t1", "r1"))
	require.NoError(t, f.coord.MarkRead(ctx, "c1", "r1", "m1"))

	require.Len(t, room.envs, 1)
	assert.Equal(t, event.KindReadReceipt, room.envs[0].Kind)
	var payload event.ReadReceiptPayload
	require.NoError(t, room.envs[0].DecodePayload(&payload))
	assert.Equal(t, "m1", payload.MessageID)
	assert.Equal(t, "u1", payload.UserID)
}

func TestUpdatePresenceValidation(t *testing.T) {
	f := newFixture(t, map[string]auth.Identity{
		"tok": {UserID: "u1", TenantID: "t1"},
	})
	ctx := context.Background()
	_, err := f.coord.Connect(ctx, "c1", "tok")
	require.NoError(t, err)

	assert.ErrorIs(t, f.coord.UpdatePresence(ctx, "c1", presence.Status("bogus"), ""), ErrInvalidInput)

	tenant := f.captureChannel(t, registry.TenantChannel("t1"))
	require.NoError(t, f.coord.UpdatePresence(ctx, "c1", presence.StatusBusy, "focused"))
	require.Len(t, tenant.envs, 1)
	assert.Equal(t, event.KindPresence, tenant.envs[0].Kind)
}

func TestOperationsRequireConnection(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	assert.ErrorIs(t, f.coord.JoinRoom(ctx, "ghost", "r1"), ErrNotConnected)
	_, err := f.coord.SendMessage(ctx, "ghost", "r1", "hi")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, f.coord.MarkRead(ctx, "ghost", "r1", "m1"), ErrNotConnected)
}

func TestHistoryReturnsNewestFirst(t *testing.T) {
	f := newFixture(t, map[string]auth.Identity{
		"tok": {UserID: "u1", TenantID: "t1", Rooms: []string{"r1"}},
	})
	ctx := context.Background()
	_, err := f.coord.Connect(ctx, "c1", "tok")
	require.NoError(t, err)

	_, err = f.coord.SendMessage(ctx, "c1", "r1", "first")
	require.NoError(t, err)
	f.clk.Add(time.Second)
	_, err = f.coord.SendMessage(ctx, "c1", "r1", "second")
	require.NoError(t, err)

	msgs, err := f.coord.History(ctx, "c1", "r1", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "second", msgs[0].Content)
	assert.Equal(t, "first", msgs[1].Content)
}
