package server

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/berstock227/demoE5/pkg/event"
	"github.com/berstock227/demoE5/pkg/registry"
	"github.com/berstock227/demoE5/pkg/store/memstore"
)

type recordingSink struct {
	mu        sync.Mutex
	delivered map[string]int
}

func newRecordingSink() *recordingSink {
	return &recordingSink{delivered: make(map[string]int)}
}

func (s *recordingSink) Deliver(connID string, _ []byte) {
	s.mu.Lock()
	s.delivered[connID]++
	s.mu.Unlock()
}

func (s *recordingSink) count(connID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delivered[connID]
}

func newSubscriberFixture(t *testing.T) (*Subscriber, *registry.Registry, *recordingSink, context.Context) {
	t.Helper()
	clk := clock.NewMock()
	st := memstore.New(clk)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New("node-1", st, clk, registry.Config{
		PersistTTL:          time.Hour,
		InactivityThreshold: 5 * time.Minute,
	}, logger)
	sink := newRecordingSink()
	ctx := context.Background()
	return NewSubscriber(ctx, st, reg, sink, logger), reg, sink, ctx
}

func TestRoomFanoutSkipsExcludedConnection(t *testing.T) {
	sub, reg, sink, ctx := newSubscriberFixture(t)

	reg.AddConnection(ctx, "c1", "u1", "t1", "node-1")
	reg.AddConnection(ctx, "c2", "u2", "t1", "node-1")
	reg.JoinRoom(ctx, "c1", "r1")
	reg.JoinRoom(ctx, "c2", "r1")
	sub.JoinedRoom("t1", "r1")
	sub.JoinedRoom("t1", "r1")

	env, err := event.New(event.KindMessage, event.MessagePayload{MessageID: "m1", SenderID: "u1", Content: "hi"})
	if err != nil {
		t.Fatalf("event.New failed: %v", err)
	}
	env.ExcludeConnection = "c1"
	reg.BroadcastToRoom(ctx, "t1", "r1", env)

	if got := sink.count("c1"); got != 0 {
		t.Errorf("excluded connection received %d deliveries", got)
	}
	if got := sink.count("c2"); got != 1 {
		t.Errorf("expected 1 delivery to c2, got %d", got)
	}
}

func TestSubscriptionRefcounting(t *testing.T) {
	sub, reg, sink, ctx := newSubscriberFixture(t)

	reg.AddConnection(ctx, "c1", "u1", "t1", "node-1")
	reg.JoinRoom(ctx, "c1", "r1")
	sub.JoinedRoom("t1", "r1")
	sub.JoinedRoom("t1", "r1")

	env, _ := event.New(event.KindTyping, event.TypingPayload{UserID: "u2", IsTyping: true})
	reg.BroadcastToRoom(ctx, "t1", "r1", env)
	if got := sink.count("c1"); got != 1 {
		t.Fatalf("expected 1 delivery while subscribed, got %d", got)
	}

	// first release keeps the channel alive for the remaining interest
	sub.LeftRoom("t1", "r1")
	env2, _ := event.New(event.KindTyping, event.TypingPayload{UserID: "u2", IsTyping: false})
	reg.BroadcastToRoom(ctx, "t1", "r1", env2)
	if got := sink.count("c1"); got != 2 {
		t.Fatalf("expected delivery while one interest remains, got %d", got)
	}

	sub.LeftRoom("t1", "r1")
	reg.BroadcastToRoom(ctx, "t1", "r1", env2)
	if got := sink.count("c1"); got != 2 {
		t.Errorf("expected no delivery after last release, got %d", got)
	}
}

func TestUserScopeFanout(t *testing.T) {
	sub, reg, sink, ctx := newSubscriberFixture(t)

	reg.AddConnection(ctx, "c1", "u1", "t1", "node-1")
	reg.AddConnection(ctx, "c2", "u1", "t1", "node-1")
	reg.AddConnection(ctx, "c3", "u2", "t1", "node-1")
	sub.Connected("t1", "u1")

	env, _ := event.New(event.KindPresence, event.PresencePayload{UserID: "u1", Status: "busy"})
	reg.BroadcastToUser(ctx, "t1", "u1", env)

	if sink.count("c1") != 1 || sink.count("c2") != 1 {
		t.Errorf("expected both of u1's connections to receive the event")
	}
	if sink.count("c3") != 0 {
		t.Errorf("u2's connection must not receive a user-scoped event for u1")
	}
}

func TestUndecodableEventDropped(t *testing.T) {
	sub, reg, sink, ctx := newSubscriberFixture(t)

	reg.AddConnection(ctx, "c1", "u1", "t1", "node-1")
	sub.Connected("t1", "u1")

	// publish raw garbage straight onto the channel the subscriber holds
	sub.store.Publish(ctx, registry.UserChannel("t1", "u1"), []byte(`{"kind":"mystery"}`))

	if got := sink.count("c1"); got != 0 {
		t.Errorf("unknown event kind must be dropped, got %d deliveries", got)
	}
}
