package server

import (
	"context"
	"log/slog"
	"sync"

	"github.com/berstock227/demoE5/internal/coordinator"
	"github.com/berstock227/demoE5/pkg/event"
	"github.com/berstock227/demoE5/pkg/registry"
	"github.com/berstock227/demoE5/pkg/store"
)

// Sink pushes a payload to one locally hosted connection. Deliver is a
// no-op for connections hosted on other nodes.
type Sink interface {
	Deliver(connID string, payload []byte)
}

// Subscriber is the node-local half of fanout: it holds refcounted
// subscriptions on the channels this node has interested connections in,
// decodes envelopes, and delivers to local sockets. It implements the
// coordinator's Interest hooks so subscriptions track membership.
type Subscriber struct {
	ctx      context.Context
	store    store.Store
	registry *registry.Registry
	sink     Sink
	logger   *slog.Logger

	mu   sync.Mutex
	subs map[string]*chanSub
}

type chanSub struct {
	sub  store.Subscription
	refs int
}

var _ coordinator.Interest = (*Subscriber)(nil)

func NewSubscriber(ctx context.Context, st store.Store, reg *registry.Registry, sink Sink, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		ctx:      ctx,
		store:    st,
		registry: reg,
		sink:     sink,
		logger:   logger.With(slog.String("component", "fanout_subscriber")),
		subs:     make(map[string]*chanSub),
	}
}

// Interest hooks. Each connect/join acquires, each disconnect/leave
// releases; refcounts balance because the coordinator calls them per
// connection.

func (s *Subscriber) Connected(tenantID, userID string) {
	s.acquire(registry.TenantChannel(tenantID))
	s.acquire(registry.UserChannel(tenantID, userID))
}

func (s *Subscriber) Disconnected(tenantID, userID string) {
	s.release(registry.UserChannel(tenantID, userID))
	s.release(registry.TenantChannel(tenantID))
}

func (s *Subscriber) JoinedRoom(tenantID, roomID string) {
	s.acquire(registry.RoomChannel(tenantID, roomID))
}

func (s *Subscriber) LeftRoom(tenantID, roomID string) {
	s.release(registry.RoomChannel(tenantID, roomID))
}

func (s *Subscriber) acquire(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cs, ok := s.subs[channel]; ok {
		cs.refs++
		return
	}
	sub, err := s.store.Subscribe(channel, s.handle)
	if err != nil {
		s.logger.Warn("Failed to subscribe to fanout channel",
			slog.String("channel", channel), slog.Any("error", err))
		return
	}
	s.subs[channel] = &chanSub{sub: sub, refs: 1}
	s.logger.Debug("Subscribed to fanout channel", slog.String("channel", channel))
}

func (s *Subscriber) release(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.subs[channel]
	if !ok {
		return
	}
	cs.refs--
	if cs.refs > 0 {
		return
	}
	delete(s.subs, channel)
	if err := cs.sub.Close(); err != nil {
		s.logger.Warn("Failed to close subscription", slog.Any("error", err))
	}
	s.logger.Debug("Unsubscribed from fanout channel", slog.String("channel", channel))
}

// handle decodes one published envelope and delivers it to every local
// connection in the scope, skipping the excluded connection. Unknown
// event kinds are logged and dropped, never guessed at.
func (s *Subscriber) handle(channel string, payload []byte) {
	env, err := event.Decode(payload)
	if err != nil {
		s.logger.Warn("Dropping undecodable fanout event",
			slog.String("channel", channel), slog.Any("error", err))
		return
	}

	var targets []string
	switch {
	case env.RoomID != "":
		targets = s.registry.GetRoomConnections(s.ctx, env.TenantID, env.RoomID)
	case env.UserID != "":
		targets = s.registry.GetUserConnections(s.ctx, env.TenantID, env.UserID)
	default:
		targets = s.registry.GetTenantConnections(s.ctx, env.TenantID)
	}

	for _, connID := range targets {
		if connID == env.ExcludeConnection {
			continue
		}
		s.sink.Deliver(connID, payload)
	}
}

// Close drops every remaining subscription; used on shutdown.
func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for channel, cs := range s.subs {
		cs.sub.Close()
		delete(s.subs, channel)
	}
}
