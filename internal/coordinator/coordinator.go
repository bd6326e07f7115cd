// Package coordinator is the connection-facing state machine. It
// sequences every inbound event: rate-limit check first, then registry
// mutation, then fanout publish. Infrastructure failures never propagate
// to callers as anything but the typed errors below.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/berstock227/demoE5/pkg/auth"
	"github.com/berstock227/demoE5/pkg/event"
	"github.com/berstock227/demoE5/pkg/metrics"
	"github.com/berstock227/demoE5/pkg/presence"
	"github.com/berstock227/demoE5/pkg/ratelimit"
	"github.com/berstock227/demoE5/pkg/registry"
)

var (
	ErrRateLimited   = errors.New("coordinator: rate limited")
	ErrNotConnected  = errors.New("coordinator: connection not registered")
	ErrInvalidInput  = errors.New("coordinator: invalid input")
	ErrRegistryWrite = errors.New("coordinator: registry update failed")
	ErrPersistence   = errors.New("coordinator: message persistence failed")
)

type Config struct {
	NodeID        string
	AutoJoinLimit int
}

type Coordinator struct {
	cfg      Config
	registry *registry.Registry
	presence *presence.Tracker
	limiter  *ratelimit.Limiter
	messages MessageStore
	verifier auth.Verifier
	interest Interest
	clock    clock.Clock
	logger   *slog.Logger

	// typing tracks which rooms each connection has an active typing
	// indicator in, so disconnect can clear them.
	typingMu sync.Mutex
	typing   map[string]map[string]struct{}
}

func New(cfg Config, reg *registry.Registry, pres *presence.Tracker, lim *ratelimit.Limiter, messages MessageStore, verifier auth.Verifier, clk clock.Clock, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		registry: reg,
		presence: pres,
		limiter:  lim,
		messages: messages,
		verifier: verifier,
		clock:    clk,
		logger:   logger.With(slog.String("component", "lifecycle_coordinator")),
		typing:   make(map[string]map[string]struct{}),
	}
}

// SetInterest installs the membership hooks. Must be called before the
// first Connect; typically wired by the hosting server.
func (c *Coordinator) SetInterest(in Interest) {
	c.interest = in
}

// subjectKey is the rate-limit subject for one action by one user.
func subjectKey(action string, conn *registry.Connection) string {
	return action + ":" + conn.UserID + ":" + conn.TenantID
}

// Connect resolves the credential, registers the connection, and
// auto-joins the identity's rooms up to the configured cap. A credential
// failure is fatal to the connection attempt.
func (c *Coordinator) Connect(ctx context.Context, connID, token string) (auth.Identity, error) {
	ident, err := c.verifier.Resolve(ctx, token)
	if err != nil {
		return auth.Identity{}, err
	}

	if !c.registry.AddConnection(ctx, connID, ident.UserID, ident.TenantID, c.cfg.NodeID) {
		return auth.Identity{}, ErrRegistryWrite
	}
	if c.interest != nil {
		c.interest.Connected(ident.TenantID, ident.UserID)
	}

	c.presence.MarkConnected(ctx, ident.TenantID, ident.UserID)

	rooms := ident.Rooms
	if c.cfg.AutoJoinLimit > 0 && len(rooms) > c.cfg.AutoJoinLimit {
		c.logger.Warn("Auto-join room list truncated",
			slog.String("userID", ident.UserID),
			slog.Int("rooms", len(rooms)),
			slog.Int("cap", c.cfg.AutoJoinLimit),
		)
		rooms = rooms[:c.cfg.AutoJoinLimit]
	}
	for _, roomID := range rooms {
		changed, ok := c.registry.JoinRoom(ctx, connID, roomID)
		if ok && changed && c.interest != nil {
			c.interest.JoinedRoom(ident.TenantID, roomID)
		}
	}

	c.notifyPresence(ctx, ident.TenantID, ident.UserID)
	c.logger.Info("Connection established",
		slog.String("connID", connID),
		slog.String("userID", ident.UserID),
		slog.String("tenantID", ident.TenantID),
	)
	return ident, nil
}

// Disconnect is mandatory cleanup for both orderly and abnormal closes: a
// crashed client must not appear to remain in a room. Errors here go to
// logs only; the connection is already gone. Reports whether this call
// performed the teardown; when two paths race, exactly one wins and runs
// the notifications and interest releases.
func (c *Coordinator) Disconnect(ctx context.Context, connID string) bool {
	// typing state is local to the coordinator; drop it even when the
	// registry record is already gone.
	typingRooms := c.clearTyping(connID)

	conn, ok := c.registry.GetConnection(ctx, connID)
	if !ok {
		return false
	}
	rooms := c.registry.GetConnectionRooms(ctx, connID)

	if !c.registry.RemoveConnection(ctx, connID) {
		return false
	}

	for _, roomID := range rooms {
		if _, wasTyping := typingRooms[roomID]; wasTyping {
			c.broadcastTyping(ctx, conn, roomID, false, "")
		}
		env, err := event.New(event.KindMemberLeft, event.MembershipPayload{UserID: conn.UserID})
		if err != nil {
			c.logger.Error("Failed to build member_left event", slog.Any("error", err))
			continue
		}
		env.ExcludeConnection = connID
		c.registry.BroadcastToRoom(ctx, conn.TenantID, roomID, env)
		if c.interest != nil {
			c.interest.LeftRoom(conn.TenantID, roomID)
		}
	}

	c.presence.MarkDisconnected(ctx, conn.TenantID, conn.UserID)
	c.notifyPresence(ctx, conn.TenantID, conn.UserID)
	if c.interest != nil {
		c.interest.Disconnected(conn.TenantID, conn.UserID)
	}
	c.logger.Info("Connection cleaned up", slog.String("connID", connID))
	return true
}

// EvictInactive disconnects this node's connections whose last activity
// predates the inactivity threshold, treating them as crashed or
// abandoned. Evictions run the full disconnect path so rooms, typing
// state, presence, and fanout interest are all released.
func (c *Coordinator) EvictInactive(ctx context.Context) int {
	evicted := 0
	for _, connID := range c.registry.InactiveConnections() {
		if c.Disconnect(ctx, connID) {
			evicted++
		}
	}
	if evicted > 0 {
		metrics.SweepEvictions.Add(float64(evicted))
		c.logger.Info("Evicted inactive connections", slog.Int("count", evicted))
	}
	return evicted
}

// JoinRoom admits the join through the room_operations limit, mutates the
// registry, and notifies the room.
func (c *Coordinator) JoinRoom(ctx context.Context, connID, roomID string) error {
	if roomID == "" {
		return ErrInvalidInput
	}
	conn, ok := c.registry.GetConnection(ctx, connID)
	if !ok {
		return ErrNotConnected
	}
	c.registry.TouchActivity(ctx, connID)

	d := c.limiter.CheckLimit(ctx, subjectKey("room_operations", conn), ratelimit.ResourceRoomOperations, 1)
	if !d.Allowed {
		return ErrRateLimited
	}
	changed, ok := c.registry.JoinRoom(ctx, connID, roomID)
	if !ok {
		return ErrRegistryWrite
	}
	if !changed {
		// already a member; no interest to acquire, nothing to announce
		return nil
	}
	if c.interest != nil {
		c.interest.JoinedRoom(conn.TenantID, roomID)
	}

	env, err := event.New(event.KindMemberJoined, event.MembershipPayload{UserID: conn.UserID})
	if err != nil {
		return err
	}
	env.ExcludeConnection = connID
	c.registry.BroadcastToRoom(ctx, conn.TenantID, roomID, env)
	return nil
}

// LeaveRoom mirrors JoinRoom under the same resource type.
func (c *Coordinator) LeaveRoom(ctx context.Context, connID, roomID string) error {
	if roomID == "" {
		return ErrInvalidInput
	}
	conn, ok := c.registry.GetConnection(ctx, connID)
	if !ok {
		return ErrNotConnected
	}
	c.registry.TouchActivity(ctx, connID)

	d := c.limiter.CheckLimit(ctx, subjectKey("room_operations", conn), ratelimit.ResourceRoomOperations, 1)
	if !d.Allowed {
		return ErrRateLimited
	}
	if !c.registry.LeaveRoom(ctx, connID, roomID) {
		return ErrRegistryWrite
	}
	c.setTyping(connID, roomID, false)
	if c.interest != nil {
		c.interest.LeftRoom(conn.TenantID, roomID)
	}

	env, err := event.New(event.KindMemberLeft, event.MembershipPayload{UserID: conn.UserID})
	if err != nil {
		return err
	}
	env.ExcludeConnection = connID
	c.registry.BroadcastToRoom(ctx, conn.TenantID, roomID, env)
	return nil
}

// SendMessage admits through the message limit, persists through the
// message-store collaborator, and only then publishes to the room. The
// caller always sees rejection explicitly, never a silent drop.
func (c *Coordinator) SendMessage(ctx context.Context, connID, roomID, content string) (*Message, error) {
	if roomID == "" || content == "" {
		return nil, ErrInvalidInput
	}
	conn, ok := c.registry.GetConnection(ctx, connID)
	if !ok {
		return nil, ErrNotConnected
	}
	c.registry.TouchActivity(ctx, connID)

	d := c.limiter.CheckLimit(ctx, subjectKey("message", conn), ratelimit.ResourceMessage, 1)
	if !d.Allowed {
		return nil, ErrRateLimited
	}

	msg := &Message{
		ID:       uuid.NewString(),
		TenantID: conn.TenantID,
		RoomID:   roomID,
		SenderID: conn.UserID,
		Content:  content,
		SentAt:   c.clock.Now(),
	}
	if _, err := c.messages.Persist(ctx, msg); err != nil {
		c.logger.Error("Message persistence failed",
			slog.String("roomID", roomID), slog.Any("error", err))
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	env, err := event.New(event.KindMessage, event.MessagePayload{
		MessageID: msg.ID,
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		SentAt:    msg.SentAt,
	})
	if err != nil {
		return nil, err
	}
	c.registry.BroadcastToRoom(ctx, conn.TenantID, roomID, env)
	return msg, nil
}

// Typing is best-effort UX: rate-limit violations are swallowed silently.
func (c *Coordinator) Typing(ctx context.Context, connID, roomID string, isTyping bool) error {
	if roomID == "" {
		return ErrInvalidInput
	}
	conn, ok := c.registry.GetConnection(ctx, connID)
	if !ok {
		return ErrNotConnected
	}
	c.registry.TouchActivity(ctx, connID)

	d := c.limiter.CheckLimit(ctx, subjectKey("typing", conn), ratelimit.ResourceTyping, 1)
	if !d.Allowed {
		c.logger.Debug("Typing event rate limited",
			slog.String("userID", conn.UserID), slog.String("roomID", roomID))
		return nil
	}

	c.setTyping(connID, roomID, isTyping)
	c.broadcastTyping(ctx, conn, roomID, isTyping, connID)
	return nil
}

// MarkRead records a read receipt and notifies the room. Not rate-limited.
func (c *Coordinator) MarkRead(ctx context.Context, connID, roomID, messageID string) error {
	if roomID == "" || messageID == "" {
		return ErrInvalidInput
	}
	conn, ok := c.registry.GetConnection(ctx, connID)
	if !ok {
		return ErrNotConnected
	}
	c.registry.TouchActivity(ctx, connID)

	if err := c.messages.MarkRead(ctx, conn.TenantID, roomID, messageID, conn.UserID); err != nil {
		c.logger.Error("Read receipt persistence failed", slog.Any("error", err))
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	env, err := event.New(event.KindReadReceipt, event.ReadReceiptPayload{
		MessageID: messageID,
		UserID:    conn.UserID,
	})
	if err != nil {
		return err
	}
	env.ExcludeConnection = connID
	c.registry.BroadcastToRoom(ctx, conn.TenantID, roomID, env)
	return nil
}

// UpdatePresence writes an explicit status override and notifies the
// tenant scope.
func (c *Coordinator) UpdatePresence(ctx context.Context, connID string, status presence.Status, customStatus string) error {
	if !status.Valid() {
		return ErrInvalidInput
	}
	conn, ok := c.registry.GetConnection(ctx, connID)
	if !ok {
		return ErrNotConnected
	}
	c.registry.TouchActivity(ctx, connID)

	c.presence.UpdatePresence(ctx, conn.TenantID, conn.UserID, status, customStatus)
	c.notifyPresence(ctx, conn.TenantID, conn.UserID)
	return nil
}

// History fetches recent room messages through the persistence
// collaborator.
func (c *Coordinator) History(ctx context.Context, connID, roomID string, limit, offset int) ([]*Message, error) {
	if roomID == "" {
		return nil, ErrInvalidInput
	}
	conn, ok := c.registry.GetConnection(ctx, connID)
	if !ok {
		return nil, ErrNotConnected
	}
	c.registry.TouchActivity(ctx, connID)
	return c.messages.Fetch(ctx, conn.TenantID, roomID, limit, offset)
}

func (c *Coordinator) notifyPresence(ctx context.Context, tenantID, userID string) {
	rec := c.presence.GetPresence(ctx, tenantID, userID)
	env, err := event.New(event.KindPresence, event.PresencePayload{
		UserID:       userID,
		Status:       string(rec.Status),
		CustomStatus: rec.CustomStatus,
	})
	if err != nil {
		c.logger.Error("Failed to build presence event", slog.Any("error", err))
		return
	}
	c.registry.BroadcastToTenant(ctx, tenantID, env)
}

func (c *Coordinator) broadcastTyping(ctx context.Context, conn *registry.Connection, roomID string, isTyping bool, excludeConn string) {
	env, err := event.New(event.KindTyping, event.TypingPayload{
		UserID:   conn.UserID,
		IsTyping: isTyping,
	})
	if err != nil {
		c.logger.Error("Failed to build typing event", slog.Any("error", err))
		return
	}
	env.ExcludeConnection = excludeConn
	c.registry.BroadcastToRoom(ctx, conn.TenantID, roomID, env)
}

func (c *Coordinator) setTyping(connID, roomID string, isTyping bool) {
	c.typingMu.Lock()
	defer c.typingMu.Unlock()
	rooms := c.typing[connID]
	if isTyping {
		if rooms == nil {
			rooms = make(map[string]struct{})
			c.typing[connID] = rooms
		}
		rooms[roomID] = struct{}{}
		return
	}
	if rooms != nil {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(c.typing, connID)
		}
	}
}

// clearTyping drops all typing state for a connection and returns the
// rooms that had an active indicator.
func (c *Coordinator) clearTyping(connID string) map[string]struct{} {
	c.typingMu.Lock()
	defer c.typingMu.Unlock()
	rooms := c.typing[connID]
	delete(c.typing, connID)
	if rooms == nil {
		return map[string]struct{}{}
	}
	return rooms
}
