// Package registry is the authoritative bookkeeping of live connections:
// which user and tenant own each connection, which node hosts it, and
// which rooms it has joined. A fast local cache fronts the shared
// coordination store; the store's set-typed keys are the cross-node source
// of truth and local misses fall back to them transparently.
//
// Failure policy: every operation that touches the shared store absorbs
// store failures, logs, and degrades to a safe default. The hot path stays
// available under store outage at the cost of accuracy.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jellydator/ttlcache/v3"

	"github.com/berstock227/demoE5/pkg/metrics"
	"github.com/berstock227/demoE5/pkg/store"
)

// Connection is the identity of one live transport session. It belongs to
// exactly one user and one tenant for its entire lifetime. Records handed
// out by the registry are immutable: mutations clone and swap the cache
// entry, so concurrent readers never observe a write in flight.
type Connection struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id"`
	TenantID       string            `json:"tenant_id"`
	NodeID         string            `json:"node_id"`
	ConnectedAt    time.Time         `json:"connected_at"`
	LastActivityAt time.Time         `json:"last_activity_at"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

func (c *Connection) clone() *Connection {
	dup := *c
	if c.Metadata != nil {
		dup.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			dup.Metadata[k] = v
		}
	}
	return &dup
}

type Config struct {
	// PersistTTL bounds the shared-store mirror so stale cross-node
	// entries self-expire even if cleanup never runs locally.
	PersistTTL          time.Duration
	InactivityThreshold time.Duration
}

type Registry struct {
	nodeID string
	cfg    Config
	store  store.Store
	clock  clock.Clock
	logger *slog.Logger

	// local is a read-through accelerator over the store mirror; it may
	// lag or be empty on cold start.
	local *ttlcache.Cache[string, *Connection]

	users     *index // user_connections key -> conn ids
	tenants   *index // tenant_connections key -> conn ids
	rooms     *index // room_connections key -> conn ids
	connRooms *index // conn id -> room_connections keys
}

func New(nodeID string, st store.Store, clk clock.Clock, cfg Config, logger *slog.Logger) *Registry {
	ttl := cfg.PersistTTL
	var opts []ttlcache.Option[string, *Connection]
	if ttl > 0 {
		opts = append(opts, ttlcache.WithTTL[string, *Connection](ttl))
	}
	return &Registry{
		nodeID:    nodeID,
		cfg:       cfg,
		store:     st,
		clock:     clk,
		logger:    logger.With(slog.String("component", "connection_registry")),
		local:     ttlcache.New[string, *Connection](opts...),
		users:     newIndex(),
		tenants:   newIndex(),
		rooms:     newIndex(),
		connRooms: newIndex(),
	}
}

// AddConnection registers a live connection and mirrors it into the shared
// store. Fails only on missing arguments.
func (r *Registry) AddConnection(ctx context.Context, connID, userID, tenantID, nodeID string) bool {
	if connID == "" || userID == "" || tenantID == "" || nodeID == "" {
		return false
	}
	now := r.clock.Now()
	conn := &Connection{
		ID:             connID,
		UserID:         userID,
		TenantID:       tenantID,
		NodeID:         nodeID,
		ConnectedAt:    now,
		LastActivityAt: now,
	}

	r.local.Set(connID, conn, ttlcache.DefaultTTL)
	r.users.add(userConnectionsKey(tenantID, userID), connID)
	r.tenants.add(tenantConnectionsKey(tenantID), connID)

	if err := r.persist(ctx, conn); err != nil {
		r.logger.Warn("Failed to mirror connection into shared store",
			slog.String("connID", connID), slog.Any("error", err))
	}
	r.mirrorIndexAdd(ctx, userConnectionsKey(tenantID, userID), connID)
	r.mirrorIndexAdd(ctx, tenantConnectionsKey(tenantID), connID)

	metrics.ConnectionsActive.Inc()
	r.logger.Debug("Connection registered",
		slog.String("connID", connID),
		slog.String("userID", userID),
		slog.String("tenantID", tenantID),
	)
	return true
}

// RemoveConnection tears down a connection everywhere: local cache, every
// room it joined, and the shared-store mirror and indices. Safe to call
// twice; the second call is a no-op returning false.
func (r *Registry) RemoveConnection(ctx context.Context, connID string) bool {
	conn, ok := r.lookup(ctx, connID)
	if !ok {
		return false
	}

	r.local.Delete(connID)
	r.users.remove(userConnectionsKey(conn.TenantID, conn.UserID), connID)
	r.tenants.remove(tenantConnectionsKey(conn.TenantID), connID)

	for _, roomKey := range r.connRooms.drop(connID) {
		r.rooms.remove(roomKey, connID)
		if err := r.store.SetRemove(ctx, roomKey, connID); err != nil {
			r.logger.Warn("Failed to remove from shared room index",
				slog.String("roomKey", roomKey), slog.Any("error", err))
		}
	}

	if err := r.store.Delete(ctx, connectionKey(connID)); err != nil {
		r.logger.Warn("Failed to delete connection mirror", slog.Any("error", err))
	}
	if err := r.store.SetRemove(ctx, userConnectionsKey(conn.TenantID, conn.UserID), connID); err != nil {
		r.logger.Warn("Failed to remove from shared user index", slog.Any("error", err))
	}
	if err := r.store.SetRemove(ctx, tenantConnectionsKey(conn.TenantID), connID); err != nil {
		r.logger.Warn("Failed to remove from shared tenant index", slog.Any("error", err))
	}

	metrics.ConnectionsActive.Dec()
	r.logger.Debug("Connection removed", slog.String("connID", connID))
	return true
}

// GetConnection prefers the local cache and falls back to the shared store
// on a miss; the connection may be local to another node.
func (r *Registry) GetConnection(ctx context.Context, connID string) (*Connection, bool) {
	return r.lookup(ctx, connID)
}

// GetUserConnections returns the connection ids of one user. An empty
// local index falls back to the shared set and repopulates.
func (r *Registry) GetUserConnections(ctx context.Context, tenantID, userID string) []string {
	return r.indexMembers(ctx, r.users, userConnectionsKey(tenantID, userID))
}

func (r *Registry) GetTenantConnections(ctx context.Context, tenantID string) []string {
	return r.indexMembers(ctx, r.tenants, tenantConnectionsKey(tenantID))
}

// GetConnectionCount reports the number of connections in the local cache.
func (r *Registry) GetConnectionCount() int {
	return r.local.Len()
}

// TouchActivity stamps the connection's last-activity time and refreshes
// the shared mirror and index TTLs so the sweep threshold is measured from
// real traffic. The cached record is replaced, never written in place.
func (r *Registry) TouchActivity(ctx context.Context, connID string) bool {
	item := r.local.Get(connID)
	if item == nil {
		return false
	}
	conn := item.Value().clone()
	conn.LastActivityAt = r.clock.Now()
	r.local.Set(connID, conn, ttlcache.DefaultTTL)
	if err := r.persist(ctx, conn); err != nil {
		r.logger.Warn("Failed to refresh connection mirror", slog.Any("error", err))
	}
	r.refreshIndexTTLs(ctx, conn)
	return true
}

// UpdateMetadata merges free-form metadata into the connection record. The
// cached record is replaced, never written in place.
func (r *Registry) UpdateMetadata(ctx context.Context, connID string, md map[string]string) bool {
	item := r.local.Get(connID)
	if item == nil {
		return false
	}
	conn := item.Value().clone()
	if conn.Metadata == nil {
		conn.Metadata = make(map[string]string, len(md))
	}
	for k, v := range md {
		conn.Metadata[k] = v
	}
	r.local.Set(connID, conn, ttlcache.DefaultTTL)
	if err := r.persist(ctx, conn); err != nil {
		r.logger.Warn("Failed to persist connection metadata", slog.Any("error", err))
	}
	return true
}

// InactiveConnections returns the ids of this node's connections whose
// last activity predates the inactivity threshold. The scan works on a
// snapshot; the cache may be mutated concurrently. Removal is the
// caller's job so the full disconnect path runs for each eviction.
func (r *Registry) InactiveConnections() []string {
	cutoff := r.clock.Now().Add(-r.cfg.InactivityThreshold)

	var stale []string
	for id, item := range r.local.Items() {
		conn := item.Value()
		if conn.NodeID == r.nodeID && conn.LastActivityAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	return stale
}

// lookup is the read-through path: local cache first, then the shared
// store, repopulating the cache on a remote hit.
func (r *Registry) lookup(ctx context.Context, connID string) (*Connection, bool) {
	if connID == "" {
		return nil, false
	}
	if item := r.local.Get(connID); item != nil {
		return item.Value(), true
	}

	data, err := r.store.Get(ctx, connectionKey(connID))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("Shared store lookup failed", slog.String("connID", connID), slog.Any("error", err))
		}
		return nil, false
	}
	var conn Connection
	if err := json.Unmarshal(data, &conn); err != nil {
		r.logger.Warn("Failed to decode connection mirror", slog.Any("error", err))
		return nil, false
	}

	r.local.Set(connID, &conn, ttlcache.DefaultTTL)
	r.users.add(userConnectionsKey(conn.TenantID, conn.UserID), connID)
	r.tenants.add(tenantConnectionsKey(conn.TenantID), connID)
	return &conn, true
}

// indexMembers reads a membership index local-first with shared-store
// fallback and repopulation.
func (r *Registry) indexMembers(ctx context.Context, ix *index, key string) []string {
	if members := ix.members(key); len(members) > 0 {
		return members
	}
	members, err := r.store.SetMembers(ctx, key)
	if err != nil {
		r.logger.Warn("Shared index read failed", slog.String("key", key), slog.Any("error", err))
		return nil
	}
	for _, m := range members {
		ix.add(key, m)
	}
	return members
}

func (r *Registry) persist(ctx context.Context, conn *Connection) error {
	data, err := json.Marshal(conn)
	if err != nil {
		return err
	}
	return r.store.Set(ctx, connectionKey(conn.ID), data, r.cfg.PersistTTL)
}

// mirrorIndexAdd adds a member to a shared index set and bounds the set
// with the persistence TTL, so ghost members from a dead node self-expire
// even if cleanup never runs.
func (r *Registry) mirrorIndexAdd(ctx context.Context, key, member string) {
	if err := r.store.SetAdd(ctx, key, member); err != nil {
		r.logger.Warn("Failed to add to shared index",
			slog.String("key", key), slog.Any("error", err))
		return
	}
	if err := r.store.Expire(ctx, key, r.cfg.PersistTTL); err != nil {
		r.logger.Warn("Failed to bound shared index ttl",
			slog.String("key", key), slog.Any("error", err))
	}
}

// refreshIndexTTLs pushes the expiry of every shared index the connection
// appears in, keeping live membership from lapsing mid-session.
func (r *Registry) refreshIndexTTLs(ctx context.Context, conn *Connection) {
	keys := []string{
		userConnectionsKey(conn.TenantID, conn.UserID),
		tenantConnectionsKey(conn.TenantID),
	}
	keys = append(keys, r.connRooms.members(conn.ID)...)
	for _, key := range keys {
		if err := r.store.Expire(ctx, key, r.cfg.PersistTTL); err != nil {
			r.logger.Warn("Failed to refresh shared index ttl",
				slog.String("key", key), slog.Any("error", err))
		}
	}
}
