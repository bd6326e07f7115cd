// Package presence derives online state per (tenant, user). Presence is a
// cache over connection existence plus explicit overrides, not a durable
// fact: an explicit status wins until its TTL lapses, after which state is
// re-derived from whether any connection still exists.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/berstock227/demoE5/pkg/store"
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return true
	}
	return false
}

type Record struct {
	Status       Status    `json:"status"`
	CustomStatus string    `json:"custom_status,omitempty"`
	LastSeen     time.Time `json:"last_seen"`
}

// ConnectionSource reports the live connections of a user; the tracker
// uses it to derive presence when no override is stored.
type ConnectionSource interface {
	GetUserConnections(ctx context.Context, tenantID, userID string) []string
}

type Tracker struct {
	store  store.Store
	conns  ConnectionSource
	clock  clock.Clock
	ttl    time.Duration
	logger *slog.Logger
}

func NewTracker(st store.Store, conns ConnectionSource, clk clock.Clock, ttl time.Duration, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:  st,
		conns:  conns,
		clock:  clk,
		ttl:    ttl,
		logger: logger.With(slog.String("component", "presence_tracker")),
	}
}

func presenceKey(tenantID, userID string) string {
	return "presence:" + tenantID + ":" + userID
}

// UpdatePresence unconditionally overwrites the user's status with a
// short-TTL override. Reports false when the store is unreachable.
func (t *Tracker) UpdatePresence(ctx context.Context, tenantID, userID string, status Status, customStatus string) bool {
	rec := Record{Status: status, CustomStatus: customStatus, LastSeen: t.clock.Now()}
	data, err := json.Marshal(rec)
	if err != nil {
		t.logger.Error("Failed to marshal presence record", slog.Any("error", err))
		return false
	}
	if err := t.store.Set(ctx, presenceKey(tenantID, userID), data, t.ttl); err != nil {
		t.logger.Warn("Failed to store presence",
			slog.String("tenantID", tenantID),
			slog.String("userID", userID),
			slog.Any("error", err),
		)
		return false
	}
	return true
}

// GetPresence resolves in two tiers: a non-expired override wins; otherwise
// the user is online iff they have at least one live connection.
func (t *Tracker) GetPresence(ctx context.Context, tenantID, userID string) Record {
	if rec, ok := t.override(ctx, tenantID, userID); ok {
		return rec
	}
	if len(t.conns.GetUserConnections(ctx, tenantID, userID)) > 0 {
		return Record{Status: StatusOnline, LastSeen: t.clock.Now()}
	}
	return Record{Status: StatusOffline}
}

// MarkConnected records Online for a newly connected user. A live Busy or
// Away override is preserved; a user-set "busy" must outlast reconnect
// blips. A lingering Offline record is replaced.
func (t *Tracker) MarkConnected(ctx context.Context, tenantID, userID string) {
	if rec, ok := t.override(ctx, tenantID, userID); ok {
		if rec.Status == StatusBusy || rec.Status == StatusAway {
			return
		}
	}
	t.UpdatePresence(ctx, tenantID, userID, StatusOnline, "")
}

// MarkDisconnected records Offline once the user's last connection is
// gone. Remaining connections or a live override leave presence untouched.
func (t *Tracker) MarkDisconnected(ctx context.Context, tenantID, userID string) {
	if len(t.conns.GetUserConnections(ctx, tenantID, userID)) > 0 {
		return
	}
	if rec, ok := t.override(ctx, tenantID, userID); ok && rec.Status != StatusOnline {
		return
	}
	t.UpdatePresence(ctx, tenantID, userID, StatusOffline, "")
}

func (t *Tracker) override(ctx context.Context, tenantID, userID string) (Record, bool) {
	data, err := t.store.Get(ctx, presenceKey(tenantID, userID))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			t.logger.Warn("Failed to read presence", slog.Any("error", err))
		}
		return Record{}, false
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		t.logger.Warn("Failed to decode presence record", slog.Any("error", err))
		return Record{}, false
	}
	return rec, true
}
