package registry

import (
	"context"
	"log/slog"

	"github.com/berstock227/demoE5/pkg/event"
	"github.com/berstock227/demoE5/pkg/metrics"
)

// Broadcasts never enumerate sockets. Each publishes once on the scope's
// channel; every node's own subscriber loop delivers to its local
// connections, skipping the envelope's excluded connection if set.

func (r *Registry) BroadcastToRoom(ctx context.Context, tenantID, roomID string, env *event.Envelope) bool {
	env.TenantID = tenantID
	env.RoomID = roomID
	return r.publish(ctx, RoomChannel(tenantID, roomID), "room", env)
}

func (r *Registry) BroadcastToUser(ctx context.Context, tenantID, userID string, env *event.Envelope) bool {
	env.TenantID = tenantID
	env.UserID = userID
	return r.publish(ctx, UserChannel(tenantID, userID), "user", env)
}

func (r *Registry) BroadcastToTenant(ctx context.Context, tenantID string, env *event.Envelope) bool {
	env.TenantID = tenantID
	return r.publish(ctx, TenantChannel(tenantID), "tenant", env)
}

func (r *Registry) publish(ctx context.Context, channel, scope string, env *event.Envelope) bool {
	env.Node = r.nodeID
	if env.At.IsZero() {
		env.At = r.clock.Now()
	}
	data, err := env.Encode()
	if err != nil {
		r.logger.Error("Failed to encode fanout envelope", slog.Any("error", err))
		return false
	}
	if err := r.store.Publish(ctx, channel, data); err != nil {
		r.logger.Warn("Failed to publish fanout event",
			slog.String("channel", channel), slog.Any("error", err))
		return false
	}
	metrics.FanoutPublished.WithLabelValues(scope).Inc()
	return true
}
