package registry

import (
	"context"
	"log/slog"
)

// JoinRoom adds the connection to the room's membership, locally and in
// the shared set. Joining twice yields the same state as joining once;
// changed reports whether membership actually grew, so callers can skip
// notifications and interest bookkeeping on a re-join.
func (r *Registry) JoinRoom(ctx context.Context, connID, roomID string) (changed, ok bool) {
	if roomID == "" {
		return false, false
	}
	conn, found := r.lookup(ctx, connID)
	if !found {
		return false, false
	}

	roomKey := roomConnectionsKey(conn.TenantID, roomID)
	if !r.rooms.add(roomKey, connID) {
		return false, true
	}
	r.connRooms.add(connID, roomKey)

	r.mirrorIndexAdd(ctx, roomKey, connID)
	r.logger.Debug("Connection joined room",
		slog.String("connID", connID), slog.String("roomID", roomID))
	return true, true
}

// LeaveRoom removes the connection from the room's membership. Leaving a
// room the connection never joined is a no-op returning false.
func (r *Registry) LeaveRoom(ctx context.Context, connID, roomID string) bool {
	if roomID == "" {
		return false
	}
	conn, ok := r.lookup(ctx, connID)
	if !ok {
		return false
	}

	roomKey := roomConnectionsKey(conn.TenantID, roomID)
	if !r.rooms.has(roomKey, connID) {
		return false
	}
	r.rooms.remove(roomKey, connID)
	r.connRooms.remove(connID, roomKey)

	if err := r.store.SetRemove(ctx, roomKey, connID); err != nil {
		r.logger.Warn("Failed to remove from shared room index",
			slog.String("roomID", roomID), slog.Any("error", err))
	}
	r.logger.Debug("Connection left room",
		slog.String("connID", connID), slog.String("roomID", roomID))
	return true
}

// GetRoomConnections returns the connection ids in a room, cross-node.
func (r *Registry) GetRoomConnections(ctx context.Context, tenantID, roomID string) []string {
	return r.indexMembers(ctx, r.rooms, roomConnectionsKey(tenantID, roomID))
}

// GetConnectionRooms returns the room ids one connection has joined.
func (r *Registry) GetConnectionRooms(ctx context.Context, connID string) []string {
	conn, ok := r.lookup(ctx, connID)
	if !ok {
		return nil
	}
	keys := r.connRooms.members(connID)
	rooms := make([]string, 0, len(keys))
	for _, key := range keys {
		rooms = append(rooms, roomIDFromKey(conn.TenantID, key))
	}
	return rooms
}

// GetUserRooms unions the rooms of every connection the user has.
func (r *Registry) GetUserRooms(ctx context.Context, tenantID, userID string) []string {
	seen := make(map[string]struct{})
	var rooms []string
	for _, connID := range r.GetUserConnections(ctx, tenantID, userID) {
		for _, key := range r.connRooms.members(connID) {
			roomID := roomIDFromKey(tenantID, key)
			if _, dup := seen[roomID]; dup {
				continue
			}
			seen[roomID] = struct{}{}
			rooms = append(rooms, roomID)
		}
	}
	return rooms
}
