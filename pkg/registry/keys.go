package registry

import "strings"

// Shared-store key layout. The set-typed keys are the cross-node source of
// truth for membership; the local indices mirror them.

func connectionKey(connID string) string {
	return "connection:" + connID
}

func userConnectionsKey(tenantID, userID string) string {
	return "user_connections:" + tenantID + ":" + userID
}

func tenantConnectionsKey(tenantID string) string {
	return "tenant_connections:" + tenantID
}

func roomConnectionsKey(tenantID, roomID string) string {
	return "room_connections:" + tenantID + ":" + roomID
}

func roomIDFromKey(tenantID, key string) string {
	return strings.TrimPrefix(key, "room_connections:"+tenantID+":")
}

// Channel names, one per fanout scope. Exported so the node-local
// subscriber loop can name the channels it acquires.

func RoomChannel(tenantID, roomID string) string {
	return "room:" + tenantID + ":" + roomID
}

func UserChannel(tenantID, userID string) string {
	return "user:" + tenantID + ":" + userID
}

func TenantChannel(tenantID string) string {
	return "tenant:" + tenantID
}
