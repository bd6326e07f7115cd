package registry

// Health is a read-only snapshot for liveness endpoints.
type Health struct {
	Status      string `json:"status"`
	NodeID      string `json:"node_id"`
	Connections int    `json:"connections"`
	Tenants     int    `json:"tenants"`
}

// Stats aggregates connection counts for observability.
type Stats struct {
	Total    int            `json:"total"`
	ByTenant map[string]int `json:"by_tenant"`
	ByNode   map[string]int `json:"by_node"`
}

// GetHealth summarizes the local cache without mutating any state.
func (r *Registry) GetHealth() Health {
	tenants := make(map[string]struct{})
	total := 0
	for _, item := range r.local.Items() {
		total++
		tenants[item.Value().TenantID] = struct{}{}
	}
	return Health{Status: "ok", NodeID: r.nodeID, Connections: total, Tenants: len(tenants)}
}

// GetConnectionStats breaks the local cache down by tenant and node.
func (r *Registry) GetConnectionStats() Stats {
	stats := Stats{ByTenant: make(map[string]int), ByNode: make(map[string]int)}
	for _, item := range r.local.Items() {
		conn := item.Value()
		stats.Total++
		stats.ByTenant[conn.TenantID]++
		stats.ByNode[conn.NodeID]++
	}
	return stats
}
