package hnsw

// LevelStats describes one layer of the graph.
type LevelStats struct {
	Level          int
	Nodes          int
	Connections    int
	AvgConnections float64
}

// Stats is a point-in-time summary of the graph.
type Stats struct {
	Nodes      int
	Live       int
	Tombstones int
	MaxLevel   int
	Levels     []LevelStats
}

// Stats walks the arena and returns per-level counts.
func (h *HNSW) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	st := Stats{
		Nodes:      len(h.nodes),
		Live:       h.live,
		Tombstones: int(h.tombstones.GetCardinality()),
		MaxLevel:   h.maxLevel,
		Levels:     make([]LevelStats, h.maxLevel+1),
	}
	for l := range st.Levels {
		st.Levels[l].Level = l
	}
	for _, n := range h.nodes {
		for l := 0; l <= n.level && l < len(st.Levels); l++ {
			st.Levels[l].Nodes++
			st.Levels[l].Connections += len(n.neighbors[l])
		}
	}
	for l := range st.Levels {
		if st.Levels[l].Nodes > 0 {
			st.Levels[l].AvgConnections = float64(st.Levels[l].Connections) / float64(st.Levels[l].Nodes)
		}
	}
	return st
}
