package cache

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Hits          int64
	Misses        int64
	Evictions     int64
	Expirations   int64
	Entries       int64
	Bytes         int64
	BudgetBytes   int64
	LogBytes      int64
	Compactions   int64
	PersistErrors int64
}

// HitRate returns hits / (hits + misses), or 0 before the first lookup.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Stats returns the current counters.
func (c *Cache) Stats() Stats {
	st := Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Evictions:     c.evictions.Load(),
		Expirations:   c.expirations.Load(),
		Entries:       c.entries.Load(),
		Bytes:         c.bytes.Load(),
		BudgetBytes:   c.maxBytes.Load(),
		Compactions:   c.compactions.Load(),
		PersistErrors: c.persistErrors.Load(),
	}
	if c.log != nil {
		st.LogBytes = c.log.Size()
	}
	return st
}
