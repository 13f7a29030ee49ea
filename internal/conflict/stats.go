package conflict

import "time"

// Statistics is a snapshot of resolver activity.
type Statistics struct {
	TotalResolved       int            `json:"total_resolved"`
	ByMethod            map[Method]int `json:"by_method"`
	ByType              map[Type]int   `json:"by_type"`
	AverageLatency      time.Duration  `json:"average_latency"`
	AutoResolvedPercent float64        `json:"auto_resolved_percent"`
	PendingManual       int            `json:"pending_manual"`
}

type counters struct {
	total        int
	byMethod     map[Method]int
	byType       map[Type]int
	totalLatency time.Duration
}

func newCounters() counters {
	return counters{byMethod: make(map[Method]int), byType: make(map[Type]int)}
}

func (s *counters) record(c *Conflict, res *Resolution) {
	s.total++
	s.byMethod[res.Method]++
	s.byType[c.Type]++
	if lat := res.ResolvedAt.Sub(c.DetectedAt); lat > 0 {
		s.totalLatency += lat
	}
}

// Statistics returns a snapshot of the running statistics.
func (r *Resolver) Statistics() Statistics {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Statistics{
		TotalResolved: r.stats.total,
		ByMethod:      make(map[Method]int, len(r.stats.byMethod)),
		ByType:        make(map[Type]int, len(r.stats.byType)),
		PendingManual: len(r.pending),
	}
	for k, v := range r.stats.byMethod {
		st.ByMethod[k] = v
	}
	for k, v := range r.stats.byType {
		st.ByType[k] = v
	}
	if r.stats.total > 0 {
		st.AverageLatency = r.stats.totalLatency / time.Duration(r.stats.total)
		auto := r.stats.total - r.stats.byMethod[MethodManualMerge]
		st.AutoResolvedPercent = float64(auto) / float64(r.stats.total) * 100
	}
	return st
}
