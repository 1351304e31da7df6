package fusion

import "sync/atomic"

// Stats are the fusion counters surfaced through the heartbeat. Score
// sums are kept in hundredths so atomics suffice.
type Stats struct {
	Processed   atomic.Int64
	Rejected    atomic.Int64
	Duplicate   atomic.Int64
	Fused       atomic.Int64
	Filtered    atomic.Int64
	SuperEvents atomic.Int64
	Reclaimed   atomic.Int64
	Errors      atomic.Int64

	scoreSumHundredths atomic.Int64
	scoreCount         atomic.Int64
}

func (s *Stats) observeScore(score float64) {
	s.scoreSumHundredths.Add(int64(score * 100))
	s.scoreCount.Add(1)
}

// AvgScore is the mean score of fused events emitted so far.
func (s *Stats) AvgScore() float64 {
	n := s.scoreCount.Load()
	if n == 0 {
		return 0
	}
	return float64(s.scoreSumHundredths.Load()) / 100 / float64(n)
}

// Snapshot renders the counters for the heartbeat stats field.
func (s *Stats) Snapshot() map[string]any {
	return map[string]any{
		"processed":    s.Processed.Load(),
		"rejected":     s.Rejected.Load(),
		"duplicate":    s.Duplicate.Load(),
		"fused":        s.Fused.Load(),
		"filtered":     s.Filtered.Load(),
		"super_events": s.SuperEvents.Load(),
		"reclaimed":    s.Reclaimed.Load(),
		"errors":       s.Errors.Load(),
		"avg_score":    s.AvgScore(),
	}
}
