package router

import "sync/atomic"

// Stats are the router counters surfaced through the heartbeat.
type Stats struct {
	Processed atomic.Int64
	RoutedCEX atomic.Int64
	RoutedHL  atomic.Int64
	RoutedDEX atomic.Int64
	Notified  atomic.Int64
	Dropped   atomic.Int64
	Errors    atomic.Int64
}

// Snapshot renders the counters for the heartbeat stats field.
func (s *Stats) Snapshot(notifier *Notifier) map[string]any {
	snap := map[string]any{
		"processed":  s.Processed.Load(),
		"routed_cex": s.RoutedCEX.Load(),
		"routed_hl":  s.RoutedHL.Load(),
		"routed_dex": s.RoutedDEX.Load(),
		"notified":   s.Notified.Load(),
		"dropped":    s.Dropped.Load(),
		"errors":     s.Errors.Load(),
	}
	if notifier != nil {
		snap["notify_sent"] = notifier.Sent.Load()
		snap["notify_failures"] = notifier.Failures.Load()
	}
	return snap
}
