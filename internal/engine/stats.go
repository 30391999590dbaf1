package engine

import "sync/atomic"

// Stats holds the crawler's lightweight counters: NodesSeen counts every
// routing-table insert that places or refreshes a node, and the searcher
// counters move as searchers start, converge, or hit their deadline.
type Stats struct {
	NodesSeen          atomic.Int64
	SearchersStarted   atomic.Int64
	SearchersConverged atomic.Int64
	SearchersExpired   atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats, safe to read after the
// engine has moved on.
type StatsSnapshot struct {
	NodesSeen          int64
	SearchersStarted   int64
	SearchersConverged int64
	SearchersExpired   int64
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		NodesSeen:          s.NodesSeen.Load(),
		SearchersStarted:   s.SearchersStarted.Load(),
		SearchersConverged: s.SearchersConverged.Load(),
		SearchersExpired:   s.SearchersExpired.Load(),
	}
}
