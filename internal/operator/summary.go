package operator

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Summary is a read-only snapshot of operator activity.
type Summary struct {
	TotalEvents        int
	Attempts           map[string]int // start events per category
	ContextRequests    int64
	BriefingsStarted   int
	BriefingsGenerated int
	BriefingsFailed    int
	Coalesced          int
	StaleServed        int
	GenerationLatency  time.Duration
}

// Summary reports counters without touching any state.
func (op *Operator) Summary() Summary {
	stats := op.cache.Stats()
	s := Summary{
		TotalEvents:        op.store.Len(),
		Attempts:           make(map[string]int),
		ContextRequests:    op.contextRequests.Load(),
		BriefingsStarted:   stats.Started,
		BriefingsGenerated: stats.Succeeded,
		BriefingsFailed:    stats.Failed,
		Coalesced:          stats.Coalesced,
		StaleServed:        stats.StaleServed,
		GenerationLatency:  stats.TotalLatency,
	}
	for _, cat := range op.store.Categories() {
		s.Attempts[cat] = op.agg.Aggregate(cat).Attempts
	}
	return s
}

// MeanLatency is the average generation latency, or zero before any finished.
func (s Summary) MeanLatency() time.Duration {
	n := s.BriefingsGenerated + s.BriefingsFailed
	if n == 0 {
		return 0
	}
	return s.GenerationLatency / time.Duration(n)
}

func (s Summary) String() string {
	cats := make([]string, 0, len(s.Attempts))
	for c := range s.Attempts {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	parts := make([]string, len(cats))
	for i, c := range cats {
		parts[i] = fmt.Sprintf("%s=%d", c, s.Attempts[c])
	}
	return fmt.Sprintf("events=%d context_requests=%d briefings=%d failed=%d coalesced=%d attempts{%s}",
		s.TotalEvents, s.ContextRequests, s.BriefingsGenerated, s.BriefingsFailed, s.Coalesced, strings.Join(parts, " "))
}
