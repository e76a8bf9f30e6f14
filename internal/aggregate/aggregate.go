// Package aggregate folds activity events into per-category outcome records.
package aggregate

import (
	"sort"
	"strings"
	"sync"

	"github.com/basket/oversight/internal/activity"
)

// DefaultFailureCap is the number of distinct failures kept per category.
const DefaultFailureCap = 5

// Success is one distinct successful approach and how many tasks it solved.
type Success struct {
	Approach string
	Count    int
}

// Record is the derived view of a category's history.
type Record struct {
	Category    string
	Attempts    int
	Profiles    int
	LastProfile string
	Successes   []Success // first-seen order
	Failures    []string  // oldest first, at most the configured cap
}

// Empty reports whether the record carries no outcomes.
func (r Record) Empty() bool {
	return len(r.Successes) == 0 && len(r.Failures) == 0
}

// RankedSuccesses returns successes ordered by count descending, ties in
// first-seen order. limit <= 0 returns all of them.
func (r Record) RankedSuccesses(limit int) []Success {
	out := make([]Success, len(r.Successes))
	copy(out, r.Successes)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// RecentFailures returns failures newest first.
func (r Record) RecentFailures() []string {
	out := make([]string, len(r.Failures))
	for i, f := range r.Failures {
		out[len(r.Failures)-1-i] = f
	}
	return out
}

func (r Record) clone() Record {
	c := r
	c.Successes = append([]Success(nil), r.Successes...)
	c.Failures = append([]string(nil), r.Failures...)
	return c
}

// ApproachKey is the comparison key used for deduplication.
func ApproachKey(approach string) string {
	return strings.ToLower(strings.TrimSpace(approach))
}

type folded struct {
	cursor   int
	rec      Record
	succIdx  map[string]int
	failKeys []string
}

// Aggregator derives records from a store, folding new events incrementally.
type Aggregator struct {
	store      *activity.Store
	failureCap int

	mu    sync.Mutex
	state map[string]*folded
}

// New creates an aggregator over store. failureCap <= 0 uses DefaultFailureCap.
func New(store *activity.Store, failureCap int) *Aggregator {
	if failureCap <= 0 {
		failureCap = DefaultFailureCap
	}
	return &Aggregator{
		store:      store,
		failureCap: failureCap,
		state:      make(map[string]*folded),
	}
}

// Aggregate returns the record for category, reflecting every event appended
// before the call.
func (a *Aggregator) Aggregate(category string) Record {
	category = activity.NormalizeCategory(category)

	a.mu.Lock()
	defer a.mu.Unlock()

	f, ok := a.state[category]
	if !ok {
		f = &folded{rec: Record{Category: category}, succIdx: make(map[string]int)}
	}
	events := a.store.Since(category, f.cursor)
	if len(events) == 0 {
		if !ok {
			return Record{Category: category}
		}
		return f.rec.clone()
	}
	for _, ev := range events {
		a.fold(f, ev)
	}
	f.cursor += len(events)
	a.state[category] = f
	return f.rec.clone()
}

func (a *Aggregator) fold(f *folded, ev activity.Event) {
	switch ev.Kind {
	case activity.KindStart:
		f.rec.Attempts++
	case activity.KindProfile:
		f.rec.Profiles++
		if ev.Detail != "" {
			f.rec.LastProfile = ev.Detail
		}
	case activity.KindSuccess:
		key := ApproachKey(ev.Approach)
		if key == "" {
			return
		}
		if i, ok := f.succIdx[key]; ok {
			f.rec.Successes[i].Count += ev.Count
			return
		}
		f.succIdx[key] = len(f.rec.Successes)
		f.rec.Successes = append(f.rec.Successes, Success{Approach: ev.Approach, Count: ev.Count})
	case activity.KindFailure:
		key := ApproachKey(ev.Approach)
		if key == "" {
			return
		}
		for _, k := range f.failKeys {
			if k == key {
				return
			}
		}
		f.failKeys = append(f.failKeys, key)
		f.rec.Failures = append(f.rec.Failures, ev.Approach)
		if len(f.failKeys) > a.failureCap {
			drop := len(f.failKeys) - a.failureCap
			f.failKeys = append([]string(nil), f.failKeys[drop:]...)
			f.rec.Failures = append([]string(nil), f.rec.Failures[drop:]...)
		}
	}
}
