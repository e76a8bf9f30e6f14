// Package activity holds the append-only log of worker activity that the
// operator aggregates into per-category outcome summaries.
package activity

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrMalformedEvent is returned when an event is missing its category or kind.
var ErrMalformedEvent = errors.New("malformed activity event")

// Kind identifies what a worker reported.
type Kind string

const (
	KindStart   Kind = "start"
	KindProfile Kind = "profile"
	KindSuccess Kind = "success"
	KindFailure Kind = "failure"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindStart, KindProfile, KindSuccess, KindFailure:
		return true
	}
	return false
}

// Text field limits applied at append time.
const (
	MaxApproachLen = 400
	MaxDetailLen   = 300
	MaxProfileLen  = 500
)

// Event is one immutable activity record.
type Event struct {
	ID        string
	TaskID    string
	Category  string
	Kind      Kind
	Approach  string
	Detail    string
	Count     int // success count; 1 for every other kind
	Timestamp time.Time
}

// NormalizeCategory trims and lowercases a category label.
func NormalizeCategory(category string) string {
	return strings.ToLower(strings.TrimSpace(category))
}

// Store is a concurrency-safe, in-memory event log keyed by category.
type Store struct {
	mu       sync.RWMutex
	byCat    map[string][]Event
	total    int
	now      func() time.Time
	onAppend func(Event)
}

// NewStore creates an empty store. onAppend, if non-nil, is invoked after
// every successful append outside the store lock.
func NewStore(onAppend func(Event)) *Store {
	return &Store{
		byCat:    make(map[string][]Event),
		now:      time.Now,
		onAppend: onAppend,
	}
}

// Append validates, normalizes and records ev, returning the stored copy.
func (s *Store) Append(ev Event) (Event, error) {
	ev.Category = NormalizeCategory(ev.Category)
	if ev.Category == "" {
		return Event{}, fmt.Errorf("%w: missing category", ErrMalformedEvent)
	}
	if ev.Kind == "" {
		return Event{}, fmt.Errorf("%w: missing kind", ErrMalformedEvent)
	}
	if !ev.Kind.Valid() {
		return Event{}, fmt.Errorf("%w: unknown kind %q", ErrMalformedEvent, ev.Kind)
	}

	ev.TaskID = strings.TrimSpace(ev.TaskID)
	ev.Approach = truncate(strings.TrimSpace(ev.Approach), MaxApproachLen)
	if ev.Kind == KindProfile {
		ev.Detail = truncate(ev.Detail, MaxProfileLen)
	} else {
		ev.Detail = truncate(ev.Detail, MaxDetailLen)
	}
	if ev.Kind != KindSuccess || ev.Count < 1 {
		ev.Count = 1
	}
	ev.ID = uuid.NewString()

	s.mu.Lock()
	ev.Timestamp = s.now()
	s.byCat[ev.Category] = append(s.byCat[ev.Category], ev)
	s.total++
	s.mu.Unlock()

	if s.onAppend != nil {
		s.onAppend(ev)
	}
	return ev, nil
}

// Snapshot returns a copy of every event recorded for category, oldest first.
func (s *Store) Snapshot(category string) []Event {
	category = NormalizeCategory(category)
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.byCat[category]
	if len(events) == 0 {
		return nil
	}
	out := make([]Event, len(events))
	copy(out, events)
	return out
}

// Since returns the events for category starting at offset. The returned
// slice is a copy.
func (s *Store) Since(category string, offset int) []Event {
	category = NormalizeCategory(category)
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.byCat[category]
	if offset < 0 {
		offset = 0
	}
	if offset >= len(events) {
		return nil
	}
	out := make([]Event, len(events)-offset)
	copy(out, events[offset:])
	return out
}

// Len returns the total number of events across all categories.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total
}

// Categories returns every category seen so far, sorted.
func (s *Store) Categories() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.byCat))
	for c := range s.byCat {
		out = append(out, c)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
