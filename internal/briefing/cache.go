// Package briefing caches narrative briefings per category and coalesces
// concurrent generation requests so each category has at most one in-flight
// collaborator call.
package briefing

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/basket/oversight/internal/bus"
	"github.com/basket/oversight/internal/escalation"
	"github.com/basket/oversight/internal/narrative"
	otelPkg "github.com/basket/oversight/internal/otel"
)

// waitGrace is added to the generator timeout when bounding a caller's wait.
const waitGrace = 20 * time.Millisecond

// State is the lifecycle state of a category's briefing.
type State int

const (
	StateAbsent State = iota
	StatePending
	StateReady
	StateStale
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateReady:
		return "ready"
	case StateStale:
		return "stale"
	default:
		return "absent"
	}
}

// Generator produces briefing text within its own time budget.
type Generator interface {
	Generate(ctx context.Context, in narrative.Input) (string, error)
	Timeout() time.Duration
}

// Briefing is a point-in-time copy of a cache entry.
type Briefing struct {
	Category    string
	Text        string
	GeneratedAt int // attempt count the text was generated for
	State       State
}

// Stats are cumulative cache counters.
type Stats struct {
	Started      int
	Succeeded    int
	Failed       int
	Coalesced    int
	StaleServed  int
	TotalLatency time.Duration
}

type entry struct {
	text        string
	generatedAt int
	state       State
}

// Cache holds one briefing per category.
type Cache struct {
	gen     Generator
	policy  atomic.Pointer[escalation.Policy]
	group   singleflight.Group
	bus     *bus.Bus
	metrics *otelPkg.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	stats   Stats

	inflight sync.WaitGroup
}

// Option configures a Cache.
type Option func(*Cache)

// WithBus publishes briefing lifecycle events on b.
func WithBus(b *bus.Bus) Option { return func(c *Cache) { c.bus = b } }

// WithMetrics records generation metrics.
func WithMetrics(m *otelPkg.Metrics) Option { return func(c *Cache) { c.metrics = m } }

// WithLogger sets the cache's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a cache that generates through gen and judges staleness with policy.
func New(gen Generator, policy escalation.Policy, opts ...Option) *Cache {
	c := &Cache{
		gen:     gen,
		logger:  slog.Default(),
		entries: make(map[string]*entry),
	}
	c.SetPolicy(policy)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetPolicy replaces the staleness policy.
func (c *Cache) SetPolicy(p escalation.Policy) {
	p = p.Normalize()
	c.policy.Store(&p)
}

// Policy returns the current staleness policy.
func (c *Cache) Policy() escalation.Policy {
	return *c.policy.Load()
}

// GetOrGenerate returns the briefing for in.Category, generating one if
// needed. A fresh briefing is returned immediately. A stale briefing is
// returned immediately while a replacement is generated in the background.
// Without any text, the caller waits for the shared in-flight generation,
// bounded by the generator timeout and ctx. The boolean is false when no
// briefing text is available.
func (c *Cache) GetOrGenerate(ctx context.Context, in narrative.Input) (string, bool) {
	policy := c.Policy()

	c.mu.Lock()
	e, ok := c.entries[in.Category]
	if !ok {
		e = &entry{state: StateAbsent}
		c.entries[in.Category] = e
	}

	if e.state == StateReady && !policy.Stale(e.generatedAt, in.Record.Attempts) {
		text := e.text
		c.mu.Unlock()
		return text, true
	}

	if e.text != "" {
		if e.state != StatePending {
			c.startLocked(ctx, e, in)
		}
		text := e.text
		c.stats.StaleServed++
		c.mu.Unlock()
		c.count(ctx, c.metricStale(), in.Category)
		return text, true
	}

	joining := e.state == StatePending
	if !joining {
		e.state = StatePending
		c.inflight.Add(1)
		c.stats.Started++
	} else {
		c.stats.Coalesced++
	}
	ch := c.group.DoChan(in.Category, c.generateFunc(ctx, in))
	c.mu.Unlock()

	if joining {
		c.count(ctx, c.metricCoalesced(), in.Category)
	}
	return c.wait(ctx, ch)
}

// startLocked launches a background regeneration for an entry that still has
// servable text. c.mu must be held.
func (c *Cache) startLocked(ctx context.Context, e *entry, in narrative.Input) {
	e.state = StatePending
	c.inflight.Add(1)
	c.stats.Started++
	c.group.DoChan(in.Category, c.generateFunc(ctx, in))
}

func (c *Cache) wait(ctx context.Context, ch <-chan singleflight.Result) (string, bool) {
	timer := time.NewTimer(c.gen.Timeout() + waitGrace)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", false
		}
		text, _ := res.Val.(string)
		return text, text != ""
	case <-timer.C:
		return "", false
	case <-ctx.Done():
		return "", false
	}
}

// generateFunc builds the shared call for a category. The call runs on a
// context detached from the first caller's cancellation so abandoned waits
// still populate the cache.
func (c *Cache) generateFunc(ctx context.Context, in narrative.Input) func() (any, error) {
	genCtx := context.WithoutCancel(ctx)
	return func() (any, error) {
		defer c.inflight.Done()

		start := time.Now()
		text, err := c.gen.Generate(genCtx, in)
		elapsed := time.Since(start)

		c.mu.Lock()
		c.group.Forget(in.Category)
		e := c.entries[in.Category]
		c.stats.TotalLatency += elapsed
		if err != nil {
			c.stats.Failed++
			if e.text != "" {
				e.state = StateStale
			} else {
				e.state = StateAbsent
			}
		} else {
			c.stats.Succeeded++
			e.text = text
			e.generatedAt = in.Record.Attempts
			e.state = StateReady
		}
		c.mu.Unlock()

		c.observe(genCtx, in, elapsed, err)
		return text, err
	}
}

func (c *Cache) observe(ctx context.Context, in narrative.Input, elapsed time.Duration, err error) {
	ev := bus.BriefingEvent{Category: in.Category, Attempts: in.Record.Attempts, Latency: elapsed}
	attrs := metric.WithAttributes(otelPkg.AttrCategory.String(in.Category))
	if c.metrics != nil {
		c.metrics.BriefingDuration.Record(ctx, elapsed.Seconds(), attrs)
	}

	if err != nil {
		class := narrative.ClassifyError(err)
		ev.ErrorClass = string(class)
		c.logger.Warn("briefing generation failed; serving mechanical context",
			"category", in.Category,
			"attempts", in.Record.Attempts,
			"error_class", string(class),
			"latency_ms", elapsed.Milliseconds(),
			"error", err,
		)
		if c.metrics != nil {
			c.metrics.BriefingFailures.Add(ctx, 1, metric.WithAttributes(
				otelPkg.AttrCategory.String(in.Category),
				otelPkg.AttrErrorClass.String(string(class)),
			))
		}
		if c.bus != nil {
			c.bus.Publish(bus.TopicBriefingFailed, ev)
		}
		return
	}

	c.logger.Info("briefing generated",
		"category", in.Category,
		"attempts", in.Record.Attempts,
		"latency_ms", elapsed.Milliseconds(),
	)
	if c.bus != nil {
		c.bus.Publish(bus.TopicBriefingReady, ev)
	}
}

// Advance marks a ready briefing stale once attempts moves past its refresh
// window. Regeneration happens on the next GetOrGenerate.
func (c *Cache) Advance(category string, attempts int) bool {
	policy := c.Policy()

	c.mu.Lock()
	e, ok := c.entries[category]
	marked := ok && e.state == StateReady && policy.Stale(e.generatedAt, attempts)
	if marked {
		e.state = StateStale
	}
	c.mu.Unlock()

	if marked {
		c.logger.Debug("briefing marked stale", "category", category, "attempts", attempts)
		if c.bus != nil {
			c.bus.Publish(bus.TopicBriefingStale, bus.BriefingEvent{Category: category, Attempts: attempts})
		}
	}
	return marked
}

// Get returns the current entry for category.
func (c *Cache) Get(category string) Briefing {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[category]
	if !ok {
		return Briefing{Category: category, State: StateAbsent}
	}
	return Briefing{Category: category, Text: e.text, GeneratedAt: e.generatedAt, State: e.state}
}

// Briefings returns every entry with text, sorted by category.
func (c *Cache) Briefings() []Briefing {
	c.mu.Lock()
	out := make([]Briefing, 0, len(c.entries))
	for cat, e := range c.entries {
		if e.text == "" {
			continue
		}
		out = append(out, Briefing{Category: cat, Text: e.text, GeneratedAt: e.generatedAt, State: e.state})
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}

// Stats returns a copy of the cumulative counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Wait blocks until every background generation has finished or ctx ends.
func (c *Cache) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Cache) metricStale() metric.Int64Counter {
	if c.metrics == nil {
		return nil
	}
	return c.metrics.BriefingStale
}

func (c *Cache) metricCoalesced() metric.Int64Counter {
	if c.metrics == nil {
		return nil
	}
	return c.metrics.BriefingCoalesced
}

func (c *Cache) count(ctx context.Context, counter metric.Int64Counter, category string) {
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(otelPkg.AttrCategory.String(category)))
}
