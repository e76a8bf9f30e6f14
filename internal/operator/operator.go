// Package operator is the oversight facade workers talk to. Workers report
// activity through Observe and the Record helpers; before starting a task they
// ask GetContext for what the group has already learned about its category.
package operator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/oversight/internal/activity"
	"github.com/basket/oversight/internal/aggregate"
	"github.com/basket/oversight/internal/briefing"
	"github.com/basket/oversight/internal/bus"
	"github.com/basket/oversight/internal/escalation"
	"github.com/basket/oversight/internal/narrative"
	otelPkg "github.com/basket/oversight/internal/otel"
	"github.com/basket/oversight/internal/shared"
)

const (
	probeTimeout = 3 * time.Second
	maxRelated   = 8
)

// Task describes the work a caller is about to start. It is never stored.
type Task struct {
	TaskID    string
	Category  string
	Profile   string
	GroupSize int
}

// Pinger is implemented by collaborators that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Operator aggregates worker activity and serves per-category context.
type Operator struct {
	cfg     Config
	store   *activity.Store
	agg     *aggregate.Aggregator
	cache   *briefing.Cache
	bus     *bus.Bus
	metrics *otelPkg.Metrics
	tracer  trace.Tracer
	logger  *slog.Logger

	contextRequests atomic.Int64
	closed          atomic.Bool
}

type options struct {
	collab  narrative.Collaborator
	logger  *slog.Logger
	bus     *bus.Bus
	metrics *otelPkg.Metrics
	tracer  trace.Tracer
}

// Option configures an Operator.
type Option func(*options)

// WithCollaborator replaces the default Ollama client.
func WithCollaborator(c narrative.Collaborator) Option {
	return func(o *options) { o.collab = c }
}

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithBus publishes activity, briefing and policy events on b.
func WithBus(b *bus.Bus) Option {
	return func(o *options) { o.bus = b }
}

// WithMetrics records operator metrics.
func WithMetrics(m *otelPkg.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithTracer records spans for context requests and collaborator calls.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// New validates cfg and assembles an Operator. Configuration problems are
// reported as *ConfigError.
func New(cfg Config, opts ...Option) (*Operator, error) {
	cfg, err := cfg.validate()
	if err != nil {
		return nil, err
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.bus == nil {
		o.bus = bus.New()
	}
	if o.tracer == nil {
		o.tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	if o.collab == nil {
		client, err := narrative.NewOllamaClient(cfg.Endpoint, nil, o.logger)
		if err != nil {
			return nil, &ConfigError{Field: "Endpoint", Err: err}
		}
		o.collab = client
	}

	if cfg.ProbeCollaborator {
		p, ok := o.collab.(Pinger)
		if !ok {
			return nil, &ConfigError{Field: "ProbeCollaborator", Err: fmt.Errorf("collaborator %T cannot be probed", o.collab)}
		}
		ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
		err := p.Ping(ctx)
		cancel()
		if err != nil {
			return nil, &ConfigError{Field: "Endpoint", Err: fmt.Errorf("probe collaborator: %w", err)}
		}
	}

	op := &Operator{
		cfg:     cfg,
		bus:     o.bus,
		metrics: o.metrics,
		tracer:  o.tracer,
		logger:  o.logger,
	}
	op.store = activity.NewStore(op.onAppend)
	op.agg = aggregate.New(op.store, cfg.FailureCap)

	gen := narrative.NewGenerator(o.collab, narrative.Config{Model: cfg.Model, Timeout: cfg.Timeout},
		narrative.WithTracer(o.tracer),
		narrative.WithLogger(o.logger),
	)
	op.cache = briefing.New(gen, cfg.policy(),
		briefing.WithBus(o.bus),
		briefing.WithMetrics(o.metrics),
		briefing.WithLogger(o.logger),
	)

	endpoint := cfg.Endpoint
	if c, ok := o.collab.(*narrative.OllamaClient); ok {
		endpoint = c.Endpoint()
	}
	op.logger.Info("operator ready",
		"endpoint", shared.RedactURL(endpoint),
		"model", cfg.Model,
		"timeout", cfg.Timeout.String(),
		"escalation_threshold", cfg.EscalationThreshold,
		"refresh_interval", cfg.RefreshInterval,
	)
	return op, nil
}

// Config returns the validated configuration.
func (op *Operator) Config() Config { return op.cfg }

// Bus returns the event bus the operator publishes on.
func (op *Operator) Bus() *bus.Bus { return op.bus }

func (op *Operator) onAppend(ev activity.Event) {
	if op.metrics != nil {
		op.metrics.ActivityEvents.Add(context.Background(), 1, metric.WithAttributes(
			otelPkg.AttrCategory.String(ev.Category),
			otelPkg.AttrKind.String(string(ev.Kind)),
		))
	}
	op.bus.Publish(bus.ActivityTopic(string(ev.Kind)), bus.ActivityEvent{
		EventID:  ev.ID,
		TaskID:   ev.TaskID,
		Category: ev.Category,
		Kind:     string(ev.Kind),
		Approach: ev.Approach,
	})
}

// ObserveOption sets optional fields of an observed event.
type ObserveOption func(*activity.Event)

// WithApproach names the approach a worker tried.
func WithApproach(approach string) ObserveOption {
	return func(ev *activity.Event) { ev.Approach = approach }
}

// WithDetail attaches free text, such as a task profile.
func WithDetail(detail string) ObserveOption {
	return func(ev *activity.Event) { ev.Detail = detail }
}

// WithCount sets how many tasks a success solved.
func WithCount(n int) ObserveOption {
	return func(ev *activity.Event) { ev.Count = n }
}

// Observe records one activity event. It fails only with
// activity.ErrMalformedEvent.
func (op *Operator) Observe(taskID string, kind activity.Kind, category string, opts ...ObserveOption) error {
	ev := activity.Event{TaskID: taskID, Kind: kind, Category: category}
	for _, opt := range opts {
		opt(&ev)
	}

	stored, err := op.store.Append(ev)
	if err != nil {
		op.logger.Debug("activity event rejected", "task_id", taskID, "kind", string(kind), "error", err)
		return err
	}

	if stored.Kind == activity.KindStart {
		rec := op.agg.Aggregate(stored.Category)
		op.cache.Advance(stored.Category, rec.Attempts)
	}
	return nil
}

// RecordProfile stores a short description of a task in category.
func (op *Operator) RecordProfile(taskID, category, profile string) error {
	return op.Observe(taskID, activity.KindProfile, category, WithDetail(profile))
}

// RecordSuccess records that approach solved count tasks in category. A count
// below one is recorded as one.
func (op *Operator) RecordSuccess(category, approach string, count int) error {
	if strings.TrimSpace(approach) == "" {
		return fmt.Errorf("%w: missing approach", activity.ErrMalformedEvent)
	}
	if count < 1 {
		count = 1
	}
	return op.Observe("", activity.KindSuccess, category, WithApproach(approach), WithCount(count))
}

// RecordFailure records that approach failed in category.
func (op *Operator) RecordFailure(category, approach string) error {
	if strings.TrimSpace(approach) == "" {
		return fmt.Errorf("%w: missing approach", activity.ErrMalformedEvent)
	}
	return op.Observe("", activity.KindFailure, category, WithApproach(approach))
}

// GetContext returns what the group knows about task's category: ranked
// successes and recent failures, plus a narrative briefing once the category
// has escalated. It returns "" for a category with no recorded outcomes and
// never fails; narrative problems degrade to the mechanical block.
func (op *Operator) GetContext(ctx context.Context, task Task) string {
	op.contextRequests.Add(1)

	category := activity.NormalizeCategory(task.Category)
	if category == "" {
		return ""
	}
	ctx = shared.WithTaskID(ctx, task.TaskID)

	rec := op.agg.Aggregate(category)
	tier := op.cache.Policy().Tier(rec.Attempts)

	ctx, span := otelPkg.StartSpan(ctx, op.tracer, "operator.get_context",
		otelPkg.AttrCategory.String(category),
		otelPkg.AttrTaskID.String(task.TaskID),
		otelPkg.AttrAttempts.Int(rec.Attempts),
		otelPkg.AttrTier.String(tier.String()),
	)
	defer span.End()

	if op.metrics != nil {
		op.metrics.ContextRequests.Add(ctx, 1, metric.WithAttributes(
			otelPkg.AttrCategory.String(category),
			otelPkg.AttrTier.String(tier.String()),
		))
	}

	if rec.Empty() {
		return ""
	}
	mechanical := FormatMechanical(rec, op.cfg.SuccessLimit)
	if tier != escalation.Intelligent {
		return mechanical
	}

	text, ok := op.cache.GetOrGenerate(ctx, narrative.Input{
		Category:  category,
		Record:    rec,
		Profile:   task.Profile,
		GroupSize: task.GroupSize,
		Related:   op.related(category),
	})
	if !ok {
		op.logger.Debug("no briefing available; mechanical context only",
			"category", category,
			"task_id", shared.TaskID(ctx),
			"attempts", rec.Attempts,
		)
		return mechanical
	}
	return joinBlocks(mechanical, NotesPrefix+text)
}

// related returns the records of other categories with recorded outcomes,
// at most maxRelated of them.
func (op *Operator) related(category string) []aggregate.Record {
	var out []aggregate.Record
	for _, cat := range op.store.Categories() {
		if cat == category {
			continue
		}
		if rec := op.agg.Aggregate(cat); !rec.Empty() {
			out = append(out, rec)
			if len(out) == maxRelated {
				break
			}
		}
	}
	return out
}

// UpdatePolicy retunes escalation at runtime. Existing briefings are judged
// against the new refresh windows at their next lookup.
func (op *Operator) UpdatePolicy(p escalation.Policy) {
	p = p.Normalize()
	op.cache.SetPolicy(p)
	op.logger.Info("escalation policy updated", "threshold", p.Threshold, "refresh_interval", p.RefreshInterval)
	op.bus.Publish(bus.TopicPolicyUpdated, bus.PolicyEvent{Threshold: p.Threshold, RefreshInterval: p.RefreshInterval})
}

// Policy returns the escalation policy in effect.
func (op *Operator) Policy() escalation.Policy { return op.cache.Policy() }

// Briefing returns the cache entry for category, which is absent when nothing
// has been generated.
func (op *Operator) Briefing(category string) briefing.Briefing {
	return op.cache.Get(activity.NormalizeCategory(category))
}

// Briefings returns the cached briefings, sorted by category.
func (op *Operator) Briefings() []briefing.Briefing {
	return op.cache.Briefings()
}

// Close waits for background generations to finish, bounded by ctx. Close is
// idempotent; the operator remains usable for reads afterwards.
func (op *Operator) Close(ctx context.Context) error {
	if !op.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := op.cache.Wait(ctx); err != nil {
		return fmt.Errorf("wait for background briefings: %w", err)
	}
	return nil
}
