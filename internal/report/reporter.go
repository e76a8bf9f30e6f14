// Package report logs operator summaries on a cron schedule.
package report

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/oversight/internal/operator"
)

// DefaultSchedule logs a summary once a minute.
const DefaultSchedule = "@every 1m"

// cronParser accepts standard 5-field expressions and descriptors such as @every.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Summarizer is satisfied by *operator.Operator.
type Summarizer interface {
	Summary() operator.Summary
}

// Config holds the dependencies for the reporter.
type Config struct {
	Source   Summarizer
	Logger   *slog.Logger
	Schedule string // cron spec; defaults to DefaultSchedule
}

// Reporter periodically logs the operator summary.
type Reporter struct {
	source   Summarizer
	logger   *slog.Logger
	schedule string
	cron     *cronlib.Cron

	mu      sync.Mutex
	reports int
	last    operator.Summary
}

// NewReporter validates the schedule and creates a Reporter.
func NewReporter(cfg Config) (*Reporter, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("report: nil summary source")
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := cronParser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("report: parse schedule %q: %w", schedule, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		source:   cfg.Source,
		logger:   logger,
		schedule: schedule,
	}, nil
}

// Start schedules summary logging. Stop must be called to release the
// cron goroutine.
func (r *Reporter) Start(ctx context.Context) error {
	c := cronlib.New(cronlib.WithParser(cronParser))
	if _, err := c.AddFunc(r.schedule, func() { r.Report(ctx) }); err != nil {
		return fmt.Errorf("report: schedule: %w", err)
	}
	r.mu.Lock()
	r.cron = c
	r.mu.Unlock()
	c.Start()

	next, _ := NextRunTime(r.schedule, time.Now())
	r.logger.Info("summary reporter started", "schedule", r.schedule, "next_run_at", next)
	return nil
}

// Stop halts the schedule and waits for a running report to finish.
func (r *Reporter) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	r.logger.Info("summary reporter stopped", "reports", r.Reports())
}

// Report logs one summary immediately.
func (r *Reporter) Report(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	s := r.source.Summary()

	r.mu.Lock()
	prev := r.last
	r.last = s
	r.reports++
	r.mu.Unlock()

	r.logger.Info("operator summary",
		"events", s.TotalEvents,
		"new_events", s.TotalEvents-prev.TotalEvents,
		"categories", len(s.Attempts),
		"attempts", attemptsAttr(s.Attempts),
		"context_requests", s.ContextRequests,
		"briefings_generated", s.BriefingsGenerated,
		"briefings_failed", s.BriefingsFailed,
		"coalesced", s.Coalesced,
		"stale_served", s.StaleServed,
		"mean_latency_ms", s.MeanLatency().Milliseconds(),
	)
}

// Reports returns how many summaries have been logged.
func (r *Reporter) Reports() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reports
}

func attemptsAttr(attempts map[string]int) slog.Value {
	cats := make([]string, 0, len(attempts))
	for c := range attempts {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	attrs := make([]slog.Attr, len(cats))
	for i, c := range cats {
		attrs[i] = slog.Int(c, attempts[c])
	}
	return slog.GroupValue(attrs...)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
