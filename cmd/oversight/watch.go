package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/basket/oversight/internal/activity"
	"github.com/basket/oversight/internal/bus"
	"github.com/basket/oversight/internal/config"
	"github.com/basket/oversight/internal/operator"
	"github.com/basket/oversight/internal/report"
	"github.com/basket/oversight/internal/shared"
	"github.com/basket/oversight/internal/telemetry"
)

const maxRequestLine = 64 * 1024

// watchRequest is one JSON line on stdin.
type watchRequest struct {
	Op        string `json:"op"` // observe, profile, success, failure, context, briefing, summary
	TraceID   string `json:"trace_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Category  string `json:"category,omitempty"`
	Approach  string `json:"approach,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Count     int    `json:"count,omitempty"`
	Profile   string `json:"profile,omitempty"`
	GroupSize int    `json:"group_size,omitempty"`
}

// watchResponse is one JSON line on stdout.
type watchResponse struct {
	TraceID  string            `json:"trace_id"`
	Op       string            `json:"op"`
	TaskID   string            `json:"task_id,omitempty"`
	Category string            `json:"category,omitempty"`
	Context  string            `json:"context,omitempty"`
	State    string            `json:"state,omitempty"`
	Summary  *operator.Summary `json:"summary,omitempty"`
	Error    string            `json:"error,omitempty"`
}

func runWatchCommand(ctx context.Context, args []string, in io.Reader, out io.Writer, _ bool) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	offline := fs.Bool("offline", false, "use a canned collaborator instead of the configured endpoint")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var a *app
	var err error
	// stdout carries responses, so logs always go to the file only.
	if *offline {
		a, err = startApp(ctx, true, cannedCollaborator{text: offlineBriefing})
	} else {
		a, err = startApp(ctx, true, nil)
	}
	if err != nil {
		return fatal(os.Stderr, "E_STARTUP", err)
	}
	defer a.shutdown()

	reporter, err := report.NewReporter(report.Config{
		Source:   a.op,
		Logger:   a.logger,
		Schedule: a.cfg.SummarySchedule,
	})
	if err != nil {
		return fatal(os.Stderr, "E_REPORTER_INIT", err)
	}
	if err := reporter.Start(ctx); err != nil {
		return fatal(os.Stderr, "E_REPORTER_START", err)
	}
	defer reporter.Stop()

	watcher := config.NewWatcher(a.cfg.HomeDir, a.logger)
	if err := watcher.Start(ctx); err != nil {
		return fatal(os.Stderr, "E_CONFIG_WATCHER_START", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		applyReloads(watcher.Events(), a.cfg, a.op, a.logFile, a.logger)
	}()
	sub := a.bus.Subscribe("briefing.")
	go func() {
		defer wg.Done()
		logBriefingEvents(ctx, sub, a.logger)
	}()

	err = serve(ctx, a.op, in, out, a.logger)
	cancel()
	a.bus.Unsubscribe(sub)
	wg.Wait()
	if n := sub.Dropped(); n > 0 {
		a.logger.Warn("briefing events dropped by the log subscriber", "dropped", n)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error("watch stopped", "error", err)
		return 1
	}
	return 0
}

// applyReloads retunes the operator when config.yaml changes. The escalation
// policy and log level apply live; collaborator changes need a restart.
func applyReloads(events <-chan config.ReloadEvent, current config.Config, op *operator.Operator, logFile *telemetry.LogFile, logger *slog.Logger) {
	for ev := range events {
		next, err := config.Load()
		if err != nil {
			logger.Error("config.yaml reload failed; keeping previous settings", "path", ev.Path, "error", err)
			continue
		}
		if next.Fingerprint() == current.Fingerprint() {
			continue
		}
		if next.Policy() != current.Policy() {
			op.UpdatePolicy(next.Policy())
		}
		if next.LogLevel != current.LogLevel && logFile != nil {
			prev := logFile.Level()
			lvl := logFile.SetLevel(next.LogLevel)
			logger.Info("log level updated", "from", prev.String(), "level", lvl.String())
		}
		if next.Operator.Endpoint != current.Operator.Endpoint || next.Operator.Model != current.Operator.Model {
			logger.Warn("collaborator settings changed; restart to apply",
				"endpoint", shared.RedactURL(next.Operator.Endpoint),
				"model", next.Operator.Model,
			)
		}
		current = next
	}
}

func logBriefingEvents(ctx context.Context, sub *bus.Subscription, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if be, ok := ev.Payload.(bus.BriefingEvent); ok {
				logger.Debug("bus event", "topic", ev.Topic, "category", be.Category, "attempts", be.Attempts, "error_class", be.ErrorClass)
			}
		}
	}
}

// serve answers JSON-lines requests from in until EOF or ctx ends. Activity
// is applied in order; context requests run concurrently.
func serve(ctx context.Context, op *operator.Operator, in io.Reader, out io.Writer, logger *slog.Logger) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 0, 4096), maxRequestLine)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	var (
		mu  sync.Mutex
		enc = json.NewEncoder(out)
		wg  sync.WaitGroup
	)
	write := func(resp watchResponse) {
		mu.Lock()
		defer mu.Unlock()
		if err := enc.Encode(resp); err != nil {
			logger.Error("write response", "error", err)
		}
	}
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			var req watchRequest
			if err := json.Unmarshal([]byte(line), &req); err != nil {
				write(watchResponse{TraceID: "-", Op: "invalid", Error: fmt.Sprintf("decode request: %v", err)})
				continue
			}
			if req.TraceID == "" {
				req.TraceID = shared.NewTraceID()
			}
			reqCtx := shared.WithTraceID(ctx, req.TraceID)

			if req.Op == "context" {
				wg.Add(1)
				go func() {
					defer wg.Done()
					write(handle(reqCtx, op, req))
				}()
				continue
			}
			write(handle(reqCtx, op, req))
		}
	}
}

func handle(ctx context.Context, op *operator.Operator, req watchRequest) watchResponse {
	resp := watchResponse{TraceID: shared.TraceID(ctx), Op: req.Op, TaskID: req.TaskID, Category: activity.NormalizeCategory(req.Category)}
	var err error
	switch req.Op {
	case "observe":
		err = op.Observe(req.TaskID, activity.Kind(req.Kind), req.Category,
			operator.WithApproach(req.Approach),
			operator.WithDetail(req.Detail),
			operator.WithCount(req.Count),
		)
	case "profile":
		err = op.RecordProfile(req.TaskID, req.Category, req.Detail)
	case "success":
		err = op.RecordSuccess(req.Category, req.Approach, req.Count)
	case "failure":
		err = op.RecordFailure(req.Category, req.Approach)
	case "context":
		resp.Context = op.GetContext(ctx, operator.Task{
			TaskID:    req.TaskID,
			Category:  req.Category,
			Profile:   req.Profile,
			GroupSize: req.GroupSize,
		})
	case "briefing":
		b := op.Briefing(req.Category)
		resp.Context = b.Text
		resp.State = b.State.String()
	case "summary":
		s := op.Summary()
		resp.Summary = &s
	default:
		err = fmt.Errorf("unknown op %q", req.Op)
	}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp
}
