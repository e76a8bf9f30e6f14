package operator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/basket/oversight/internal/activity"
	"github.com/basket/oversight/internal/bus"
	"github.com/basket/oversight/internal/escalation"
	"github.com/basket/oversight/internal/narrative"
)

type fakeCollaborator struct {
	calls atomic.Int32
	reply string
	err   error
	delay time.Duration
}

func (f *fakeCollaborator) Generate(ctx context.Context, req narrative.Request) (narrative.Response, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return narrative.Response{}, ctx.Err()
		}
	}
	if f.err != nil {
		return narrative.Response{}, f.err
	}
	return narrative.Response{Text: f.reply}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestOperator(t *testing.T, cfg Config, collab narrative.Collaborator, opts ...Option) *Operator {
	t.Helper()
	opts = append([]Option{WithCollaborator(collab), WithLogger(discardLogger())}, opts...)
	op, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = op.Close(ctx)
	})
	return op
}

func start(t *testing.T, op *Operator, category string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, op.Observe("task", activity.KindStart, category))
	}
}

func TestNew_ConfigErrors(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(*Config)
		field string
	}{
		{"empty endpoint", func(c *Config) { c.Endpoint = "" }, "Endpoint"},
		{"relative endpoint", func(c *Config) { c.Endpoint = "localhost:11434" }, "Endpoint"},
		{"unsupported scheme", func(c *Config) { c.Endpoint = "ftp://models" }, "Endpoint"},
		{"empty model", func(c *Config) { c.Model = "  " }, "Model"},
		{"negative timeout", func(c *Config) { c.Timeout = -time.Second }, "Timeout"},
		{"negative threshold", func(c *Config) { c.EscalationThreshold = -1 }, "EscalationThreshold"},
		{"negative failure cap", func(c *Config) { c.FailureCap = -3 }, "FailureCap"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.edit(&cfg)
			_, err := New(cfg, WithLogger(discardLogger()))
			var ce *ConfigError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}

func TestNew_FillsZeroFields(t *testing.T) {
	op := newTestOperator(t, Config{Endpoint: "http://localhost:11434/v1", Model: "analyst"}, &fakeCollaborator{})
	cfg := op.Config()
	assert.Equal(t, "http://localhost:11434", cfg.Endpoint)
	assert.Equal(t, narrative.DefaultTimeout, cfg.Timeout)
	assert.Equal(t, escalation.DefaultThreshold, cfg.EscalationThreshold)
	assert.Equal(t, escalation.DefaultRefreshInterval, cfg.RefreshInterval)
	assert.Equal(t, DefaultSuccessLimit, cfg.SuccessLimit)
}

func TestNew_ProbeCollaborator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"models": []map[string]string{{"name": "analyst:latest"}}})
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.Endpoint = srv.URL
	cfg.ProbeCollaborator = true
	op, err := New(cfg, WithLogger(discardLogger()))
	require.NoError(t, err)
	require.NoError(t, op.Close(context.Background()))

	down := httptest.NewServer(http.NotFoundHandler())
	down.Close()
	cfg.Endpoint = down.URL
	_, err = New(cfg, WithLogger(discardLogger()))
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "Endpoint", ce.Field)

	// A fake without Ping cannot be probed.
	_, err = New(cfg, WithLogger(discardLogger()), WithCollaborator(&fakeCollaborator{}))
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "ProbeCollaborator", ce.Field)
}

func TestGetContext_UnseenCategory(t *testing.T) {
	fc := &fakeCollaborator{reply: "should never be requested at all."}
	op := newTestOperator(t, DefaultConfig(), fc)

	assert.Equal(t, "", op.GetContext(context.Background(), Task{Category: "spatial"}))
	assert.Equal(t, "", op.GetContext(context.Background(), Task{Category: "  "}))

	// Attempts alone carry no outcomes.
	start(t, op, "spatial", 5)
	assert.Equal(t, "", op.GetContext(context.Background(), Task{Category: "spatial"}))
	assert.Zero(t, fc.calls.Load())
}

func TestGetContext_MechanicalBelowThreshold(t *testing.T) {
	fc := &fakeCollaborator{reply: "should not be requested yet."}
	op := newTestOperator(t, DefaultConfig(), fc)

	start(t, op, "spatial", 1)
	require.NoError(t, op.RecordSuccess("spatial", "flood_fill", 2))
	require.NoError(t, op.RecordFailure("spatial", "bfs"))

	got := op.GetContext(context.Background(), Task{Category: "Spatial"})
	want := "Prior successes for similar tasks:\n  - flood_fill (solved 2)\nPrior failures (avoid):\n  - bfs"
	assert.Equal(t, want, got)
	assert.Zero(t, fc.calls.Load())
}

func TestRecordSuccess_Deduplicates(t *testing.T) {
	op := newTestOperator(t, DefaultConfig(), &fakeCollaborator{})

	for i := 0; i < 7; i++ {
		require.NoError(t, op.RecordSuccess("spatial", "Flood_Fill ", 0))
	}
	got := op.GetContext(context.Background(), Task{Category: "spatial"})
	assert.Equal(t, "Prior successes for similar tasks:\n  - Flood_Fill (solved 7)", got)
}

func TestRecordSuccess_AddsCounts(t *testing.T) {
	op := newTestOperator(t, DefaultConfig(), &fakeCollaborator{})

	require.NoError(t, op.RecordSuccess("spatial", "flood_fill", 3))
	require.NoError(t, op.RecordSuccess("spatial", "flood_fill", 1))

	got := op.GetContext(context.Background(), Task{Category: "spatial"})
	assert.Equal(t, 1, strings.Count(got, "flood_fill"))
	assert.Contains(t, got, "flood_fill (solved 4)")
}

func TestRecordFailure_Idempotent(t *testing.T) {
	op := newTestOperator(t, DefaultConfig(), &fakeCollaborator{})

	require.NoError(t, op.RecordFailure("spatial", "bfs"))
	first := op.GetContext(context.Background(), Task{Category: "spatial"})
	require.NoError(t, op.RecordFailure("spatial", "BFS"))
	second := op.GetContext(context.Background(), Task{Category: "spatial"})

	assert.Equal(t, first, second)
	assert.Equal(t, 1, strings.Count(second, "  - "))
}

func TestRecord_RejectsMalformed(t *testing.T) {
	op := newTestOperator(t, DefaultConfig(), &fakeCollaborator{})

	assert.ErrorIs(t, op.Observe("t1", activity.KindStart, ""), activity.ErrMalformedEvent)
	assert.ErrorIs(t, op.Observe("t1", activity.Kind("retry"), "spatial"), activity.ErrMalformedEvent)
	assert.ErrorIs(t, op.RecordSuccess("spatial", " ", 1), activity.ErrMalformedEvent)
	assert.ErrorIs(t, op.RecordFailure("", "bfs"), activity.ErrMalformedEvent)
	assert.Zero(t, op.Summary().TotalEvents)
}

func TestGetContext_ConcurrentCallersShareOneGeneration(t *testing.T) {
	defer goleak.VerifyNone(t)

	fc := &fakeCollaborator{reply: "Consider flood fill instead.", delay: 50 * time.Millisecond}
	op, err := New(DefaultConfig(), WithCollaborator(fc), WithLogger(discardLogger()))
	require.NoError(t, err)

	start(t, op, "spatial", 2)
	require.NoError(t, op.RecordFailure("spatial", "bfs"))

	var wg sync.WaitGroup
	results := make([]string, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = op.GetContext(context.Background(), Task{Category: "spatial"})
		}(i)
	}
	wg.Wait()
	require.NoError(t, op.Close(context.Background()))

	assert.Equal(t, int32(1), fc.calls.Load())
	for _, r := range results {
		assert.Contains(t, r, "  - bfs")
		assert.Contains(t, r, NotesPrefix+"Consider flood fill instead.")
	}
	assert.Equal(t, 1, op.Summary().BriefingsStarted)
}

func TestGetContext_SlowCollaboratorFallsBackToMechanical(t *testing.T) {
	defer goleak.VerifyNone(t)

	fc := &fakeCollaborator{reply: "Consider flood fill instead.", delay: 2 * time.Second}
	cfg := DefaultConfig()
	cfg.Timeout = 50 * time.Millisecond
	op, err := New(cfg, WithCollaborator(fc), WithLogger(discardLogger()))
	require.NoError(t, err)

	start(t, op, "spatial", 2)
	require.NoError(t, op.RecordFailure("spatial", "bfs"))

	begin := time.Now()
	got := op.GetContext(context.Background(), Task{Category: "spatial"})
	elapsed := time.Since(begin)

	assert.Equal(t, "Prior failures (avoid):\n  - bfs", got)
	assert.Less(t, elapsed, 500*time.Millisecond)

	require.NoError(t, op.Close(context.Background()))
	assert.Equal(t, 1, op.Summary().BriefingsFailed)
}

func TestGetContext_CollaboratorErrorNeverSurfaces(t *testing.T) {
	fc := &fakeCollaborator{err: errors.New("connection refused")}
	op := newTestOperator(t, DefaultConfig(), fc)

	start(t, op, "spatial", 3)
	require.NoError(t, op.RecordSuccess("spatial", "flood_fill", 1))

	got := op.GetContext(context.Background(), Task{Category: "spatial"})
	assert.Equal(t, "Prior successes for similar tasks:\n  - flood_fill (solved 1)", got)
	assert.NotContains(t, got, NotesPrefix)
}

func TestGetContext_SpatialScenario(t *testing.T) {
	var (
		mu   sync.Mutex
		body map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"response": "Consider flood fill instead.", "done": true})
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.Endpoint = srv.URL
	op, err := New(cfg, WithLogger(discardLogger()))
	require.NoError(t, err)
	defer op.Close(context.Background())

	require.NoError(t, op.RecordProfile("t1", "spatial", "rotate the grid, keep colors"))
	start(t, op, "spatial", 2)
	require.NoError(t, op.RecordFailure("spatial", "bfs"))
	require.NoError(t, op.RecordFailure("spatial", "bfs"))

	got := op.GetContext(context.Background(), Task{TaskID: "t3", Category: "spatial", GroupSize: 10})

	assert.Equal(t, "Prior failures (avoid):\n  - bfs\n\n[Operator notes] Consider flood fill instead.", got)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, false, body["think"])
	assert.Equal(t, false, body["stream"])
	assert.Equal(t, "analyst", body["model"])
	assert.Contains(t, body["prompt"], "rotate the grid, keep colors")
}

func TestGetContext_ServesCachedBriefingWithinWindow(t *testing.T) {
	fc := &fakeCollaborator{reply: "Consider flood fill instead."}
	cfg := DefaultConfig()
	cfg.RefreshInterval = 3
	op := newTestOperator(t, cfg, fc)

	start(t, op, "spatial", 2)
	require.NoError(t, op.RecordFailure("spatial", "bfs"))

	for i := 0; i < 3; i++ {
		assert.Contains(t, op.GetContext(context.Background(), Task{Category: "spatial"}), NotesPrefix)
	}
	start(t, op, "spatial", 2) // attempts 4, same window
	assert.Contains(t, op.GetContext(context.Background(), Task{Category: "spatial"}), NotesPrefix)
	assert.Equal(t, int32(1), fc.calls.Load())
}

func TestGetContext_DoesNotMutateTask(t *testing.T) {
	op := newTestOperator(t, DefaultConfig(), &fakeCollaborator{reply: "Consider flood fill instead."})
	start(t, op, "spatial", 2)
	require.NoError(t, op.RecordFailure("spatial", "bfs"))

	task := Task{TaskID: "t9", Category: "  SPATIAL ", Profile: "p", GroupSize: 4}
	before := task
	op.GetContext(context.Background(), task)
	assert.Equal(t, before, task)
}

func TestUpdatePolicy(t *testing.T) {
	fc := &fakeCollaborator{reply: "Consider flood fill instead."}
	b := bus.New()
	sub := b.Subscribe(bus.TopicPolicyUpdated)
	defer b.Unsubscribe(sub)
	op := newTestOperator(t, DefaultConfig(), fc, WithBus(b))

	op.UpdatePolicy(escalation.Policy{Threshold: 4})
	start(t, op, "spatial", 2)
	require.NoError(t, op.RecordFailure("spatial", "bfs"))

	assert.NotContains(t, op.GetContext(context.Background(), Task{Category: "spatial"}), NotesPrefix)
	assert.Zero(t, fc.calls.Load())

	select {
	case ev := <-sub.Ch():
		pe, ok := ev.Payload.(bus.PolicyEvent)
		require.True(t, ok)
		assert.Equal(t, 4, pe.Threshold)
		assert.Equal(t, escalation.DefaultRefreshInterval, pe.RefreshInterval)
	case <-time.After(time.Second):
		t.Fatal("expected policy event")
	}
}

func TestUpdatePolicy_RejudgesCachedBriefing(t *testing.T) {
	fc := &fakeCollaborator{reply: "Consider flood fill instead."}
	op := newTestOperator(t, DefaultConfig(), fc)

	start(t, op, "spatial", 4)
	require.NoError(t, op.RecordFailure("spatial", "bfs"))
	assert.Contains(t, op.GetContext(context.Background(), Task{Category: "spatial"}), NotesPrefix)
	require.Equal(t, int32(1), fc.calls.Load())

	op.UpdatePolicy(escalation.Policy{Threshold: 3})
	start(t, op, "spatial", 1)
	assert.Contains(t, op.GetContext(context.Background(), Task{Category: "spatial"}), NotesPrefix)

	require.Eventually(t, func() bool { return fc.calls.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
}

type promptRecorder struct {
	mu      sync.Mutex
	prompts []string
}

func (p *promptRecorder) Generate(_ context.Context, req narrative.Request) (narrative.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompts = append(p.prompts, req.Prompt)
	return narrative.Response{Text: "Consider flood fill instead."}, nil
}

func TestGetContext_PromptIncludesOtherCategories(t *testing.T) {
	pr := &promptRecorder{}
	op := newTestOperator(t, DefaultConfig(), pr)

	require.NoError(t, op.RecordSuccess("logic", "sat solver", 3))
	require.NoError(t, op.RecordFailure("color", "palette swap"))
	start(t, op, "spatial", 2)
	require.NoError(t, op.RecordFailure("spatial", "bfs"))

	assert.Contains(t, op.GetContext(context.Background(), Task{Category: "spatial"}), NotesPrefix)

	pr.mu.Lock()
	defer pr.mu.Unlock()
	require.Len(t, pr.prompts, 1)
	assert.Contains(t, pr.prompts[0], "Other groups' recent successes:\n  [logic] sat solver -> solved 3")
	assert.Contains(t, pr.prompts[0], "Other failed approaches:\n  [color] palette swap")
	assert.NotContains(t, pr.prompts[0], "[spatial]")
}

func TestObserve_PublishesActivity(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicActivityPrefix)
	defer b.Unsubscribe(sub)
	op := newTestOperator(t, DefaultConfig(), &fakeCollaborator{}, WithBus(b))

	require.NoError(t, op.Observe("t1", activity.KindStart, " Spatial"))
	require.NoError(t, op.RecordFailure("spatial", "bfs"))

	want := []string{"activity.start", "activity.failure"}
	for _, topic := range want {
		select {
		case ev := <-sub.Ch():
			assert.Equal(t, topic, ev.Topic)
			ae := ev.Payload.(bus.ActivityEvent)
			assert.Equal(t, "spatial", ae.Category)
			assert.NotEmpty(t, ae.EventID)
		case <-time.After(time.Second):
			t.Fatalf("expected %s event", topic)
		}
	}
}

func TestSummary(t *testing.T) {
	op := newTestOperator(t, DefaultConfig(), &fakeCollaborator{reply: "Consider flood fill instead."})

	start(t, op, "spatial", 2)
	start(t, op, "color", 1)
	require.NoError(t, op.RecordFailure("spatial", "bfs"))
	op.GetContext(context.Background(), Task{Category: "spatial"})
	op.GetContext(context.Background(), Task{Category: "color"})

	s := op.Summary()
	assert.Equal(t, 4, s.TotalEvents)
	assert.Equal(t, map[string]int{"color": 1, "spatial": 2}, s.Attempts)
	assert.Equal(t, int64(2), s.ContextRequests)
	assert.Equal(t, 1, s.BriefingsGenerated)
	assert.Zero(t, s.BriefingsFailed)
	assert.Contains(t, s.String(), "attempts{color=1 spatial=2}")
}

func TestFormatMechanical_LimitsAndOrder(t *testing.T) {
	op := newTestOperator(t, Config{Endpoint: DefaultEndpoint, Model: "analyst", SuccessLimit: 2}, &fakeCollaborator{})

	require.NoError(t, op.RecordSuccess("spatial", "a", 1))
	require.NoError(t, op.RecordSuccess("spatial", "b", 5))
	require.NoError(t, op.RecordSuccess("spatial", "c", 3))
	require.NoError(t, op.RecordFailure("spatial", "old"))
	require.NoError(t, op.RecordFailure("spatial", "new"))

	got := op.GetContext(context.Background(), Task{Category: "spatial"})
	want := "Prior successes for similar tasks:\n  - b (solved 5)\n  - c (solved 3)\n" +
		"Prior failures (avoid):\n  - new\n  - old"
	assert.Equal(t, want, got)
}
