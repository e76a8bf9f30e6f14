// Package narrative produces short advisory briefings by asking a lightweight
// collaborator model to review a category's recorded outcomes.
package narrative

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/oversight/internal/aggregate"
	otelPkg "github.com/basket/oversight/internal/otel"
)

const (
	DefaultModel        = "analyst"
	DefaultTimeout      = 30 * time.Second
	DefaultMaxSentences = 3
	DefaultMaxChars     = 600
	DefaultTemperature  = 0.3
	DefaultMaxTokens    = 512

	// minBriefingLen is the shortest reply treated as a real briefing.
	minBriefingLen = 20
)

const systemPrompt = "You are the Operator, an executive coordinator for parallel model workers. " +
	"Generate brief, specific suggestions that help workers avoid duplicating effort. Be direct and actionable."

// Config tunes a Generator. Zero fields take the package defaults.
type Config struct {
	Model        string
	Timeout      time.Duration
	MaxSentences int
	MaxChars     int
	Temperature  float64
	MaxTokens    int
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Model) == "" {
		c.Model = DefaultModel
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxSentences <= 0 {
		c.MaxSentences = DefaultMaxSentences
	}
	if c.MaxChars <= 0 {
		c.MaxChars = DefaultMaxChars
	}
	if c.Temperature <= 0 {
		c.Temperature = DefaultTemperature
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	return c
}

// Input is everything a briefing is generated from.
type Input struct {
	Category  string
	Record    aggregate.Record
	Profile   string
	GroupSize int
	// Related holds other categories' records for cross-group hints.
	Related []aggregate.Record
}

// Generator issues bounded-time collaborator calls.
type Generator struct {
	collab Collaborator
	cfg    Config
	tracer trace.Tracer
	logger *slog.Logger
}

// Option configures a Generator.
type Option func(*Generator)

// WithTracer records a client span per collaborator call.
func WithTracer(t trace.Tracer) Option {
	return func(g *Generator) {
		if t != nil {
			g.tracer = t
		}
	}
}

// WithLogger sets the generator's logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Generator) {
		if l != nil {
			g.logger = l
		}
	}
}

// NewGenerator creates a generator over collab.
func NewGenerator(collab Collaborator, cfg Config, opts ...Option) *Generator {
	g := &Generator{
		collab: collab,
		cfg:    cfg.withDefaults(),
		tracer: nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Timeout returns the per-call time budget.
func (g *Generator) Timeout() time.Duration { return g.cfg.Timeout }

type result struct {
	resp Response
	err  error
}

// Generate returns a normalized briefing or ErrTimeout / *CollaboratorError.
// It never returns partial text. The call returns within the timeout even if
// the collaborator ignores cancellation.
func (g *Generator) Generate(ctx context.Context, in Input) (string, error) {
	ctx, span := otelPkg.StartClientSpan(ctx, g.tracer, "narrative.generate",
		otelPkg.AttrCategory.String(in.Category),
		otelPkg.AttrModel.String(g.cfg.Model),
		otelPkg.AttrAttempts.Int(in.Record.Attempts),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	req := Request{
		Model:                g.cfg.Model,
		Prompt:               BuildPrompt(in),
		System:               systemPrompt,
		SuppressDeliberation: true,
		Temperature:          g.cfg.Temperature,
		MaxTokens:            g.cfg.MaxTokens,
	}

	done := make(chan result, 1)
	go func() {
		resp, err := g.collab.Generate(ctx, req)
		done <- result{resp: resp, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		res = result{err: ctx.Err()}
	}

	text, err := g.finish(ctx, res)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(ClassifyError(err)))
		return "", err
	}
	span.SetAttributes(attribute.Int("oversight.briefing.length", len(text)))
	return text, nil
}

func (g *Generator) finish(ctx context.Context, res result) (string, error) {
	if res.err != nil {
		if errors.Is(res.err, ErrTimeout) {
			return "", res.err
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) || isTimeout(res.err) {
			return "", fmt.Errorf("%w after %s", ErrTimeout, g.cfg.Timeout)
		}
		var ce *CollaboratorError
		if errors.As(res.err, &ce) {
			return "", res.err
		}
		return "", &CollaboratorError{Op: "generate", Err: res.err}
	}
	text, err := Normalize(res.resp.Text, g.cfg.MaxSentences, g.cfg.MaxChars)
	if err != nil {
		return "", &CollaboratorError{Op: "normalize", Err: err}
	}
	return text, nil
}

// BuildPrompt renders the briefing request for in.
func BuildPrompt(in Input) string {
	var sb strings.Builder
	sb.WriteString("You are the Operator coordinating work across multiple task groups.\n\n")

	fmt.Fprintf(&sb, "Progress so far for category %q (%d attempts):\n", in.Category, in.Record.Attempts)
	if successes := in.Record.RankedSuccesses(5); len(successes) > 0 {
		sb.WriteString("SOLVED:\n")
		for _, s := range successes {
			fmt.Fprintf(&sb, "  %s -> solved %d\n", clip(s.Approach, 120), s.Count)
		}
	}
	if failures := in.Record.RecentFailures(); len(failures) > 0 {
		sb.WriteString("FAILED:\n")
		for _, f := range failures {
			fmt.Fprintf(&sb, "  %s\n", clip(f, 120))
		}
	}

	writeRelated(&sb, in.Related)

	groupSize := in.GroupSize
	if groupSize <= 0 {
		groupSize = 1
	}
	profile := strings.TrimSpace(in.Profile)
	if profile == "" {
		profile = in.Record.LastProfile
	}
	if profile == "" {
		profile = "(none given)"
	}

	sb.WriteString("\nA new group is about to start:\n")
	fmt.Fprintf(&sb, "- Category: %s\n", in.Category)
	fmt.Fprintf(&sb, "- Group size: %d tasks\n", groupSize)
	fmt.Fprintf(&sb, "- Profile: %s\n\n", clip(profile, 300))
	sb.WriteString("In 2-3 sentences, suggest what the worker should consider:\n")
	sb.WriteString("- What worked for similar tasks that might apply here?\n")
	sb.WriteString("- What failed that should be avoided?\n")
	sb.WriteString("- Any patterns you notice?\n\n")
	sb.WriteString("Be specific and concise. These are suggestions, not orders.")
	return sb.String()
}

const (
	maxRelatedSuccesses = 5
	maxRelatedFailures  = 2
)

// writeRelated lists the best approach of each related category and the
// newest failures seen elsewhere.
func writeRelated(sb *strings.Builder, related []aggregate.Record) {
	var successes, failures []string
	for _, r := range related {
		if top := r.RankedSuccesses(1); len(top) > 0 && len(successes) < maxRelatedSuccesses {
			successes = append(successes, fmt.Sprintf("  [%s] %s -> solved %d\n", r.Category, clip(top[0].Approach, 120), top[0].Count))
		}
		if recent := r.RecentFailures(); len(recent) > 0 && len(failures) < maxRelatedFailures {
			failures = append(failures, fmt.Sprintf("  [%s] %s\n", r.Category, clip(recent[0], 80)))
		}
	}
	if len(successes) > 0 {
		sb.WriteString("Other groups' recent successes:\n")
		for _, line := range successes {
			sb.WriteString(line)
		}
	}
	if len(failures) > 0 {
		sb.WriteString("Other failed approaches:\n")
		for _, line := range failures {
			sb.WriteString(line)
		}
	}
}

var (
	thinkBlock = regexp.MustCompile(`(?s)<think>.*?</think>`)
	spaceRun   = regexp.MustCompile(`\s+`)
)

// Normalize trims a raw reply to at most maxSentences sentences and maxChars
// characters, cutting on a word boundary. Replies shorter than a usable
// briefing are rejected.
func Normalize(raw string, maxSentences, maxChars int) (string, error) {
	text := thinkBlock.ReplaceAllString(raw, " ")
	text = strings.TrimSpace(spaceRun.ReplaceAllString(text, " "))
	if len(text) < minBriefingLen {
		return "", fmt.Errorf("%w: %d characters", ErrUnusableResponse, len(text))
	}

	if maxSentences > 0 {
		text = firstSentences(text, maxSentences)
	}
	if maxChars > 0 && len(text) > maxChars {
		cut := strings.LastIndex(text[:maxChars], " ")
		if cut <= 0 {
			cut = maxChars
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
		}
		text = strings.TrimRight(text[:cut], " ,;:") + "..."
	}
	return text, nil
}

func firstSentences(text string, n int) string {
	count := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '.', '!', '?':
			if i+1 == len(text) || text[i+1] == ' ' {
				count++
				if count == n {
					return text[:i+1]
				}
			}
		}
	}
	return text
}

func clip(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
