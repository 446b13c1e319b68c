// Package lookahead generates step content ahead of playback, retrying
// transient failures and substituting pre-authored content once retries are
// spent.
package lookahead

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/loqalabs/loqa-meditation/internal/config"
	"github.com/loqalabs/loqa-meditation/internal/llm"
	"github.com/loqalabs/loqa-meditation/internal/pacing"
	"github.com/loqalabs/loqa-meditation/internal/streamparse"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-meditation/lookahead"

// Policy bounds retries. Attempt n (1-based) that fails waits n×Backoff before
// the next one.
type Policy struct {
	MaxRetries int
	Backoff    time.Duration
}

func PolicyFromConfig(cfg config.GenerationConfig) Policy {
	return Policy{MaxRetries: cfg.MaxRetries, Backoff: cfg.RetryBackoff()}
}

func (p Policy) tries() uint {
	if p.MaxRetries < 0 {
		return 1
	}
	return uint(p.MaxRetries) + 1
}

// Update reports progress of a running generation.
type Update struct {
	Index    int
	Attempt  int
	Title    string
	Guidance string
	Fraction float64
}

// Generator produces Steps from a text-generation backend.
type Generator struct {
	llm      llm.Generator
	policy   Policy
	defaults llm.Request
	logger   *slog.Logger
	tracer   trace.Tracer

	attempts  metric.Int64Counter
	fallbacks metric.Int64Counter
	latency   metric.Float64Histogram
}

func New(gen llm.Generator, policy Policy, defaults llm.Request, logger *slog.Logger) *Generator {
	g := &Generator{
		llm:      gen,
		policy:   policy,
		defaults: defaults,
		logger:   logger.With(slog.String("component", "lookahead")),
		tracer:   otel.Tracer(instrumentationName),
	}
	if err := g.initMetrics(otel.Meter(instrumentationName)); err != nil {
		g.logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return g
}

func (g *Generator) initMetrics(meter metric.Meter) error {
	var err error
	if g.attempts, err = meter.Int64Counter("loqa.meditation.generation.attempts", metric.WithDescription("Step generation attempts")); err != nil {
		return err
	}
	if g.fallbacks, err = meter.Int64Counter("loqa.meditation.generation.fallbacks", metric.WithDescription("Steps replaced by fallback content")); err != nil {
		return err
	}
	g.latency, err = meter.Float64Histogram("loqa.meditation.generation.duration", metric.WithUnit("s"), metric.WithDescription("Time to produce a step"))
	return err
}

// backoffLinear waits attempt×base, attempt counting from one.
type backoffLinear struct {
	base    time.Duration
	attempt int
}

func (b *backoffLinear) NextBackOff() time.Duration {
	b.attempt++
	return time.Duration(b.attempt) * b.base
}

func (b *backoffLinear) Reset() { b.attempt = 0 }

// Generate produces step index of the session described by brief. onUpdate is
// called on the calling goroutine whenever the title or guidance grows. Once
// retries are exhausted the fallback step is returned; the only error is the
// context's.
func (g *Generator) Generate(ctx context.Context, brief Brief, index, durationSeconds int, onUpdate func(Update)) (pacing.Step, error) {
	ctx, span := g.tracer.Start(ctx, "lookahead.generate", trace.WithAttributes(
		attribute.String("session.id", brief.SessionID),
		attribute.Int("step.index", index),
		attribute.String("step.phase", PhaseOf(index, brief.TotalSteps).String()),
	))
	defer span.End()
	started := time.Now()

	prompt := BuildPrompt(brief, index, durationSeconds)
	attempt := 0
	operation := func() (pacing.Step, error) {
		attempt++
		if g.attempts != nil {
			g.attempts.Add(ctx, 1)
		}
		step, err := g.attempt(ctx, brief, prompt, index, attempt, durationSeconds, onUpdate)
		if err != nil && ctx.Err() != nil {
			return pacing.Step{}, backoff.Permanent(ctx.Err())
		}
		return step, err
	}

	step, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(&backoffLinear{base: g.policy.Backoff}),
		backoff.WithMaxTries(g.policy.tries()),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			g.logger.Warn("step generation failed, retrying",
				slog.Int("step_index", index),
				slog.Int("attempt", attempt),
				slog.Duration("wait", wait),
				slog.String("error", err.Error()))
		}),
	)
	if ctxErr := ctx.Err(); ctxErr != nil {
		span.SetStatus(codes.Error, "cancelled")
		return pacing.Step{}, ctxErr
	}
	if err != nil {
		g.logger.Warn("step generation exhausted retries, using fallback",
			slog.Int("step_index", index),
			slog.Int("attempts", attempt),
			slog.String("error", err.Error()))
		span.RecordError(err)
		if g.fallbacks != nil {
			g.fallbacks.Add(ctx, 1)
		}
		step = Fallback(index, durationSeconds)
	}
	span.SetAttributes(attribute.Bool("step.generated", step.Generated), attribute.Int("generation.attempts", attempt))
	if g.latency != nil {
		g.latency.Record(ctx, time.Since(started).Seconds(), metric.WithAttributes(attribute.Bool("generated", step.Generated)))
	}
	return step, nil
}

// attempt runs one submission. A failure after guidance was exposed keeps the
// partial content instead of retrying, since exposed guidance may already be
// playing.
func (g *Generator) attempt(ctx context.Context, brief Brief, prompt string, index, attempt, durationSeconds int, onUpdate func(Update)) (pacing.Step, error) {
	parser := streamparse.New()
	expected := g.expectedChars()
	received := 0

	req := g.defaults
	req.RequestID = uuid.NewString()
	req.SessionID = brief.SessionID
	req.Prompt = prompt
	req.System = systemPrompt

	err := g.llm.Generate(ctx, req, func(chunk llm.Chunk) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		received += utf8.RuneCountInString(chunk.Content)
		if events := parser.Feed(chunk.Content); len(events) > 0 && onUpdate != nil {
			fraction := float64(received) / float64(expected)
			if fraction > 0.99 {
				fraction = 0.99
			}
			onUpdate(Update{
				Index:    index,
				Attempt:  attempt,
				Title:    parser.Title(),
				Guidance: parser.Guidance(),
				Fraction: fraction,
			})
		}
		return nil
	})
	if err != nil && (ctx.Err() != nil || parser.Guidance() == "") {
		return pacing.Step{}, fmt.Errorf("attempt %d: %w", attempt, err)
	}
	if err != nil {
		g.logger.Warn("step generation failed after partial guidance, keeping it",
			slog.Int("step_index", index),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
	}

	res := parser.Finish()
	if res.Degraded {
		g.logger.Warn("step generation returned no usable guidance", slog.Int("step_index", index), slog.Int("attempt", attempt))
	}
	title := res.Title
	if title == "" {
		title = Fallback(index, durationSeconds).Title
	}
	return pacing.Step{
		Index:           index,
		Title:           title,
		Guidance:        res.Guidance,
		DurationSeconds: durationSeconds,
		Generated:       !res.Degraded,
	}, nil
}

func (g *Generator) expectedChars() int {
	if g.defaults.MaxTokens > 0 {
		return g.defaults.MaxTokens * 4
	}
	return 1200
}

// IsCancelled reports whether err came from a cancelled generation.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
