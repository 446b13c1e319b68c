package lookahead

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-meditation/internal/llm"
	"github.com/loqalabs/loqa-meditation/internal/pacing"
	"github.com/loqalabs/loqa-meditation/internal/streamparse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedGen struct {
	calls atomic.Int32
	run   func(call int, ctx context.Context, consumer func(llm.Chunk) error) error
}

func (s *scriptedGen) Generate(ctx context.Context, req llm.Request, consumer func(llm.Chunk) error) error {
	call := int(s.calls.Add(1))
	return s.run(call, ctx, consumer)
}

func stream(consumer func(llm.Chunk) error, tokens ...string) error {
	for i, tok := range tokens {
		if err := consumer(llm.Chunk{Content: tok, Partial: i < len(tokens)-1}); err != nil {
			return err
		}
	}
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testPolicy = Policy{MaxRetries: 2, Backoff: time.Millisecond}

func brief() Brief {
	return Brief{SessionID: "s1", Kind: "breathing", TotalSteps: 3}
}

func TestGenerateStreamsUpdates(t *testing.T) {
	gen := &scriptedGen{run: func(_ int, _ context.Context, consumer func(llm.Chunk) error) error {
		return stream(consumer, `{"title": "Arri`, `ve", "guid`, `ance": "Breathe in.`, ` Breathe out."}`)
	}}
	g := New(gen, testPolicy, llm.Request{}, testLogger())

	var updates []Update
	step, err := g.Generate(context.Background(), brief(), 0, 180, func(u Update) { updates = append(updates, u) })

	require.NoError(t, err)
	assert.Equal(t, pacing.Step{Index: 0, Title: "Arrive", Guidance: "Breathe in. Breathe out.", DurationSeconds: 180, Generated: true}, step)
	require.NotEmpty(t, updates)
	for i := 1; i < len(updates); i++ {
		assert.True(t, strings.HasPrefix(updates[i].Guidance, updates[i-1].Guidance))
		assert.GreaterOrEqual(t, updates[i].Fraction, updates[i-1].Fraction)
	}
	assert.Equal(t, 1, updates[0].Attempt)
}

func TestGenerateRetriesThenFallsBack(t *testing.T) {
	gen := &scriptedGen{run: func(int, context.Context, func(llm.Chunk) error) error {
		return errors.New("model is busy")
	}}
	g := New(gen, Policy{MaxRetries: 2, Backoff: 5 * time.Millisecond}, llm.Request{}, testLogger())

	started := time.Now()
	step, err := g.Generate(context.Background(), brief(), 4, 120, nil)

	require.NoError(t, err)
	assert.Equal(t, int32(3), gen.calls.Load())
	assert.Equal(t, Fallback(4, 120), step)
	assert.False(t, step.Generated)
	assert.GreaterOrEqual(t, time.Since(started), 15*time.Millisecond)
}

func TestGenerateRecoversOnRetry(t *testing.T) {
	gen := &scriptedGen{run: func(call int, _ context.Context, consumer func(llm.Chunk) error) error {
		if call == 1 {
			return errors.New("connection reset")
		}
		return stream(consumer, `{"title": "Body", "guidance": "Feel your feet."}`)
	}}
	g := New(gen, testPolicy, llm.Request{}, testLogger())

	var attempts []int
	step, err := g.Generate(context.Background(), brief(), 1, 90, func(u Update) { attempts = append(attempts, u.Attempt) })

	require.NoError(t, err)
	assert.Equal(t, int32(2), gen.calls.Load())
	assert.True(t, step.Generated)
	assert.Equal(t, "Feel your feet.", step.Guidance)
	assert.Contains(t, attempts, 2)
}

func TestGenerateKeepsPartialGuidanceOnError(t *testing.T) {
	gen := &scriptedGen{run: func(_ int, _ context.Context, consumer func(llm.Chunk) error) error {
		if err := stream(consumer, `{"title": "Rest", "guidance": "Let the breath slow down. Rel`); err != nil {
			return err
		}
		return errors.New("stream interrupted")
	}}
	g := New(gen, testPolicy, llm.Request{}, testLogger())

	step, err := g.Generate(context.Background(), brief(), 2, 60, nil)

	require.NoError(t, err)
	assert.Equal(t, int32(1), gen.calls.Load())
	assert.Equal(t, "Rest", step.Title)
	assert.Equal(t, "Let the breath slow down. Rel", step.Guidance)
	assert.True(t, step.Generated)
}

func TestGenerateDegradedBuffer(t *testing.T) {
	gen := &scriptedGen{run: func(_ int, _ context.Context, consumer func(llm.Chunk) error) error {
		return stream(consumer, "I cannot help with that.")
	}}
	g := New(gen, testPolicy, llm.Request{}, testLogger())

	step, err := g.Generate(context.Background(), brief(), 0, 60, nil)

	require.NoError(t, err)
	assert.Equal(t, int32(1), gen.calls.Load())
	assert.Equal(t, streamparse.FallbackGuidance, step.Guidance)
	assert.False(t, step.Generated)
	assert.NotEmpty(t, step.Title)
}

func TestGenerateCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	gen := &scriptedGen{run: func(_ int, ctx context.Context, consumer func(llm.Chunk) error) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	}}
	g := New(gen, testPolicy, llm.Request{}, testLogger())

	_, err := g.Generate(ctx, brief(), 0, 60, nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, IsCancelled(err))
	assert.Equal(t, int32(1), gen.calls.Load())
}

func TestGenerateCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	gen := &scriptedGen{run: func(int, context.Context, func(llm.Chunk) error) error {
		time.AfterFunc(5*time.Millisecond, cancel)
		return errors.New("model is busy")
	}}
	g := New(gen, Policy{MaxRetries: 2, Backoff: time.Second}, llm.Request{}, testLogger())

	_, err := g.Generate(ctx, brief(), 0, 60, nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), gen.calls.Load())
}

func TestLinearBackoff(t *testing.T) {
	b := &backoffLinear{base: time.Second}
	assert.Equal(t, time.Second, b.NextBackOff())
	assert.Equal(t, 2*time.Second, b.NextBackOff())
	b.Reset()
	assert.Equal(t, time.Second, b.NextBackOff())
}

func TestFallbackRotation(t *testing.T) {
	first := Fallback(0, 60)
	assert.Equal(t, first.Guidance, Fallback(6, 60).Guidance)
	assert.Equal(t, 6, Fallback(6, 60).Index)
	seen := map[string]bool{}
	for i := 0; i < 6; i++ {
		seen[Fallback(i, 60).Guidance] = true
	}
	assert.Len(t, seen, 6)
}

func TestBuildPromptVariants(t *testing.T) {
	b := brief()
	assert.Equal(t, Opening, PhaseOf(0, 3))
	assert.Equal(t, Continuation, PhaseOf(1, 3))
	assert.Equal(t, Closing, PhaseOf(2, 3))
	assert.Equal(t, Opening, PhaseOf(0, 1))

	assert.Contains(t, BuildPrompt(b, 0, 180), "opening step")
	assert.Contains(t, BuildPrompt(b, 1, 180), "step 2 of 3")
	assert.Contains(t, BuildPrompt(b, 2, 180), "closing step")
	assert.NotContains(t, BuildPrompt(b, 1, 180), "feel")

	b.Mood = "restless"
	assert.Contains(t, BuildPrompt(b, 1, 180), "restless")
}
