package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-meditation/internal/llm"
	"github.com/loqalabs/loqa-meditation/internal/lookahead"
	"github.com/loqalabs/loqa-meditation/internal/pacing"
	"github.com/loqalabs/loqa-meditation/internal/segmenter"
	"github.com/loqalabs/loqa-meditation/internal/tts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func firstSentence(index int) string { return fmt.Sprintf("Settle into part %d.", index) }

const secondSentence = "Let the breath be easy."

// fakeGen emits the first sentence of a step as a partial update, then the
// full step. Gates hold a step before its update or before it finishes.
type fakeGen struct {
	mu          sync.Mutex
	calls       []int
	inflight    int
	overlap     bool
	blockBefore map[int]chan struct{}
	blockAfter  map[int]chan struct{}
}

func newFakeGen() *fakeGen {
	return &fakeGen{blockBefore: map[int]chan struct{}{}, blockAfter: map[int]chan struct{}{}}
}

func (f *fakeGen) Generate(ctx context.Context, brief lookahead.Brief, index, duration int, onUpdate func(lookahead.Update)) (pacing.Step, error) {
	f.mu.Lock()
	f.calls = append(f.calls, index)
	f.inflight++
	if f.inflight > 1 {
		f.overlap = true
	}
	before, after := f.blockBefore[index], f.blockAfter[index]
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inflight--
		f.mu.Unlock()
	}()

	wait := func(gate chan struct{}) error {
		if gate == nil {
			return nil
		}
		select {
		case <-gate:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := wait(before); err != nil {
		return pacing.Step{}, err
	}
	title := fmt.Sprintf("Part %d", index)
	onUpdate(lookahead.Update{Index: index, Attempt: 1, Title: title, Guidance: firstSentence(index) + " ", Fraction: 0.5})
	if err := wait(after); err != nil {
		return pacing.Step{}, err
	}
	return pacing.Step{
		Index:           index,
		Title:           title,
		Guidance:        firstSentence(index) + " " + secondSentence,
		DurationSeconds: duration,
		Generated:       true,
	}, nil
}

func (f *fakeGen) callList() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.calls...)
}

// fakeSpeaker completes utterances immediately in auto mode; otherwise the
// test completes them with finish.
type fakeSpeaker struct {
	mu      sync.Mutex
	auto    bool
	spoken  []string
	current string
	notify  func(tts.Event)
	stops   int
}

func (f *fakeSpeaker) Speak(u tts.Utterance, notify func(tts.Event)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spoken = append(f.spoken, u.Text)
	f.current, f.notify = u.ID, notify
	if f.auto {
		go func() {
			notify(tts.Event{UtteranceID: u.ID, Kind: tts.Started})
			notify(tts.Event{UtteranceID: u.ID, Kind: tts.Done})
		}()
	}
	return nil
}

func (f *fakeSpeaker) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.current, f.notify = "", nil
}

func (f *fakeSpeaker) finish() {
	f.mu.Lock()
	id, notify := f.current, f.notify
	f.current, f.notify = "", nil
	f.mu.Unlock()
	if notify != nil {
		notify(tts.Event{UtteranceID: id, Kind: tts.Done})
	}
}

func (f *fakeSpeaker) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.spoken...)
}

func (f *fakeSpeaker) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

type fakeRecorder struct {
	mu      sync.Mutex
	kinds   []string
	minutes []int
}

func (r *fakeRecorder) RecordCompletion(_ context.Context, kind string, minutes int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, kind)
	r.minutes = append(r.minutes, minutes)
	return nil
}

func (r *fakeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.kinds)
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Observe(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) kinds(kind EventKind) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func testOptions(minutes int) Options {
	return Options{
		ID:                "s1",
		Identity:          fmt.Sprintf("custom|stillness|calm||%d", minutes),
		Preferences:       pacing.DefaultPreferences(),
		TargetStepSeconds: 60,
		LookaheadTrigger:  60,
		BackgroundVolume:  1,
	}
}

type harness struct {
	session  *Session
	gen      *fakeGen
	speaker  *fakeSpeaker
	recorder *fakeRecorder
	events   *eventLog
}

func newHarness(t *testing.T, opts Options, gen StepGenerator, speaker *fakeSpeaker) *harness {
	t.Helper()
	h := &harness{speaker: speaker, recorder: &fakeRecorder{}, events: &eventLog{}}
	if fg, ok := gen.(*fakeGen); ok {
		h.gen = fg
	}
	h.session = New(context.Background(), opts, Deps{
		Generator: gen,
		Speaker:   speaker,
		Recorder:  h.recorder,
		Observers: []Observer{h.events},
		Logger:    testLogger(),
	})
	t.Cleanup(h.session.Close)
	return h
}

func (h *harness) waitFor(t *testing.T, what string, cond func(Progress) bool) {
	t.Helper()
	require.Eventually(t, func() bool { return cond(h.session.Progress()) }, 3*time.Second, time.Millisecond, what)
}

func (h *harness) tickUntil(t *testing.T, what string, cond func(Progress) bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond(h.session.Progress()) {
		if time.Now().After(deadline) {
			t.Fatalf("timed out ticking until %s: %+v", what, h.session.Progress())
		}
		h.session.Tick()
		time.Sleep(50 * time.Microsecond)
	}
}

func inState(state State) func(Progress) bool {
	return func(p Progress) bool { return p.State == state }
}

func TestInvalidIdentityRefusesToStart(t *testing.T) {
	opts := testOptions(1)
	opts.Identity = "yoga"
	gen := newFakeGen()
	h := newHarness(t, opts, gen, &fakeSpeaker{auto: true})

	p := h.session.Progress()
	assert.Equal(t, Preparing, p.State)
	assert.NotEmpty(t, p.Error)
	assert.Equal(t, GenerationError, p.Generation.Phase)

	err := h.session.Start()
	assert.ErrorIs(t, err, ErrUnknownSession)
	assert.Empty(t, gen.callList())

	require.NoError(t, h.session.Stop())
	<-h.session.Done()
	assert.Equal(t, 0, h.recorder.count())
}

func TestStartBeforeReady(t *testing.T) {
	gen := newFakeGen()
	gen.blockBefore[0] = make(chan struct{})
	h := newHarness(t, testOptions(1), gen, &fakeSpeaker{auto: true})

	h.waitFor(t, "generation started", func(Progress) bool { return len(gen.callList()) == 1 })
	assert.ErrorIs(t, h.session.Start(), ErrNotReady)
	p := h.session.Progress()
	assert.Equal(t, Preparing, p.State)
	assert.True(t, p.IsGenerating)

	close(gen.blockBefore[0])
	h.waitFor(t, "ready", inState(Ready))
	require.NoError(t, h.session.Start())
	assert.Equal(t, Active, h.session.Progress().State)
}

func TestReadyOnFirstSentenceAndStreamsRest(t *testing.T) {
	gen := newFakeGen()
	gen.blockAfter[0] = make(chan struct{})
	speaker := &fakeSpeaker{auto: true}
	h := newHarness(t, testOptions(1), gen, speaker)

	h.waitFor(t, "ready", inState(Ready))
	require.NoError(t, h.session.Start())
	require.Eventually(t, func() bool { return len(speaker.texts()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{firstSentence(0)}, speaker.texts())
	assert.True(t, h.session.Progress().IsGenerating)

	close(gen.blockAfter[0])
	require.Eventually(t, func() bool { return len(speaker.texts()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{firstSentence(0), secondSentence}, speaker.texts())
	h.waitFor(t, "step final", func(p Progress) bool { return !p.IsGenerating })
}

func TestRunsToCompletionAndRecordsOnce(t *testing.T) {
	opts := testOptions(2)
	opts.AutoStart = true
	gen := newFakeGen()
	h := newHarness(t, opts, gen, &fakeSpeaker{auto: true})

	h.waitFor(t, "active", inState(Active))
	p := h.session.Progress()
	assert.Equal(t, 2, p.TotalSteps)
	assert.Equal(t, 120, p.TotalTimeRemaining)
	assert.Equal(t, pacing.Instruction.String(), p.SegmentType)

	h.tickUntil(t, "completed", inState(Completed))
	<-h.session.Done()

	require.NoError(t, h.session.Stop())
	assert.Equal(t, 1, h.recorder.count())
	assert.Equal(t, []string{"custom"}, h.recorder.kinds)
	assert.Equal(t, []int{2}, h.recorder.minutes)
	assert.Equal(t, []int{0, 1}, gen.callList())
	assert.ErrorIs(t, h.session.Pause(), ErrClosed)

	final := h.session.Progress()
	assert.Equal(t, 0, final.TotalTimeRemaining)
	assert.Equal(t, "Session complete", final.StatusText)
	assert.Len(t, h.events.kinds(StepReady), 2)
}

func TestPauseResumeKeepsSentenceAndTime(t *testing.T) {
	speaker := &fakeSpeaker{}
	h := newHarness(t, testOptions(1), newFakeGen(), speaker)

	h.waitFor(t, "step final", func(p Progress) bool { return p.State == Ready && p.Generation.Phase == GenerationCompleted })
	require.NoError(t, h.session.Start())
	require.Equal(t, []string{firstSentence(0)}, speaker.texts())

	speaker.finish()
	require.Eventually(t, func() bool { return len(speaker.texts()) == 2 }, time.Second, time.Millisecond)
	for i := 0; i < 3; i++ {
		h.session.Tick()
	}

	p := h.session.Progress()
	assert.Equal(t, 1, p.SentenceIndex)
	assert.Equal(t, 15, p.SegmentRemaining)

	require.NoError(t, h.session.Pause())
	paused := h.session.Progress()
	assert.Equal(t, Paused, paused.State)
	assert.Equal(t, 1, paused.ResumeSentence)
	assert.Equal(t, 15, paused.SegmentRemaining)
	assert.Equal(t, 1, speaker.stopCount())

	for i := 0; i < 5; i++ {
		h.session.Tick()
	}
	assert.Equal(t, 15, h.session.Progress().SegmentRemaining)
	assert.ErrorIs(t, h.session.Pause(), ErrInvalidTransition)

	require.NoError(t, h.session.Resume())
	assert.Equal(t, []string{firstSentence(0), secondSentence, secondSentence}, speaker.texts())
	resumed := h.session.Progress()
	assert.Equal(t, Active, resumed.State)
	assert.Equal(t, 1, resumed.SentenceIndex)
	assert.Equal(t, 15, resumed.SegmentRemaining)
	assert.ErrorIs(t, h.session.Resume(), ErrInvalidTransition)
}

func TestHoldsAtZeroUntilNextStepArrives(t *testing.T) {
	gen := newFakeGen()
	gen.blockBefore[1] = make(chan struct{})
	h := newHarness(t, testOptions(2), gen, &fakeSpeaker{auto: true})

	h.waitFor(t, "ready", inState(Ready))
	require.NoError(t, h.session.Start())
	h.tickUntil(t, "holding for step 1", func(p Progress) bool {
		return p.TotalTimeRemaining == 60 && p.IsGenerating
	})
	for i := 0; i < 10; i++ {
		h.session.Tick()
	}
	p := h.session.Progress()
	assert.Equal(t, 0, p.StepIndex)
	assert.Equal(t, 60, p.TotalTimeRemaining)
	assert.Equal(t, 0, p.TimeRemainingInStep)
	assert.True(t, p.IsGenerating)
	assert.Equal(t, "Preparing the next part of your session", p.StatusText)

	close(gen.blockBefore[1])
	h.waitFor(t, "step 1 playing", func(p Progress) bool { return p.StepIndex == 1 && p.TimeRemainingInStep == 60 })
}

func TestLookaheadWaitsForTriggerWindow(t *testing.T) {
	opts := testOptions(6)
	opts.TargetStepSeconds = 180
	gen := newFakeGen()
	h := newHarness(t, opts, gen, &fakeSpeaker{auto: true})

	h.waitFor(t, "step final", func(p Progress) bool { return p.State == Ready && p.Generation.Phase == GenerationCompleted })
	require.NoError(t, h.session.Start())
	p := h.session.Progress()
	require.Equal(t, 2, p.TotalSteps)
	require.Equal(t, 180, p.TimeRemainingInStep)

	deadline := time.Now().Add(5 * time.Second)
	for p.TimeRemainingInStep > 61 {
		require.False(t, time.Now().After(deadline), "timed out at %+v", p)
		h.session.Tick()
		p = h.session.Progress()
		require.Equal(t, 0, p.Generation.Step, "requested early with %ds left", p.TimeRemainingInStep)
	}
	require.Equal(t, 61, p.TimeRemainingInStep)
	require.Equal(t, GenerationCompleted, p.Generation.Phase)
	assert.Equal(t, []int{0}, gen.callList())

	h.session.Tick()
	p = h.session.Progress()
	require.Equal(t, 60, p.TimeRemainingInStep)
	assert.Equal(t, 1, p.Generation.Step)
	require.Eventually(t, func() bool { return len(gen.callList()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []int{0, 1}, gen.callList())
}

func TestTransitionBetweenSteps(t *testing.T) {
	opts := testOptions(2)
	opts.TransitionSeconds = 4
	speaker := &fakeSpeaker{auto: true}
	h := newHarness(t, opts, newFakeGen(), speaker)

	h.waitFor(t, "ready", inState(Ready))
	p := h.session.Progress()
	assert.Equal(t, 120, p.TotalTimeRemaining)
	assert.Equal(t, 58, p.TimeRemainingInStep)

	require.NoError(t, h.session.Start())
	h.tickUntil(t, "transition", func(p Progress) bool { return p.SegmentType == pacing.Transition.String() })
	p = h.session.Progress()
	assert.Equal(t, 1, p.StepIndex)
	assert.Equal(t, 4+58, p.TimeRemainingInStep)
	require.Eventually(t, func() bool {
		for _, text := range speaker.texts() {
			if text == "Part 1." {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
}

func TestLookaheadNeverOverlaps(t *testing.T) {
	opts := testOptions(4)
	opts.AutoStart = true
	gen := newFakeGen()
	h := newHarness(t, opts, gen, &fakeSpeaker{auto: true})

	h.waitFor(t, "active", inState(Active))
	h.tickUntil(t, "completed", inState(Completed))

	assert.Equal(t, []int{0, 1, 2, 3}, gen.callList())
	gen.mu.Lock()
	assert.False(t, gen.overlap)
	gen.mu.Unlock()
}

type failingLLM struct {
	mu    sync.Mutex
	calls int
}

func (f *failingLLM) Generate(context.Context, llm.Request, func(llm.Chunk) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return errors.New("model is busy")
}

func TestExhaustedRetriesInstallFallback(t *testing.T) {
	backend := &failingLLM{}
	gen := lookahead.New(backend, lookahead.Policy{MaxRetries: 2, Backoff: time.Millisecond}, llm.Request{}, testLogger())
	speaker := &fakeSpeaker{auto: true}
	h := newHarness(t, testOptions(1), gen, speaker)

	h.waitFor(t, "ready with fallback", inState(Ready))
	backend.mu.Lock()
	assert.Equal(t, 3, backend.calls)
	backend.mu.Unlock()

	fallbacks := h.events.kinds(FallbackUsed)
	require.Len(t, fallbacks, 1)
	assert.Equal(t, 0, fallbacks[0].Step)
	assert.Equal(t, lookahead.Fallback(0, 60).Title, h.session.Progress().StepTitle)

	require.NoError(t, h.session.Start())
	want := segmenter.Segment(lookahead.Fallback(0, 60).Guidance)[0]
	require.Eventually(t, func() bool {
		texts := speaker.texts()
		return len(texts) > 0 && texts[0] == want
	}, time.Second, time.Millisecond)
}

func TestStopCancelsInFlightGeneration(t *testing.T) {
	gen := newFakeGen()
	gen.blockBefore[0] = make(chan struct{})
	h := newHarness(t, testOptions(1), gen, &fakeSpeaker{auto: true})

	h.waitFor(t, "generation started", func(Progress) bool { return len(gen.callList()) == 1 })
	require.NoError(t, h.session.Stop())
	h.session.Close()

	gen.mu.Lock()
	assert.Equal(t, 0, gen.inflight)
	gen.mu.Unlock()
	assert.Equal(t, Completed, h.session.Progress().State)
	assert.Equal(t, 0, h.recorder.count())
	assert.ErrorIs(t, h.session.Start(), ErrClosed)
	assert.NoError(t, h.session.Stop())
}

func TestStopDuringPlaybackSilencesSpeaker(t *testing.T) {
	speaker := &fakeSpeaker{}
	h := newHarness(t, testOptions(1), newFakeGen(), speaker)

	h.waitFor(t, "ready", inState(Ready))
	require.NoError(t, h.session.Start())
	h.session.Tick()
	require.NoError(t, h.session.Stop())

	assert.Equal(t, 1, speaker.stopCount())
	assert.Equal(t, 1, h.recorder.count())
	assert.Equal(t, []int{0}, h.recorder.minutes)
}

func TestWallClockTicks(t *testing.T) {
	opts := testOptions(1)
	opts.AutoStart = true
	opts.TickInterval = time.Millisecond
	h := newHarness(t, opts, newFakeGen(), &fakeSpeaker{auto: true})

	select {
	case <-h.session.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("session did not complete: %+v", h.session.Progress())
	}
	assert.Equal(t, 1, h.recorder.count())
	assert.Equal(t, []int{1}, h.recorder.minutes)
}
