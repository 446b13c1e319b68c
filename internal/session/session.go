// Package session runs one guided meditation: it owns the step list, drives
// lookahead generation, the segment clock and speech, and exposes progress.
//
// All mutable state belongs to a single goroutine. Generation updates, speech
// callbacks, gap and clock ticks and user commands are delivered to it as
// events.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-meditation/internal/audio"
	"github.com/loqalabs/loqa-meditation/internal/lookahead"
	"github.com/loqalabs/loqa-meditation/internal/pacing"
	"github.com/loqalabs/loqa-meditation/internal/playback"
	"github.com/loqalabs/loqa-meditation/internal/segmenter"
	"github.com/loqalabs/loqa-meditation/internal/tts"
)

type action int

const (
	actionStart action = iota
	actionPause
	actionResume
	actionStop
)

func (a action) String() string {
	switch a {
	case actionStart:
		return "start"
	case actionPause:
		return "pause"
	case actionResume:
		return "resume"
	case actionStop:
		return "stop"
	default:
		return "unknown"
	}
}

type genUpdate struct{ update lookahead.Update }

type genDone struct {
	index int
	step  pacing.Step
	err   error
}

type speechEvent struct{ ev tts.Event }

type gapEvent struct{ token uint64 }

type tickEvent struct {
	epoch  uint64
	manual bool
	reply  chan struct{}
}

type command struct {
	action action
	reply  chan error
}

type holdReason int

const (
	holdNone holdReason = iota
	holdSpeech
	holdGeneration
)

type stepState struct {
	step     pacing.Step
	final    bool
	segments []pacing.Segment
}

type Session struct {
	id          string
	opts        Options
	deps        Deps
	mixer       audio.Mixer
	logger      *slog.Logger
	metrics     *metrics
	identity    Identity
	identityErr error
	brief       lookahead.Brief
	plan        []int

	ctx    context.Context
	cancel context.CancelFunc
	events chan any
	quit   chan struct{}
	wg     sync.WaitGroup

	mu       sync.RWMutex
	snapshot Progress

	// Owned by the run goroutine.
	state        State
	entered      bool
	steps        []stepState
	requested    map[int]bool
	queue        []int
	inflight     int
	status       GenerationStatus
	step         int
	seg          int
	inTransition bool
	transition   pacing.Segment
	remaining    int
	elapsed      int
	hold         holdReason
	coord        *playback.Coordinator
	tickEpoch    uint64
	stopTimer    context.CancelFunc
}

// New creates a session and starts preparing it: the identity is parsed and
// the first step's generation begins in the background. An invalid identity
// leaves the session in Preparing with the error reported through Progress and
// Start.
func New(parent context.Context, opts Options, deps Deps) *Session {
	ctx, cancel := context.WithCancel(parent)
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	s := &Session{
		id:        id,
		opts:      opts,
		deps:      deps,
		mixer:     deps.Mixer,
		ctx:       ctx,
		cancel:    cancel,
		events:    make(chan any, 64),
		quit:      make(chan struct{}),
		requested: make(map[int]bool),
		inflight:  -1,
		seg:       -1,
	}
	if s.mixer == nil {
		s.mixer = audio.NopMixer{}
	}
	s.logger = deps.Logger.With(slog.String("component", "session"), slog.String("session_id", id))
	s.metrics = newMetrics(s.logger)
	s.coord = playback.New(deps.Speaker, dispatcher{s}, opts.Voice, opts.Gaps, s.logger)

	s.identity, s.identityErr = ParseIdentity(opts.Identity)
	if s.identityErr != nil {
		s.logger.Error("invalid session identity", slog.String("identity", opts.Identity), slog.String("error", s.identityErr.Error()))
		s.status = GenerationStatus{Phase: GenerationError, Message: s.identityErr.Error()}
	} else {
		s.plan = PlanSteps(s.identity.Minutes*60, opts.TargetStepSeconds, opts.TransitionSeconds)
		s.steps = make([]stepState, len(s.plan))
		s.brief = lookahead.Brief{
			SessionID:       id,
			Kind:            s.identity.Title,
			Theme:           s.identity.Theme,
			Focus:           s.identity.Focus,
			Mood:            s.identity.Mood,
			Context:         s.identity.Context,
			TotalSteps:      len(s.plan),
			Personalization: opts.Preferences.Personalization,
		}
	}
	s.snapshot = s.progress()
	activeSessions.Add(1)

	s.wg.Add(1)
	go s.run()
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) Identity() Identity { return s.identity }

// Progress returns the latest snapshot.
func (s *Session) Progress() Progress {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// Done is closed once the session has completed.
func (s *Session) Done() <-chan struct{} { return s.quit }

func (s *Session) Start() error  { return s.command(actionStart) }
func (s *Session) Pause() error  { return s.command(actionPause) }
func (s *Session) Resume() error { return s.command(actionResume) }

// Stop completes the session. It is idempotent.
func (s *Session) Stop() error { return s.command(actionStop) }

// Close stops the session and waits for its background work to exit.
func (s *Session) Close() {
	_ = s.Stop()
	s.wg.Wait()
}

// Tick advances the session clock by one second. It is meant for sessions
// created with a zero TickInterval and returns once the tick is applied.
func (s *Session) Tick() {
	reply := make(chan struct{})
	if !s.post(tickEvent{manual: true, reply: reply}) {
		return
	}
	select {
	case <-reply:
	case <-s.quit:
	}
}

func (s *Session) command(a action) error {
	reply := make(chan error, 1)
	if !s.post(command{action: a, reply: reply}) {
		if a == actionStop {
			return nil
		}
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-s.quit:
		select {
		case err := <-reply:
			return err
		default:
		}
		if a == actionStop {
			return nil
		}
		return ErrClosed
	}
}

func (s *Session) post(ev any) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.quit:
		return false
	}
}

// dispatcher forwards playback completions into the session goroutine.
type dispatcher struct{ s *Session }

// SpeechEvent may be called while the session goroutine waits in Speaker.Stop,
// so it hands off without blocking.
func (d dispatcher) SpeechEvent(ev tts.Event) { go d.s.post(speechEvent{ev: ev}) }

func (d dispatcher) GapElapsed(token uint64) { d.s.post(gapEvent{token: token}) }

func (s *Session) run() {
	defer s.wg.Done()
	defer close(s.quit)
	defer activeSessions.Add(-1)

	s.logger.Info("session preparing",
		slog.String("identity", s.opts.Identity),
		slog.Int("steps", len(s.plan)))
	if s.identityErr == nil {
		s.request(0)
	}
	s.publish(StateChanged, 0, "")

	for {
		select {
		case <-s.ctx.Done():
			s.finish("cancelled")
			return
		case ev := <-s.events:
			s.handle(ev)
			if s.state == Completed {
				return
			}
		}
	}
}

func (s *Session) handle(ev any) {
	switch e := ev.(type) {
	case genUpdate:
		s.onUpdate(e.update)
	case genDone:
		s.onGenerated(e.index, e.step, e.err)
	case speechEvent:
		if e.ev.Kind == tts.Failed {
			s.metrics.utteranceFailed()
		}
		s.coord.OnSpeech(e.ev)
		s.afterPlayback()
	case gapEvent:
		s.coord.OnGap(e.token)
		s.afterPlayback()
	case tickEvent:
		if e.manual || e.epoch == s.tickEpoch {
			s.onTick()
		}
		if e.reply != nil {
			close(e.reply)
		}
	case command:
		e.reply <- s.apply(e.action)
	}
}

func (s *Session) apply(a action) error {
	switch a {
	case actionStart:
		switch s.state {
		case Preparing:
			if s.identityErr != nil {
				return fmt.Errorf("session %s: %w", s.id, s.identityErr)
			}
			return ErrNotReady
		case Ready, Paused:
			s.activate()
			return nil
		}
	case actionPause:
		if s.state == Active {
			s.pause()
			return nil
		}
	case actionResume:
		if s.state == Paused {
			s.activate()
			return nil
		}
	case actionStop:
		s.finish("stopped")
		return nil
	}
	return fmt.Errorf("%w: %s while %s", ErrInvalidTransition, a, s.state)
}

func (s *Session) activate() {
	if !s.entered {
		s.entered = true
		s.step = 0
		s.enterSegment(0)
	}
	s.setState(Active, "")
	s.coord.Play()
	s.mixer.Play()
	s.armTimer()
	if s.remaining == 0 {
		s.advance()
	}
	if s.state == Active {
		s.checkLookahead()
	}
	s.publish(ProgressUpdated, s.step, "")
}

func (s *Session) pause() {
	s.disarmTimer()
	s.coord.Pause()
	s.mixer.Pause()
	pos := s.coord.Position()
	s.logger.Info("session paused",
		slog.Int("step_index", s.step),
		slog.Int("sentence_index", pos.Resume),
		slog.Int("segment_remaining", s.remaining))
	s.setState(Paused, "")
}

func (s *Session) finish(reason string) {
	if s.state == Completed {
		return
	}
	s.disarmTimer()
	s.cancel()
	s.coord.Stop()
	s.mixer.Stop()
	s.inflight = -1
	s.queue = nil
	s.hold = holdNone
	if s.status.Phase != GenerationError {
		s.status = GenerationStatus{Phase: GenerationIdle}
	}
	s.setState(Completed, reason)
	s.record()
}

func (s *Session) record() {
	if !s.entered {
		s.logger.Info("session ended before it started, nothing recorded")
		return
	}
	minutes := (s.elapsed + 30) / 60
	if s.deps.Recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.deps.Recorder.RecordCompletion(ctx, s.identity.Kind, minutes); err != nil {
		s.logger.Warn("failed to record completion", slog.String("error", err.Error()))
		return
	}
	s.logger.Info("session recorded", slog.String("kind", s.identity.Kind), slog.Int("minutes", minutes))
}

func (s *Session) setState(to State, detail string) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	s.metrics.stateChanged(to)
	s.logger.Info("session state changed", slog.String("from", from.String()), slog.String("to", to.String()))
	if detail == "" {
		detail = from.String()
	}
	s.publish(StateChanged, s.step, detail)
}

func (s *Session) onTick() {
	if s.state != Active {
		return
	}
	if s.remaining > 0 {
		s.remaining--
		s.elapsed++
	}
	if s.remaining == 0 {
		s.advance()
	}
	if s.state == Active {
		s.checkLookahead()
	}
	s.publish(ProgressUpdated, s.step, "")
}

func (s *Session) afterPlayback() {
	if s.state != Active {
		return
	}
	if s.remaining == 0 {
		s.advance()
	}
	s.publish(ProgressUpdated, s.step, "")
}

// advance moves past every exhausted segment. It holds at zero while a spoken
// segment still has speech to finish or the next step is not available yet.
func (s *Session) advance() {
	for s.state == Active && s.remaining == 0 {
		if s.current().Type.Spoken() && !s.coord.Drained() {
			s.hold = holdSpeech
			return
		}
		s.hold = holdNone
		if s.inTransition {
			s.enterSegment(0)
			continue
		}
		if s.seg+1 < len(s.steps[s.step].segments) {
			s.enterSegment(s.seg + 1)
			continue
		}
		next := s.step + 1
		if next >= len(s.plan) {
			s.finish("completed")
			return
		}
		if !s.available(next) {
			if s.hold != holdGeneration {
				s.logger.Info("waiting for next step", slog.Int("step_index", next))
			}
			s.hold = holdGeneration
			s.request(next)
			return
		}
		s.step = next
		if s.opts.TransitionSeconds > 0 {
			s.enterTransition()
		} else {
			s.enterSegment(0)
		}
	}
}

func (s *Session) current() pacing.Segment {
	if s.inTransition {
		return s.transition
	}
	return s.steps[s.step].segments[s.seg]
}

func (s *Session) enterSegment(i int) {
	st := &s.steps[s.step]
	s.inTransition = false
	s.seg = i
	seg := st.segments[i]
	s.remaining = seg.DurationSeconds
	s.mixer.SetVolume(seg.Volume * s.opts.BackgroundVolume)
	s.metrics.segmentEntered(seg.Type)
	switch {
	case seg.Type == pacing.Instruction:
		s.coord.Load(instructionUnits(st), !st.final)
	case seg.Type.Spoken():
		s.coord.Load(segmenter.Segment(seg.Content), false)
	default:
		s.coord.Silence()
	}
	s.logger.Debug("segment entered",
		slog.Int("step_index", s.step),
		slog.Int("segment_index", i),
		slog.String("segment_type", seg.Type.String()),
		slog.Int("duration_seconds", seg.DurationSeconds))
}

func (s *Session) enterTransition() {
	s.inTransition = true
	s.seg = -1
	s.transition = pacing.BuildTransition(s.steps[s.step].step, s.opts.TransitionSeconds)
	s.remaining = s.transition.DurationSeconds
	s.mixer.SetVolume(s.transition.Volume * s.opts.BackgroundVolume)
	s.metrics.segmentEntered(pacing.Transition)
	s.coord.Load(segmenter.Segment(s.transition.Content), false)
}

func instructionUnits(st *stepState) []string {
	if st.final {
		return segmenter.Segment(st.step.Guidance)
	}
	return segmenter.Complete(st.step.Guidance)
}

// available reports whether step index has playable content.
func (s *Session) available(index int) bool {
	st := s.steps[index]
	return st.final || len(segmenter.Complete(st.step.Guidance)) > 0
}

func (s *Session) playingInstruction(index int) bool {
	return s.entered && s.state != Completed && !s.inTransition && s.step == index &&
		s.seg >= 0 && s.current().Type == pacing.Instruction
}

func (s *Session) checkLookahead() {
	next := s.step + 1
	if next >= len(s.plan) || s.requested[next] {
		return
	}
	if s.stepRemaining() <= s.opts.LookaheadTrigger {
		s.request(next)
	}
}

// request starts generation of index unless it was requested before. Only one
// generation runs at a time; later requests queue in order.
func (s *Session) request(index int) {
	if s.requested[index] {
		return
	}
	s.requested[index] = true
	if s.inflight >= 0 {
		s.queue = append(s.queue, index)
		return
	}
	s.launch(index)
}

func (s *Session) launch(index int) {
	s.inflight = index
	s.status = GenerationStatus{Phase: GenerationStarting, Step: index}
	ctx, brief, duration := s.ctx, s.brief, s.plan[index]
	s.logger.Debug("generating step", slog.Int("step_index", index), slog.Int("duration_seconds", duration))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		step, err := s.deps.Generator.Generate(ctx, brief, index, duration, func(u lookahead.Update) {
			s.post(genUpdate{update: u})
		})
		s.post(genDone{index: index, step: step, err: err})
	}()
}

func (s *Session) onUpdate(u lookahead.Update) {
	st := &s.steps[u.Index]
	if st.final || s.state == Completed {
		return
	}
	st.step = pacing.Step{
		Index:           u.Index,
		Title:           u.Title,
		Guidance:        u.Guidance,
		DurationSeconds: s.plan[u.Index],
		Generated:       true,
	}
	st.segments = pacing.BuildSegments(st.step, s.opts.Preferences)
	s.status = GenerationStatus{Phase: GenerationRunning, Step: u.Index, Fraction: u.Fraction}

	if s.playingInstruction(u.Index) {
		s.coord.Append(segmenter.Complete(u.Guidance), true)
	}
	if s.state == Preparing && u.Index == 0 && s.available(0) {
		s.becomeReady()
	}
	if s.state == Active && s.remaining == 0 {
		s.advance()
	}
	s.publish(ProgressUpdated, s.step, "")
}

func (s *Session) onGenerated(index int, step pacing.Step, err error) {
	s.inflight = -1
	if err != nil {
		s.logger.Debug("step generation cancelled", slog.Int("step_index", index), slog.String("error", err.Error()))
		return
	}
	st := &s.steps[index]
	st.step = step
	st.final = true
	st.segments = pacing.BuildSegments(step, s.opts.Preferences)
	s.status = GenerationStatus{Phase: GenerationCompleted, Step: index}

	if !step.Generated {
		s.publish(FallbackUsed, index, step.Title)
	}
	s.publish(StepReady, index, step.Title)

	if s.playingInstruction(index) {
		s.coord.Append(segmenter.Segment(step.Guidance), false)
	}
	if s.state == Preparing && index == 0 {
		s.becomeReady()
	}
	if len(s.queue) > 0 {
		next := s.queue[0]
		s.queue = s.queue[1:]
		s.launch(next)
	}
	if s.state == Active {
		if s.remaining == 0 {
			s.advance()
		}
		if s.state == Active {
			s.checkLookahead()
		}
	}
	s.publish(ProgressUpdated, s.step, "")
}

func (s *Session) becomeReady() {
	s.setState(Ready, "")
	if s.opts.AutoStart {
		s.activate()
	}
}

func (s *Session) armTimer() {
	s.tickEpoch++
	if s.opts.TickInterval <= 0 {
		return
	}
	epoch := s.tickEpoch
	ctx, cancel := context.WithCancel(s.ctx)
	s.stopTimer = cancel
	interval := s.opts.TickInterval

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				select {
				case s.events <- tickEvent{epoch: epoch}:
				case <-ctx.Done():
					return
				case <-s.quit:
					return
				}
			}
		}
	}()
}

func (s *Session) disarmTimer() {
	s.tickEpoch++
	if s.stopTimer != nil {
		s.stopTimer()
		s.stopTimer = nil
	}
}
