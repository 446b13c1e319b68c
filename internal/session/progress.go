package session

import (
	"time"

	"github.com/loqalabs/loqa-meditation/internal/pacing"
)

func (s *Session) publish(kind EventKind, step int, detail string) {
	p := s.progress()
	s.mu.Lock()
	s.snapshot = p
	s.mu.Unlock()
	if len(s.deps.Observers) == 0 {
		return
	}
	ev := Event{Kind: kind, Progress: p, Step: step, Detail: detail, At: time.Now().UTC()}
	for _, o := range s.deps.Observers {
		o.Observe(ev)
	}
}

func (s *Session) progress() Progress {
	p := Progress{
		SessionID:      s.id,
		State:          s.state,
		StepIndex:      s.step,
		TotalSteps:     len(s.plan),
		Generation:     s.status,
		SegmentIndex:   -1,
		SentenceIndex:  -1,
		ResumeSentence: -1,
	}
	if s.identityErr != nil {
		p.Error = s.identityErr.Error()
		p.StatusText = "Unable to prepare this session"
		return p
	}
	if s.step < len(s.steps) {
		p.StepTitle = s.steps[s.step].step.Title
	}
	p.TimeRemainingInStep, p.TotalTimeRemaining = s.remainingTimes()
	p.IsGenerating = s.waitingOnGeneration()

	if s.entered && s.state != Completed {
		seg := s.current()
		p.SegmentIndex = s.seg
		p.SegmentType = seg.Type.String()
		p.SegmentRemaining = s.remaining
		pos := s.coord.Position()
		p.SentenceIndex = pos.Sentence
		p.ResumeSentence = pos.Resume
		p.CurrentSentence = pos.Text
	}
	p.StatusText = s.statusText()
	return p
}

// remainingTimes returns seconds left in the current step and in the whole
// session. A transition counts toward the step it leads into.
func (s *Session) remainingTimes() (int, int) {
	if s.state == Completed || len(s.plan) == 0 {
		return 0, 0
	}
	step := s.stepRemaining()
	total := step
	for j := s.step + 1; j < len(s.plan); j++ {
		total += s.plan[j] + s.opts.TransitionSeconds
	}
	return step, total
}

func (s *Session) stepRemaining() int {
	if !s.entered {
		return s.plan[0]
	}
	if s.inTransition {
		return s.remaining + s.plan[s.step]
	}
	rest := s.remaining
	for _, seg := range s.steps[s.step].segments[s.seg+1:] {
		rest += seg.DurationSeconds
	}
	return rest
}

// waitingOnGeneration reports whether the listener is waiting on content that
// is still being generated.
func (s *Session) waitingOnGeneration() bool {
	switch s.state {
	case Preparing:
		return true
	case Completed:
		return false
	}
	if s.hold == holdGeneration {
		return true
	}
	return s.entered && !s.inTransition && !s.steps[s.step].final
}

func (s *Session) statusText() string {
	switch s.state {
	case Preparing:
		return "Preparing your session"
	case Ready:
		return "Ready to begin"
	case Paused:
		return "Paused"
	case Completed:
		return "Session complete"
	}
	switch s.hold {
	case holdGeneration:
		return "Preparing the next part of your session"
	case holdSpeech:
		return "Finishing guidance"
	}
	switch s.current().Type {
	case pacing.Instruction:
		return "Listen to the guidance"
	case pacing.GentleCue:
		return "Gentle reminder"
	case pacing.Transition:
		return "Moving to the next part"
	case pacing.Practice:
		return "Practice in silence"
	case pacing.Reflection:
		return "Reflect"
	case pacing.BreathingPause:
		return "Breathe"
	default:
		return ""
	}
}
