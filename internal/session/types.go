package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/loqa-meditation/internal/lookahead"
	"github.com/loqalabs/loqa-meditation/internal/pacing"
)

type State int

const (
	Preparing State = iota
	Ready
	Active
	Paused
	Completed
)

func (s State) String() string {
	switch s {
	case Preparing:
		return "PREPARING"
	case Ready:
		return "READY"
	case Active:
		return "ACTIVE"
	case Paused:
		return "PAUSED"
	case Completed:
		return "COMPLETED"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(text []byte) error {
	for st := Preparing; st <= Completed; st++ {
		if strings.EqualFold(st.String(), string(text)) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", text)
}

type GenerationPhase int

const (
	GenerationIdle GenerationPhase = iota
	GenerationStarting
	GenerationRunning
	GenerationCompleted
	GenerationError
)

func (p GenerationPhase) String() string {
	switch p {
	case GenerationIdle:
		return "idle"
	case GenerationStarting:
		return "starting"
	case GenerationRunning:
		return "generating"
	case GenerationCompleted:
		return "completed"
	case GenerationError:
		return "error"
	default:
		return "unknown"
	}
}

func (p GenerationPhase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *GenerationPhase) UnmarshalText(text []byte) error {
	for ph := GenerationIdle; ph <= GenerationError; ph++ {
		if ph.String() == string(text) {
			*p = ph
			return nil
		}
	}
	return fmt.Errorf("unknown generation phase %q", text)
}

// GenerationStatus is a tagged value: Step and Fraction are meaningful for
// Generating, Step for Completed and Message for Error.
type GenerationStatus struct {
	Phase    GenerationPhase `json:"phase"`
	Step     int             `json:"step,omitempty"`
	Fraction float64         `json:"fraction,omitempty"`
	Message  string          `json:"message,omitempty"`
}

func (g GenerationStatus) String() string {
	switch g.Phase {
	case GenerationRunning:
		return fmt.Sprintf("generating(%d, %.2f)", g.Step, g.Fraction)
	case GenerationCompleted:
		return fmt.Sprintf("completed(%d)", g.Step)
	case GenerationError:
		return "error(" + g.Message + ")"
	default:
		return g.Phase.String()
	}
}

// Progress is a read-only snapshot of a session.
type Progress struct {
	SessionID           string           `json:"session_id"`
	State               State            `json:"state"`
	StepIndex           int              `json:"step_index"`
	TotalSteps          int              `json:"total_steps"`
	StepTitle           string           `json:"step_title,omitempty"`
	TimeRemainingInStep int              `json:"time_remaining_in_step"`
	TotalTimeRemaining  int              `json:"total_time_remaining"`
	IsGenerating        bool             `json:"is_generating"`
	StatusText          string           `json:"status_text"`
	Generation          GenerationStatus `json:"generation"`
	SegmentIndex        int              `json:"segment_index"`
	SegmentType         string           `json:"segment_type,omitempty"`
	SegmentRemaining    int              `json:"segment_remaining"`
	SentenceIndex       int              `json:"sentence_index"`
	ResumeSentence      int              `json:"resume_sentence"`
	CurrentSentence     string           `json:"current_sentence,omitempty"`
	Error               string           `json:"error,omitempty"`
}

type EventKind int

const (
	ProgressUpdated EventKind = iota
	StateChanged
	StepReady
	FallbackUsed
)

func (k EventKind) String() string {
	switch k {
	case ProgressUpdated:
		return "progress"
	case StateChanged:
		return "state_changed"
	case StepReady:
		return "step_ready"
	case FallbackUsed:
		return "fallback_used"
	default:
		return "unknown"
	}
}

// Event is delivered to observers from the session goroutine.
type Event struct {
	Kind     EventKind
	Progress Progress
	Step     int
	Detail   string
	At       time.Time
}

// Observer receives session events. Observe must not block.
type Observer interface {
	Observe(ev Event)
}

// Recorder persists completion statistics.
type Recorder interface {
	RecordCompletion(ctx context.Context, kind string, minutes int) error
}

// StepGenerator produces step content; lookahead.Generator implements it.
type StepGenerator interface {
	Generate(ctx context.Context, brief lookahead.Brief, index, durationSeconds int, onUpdate func(lookahead.Update)) (pacing.Step, error)
}
