package pacing

import (
	"errors"
	"fmt"
	"strings"
)

// Step is one titled block of guidance covering a fixed duration.
type Step struct {
	Index           int
	Title           string
	Guidance        string
	DurationSeconds int
	// Generated is false for pre-authored fallback content.
	Generated bool
}

type CueFrequency int

const (
	CueNone CueFrequency = iota
	CueLow
	CueMedium
	CueHigh
)

func (f CueFrequency) String() string {
	switch f {
	case CueNone:
		return "NONE"
	case CueLow:
		return "LOW"
	case CueMedium:
		return "MEDIUM"
	case CueHigh:
		return "HIGH"
	default:
		return "UNKNOWN"
	}
}

// spacing bounds the distance in seconds from the start of one gentle cue to
// the start of the next. Zero means no cues.
func (f CueFrequency) spacing() (lo, hi int) {
	switch f {
	case CueLow:
		return 120, 180
	case CueMedium:
		return 60, 90
	case CueHigh:
		return 30, 45
	default:
		return 0, 0
	}
}

type PauseLength int

const (
	PauseShort PauseLength = iota
	PauseMedium
	PauseLong
)

func (p PauseLength) String() string {
	switch p {
	case PauseShort:
		return "SHORT"
	case PauseMedium:
		return "MEDIUM"
	case PauseLong:
		return "LONG"
	default:
		return "UNKNOWN"
	}
}

// Seconds is the length of a reflection pause.
func (p PauseLength) Seconds() int {
	switch p {
	case PauseShort:
		return 10
	case PauseLong:
		return 30
	default:
		return 20
	}
}

type Personalization int

const (
	PersonalizationMinimal Personalization = iota
	PersonalizationAdaptive
	PersonalizationGuided
)

func (p Personalization) String() string {
	switch p {
	case PersonalizationMinimal:
		return "MINIMAL"
	case PersonalizationAdaptive:
		return "ADAPTIVE"
	case PersonalizationGuided:
		return "GUIDED"
	default:
		return "UNKNOWN"
	}
}

type CueStyle int

const (
	CueStyleGentle CueStyle = iota
	CueStyleBreath
	CueStyleBody
	CueStyleNature
)

func (s CueStyle) String() string {
	switch s {
	case CueStyleGentle:
		return "GENTLE"
	case CueStyleBreath:
		return "BREATH"
	case CueStyleBody:
		return "BODY"
	case CueStyleNature:
		return "NATURE"
	default:
		return "UNKNOWN"
	}
}

// Preferences are the user's pacing knobs, fixed for the lifetime of a session.
type Preferences struct {
	CueFrequency     CueFrequency
	PauseLength      PauseLength
	Personalization  Personalization
	InstructionRatio float64
	BreathingSync    bool
	FadeInOut        bool
	CueStyle         CueStyle
	GentleCues       bool
}

const (
	MinInstructionRatio = 0.1
	MaxInstructionRatio = 0.7
)

func DefaultPreferences() Preferences {
	return Preferences{
		CueFrequency:     CueMedium,
		PauseLength:      PauseMedium,
		Personalization:  PersonalizationAdaptive,
		InstructionRatio: 0.3,
		CueStyle:         CueStyleGentle,
		GentleCues:       true,
	}
}

func (p Preferences) Validate() error {
	if p.InstructionRatio < MinInstructionRatio || p.InstructionRatio > MaxInstructionRatio {
		return fmt.Errorf("instruction ratio %.2f outside [%.1f, %.1f]", p.InstructionRatio, MinInstructionRatio, MaxInstructionRatio)
	}
	return nil
}

type SegmentType int

const (
	Instruction SegmentType = iota
	GentleCue
	Transition
	Practice
	Reflection
	BreathingPause
)

func (t SegmentType) String() string {
	switch t {
	case Instruction:
		return "INSTRUCTION"
	case GentleCue:
		return "GENTLE_CUE"
	case Transition:
		return "TRANSITION"
	case Practice:
		return "PRACTICE"
	case Reflection:
		return "REFLECTION"
	case BreathingPause:
		return "BREATHING_PAUSE"
	default:
		return "UNKNOWN"
	}
}

// Spoken reports whether segments of this type issue speech.
func (t SegmentType) Spoken() bool {
	return t == Instruction || t == GentleCue || t == Transition
}

// Segment is a sub-interval of a step with a single behavior.
type Segment struct {
	Type            SegmentType
	Content         string
	DurationSeconds int
	Volume          float64
}

var errUnknownValue = errors.New("unknown value")

func ParseCueFrequency(s string) (CueFrequency, error) {
	switch normalize(s) {
	case "NONE":
		return CueNone, nil
	case "LOW":
		return CueLow, nil
	case "MEDIUM":
		return CueMedium, nil
	case "HIGH":
		return CueHigh, nil
	}
	return CueNone, fmt.Errorf("cue frequency %q: %w", s, errUnknownValue)
}

func ParsePauseLength(s string) (PauseLength, error) {
	switch normalize(s) {
	case "SHORT":
		return PauseShort, nil
	case "MEDIUM":
		return PauseMedium, nil
	case "LONG":
		return PauseLong, nil
	}
	return PauseMedium, fmt.Errorf("pause length %q: %w", s, errUnknownValue)
}

func ParsePersonalization(s string) (Personalization, error) {
	switch normalize(s) {
	case "MINIMAL":
		return PersonalizationMinimal, nil
	case "ADAPTIVE":
		return PersonalizationAdaptive, nil
	case "GUIDED":
		return PersonalizationGuided, nil
	}
	return PersonalizationAdaptive, fmt.Errorf("personalization %q: %w", s, errUnknownValue)
}

func ParseCueStyle(s string) (CueStyle, error) {
	switch normalize(s) {
	case "GENTLE":
		return CueStyleGentle, nil
	case "BREATH":
		return CueStyleBreath, nil
	case "BODY":
		return CueStyleBody, nil
	case "NATURE":
		return CueStyleNature, nil
	}
	return CueStyleGentle, fmt.Errorf("cue style %q: %w", s, errUnknownValue)
}

func normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
