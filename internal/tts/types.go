package tts

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-meditation/internal/config"
)

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	UtteranceID string
	SessionID   string
	Text        string
	Voice       string
	Rate        float64
	Pitch       float64
	Volume      float64
}

// SynthChunk contains PCM data.
type SynthChunk struct {
	SessionID  string
	Sequence   int
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// Utterance is one unit of speech handed to a Speaker.
type Utterance struct {
	ID     string
	Text   string
	Voice  string
	Rate   float64
	Pitch  float64
	Volume float64
}

type EventKind int

const (
	Started EventKind = iota
	Done
	Failed
)

func (k EventKind) String() string {
	switch k {
	case Started:
		return "started"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event reports the lifecycle of one utterance.
type Event struct {
	UtteranceID string
	Kind        EventKind
	Err         error
}

// Speaker plays utterances one at a time. Speak returns once the utterance is
// queued; notify receives Started and then exactly one of Done or Failed,
// unless Stop is called first. Stop is synchronous, idempotent and safe to call
// at any time.
type Speaker interface {
	Speak(u Utterance, notify func(Event)) error
	Stop()
}

// SynthFromConfig builds the in-process synthesizer for mock and exec modes.
func SynthFromConfig(cfg config.TTSConfig) (Synthesizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockSynth(cfg.SampleRate, cfg.Channels, 60*time.Millisecond), nil
	case "exec":
		return NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
	default:
		return nil, fmt.Errorf("tts mode %q has no local synthesizer", cfg.Mode)
	}
}
