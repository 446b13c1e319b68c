package session

import (
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-meditation/internal/audio"
	"github.com/loqalabs/loqa-meditation/internal/config"
	"github.com/loqalabs/loqa-meditation/internal/pacing"
	"github.com/loqalabs/loqa-meditation/internal/playback"
	"github.com/loqalabs/loqa-meditation/internal/tts"
)

// Options fix the behaviour of one session.
type Options struct {
	ID                string
	Identity          string
	Preferences       pacing.Preferences
	Voice             tts.Utterance
	Gaps              playback.Gaps
	TargetStepSeconds int
	TransitionSeconds int
	// LookaheadTrigger is the remaining time in the current step, in seconds,
	// at which the next step is requested.
	LookaheadTrigger int
	// TickInterval is the wall-clock length of one session second. Zero leaves
	// the clock to Tick.
	TickInterval     time.Duration
	AutoStart        bool
	BackgroundVolume float64
}

func OptionsFromConfig(cfg config.Config) (Options, error) {
	prefs, err := cfg.Preferences.Pacing()
	if err != nil {
		return Options{}, err
	}
	return Options{
		Identity:    cfg.Session.Identity,
		Preferences: prefs,
		Voice: tts.Utterance{
			Voice:  cfg.TTS.Voice,
			Rate:   cfg.TTS.Rate,
			Pitch:  cfg.TTS.Pitch,
			Volume: cfg.TTS.Volume,
		},
		Gaps:              playback.GapsFromConfig(cfg.Playback),
		TargetStepSeconds: cfg.Generation.TargetStepSeconds,
		TransitionSeconds: cfg.Session.TransitionSeconds,
		LookaheadTrigger:  cfg.Generation.LookaheadTriggerSeconds,
		TickInterval:      time.Duration(cfg.Session.TickIntervalMS) * time.Millisecond,
		AutoStart:         cfg.Session.AutoStart,
		BackgroundVolume:  cfg.Audio.BackgroundVolume,
	}, nil
}

// Deps are the collaborators a session drives. Mixer, Recorder and Observers
// are optional.
type Deps struct {
	Generator StepGenerator
	Speaker   tts.Speaker
	Mixer     audio.Mixer
	Recorder  Recorder
	Observers []Observer
	Logger    *slog.Logger
}
