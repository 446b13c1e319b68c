package tts

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// AudioSink receives synthesized PCM for playback.
type AudioSink interface {
	Write(chunk SynthChunk) error
}

// SynthSpeaker speaks through an in-process Synthesizer.
type SynthSpeaker struct {
	synth     Synthesizer
	sink      AudioSink
	sessionID string
	timeout   time.Duration
	logger    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSynthSpeaker returns a Speaker backed by synth. sink may be nil.
func NewSynthSpeaker(synth Synthesizer, sink AudioSink, sessionID string, timeout time.Duration, logger *slog.Logger) *SynthSpeaker {
	return &SynthSpeaker{
		synth:     synth,
		sink:      sink,
		sessionID: sessionID,
		timeout:   timeout,
		logger:    logger.With(slog.String("component", "speaker")),
	}
}

func (s *SynthSpeaker) Speak(u Utterance, notify func(Event)) error {
	if u.ID == "" {
		return errors.New("utterance id must not be empty")
	}
	s.Stop()

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if s.timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), s.timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	done := make(chan struct{})
	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		notify(Event{UtteranceID: u.ID, Kind: Started})
		err := s.play(ctx, u)
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}
		if err != nil {
			s.logger.Warn("utterance failed", slog.String("utterance_id", u.ID), slogError(err))
			notify(Event{UtteranceID: u.ID, Kind: Failed, Err: err})
			return
		}
		notify(Event{UtteranceID: u.ID, Kind: Done})
	}()
	return nil
}

func (s *SynthSpeaker) play(ctx context.Context, u Utterance) error {
	chunks, errs := s.synth.Synthesize(ctx, SynthRequest{
		UtteranceID: u.ID,
		SessionID:   s.sessionID,
		Text:        u.Text,
		Voice:       u.Voice,
		Rate:        u.Rate,
		Pitch:       u.Pitch,
		Volume:      u.Volume,
	})
	var failure error
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if s.sink != nil && failure == nil {
				failure = s.sink.Write(chunk)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil && failure == nil {
				failure = err
			}
		}
	}
	return failure
}

// Stop cancels the current utterance and waits for its worker to exit.
func (s *SynthSpeaker) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
