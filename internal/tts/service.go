package tts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-meditation/internal/bus"
	"github.com/loqalabs/loqa-meditation/internal/config"
	"github.com/loqalabs/loqa-meditation/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Service answers speech requests on the bus with a local Synthesizer,
// streaming audio and lifecycle status per utterance.
type Service struct {
	cfg      config.TTSConfig
	bus      *bus.Client
	synth    Synthesizer
	subs     []*nats.Subscription
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *slog.Logger
	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

func NewService(parent context.Context, cfg config.TTSConfig, busClient *bus.Client, synth Synthesizer, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:      cfg,
		bus:      busClient,
		synth:    synth,
		ctx:      ctx,
		cancel:   cancel,
		logger:   log.With(slog.String("component", "tts-service")),
		inflight: make(map[string]context.CancelFunc),
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectTTSRequest, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe tts request: %w", err)
	}
	s.subs = append(s.subs, sub)
	sub, err = s.bus.Conn().Subscribe(protocol.SubjectTTSCancel, s.handleCancel)
	if err != nil {
		return fmt.Errorf("subscribe tts cancel: %w", err)
	}
	s.subs = append(s.subs, sub)
	s.logger.Info("tts service ready", slog.String("voice", s.cfg.Voice))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return len(s.subs) == 2 }

// InFlight reports how many utterances are being synthesized.
func (s *Service) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

func (s *Service) handleCancel(msg *nats.Msg) {
	var req protocol.Cancel
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode tts cancel", slogError(err))
		return
	}
	s.mu.Lock()
	cancel, ok := s.inflight[req.ID]
	s.mu.Unlock()
	if ok {
		s.logger.Debug("cancelling utterance", slog.String("utterance_id", req.ID))
		cancel()
	}
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.TTSRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode tts request", slogError(err))
		return
	}
	if req.Voice == "" {
		req.Voice = s.cfg.Voice
	}

	timeout := time.Duration(s.cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	s.mu.Lock()
	s.inflight[req.UtteranceID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inflight, req.UtteranceID)
			s.mu.Unlock()
			cancel()
		}()

		s.publishStatus(req, protocol.TTSStatus{Started: true})
		err := s.synthesize(ctx, req)
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		if err != nil {
			s.logger.Warn("tts synthesis failed", slog.String("utterance_id", req.UtteranceID), slogError(err))
			s.publishStatus(req, protocol.TTSStatus{Error: err.Error()})
			return
		}
		s.publishStatus(req, protocol.TTSStatus{Completed: true})
	}()
}

func (s *Service) synthesize(ctx context.Context, req protocol.TTSRequest) error {
	chunks, errs := s.synth.Synthesize(ctx, SynthRequest{
		UtteranceID: req.UtteranceID,
		SessionID:   req.SessionID,
		Text:        req.Text,
		Voice:       req.Voice,
		Rate:        req.Rate,
		Pitch:       req.Pitch,
		Volume:      req.Volume,
	})
	sequence := 0
	var failure error
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			chunk.Sequence = sequence
			sequence++
			s.publishChunk(req, chunk)
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

func (s *Service) publishChunk(req protocol.TTSRequest, chunk SynthChunk) {
	packet := protocol.AudioChunk{
		UtteranceID: req.UtteranceID,
		SessionID:   req.SessionID,
		Target:      req.Target,
		SampleRate:  chunk.SampleRate,
		Channels:    chunk.Channels,
		Sequence:    chunk.Sequence,
		PCM:         chunk.PCM,
		Final:       chunk.Final,
	}
	if err := s.bus.Publish(protocol.SubjectTTSAudio, packet); err != nil {
		s.logger.Warn("failed to publish tts chunk", slogError(err))
	}
}

func (s *Service) publishStatus(req protocol.TTSRequest, status protocol.TTSStatus) {
	status.UtteranceID = req.UtteranceID
	status.SessionID = req.SessionID
	status.Target = req.Target
	status.Timestamp = time.Now().UTC()
	if err := s.bus.Publish(protocol.SubjectTTSStatus, status); err != nil {
		s.logger.Warn("failed to publish tts status", slogError(err))
	}
}
