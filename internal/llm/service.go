package llm

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

// Service serves generation requests arriving on the bus with a local
// Generator, streaming every chunk to the requester's response subject.
type Service struct {
	cfg       config.LLMConfig
	bus       *bus.Client
	generator Generator
	subs      []*nats.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	inflight  map[string]context.CancelFunc
	logger    *slog.Logger
}

func NewService(parent context.Context, cfg config.LLMConfig, busClient *bus.Client, generator Generator, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:       cfg,
		bus:       busClient,
		generator: generator,
		ctx:       ctx,
		cancel:    cancel,
		inflight:  make(map[string]context.CancelFunc),
		logger:    logger.With(slog.String("component", "llm-service")),
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectLLMRequest, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe LLM requests: %w", err)
	}
	s.subs = append(s.subs, sub)
	cancelSub, err := s.bus.Conn().Subscribe(protocol.SubjectLLMCancel, s.handleCancel)
	if err != nil {
		_ = sub.Drain()
		return fmt.Errorf("subscribe LLM cancellations: %w", err)
	}
	s.subs = append(s.subs, cancelSub)
	return s.bus.Conn().Flush()
}

func (s *Service) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return len(s.subs) == 2
}

// InFlight reports the number of submissions being generated.
func (s *Service) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.LLMRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode llm request", slogError(err))
		return
	}
	if req.RequestID == "" {
		s.logger.Warn("llm request without request id", slog.String("session_id", req.SessionID))
		return
	}

	timeout := time.Duration(s.cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	s.mu.Lock()
	s.inflight[req.RequestID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(req.RequestID)

		options := OptionsFromConfig(s.cfg)
		options.RequestID = req.RequestID
		options.SessionID = req.SessionID
		options.Prompt = req.Prompt
		options.System = req.System
		options.MaxTokens = coalesceInt(req.MaxTokens, s.cfg.MaxTokens)
		if req.Temperature != 0 {
			options.Temperature = req.Temperature
		}
		options.TraceID = req.TraceID

		start := time.Now()
		finished := false
		err := s.generator.Generate(ctx, options, func(chunk Chunk) error {
			finished = !chunk.Partial
			return s.publish(req, protocol.LLMResponse{
				Content:          chunk.Content,
				Done:             finished,
				PromptTokens:     chunk.PromptTokens,
				CompletionTokens: chunk.CompletionTokens,
				LatencyMS:        chunk.Latency.Milliseconds(),
			})
		})
		if err != nil {
			s.logger.Warn("llm generation failed", slog.String("request_id", req.RequestID), slogError(err))
			_ = s.publish(req, protocol.LLMResponse{Done: true, Error: err.Error()})
			return
		}
		if !finished {
			_ = s.publish(req, protocol.LLMResponse{Done: true})
		}
		s.logger.Info("llm generation complete", slog.String("request_id", req.RequestID), slog.Duration("latency", time.Since(start)))
	}()
}

func (s *Service) handleCancel(msg *nats.Msg) {
	var cancel protocol.Cancel
	if err := json.Unmarshal(msg.Data, &cancel); err != nil {
		s.logger.Warn("failed to decode llm cancel", slogError(err))
		return
	}
	s.mu.Lock()
	fn := s.inflight[cancel.ID]
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *Service) release(id string) {
	s.mu.Lock()
	if fn := s.inflight[id]; fn != nil {
		fn()
		delete(s.inflight, id)
	}
	s.mu.Unlock()
}

func (s *Service) publish(req protocol.LLMRequest, resp protocol.LLMResponse) error {
	resp.RequestID = req.RequestID
	resp.SessionID = req.SessionID
	resp.Timestamp = time.Now().UTC()
	if err := s.bus.Publish(protocol.LLMResponseSubject(req.RequestID), resp); err != nil {
		s.logger.Warn("failed to publish llm chunk", slogError(err))
		return err
	}
	return nil
}

func coalesceInt(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
