package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-meditation/internal/bus"
	"github.com/loqalabs/loqa-meditation/internal/protocol"
	"github.com/loqalabs/loqa-meditation/internal/session"
	"github.com/nats-io/nats.go"
)

var (
	ErrNoSession     = errors.New("no such session")
	ErrAmbiguous     = errors.New("session_id required when several sessions are running")
	ErrUnknownAction = errors.New("unknown action")
)

// Controllable is the part of a session the control plane drives.
type Controllable interface {
	ID() string
	Start() error
	Pause() error
	Resume() error
	Stop() error
	Progress() session.Progress
}

// Service routes start/pause/resume/stop/progress commands to registered
// sessions, from the bus and from the HTTP surface.
type Service struct {
	bus    *bus.Client
	logger *slog.Logger
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]Controllable
}

// NewService builds the control plane. busClient may be nil, in which case
// only Apply is available.
func NewService(parent context.Context, busClient *bus.Client, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:      busClient,
		logger:   logger.With(slog.String("component", "control")),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]Controllable),
	}
}

func (s *Service) Start() error {
	if s.bus == nil {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectControl, s.handleRequest)
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
}

func (s *Service) Healthy() bool {
	return s.bus == nil || s.sub != nil
}

func (s *Service) Register(c Controllable) {
	s.mu.Lock()
	s.sessions[c.ID()] = c
	s.mu.Unlock()
	s.logger.Info("session registered", slog.String("session_id", c.ID()))
}

func (s *Service) Unregister(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// Sessions lists registered session ids in order.
func (s *Service) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Lookup resolves id to a session. An empty id selects the only running
// session.
func (s *Service) Lookup(id string) (Controllable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == "" {
		if len(s.sessions) == 1 {
			for _, c := range s.sessions {
				return c, nil
			}
		}
		if len(s.sessions) == 0 {
			return nil, ErrNoSession
		}
		return nil, ErrAmbiguous
	}
	c, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, id)
	}
	return c, nil
}

// Apply runs action against a session and returns its progress afterwards.
func (s *Service) Apply(id, action string) (session.Progress, error) {
	c, err := s.Lookup(id)
	if err != nil {
		return session.Progress{}, err
	}
	switch strings.ToLower(action) {
	case protocol.ActionStart:
		err = c.Start()
	case protocol.ActionPause:
		err = c.Pause()
	case protocol.ActionResume:
		err = c.Resume()
	case protocol.ActionStop:
		err = c.Stop()
	case protocol.ActionProgress:
	default:
		return c.Progress(), fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	return c.Progress(), err
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.ControlRequest
	var reply protocol.ControlReply
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("control failed to decode request", slogError(err))
		reply.Error = "malformed request: " + err.Error()
	} else {
		progress, err := s.Apply(req.SessionID, req.Action)
		if err != nil {
			s.logger.Info("control request rejected",
				slog.String("session_id", req.SessionID),
				slog.String("action", req.Action),
				slogError(err))
			reply.Error = err.Error()
		} else {
			reply.OK = true
		}
		if progress.SessionID != "" {
			reply.Progress = progress
		}
	}
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("control failed to encode reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("control failed to respond", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
