package tts

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-meditation/internal/bus"
	"github.com/loqalabs/loqa-meditation/internal/protocol"
	"github.com/nats-io/nats.go"
)

// BusSpeaker speaks by publishing requests to a speech Service on the bus and
// following its status messages.
type BusSpeaker struct {
	bus       *bus.Client
	sessionID string
	target    string
	sub       *nats.Subscription
	logger    *slog.Logger

	mu      sync.Mutex
	current string
	notify  func(Event)
}

func NewBusSpeaker(client *bus.Client, sessionID, target string, logger *slog.Logger) (*BusSpeaker, error) {
	s := &BusSpeaker{
		bus:       client,
		sessionID: sessionID,
		target:    target,
		logger:    logger.With(slog.String("component", "bus-speaker")),
	}
	sub, err := client.Conn().Subscribe(protocol.SubjectTTSStatus, s.handleStatus)
	if err != nil {
		return nil, fmt.Errorf("subscribe tts status: %w", err)
	}
	s.sub = sub
	return s, nil
}

func (s *BusSpeaker) Speak(u Utterance, notify func(Event)) error {
	if u.ID == "" {
		return errors.New("utterance id must not be empty")
	}
	s.Stop()
	s.mu.Lock()
	s.current = u.ID
	s.notify = notify
	s.mu.Unlock()

	return s.bus.Publish(protocol.SubjectTTSRequest, protocol.TTSRequest{
		UtteranceID: u.ID,
		SessionID:   s.sessionID,
		Text:        u.Text,
		Voice:       u.Voice,
		Rate:        u.Rate,
		Pitch:       u.Pitch,
		Volume:      u.Volume,
		Target:      s.target,
	})
}

// Stop forgets the current utterance and asks the service to abort it.
func (s *BusSpeaker) Stop() {
	s.mu.Lock()
	id := s.current
	s.current = ""
	s.notify = nil
	s.mu.Unlock()
	if id == "" {
		return
	}
	if err := s.bus.Publish(protocol.SubjectTTSCancel, protocol.Cancel{ID: id}); err != nil {
		s.logger.Warn("failed to publish tts cancel", slog.String("utterance_id", id), slogError(err))
	}
}

func (s *BusSpeaker) Close() {
	s.Stop()
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
}

func (s *BusSpeaker) handleStatus(msg *nats.Msg) {
	var status protocol.TTSStatus
	if err := json.Unmarshal(msg.Data, &status); err != nil {
		s.logger.Warn("failed to decode tts status", slogError(err))
		return
	}
	if status.SessionID != s.sessionID {
		return
	}

	s.mu.Lock()
	if status.UtteranceID != s.current || s.notify == nil {
		s.mu.Unlock()
		return
	}
	notify := s.notify
	var ev Event
	switch {
	case status.Error != "":
		ev = Event{UtteranceID: status.UtteranceID, Kind: Failed, Err: errors.New(status.Error)}
		s.current, s.notify = "", nil
	case status.Completed:
		ev = Event{UtteranceID: status.UtteranceID, Kind: Done}
		s.current, s.notify = "", nil
	default:
		ev = Event{UtteranceID: status.UtteranceID, Kind: Started}
	}
	s.mu.Unlock()
	notify(ev)
}
