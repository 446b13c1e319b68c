package runtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-meditation/internal/audio"
	"github.com/loqalabs/loqa-meditation/internal/control"
	"github.com/loqalabs/loqa-meditation/internal/history"
	"github.com/loqalabs/loqa-meditation/internal/session"
	"github.com/loqalabs/loqa-meditation/internal/tts"
)

// running is one live session with the collaborators built for it.
type running struct {
	session *session.Session
	speaker tts.Speaker
	mixer   audio.Mixer
	journal *history.Journal
}

func (rs *running) close() {
	rs.session.Close()
	if c, ok := rs.speaker.(interface{ Close() }); ok {
		c.Close()
	} else {
		rs.speaker.Stop()
	}
	rs.mixer.Stop()
	rs.journal.Close()
}

type sessionSet struct {
	mu   sync.Mutex
	live map[string]*running
}

func (s *sessionSet) add(rs *running) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live == nil {
		s.live = make(map[string]*running)
	}
	s.live[rs.session.ID()] = rs
}

func (s *sessionSet) remove(id string) *running {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs := s.live[id]
	delete(s.live, id)
	return rs
}

func (s *sessionSet) closeAll() {
	s.mu.Lock()
	all := make([]*running, 0, len(s.live))
	for id, rs := range s.live {
		all = append(all, rs)
		delete(s.live, id)
	}
	s.mu.Unlock()
	for _, rs := range all {
		rs.close()
	}
}

// launch builds a session for identity (the configured one when empty),
// registers it with the control plane and retires it once it completes.
func (r *Runtime) launch(ctx context.Context, identity string, autoStart bool) (*session.Session, error) {
	opts, err := session.OptionsFromConfig(r.cfg)
	if err != nil {
		return nil, err
	}
	if identity != "" {
		opts.Identity = identity
	}
	opts.AutoStart = opts.AutoStart || autoStart
	ident, err := session.ParseIdentity(opts.Identity)
	if err != nil {
		return nil, err
	}
	opts.ID = uuid.NewString()
	log := r.logger.With(slog.String("session_id", opts.ID))

	speaker, err := r.speakerFor(opts.ID, log)
	if err != nil {
		return nil, err
	}
	mixer := audio.FromConfig(r.cfg.Audio, r.bus, opts.ID, log)
	journal := history.NewJournal(r.history, opts.ID, ident.Kind, r.logger)

	observers := []session.Observer{journal}
	if r.bus != nil {
		observers = append(observers, control.NewProgressPublisher(r.bus, opts.ID, r.cfg.Session.ProgressInterval(), r.logger))
	}

	s := session.New(ctx, opts, session.Deps{
		Generator: r.generator,
		Speaker:   speaker,
		Mixer:     mixer,
		Recorder:  journal,
		Observers: observers,
		Logger:    r.logger,
	})
	rs := &running{session: s, speaker: speaker, mixer: mixer, journal: journal}
	r.sessions.add(rs)
	r.control.Register(s)
	log.Info("session launched", slog.String("identity", opts.Identity))

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		select {
		case <-s.Done():
		case <-ctx.Done():
		}
		r.control.Unregister(s.ID())
		if done := r.sessions.remove(s.ID()); done != nil {
			done.close()
		}
		log.Info("session retired", slog.String("state", s.Progress().State.String()))
	}()
	return s, nil
}

func (r *Runtime) speakerFor(sessionID string, log *slog.Logger) (tts.Speaker, error) {
	if r.cfg.TTS.Mode == "bus" {
		if r.bus == nil {
			return nil, errors.New("tts bus mode requires the bus")
		}
		return tts.NewBusSpeaker(r.bus, sessionID, r.cfg.Audio.Target, log)
	}
	timeout := time.Duration(r.cfg.TTS.TimeoutMS) * time.Millisecond
	return tts.NewSynthSpeaker(r.synth, nil, sessionID, timeout, log), nil
}
