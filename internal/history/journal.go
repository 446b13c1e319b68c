package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-meditation/internal/session"
)

const journalBuffer = 128

// Journal writes one session's lifecycle to the store. It is a session
// Observer and Recorder; writes happen off the session goroutine.
type Journal struct {
	store     *Store
	sessionID string
	kind      string
	logger    *slog.Logger

	mu      sync.Mutex
	closed  bool
	entries chan Event
	wg      sync.WaitGroup
}

func NewJournal(store *Store, sessionID, kind string, logger *slog.Logger) *Journal {
	j := &Journal{
		store:     store,
		sessionID: sessionID,
		kind:      kind,
		logger:    logger.With(slog.String("component", "history"), slog.String("session_id", sessionID)),
		entries:   make(chan Event, journalBuffer),
	}
	j.wg.Add(1)
	go j.run()
	return j
}

// Observe records state changes, ready steps and fallbacks. Progress ticks
// are ignored. Entries are dropped when the writer falls behind.
func (j *Journal) Observe(ev session.Event) {
	if ev.Kind == session.ProgressUpdated {
		return
	}
	entry := Event{
		SessionID: j.sessionID,
		Type:      ev.Kind.String(),
		Step:      ev.Step,
		Detail:    ev.Detail,
		CreatedAt: ev.At,
	}
	if ev.Kind == session.StateChanged {
		entry.Detail = ev.Progress.State.String()
		if ev.Detail != "" {
			entry.Detail += ": " + ev.Detail
		}
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}
	select {
	case j.entries <- entry:
	default:
		j.logger.Warn("history journal full, dropping entry", slog.String("type", entry.Type))
	}
}

// RecordCompletion updates statistics and marks this session completed.
func (j *Journal) RecordCompletion(ctx context.Context, kind string, minutes int) error {
	return j.store.RecordSession(ctx, j.sessionID, kind, minutes)
}

// Close flushes pending entries.
func (j *Journal) Close() {
	j.mu.Lock()
	if !j.closed {
		j.closed = true
		close(j.entries)
	}
	j.mu.Unlock()
	j.wg.Wait()
}

func (j *Journal) run() {
	defer j.wg.Done()
	ctx := context.Background()
	registered := false
	for entry := range j.entries {
		if !registered {
			if err := j.store.AppendSession(ctx, j.sessionID, j.kind); err != nil {
				j.logger.Warn("history failed to register session", slogError(err))
				continue
			}
			registered = true
		}
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = time.Now()
		}
		if err := j.store.AppendEvent(ctx, entry); err != nil {
			j.logger.Warn("history failed to append event", slogError(err))
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
