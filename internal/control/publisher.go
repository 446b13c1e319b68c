package control

import (
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-meditation/internal/bus"
	"github.com/loqalabs/loqa-meditation/internal/protocol"
	"github.com/loqalabs/loqa-meditation/internal/session"
	"golang.org/x/time/rate"
)

// ProgressPublisher forwards session events onto the bus. Tick progress is
// throttled to one snapshot per interval; every other event kind is sent.
type ProgressPublisher struct {
	bus     *bus.Client
	subject string
	limiter *rate.Limiter
	logger  *slog.Logger
}

func NewProgressPublisher(client *bus.Client, sessionID string, interval time.Duration, logger *slog.Logger) *ProgressPublisher {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &ProgressPublisher{
		bus:     client,
		subject: protocol.ProgressSubject(sessionID),
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger.With(slog.String("component", "control"), slog.String("session_id", sessionID)),
	}
}

func (p *ProgressPublisher) Observe(ev session.Event) {
	if ev.Kind == session.ProgressUpdated && !p.limiter.AllowN(eventTime(ev), 1) {
		return
	}
	msg := protocol.ProgressEvent{
		SessionID: ev.Progress.SessionID,
		Kind:      ev.Kind.String(),
		Step:      ev.Step,
		Detail:    ev.Detail,
		Progress:  ev.Progress,
		Timestamp: eventTime(ev).UTC(),
	}
	if err := p.bus.Publish(p.subject, msg); err != nil {
		p.logger.Warn("failed to publish progress", slogError(err))
	}
}

func eventTime(ev session.Event) time.Time {
	if ev.At.IsZero() {
		return time.Now()
	}
	return ev.At
}
