package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loqalabs/loqa-meditation/internal/config"
	_ "modernc.org/sqlite"
)

const dateLayout = "2006-01-02"

// Stats mirrors the completion statistics a settings screen shows.
type Stats struct {
	TotalSessions   int
	TotalMinutes    int
	CurrentStreak   int
	LongestStreak   int
	LastSessionDate string
}

// Event is one timeline entry for a session.
type Event struct {
	ID        int64
	SessionID string
	Type      string
	Step      int
	Detail    string
	CreatedAt time.Time
}

// Completion is a finished session row.
type Completion struct {
	SessionID string
	Kind      string
	Minutes   int
	CreatedAt time.Time
}

// Store wraps a SQLite-backed history of completions, streaks and timelines.
type Store struct {
	db    *sql.DB
	cfg   config.HistoryConfig
	log   *slog.Logger
	clock func() time.Time

	// ephemeral mode keeps stats in memory only
	mu  sync.Mutex
	mem Stats
}

// Open initializes the history store according to config.
func Open(ctx context.Context, cfg config.HistoryConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("history vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("history prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    kind TEXT,
    minutes INTEGER NOT NULL DEFAULT 0,
    completed INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    step INTEGER,
    detail TEXT,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
CREATE TABLE IF NOT EXISTS stats (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    total_sessions INTEGER NOT NULL DEFAULT 0,
    total_minutes INTEGER NOT NULL DEFAULT 0,
    current_streak INTEGER NOT NULL DEFAULT 0,
    longest_streak INTEGER NOT NULL DEFAULT 0,
    last_session_date TEXT NOT NULL DEFAULT ''
);
INSERT OR IGNORE INTO stats(id) VALUES (1);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// NextStreak applies the streak rule: a session on the same day or the day
// after the previous one extends the streak, a longer gap restarts it at 1.
func NextStreak(current int, last string, today time.Time) int {
	if last == "" {
		return 1
	}
	prev, err := time.Parse(dateLayout, last)
	if err != nil {
		return 1
	}
	// Calendar days are counted in UTC so DST shifts in today's zone never
	// shorten or stretch a day.
	day := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, time.UTC)
	gap := int(day.Sub(prev).Hours() / 24)
	if gap < 0 {
		return max(current, 1)
	}
	if gap <= 1 {
		return current + 1
	}
	return 1
}

func (st Stats) complete(minutes int, now time.Time) Stats {
	st.TotalSessions++
	st.TotalMinutes += minutes
	st.CurrentStreak = NextStreak(st.CurrentStreak, st.LastSessionDate, now)
	st.LongestStreak = max(st.LongestStreak, st.CurrentStreak)
	st.LastSessionDate = now.Format(dateLayout)
	return st
}

// RecordCompletion adds a finished session to the statistics.
func (s *Store) RecordCompletion(ctx context.Context, kind string, minutes int) error {
	return s.RecordSession(ctx, "", kind, minutes)
}

// RecordSession adds a finished session to the statistics and marks its
// timeline row completed when sessionID is set.
func (s *Store) RecordSession(ctx context.Context, sessionID, kind string, minutes int) error {
	if minutes < 0 {
		return errors.New("minutes must be >= 0")
	}
	now := s.clock()
	if s.db == nil {
		s.mu.Lock()
		s.mem = s.mem.complete(minutes, now)
		s.mu.Unlock()
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var st Stats
	err = tx.QueryRowContext(ctx,
		`SELECT total_sessions, total_minutes, current_streak, longest_streak, last_session_date FROM stats WHERE id = 1`).
		Scan(&st.TotalSessions, &st.TotalMinutes, &st.CurrentStreak, &st.LongestStreak, &st.LastSessionDate)
	if err != nil {
		return fmt.Errorf("read stats: %w", err)
	}
	st = st.complete(minutes, now)
	if _, err = tx.ExecContext(ctx,
		`UPDATE stats SET total_sessions = ?, total_minutes = ?, current_streak = ?, longest_streak = ?, last_session_date = ? WHERE id = 1`,
		st.TotalSessions, st.TotalMinutes, st.CurrentStreak, st.LongestStreak, st.LastSessionDate); err != nil {
		return fmt.Errorf("write stats: %w", err)
	}
	if sessionID != "" {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO sessions(session_id, kind, minutes, completed, created_at)
			 VALUES(?, ?, ?, 1, ?)
			 ON CONFLICT(session_id) DO UPDATE SET kind=excluded.kind, minutes=excluded.minutes, completed=1`,
			sessionID, kind, minutes, now.UTC()); err != nil {
			return fmt.Errorf("write session: %w", err)
		}
	}
	err = tx.Commit()
	return err
}

// Stats returns the current completion statistics.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.mem, nil
	}
	var st Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT total_sessions, total_minutes, current_streak, longest_streak, last_session_date FROM stats WHERE id = 1`).
		Scan(&st.TotalSessions, &st.TotalMinutes, &st.CurrentStreak, &st.LongestStreak, &st.LastSessionDate)
	return st, err
}

// AppendSession ensures a session row exists.
func (s *Store) AppendSession(ctx context.Context, sessionID, kind string) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, kind, created_at)
		 VALUES(?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET kind=excluded.kind`,
		sessionID, kind, s.clock().UTC())
	return err
}

// AppendEvent writes a timeline entry.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.db == nil {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(session_id, event_type, step, detail, created_at)
		 VALUES(?, ?, ?, ?, ?)`,
		evt.SessionID, evt.Type, evt.Step, evt.Detail, evt.CreatedAt.UTC())
	return err
}

// ListSessionEvents retrieves up to limit events for a session ordered ascending by time.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, event_type, step, detail, created_at
		 FROM events WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var detail sql.NullString
		var step sql.NullInt64
		var created string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &step, &detail, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTime(created)
		e.Step = int(step.Int64)
		e.Detail = detail.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// Completions lists finished sessions, newest first.
func (s *Store) Completions(ctx context.Context, limit int) ([]Completion, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, kind, minutes, created_at FROM sessions
		 WHERE completed = 1 ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Completion
	for rows.Next() {
		var c Completion
		var kind sql.NullString
		var created string
		if err := rows.Scan(&c.SessionID, &kind, &c.Minutes, &created); err != nil {
			return nil, err
		}
		c.CreatedAt = parseTime(created)
		c.Kind = kind.String
		out = append(out, c)
	}
	return out, rows.Err()
}

func parseTime(v string) time.Time {
	if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return ts
	}
	return time.Time{}
}

// Prune applies configured retention (called on startup and can be scheduled).
// Statistics are never pruned.
func (s *Store) Prune(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Ensure checks the store matches its retention mode.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
