package history

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/loqalabs/loqa-meditation/internal/config"
	"github.com/loqalabs/loqa-meditation/internal/session"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTemp(t *testing.T, cfg config.HistoryConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "history.db")
	}
	if cfg.RetentionMode == "" {
		cfg.RetentionMode = "persistent"
	}
	st, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func day(d int) func() time.Time {
	return func() time.Time { return time.Date(2025, 3, d, 18, 30, 0, 0, time.UTC) }
}

func TestOpenEphemeral(t *testing.T) {
	st, err := Open(context.Background(), config.HistoryConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := st.RecordCompletion(context.Background(), "breathing", 10); err != nil {
		t.Fatalf("record: %v", err)
	}
	stats, err := st.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalSessions != 1 || stats.TotalMinutes != 10 || stats.CurrentStreak != 1 {
		t.Fatalf("unexpected in-memory stats %+v", stats)
	}
}

func TestNextStreakBoundaries(t *testing.T) {
	today := time.Date(2025, 3, 10, 7, 0, 0, 0, time.UTC)
	cases := []struct {
		name    string
		current int
		last    string
		want    int
	}{
		{"first session", 0, "", 1},
		{"same day", 3, "2025-03-10", 4},
		{"yesterday", 3, "2025-03-09", 4},
		{"two days", 3, "2025-03-08", 1},
		{"long gap", 9, "2025-01-01", 1},
		{"garbage date", 5, "not-a-date", 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := NextStreak(tc.current, tc.last, today); got != tc.want {
				t.Fatalf("NextStreak(%d, %q) = %d, want %d", tc.current, tc.last, got, tc.want)
			}
		})
	}
}

func TestNextStreakAcrossDaylightSaving(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load zone: %v", err)
	}
	cases := []struct {
		name  string
		last  string
		today time.Time
		want  int
	}{
		{"two days over spring forward", "2026-03-07", time.Date(2026, 3, 9, 8, 0, 0, 0, loc), 1},
		{"next day over spring forward", "2026-03-07", time.Date(2026, 3, 8, 23, 30, 0, 0, loc), 6},
		{"next day over fall back", "2026-10-31", time.Date(2026, 11, 1, 0, 30, 0, 0, loc), 6},
		{"two days over fall back", "2026-10-31", time.Date(2026, 11, 2, 23, 59, 0, 0, loc), 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := NextStreak(5, tc.last, tc.today); got != tc.want {
				t.Fatalf("NextStreak(5, %q, %s) = %d, want %d", tc.last, tc.today, got, tc.want)
			}
		})
	}
}

func TestRecordCompletionTracksStreaks(t *testing.T) {
	st := openTemp(t, config.HistoryConfig{})
	ctx := context.Background()

	for _, d := range []int{1, 2, 2, 3} {
		st.clock = day(d)
		if err := st.RecordCompletion(ctx, "breathing", 10); err != nil {
			t.Fatalf("record day %d: %v", d, err)
		}
	}
	stats, err := st.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.CurrentStreak != 4 || stats.LongestStreak != 4 {
		t.Fatalf("expected streak 4/4, got %+v", stats)
	}

	st.clock = day(5)
	if err := st.RecordSession(ctx, "s-5", "sleep", 20); err != nil {
		t.Fatalf("record: %v", err)
	}
	stats, err = st.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.CurrentStreak != 1 || stats.LongestStreak != 4 {
		t.Fatalf("expected reset streak, got %+v", stats)
	}
	if stats.TotalSessions != 5 || stats.TotalMinutes != 60 || stats.LastSessionDate != "2025-03-05" {
		t.Fatalf("unexpected totals %+v", stats)
	}

	done, err := st.Completions(ctx, 10)
	if err != nil {
		t.Fatalf("completions: %v", err)
	}
	if len(done) != 1 || done[0].SessionID != "s-5" || done[0].Kind != "sleep" || done[0].Minutes != 20 {
		t.Fatalf("unexpected completions %+v", done)
	}
}

func TestRecordRejectsNegativeMinutes(t *testing.T) {
	st := openTemp(t, config.HistoryConfig{})
	if err := st.RecordCompletion(context.Background(), "focus", -1); err == nil {
		t.Fatal("expected error for negative minutes")
	}
}

func TestStatsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	cfg := config.HistoryConfig{Path: path, RetentionMode: "persistent"}
	st, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := st.RecordCompletion(context.Background(), "focus", 12); err != nil {
		t.Fatalf("record: %v", err)
	}
	_ = st.Close()

	st = openTemp(t, cfg)
	stats, err := st.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalMinutes != 12 {
		t.Fatalf("expected persisted minutes, got %+v", stats)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	st := openTemp(t, config.HistoryConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})
	ctx := context.Background()

	st.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := st.AppendSession(ctx, "old-session", "breathing"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := st.AppendEvent(ctx, Event{SessionID: "old-session", Type: "state_changed"}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := st.RecordCompletion(ctx, "breathing", 5); err != nil {
		t.Fatalf("record: %v", err)
	}

	st.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := st.AppendSession(ctx, "new-session", "breathing"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := st.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := st.ListSessionEvents(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
	stats, err := st.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalSessions != 1 {
		t.Fatalf("expected stats kept after prune, got %+v", stats)
	}
}

func TestJournalRecordsLifecycle(t *testing.T) {
	st := openTemp(t, config.HistoryConfig{})
	ctx := context.Background()
	j := NewJournal(st, "sess-1", "body_scan", newLogger())

	at := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	j.Observe(session.Event{Kind: session.ProgressUpdated, At: at})
	j.Observe(session.Event{Kind: session.StateChanged, Progress: session.Progress{State: session.Ready}, At: at})
	j.Observe(session.Event{Kind: session.FallbackUsed, Step: 2, Detail: "generation failed", At: at.Add(time.Second)})
	j.Observe(session.Event{Kind: session.StateChanged, Progress: session.Progress{State: session.Completed}, Detail: "stopped", At: at.Add(2 * time.Second)})
	if err := j.RecordCompletion(ctx, "body_scan", 15); err != nil {
		t.Fatalf("record: %v", err)
	}
	j.Close()
	j.Observe(session.Event{Kind: session.StepReady, At: at})

	events, err := st.ListSessionEvents(ctx, "sess-1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %+v", events)
	}
	if events[0].Type != "state_changed" || events[0].Detail != "READY" {
		t.Fatalf("unexpected first event %+v", events[0])
	}
	if events[1].Type != "fallback_used" || events[1].Step != 2 {
		t.Fatalf("unexpected fallback event %+v", events[1])
	}
	if events[2].Detail != "COMPLETED: stopped" {
		t.Fatalf("unexpected final event %+v", events[2])
	}

	done, err := st.Completions(ctx, 10)
	if err != nil {
		t.Fatalf("completions: %v", err)
	}
	if len(done) != 1 || done[0].SessionID != "sess-1" {
		t.Fatalf("expected completed session row, got %+v", done)
	}
}
