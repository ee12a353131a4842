package dailymemory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/zubot/internal/dbqueue"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	q, err := dbqueue.Open(dbqueue.Options{Path: filepath.Join(t.TempDir(), "daily.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	s := New(q, "UTC")
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestAppendDerivesDayFromEventTime(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	at := time.Date(2026, 7, 30, 23, 45, 0, 0, time.UTC)
	ev, err := s.AppendEvent(ctx, Event{EventTime: at, Kind: "user", Text: "hello"})
	require.NoError(t, err)
	require.Equal(t, "2026-07-30", ev.Day)
	require.NotEmpty(t, ev.EventID)
	require.Equal(t, LayerRaw, ev.Layer)

	events, err := s.EventsForDay(ctx, "2026-07-30")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "hello", events[0].Text)
}

func TestEventsForDayPreservesTimeOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)

	for _, offset := range []int{30, 0, 15} {
		_, err := s.AppendEvent(ctx, Event{
			EventTime: base.Add(time.Duration(offset) * time.Minute),
			Kind:      "user",
			Text:      fmt.Sprintf("at+%d", offset),
		})
		require.NoError(t, err)
	}

	events, err := s.EventsForDay(ctx, "2026-07-30")
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, "at+0", events[0].Text)
	require.Equal(t, "at+15", events[1].Text)
	require.Equal(t, "at+30", events[2].Text)
}

func TestSummaryUpsertReplaces(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.UpsertSummary(ctx, "2026-07-30", "first draft", "sess-1"))
	require.NoError(t, s.UpsertSummary(ctx, "2026-07-30", "final", "sess-2"))

	summary, ok, err := s.GetSummary(ctx, "2026-07-30")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "final", summary.Text)
	require.Equal(t, "sess-2", summary.SessionID)
}

func TestLoadRecentPrefersSummaryOverRawFallback(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	today := s.Today()

	_, err := s.AppendEvent(ctx, Event{Kind: "user", Text: "raw line"})
	require.NoError(t, err)

	recent, err := s.LoadRecent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.False(t, recent[0].FromSummary)
	require.Contains(t, recent[0].Text, "raw line")

	require.NoError(t, s.UpsertSummary(ctx, today, "the day's narrative", ""))
	recent, err = s.LoadRecent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.True(t, recent[0].FromSummary)
	require.Equal(t, "the day's narrative", recent[0].Text)
}

func TestRawFallbackCapsAtMostRecentLines(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.Now().UTC().Truncate(24 * time.Hour).Add(6 * time.Hour)

	for i := 0; i < rawFallbackMaxLines+10; i++ {
		_, err := s.AppendEvent(ctx, Event{
			EventTime: base.Add(time.Duration(i) * time.Minute),
			Kind:      "user",
			Text:      fmt.Sprintf("line %03d", i),
		})
		require.NoError(t, err)
	}

	recent, err := s.LoadRecent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	lines := strings.Split(recent[0].Text, "\n")
	require.Len(t, lines, rawFallbackMaxLines)
	require.Contains(t, lines[len(lines)-1], fmt.Sprintf("line %03d", rawFallbackMaxLines+9))
	require.NotContains(t, recent[0].Text, "line 000")
}

func TestLegacyFileMigrationPreservesTimeOfDay(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	dir := t.TempDir()

	content := "[09:15] morning standup notes\nuntimed afternoon note\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "2026-07-01.txt"), []byte(content), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "not-a-day.txt"), []byte("skip me"), 0o644))

	n, err := s.MigrateLegacyFiles(ctx, dir)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	events, err := s.EventsForDay(ctx, "2026-07-01")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "legacy", events[0].Kind)
	require.Equal(t, "morning standup notes", events[0].Text)
	require.Equal(t, 9, events[0].EventTime.UTC().Hour())
	require.Equal(t, 15, events[0].EventTime.UTC().Minute())
	require.Equal(t, 12, events[1].EventTime.UTC().Hour())

	// Second pass is a no-op for already-migrated days.
	n, err = s.MigrateLegacyFiles(ctx, dir)
	require.NoError(t, err)
	require.Zero(t, n)
}
