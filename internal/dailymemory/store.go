// Package dailymemory is the append-only raw interaction log plus the
// upsert-able per-day narrative summary snapshots. Day keys
// are derived in the configured IANA timezone; event times are stored as UTC
// ISO timestamps.
package dailymemory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/zubot/internal/dbqueue"
)

// Layer distinguishes raw interaction entries from condensed summary entries.
type Layer string

const (
	LayerRaw     Layer = "raw"
	LayerSummary Layer = "summary"
)

// Event is one daily_memory_events row.
type Event struct {
	EventID   string    `json:"event_id"`
	Day       string    `json:"day"`
	EventTime time.Time `json:"event_time"`
	SessionID string    `json:"session_id,omitempty"`
	Kind      string    `json:"kind"`
	Text      string    `json:"text"`
	Layer     Layer     `json:"layer"`
	CreatedAt time.Time `json:"created_at"`
}

// Summary is one daily_memory_summaries row.
type Summary struct {
	Day       string    `json:"day"`
	Text      string    `json:"text"`
	SessionID string    `json:"session_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DayMemory is what LoadRecent returns per day: the summary snapshot when one
// exists, otherwise a rendered raw fallback.
type DayMemory struct {
	Day         string `json:"day"`
	Text        string `json:"text"`
	FromSummary bool   `json:"from_summary"`
}

// rawFallbackMaxLines bounds the rendered raw fallback per day.
const rawFallbackMaxLines = 80

// Store is the daily memory store, backed by the serialized DB queue.
type Store struct {
	q        *dbqueue.Queue
	timezone string
}

// New wraps an already-open dbqueue.Queue. timezone is the IANA zone used to
// derive day keys.
func New(q *dbqueue.Queue, timezone string) *Store {
	if timezone == "" {
		timezone = "UTC"
	}
	return &Store{q: q, timezone: timezone}
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS daily_memory_events (
	event_id TEXT PRIMARY KEY,
	day TEXT NOT NULL,
	event_time TEXT NOT NULL,
	session_id TEXT,
	kind TEXT NOT NULL,
	text TEXT NOT NULL,
	layer TEXT NOT NULL DEFAULT 'raw',
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_daily_memory_events_day
	ON daily_memory_events(day, event_time, event_id);

CREATE TABLE IF NOT EXISTS daily_memory_summaries (
	day TEXT PRIMARY KEY,
	text TEXT NOT NULL,
	session_id TEXT,
	updated_at TEXT NOT NULL
);
`

// Migrate creates the daily memory tables; idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.q.DB().ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("dailymemory migrate: %w", err)
	}
	return nil
}

func (s *Store) location() *time.Location {
	loc, err := time.LoadLocation(s.timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DayKey converts an instant into the store's local day key.
func (s *Store) DayKey(t time.Time) string {
	return t.In(s.location()).Format("2006-01-02")
}

// Today returns the current local day key.
func (s *Store) Today() string { return s.DayKey(time.Now()) }

// AppendEvent appends one raw (or summary-layer) event. An empty Day is
// derived from EventTime; an empty EventTime defaults to now.
func (s *Store) AppendEvent(ctx context.Context, ev Event) (Event, error) {
	if ev.Kind == "" {
		return Event{}, fmt.Errorf("dailymemory: event kind is required")
	}
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.EventTime.IsZero() {
		ev.EventTime = time.Now().UTC()
	}
	ev.EventTime = ev.EventTime.UTC()
	if ev.Day == "" {
		ev.Day = s.DayKey(ev.EventTime)
	}
	if ev.Layer == "" {
		ev.Layer = LayerRaw
	}
	ev.CreatedAt = time.Now().UTC()

	resp, err := s.q.Submit(ctx, dbqueue.Request{
		SQL: `INSERT INTO daily_memory_events (event_id, day, event_time, session_id, kind, text, layer, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		// Fixed-width nanosecond timestamps keep text order equal to time order.
		Params: []any{ev.EventID, ev.Day, ev.EventTime.Format("2006-01-02T15:04:05.000000000Z07:00"), ev.SessionID, ev.Kind, ev.Text, string(ev.Layer), ev.CreatedAt.Format(time.RFC3339)},
	})
	if err != nil {
		return Event{}, err
	}
	if !resp.OK {
		return Event{}, fmt.Errorf("dailymemory append: %s", resp.Error)
	}
	return ev, nil
}

// EventsForDay returns every event of day in (event_time, event_id) order.
func (s *Store) EventsForDay(ctx context.Context, day string) ([]Event, error) {
	resp, err := s.q.Submit(ctx, dbqueue.Request{
		SQL:      `SELECT * FROM daily_memory_events WHERE day = ? ORDER BY event_time ASC, event_id ASC`,
		Params:   []any{day},
		ReadOnly: true,
	})
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("dailymemory events for %s: %s", day, resp.Error)
	}
	out := make([]Event, 0, len(resp.Rows))
	for _, row := range resp.Rows {
		out = append(out, rowToEvent(row))
	}
	return out, nil
}

// UpsertSummary writes (or replaces) the day's summary snapshot.
func (s *Store) UpsertSummary(ctx context.Context, day, text, sessionID string) error {
	if day == "" {
		return fmt.Errorf("dailymemory: day is required")
	}
	now := time.Now().UTC().Format(time.RFC3339)
	resp, err := s.q.Submit(ctx, dbqueue.Request{
		SQL: `INSERT INTO daily_memory_summaries (day, text, session_id, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(day) DO UPDATE SET text = excluded.text, session_id = excluded.session_id, updated_at = excluded.updated_at`,
		Params: []any{day, text, sessionID, now},
	})
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("dailymemory upsert summary %s: %s", day, resp.Error)
	}
	return nil
}

// GetSummary returns the day's snapshot, ok=false when absent.
func (s *Store) GetSummary(ctx context.Context, day string) (Summary, bool, error) {
	resp, err := s.q.Submit(ctx, dbqueue.Request{
		SQL:      `SELECT * FROM daily_memory_summaries WHERE day = ?`,
		Params:   []any{day},
		ReadOnly: true,
	})
	if err != nil {
		return Summary{}, false, err
	}
	if !resp.OK {
		return Summary{}, false, fmt.Errorf("dailymemory get summary %s: %s", day, resp.Error)
	}
	if len(resp.Rows) == 0 {
		return Summary{}, false, nil
	}
	row := resp.Rows[0]
	return Summary{
		Day:       asString(row["day"]),
		Text:      asString(row["text"]),
		SessionID: asString(row["session_id"]),
		UpdatedAt: parseTime(row["updated_at"]),
	}, true, nil
}

// LoadRecent returns, for each of the last n local days (today first), the
// summary snapshot when present, else a rendered raw fallback holding the
// most recent lines of that day. Days with neither are skipped.
func (s *Store) LoadRecent(ctx context.Context, n int) ([]DayMemory, error) {
	if n <= 0 {
		n = 3
	}
	loc := s.location()
	today := time.Now().In(loc)

	var out []DayMemory
	for i := 0; i < n; i++ {
		day := today.AddDate(0, 0, -i).Format("2006-01-02")
		if summary, ok, err := s.GetSummary(ctx, day); err != nil {
			return nil, err
		} else if ok {
			out = append(out, DayMemory{Day: day, Text: summary.Text, FromSummary: true})
			continue
		}
		events, err := s.EventsForDay(ctx, day)
		if err != nil {
			return nil, err
		}
		if text := renderRawFallback(events); text != "" {
			out = append(out, DayMemory{Day: day, Text: text})
		}
	}
	return out, nil
}

func renderRawFallback(events []Event) string {
	var lines []string
	for _, ev := range events {
		if ev.Layer != LayerRaw {
			continue
		}
		text := strings.TrimSpace(ev.Text)
		if text == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("[%s] %s: %s", ev.EventTime.Format("15:04"), ev.Kind, text))
	}
	if len(lines) > rawFallbackMaxLines {
		lines = lines[len(lines)-rawFallbackMaxLines:]
	}
	return strings.Join(lines, "\n")
}

// MigrateLegacyFiles performs the one-shot rehydration of prior text-file
// daily logs into the events table, keyed by the YYYY-MM-DD stem of each
// file. Lines with an HH:MM prefix keep that approximate time-of-day; other
// lines land at local noon. A day that already has events in the table is
// skipped, making the migration idempotent.
func (s *Store) MigrateLegacyFiles(ctx context.Context, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("dailymemory legacy dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".txt") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	loc := s.location()
	migrated := 0
	for _, name := range names {
		stem := strings.TrimSuffix(name, ".txt")
		day, err := time.ParseInLocation("2006-01-02", stem, loc)
		if err != nil {
			continue
		}
		dayKey := day.Format("2006-01-02")

		existing, err := s.EventsForDay(ctx, dayKey)
		if err != nil {
			return migrated, err
		}
		if len(existing) > 0 {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return migrated, fmt.Errorf("dailymemory legacy read %s: %w", name, err)
		}
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			eventTime := day.Add(12 * time.Hour)
			text := line
			if hh, mm, rest, ok := splitClockPrefix(line); ok {
				eventTime = time.Date(day.Year(), day.Month(), day.Day(), hh, mm, 0, 0, loc)
				text = rest
			}
			if _, err := s.AppendEvent(ctx, Event{
				Day:       dayKey,
				EventTime: eventTime.UTC(),
				Kind:      "legacy",
				Text:      text,
			}); err != nil {
				return migrated, err
			}
			migrated++
		}
	}
	return migrated, nil
}

// splitClockPrefix parses lines shaped like "[14:05] text" or "14:05 text".
func splitClockPrefix(line string) (hour, minute int, rest string, ok bool) {
	trimmed := line
	bracketed := strings.HasPrefix(trimmed, "[")
	if bracketed {
		end := strings.IndexByte(trimmed, ']')
		if end < 0 {
			return 0, 0, "", false
		}
		clock := trimmed[1:end]
		if _, err := fmt.Sscanf(clock, "%d:%d", &hour, &minute); err != nil {
			return 0, 0, "", false
		}
		rest = strings.TrimSpace(trimmed[end+1:])
	} else {
		var n int
		if _, err := fmt.Sscanf(trimmed, "%d:%d", &hour, &minute); err != nil {
			return 0, 0, "", false
		}
		if n = strings.IndexByte(trimmed, ' '); n < 0 {
			return 0, 0, "", false
		}
		rest = strings.TrimSpace(trimmed[n+1:])
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, "", false
	}
	return hour, minute, rest, true
}

func rowToEvent(row map[string]any) Event {
	return Event{
		EventID:   asString(row["event_id"]),
		Day:       asString(row["day"]),
		EventTime: parseTime(row["event_time"]),
		SessionID: asString(row["session_id"]),
		Kind:      asString(row["kind"]),
		Text:      asString(row["text"]),
		Layer:     Layer(asString(row["layer"])),
		CreatedAt: parseTime(row["created_at"]),
	}
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return ""
	}
}

func parseTime(v any) time.Time {
	t, err := time.Parse(time.RFC3339, asString(v))
	if err != nil {
		return time.Time{}
	}
	return t
}
