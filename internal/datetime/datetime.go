// Package datetime resolves the user's timezone and clock preference and
// renders times for user-facing surfaces (the time tool, run history).
package datetime

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// TimeFormatPreference is the configured clock preference.
type TimeFormatPreference string

const (
	// TimeFormatAuto picks the clock style from the environment.
	TimeFormatAuto TimeFormatPreference = "auto"
	// TimeFormat12 forces 12-hour format (1:30 PM).
	TimeFormat12 TimeFormatPreference = "12"
	// TimeFormat24 forces 24-hour format (13:30).
	TimeFormat24 TimeFormatPreference = "24"
)

// ResolvedTimeFormat is the concrete clock style after resolution.
type ResolvedTimeFormat string

const (
	Resolved12Hour ResolvedTimeFormat = "12"
	Resolved24Hour ResolvedTimeFormat = "24"
)

// ResolveUserTimezone validates a configured IANA zone name, falling back to
// the host's TZ environment and finally UTC.
func ResolveUserTimezone(configured string) string {
	if zone := strings.TrimSpace(configured); zone != "" {
		if _, err := time.LoadLocation(zone); err == nil {
			return zone
		}
	}
	if zone := strings.TrimSpace(os.Getenv("TZ")); zone != "" {
		if _, err := time.LoadLocation(zone); err == nil {
			return zone
		}
	}
	return "UTC"
}

// ResolveUserTimeFormat resolves the clock preference. "12" and "24" pass
// through; auto (or anything else) inspects LC_TIME for a 12-hour locale and
// otherwise settles on 24-hour.
func ResolveUserTimeFormat(preference TimeFormatPreference) ResolvedTimeFormat {
	switch preference {
	case TimeFormat12:
		return Resolved12Hour
	case TimeFormat24:
		return Resolved24Hour
	}
	locale := strings.ToLower(os.Getenv("LC_TIME"))
	if strings.HasPrefix(locale, "en_us") {
		return Resolved12Hour
	}
	return Resolved24Hour
}

// OrdinalSuffix returns the English ordinal suffix for a day number
// (1 -> "st", 2 -> "nd", 11 -> "th", 21 -> "st").
func OrdinalSuffix(day int) string {
	if v := day % 100; v >= 11 && v <= 13 {
		return "th"
	}
	switch day % 10 {
	case 1:
		return "st"
	case 2:
		return "nd"
	case 3:
		return "rd"
	default:
		return "th"
	}
}

// FormatUserTime renders t in the given zone, e.g.
// "Friday, July 31st, 2026 - 14:30" or "... - 2:30 PM". Returns "" when the
// zone cannot be loaded.
func FormatUserTime(t time.Time, timeZone string, format ResolvedTimeFormat) string {
	loc, err := time.LoadLocation(timeZone)
	if err != nil {
		return ""
	}
	local := t.In(loc)

	datePart := fmt.Sprintf("%s, %s %d%s, %d",
		local.Weekday(), local.Month(), local.Day(), OrdinalSuffix(local.Day()), local.Year())

	hour, minute := local.Hour(), local.Minute()
	if format == Resolved12Hour {
		period := "AM"
		if hour >= 12 {
			period = "PM"
		}
		h := hour % 12
		if h == 0 {
			h = 12
		}
		return fmt.Sprintf("%s - %d:%02d %s", datePart, h, minute, period)
	}
	return fmt.Sprintf("%s - %02d:%02d", datePart, hour, minute)
}

// FormatUserTimeWithTimezone renders FormatUserTime with the zone name
// appended, e.g. "... - 14:30 (America/New_York)".
func FormatUserTimeWithTimezone(t time.Time, timeZone string, format ResolvedTimeFormat) string {
	base := FormatUserTime(t, timeZone, format)
	if base == "" {
		return ""
	}
	return fmt.Sprintf("%s (%s)", base, timeZone)
}

// FormatRelativeTime renders t relative to now: "just now", "5 minutes ago",
// "in 2 hours", "3 days ago".
func FormatRelativeTime(t time.Time, now time.Time) string {
	diff := now.Sub(t)
	if diff < 0 {
		return "in " + relativeSpan(-diff)
	}
	if diff < time.Minute {
		return "just now"
	}
	return relativeSpan(diff) + " ago"
}

func relativeSpan(d time.Duration) string {
	plural := func(n int64, unit string) string {
		if n == 1 {
			return fmt.Sprintf("1 %s", unit)
		}
		return fmt.Sprintf("%d %ss", n, unit)
	}
	switch {
	case d < time.Minute:
		return plural(int64(d.Seconds()), "second")
	case d < time.Hour:
		return plural(int64(d.Minutes()), "minute")
	case d < 24*time.Hour:
		return plural(int64(d.Hours()), "hour")
	default:
		return plural(int64(d.Hours()/24), "day")
	}
}
