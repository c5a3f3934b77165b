// Package cron validates 5-field cron expressions and enumerates fire
// times, wrapping github.com/robfig/cron/v3 with the minimum-interval and
// strict-field rules the download orchestration core requires (spec.md
// §4.1).
package cron

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// MinInterval is the minimum interval quoted when Validate rejects a minute
// field that expands to every minute. Only that case is rejected: a minute
// field such as "*/2" is accepted.
const MinInterval = 5 * time.Minute

var fieldCharset = regexp.MustCompile(`^[0-9,\-*/]+$`)

var standardParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Trigger is a validated, parsed cron expression ready to compute fire times.
type Trigger struct {
	Expr     string
	schedule cron.Schedule
}

// Validate parses a 5-field minute/hour/dom/month/dow expression, rejecting
// anything outside `[0-9\s,\-*/]`, the every-minute pattern, and malformed
// fields.
func Validate(expr string) (*Trigger, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return nil, fmt.Errorf("invalid cron expression: empty")
	}
	fields := strings.Fields(trimmed)
	if len(fields) != 5 {
		return nil, fmt.Errorf("invalid cron expression: expected 5 fields, got %d", len(fields))
	}
	names := []string{"minute", "hour", "day-of-month", "month", "day-of-week"}
	for i, f := range fields {
		if !fieldCharset.MatchString(f) {
			return nil, fmt.Errorf("invalid cron expression: %s field %q contains disallowed characters", names[i], f)
		}
	}
	if isEveryMinute(fields[0]) {
		return nil, fmt.Errorf("invalid cron expression: minute field %q fires every minute, below the %s minimum interval", fields[0], MinInterval)
	}

	sched, err := standardParser.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return &Trigger{Expr: trimmed, schedule: sched}, nil
}

// isEveryMinute reports whether the minute field expands to every minute
// ("*", "*/1", "0-59", "0-59/1", ...), by parsing it and checking that all
// 60 minute bits are set. A field that does not parse reports false and is
// left for the full parse to reject.
func isEveryMinute(field string) bool {
	sched, err := standardParser.Parse(field + " * * * *")
	if err != nil {
		return false
	}
	spec, ok := sched.(*cron.SpecSchedule)
	if !ok {
		return false
	}
	const allMinutes = uint64(1)<<60 - 1
	return spec.Minute&allMinutes == allMinutes
}

// NextRuns returns the next n strictly-increasing fire instants in UTC,
// strictly after from. An expression with no reachable future fire yields
// an empty slice (spec.md §4.1, property P7).
func (t *Trigger) NextRuns(n int, from time.Time) []time.Time {
	if n <= 0 {
		return nil
	}
	out := make([]time.Time, 0, n)
	cursor := from.UTC()
	for i := 0; i < n; i++ {
		next := t.schedule.Next(cursor)
		if next.IsZero() {
			break
		}
		out = append(out, next.UTC())
		cursor = next
	}
	return out
}

// Next returns the next fire instant strictly after from, or the zero
// Time if unreachable.
func (t *Trigger) Next(from time.Time) time.Time {
	return t.schedule.Next(from.UTC())
}

// describeTable maps well-known expressions to a human label.
var describeTable = map[string]string{
	"0 0 * * *":  "Every day at midnight",
	"0 * * * *":  "Every hour",
	"0 0 * * 0":  "Every week on Sunday at midnight",
	"0 0 1 * *":  "Every month on the 1st at midnight",
	"*/5 * * * *": "Every 5 minutes",
	"*/15 * * * *": "Every 15 minutes",
	"*/30 * * * *": "Every 30 minutes",
}

// Describe returns a human-readable label for well-known expressions, or a
// generic fallback otherwise.
func Describe(expr string) string {
	trimmed := strings.TrimSpace(expr)
	if label, ok := describeTable[trimmed]; ok {
		return label
	}
	return "Custom schedule: " + trimmed
}
