// Package cronparse implements a pure, dependency-free 5-field POSIX cron
// expression evaluator: minute hour day-of-month month day-of-week. It
// exposes two pure functions, ShouldRun and NextRunTime, rather than a
// push-based scheduler object, so the scheduler package can drive them
// against any clock and unit tests can assert on them directly.
package cronparse

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Expression is a parsed 5-field cron spec.
type Expression struct {
	minutes  fieldSet
	hours    fieldSet
	doms     fieldSet
	months   fieldSet
	dows     fieldSet
}

type fieldSet map[int]bool

// Parse parses a 5-field expression ("minute hour dom month dow"). Each
// field accepts *, a value, a range (a-b), a list (a,b,c), or a step
// (*/n or a-b/n).
func Parse(expr string) (Expression, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return Expression{}, fmt.Errorf("cronparse: expected 5 fields, got %d", len(fields))
	}

	minutes, err := parseField(fields[0], 0, 59)
	if err != nil {
		return Expression{}, fmt.Errorf("cronparse: minute field: %w", err)
	}
	hours, err := parseField(fields[1], 0, 23)
	if err != nil {
		return Expression{}, fmt.Errorf("cronparse: hour field: %w", err)
	}
	doms, err := parseField(fields[2], 1, 31)
	if err != nil {
		return Expression{}, fmt.Errorf("cronparse: day-of-month field: %w", err)
	}
	months, err := parseField(fields[3], 1, 12)
	if err != nil {
		return Expression{}, fmt.Errorf("cronparse: month field: %w", err)
	}
	dows, err := parseField(fields[4], 0, 6)
	if err != nil {
		return Expression{}, fmt.Errorf("cronparse: day-of-week field: %w", err)
	}

	return Expression{minutes: minutes, hours: hours, doms: doms, months: months, dows: dows}, nil
}

func parseField(field string, min, max int) (fieldSet, error) {
	set := make(fieldSet)
	for _, part := range strings.Split(field, ",") {
		if err := parsePart(part, min, max, set); err != nil {
			return nil, err
		}
	}
	return set, nil
}

func parsePart(part string, min, max int, set fieldSet) error {
	step := 1
	base := part
	if idx := strings.Index(part, "/"); idx >= 0 {
		base = part[:idx]
		n, err := strconv.Atoi(part[idx+1:])
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid step in %q", part)
		}
		step = n
	}

	var lo, hi int
	switch {
	case base == "*":
		lo, hi = min, max
	case strings.Contains(base, "-"):
		bounds := strings.SplitN(base, "-", 2)
		a, err1 := strconv.Atoi(bounds[0])
		b, err2 := strconv.Atoi(bounds[1])
		if err1 != nil || err2 != nil || a > b {
			return fmt.Errorf("invalid range %q", base)
		}
		lo, hi = a, b
	default:
		v, err := strconv.Atoi(base)
		if err != nil {
			return fmt.Errorf("invalid value %q", base)
		}
		lo, hi = v, v
	}

	if lo < min || hi > max {
		return fmt.Errorf("value out of range in %q (expected %d-%d)", part, min, max)
	}

	for v := lo; v <= hi; v += step {
		set[v] = true
	}
	return nil
}

// ShouldRun reports whether now matches expr to the minute. Seconds and
// sub-second precision are ignored, matching standard cron granularity.
func ShouldRun(expr Expression, now time.Time) bool {
	dow := int(now.Weekday())
	return expr.minutes[now.Minute()] &&
		expr.hours[now.Hour()] &&
		expr.doms[now.Day()] &&
		expr.months[int(now.Month())] &&
		expr.dows[dow]
}

// NextRunTime walks forward minute by minute from "from" (exclusive) to
// find the next time expr matches, capped at 366 days out so a
// malformed-but-parseable expression (e.g. Feb 30) cannot spin forever.
func NextRunTime(expr Expression, from time.Time) (time.Time, bool) {
	cursor := from.Truncate(time.Minute).Add(time.Minute)
	limit := from.AddDate(1, 0, 1)
	for cursor.Before(limit) {
		if ShouldRun(expr, cursor) {
			return cursor, true
		}
		cursor = cursor.Add(time.Minute)
	}
	return time.Time{}, false
}
