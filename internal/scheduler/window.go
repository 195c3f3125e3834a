// Package scheduler decides how many workers of each persona class to run,
// admits them through the resource governor, staggers their starts and
// keeps the pool topped up inside the configured connect windows.
package scheduler

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Window is a parsed connect-window expression "<hours> <weekdays>".
// Hours are 0-23, weekdays 0-6 with Sunday as 0. Each field accepts
// *, */N, N, N-M, N-M/S and comma-separated lists.
type Window struct {
	Hours    []int
	Weekdays []int
	expr     string
}

// ParseWindow parses a two-field window expression.
func ParseWindow(expr string) (*Window, error) {
	fields := strings.Fields(expr)
	if len(fields) != 2 {
		return nil, fmt.Errorf("window: expected 2 fields, got %d", len(fields))
	}
	hours, err := parseField(fields[0], 0, 23)
	if err != nil {
		return nil, fmt.Errorf("window: hours: %w", err)
	}
	days, err := parseField(fields[1], 0, 6)
	if err != nil {
		return nil, fmt.Errorf("window: weekdays: %w", err)
	}
	return &Window{Hours: hours, Weekdays: days, expr: expr}, nil
}

// ParseWindows parses every expression, failing on the first bad one.
func ParseWindows(exprs []string) ([]*Window, error) {
	out := make([]*Window, 0, len(exprs))
	for _, e := range exprs {
		w, err := ParseWindow(e)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", e, err)
		}
		out = append(out, w)
	}
	return out, nil
}

// Matches reports whether t falls inside the window.
func (w *Window) Matches(t time.Time) bool {
	return slices.Contains(w.Hours, t.Hour()) && slices.Contains(w.Weekdays, int(t.Weekday()))
}

func (w *Window) String() string { return w.expr }

// Next returns the start of the next hour at or after t that falls inside
// the window, searching one week ahead. It returns the zero time when none
// exists.
func (w *Window) Next(t time.Time) time.Time {
	if w.Matches(t) {
		return t
	}
	candidate := t.Truncate(time.Hour).Add(time.Hour)
	for i := 0; i < 7*24; i++ {
		if w.Matches(candidate) {
			return candidate
		}
		candidate = candidate.Add(time.Hour)
	}
	return time.Time{}
}

// Open reports whether t is inside any window. No windows means always open.
func Open(windows []*Window, t time.Time) bool {
	if len(windows) == 0 {
		return true
	}
	for _, w := range windows {
		if w.Matches(t) {
			return true
		}
	}
	return false
}

// parseField parses a single field into a sorted list of integers.
func parseField(field string, min, max int) ([]int, error) {
	if field == "*" {
		return stepSlice(min, max, 1), nil
	}
	seen := make(map[int]bool)
	for _, part := range strings.Split(field, ",") {
		vals, err := parsePart(part, min, max)
		if err != nil {
			return nil, err
		}
		for _, v := range vals {
			seen[v] = true
		}
	}
	result := make([]int, 0, len(seen))
	for v := range seen {
		result = append(result, v)
	}
	slices.Sort(result)
	return result, nil
}

// parsePart parses one list element: */N, N, N-M or N-M/S.
func parsePart(part string, min, max int) ([]int, error) {
	if strings.HasPrefix(part, "*/") {
		step, err := strconv.Atoi(part[2:])
		if err != nil || step <= 0 {
			return nil, fmt.Errorf("invalid step %q", part)
		}
		return stepSlice(min, max, step), nil
	}

	if strings.Contains(part, "-") {
		rangeParts := strings.SplitN(part, "/", 2)
		bounds := strings.SplitN(rangeParts[0], "-", 2)
		lo, err := strconv.Atoi(bounds[0])
		if err != nil {
			return nil, fmt.Errorf("invalid range start %q", bounds[0])
		}
		hi, err := strconv.Atoi(bounds[1])
		if err != nil {
			return nil, fmt.Errorf("invalid range end %q", bounds[1])
		}
		if lo < min || hi > max || lo > hi {
			return nil, fmt.Errorf("range %d-%d out of bounds [%d,%d]", lo, hi, min, max)
		}
		step := 1
		if len(rangeParts) == 2 {
			step, err = strconv.Atoi(rangeParts[1])
			if err != nil || step <= 0 {
				return nil, fmt.Errorf("invalid step in %q", part)
			}
		}
		return stepSlice(lo, hi, step), nil
	}

	val, err := strconv.Atoi(part)
	if err != nil {
		return nil, fmt.Errorf("invalid value %q", part)
	}
	if val < min || val > max {
		return nil, fmt.Errorf("value %d out of bounds [%d,%d]", val, min, max)
	}
	return []int{val}, nil
}

func stepSlice(min, max, step int) []int {
	out := make([]int, 0, (max-min)/step+1)
	for i := min; i <= max; i += step {
		out = append(out, i)
	}
	return out
}
