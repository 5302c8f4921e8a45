// Package schedule parses and evaluates the recurrence rules attached to
// scheduled research topics.
package schedule

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

const (
	KindCron     = "cron"
	KindInterval = "interval"
	KindOnce     = "once"
)

// MinInterval keeps interval schedules from hammering the search backend.
const MinInterval = time.Minute

type Schedule struct {
	Kind       string `json:"kind"`                  // "cron", "interval", "once"
	CronExpr   string `json:"cron_expr,omitempty"`   // Cron expression (if kind=cron)
	IntervalMs int64  `json:"interval_ms,omitempty"` // Interval in ms (if kind=interval)
	AtMs       int64  `json:"at_ms,omitempty"`       // Unix ms timestamp (if kind=once)
}

func Parse(raw string) (*Schedule, error) {
	var s Schedule
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("parse schedule: %w", err)
	}
	return &s, nil
}

// Next returns the first run strictly after from, or nil when the schedule
// will not fire again.
func Next(raw string, from time.Time) *time.Time {
	s, err := Parse(raw)
	if err != nil {
		return nil
	}

	var next time.Time
	switch s.Kind {
	case KindCron:
		t, err := gronx.NextTickAfter(s.CronExpr, from, false)
		if err != nil {
			return nil
		}
		next = t
	case KindInterval:
		if s.IntervalMs <= 0 {
			return nil
		}
		next = from.Add(time.Duration(s.IntervalMs) * time.Millisecond)
	case KindOnce:
		t := time.UnixMilli(s.AtMs)
		if !t.After(from) {
			return nil
		}
		next = t
	default:
		return nil
	}
	return &next
}

// Describe returns a human-readable description of a schedule JSON string.
func Describe(raw string) string {
	s, err := Parse(raw)
	if err != nil {
		return raw
	}

	switch s.Kind {
	case KindCron:
		return "Cron: " + s.CronExpr
	case KindInterval:
		return "Every " + formatInterval(time.Duration(s.IntervalMs)*time.Millisecond)
	case KindOnce:
		return "Once at " + time.UnixMilli(s.AtMs).UTC().Format("Jan 2 15:04 UTC")
	default:
		return raw
	}
}

func formatInterval(d time.Duration) string {
	unit := func(n int, name string) string {
		if n == 1 {
			return name
		}
		return fmt.Sprintf("%d %ss", n, name)
	}
	switch {
	case d >= 24*time.Hour && d%(24*time.Hour) == 0:
		return unit(int(d/(24*time.Hour)), "day")
	case d >= time.Hour && d%time.Hour == 0:
		return unit(int(d.Hours()), "hour")
	case d%time.Minute == 0:
		return unit(int(d.Minutes()), "minute")
	default:
		return d.String()
	}
}

// Normalize accepts a schedule JSON document, a plain cron expression,
// "every <duration>" or "at <RFC3339 time>" and returns the canonical JSON
// form.
func Normalize(raw string, now time.Time) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("schedule is empty")
	}

	var s Schedule
	if err := json.Unmarshal([]byte(raw), &s); err == nil && s.Kind != "" {
		if err := validate(s, now); err != nil {
			return "", err
		}
		return encode(s)
	}

	lower := strings.ToLower(raw)
	switch {
	case strings.HasPrefix(lower, "every "):
		d, err := time.ParseDuration(strings.TrimSpace(raw[len("every "):]))
		if err != nil {
			return "", fmt.Errorf("invalid interval: %w", err)
		}
		s = Schedule{Kind: KindInterval, IntervalMs: d.Milliseconds()}
	case strings.HasPrefix(lower, "at "):
		t, err := time.Parse(time.RFC3339, strings.TrimSpace(raw[len("at "):]))
		if err != nil {
			return "", fmt.Errorf("invalid time: %w", err)
		}
		s = Schedule{Kind: KindOnce, AtMs: t.UnixMilli()}
	default:
		s = Schedule{Kind: KindCron, CronExpr: raw}
	}

	if err := validate(s, now); err != nil {
		return "", err
	}
	return encode(s)
}

func validate(s Schedule, now time.Time) error {
	switch s.Kind {
	case KindCron:
		if !gronx.New().IsValid(s.CronExpr) {
			return fmt.Errorf("invalid cron expression: %s", s.CronExpr)
		}
	case KindInterval:
		if time.Duration(s.IntervalMs)*time.Millisecond < MinInterval {
			return fmt.Errorf("interval must be at least %s", MinInterval)
		}
	case KindOnce:
		if s.AtMs <= 0 {
			return errors.New("at_ms must be positive")
		}
		if !time.UnixMilli(s.AtMs).After(now) {
			return errors.New("once schedule is in the past")
		}
	default:
		return fmt.Errorf("unknown schedule kind: %s", s.Kind)
	}
	return nil
}

func encode(s Schedule) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
