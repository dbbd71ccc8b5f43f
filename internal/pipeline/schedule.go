package pipeline

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduleKind describes the normalized kind of a schedule string.
type ScheduleKind int

const (
	ScheduleCron ScheduleKind = iota
	ScheduleInterval
)

// Schedule decides when a source polls next.
//
// Supported forms:
//   - Cron: "*/5 * * * *", "55 * * * *", "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//
// Optional prefixes:
//   - "cron:" forces cron parsing
//   - "interval:" or "every:" forces interval parsing
type Schedule struct {
	Kind   ScheduleKind
	Every  time.Duration
	Cron   string
	Source string // "cron" | "duration" | "hhmm"
	raw    string
	cron   cron.Schedule
}

func (s Schedule) String() string { return s.raw }

// Next returns the first activation strictly after t.
func (s Schedule) Next(t time.Time) time.Time {
	if s.Kind == ScheduleCron && s.cron != nil {
		return s.cron.Next(t)
	}
	return t.Add(s.Every)
}

func (s Schedule) valid() bool {
	if s.Kind == ScheduleCron {
		return s.cron != nil
	}
	return s.Every > 0
}

// Every returns an interval schedule, mostly for tests and defaults.
func Every(d time.Duration) Schedule {
	return Schedule{Kind: ScheduleInterval, Every: d, Source: "duration", raw: d.String()}
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseSchedule parses a schedule string into a cron expression or an interval.
func ParseSchedule(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(raw, strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "interval:"):
		return parseIntervalSchedule(raw, s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return parseIntervalSchedule(raw, s[len("every:"):])
	}

	// any whitespace or a leading '@' means cron
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return parseCron(raw, s)
	}
	if reHHMM.MatchString(s) || isDuration(s) {
		return parseIntervalSchedule(raw, s)
	}
	return Schedule{}, fmt.Errorf(
		"invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', or duration like '55m')",
		raw,
	)
}

func parseCron(raw, expr string) (Schedule, error) {
	if expr == "" {
		return Schedule{}, fmt.Errorf("cron schedule required after 'cron:'")
	}
	c, err := cron.ParseStandard(expr)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return Schedule{Kind: ScheduleCron, Cron: expr, Source: "cron", raw: strings.TrimSpace(raw), cron: c}, nil
}

func parseIntervalSchedule(raw, v string) (Schedule, error) {
	d, src, err := parseInterval(v)
	if err != nil {
		return Schedule{}, err
	}
	return Schedule{Kind: ScheduleInterval, Every: d, Source: src, raw: strings.TrimSpace(raw)}, nil
}

func isDuration(v string) bool {
	_, err := time.ParseDuration(v)
	return err == nil
}

func parseInterval(v string) (time.Duration, string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, "", fmt.Errorf("interval required")
	}
	if reHHMM.MatchString(v) {
		return parseHHMMDuration(v)
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, "", fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '55m'/'2h30m')", v)
	}
	if d <= 0 {
		return 0, "", fmt.Errorf("interval must be > 0")
	}
	return d, "duration", nil
}

func parseHHMMDuration(v string) (time.Duration, string, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, "", fmt.Errorf("invalid HH:MM %q", v)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if mm > 59 {
		return 0, "", fmt.Errorf("invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, "", fmt.Errorf("interval must be > 0")
	}
	return d, "hhmm", nil
}
