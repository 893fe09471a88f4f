package scheduler

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

// SpecKind tells whether a loop schedule is a cron expression or a fixed interval.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec is a normalized loop schedule.
//
// Accepted forms:
//   - cron: "*/5 * * * *", "@hourly", "@every 5m", or anything prefixed "cron:"
//   - Go duration: "1m", "90s"
//   - HH:MM interval: "00:30" is thirty minutes
//
// "interval:" and "every:" force interval parsing.
type ParsedSpec struct {
	Kind   SpecKind
	Cron   string
	Every  time.Duration
	Source string // cron, duration or hhmm
}

var reHHMM = regexp.MustCompile(`^(\d{1,3}):(\d{2})$`)

var intervalPrefixes = []string{"interval:", "every:"}

// ParseSchedule normalizes the scheduler.interval setting.
func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, goerr.New("schedule required")
	}
	low := strings.ToLower(s)

	if strings.HasPrefix(low, "cron:") {
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return ParsedSpec{}, goerr.New("cron expression required after prefix", goerr.V("raw", raw))
		}
		return ParsedSpec{Kind: SpecCron, Cron: expr, Source: "cron"}, nil
	}
	for _, p := range intervalPrefixes {
		if strings.HasPrefix(low, p) {
			return parseInterval(strings.TrimSpace(s[len(p):]))
		}
	}

	if strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t") {
		return ParsedSpec{Kind: SpecCron, Cron: s, Source: "cron"}, nil
	}
	ps, err := parseInterval(s)
	if err != nil {
		return ParsedSpec{}, goerr.Wrap(err, "invalid schedule (want cron, HH:MM or a duration like 1m)", goerr.V("raw", raw))
	}
	return ps, nil
}

func parseInterval(v string) (ParsedSpec, error) {
	if v == "" {
		return ParsedSpec{}, goerr.New("interval required")
	}
	var (
		d   time.Duration
		src string
		err error
	)
	if reHHMM.MatchString(v) {
		d, src, err = parseHHMMDuration(v)
	} else {
		src = "duration"
		d, err = time.ParseDuration(v)
	}
	if err != nil {
		return ParsedSpec{}, err
	}
	if d <= 0 {
		return ParsedSpec{}, goerr.New("interval must be > 0", goerr.V("interval", v))
	}
	return ParsedSpec{Kind: SpecInterval, Every: d, Source: src}, nil
}

func parseHHMMDuration(v string) (time.Duration, string, error) {
	m := reHHMM.FindStringSubmatch(strings.TrimSpace(v))
	if m == nil {
		return 0, "", goerr.New("invalid HH:MM", goerr.V("value", v))
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if mm > 59 {
		return 0, "", goerr.New("minutes out of range", goerr.V("value", v))
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, "", goerr.New("interval must be > 0", goerr.V("value", v))
	}
	return d, "hhmm", nil
}
