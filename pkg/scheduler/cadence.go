package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/invrecon/pkg/config"
	"github.com/cuemby/invrecon/pkg/types"
)

// Kind selects how a cadence computes its window and next fire time
type Kind string

const (
	// KindRolling fires every Every and covers the Lookback before the
	// settle point
	KindRolling Kind = "rolling"
	// KindDaily fires once a day at At and covers the previous UTC day
	KindDaily Kind = "daily"
	// KindWeekly fires on Weekday at At and covers the previous
	// Monday-based UTC week
	KindWeekly Kind = "weekly"
)

const day = 24 * time.Hour

// Cadence is one scheduled pipeline job. Settle holds a rolling window's
// end back so the dispatch queue had the full detection window to catch up.
type Cadence struct {
	Name     string
	Kind     Kind
	Every    time.Duration
	Lookback time.Duration
	Settle   time.Duration
	At       time.Duration
	Weekday  time.Weekday
	Timeout  time.Duration
	Budget   time.Duration
}

// FromConfig converts a validated cadence config. settle is applied to
// rolling cadences only.
func FromConfig(c config.CadenceConfig, settle time.Duration) (Cadence, error) {
	cad := Cadence{
		Name:     c.Name,
		Kind:     Kind(c.Kind),
		Every:    c.Every,
		Lookback: c.Lookback,
		Timeout:  c.Timeout,
		Budget:   c.Budget,
	}
	if cad.Kind == "" {
		cad.Kind = KindRolling
	}

	switch cad.Kind {
	case KindRolling:
		if cad.Every <= 0 || cad.Lookback <= 0 {
			return Cadence{}, fmt.Errorf("cadence %s: every and lookback must be positive", c.Name)
		}
		cad.Settle = settle
	case KindDaily, KindWeekly:
		at, err := parseClock(c.At)
		if err != nil {
			return Cadence{}, fmt.Errorf("cadence %s: %w", c.Name, err)
		}
		cad.At = at
		if cad.Kind == KindWeekly {
			wd, err := parseWeekday(c.Weekday)
			if err != nil {
				return Cadence{}, fmt.Errorf("cadence %s: %w", c.Name, err)
			}
			cad.Weekday = wd
		}
	default:
		return Cadence{}, fmt.Errorf("cadence %s: unknown kind %q", c.Name, c.Kind)
	}
	return cad, nil
}

// FromConfigs converts every enabled cadence in cfg
func FromConfigs(cfg *config.Config) ([]Cadence, error) {
	var out []Cadence
	for _, c := range cfg.Cadences {
		if c.Disabled {
			continue
		}
		cad, err := FromConfig(c, cfg.Detection.Window)
		if err != nil {
			return nil, err
		}
		out = append(out, cad)
	}
	return out, nil
}

// Window returns the span a run starting at now covers
func (c Cadence) Window(now time.Time) types.Window {
	now = now.UTC()
	switch c.Kind {
	case KindDaily:
		today := midnight(now)
		return types.Window{From: today.Add(-day), To: today}
	case KindWeekly:
		monday := midnight(now).AddDate(0, 0, -int((now.Weekday()+6)%7))
		return types.Window{From: monday.AddDate(0, 0, -7), To: monday}
	default:
		end := now.Add(-c.Settle)
		return types.Window{From: end.Add(-c.Lookback), To: end}
	}
}

// Next returns the first fire time strictly after now
func (c Cadence) Next(now time.Time) time.Time {
	now = now.UTC()
	switch c.Kind {
	case KindDaily:
		next := midnight(now).Add(c.At)
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		return next
	case KindWeekly:
		ahead := (int(c.Weekday) - int(now.Weekday()) + 7) % 7
		next := midnight(now).AddDate(0, 0, ahead).Add(c.At)
		if !next.After(now) {
			next = next.AddDate(0, 0, 7)
		}
		return next
	default:
		return now.Truncate(c.Every).Add(c.Every)
	}
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// parseClock reads "HH:MM" as an offset from midnight
func parseClock(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func parseWeekday(s string) (time.Weekday, error) {
	if s == "" {
		return time.Monday, nil
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if strings.EqualFold(s, name) || strings.EqualFold(s, name[:3]) {
			return d, nil
		}
	}
	return 0, fmt.Errorf("invalid weekday %q", s)
}
