// Package recurrence expands repeat rules into occurrence dates.
package recurrence

import (
	"sort"
	"time"

	"github.com/pkg/errors"
)

type Frequency string

const (
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"

	// MaxOccurrences bounds every expansion.
	MaxOccurrences = 366
)

var ErrInvalidRule = errors.New("invalid recurrence rule")

// Rule repeats an event every Interval days/weeks/months from the start date.
// Weekly rules fire on Weekdays (the start weekday if empty); Count caps the occurrences (0: no cap).
type Rule struct {
	Frequency Frequency      `json:"frequency" validate:"required,oneof=daily weekly monthly"`
	Interval  int            `json:"interval" validate:"gte=0,lte=365"`
	Weekdays  []time.Weekday `json:"weekdays" validate:"dive,gte=0,lte=6"`
	Count     int            `json:"count" validate:"gte=0"`
}

func (r Rule) Validate() error {
	switch r.Frequency {
	case Daily, Weekly, Monthly:
	default:
		return errors.Wrapf(ErrInvalidRule, "unknown frequency %q", r.Frequency)
	}
	if r.Interval < 0 || r.Count < 0 {
		return errors.Wrap(ErrInvalidRule, "interval & count cannot be negative")
	}
	for _, wd := range r.Weekdays {
		if wd < time.Sunday || wd > time.Saturday {
			return errors.Wrapf(ErrInvalidRule, "invalid weekday %d", wd)
		}
	}
	return nil
}

// Expand returns the occurrences of rule between start and end (both inclusive), in order.
// Occurrences keep the clock time & location of start. Monthly rules skip the months
// that do not have the start day (e.g. the 31st).
func Expand(rule Rule, start, end time.Time) ([]time.Time, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	if end.Before(start) {
		return []time.Time{}, nil
	}

	interval := rule.Interval
	if interval == 0 {
		interval = 1
	}
	limit := MaxOccurrences
	if rule.Count > 0 && rule.Count < limit {
		limit = rule.Count
	}

	dates := make([]time.Time, 0)
	add := func(t time.Time) bool {
		if t.Before(start) {
			return true
		}
		if t.After(end) || len(dates) >= limit {
			return false
		}
		dates = append(dates, t)
		return true
	}

	switch rule.Frequency {
	case Daily:
		for t := start; add(t); t = t.AddDate(0, 0, interval) {
		}

	case Weekly:
		weekdays := weekdaySet(rule.Weekdays, start.Weekday())
		weekStart := start.AddDate(0, 0, -int(start.Weekday())) // sunday of the start week
		for w := weekStart; !w.After(end) && len(dates) < limit; w = w.AddDate(0, 0, 7*interval) {
			for _, wd := range weekdays {
				if !add(w.AddDate(0, 0, int(wd))) {
					break
				}
			}
		}

	case Monthly:
		day := start.Day()
		for i := 0; ; i += interval {
			first := time.Date(start.Year(), start.Month()+time.Month(i), 1,
				start.Hour(), start.Minute(), start.Second(), start.Nanosecond(), start.Location())
			if first.After(end) {
				break
			}
			t := first.AddDate(0, 0, day-1)
			if t.Month() != first.Month() { // no such day this month
				continue
			}
			if !add(t) {
				break
			}
		}
	}
	return dates, nil
}

func weekdaySet(wds []time.Weekday, fallback time.Weekday) []time.Weekday {
	if len(wds) == 0 {
		return []time.Weekday{fallback}
	}
	seen := make(map[time.Weekday]struct{}, len(wds))
	set := make([]time.Weekday, 0, len(wds))
	for _, wd := range wds {
		if _, ok := seen[wd]; !ok {
			seen[wd] = struct{}{}
			set = append(set, wd)
		}
	}
	sort.Slice(set, func(i, j int) bool { return set[i] < set[j] })
	return set
}
