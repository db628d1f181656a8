package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo-messaging/core/recurrence"
)

const dateLayout = "2006-01-02"

// expand prints the dates a recurring announcement would be posted on.
func (cli *commandLine) expand(freq string, interval int, weekdays string, count int, start, end string) error {
	rule := recurrence.Rule{Frequency: recurrence.Frequency(freq), Interval: interval, Count: count}
	for _, wd := range splitList(weekdays) {
		d, err := strconv.Atoi(wd)
		if err != nil || d < 0 || d > 6 {
			return errors.Errorf("invalid weekday %q", wd)
		}
		rule.Weekdays = append(rule.Weekdays, time.Weekday(d))
	}

	from, err := time.Parse(dateLayout, start)
	if err != nil {
		return errors.Wrap(err, "parsing -start")
	}
	to, err := time.Parse(dateLayout, end)
	if err != nil {
		return errors.Wrap(err, "parsing -end")
	}

	dates, err := recurrence.Expand(rule, from, to)
	if err != nil {
		return err
	}
	for _, d := range dates {
		fmt.Fprintf(cli.out, "%s %s\n", d.Format(dateLayout), d.Weekday())
	}
	return nil
}
