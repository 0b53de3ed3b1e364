package campaign

import (
	"fmt"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/robfig/cron/v3"
)

// maxCatchUp bounds how many missed occurrences are skipped after downtime.
const maxCatchUp = 10000

// ValidateRecurrence checks that a cron recurrence parses.
func ValidateRecurrence(r *models.Recurrence) error {
	if r == nil || r.Cron == "" {
		return nil
	}
	if _, err := cron.ParseStandard(r.Cron); err != nil {
		return fmt.Errorf("invalid recurrence cron %q: %w", r.Cron, err)
	}
	return nil
}

// NextOccurrence returns the start of the occurrence after the one that began at prev, or
// false when the campaign does not repeat or has used up its occurrences. Occurrences that
// would already be in the past at now are skipped.
func NextOccurrence(c *models.Campaign, prev, now time.Time) (time.Time, bool) {
	r := c.Schedule.Recurrence
	if r.IsZero() {
		return time.Time{}, false
	}
	if r.Count > 0 && c.Occurrence >= r.Count {
		return time.Time{}, false
	}

	step, err := stepper(r, c.Location())
	if err != nil {
		return time.Time{}, false
	}
	next := step(prev)
	for i := 0; i < maxCatchUp && next.Before(now); i++ {
		next = step(next)
	}
	if next.IsZero() || !next.After(prev) {
		return time.Time{}, false
	}
	return next, true
}

func stepper(r *models.Recurrence, loc *time.Location) (func(time.Time) time.Time, error) {
	if r.Cron != "" {
		sched, err := cron.ParseStandard(r.Cron)
		if err != nil {
			return nil, err
		}
		return func(t time.Time) time.Time { return sched.Next(t.In(loc)) }, nil
	}
	n := r.Every
	switch r.Unit {
	case models.UnitMinutes:
		return func(t time.Time) time.Time { return t.Add(time.Duration(n) * time.Minute) }, nil
	case models.UnitHours:
		return func(t time.Time) time.Time { return t.Add(time.Duration(n) * time.Hour) }, nil
	case models.UnitDays:
		return func(t time.Time) time.Time { return t.In(loc).AddDate(0, 0, n) }, nil
	case models.UnitWeeks:
		return func(t time.Time) time.Time { return t.In(loc).AddDate(0, 0, 7*n) }, nil
	case models.UnitMonths:
		return func(t time.Time) time.Time { return t.In(loc).AddDate(0, n, 0) }, nil
	default:
		return nil, fmt.Errorf("unknown recurrence unit %q", r.Unit)
	}
}
