// Package campaign expands bulk campaigns into paced dispatch schedules and drives them
// through the dispatch pipeline.
package campaign

import (
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/util"
)

// maxShiftDays bounds the search for a business day.
const maxShiftDays = 366

// Send is one planned campaign message.
type Send struct {
	Contact models.Contact
	Key     string // contact identity used in dedupe keys
	Target  string // normalized number
	SendAt  time.Time
	Variant int
	Body    string
}

// ContactKey identifies a contact across occurrences: its id, or its normalized number.
func ContactKey(c models.Contact) string {
	if c.ID != "" {
		return c.ID
	}
	return util.NormalizeNumber(c.Number)
}

// Eligible filters contacts down to those that may receive the campaign: a usable number,
// not opted out, first occurrence of each number, and not in skip.
func Eligible(contacts []models.Contact, skip map[string]bool) []models.Contact {
	seen := make(map[string]bool, len(contacts))
	out := make([]models.Contact, 0, len(contacts))
	for _, c := range contacts {
		number := util.NormalizeNumber(c.Number)
		if number == "" || c.OptedOut || seen[number] {
			continue
		}
		seen[number] = true
		if skip[ContactKey(c)] {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Plan computes the send schedule of one campaign occurrence. The first send is at start;
// each later send follows the previous one by the base interval plus a jitter drawn per
// contact from [MinIntervalSec, MaxIntervalSec] (none when NoBreak is set). Every LagEvery
// sends an extra pause drawn from [LagMinSec, LagMaxSec] is inserted. Sends landing on a
// non-business day are shifted according to the business-day policy. Send times never
// decrease: a send that ShiftBefore would move before its predecessor goes to the next
// business day instead.
//
// contacts must already be filtered with Eligible. Plan is pure given rng.
func Plan(c *models.Campaign, contacts []models.Contact, start time.Time, rng *util.Source) []Send {
	variants := c.Variants()
	if len(variants) == 0 || len(contacts) == 0 {
		return nil
	}
	sc := c.Schedule
	loc := c.Location()
	holidays := holidaySet(sc.Holidays)

	sends := make([]Send, 0, len(contacts))
	var prev time.Time
	for i, contact := range contacts {
		at := start
		if i > 0 {
			gap := time.Duration(sc.BaseIntervalSec) * time.Second
			if !sc.NoBreak {
				gap += time.Duration(rng.Between(sc.MinIntervalSec, sc.MaxIntervalSec)) * time.Second
			}
			if sc.LagEvery > 0 && i%sc.LagEvery == 0 {
				gap += time.Duration(rng.Between(sc.LagMinSec, sc.LagMaxSec)) * time.Second
			}
			at = prev.Add(gap)
		}
		shifted := ShiftBusinessDay(at, sc.BusinessDays, loc, holidays)
		if i > 0 && shifted.Before(prev) {
			// A shift back would land inside a window already used; roll forward instead.
			shifted = ShiftBusinessDay(at, models.ShiftAfter, loc, holidays)
		}
		at = shifted
		prev = at

		variant := i % len(variants)
		sends = append(sends, Send{
			Contact: contact,
			Key:     ContactKey(contact),
			Target:  util.NormalizeNumber(contact.Number),
			SendAt:  at,
			Variant: variant,
			Body:    util.Interpolate(variants[variant], contact.Vars()),
		})
	}
	return sends
}

func holidaySet(dates []string) map[string]bool {
	set := make(map[string]bool, len(dates))
	for _, d := range dates {
		set[d] = true
	}
	return set
}

// IsBusinessDay reports whether t, seen in loc, falls on a weekday that is not a holiday.
func IsBusinessDay(t time.Time, loc *time.Location, holidays map[string]bool) bool {
	local := t.In(loc)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !holidays[local.Format("2006-01-02")]
}

// ShiftBusinessDay moves t to the nearest earlier (ShiftBefore) or later (ShiftAfter)
// business day, keeping the local clock time. ShiftNormal returns t unchanged.
func ShiftBusinessDay(t time.Time, policy models.ShiftPolicy, loc *time.Location, holidays map[string]bool) time.Time {
	step := 0
	switch policy {
	case models.ShiftBefore:
		step = -1
	case models.ShiftAfter:
		step = 1
	default:
		return t
	}
	local := t.In(loc)
	for i := 0; i < maxShiftDays && !IsBusinessDay(local, loc, holidays); i++ {
		local = local.AddDate(0, 0, step)
	}
	return local
}
