package recurrence

import (
	"time"

	"github.com/tasklane/platform/internal/contracts"
)

// ruleWeekday maps time.Weekday onto the rule encoding, 0=Monday.
func ruleWeekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

// weekStart is the Monday of t's week at t's clock time.
func weekStart(t time.Time) time.Time {
	return t.AddDate(0, 0, -ruleWeekday(t))
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// NextOccurrence returns the due moment of the instance that follows
// the one completed at `after`. occurrence is how many instances exist
// so far; the second return is false once the rule's end conditions
// (EndAt, MaxOccurrences) are exhausted.
func NextOccurrence(rule *contracts.RecurrenceRule, after time.Time, occurrence int) (time.Time, bool) {
	if rule == nil {
		return time.Time{}, false
	}
	if rule.MaxOccurrences > 0 && occurrence >= rule.MaxOccurrences {
		return time.Time{}, false
	}
	interval := rule.Interval
	if interval < 1 {
		interval = 1
	}

	var next time.Time
	switch rule.Frequency {
	case "daily":
		next = after.AddDate(0, 0, interval)
	case "weekly":
		next = nextWeekly(rule, after, interval)
	case "monthly":
		next = nextMonthly(rule, after, interval)
	default:
		return time.Time{}, false
	}

	if rule.EndAt != nil && next.After(*rule.EndAt) {
		return time.Time{}, false
	}
	return next, true
}

func nextWeekly(rule *contracts.RecurrenceRule, after time.Time, interval int) time.Time {
	allowed := map[int]bool{}
	for _, d := range rule.ByWeekday {
		if d >= 0 && d <= 6 {
			allowed[d] = true
		}
	}
	if len(allowed) == 0 {
		return after.AddDate(0, 0, 7*interval)
	}

	// Later allowed day in the same week wins over the interval jump.
	for d := ruleWeekday(after) + 1; d <= 6; d++ {
		if allowed[d] {
			return weekStart(after).AddDate(0, 0, d)
		}
	}
	start := weekStart(after).AddDate(0, 0, 7*interval)
	for d := 0; d <= 6; d++ {
		if allowed[d] {
			return start.AddDate(0, 0, d)
		}
	}
	return start
}

func nextMonthly(rule *contracts.RecurrenceRule, after time.Time, interval int) time.Time {
	day := rule.ByMonthday
	if day < 1 {
		day = after.Day()
	}
	anchor := time.Date(after.Year(), after.Month()+time.Month(interval), 1,
		after.Hour(), after.Minute(), after.Second(), after.Nanosecond(), after.Location())
	if max := daysInMonth(anchor.Year(), anchor.Month()); day > max {
		day = max
	}
	return anchor.AddDate(0, 0, day-1)
}

// InstanceDueAt keeps the new instance's due date at the same offset
// from its occurrence as the original due date had from completion.
func InstanceDueAt(originalDue *time.Time, completedAt, next time.Time) *time.Time {
	if originalDue == nil {
		return nil
	}
	due := next.Add(originalDue.Sub(completedAt))
	return &due
}
