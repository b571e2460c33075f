package workflow

import (
	"time"

	"github.com/mmdatafocus/qms_backend/models"
	"github.com/mmdatafocus/qms_backend/utils"
)

const (
	// ResponseDays is the response window from the issue date.
	ResponseDays = 5
	// ReturnDays is the shortened window after a plan is returned.
	ReturnDays = 2
)

// ComputeDueDate adds calendar days to a YYYY-MM-DD date. No weekend or holiday skipping.
// Input that is not a valid date is returned unchanged.
func ComputeDueDate(issued string, days int) string {
	t, err := time.Parse(utils.DateLayout, issued)
	if err != nil {
		return issued
	}
	return t.AddDate(0, 0, days).Format(utils.DateLayout)
}

// IsLate is true while the section still owes a response and today is past the due date.
// A due date that does not parse is never late.
func IsLate(car models.Car, today string) bool {
	if !car.Status.AwaitingResponse() {
		return false
	}
	due, err := time.Parse(utils.DateLayout, car.DueDate)
	if err != nil {
		return false
	}
	now, err := time.Parse(utils.DateLayout, today)
	if err != nil {
		return false
	}
	return now.After(due)
}

// ReturnDueDate is the deadline given when a plan is returned for revision.
func ReturnDueDate(today string) string {
	return ComputeDueDate(today, ReturnDays)
}

// EvaluateLateness flips isLate the first time the CAR is observed late.
// flipped reports whether the caller must persist the change and open a registry entry.
func EvaluateLateness(car models.Car, today string) (out models.Car, flipped bool) {
	if car.IsLate || !IsLate(car, today) {
		return car, false
	}
	out = car.Clone()
	out.IsLate = true
	return out, true
}

func dateBefore(a, b string) bool {
	ta, errA := time.Parse(utils.DateLayout, a)
	tb, errB := time.Parse(utils.DateLayout, b)
	if errA != nil || errB != nil {
		return false
	}
	return ta.Before(tb)
}
