package service

import (
	"fmt"
	"time"

	"github.com/aryan0dhankhar/facilityaccess/internal/domain"
)

// WindowResult is the outcome of matching a time against weekly slots
type WindowResult struct {
	Allowed bool
	Reason  string
}

// MatchTimeSlots reports whether now falls inside any slot. An empty slot
// list is unrestricted. Bounds are inclusive at minute precision and now is
// taken as already expressed in the facility's civil time.
func MatchTimeSlots(slots []domain.TimeSlot, now time.Time) WindowResult {
	if len(slots) == 0 {
		return WindowResult{Allowed: true}
	}

	day := int(now.Weekday())
	clock := now.Format("15:04")
	for _, s := range slots {
		if s.DayOfWeek != day {
			continue
		}
		if s.StartTime <= clock && clock <= s.EndTime {
			return WindowResult{Allowed: true}
		}
	}

	return WindowResult{
		Allowed: false,
		Reason:  fmt.Sprintf("outside allowed time slots (%s %s)", now.Weekday(), clock),
	}
}
