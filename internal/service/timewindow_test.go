package service

import (
	"testing"
	"time"

	"github.com/aryan0dhankhar/facilityaccess/internal/domain"
)

// 2024-01-01 is a Monday.
func monday(hh, mm int) time.Time {
	return time.Date(2024, time.January, 1, hh, mm, 0, 0, time.UTC)
}

func TestMatchTimeSlotsUnrestricted(t *testing.T) {
	if r := MatchTimeSlots(nil, monday(3, 0)); !r.Allowed {
		t.Fatalf("expected empty slot list to allow, got %+v", r)
	}
}

func TestMatchTimeSlotsInclusiveBounds(t *testing.T) {
	slots := []domain.TimeSlot{{DayOfWeek: 1, StartTime: "09:00", EndTime: "17:00"}}

	cases := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"at start", monday(9, 0), true},
		{"at end", monday(17, 0), true},
		{"inside end minute", monday(17, 0).Add(59 * time.Second), true},
		{"before start", monday(8, 59), false},
		{"after end", monday(17, 1), false},
		{"other day", monday(12, 0).AddDate(0, 0, 1), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := MatchTimeSlots(slots, tc.at)
			if r.Allowed != tc.want {
				t.Fatalf("at %s: allowed=%v want %v", tc.at, r.Allowed, tc.want)
			}
			if !r.Allowed && r.Reason == "" {
				t.Fatalf("expected a reason on rejection")
			}
		})
	}
}

func TestMatchTimeSlotsSundayIsZero(t *testing.T) {
	sunday := time.Date(2024, time.January, 7, 10, 0, 0, 0, time.UTC)
	slots := []domain.TimeSlot{{DayOfWeek: 0, StartTime: "00:00", EndTime: "23:59"}}
	if r := MatchTimeSlots(slots, sunday); !r.Allowed {
		t.Fatalf("expected sunday slot to match")
	}
}

func TestMatchTimeSlotsMidnightSplit(t *testing.T) {
	// 22:00-02:00 expressed as two slots
	slots := []domain.TimeSlot{
		{DayOfWeek: 1, StartTime: "22:00", EndTime: "23:59"},
		{DayOfWeek: 2, StartTime: "00:00", EndTime: "02:00"},
	}
	if r := MatchTimeSlots(slots, monday(23, 30)); !r.Allowed {
		t.Fatalf("expected late monday to match")
	}
	if r := MatchTimeSlots(slots, monday(1, 0).AddDate(0, 0, 1)); !r.Allowed {
		t.Fatalf("expected early tuesday to match")
	}
	if r := MatchTimeSlots(slots, monday(1, 0)); r.Allowed {
		t.Fatalf("expected early monday to be rejected")
	}
}
