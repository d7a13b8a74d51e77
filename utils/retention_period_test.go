package utils

import (
	"testing"
	"time"
)

func newYork(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	return loc
}

// TestLastRetainedDay_IsAThursdayIfGivenASunday. If the current day is a Sunday, and two business days are retained,
// then it should be expected that Thursday and Friday are retained, as Saturday and Sunday are ignored.
func TestLastRetainedDay_IsAThursdayIfGivenASunday(t *testing.T) {
	now := time.Date(2025, 7, 13, 12, 0, 0, 0, time.UTC)
	expected := time.Date(2025, 7, 10, 4, 0, 0, 0, time.UTC) // Thursday before the weekend, in UTC.
	result := LastRetainedDay(now, 2, newYork(t))

	if !result.Equal(expected) {
		t.Errorf("Expected %v but got %v", expected, result)
	}
}

// TestLastRetainedDay_IsAWednesdayIfGivenAFriday. If the current day is the middle of Friday, and two business days
// are retained, then we expect Wednesday and Thursday are retained, as Friday is not complete yet.
func TestLastRetainedDay_IsAWednesdayIfGivenAFriday(t *testing.T) {
	now := time.Date(2025, 7, 11, 12, 0, 0, 0, time.UTC)
	expected := time.Date(2025, 7, 9, 4, 0, 0, 0, time.UTC)
	result := LastRetainedDay(now, 2, newYork(t))

	if !result.Equal(expected) {
		t.Errorf("Expected %v but got %v", expected, result)
	}
}

// TestLastRetainedDay_UsesTheGivenLocation. Just after midnight UTC on a Tuesday it is still Monday evening in New
// York, so the same instant retains a different day depending on the location.
func TestLastRetainedDay_UsesTheGivenLocation(t *testing.T) {
	now := time.Date(2025, 7, 15, 1, 0, 0, 0, time.UTC)

	if result, expected := LastRetainedDay(now, 1, time.UTC), time.Date(2025, 7, 14, 0, 0, 0, 0, time.UTC); !result.Equal(expected) {
		t.Errorf("UTC: expected %v but got %v", expected, result)
	}
	if result, expected := LastRetainedDay(now, 1, newYork(t)), time.Date(2025, 7, 11, 4, 0, 0, 0, time.UTC); !result.Equal(expected) {
		t.Errorf("New York: expected %v but got %v", expected, result)
	}
}

// TestLastRetainedDay_NilLocationIsUTC guards callers that have no exchange time zone configured.
func TestLastRetainedDay_NilLocationIsUTC(t *testing.T) {
	now := time.Date(2025, 7, 16, 9, 0, 0, 0, time.UTC)
	if !LastRetainedDay(now, 2, nil).Equal(LastRetainedDay(now, 2, time.UTC)) {
		t.Error("Expected a nil location to behave as UTC")
	}
}
