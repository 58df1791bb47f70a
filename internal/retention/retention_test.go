package retention

import (
	"testing"
	"time"

	"zfsreplicate/internal/namer"
)

// TestExpiryMath covers spec §8 scenario S5.
func TestExpiryMath(t *testing.T) {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	lifetime := namer.Lifetime{N: 7, Unit: namer.UnitDay}

	expiredAt := time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)
	if !Expired(created, lifetime, false, expiredAt) {
		t.Error("expected expired at 2024-01-08T00:00:00Z")
	}

	notYet := time.Date(2024, 1, 7, 23, 59, 0, 0, time.UTC)
	if Expired(created, lifetime, false, notYet) {
		t.Error("expected not expired at 2024-01-07T23:59:00Z")
	}

	if Expired(created, lifetime, true, expiredAt) {
		t.Error("held snapshot must never be expired")
	}
}

func TestDeadlineHourDayWeek(t *testing.T) {
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		lifetime namer.Lifetime
		want     time.Time
	}{
		{namer.Lifetime{N: 3, Unit: namer.UnitHour}, time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC)},
		{namer.Lifetime{N: 2, Unit: namer.UnitDay}, time.Date(2024, 3, 3, 12, 0, 0, 0, time.UTC)},
		{namer.Lifetime{N: 1, Unit: namer.UnitWeek}, time.Date(2024, 3, 8, 12, 0, 0, 0, time.UTC)},
	}
	for _, c := range cases {
		got := Deadline(created, c.lifetime)
		if !got.Equal(c.want) {
			t.Errorf("lifetime %v: expected %v, got %v", c.lifetime, c.want, got)
		}
	}
}

// TestDeadlineMonthCarry covers the month-13 -> next-year-January carry
// called out explicitly in spec §4.2.
func TestDeadlineMonthCarry(t *testing.T) {
	created := time.Date(2024, 12, 15, 0, 0, 0, 0, time.UTC)
	got := Deadline(created, namer.Lifetime{N: 1, Unit: namer.UnitMonth})
	want := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("expected carry into next year, got %v", got)
	}
}

func TestDeadlineYear(t *testing.T) {
	created := time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC) // leap day
	got := Deadline(created, namer.Lifetime{N: 1, Unit: namer.UnitYear})
	want := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC) // Go's AddDate normalizes Feb 29 + 1y
	if !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

// TestExpiredMonotonicInObservationTime checks that Expired is
// monotonically non-decreasing in the observation time T (spec §8
// universal invariant): once expired, it stays expired for any later T.
func TestExpiredMonotonicInObservationTime(t *testing.T) {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	lifetime := namer.Lifetime{N: 1, Unit: namer.UnitDay}
	deadline := Deadline(created, lifetime)

	if Expired(created, lifetime, false, deadline.Add(-time.Second)) {
		t.Error("should not be expired one second before the deadline")
	}
	if !Expired(created, lifetime, false, deadline) {
		t.Error("should be expired exactly at the deadline")
	}
	if !Expired(created, lifetime, false, deadline.Add(time.Hour*24*365)) {
		t.Error("should remain expired arbitrarily far past the deadline")
	}
}
