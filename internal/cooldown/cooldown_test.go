package cooldown

import (
	"testing"
	"time"
)

func TestEvaluateUnderLimit(t *testing.T) {
	now := time.Now()
	e := evaluate("prod-1", []time.Time{now.Add(-2 * time.Hour)}, now, 24*time.Hour, 2)
	if !e.Eligible {
		t.Fatalf("one scan in window with max 2 should be eligible")
	}
	if e.CountInWindow != 1 {
		t.Fatalf("expected count 1 got %d", e.CountInWindow)
	}
	if e.NextAvailableAt != nil {
		t.Fatalf("eligible entity should have no nextAvailableAt")
	}
}

func TestEvaluateAtLimit(t *testing.T) {
	now := time.Now()
	first := now.Add(-10 * time.Hour)
	second := now.Add(-1 * time.Hour)
	e := evaluate("prod-1", []time.Time{first, second}, now, 24*time.Hour, 2)
	if e.Eligible {
		t.Fatalf("two scans in window with max 2 must block a third")
	}
	if e.CountInWindow != 2 {
		t.Fatalf("expected count 2 got %d", e.CountInWindow)
	}
	if e.NextAvailableAt == nil {
		t.Fatalf("blocked entity must report nextAvailableAt")
	}
	want := first.Add(24 * time.Hour)
	if !e.NextAvailableAt.Equal(want) {
		t.Fatalf("nextAvailableAt = %s, want oldest event + window = %s", e.NextAvailableAt, want)
	}
}

func TestEvaluateWindowSlides(t *testing.T) {
	now := time.Now()
	// Two old scans have slid out of the window; only the recent one counts.
	times := []time.Time{
		now.Add(-30 * time.Hour),
		now.Add(-25 * time.Hour),
		now.Add(-1 * time.Hour),
	}
	e := evaluate("prod-1", times, now, 24*time.Hour, 2)
	if !e.Eligible {
		t.Fatalf("expired scans must not count against the limit")
	}
	if e.CountInWindow != 1 {
		t.Fatalf("expected count 1 got %d", e.CountInWindow)
	}
}

func TestEvaluateNoHistory(t *testing.T) {
	e := evaluate("prod-1", nil, time.Now(), 24*time.Hour, 2)
	if !e.Eligible || e.CountInWindow != 0 {
		t.Fatalf("no history must be eligible with count 0, got %+v", e)
	}
}
