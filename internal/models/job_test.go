package models

import (
	"testing"
	"time"
)

func TestIsTerminal(t *testing.T) {
	terminal := []string{StatusCompleted, StatusFailed, StatusCancelled}
	for _, s := range terminal {
		if !IsTerminal(s) {
			t.Fatalf("%s must be terminal", s)
		}
	}
	for _, s := range []string{StatusQueued, StatusProcessing} {
		if IsTerminal(s) {
			t.Fatalf("%s must not be terminal", s)
		}
	}
}

func TestJobTypeFamily(t *testing.T) {
	cases := map[JobType]string{
		TypeSyncParent:   "sync",
		TypeSyncBatch:    "sync",
		TypeScanParent:   "scan",
		TypeScanBatch:    "scan",
		TypeSingleUpdate: "update",
	}
	for jt, want := range cases {
		if got := jt.Family(); got != want {
			t.Fatalf("%s family = %s, want %s", jt, got, want)
		}
	}
}

func TestJobTypeBatchVariant(t *testing.T) {
	if TypeSyncParent.BatchVariant() != TypeSyncBatch {
		t.Fatalf("sync parent must decompose into sync batches")
	}
	if TypeScanParent.BatchVariant() != TypeScanBatch {
		t.Fatalf("scan parent must decompose into scan batches")
	}
	if !TypeSyncParent.IsParent() || !TypeScanParent.IsParent() {
		t.Fatalf("parent types must report IsParent")
	}
	if TypeSyncBatch.IsParent() || TypeSingleUpdate.IsParent() {
		t.Fatalf("non-parent types must not report IsParent")
	}
}

func TestJobTimings(t *testing.T) {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	started := created.Add(30 * time.Second)
	done := started.Add(2 * time.Minute)

	j := Job{CreatedAt: created}
	if j.QueueWaitTime() != 0 || j.ProcessingTime() != 0 {
		t.Fatalf("timings must be zero before pickup")
	}

	j.StartedAt = &started
	if j.QueueWaitTime() != 30*time.Second {
		t.Fatalf("queue wait = %s, want 30s", j.QueueWaitTime())
	}
	if j.ProcessingTime() != 0 {
		t.Fatalf("processing time must be zero before completion")
	}

	j.CompletedAt = &done
	if j.ProcessingTime() != 2*time.Minute {
		t.Fatalf("processing time = %s, want 2m", j.ProcessingTime())
	}
}
