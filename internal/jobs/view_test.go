package jobs

import (
	"testing"
	"time"

	"github.com/rackoot/racky.app-sub003/internal/models"
)

func TestEstimateETATerminal(t *testing.T) {
	now := time.Now()
	started := now.Add(-time.Minute)
	job := models.Job{Status: models.StatusCompleted, Progress: 100, StartedAt: &started}
	if eta := estimateETA(job, now); eta != "" {
		t.Fatalf("terminal job must have empty eta, got %q", eta)
	}
}

func TestEstimateETABeforeProgress(t *testing.T) {
	now := time.Now()
	job := models.Job{Status: models.StatusQueued}
	if eta := estimateETA(job, now); eta != "Calculating..." {
		t.Fatalf("queued job eta = %q", eta)
	}

	started := now.Add(-time.Minute)
	job = models.Job{Status: models.StatusProcessing, StartedAt: &started, Progress: 0}
	if eta := estimateETA(job, now); eta != "Calculating..." {
		t.Fatalf("zero-progress job eta = %q", eta)
	}
}

func TestEstimateETAExtrapolates(t *testing.T) {
	now := time.Now()
	started := now.Add(-time.Minute)
	job := models.Job{Status: models.StatusProcessing, StartedAt: &started, Progress: 25}
	// 25% in one minute leaves three minutes for the remaining 75%.
	if eta := estimateETA(job, now); eta != "3m0s" {
		t.Fatalf("eta = %q, want 3m0s", eta)
	}
}

func TestQueueForType(t *testing.T) {
	if q := QueueForType(models.TypeScanParent); q != "scan" {
		t.Fatalf("scan parent queue = %s", q)
	}
	if q := QueueForType(models.TypeScanBatch); q != "scan" {
		t.Fatalf("scan batch queue = %s", q)
	}
	for _, jt := range []models.JobType{models.TypeSyncParent, models.TypeSyncBatch, models.TypeSingleUpdate} {
		if q := QueueForType(jt); q != "sync" {
			t.Fatalf("%s queue = %s, want sync", jt, q)
		}
	}
}

func TestRoutingKeyForPriority(t *testing.T) {
	if rk := RoutingKeyForPriority(-5); rk != "high" {
		t.Fatalf("negative priority routing key = %s", rk)
	}
	if rk := RoutingKeyForPriority(0); rk != "default" {
		t.Fatalf("zero priority routing key = %s", rk)
	}
	if rk := RoutingKeyForPriority(3); rk != "low" {
		t.Fatalf("positive priority routing key = %s", rk)
	}
}
