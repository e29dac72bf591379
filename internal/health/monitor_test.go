package health

import (
	"testing"

	"github.com/rackoot/racky.app-sub003/internal/models"
)

func TestClassifyHealthy(t *testing.T) {
	healthy, issues := Classify(models.QueueHealthSnapshot{
		Waiting:   10,
		Completed: 100,
		Failed:    5,
		Consumers: 2,
	})
	if !healthy {
		t.Fatalf("expected healthy, got issues %v", issues)
	}
}

func TestClassifyHighBacklog(t *testing.T) {
	healthy, issues := Classify(models.QueueHealthSnapshot{
		Waiting:   1500,
		Consumers: 2,
	})
	if healthy {
		t.Fatalf("expected unhealthy for 1500 waiting")
	}
	if !contains(issues, "High message backlog") {
		t.Fatalf("expected backlog issue, got %v", issues)
	}
}

func TestClassifyHighFailureRate(t *testing.T) {
	healthy, issues := Classify(models.QueueHealthSnapshot{
		Completed: 100,
		Failed:    11,
		Consumers: 1,
	})
	if healthy {
		t.Fatalf("expected unhealthy for 11 failed of 100 completed")
	}
	if !contains(issues, "High failure rate") {
		t.Fatalf("expected failure-rate issue, got %v", issues)
	}

	// Exactly at the 10% boundary does not trigger.
	healthy, _ = Classify(models.QueueHealthSnapshot{Completed: 100, Failed: 10, Consumers: 1})
	if !healthy {
		t.Fatalf("10%% failure rate is the boundary, must not trigger")
	}
}

func TestClassifyNoConsumers(t *testing.T) {
	healthy, issues := Classify(models.QueueHealthSnapshot{
		Waiting:   5,
		Consumers: 0,
	})
	if healthy {
		t.Fatalf("expected unhealthy with backlog and no consumers")
	}
	if !contains(issues, "No active consumers") {
		t.Fatalf("expected consumer issue, got %v", issues)
	}

	// An idle queue with no consumers is fine.
	healthy, _ = Classify(models.QueueHealthSnapshot{Waiting: 0, Consumers: 0})
	if !healthy {
		t.Fatalf("empty queue with no consumers must stay healthy")
	}
}

func TestClassifyAccumulatesIssues(t *testing.T) {
	_, issues := Classify(models.QueueHealthSnapshot{
		Waiting:   2000,
		Completed: 10,
		Failed:    5,
		Consumers: 0,
	})
	if len(issues) != 3 {
		t.Fatalf("all heuristics must be evaluated, got %v", issues)
	}
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
