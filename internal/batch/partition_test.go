package batch

import (
	"fmt"
	"testing"
)

func makeIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("prod-%03d", i)
	}
	return ids
}

func TestPartitionUnevenScope(t *testing.T) {
	batches := Partition(makeIDs(120), 50)
	if len(batches) != 3 {
		t.Fatalf("expected 3 batches got %d", len(batches))
	}
	sizes := []int{len(batches[0]), len(batches[1]), len(batches[2])}
	if sizes[0] != 50 || sizes[1] != 50 || sizes[2] != 20 {
		t.Fatalf("expected sizes 50,50,20 got %v", sizes)
	}
}

func TestPartitionCoversEveryIDOnce(t *testing.T) {
	ids := makeIDs(137)
	seen := make(map[string]int)
	total := 0
	for _, b := range Partition(ids, 25) {
		total += len(b)
		for _, id := range b {
			seen[id]++
		}
	}
	if total != len(ids) {
		t.Fatalf("sum of batch sizes %d != total %d", total, len(ids))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("id %s appeared %d times", id, n)
		}
	}
}

func TestPartitionEmptyScope(t *testing.T) {
	if batches := Partition(nil, 50); batches != nil {
		t.Fatalf("expected no batches for empty scope, got %d", len(batches))
	}
}

func TestPartitionSingleBatch(t *testing.T) {
	// A scope smaller than one batch still becomes one child for uniform
	// progress accounting.
	batches := Partition(makeIDs(7), 50)
	if len(batches) != 1 || len(batches[0]) != 7 {
		t.Fatalf("expected one batch of 7, got %v", batches)
	}
}
