package connectors

import (
	"context"
	"errors"
	"testing"

	"github.com/rackoot/racky.app-sub003/internal/filter"
)

func TestSimulatedMarketplaceFiltering(t *testing.T) {
	ctx := context.Background()
	m := NewSimulatedMarketplace()
	m.Seed("conn-1", []Item{
		{ID: "p-1", Fields: map[string]string{"status": "active"}},
		{ID: "p-2", Fields: map[string]string{"status": "inactive"}},
		{ID: "p-3", Fields: map[string]string{"status": "active"}},
	})

	ids, err := m.ListProductIDs(ctx, "conn-1", filter.Normalize(filter.ProductFilter{}))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("default filter must keep active only, got %v", ids)
	}

	on := true
	ids, err = m.ListProductIDs(ctx, "conn-1", filter.Normalize(filter.ProductFilter{IncludeInactive: &on}))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("inactive included must return all, got %v", ids)
	}
}

func TestSimulatedMarketplaceApplyErrors(t *testing.T) {
	ctx := context.Background()
	m := NewSimulatedMarketplace()

	if err := m.ApplyUpdate(ctx, "conn-1", Item{ID: "p-ok"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if m.Applied("p-ok") != 1 {
		t.Fatalf("applied count = %d", m.Applied("p-ok"))
	}

	err := m.ApplyUpdate(ctx, "conn-1", Item{ID: "p-fail"})
	if err == nil || IsFatal(err) {
		t.Fatalf("fail id must error transiently, got %v", err)
	}

	err = m.ApplyUpdate(ctx, "conn-1", Item{ID: "p-auth"})
	if err == nil || !IsFatal(err) {
		t.Fatalf("auth id must error fatally, got %v", err)
	}
}

func TestFatalErrorWrapping(t *testing.T) {
	base := errors.New("credentials revoked")
	err := Fatal(base)
	if !IsFatal(err) {
		t.Fatalf("wrapped error must report fatal")
	}
	if !errors.Is(err, base) {
		t.Fatalf("fatal wrapper must preserve the cause")
	}
	if IsFatal(errors.New("transient")) {
		t.Fatalf("plain errors are retryable")
	}
}

func TestSimulatedGenerator(t *testing.T) {
	ctx := context.Background()
	g := SimulatedGenerator{}

	text, conf, err := g.Generate(ctx, "Optimize the listing copy for product p-1")
	if err != nil || text == "" || conf < 0.5 {
		t.Fatalf("expected confident text, got %q conf=%f err=%v", text, conf, err)
	}

	_, conf, err = g.Generate(ctx, "prompt for lowconf item")
	if err != nil || conf >= 0.5 {
		t.Fatalf("lowconf prompt must score below threshold, got %f err=%v", conf, err)
	}

	if _, _, err := g.Generate(ctx, "prompt for fail item"); err == nil {
		t.Fatalf("fail prompt must error")
	}
}
