package connectors

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rackoot/racky.app-sub003/internal/filter"
)

// Simulated collaborators for local development and handler tests. Behavior
// is deterministic and steerable through item ids: an id containing "fail"
// errors transiently, one containing "auth" errors fatally.

// SimulatedMarketplace serves a fixed in-memory catalog per connection.
type SimulatedMarketplace struct {
	mu      sync.Mutex
	catalog map[string][]Item // keyed by connection id
	applied map[string]int    // update counts per item id
}

// NewSimulatedMarketplace builds an empty simulated catalog.
func NewSimulatedMarketplace() *SimulatedMarketplace {
	return &SimulatedMarketplace{
		catalog: make(map[string][]Item),
		applied: make(map[string]int),
	}
}

// Seed replaces the catalog for a connection.
func (m *SimulatedMarketplace) Seed(connectionID string, items []Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.catalog[connectionID] = items
}

// SeedN seeds count generated products on a connection.
func (m *SimulatedMarketplace) SeedN(connectionID string, count int) {
	items := make([]Item, count)
	for i := range items {
		items[i] = Item{
			ID:     fmt.Sprintf("prod-%04d", i+1),
			Fields: map[string]string{"status": "active"},
		}
	}
	m.Seed(connectionID, items)
}

func (m *SimulatedMarketplace) ListProductIDs(ctx context.Context, connectionID string, f filter.Normalized) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.ExcludesAll() {
		return nil, nil
	}
	var ids []string
	for _, item := range m.catalog[connectionID] {
		active := item.Fields["status"] != "inactive"
		if active && !f.IncludeActive {
			continue
		}
		if !active && !f.IncludeInactive {
			continue
		}
		ids = append(ids, item.ID)
	}
	return ids, nil
}

func (m *SimulatedMarketplace) FetchItems(ctx context.Context, connectionID string, ids []string) ([]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID := make(map[string]Item, len(m.catalog[connectionID]))
	for _, item := range m.catalog[connectionID] {
		byID[item.ID] = item
	}
	out := make([]Item, 0, len(ids))
	for _, id := range ids {
		if item, ok := byID[id]; ok {
			out = append(out, item)
		} else {
			out = append(out, Item{ID: id, Fields: map[string]string{}})
		}
	}
	return out, nil
}

func (m *SimulatedMarketplace) ApplyUpdate(ctx context.Context, connectionID string, item Item) error {
	if strings.Contains(item.ID, "auth") {
		return Fatal(fmt.Errorf("marketplace auth rejected for %s", item.ID))
	}
	if strings.Contains(item.ID, "fail") {
		return fmt.Errorf("marketplace 503 for %s", item.ID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applied[item.ID]++
	return nil
}

// Applied returns how many updates landed for an item id.
func (m *SimulatedMarketplace) Applied(itemID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applied[itemID]
}

// SimulatedGenerator returns canned text. Prompts containing "lowconf" score
// below any sane confidence threshold; "fail" errors transiently.
type SimulatedGenerator struct{}

func (SimulatedGenerator) Generate(ctx context.Context, prompt string) (string, float64, error) {
	if strings.Contains(prompt, "fail") {
		return "", 0, fmt.Errorf("generation timeout")
	}
	if strings.Contains(prompt, "lowconf") {
		return "uncertain draft", 0.1, nil
	}
	return "optimized: " + prompt, 0.9, nil
}
