package cooldown

import (
	"context"
	"fmt"
	"time"

	"github.com/rackoot/racky.app-sub003/internal/store"
)

// Gate bounds how often the same entity can be re-scanned: at most maxScans
// successful scans inside a rolling window. Eligibility derives from the
// audit ledger's completed-scan events; nothing extra is persisted.
type Gate struct {
	store    *store.Store
	window   time.Duration
	maxScans int
}

// NewGate wires the cooldown gate with its rolling window and scan cap.
func NewGate(st *store.Store, window time.Duration, maxScans int) *Gate {
	if window <= 0 {
		window = 24 * time.Hour
	}
	if maxScans <= 0 {
		maxScans = 2
	}
	return &Gate{store: st, window: window, maxScans: maxScans}
}

// Eligibility is the result of a cooldown check for one entity. When blocked,
// NextAvailableAt is the moment the window slides past the oldest in-window
// scan.
type Eligibility struct {
	EntityID        string     `json:"entityId"`
	Eligible        bool       `json:"eligible"`
	CountInWindow   int        `json:"countInWindow"`
	NextAvailableAt *time.Time `json:"nextAvailableAt,omitempty"`
}

// AllBlockedError rejects a scan request whose every candidate is on
// cooldown; a zero-work job must never be submitted.
type AllBlockedError struct {
	Blocked []Eligibility
}

func (e *AllBlockedError) Error() string {
	return fmt.Sprintf("all %d candidates are on scan cooldown", len(e.Blocked))
}

// CheckEligibility evaluates one entity against the rolling window.
func (g *Gate) CheckEligibility(ctx context.Context, tenantID, entityID string) (Eligibility, error) {
	now := time.Now().UTC()
	times, err := g.store.ScanEventTimes(ctx, tenantID, entityID, now.Add(-g.window))
	if err != nil {
		return Eligibility{}, fmt.Errorf("scan history for %s: %w", entityID, err)
	}
	return evaluate(entityID, times, now, g.window, g.maxScans), nil
}

// PartitionByEligibility splits candidates into eligible and blocked sets in
// one ledger query. It returns an AllBlockedError when nothing is eligible.
func (g *Gate) PartitionByEligibility(ctx context.Context, tenantID string, entityIDs []string) (eligible []string, blocked []Eligibility, err error) {
	now := time.Now().UTC()
	history, err := g.store.ScanEventTimesBatch(ctx, tenantID, entityIDs, now.Add(-g.window))
	if err != nil {
		return nil, nil, fmt.Errorf("scan history: %w", err)
	}
	for _, id := range entityIDs {
		e := evaluate(id, history[id], now, g.window, g.maxScans)
		if e.Eligible {
			eligible = append(eligible, id)
		} else {
			blocked = append(blocked, e)
		}
	}
	if len(entityIDs) > 0 && len(eligible) == 0 {
		return nil, blocked, &AllBlockedError{Blocked: blocked}
	}
	return eligible, blocked, nil
}

// evaluate applies the window math to a sorted (oldest-first) list of scan
// times. Times outside the window are dropped, so callers may pass
// unfiltered history.
func evaluate(entityID string, times []time.Time, now time.Time, window time.Duration, maxScans int) Eligibility {
	cutoff := now.Add(-window)
	inWindow := times[:0:0]
	for _, t := range times {
		if !t.Before(cutoff) {
			inWindow = append(inWindow, t)
		}
	}
	e := Eligibility{
		EntityID:      entityID,
		Eligible:      len(inWindow) < maxScans,
		CountInWindow: len(inWindow),
	}
	if !e.Eligible {
		next := inWindow[0].Add(window)
		e.NextAvailableAt = &next
	}
	return e
}
