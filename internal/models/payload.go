package models

import (
	"encoding/json"
	"fmt"

	"github.com/rackoot/racky.app-sub003/internal/filter"
)

// Payloads are a tagged union keyed by job type: one concrete struct per
// type, decoded at the boundary with DecodePayload.

// SyncParentPayload scopes a full catalog synchronization.
type SyncParentPayload struct {
	ConnectionID  string            `json:"connectionId"`
	MarketplaceID string            `json:"marketplaceId"`
	Filter        filter.Normalized `json:"filter"`
	BatchSize     int               `json:"batchSize,omitempty"`
}

// SyncBatchPayload carries one batch's slice of a sync scope.
type SyncBatchPayload struct {
	ConnectionID  string   `json:"connectionId"`
	MarketplaceID string   `json:"marketplaceId"`
	ProductIDs    []string `json:"productIds"`
	BatchNumber   int      `json:"batchNumber"`
	TotalBatches  int      `json:"totalBatches"`
}

// ScanParentPayload scopes an AI content-optimization scan. ProductIDs is the
// cooldown-gated candidate list resolved before submission.
type ScanParentPayload struct {
	ConnectionID   string   `json:"connectionId"`
	ProductIDs     []string `json:"productIds"`
	PromptTemplate string   `json:"promptTemplate,omitempty"`
	BatchSize      int      `json:"batchSize,omitempty"`
}

// ScanBatchPayload carries one batch's slice of a scan scope.
type ScanBatchPayload struct {
	ConnectionID   string   `json:"connectionId"`
	ProductIDs     []string `json:"productIds"`
	PromptTemplate string   `json:"promptTemplate,omitempty"`
	BatchNumber    int      `json:"batchNumber"`
	TotalBatches   int      `json:"totalBatches"`
}

// SingleUpdatePayload updates one product's fields in place.
type SingleUpdatePayload struct {
	ConnectionID  string            `json:"connectionId"`
	MarketplaceID string            `json:"marketplaceId"`
	ProductID     string            `json:"productId"`
	Fields        map[string]string `json:"fields"`
}

// DecodePayload unmarshals raw payload bytes into the concrete struct for the
// given job type.
func DecodePayload(t JobType, raw json.RawMessage) (any, error) {
	var (
		v   any
		err error
	)
	switch t {
	case TypeSyncParent:
		p := SyncParentPayload{}
		err = json.Unmarshal(raw, &p)
		v = p
	case TypeSyncBatch:
		p := SyncBatchPayload{}
		err = json.Unmarshal(raw, &p)
		v = p
	case TypeScanParent:
		p := ScanParentPayload{}
		err = json.Unmarshal(raw, &p)
		v = p
	case TypeScanBatch:
		p := ScanBatchPayload{}
		err = json.Unmarshal(raw, &p)
		v = p
	case TypeSingleUpdate:
		p := SingleUpdatePayload{}
		err = json.Unmarshal(raw, &p)
		v = p
	default:
		return nil, fmt.Errorf("unknown job type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return v, nil
}
