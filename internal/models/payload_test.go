package models

import (
	"encoding/json"
	"testing"
)

func TestDecodePayloadPerType(t *testing.T) {
	cases := []struct {
		jobType JobType
		raw     string
		check   func(t *testing.T, v any)
	}{
		{
			jobType: TypeSyncParent,
			raw:     `{"connectionId":"conn-1","marketplaceId":"shopify"}`,
			check: func(t *testing.T, v any) {
				p, ok := v.(SyncParentPayload)
				if !ok {
					t.Fatalf("expected SyncParentPayload got %T", v)
				}
				if p.ConnectionID != "conn-1" || p.MarketplaceID != "shopify" {
					t.Fatalf("unexpected payload %+v", p)
				}
			},
		},
		{
			jobType: TypeSyncBatch,
			raw:     `{"connectionId":"conn-1","productIds":["a","b"],"batchNumber":2,"totalBatches":3}`,
			check: func(t *testing.T, v any) {
				p, ok := v.(SyncBatchPayload)
				if !ok {
					t.Fatalf("expected SyncBatchPayload got %T", v)
				}
				if len(p.ProductIDs) != 2 || p.BatchNumber != 2 || p.TotalBatches != 3 {
					t.Fatalf("unexpected payload %+v", p)
				}
			},
		},
		{
			jobType: TypeScanParent,
			raw:     `{"connectionId":"conn-1","productIds":["a"],"promptTemplate":"fix {id}"}`,
			check: func(t *testing.T, v any) {
				p, ok := v.(ScanParentPayload)
				if !ok {
					t.Fatalf("expected ScanParentPayload got %T", v)
				}
				if p.PromptTemplate != "fix {id}" {
					t.Fatalf("unexpected payload %+v", p)
				}
			},
		},
		{
			jobType: TypeScanBatch,
			raw:     `{"connectionId":"conn-1","productIds":["a","b","c"],"batchNumber":1,"totalBatches":1}`,
			check: func(t *testing.T, v any) {
				p, ok := v.(ScanBatchPayload)
				if !ok {
					t.Fatalf("expected ScanBatchPayload got %T", v)
				}
				if len(p.ProductIDs) != 3 {
					t.Fatalf("unexpected payload %+v", p)
				}
			},
		},
		{
			jobType: TypeSingleUpdate,
			raw:     `{"connectionId":"conn-1","productId":"p-1","fields":{"title":"New"}}`,
			check: func(t *testing.T, v any) {
				p, ok := v.(SingleUpdatePayload)
				if !ok {
					t.Fatalf("expected SingleUpdatePayload got %T", v)
				}
				if p.ProductID != "p-1" || p.Fields["title"] != "New" {
					t.Fatalf("unexpected payload %+v", p)
				}
			},
		},
	}

	for _, tc := range cases {
		t.Run(string(tc.jobType), func(t *testing.T) {
			v, err := DecodePayload(tc.jobType, json.RawMessage(tc.raw))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			tc.check(t, v)
		})
	}
}

func TestDecodePayloadUnknownType(t *testing.T) {
	if _, err := DecodePayload(JobType("REINDEX"), json.RawMessage(`{}`)); err == nil {
		t.Fatalf("expected error for unknown job type")
	}
}

func TestDecodePayloadMalformed(t *testing.T) {
	if _, err := DecodePayload(TypeSyncParent, json.RawMessage(`{"connectionId":`)); err == nil {
		t.Fatalf("expected error for malformed payload")
	}
}
