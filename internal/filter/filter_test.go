package filter

import "testing"

func boolPtr(b bool) *bool { return &b }

func TestNormalizeDefaults(t *testing.T) {
	n := Normalize(ProductFilter{})
	if !n.IncludeActive {
		t.Fatalf("expected includeActive default true")
	}
	if n.IncludeInactive {
		t.Fatalf("expected includeInactive default false")
	}
	if n.CategoryIDs != nil || n.BrandIDs != nil {
		t.Fatalf("expected absent allow-lists to stay nil")
	}
	if n.ExcludesAll() {
		t.Fatalf("default filter must not exclude all")
	}
}

func TestExcludesAllBothStatusesOff(t *testing.T) {
	n := Normalize(ProductFilter{
		IncludeActive:   boolPtr(false),
		IncludeInactive: boolPtr(false),
	})
	if !n.ExcludesAll() {
		t.Fatalf("both statuses excluded must exclude all")
	}
}

func TestExcludesAllEmptyVsNilAllowList(t *testing.T) {
	empty := Normalize(ProductFilter{CategoryIDs: []string{}})
	if !empty.ExcludesAll() {
		t.Fatalf("explicitly empty categoryIds must exclude all")
	}

	absent := Normalize(ProductFilter{CategoryIDs: nil})
	if absent.ExcludesAll() {
		t.Fatalf("absent categoryIds means no restriction, not exclude-all")
	}

	emptyBrands := Normalize(ProductFilter{BrandIDs: []string{}})
	if !emptyBrands.ExcludesAll() {
		t.Fatalf("explicitly empty brandIds must exclude all")
	}
}

func TestExcludesAllPopulatedAllowList(t *testing.T) {
	n := Normalize(ProductFilter{CategoryIDs: []string{"cat-1"}})
	if n.ExcludesAll() {
		t.Fatalf("populated allow-list must not exclude all")
	}
}
