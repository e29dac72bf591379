package filter

// ProductFilter is the wire shape of a partially-specified catalog filter.
// Pointer booleans distinguish "not sent" from "sent false"; a nil id slice
// means no restriction, while a present-but-empty slice means "match nothing".
type ProductFilter struct {
	IncludeActive   *bool    `json:"includeActive,omitempty"`
	IncludeInactive *bool    `json:"includeInactive,omitempty"`
	CategoryIDs     []string `json:"categoryIds,omitempty"`
	BrandIDs        []string `json:"brandIds,omitempty"`
}

// Normalized is a filter with defaults applied. The nil-vs-empty slice
// distinction from ProductFilter is preserved.
type Normalized struct {
	IncludeActive   bool     `json:"includeActive"`
	IncludeInactive bool     `json:"includeInactive"`
	CategoryIDs     []string `json:"categoryIds,omitempty"`
	BrandIDs        []string `json:"brandIds,omitempty"`
}

// Normalize applies the defaults: active products included, inactive excluded,
// no category/brand restriction.
func Normalize(f ProductFilter) Normalized {
	n := Normalized{
		IncludeActive:   true,
		IncludeInactive: false,
		CategoryIDs:     f.CategoryIDs,
		BrandIDs:        f.BrandIDs,
	}
	if f.IncludeActive != nil {
		n.IncludeActive = *f.IncludeActive
	}
	if f.IncludeInactive != nil {
		n.IncludeInactive = *f.IncludeInactive
	}
	return n
}

// ExcludesAll reports whether the filter can never match anything: both
// status flags off, or an allow-list that is present but empty. A nil
// allow-list never excludes.
func (n Normalized) ExcludesAll() bool {
	if !n.IncludeActive && !n.IncludeInactive {
		return true
	}
	if n.CategoryIDs != nil && len(n.CategoryIDs) == 0 {
		return true
	}
	if n.BrandIDs != nil && len(n.BrandIDs) == 0 {
		return true
	}
	return false
}
