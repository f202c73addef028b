package query_test

import (
	"errors"
	"net/url"
	"testing"

	"MarketMirror/internal/query"
)

// ============================================================================
// Listing query parsing
// ============================================================================

func TestParseListingQueryDefaults(t *testing.T) {
	q, err := query.ParseListingQuery(url.Values{})
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if q.Page != 1 {
		t.Errorf("page: got %d, want 1", q.Page)
	}
	if q.Limit != 20 {
		t.Errorf("limit: got %d, want 20", q.Limit)
	}
	if q.SortBy != query.SortByCreatedAt {
		t.Errorf("sortBy: got %s", q.SortBy)
	}
	if q.SortOrder != query.SortDesc {
		t.Errorf("sortOrder: got %s", q.SortOrder)
	}
	if q.Category != "" || q.MinPrice != nil || q.MaxPrice != nil {
		t.Error("filters should default to unset")
	}
}

func TestParseListingQueryAllParams(t *testing.T) {
	v := url.Values{}
	v.Set("page", "3")
	v.Set("limit", "50")
	v.Set("category", "art")
	v.Set("minPrice", "1000000000000000000")
	v.Set("maxPrice", "5000000000000000000")
	v.Set("sortBy", "price")
	v.Set("sortOrder", "asc")

	q, err := query.ParseListingQuery(v)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if q.Page != 3 || q.Limit != 50 {
		t.Errorf("pagination: got page=%d limit=%d", q.Page, q.Limit)
	}
	if q.Category != "art" {
		t.Errorf("category: got %s", q.Category)
	}
	if q.MinPrice.String() != "1000000000000000000" {
		t.Errorf("minPrice: got %s", q.MinPrice)
	}
	if q.MaxPrice.String() != "5000000000000000000" {
		t.Errorf("maxPrice: got %s", q.MaxPrice)
	}
	if q.SortBy != query.SortByPrice || q.SortOrder != query.SortAsc {
		t.Errorf("sort: got %s %s", q.SortBy, q.SortOrder)
	}
}

func TestParseListingQueryRejectsBadValues(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"zero page", "page", "0"},
		{"negative page", "page", "-1"},
		{"non-numeric page", "page", "first"},
		{"zero limit", "limit", "0"},
		{"oversized limit", "limit", "101"},
		{"fractional minPrice", "minPrice", "1.5"},
		{"negative maxPrice", "maxPrice", "-100"},
		{"hex price", "minPrice", "0xff"},
		{"unknown sortBy", "sortBy", "rarity"},
		{"unknown sortOrder", "sortOrder", "sideways"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := url.Values{}
			v.Set(tc.key, tc.value)

			_, err := query.ParseListingQuery(v)
			if err == nil {
				t.Fatalf("expected error for %s=%s", tc.key, tc.value)
			}
			if !errors.Is(err, query.ErrInvalidQuery) {
				t.Errorf("expected ErrInvalidQuery, got %v", err)
			}
		})
	}
}

func TestParseListingQueryInvertedPriceRange(t *testing.T) {
	v := url.Values{}
	v.Set("minPrice", "200")
	v.Set("maxPrice", "100")

	if _, err := query.ParseListingQuery(v); !errors.Is(err, query.ErrInvalidQuery) {
		t.Fatalf("expected ErrInvalidQuery, got %v", err)
	}
}

func TestParseListingQueryLimitBoundary(t *testing.T) {
	v := url.Values{}
	v.Set("limit", "100")

	q, err := query.ParseListingQuery(v)
	if err != nil {
		t.Fatalf("limit=100 should be accepted: %v", err)
	}
	if q.Limit != 100 {
		t.Errorf("limit: got %d, want 100", q.Limit)
	}
}

// ============================================================================
// Bare page parsing
// ============================================================================

func TestParsePage(t *testing.T) {
	v := url.Values{}
	v.Set("page", "2")
	v.Set("limit", "5")

	page, limit, err := query.ParsePage(v)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if page != 2 || limit != 5 {
		t.Errorf("got page=%d limit=%d", page, limit)
	}
}

func TestParsePageDefaults(t *testing.T) {
	page, limit, err := query.ParsePage(url.Values{})
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if page != 1 || limit != 20 {
		t.Errorf("got page=%d limit=%d, want 1/20", page, limit)
	}
}
