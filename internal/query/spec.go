package query

import (
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strconv"
)

// ErrInvalidQuery marks a request parameter the caller got wrong. The HTTP
// layer maps it to a 400.
var ErrInvalidQuery = errors.New("invalid query parameter")

func invalidf(field, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidQuery, field, fmt.Sprintf(format, args...))
}

const (
	defaultLimit = 20
	maxLimit     = 100

	SortByCreatedAt = "createdAt"
	SortByPrice     = "price"

	SortAsc  = "asc"
	SortDesc = "desc"
)

// ListingQuery is the validated parameter set for the listings endpoint.
// Zero-value filters mean "no constraint".
type ListingQuery struct {
	Page      int
	Limit     int
	Category  string
	MinPrice  *big.Int
	MaxPrice  *big.Int
	SortBy    string
	SortOrder string
}

// ParseListingQuery validates raw URL parameters into a ListingQuery.
// Defaults: page 1, limit 20, sorted by creation time descending.
func ParseListingQuery(values url.Values) (*ListingQuery, error) {
	q := &ListingQuery{
		Page:      1,
		Limit:     defaultLimit,
		SortBy:    SortByCreatedAt,
		SortOrder: SortDesc,
	}

	var err error
	if q.Page, err = parsePositiveInt(values, "page", q.Page); err != nil {
		return nil, err
	}
	if q.Limit, err = parsePositiveInt(values, "limit", q.Limit); err != nil {
		return nil, err
	}
	if q.Limit > maxLimit {
		return nil, invalidf("limit", "must be at most %d", maxLimit)
	}

	q.Category = values.Get("category")

	if q.MinPrice, err = parsePrice(values, "minPrice"); err != nil {
		return nil, err
	}
	if q.MaxPrice, err = parsePrice(values, "maxPrice"); err != nil {
		return nil, err
	}
	if q.MinPrice != nil && q.MaxPrice != nil && q.MinPrice.Cmp(q.MaxPrice) > 0 {
		return nil, invalidf("minPrice", "exceeds maxPrice")
	}

	if v := values.Get("sortBy"); v != "" {
		if v != SortByCreatedAt && v != SortByPrice {
			return nil, invalidf("sortBy", "must be %q or %q", SortByCreatedAt, SortByPrice)
		}
		q.SortBy = v
	}
	if v := values.Get("sortOrder"); v != "" {
		if v != SortAsc && v != SortDesc {
			return nil, invalidf("sortOrder", "must be %q or %q", SortAsc, SortDesc)
		}
		q.SortOrder = v
	}

	return q, nil
}

// ParsePage validates bare page/limit parameters for endpoints without
// filter or sort options.
func ParsePage(values url.Values) (page, limit int, err error) {
	if page, err = parsePositiveInt(values, "page", 1); err != nil {
		return 0, 0, err
	}
	if limit, err = parsePositiveInt(values, "limit", defaultLimit); err != nil {
		return 0, 0, err
	}
	if limit > maxLimit {
		return 0, 0, invalidf("limit", "must be at most %d", maxLimit)
	}
	return page, limit, nil
}

func parsePositiveInt(values url.Values, field string, def int) (int, error) {
	raw := values.Get(field)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, invalidf(field, "must be a positive integer, got %q", raw)
	}
	return n, nil
}

func parsePrice(values url.Values, field string) (*big.Int, error) {
	raw := values.Get(field)
	if raw == "" {
		return nil, nil
	}
	n, ok := new(big.Int).SetString(raw, 10)
	if !ok || n.Sign() < 0 {
		return nil, invalidf(field, "must be a non-negative integer, got %q", raw)
	}
	return n, nil
}
