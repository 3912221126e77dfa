package pagination

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params holds pagination parameters extracted from a request.
type Params struct {
	Limit  int
	Offset int
}

// Error reports a malformed paging parameter.
type Error struct {
	Param string
	Value string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid %s value %q: must be a non-negative integer", e.Param, e.Value)
}

// Parse reads _count and _offset from a FHIR query string. Missing values
// fall back to defaultLimit; counts above maxLimit are clamped. Values
// that are not non-negative integers are rejected with *Error.
func Parse(values url.Values, defaultLimit, maxLimit int) (Params, error) {
	if defaultLimit <= 0 {
		defaultLimit = DefaultLimit
	}
	if maxLimit <= 0 {
		maxLimit = MaxLimit
	}

	p := Params{Limit: defaultLimit}

	if raw := strings.TrimSpace(values.Get("_count")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return Params{}, &Error{Param: "_count", Value: raw}
		}
		if n > 0 {
			p.Limit = n
		}
	}
	if p.Limit > maxLimit {
		p.Limit = maxLimit
	}

	if raw := strings.TrimSpace(values.Get("_offset")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return Params{}, &Error{Param: "_offset", Value: raw}
		}
		p.Offset = n
	}

	return p, nil
}

// Window returns the [start, end) slice bounds of this page over n items.
func (p Params) Window(n int) (int, int) {
	start := p.Offset
	if start > n {
		start = n
	}
	end := n
	if p.Limit > 0 && start < n-p.Limit {
		end = start + p.Limit
	}
	return start, end
}

// HasNext returns true if there are more results after the current page.
// Written as a difference so a huge _offset cannot overflow.
func (p Params) HasNext(total int) bool {
	return p.Offset < total-p.Limit
}

// HasPrevious returns true if there are results before the current page.
func (p Params) HasPrevious() bool {
	return p.Offset > 0
}

// NextOffset returns the offset for the next page.
func (p Params) NextOffset() int {
	return p.Offset + p.Limit
}

// PreviousOffset returns the offset for the previous page.
// Returns 0 if the result would be negative.
func (p Params) PreviousOffset() int {
	prev := p.Offset - p.Limit
	if prev < 0 {
		return 0
	}
	return prev
}

// FHIRLinks generates FHIR Bundle pagination links for a search result.
// basePath should be the request path (e.g., "/fhir/Patient"). filters are
// re-encoded on every link so that following next/previous keeps the search.
func (p Params) FHIRLinks(basePath string, filters url.Values, total int) []FHIRLink {
	links := []FHIRLink{
		{Relation: "self", URL: p.pageURL(basePath, filters, p.Offset)},
	}

	if p.HasNext(total) {
		links = append(links, FHIRLink{
			Relation: "next",
			URL:      p.pageURL(basePath, filters, p.NextOffset()),
		})
	}

	if p.HasPrevious() {
		links = append(links, FHIRLink{
			Relation: "previous",
			URL:      p.pageURL(basePath, filters, p.PreviousOffset()),
		})
	}

	return links
}

func (p Params) pageURL(basePath string, filters url.Values, offset int) string {
	q := url.Values{}
	for k, vs := range filters {
		if k == "_count" || k == "_offset" {
			continue
		}
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	q.Set("_count", strconv.Itoa(p.Limit))
	q.Set("_offset", strconv.Itoa(offset))
	return basePath + "?" + q.Encode()
}

// FHIRLink represents a single FHIR Bundle link entry.
type FHIRLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}
