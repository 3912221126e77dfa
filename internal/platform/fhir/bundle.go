package fhir

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/ehr/screening/pkg/pagination"
)

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
}

type BundleSearch struct {
	Mode string `json:"mode,omitempty"`
}

// LinkURL returns the URL of the link with the given relation, or "".
func (b *Bundle) LinkURL(relation string) string {
	for _, l := range b.Link {
		if l.Relation == relation {
			return l.URL
		}
	}
	return ""
}

// Identified is satisfied by anything that can name itself in a bundle entry.
type Identified interface {
	ResourceType() string
	GetID() string
}

// SearchBundleParams holds pagination and link information for a search bundle.
type SearchBundleParams struct {
	BasePath string
	Filters  url.Values
	Page     pagination.Params
	Total    int
}

// NewSearchBundle creates a searchset Bundle with self/next/previous links.
// Every entry is marked search.mode=match.
func NewSearchBundle(resources []Identified, params SearchBundleParams) (*Bundle, error) {
	entries, err := bundleEntries(resources, "match")
	if err != nil {
		return nil, err
	}

	links := params.Page.FHIRLinks(params.BasePath, params.Filters, params.Total)
	bl := make([]BundleLink, len(links))
	for i, l := range links {
		bl[i] = BundleLink{Relation: l.Relation, URL: l.URL}
	}

	now := time.Now().UTC()
	total := params.Total
	return &Bundle{
		ResourceType: "Bundle",
		Type:         "searchset",
		Total:        &total,
		Timestamp:    &now,
		Link:         bl,
		Entry:        entries,
	}, nil
}

// NewEverythingBundle wraps a patient compartment in a searchset Bundle with a
// single self link. Entry order is preserved.
func NewEverythingBundle(resources []Identified, selfURL string) (*Bundle, error) {
	entries, err := bundleEntries(resources, "match")
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	total := len(entries)
	return &Bundle{
		ResourceType: "Bundle",
		Type:         "searchset",
		Total:        &total,
		Timestamp:    &now,
		Link:         []BundleLink{{Relation: "self", URL: selfURL}},
		Entry:        entries,
	}, nil
}

func bundleEntries(resources []Identified, mode string) ([]BundleEntry, error) {
	entries := make([]BundleEntry, 0, len(resources))
	for _, r := range resources {
		raw, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("marshal %s/%s: %w", r.ResourceType(), r.GetID(), err)
		}
		entries = append(entries, BundleEntry{
			FullURL:  FormatReference(r.ResourceType(), r.GetID()),
			Resource: raw,
			Search:   &BundleSearch{Mode: mode},
		})
	}
	return entries, nil
}
