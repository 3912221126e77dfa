package fhir

import (
	"encoding/json"
	"net/url"
	"strings"
	"testing"

	"github.com/ehr/screening/pkg/pagination"
)

type stubResource struct {
	Type string `json:"resourceType"`
	ID   string `json:"id"`
}

func (s stubResource) ResourceType() string { return s.Type }
func (s stubResource) GetID() string        { return s.ID }

func TestNewSearchBundle(t *testing.T) {
	res := []Identified{
		stubResource{Type: "Patient", ID: "a"},
		stubResource{Type: "Patient", ID: "b"},
	}
	b, err := NewSearchBundle(res, SearchBundleParams{
		BasePath: "/fhir/Patient",
		Filters:  url.Values{"gender": {"female"}},
		Page:     pagination.Params{Limit: 2, Offset: 0},
		Total:    5,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if b.Type != "searchset" || b.ResourceType != "Bundle" {
		t.Errorf("unexpected bundle header %+v", b)
	}
	if b.Total == nil || *b.Total != 5 {
		t.Errorf("expected total 5")
	}
	if len(b.Entry) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(b.Entry))
	}
	if b.Entry[0].FullURL != "Patient/a" || b.Entry[0].Search.Mode != "match" {
		t.Errorf("unexpected entry %+v", b.Entry[0])
	}
	if b.LinkURL("self") == "" || b.LinkURL("next") == "" {
		t.Errorf("expected self and next links: %+v", b.Link)
	}
	if b.LinkURL("previous") != "" {
		t.Error("first page must not carry a previous link")
	}
	if !strings.Contains(b.LinkURL("next"), "gender=female") {
		t.Errorf("next link lost filters: %s", b.LinkURL("next"))
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(b.Entry[1].Resource, &decoded); err != nil {
		t.Fatalf("entry resource not JSON: %v", err)
	}
	if decoded["id"] != "b" {
		t.Errorf("unexpected entry payload %v", decoded)
	}
}

func TestNewEverythingBundle_PreservesOrder(t *testing.T) {
	res := []Identified{
		stubResource{Type: "Patient", ID: "p"},
		stubResource{Type: "Observation", ID: "o"},
		stubResource{Type: "Condition", ID: "c"},
	}
	b, err := NewEverythingBundle(res, "/fhir/Patient/p/$everything")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"Patient/p", "Observation/o", "Condition/c"}
	for i, w := range want {
		if b.Entry[i].FullURL != w {
			t.Errorf("entry %d = %s, want %s", i, b.Entry[i].FullURL, w)
		}
	}
	if *b.Total != 3 {
		t.Errorf("expected total 3, got %d", *b.Total)
	}
}
