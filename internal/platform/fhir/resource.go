package fhir

import (
	"strings"
	"time"
)

// Meta carries the server-managed version metadata of a stored resource.
type Meta struct {
	VersionID   string     `json:"versionId,omitempty"`
	LastUpdated *time.Time `json:"lastUpdated,omitempty"`
	Profile     []string   `json:"profile,omitempty"`
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// Matches reports whether c names the same concept as other. An empty
// system on other matches any system.
func (c Coding) Matches(other Coding) bool {
	if c.Code == "" || c.Code != other.Code {
		return false
	}
	return other.System == "" || c.System == other.System
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// HasCoding reports whether any coding in the concept matches want.
func (cc CodeableConcept) HasCoding(want Coding) bool {
	for _, c := range cc.Coding {
		if c.Matches(want) {
			return true
		}
	}
	return false
}

// HasAny reports whether the concept matches at least one of wants.
func (cc CodeableConcept) HasAny(wants []Coding) bool {
	for _, w := range wants {
		if cc.HasCoding(w) {
			return true
		}
	}
	return false
}

// FirstCode returns the first coded value, or "" for text-only concepts.
func (cc CodeableConcept) FirstCode() string {
	for _, c := range cc.Coding {
		if c.Code != "" {
			return c.Code
		}
	}
	return ""
}

// Display returns a human label: the concept text, else the first coding display.
func (cc CodeableConcept) Display() string {
	if cc.Text != "" {
		return cc.Text
	}
	for _, c := range cc.Coding {
		if c.Display != "" {
			return c.Display
		}
	}
	return cc.FirstCode()
}

// IsEmpty reports whether the concept carries neither codings nor text.
func (cc CodeableConcept) IsEmpty() bool {
	return len(cc.Coding) == 0 && cc.Text == ""
}

// Concept builds a single-coding CodeableConcept.
func Concept(system, code, display string) CodeableConcept {
	return CodeableConcept{
		Coding: []Coding{{System: system, Code: code, Display: display}},
		Text:   display,
	}
}

type Reference struct {
	Reference string `json:"reference,omitempty"`
	Type      string `json:"type,omitempty"`
	Display   string `json:"display,omitempty"`
}

type Identifier struct {
	Use    string           `json:"use,omitempty"`
	Type   *CodeableConcept `json:"type,omitempty"`
	System string           `json:"system,omitempty"`
	Value  string           `json:"value,omitempty"`
}

type HumanName struct {
	Use    string   `json:"use,omitempty"`
	Text   string   `json:"text,omitempty"`
	Family string   `json:"family,omitempty"`
	Given  []string `json:"given,omitempty"`
	Prefix []string `json:"prefix,omitempty"`
	Suffix []string `json:"suffix,omitempty"`
}

// Full joins every part of the name for display and substring search.
func (n HumanName) Full() string {
	if n.Text != "" {
		return n.Text
	}
	parts := make([]string, 0, len(n.Prefix)+len(n.Given)+len(n.Suffix)+1)
	parts = append(parts, n.Prefix...)
	parts = append(parts, n.Given...)
	if n.Family != "" {
		parts = append(parts, n.Family)
	}
	parts = append(parts, n.Suffix...)
	return strings.Join(parts, " ")
}

type Address struct {
	Use        string   `json:"use,omitempty"`
	Line       []string `json:"line,omitempty"`
	City       string   `json:"city,omitempty"`
	State      string   `json:"state,omitempty"`
	PostalCode string   `json:"postalCode,omitempty"`
	Country    string   `json:"country,omitempty"`
}

type ContactPoint struct {
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
	Use    string `json:"use,omitempty"`
}

type Quantity struct {
	Value  *float64 `json:"value,omitempty"`
	Unit   string   `json:"unit,omitempty"`
	System string   `json:"system,omitempty"`
	Code   string   `json:"code,omitempty"`
}

type Annotation struct {
	Text string `json:"text"`
	Time string `json:"time,omitempty"`
}

// FormatReference creates a FHIR reference string.
func FormatReference(resourceType, id string) string {
	return resourceType + "/" + id
}

// ParseReference splits a relative reference like "Patient/123" into its
// type and id. A bare id yields an empty type. Absolute URLs are reduced to
// their last two path segments.
func ParseReference(ref string) (string, string) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", ""
	}
	if i := strings.Index(ref, "/_history/"); i >= 0 {
		ref = ref[:i]
	}
	parts := strings.Split(strings.TrimRight(ref, "/"), "/")
	if len(parts) == 1 {
		return "", parts[0]
	}
	return parts[len(parts)-2], parts[len(parts)-1]
}
