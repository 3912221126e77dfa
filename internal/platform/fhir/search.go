package fhir

import (
	"fmt"
	"strings"
	"time"
)

// SearchPrefix represents a FHIR search prefix for ordered values.
type SearchPrefix string

const (
	PrefixEq SearchPrefix = "eq"
	PrefixNe SearchPrefix = "ne"
	PrefixGt SearchPrefix = "gt"
	PrefixLt SearchPrefix = "lt"
	PrefixGe SearchPrefix = "ge"
	PrefixLe SearchPrefix = "le"
	PrefixSa SearchPrefix = "sa" // starts after
	PrefixEb SearchPrefix = "eb" // ends before
	PrefixAp SearchPrefix = "ap" // approximately
)

// SearchModifier represents a FHIR search modifier.
type SearchModifier string

const (
	ModifierExact    SearchModifier = "exact"
	ModifierContains SearchModifier = "contains"
	ModifierNot      SearchModifier = "not"
)

// ParsedSearch holds a parsed search parameter value with its prefix.
type ParsedSearch struct {
	Prefix SearchPrefix
	Value  string
}

// ParseSearchValue extracts the prefix from a FHIR search value.
// Examples: "gt2023-01-01" -> (gt, "2023-01-01"), "100" -> (eq, "100")
func ParseSearchValue(raw string) ParsedSearch {
	if len(raw) >= 2 {
		prefix := SearchPrefix(strings.ToLower(raw[:2]))
		switch prefix {
		case PrefixEq, PrefixNe, PrefixGt, PrefixLt, PrefixGe, PrefixLe, PrefixSa, PrefixEb, PrefixAp:
			return ParsedSearch{Prefix: prefix, Value: raw[2:]}
		}
	}
	return ParsedSearch{Prefix: PrefixEq, Value: raw}
}

// ParseParamModifier splits a parameter name from its modifier.
// Examples: "name:exact" -> ("name", "exact"), "code" -> ("code", "")
func ParseParamModifier(paramName string) (string, SearchModifier) {
	parts := strings.SplitN(paramName, ":", 2)
	if len(parts) == 2 {
		return parts[0], SearchModifier(parts[1])
	}
	return parts[0], ""
}

// DateRange is the half-open instant range [Start, End) implied by a FHIR
// date or dateTime at its written precision. "2024" covers the whole year.
type DateRange struct {
	Start time.Time
	End   time.Time
}

var dateLayouts = []struct {
	layout string
	step   func(time.Time) time.Time
}{
	{time.RFC3339Nano, func(t time.Time) time.Time { return t.Add(time.Second) }},
	{"2006-01-02T15:04:05", func(t time.Time) time.Time { return t.Add(time.Second) }},
	{"2006-01-02T15:04", func(t time.Time) time.Time { return t.Add(time.Minute) }},
	{"2006-01-02", func(t time.Time) time.Time { return t.AddDate(0, 0, 1) }},
	{"2006-01", func(t time.Time) time.Time { return t.AddDate(0, 1, 0) }},
	{"2006", func(t time.Time) time.Time { return t.AddDate(1, 0, 0) }},
}

// ParseDateRange parses a FHIR date, partial date or dateTime. Values without
// a zone are read as UTC.
func ParseDateRange(s string) (DateRange, error) {
	s = strings.TrimSpace(s)
	for _, l := range dateLayouts {
		if t, err := time.Parse(l.layout, s); err == nil {
			t = t.UTC()
			return DateRange{Start: t, End: l.step(t)}, nil
		}
	}
	return DateRange{}, fmt.Errorf("unable to parse date: %q", s)
}

// ParseFlexDate parses a FHIR date value and returns its first instant.
func ParseFlexDate(s string) (time.Time, error) {
	r, err := ParseDateRange(s)
	if err != nil {
		return time.Time{}, err
	}
	return r.Start, nil
}

// DateSearch is a parsed, prefixed date search value.
type DateSearch struct {
	Prefix SearchPrefix
	Range  DateRange
}

// ParseDateSearch parses a raw date parameter value such as "ge2024-01".
func ParseDateSearch(raw string) (DateSearch, error) {
	ps := ParseSearchValue(raw)
	r, err := ParseDateRange(ps.Value)
	if err != nil {
		return DateSearch{}, err
	}
	return DateSearch{Prefix: ps.Prefix, Range: r}, nil
}

// Matches compares a resource's date range against the search range.
// eq means the ranges overlap; ge and le accept any overlap with the open
// range on their side; ap widens the search by one day on each side.
func (d DateSearch) Matches(v DateRange) bool {
	s := d.Range
	switch d.Prefix {
	case PrefixNe:
		return !(v.Start.Before(s.End) && s.Start.Before(v.End))
	case PrefixGt:
		return v.End.After(s.End)
	case PrefixSa:
		return !v.Start.Before(s.End)
	case PrefixLt:
		return v.Start.Before(s.Start)
	case PrefixEb:
		return !v.End.After(s.Start)
	case PrefixGe:
		return v.End.After(s.Start)
	case PrefixLe:
		return v.Start.Before(s.End)
	case PrefixAp:
		lo := s.Start.AddDate(0, 0, -1)
		hi := s.End.AddDate(0, 0, 1)
		return v.Start.Before(hi) && lo.Before(v.End)
	default:
		return v.Start.Before(s.End) && s.Start.Before(v.End)
	}
}

// MatchesString parses value as a FHIR date and applies Matches. Unparseable
// or empty values never match.
func (d DateSearch) MatchesString(value string) bool {
	if value == "" {
		return false
	}
	r, err := ParseDateRange(value)
	if err != nil {
		return false
	}
	return d.Matches(r)
}

// TokenSearch is a parsed token parameter: "system|code", "|code", "code"
// or "system|".
type TokenSearch struct {
	System    string
	Code      string
	HasSystem bool
}

func ParseTokenSearch(raw string) TokenSearch {
	if i := strings.Index(raw, "|"); i >= 0 {
		return TokenSearch{System: raw[:i], Code: raw[i+1:], HasSystem: true}
	}
	return TokenSearch{Code: raw}
}

// MatchesCoding applies FHIR token semantics to a single coding.
func (t TokenSearch) MatchesCoding(c Coding) bool {
	if t.HasSystem && t.System != c.System {
		return false
	}
	if t.Code == "" {
		return t.HasSystem
	}
	return strings.EqualFold(t.Code, c.Code)
}

// MatchesConcept reports whether any coding of the concept matches.
func (t TokenSearch) MatchesConcept(cc CodeableConcept) bool {
	for _, c := range cc.Coding {
		if t.MatchesCoding(c) {
			return true
		}
	}
	return false
}

// MatchesCode matches a bare code string such as Patient.gender.
func (t TokenSearch) MatchesCode(code string) bool {
	if t.HasSystem && t.System != "" {
		return false
	}
	return strings.EqualFold(t.Code, code)
}
