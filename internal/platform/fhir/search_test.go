package fhir

import (
	"testing"
	"time"
)

func TestParseSearchValue(t *testing.T) {
	tests := []struct {
		raw    string
		prefix SearchPrefix
		value  string
	}{
		{"gt2023-01-01", PrefixGt, "2023-01-01"},
		{"2023-01-01", PrefixEq, "2023-01-01"},
		{"LE2024", PrefixLe, "2024"},
		{"x", PrefixEq, "x"},
	}
	for _, tt := range tests {
		got := ParseSearchValue(tt.raw)
		if got.Prefix != tt.prefix || got.Value != tt.value {
			t.Errorf("ParseSearchValue(%q) = %+v", tt.raw, got)
		}
	}
}

func TestParseParamModifier(t *testing.T) {
	name, mod := ParseParamModifier("name:exact")
	if name != "name" || mod != ModifierExact {
		t.Errorf("got %q %q", name, mod)
	}
	name, mod = ParseParamModifier("code")
	if name != "code" || mod != "" {
		t.Errorf("got %q %q", name, mod)
	}
}

func TestParseDateRange_Precision(t *testing.T) {
	tests := []struct {
		in    string
		start string
		end   string
	}{
		{"2024", "2024-01-01", "2025-01-01"},
		{"2024-02", "2024-02-01", "2024-03-01"},
		{"2024-02-29", "2024-02-29", "2024-03-01"},
	}
	for _, tt := range tests {
		r, err := ParseDateRange(tt.in)
		if err != nil {
			t.Fatalf("ParseDateRange(%q): %v", tt.in, err)
		}
		if r.Start.Format("2006-01-02") != tt.start || r.End.Format("2006-01-02") != tt.end {
			t.Errorf("ParseDateRange(%q) = %s..%s", tt.in, r.Start, r.End)
		}
	}

	r, err := ParseDateRange("2024-03-10T08:30:00-05:00")
	if err != nil {
		t.Fatalf("dateTime: %v", err)
	}
	if !r.Start.Equal(time.Date(2024, 3, 10, 13, 30, 0, 0, time.UTC)) {
		t.Errorf("expected UTC normalisation, got %s", r.Start)
	}

	if _, err := ParseDateRange("March 2024"); err == nil {
		t.Error("expected error for free text")
	}
}

func TestDateSearch_Prefixes(t *testing.T) {
	tests := []struct {
		search string
		value  string
		want   bool
	}{
		{"2024", "2024-06-15", true},
		{"2024", "2023-12-31", false},
		{"2024-06", "2024-06-01T10:00:00Z", true},
		{"ne2024", "2023-05-01", true},
		{"ne2024", "2024-05-01", false},
		{"gt2024-01-01", "2024-01-02", true},
		{"gt2024-01-01", "2024-01-01", false},
		{"lt2024-01-01", "2023-12-31", true},
		{"lt2024-01-01", "2024-01-01", false},
		{"ge2024-01-01", "2024-01-01", true},
		{"ge2024-01-01", "2023-12-31", false},
		{"le2024-01-01", "2024-01-01", true},
		{"le2024-01-01", "2024-01-02", false},
		{"sa2024-01-01", "2024-01-02", true},
		{"eb2024-01-01", "2023-12-31", true},
		{"ap2024-01-10", "2024-01-11", true},
		{"ap2024-01-10", "2024-01-20", false},
		{"2024", "", false},
		{"2024", "garbage", false},
	}
	for _, tt := range tests {
		ds, err := ParseDateSearch(tt.search)
		if err != nil {
			t.Fatalf("ParseDateSearch(%q): %v", tt.search, err)
		}
		if got := ds.MatchesString(tt.value); got != tt.want {
			t.Errorf("%s vs %q = %v, want %v", tt.search, tt.value, got, tt.want)
		}
	}
}

func TestTokenSearch(t *testing.T) {
	cc := Concept("http://loinc.org", "24606-6", "MG Breast Screening")

	tests := []struct {
		raw  string
		want bool
	}{
		{"http://loinc.org|24606-6", true},
		{"24606-6", true},
		{"http://snomed.info/sct|24606-6", false},
		{"http://loinc.org|", true},
		{"|24606-6", false},
		{"1234-5", false},
	}
	for _, tt := range tests {
		if got := ParseTokenSearch(tt.raw).MatchesConcept(cc); got != tt.want {
			t.Errorf("token %q = %v, want %v", tt.raw, got, tt.want)
		}
	}

	if !ParseTokenSearch("female").MatchesCode("female") {
		t.Error("expected bare code match")
	}
	if ParseTokenSearch("http://x|female").MatchesCode("female") {
		t.Error("system-qualified token must not match a bare code")
	}
}
