package fhir

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestNewOperationOutcome(t *testing.T) {
	o := NewOperationOutcome(IssueSeverityError, IssueTypeInvalid, "bad input")
	if o.ResourceType != "OperationOutcome" {
		t.Errorf("expected OperationOutcome, got %s", o.ResourceType)
	}
	if len(o.Issue) != 1 {
		t.Fatalf("expected 1 issue, got %d", len(o.Issue))
	}
	issue := o.Issue[0]
	if issue.Severity != IssueSeverityError || issue.Code != IssueTypeInvalid {
		t.Errorf("unexpected issue: %+v", issue)
	}
	if issue.Diagnostics != "bad input" || issue.Details == nil || issue.Details.Text != "bad input" {
		t.Errorf("message should be carried in diagnostics and details: %+v", issue)
	}
}

func TestOutcomeHelpers(t *testing.T) {
	tests := []struct {
		name     string
		outcome  *OperationOutcome
		severity string
		code     string
		contains string
	}{
		{"error", ErrorOutcome("boom"), IssueSeverityError, IssueTypeProcessing, "boom"},
		{"not found", NotFoundOutcome("Patient", "p1"), IssueSeverityError, IssueTypeNotFound, "Patient/p1 not found"},
		{"gone", GoneOutcome("Patient", "p1"), IssueSeverityError, IssueTypeDeleted, "Patient/p1 has been deleted"},
		{"invalid", InvalidOutcome("Patient.gender", "unknown"), IssueSeverityError, IssueTypeInvalid, "Patient.gender: unknown"},
		{"validation", ValidationOutcome("_count", "must be a number"), IssueSeverityError, IssueTypeValue, "parameter _count"},
		{"conflict", ConflictOutcome("version mismatch"), IssueSeverityError, IssueTypeConflict, "version mismatch"},
		{"duplicate", DuplicateOutcome("exists"), IssueSeverityError, IssueTypeDuplicate, "exists"},
		{"not supported", NotSupportedOutcome("Encounter"), IssueSeverityError, IssueTypeNotSupported, "Encounter"},
		{"internal", InternalErrorOutcome("db down"), IssueSeverityFatal, IssueTypeException, "db down"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issue := tt.outcome.Issue[0]
			if issue.Severity != tt.severity {
				t.Errorf("severity: expected %s, got %s", tt.severity, issue.Severity)
			}
			if issue.Code != tt.code {
				t.Errorf("code: expected %s, got %s", tt.code, issue.Code)
			}
			if !strings.Contains(issue.Diagnostics, tt.contains) {
				t.Errorf("diagnostics %q should contain %q", issue.Diagnostics, tt.contains)
			}
		})
	}
}

func TestInvalidOutcome_Expression(t *testing.T) {
	o := InvalidOutcome("Observation.code", "required")
	if len(o.Issue[0].Expression) != 1 || o.Issue[0].Expression[0] != "Observation.code" {
		t.Errorf("expected expression, got %v", o.Issue[0].Expression)
	}

	o = InvalidOutcome("", "malformed JSON")
	if len(o.Issue[0].Expression) != 0 {
		t.Errorf("empty field should add no expression, got %v", o.Issue[0].Expression)
	}
	if o.Issue[0].Diagnostics != "malformed JSON" {
		t.Errorf("unexpected diagnostics: %s", o.Issue[0].Diagnostics)
	}
}

func TestOperationOutcome_JSON(t *testing.T) {
	data, err := json.Marshal(NotFoundOutcome("Patient", "x"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	issue := m["issue"].([]interface{})[0].(map[string]interface{})
	if issue["code"] != "not-found" {
		t.Errorf("expected not-found, got %v", issue["code"])
	}
	if _, ok := issue["expression"]; ok {
		t.Error("expression should be omitted when empty")
	}
}
