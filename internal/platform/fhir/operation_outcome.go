package fhir

import "fmt"

// OperationOutcome severity levels per FHIR R4.
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// OperationOutcome issue type codes per FHIR R4.
const (
	IssueTypeInvalid      = "invalid"
	IssueTypeRequired     = "required"
	IssueTypeValue        = "value"
	IssueTypeNotFound     = "not-found"
	IssueTypeConflict     = "conflict"
	IssueTypeProcessing   = "processing"
	IssueTypeSecurity     = "security"
	IssueTypeLogin        = "login"
	IssueTypeNotSupported = "not-supported"
	IssueTypeException    = "exception"
	IssueTypeDuplicate    = "duplicate"
	IssueTypeDeleted      = "deleted"
	IssueTypeThrottled    = "throttled"
)

// OperationOutcome represents a FHIR OperationOutcome for errors.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"`
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
	Expression  []string         `json:"expression,omitempty"`
}

// NewOperationOutcome builds a single-issue outcome. The message is carried
// both as details.text and diagnostics so that clients reading either find it.
func NewOperationOutcome(severity, code, message string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{
				Severity:    severity,
				Code:        code,
				Details:     &CodeableConcept{Text: message},
				Diagnostics: message,
			},
		},
	}
}

// WithExpression attaches a FHIRPath location to the first issue.
func (o *OperationOutcome) WithExpression(expr string) *OperationOutcome {
	if expr != "" && len(o.Issue) > 0 {
		o.Issue[0].Expression = append(o.Issue[0].Expression, expr)
	}
	return o
}

func ErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeProcessing, diagnostics)
}

func NotFoundOutcome(resourceType, id string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeNotFound, resourceType+"/"+id+" not found")
}

// GoneOutcome is returned with 410 for a resource that has been deleted.
func GoneOutcome(resourceType, id string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeDeleted,
		fmt.Sprintf("%s/%s has been deleted", resourceType, id))
}

// InvalidOutcome reports a structurally invalid resource or parameter.
func InvalidOutcome(field, reason string) *OperationOutcome {
	msg := reason
	if field != "" {
		msg = field + ": " + reason
	}
	return NewOperationOutcome(IssueSeverityError, IssueTypeInvalid, msg).WithExpression(field)
}

// ValidationOutcome reports a malformed search or query parameter.
func ValidationOutcome(param, reason string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeValue,
		fmt.Sprintf("parameter %s: %s", param, reason))
}

// ConflictOutcome reports a failed If-Match precondition.
func ConflictOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeConflict, diagnostics)
}

func DuplicateOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeDuplicate, diagnostics)
}

func NotSupportedOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeNotSupported, diagnostics)
}

func InternalErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityFatal, IssueTypeException, diagnostics)
}
