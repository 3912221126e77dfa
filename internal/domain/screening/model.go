package screening

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ehr/screening/internal/platform/fhir"
)

// Status is the outcome of evaluating one rule for one patient.
type Status string

const (
	StatusUpToDate      Status = "up-to-date"
	StatusDue           Status = "due"
	StatusOverdue       Status = "overdue"
	StatusNotApplicable Status = "not-applicable"
)

type Category string

const (
	CategoryCancer         Category = "cancer"
	CategoryCardiovascular Category = "cardiovascular"
	CategoryImmunization   Category = "immunization"
	CategoryBoneHealth     Category = "bone-health"
	CategoryMetabolic      Category = "metabolic"
	CategoryOther          Category = "other"
)

func (c Category) valid() bool {
	switch c {
	case CategoryCancer, CategoryCardiovascular, CategoryImmunization,
		CategoryBoneHealth, CategoryMetabolic, CategoryOther:
		return true
	}
	return false
}

// Trigger scopes name where a patient fact was found.
const (
	ScopeCondition     = "condition"
	ScopeObservation   = "observation"
	ScopeFamilyHistory = "family-history"
	ScopeRiskFlag      = "risk-flag"
)

// Trigger matches when the patient carries any of Codes in one of Scopes.
// An empty Scopes list matches every scope.
type Trigger struct {
	Scopes []string      `json:"scopes,omitempty"`
	Codes  []fhir.Coding `json:"codes"`
}

type Eligibility struct {
	MinAge *int `json:"minAge,omitempty"`
	MaxAge *int `json:"maxAge,omitempty"`
	// Sex is "female", "male", or "" for any.
	Sex string `json:"sex,omitempty"`
	// RiskFactors, when present, require at least one to match.
	RiskFactors []Trigger `json:"riskFactors,omitempty"`
}

// RiskModifier overrides the start age and/or interval when its trigger
// matches.
type RiskModifier struct {
	Name           string  `json:"name"`
	Trigger        Trigger `json:"trigger"`
	MinAge         *int    `json:"minAge,omitempty"`
	IntervalMonths *int    `json:"intervalMonths,omitempty"`
}

type ActionKind string

const (
	ActionServiceRequest             ActionKind = "ServiceRequest"
	ActionImmunizationRecommendation ActionKind = "ImmunizationRecommendation"
)

// Action is the order template a card proposes for the rule.
type Action struct {
	Kind ActionKind  `json:"kind"`
	Code fhir.Coding `json:"code"`
}

// Rule is one guideline row. IntervalMonths == 0 marks a one-time screening.
type Rule struct {
	ID                string         `json:"id"`
	Title             string         `json:"title"`
	Category          Category       `json:"category"`
	Eligibility       Eligibility    `json:"eligibility"`
	IntervalMonths    int            `json:"intervalMonths"`
	GracePeriodMonths int            `json:"gracePeriodMonths,omitempty"`
	Modifiers         []RiskModifier `json:"modifiers,omitempty"`
	// Evidence lists the codes whose records count as a prior screening.
	Evidence  []fhir.Coding `json:"evidence"`
	Action    Action        `json:"action"`
	Guideline string        `json:"guideline,omitempty"`
}

func (r Rule) Once() bool { return r.IntervalMonths == 0 }

// Date is a calendar date serialized as YYYY-MM-DD.
type Date struct {
	time.Time
}

const dateLayout = "2006-01-02"

func NewDate(t time.Time) *Date {
	d := Date{civil(t)}
	return &d
}

func (d Date) String() string { return d.Format(dateLayout) }

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return fmt.Errorf("invalid date %q: %w", s, err)
	}
	d.Time = t
	return nil
}

// EvidenceRef points at the record that satisfied a rule.
type EvidenceRef struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
}

func (e EvidenceRef) Reference() string {
	return fhir.FormatReference(e.ResourceType, e.ID)
}

// Determination is the derived result of one rule for one patient.
type Determination struct {
	RuleID            string       `json:"ruleId"`
	Title             string       `json:"title"`
	Category          Category     `json:"category"`
	PatientID         string       `json:"patientId"`
	LastPerformedDate *Date        `json:"lastPerformedDate"`
	NextDueDate       *Date        `json:"nextDueDate"`
	Status            Status       `json:"status"`
	DaysOverdue       int          `json:"daysOverdue"`
	IntervalMonths    int          `json:"intervalMonths"`
	Evidence          *EvidenceRef `json:"evidence,omitempty"`
	AppliedModifiers  []string     `json:"appliedModifiers,omitempty"`
	Reason            string       `json:"reason,omitempty"`
	Action            Action       `json:"action"`
	Guideline         string       `json:"guideline,omitempty"`
}

// Actionable reports whether the determination should surface to a clinician.
func (d Determination) Actionable() bool {
	return d.Status == StatusDue || d.Status == StatusOverdue
}

// Evaluation is the engine output for one patient at one date.
type Evaluation struct {
	PatientID      string          `json:"patientId"`
	EvaluatedAt    Date            `json:"evaluatedAt"`
	Determinations []Determination `json:"determinations"`
}

// Statuses lists the determination statuses in order, for metrics.
func (e *Evaluation) Statuses() []string {
	out := make([]string, len(e.Determinations))
	for i, d := range e.Determinations {
		out[i] = string(d.Status)
	}
	return out
}

// Actionable returns the due and overdue determinations.
func (e *Evaluation) Actionable() []Determination {
	var out []Determination
	for _, d := range e.Determinations {
		if d.Actionable() {
			out = append(out, d)
		}
	}
	return out
}
