// Package risk scores ten year cardiovascular risk from a patient record
// with a fixed, versioned logistic model.
package risk

import (
	"errors"
	"fmt"

	"github.com/ehr/screening/internal/platform/fhir"
	"github.com/ehr/screening/pkg/fhirmodels"
)

// Risk categories.
const (
	CategoryLow          = "low"
	CategoryIntermediate = "intermediate"
	CategoryHigh         = "high"
)

// ErrInsufficientData is returned when the record lacks the demographics a
// model needs.
var ErrInsufficientData = errors.New("insufficient data for risk scoring")

// Factor is a binary predictor. It is present when the record holds an
// active condition or resulted observation carrying one of Codes, or an
// observation of Measure whose numeric value is at least Threshold.
type Factor struct {
	Name      string        `json:"name"`
	Weight    float64       `json:"weight"`
	Codes     []fhir.Coding `json:"codes,omitempty"`
	Measure   *fhir.Coding  `json:"measure,omitempty"`
	Threshold float64       `json:"threshold,omitempty"`
}

// Model is a logistic regression over age, sex and binary factors.
type Model struct {
	ID                    string   `json:"id"`
	Outcome               string   `json:"outcome"`
	Intercept             float64  `json:"intercept"`
	AgeWeight             float64  `json:"ageWeight"`
	MaleWeight            float64  `json:"maleWeight"`
	MinAge                int      `json:"minAge"`
	MaxAge                int      `json:"maxAge"`
	IntermediateThreshold float64  `json:"intermediateThreshold"`
	HighThreshold         float64  `json:"highThreshold"`
	Factors               []Factor `json:"factors"`
}

func snomed(code, display string) fhir.Coding {
	return fhir.Coding{System: fhirmodels.SystemSNOMED, Code: code, Display: display}
}

func loinc(code, display string) *fhir.Coding {
	return &fhir.Coding{System: fhirmodels.SystemLOINC, Code: code, Display: display}
}

// CardioV1 is the first cardiovascular model. Ages outside [MinAge, MaxAge]
// are clamped.
func CardioV1() Model {
	return Model{
		ID:                    "cardio-v1",
		Outcome:               "10 year atherosclerotic cardiovascular event",
		Intercept:             -9.0,
		AgeWeight:             0.085,
		MaleWeight:            0.45,
		MinAge:                30,
		MaxAge:                79,
		IntermediateThreshold: 0.075,
		HighThreshold:         0.20,
		Factors: []Factor{
			{
				Name:   "current or former smoker",
				Weight: 0.65,
				Codes:  []fhir.Coding{snomed("77176002", "Smoker"), snomed("8517006", "Ex-smoker"), snomed("449868002", "Smokes tobacco daily")},
			},
			{
				Name:      "diabetes",
				Weight:    0.60,
				Codes:     []fhir.Coding{snomed("44054006", "Diabetes mellitus type 2"), snomed("46635009", "Diabetes mellitus type 1")},
				Measure:   loinc("4548-4", "Hemoglobin A1c"),
				Threshold: 6.5,
			},
			{
				Name:      "hypertension",
				Weight:    0.55,
				Codes:     []fhir.Coding{snomed("38341003", "Hypertensive disorder")},
				Measure:   loinc("8480-6", "Systolic blood pressure"),
				Threshold: 140,
			},
			{
				Name:      "hyperlipidemia",
				Weight:    0.40,
				Codes:     []fhir.Coding{snomed("55822004", "Hyperlipidemia")},
				Measure:   loinc("2093-3", "Cholesterol [Mass/volume] in Serum or Plasma"),
				Threshold: 240,
			},
			{
				Name:      "obesity",
				Weight:    0.25,
				Codes:     []fhir.Coding{snomed("414916001", "Obesity")},
				Measure:   loinc("39156-5", "Body mass index"),
				Threshold: 30,
			},
		},
	}
}

// Validate checks the thresholds and age band are coherent.
func (m Model) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("model id is required")
	}
	if m.MinAge < 0 || m.MinAge > m.MaxAge {
		return fmt.Errorf("model %s: invalid age band %d-%d", m.ID, m.MinAge, m.MaxAge)
	}
	if m.IntermediateThreshold <= 0 || m.IntermediateThreshold >= m.HighThreshold || m.HighThreshold >= 1 {
		return fmt.Errorf("model %s: thresholds must satisfy 0 < intermediate < high < 1", m.ID)
	}
	for _, f := range m.Factors {
		if len(f.Codes) == 0 && f.Measure == nil {
			return fmt.Errorf("model %s: factor %q matches nothing", m.ID, f.Name)
		}
	}
	return nil
}

// Contribution is one term of the linear predictor.
type Contribution struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// Assessment is the outcome of scoring one record.
type Assessment struct {
	PatientID     string         `json:"patientId"`
	Model         string         `json:"model"`
	Outcome       string         `json:"outcome"`
	Date          string         `json:"date"`
	Age           int            `json:"age"`
	Probability   float64        `json:"probability"`
	Category      string         `json:"category"`
	Factors       []string       `json:"factors"`
	Contributions []Contribution `json:"contributions"`
	Basis         []string       `json:"basis,omitempty"`
}

// RiskAssessment is the FHIR rendering of an Assessment.
type RiskAssessment struct {
	ResourceType       string                `json:"resourceType"`
	Status             string                `json:"status"`
	Method             *fhir.CodeableConcept `json:"method,omitempty"`
	Subject            *fhir.Reference       `json:"subject"`
	OccurrenceDateTime string                `json:"occurrenceDateTime"`
	Basis              []fhir.Reference      `json:"basis,omitempty"`
	Prediction         []Prediction          `json:"prediction"`
}

type Prediction struct {
	Outcome            fhir.CodeableConcept  `json:"outcome"`
	ProbabilityDecimal float64               `json:"probabilityDecimal"`
	QualitativeRisk    *fhir.CodeableConcept `json:"qualitativeRisk,omitempty"`
}

const riskProbabilitySystem = "http://terminology.hl7.org/CodeSystem/risk-probability"

// ToFHIR renders the assessment as a final RiskAssessment.
func (a *Assessment) ToFHIR() RiskAssessment {
	qualitative := map[string]string{CategoryLow: "low", CategoryIntermediate: "moderate", CategoryHigh: "high"}[a.Category]
	ra := RiskAssessment{
		ResourceType:       "RiskAssessment",
		Status:             "final",
		Method:             &fhir.CodeableConcept{Text: a.Model},
		Subject:            &fhir.Reference{Reference: fhir.FormatReference("Patient", a.PatientID)},
		OccurrenceDateTime: a.Date,
		Prediction: []Prediction{{
			Outcome:            fhir.CodeableConcept{Text: a.Outcome},
			ProbabilityDecimal: a.Probability,
			QualitativeRisk:    &fhir.CodeableConcept{Coding: []fhir.Coding{{System: riskProbabilitySystem, Code: qualitative}}},
		}},
	}
	for _, ref := range a.Basis {
		ra.Basis = append(ra.Basis, fhir.Reference{Reference: ref})
	}
	return ra
}
