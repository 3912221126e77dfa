package screening

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/screening/internal/domain/resource"
	"github.com/ehr/screening/internal/platform/fhir"
	"github.com/ehr/screening/pkg/fhirmodels"
)

var testNow = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(DefaultRules(), DefaultLeadWindowDays, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func patient(id, gender, birthDate string) *resource.Patient {
	return &resource.Patient{
		Base:      resource.Base{Type: resource.TypePatient, ID: id},
		Gender:    gender,
		BirthDate: birthDate,
	}
}

func observation(id, patientID string, code fhir.Coding, date string) *resource.Observation {
	return &resource.Observation{
		Base:              resource.Base{Type: resource.TypeObservation, ID: id},
		Status:            fhirmodels.ObsStatusFinal,
		Code:              fhir.CodeableConcept{Coding: []fhir.Coding{code}},
		Subject:           resource.PatientRef(patientID),
		EffectiveDateTime: date,
	}
}

func condition(id, patientID string, code fhir.Coding) *resource.Condition {
	return &resource.Condition{
		Base:    resource.Base{Type: resource.TypeCondition, ID: id},
		Code:    fhir.CodeableConcept{Coding: []fhir.Coding{code}},
		Subject: resource.PatientRef(patientID),
	}
}

func immunization(id, patientID string, code fhir.Coding, date string) *resource.Immunization {
	return &resource.Immunization{
		Base:               resource.Base{Type: resource.TypeImmunization, ID: id},
		Status:             fhirmodels.ImmunizationCompleted,
		VaccineCode:        fhir.CodeableConcept{Coding: []fhir.Coding{code}},
		Patient:            resource.PatientRef(patientID),
		OccurrenceDateTime: date,
	}
}

func familyHistory(id, patientID string, code fhir.Coding) *resource.FamilyMemberHistory {
	return &resource.FamilyMemberHistory{
		Base:         resource.Base{Type: resource.TypeFamilyMemberHistory, ID: id},
		Status:       fhirmodels.FamilyHistoryCompleted,
		Patient:      resource.PatientRef(patientID),
		Relationship: fhir.Concept(fhirmodels.SystemFamilyRole, "FTH", "father"),
		Condition:    []resource.FamilyMemberCondition{{Code: fhir.CodeableConcept{Coding: []fhir.Coding{code}}}},
	}
}

func find(t *testing.T, ev *Evaluation, ruleID string) Determination {
	t.Helper()
	for _, d := range ev.Determinations {
		if d.RuleID == ruleID {
			return d
		}
	}
	t.Fatalf("no determination for rule %s", ruleID)
	return Determination{}
}

func dateString(d *Date) string {
	if d == nil {
		return ""
	}
	return d.String()
}

var (
	mammogram   = fhir.Coding{System: fhirmodels.SystemLOINC, Code: "24606-6"}
	colonoscopy = fhir.Coding{System: fhirmodels.SystemSNOMED, Code: "73761001"}
	lipidPanel  = fhir.Coding{System: fhirmodels.SystemLOINC, Code: "24331-1"}
	smoker      = fhir.Coding{System: fhirmodels.SystemSNOMED, Code: "77176002"}
	colonCancer = fhir.Coding{System: fhirmodels.SystemSNOMED, Code: "363406005"}
	zosterRZV   = fhir.Coding{System: fhirmodels.SystemCVX, Code: "187"}
	bmi         = fhir.Coding{System: fhirmodels.SystemLOINC, Code: "39156-5"}
)
