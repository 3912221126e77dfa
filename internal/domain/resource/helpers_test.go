package resource

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/screening/internal/platform/events"
	"github.com/ehr/screening/internal/platform/fhir"
	"github.com/ehr/screening/pkg/fhirmodels"
)

var testNow = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

func newTestService() (*Service, *events.Recorder) {
	rec := &events.Recorder{}
	svc := NewService(NewMemoryStore(), rec, zerolog.Nop())
	svc.SetClock(func() time.Time { return testNow })
	return svc, rec
}

func testPatient(id, gender, birthDate string) *Patient {
	return &Patient{
		Base:      Base{ID: id},
		Name:      []fhir.HumanName{{Family: "Doe", Given: []string{"Jane"}}},
		Gender:    gender,
		BirthDate: birthDate,
	}
}

func testObservation(id, patientID, category, code, date string) *Observation {
	o := &Observation{
		Base:              Base{ID: id},
		Status:            fhirmodels.ObsStatusFinal,
		Code:              fhir.Concept(fhirmodels.SystemLOINC, code, ""),
		Subject:           PatientRef(patientID),
		EffectiveDateTime: date,
	}
	if category != "" {
		o.Category = []fhir.CodeableConcept{fhir.Concept(fhirmodels.SystemObsCategory, category, "")}
	}
	return o
}

func mustCreate(t *testing.T, svc *Service, r Resource) Resource {
	t.Helper()
	out, err := svc.CreateResource(context.Background(), r)
	if err != nil {
		t.Fatalf("create %s/%s: %v", r.ResourceType(), r.GetID(), err)
	}
	return out
}
