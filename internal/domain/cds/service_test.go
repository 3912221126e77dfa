package cds

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/screening/internal/domain/resource"
	"github.com/ehr/screening/internal/domain/screening"
	"github.com/ehr/screening/internal/platform/auth"
	"github.com/ehr/screening/internal/platform/events"
	"github.com/ehr/screening/internal/platform/fhir"
	"github.com/ehr/screening/internal/platform/metrics"
	"github.com/ehr/screening/pkg/fhirmodels"
)

type fixture struct {
	svc     *Service
	records *resource.Service
	events  *events.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	records := resource.NewService(resource.NewMemoryStore(), events.Nop{}, zerolog.Nop())
	engine, err := screening.NewEngine(screening.DefaultRules(), screening.DefaultLeadWindowDays, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	evaluator := screening.NewService(records, engine, events.Nop{}, zerolog.Nop())
	evaluator.SetClock(func() time.Time { return testNow })

	rec := &events.Recorder{}
	svc := NewService(evaluator, newTestGenerator(), records, rec, zerolog.Nop())
	svc.SetMetrics(metrics.New())

	ctx := context.Background()
	for _, r := range []resource.Resource{
		&resource.Patient{Base: resource.Base{ID: "p1"}, Gender: fhirmodels.GenderFemale, BirthDate: "1975-06-01"},
		&resource.Patient{Base: resource.Base{ID: "p2"}, Gender: fhirmodels.GenderMale, BirthDate: "1994-01-01"},
	} {
		if _, err := records.CreateResource(ctx, r); err != nil {
			t.Fatal(err)
		}
	}
	return &fixture{svc: svc, records: records, events: rec}
}

func clinician() context.Context {
	return auth.WithIdentity(context.Background(), "dr-1", []string{auth.RoleClinician}, "")
}

func TestService_PatientCards(t *testing.T) {
	f := newFixture(t)
	cards, err := f.svc.PatientCards(clinician(), "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cards) == 0 {
		t.Fatal("expected cards for a 49 year old with no history")
	}
	if cards[0].Indicator != fhir.IndicatorCritical {
		t.Errorf("most urgent card should be critical, got %s", cards[0].Indicator)
	}
	for _, c := range cards {
		switch c.Source.Topic.Code {
		case "lung-ldct", "aaa-ultrasound", "osteoporosis-dxa":
			t.Errorf("no card expected for %s", c.Source.Topic.Code)
		}
	}

	published := f.events.OfType(events.TypeCDSCards)
	if len(published) != 1 || published[0].PatientID != "p1" {
		t.Errorf("expected one cds.cards event, got %+v", published)
	}
}

func TestService_PatientCards_UnknownPatient(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.PatientCards(clinician(), "ghost"); !errors.Is(err, resource.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestService_ConfirmPersists(t *testing.T) {
	f := newFixture(t)
	cards, err := f.svc.PatientCards(clinician(), "p1")
	if err != nil {
		t.Fatal(err)
	}
	card := cards[0]
	choice := card.Suggestions[0].UUID

	resp, err := f.svc.Confirm(clinician(), card, choice, false)
	if err != nil || resp.Created != nil {
		t.Fatalf("dry run: %+v %v", resp, err)
	}
	if _, err := f.records.Read(clinician(), resp.Request.URL, choice); !errors.Is(err, resource.ErrNotFound) {
		t.Errorf("dry run must not store anything, got %v", err)
	}

	resp, err = f.svc.Confirm(clinician(), card, choice, true)
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	if resp.Created == nil || resource.VersionID(resp.Created) != "1" {
		t.Fatalf("expected stored resource at version 1, got %+v", resp.Created)
	}
	if _, err := f.records.Read(clinician(), resp.Created.ResourceType(), resp.Created.GetID()); err != nil {
		t.Errorf("confirmed resource not readable: %v", err)
	}

	if _, err := f.svc.Confirm(clinician(), card, choice, true); !errors.Is(err, resource.ErrAlreadyExists) {
		t.Errorf("second confirmation should be a duplicate, got %v", err)
	}
}

func TestService_ConfirmRespectsPatientAccess(t *testing.T) {
	f := newFixture(t)
	cards, err := f.svc.PatientCards(clinician(), "p1")
	if err != nil {
		t.Fatal(err)
	}
	other := auth.WithIdentity(context.Background(), "u2", []string{auth.RolePatient}, "p2")
	if _, err := f.svc.Confirm(other, cards[0], cards[0].Suggestions[0].UUID, false); !errors.Is(err, errForbidden) {
		t.Errorf("expected forbidden, got %v", err)
	}
}

func hookCall(t *testing.T, h *fhir.CDSHooksHandler, ctx context.Context, body string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/cds-services/"+PatientViewServiceID, bytes.NewBufferString(body)).WithContext(ctx)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(PatientViewServiceID)
	if err := h.HandleHook(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return rec
}

func TestPatientViewHook(t *testing.T) {
	f := newFixture(t)
	h := fhir.NewCDSHooksHandler(zerolog.Nop())
	f.svc.Register(h)

	rec := hookCall(t, h, clinician(), `{"hook":"patient-view","hookInstance":"i1","context":{"patientId":"p1"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp fhir.CDSHookResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Cards) == 0 {
		t.Error("expected cards")
	}

	tests := []struct {
		name   string
		ctx    context.Context
		body   string
		status int
	}{
		{"missing patient", clinician(), `{"hook":"patient-view","hookInstance":"i2","context":{}}`, http.StatusBadRequest},
		{"unknown patient", clinician(), `{"hook":"patient-view","hookInstance":"i3","context":{"patientId":"ghost"}}`, http.StatusNotFound},
		{"other patient", auth.WithIdentity(context.Background(), "u2", []string{auth.RolePatient}, "p2"),
			`{"hook":"patient-view","hookInstance":"i4","context":{"patientId":"p1"}}`, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := hookCall(t, h, tt.ctx, tt.body); rec.Code != tt.status {
				t.Errorf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestPatientViewFeedback(t *testing.T) {
	f := newFixture(t)
	h := fhir.NewCDSHooksHandler(zerolog.Nop())
	f.svc.Register(h)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/cds-services/patient-view/feedback",
		bytes.NewBufferString(`{"feedback":[{"card":"c1","outcome":"overridden","overrideReason":{"reason":{"code":"patient-declined"}}}]}`))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(PatientViewServiceID)
	if err := h.HandleFeedback(c); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}
