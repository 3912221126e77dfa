package resource

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ehr/screening/internal/platform/auth"
)

func newTestHandler() (*Handler, *Service, *echo.Echo) {
	svc, _ := newTestService()
	return NewHandler(svc, "http://localhost:8000/fhir"), svc, echo.New()
}

func clinicianCtx() context.Context {
	return auth.WithIdentity(context.Background(), "dr-1", []string{auth.RoleClinician}, "")
}

func fhirRequest(ctx context.Context, e *echo.Echo, method, target, body string, params ...string) (echo.Context, *httptest.ResponseRecorder) {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, "application/fhir+json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	var names, values []string
	for i := 0; i+1 < len(params); i += 2 {
		names = append(names, params[i])
		values = append(values, params[i+1])
	}
	c.SetParamNames(names...)
	c.SetParamValues(values...)
	return c, rec
}

func outcomeCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var oo struct {
		ResourceType string `json:"resourceType"`
		Issue        []struct {
			Code    string `json:"code"`
			Details struct {
				Text string `json:"text"`
			} `json:"details"`
		} `json:"issue"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &oo); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if oo.ResourceType != "OperationOutcome" || len(oo.Issue) == 0 || oo.Issue[0].Details.Text == "" {
		t.Fatalf("expected OperationOutcome with details, got %s", rec.Body.String())
	}
	return oo.Issue[0].Code
}

func TestHandler_CreateReadUpdate(t *testing.T) {
	h, _, e := newTestHandler()

	c, rec := fhirRequest(clinicianCtx(), e, http.MethodPost, "/fhir/Patient", `{"resourceType":"Patient","id":"p1","gender":"female","birthDate":"1975-06-01"}`, "type", "Patient")
	if err := h.Create(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if loc := rec.Header().Get("Location"); loc != "/fhir/Patient/p1/_history/1" {
		t.Errorf("unexpected Location %q", loc)
	}

	c, rec = fhirRequest(clinicianCtx(), e, http.MethodGet, "/fhir/Patient/p1", "", "type", "Patient", "id", "p1")
	if err := h.Read(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK || rec.Header().Get("ETag") != `W/"1"` {
		t.Errorf("expected 200 with ETag, got %d %q", rec.Code, rec.Header().Get("ETag"))
	}

	c, rec = fhirRequest(clinicianCtx(), e, http.MethodPut, "/fhir/Patient/p1", `{"resourceType":"Patient","gender":"female"}`, "type", "Patient", "id", "p1")
	c.Request().Header.Set("If-Match", `W/"1"`)
	if err := h.Update(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK || rec.Header().Get("ETag") != `W/"2"` {
		t.Errorf("expected 200 with version 2, got %d %q", rec.Code, rec.Header().Get("ETag"))
	}

	c, rec = fhirRequest(clinicianCtx(), e, http.MethodPut, "/fhir/Patient/p1", `{"resourceType":"Patient"}`, "type", "Patient", "id", "p1")
	c.Request().Header.Set("If-Match", `W/"1"`)
	_ = h.Update(c)
	if rec.Code != http.StatusPreconditionFailed || outcomeCode(t, rec) != "conflict" {
		t.Errorf("expected 412 conflict, got %d", rec.Code)
	}
}

func TestHandler_ErrorMapping(t *testing.T) {
	h, svc, e := newTestHandler()
	mustCreate(t, svc, testPatient("p1", "female", "1975-06-01"))
	mustCreate(t, svc, testPatient("gone", "female", "1975-06-01"))
	if err := svc.Delete(context.Background(), TypePatient, "gone"); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		call   func(echo.Context) error
		method string
		body   string
		params []string
		status int
		code   string
	}{
		{"not found", h.Read, http.MethodGet, "", []string{"type", "Patient", "id", "nope"}, http.StatusNotFound, "not-found"},
		{"gone", h.Read, http.MethodGet, "", []string{"type", "Patient", "id", "gone"}, http.StatusGone, "deleted"},
		{"unsupported", h.Read, http.MethodGet, "", []string{"type", "Encounter", "id", "x"}, http.StatusNotFound, "not-supported"},
		{"invalid", h.Create, http.MethodPost, `{"resourceType":"Observation","status":"final"}`, []string{"type", "Observation"}, http.StatusBadRequest, "invalid"},
		{"malformed json", h.Create, http.MethodPost, `{`, []string{"type", "Patient"}, http.StatusBadRequest, "invalid"},
		{"duplicate", h.Create, http.MethodPost, `{"resourceType":"Patient","id":"p1"}`, []string{"type", "Patient"}, http.StatusConflict, "duplicate"},
		{"bad search param", h.Search, http.MethodGet, "", []string{"type", "Observation"}, http.StatusBadRequest, "value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "/fhir/x"
			if tt.name == "bad search param" {
				target = "/fhir/Observation?_count=lots"
			}
			c, rec := fhirRequest(clinicianCtx(), e, tt.method, target, tt.body, tt.params...)
			if err := tt.call(c); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if rec.Code != tt.status {
				t.Errorf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
			if got := outcomeCode(t, rec); got != tt.code {
				t.Errorf("expected issue code %q, got %q", tt.code, got)
			}
		})
	}
}

func TestHandler_PatientRoleIsConfined(t *testing.T) {
	h, svc, e := newTestHandler()
	mustCreate(t, svc, testPatient("p1", "female", "1975-06-01"))
	mustCreate(t, svc, testPatient("p2", "male", "1980-01-01"))
	mustCreate(t, svc, testObservation("o1", "p1", "laboratory", "4548-4", "2024-01-01"))
	mustCreate(t, svc, testObservation("o2", "p2", "laboratory", "4548-4", "2024-01-01"))

	self := auth.WithIdentity(context.Background(), "u-1", []string{auth.RolePatient}, "p1")

	c, rec := fhirRequest(self, e, http.MethodGet, "/fhir/Observation/o2", "", "type", "Observation", "id", "o2")
	_ = h.Read(c)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for another patient's observation, got %d", rec.Code)
	}

	c, rec = fhirRequest(self, e, http.MethodGet, "/fhir/Observation?patient=p2", "", "type", "Observation")
	_ = h.Search(c)
	var bundle struct {
		Total int `json:"total"`
		Entry []struct {
			FullURL string `json:"fullUrl"`
		} `json:"entry"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &bundle); err != nil {
		t.Fatal(err)
	}
	if bundle.Total != 1 || bundle.Entry[0].FullURL != "Observation/o1" {
		t.Errorf("search escaped the caller's compartment: %s", rec.Body.String())
	}

	c, rec = fhirRequest(self, e, http.MethodGet, "/fhir/Patient/p2/$everything", "", "id", "p2")
	_ = h.Everything(c)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for $everything on another patient, got %d", rec.Code)
	}
}

func TestHandler_Everything(t *testing.T) {
	h, svc, e := newTestHandler()
	mustCreate(t, svc, testPatient("p1", "female", "1975-06-01"))
	mustCreate(t, svc, testObservation("o1", "p1", "laboratory", "4548-4", "2024-01-01"))

	c, rec := fhirRequest(clinicianCtx(), e, http.MethodGet, "/fhir/Patient/p1/$everything?_type=Observation", "", "id", "p1")
	if err := h.Everything(c); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"fullUrl":"Observation/o1"`) {
		t.Errorf("unexpected response %d %s", rec.Code, rec.Body.String())
	}

	c, rec = fhirRequest(clinicianCtx(), e, http.MethodGet, "/fhir/Patient/p1/$everything?_count=x", "", "id", "p1")
	_ = h.Everything(c)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad _count, got %d", rec.Code)
	}
}

func TestHandler_Metadata(t *testing.T) {
	h, _, e := newTestHandler()
	c, rec := fhirRequest(context.Background(), e, http.MethodGet, "/fhir/metadata", "")
	if err := h.Metadata(c); err != nil {
		t.Fatal(err)
	}
	body := rec.Body.String()
	for _, want := range []string{`"CapabilityStatement"`, `"type":"Observation"`, `"name":"clinical-status"`, `"everything"`} {
		if !strings.Contains(body, want) {
			t.Errorf("metadata missing %s", want)
		}
	}
}
