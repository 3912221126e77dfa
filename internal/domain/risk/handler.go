package risk

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/screening/internal/domain/resource"
	"github.com/ehr/screening/internal/platform/auth"
)

// RecordSource loads a patient's compartment.
type RecordSource interface {
	PatientRecord(ctx context.Context, patientID string) (*resource.PatientRecord, error)
}

type Handler struct {
	records RecordSource
	scorer  *Scorer
	now     func() time.Time
}

func NewHandler(records RecordSource, scorer *Scorer) *Handler {
	return &Handler{records: records, scorer: scorer, now: time.Now}
}

func (h *Handler) SetClock(now func() time.Time) { h.now = now }

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleClinician, auth.RolePatient))
	read.GET("/patients/:id/risk", h.GetRisk, auth.RequirePatientAccess("id"))
}

// GetRisk returns the assessment and its FHIR RiskAssessment rendering.
func (h *Handler) GetRisk(c echo.Context) error {
	rec, err := h.records.PatientRecord(c.Request().Context(), c.Param("id"))
	switch {
	case errors.Is(err, resource.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "patient not found")
	case errors.Is(err, resource.ErrDeleted):
		return echo.NewHTTPError(http.StatusGone, "patient has been deleted")
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	a, err := h.scorer.Score(rec, h.now())
	if errors.Is(err, ErrInsufficientData) {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "birth date and administrative gender are required for risk scoring")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"assessment":     a,
		"riskAssessment": a.ToFHIR(),
	})
}
