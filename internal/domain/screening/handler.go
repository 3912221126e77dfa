package screening

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/screening/internal/domain/resource"
	"github.com/ehr/screening/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleClinician, auth.RolePatient))
	read.GET("/patients/:id/screenings", h.GetScreenings, auth.RequirePatientAccess("id"))
	read.GET("/screening-rules", h.ListRules)
}

// GetScreenings evaluates the patient today, or on ?date=YYYY-MM-DD.
func (h *Handler) GetScreenings(c echo.Context) error {
	at := h.svc.Now()
	if raw := c.QueryParam("date"); raw != "" {
		t, err := time.Parse(dateLayout, raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "date must be YYYY-MM-DD")
		}
		at = t
	}
	ev, err := h.svc.EvaluateAt(c.Request().Context(), c.Param("id"), at)
	if err != nil {
		return patientError(err)
	}
	return c.JSON(http.StatusOK, ev)
}

func (h *Handler) ListRules(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"leadWindowDays": h.svc.Engine().LeadWindowDays(),
		"rules":          h.svc.Engine().Rules(),
	})
}

// patientError maps a record lookup failure to an HTTP error.
func patientError(err error) error {
	switch {
	case errors.Is(err, resource.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "patient not found")
	case errors.Is(err, resource.ErrDeleted):
		return echo.NewHTTPError(http.StatusGone, "patient has been deleted")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
