package cds

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/screening/internal/domain/resource"
	"github.com/ehr/screening/internal/platform/auth"
	"github.com/ehr/screening/internal/platform/fhir"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleClinician, auth.RolePatient))
	read.GET("/patients/:id/cards", h.GetCards, auth.RequirePatientAccess("id"))

	write := api.Group("", auth.RequireRole(auth.RoleClinician))
	write.POST("/cds/confirm", h.Confirm)
}

// GetCards returns the patient's current cards outside of a hook call.
func (h *Handler) GetCards(c echo.Context) error {
	id := c.Param("id")
	cards, err := h.svc.PatientCards(c.Request().Context(), id)
	if err != nil {
		return writeError(c, id, err)
	}
	if cards == nil {
		cards = []fhir.CDSCard{}
	}
	return c.JSON(http.StatusOK, fhir.CDSHookResponse{Cards: cards})
}

// Confirm handles POST /cds/confirm.
func (h *Handler) Confirm(c echo.Context) error {
	var req ConfirmRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome("invalid request body"))
	}
	if req.SuggestionUUID == "" {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("suggestionUuid", "required"))
	}

	resp, err := h.svc.Confirm(c.Request().Context(), req.Card, req.SuggestionUUID, req.Persist)
	if err != nil {
		return writeError(c, "", err)
	}
	if resp.Created != nil {
		c.Response().Header().Set("Location", "/fhir/"+resp.Created.ResourceType()+"/"+resp.Created.GetID())
		return c.JSON(http.StatusCreated, resp)
	}
	return c.JSON(http.StatusOK, resp)
}

func writeError(c echo.Context, patientID string, err error) error {
	var invalidErr *resource.InvalidResourceError
	switch {
	case errors.Is(err, ErrUnknownChoice), errors.Is(err, ErrNoAction):
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("suggestionUuid", err.Error()))
	case errors.As(err, &invalidErr):
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(invalidErr.Field, invalidErr.Reason))
	case errors.Is(err, errForbidden):
		return c.JSON(http.StatusForbidden, fhir.NewOperationOutcome(
			fhir.IssueSeverityError, fhir.IssueTypeSecurity, err.Error()))
	case errors.Is(err, resource.ErrNotFound):
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome(resource.TypePatient, patientID))
	case errors.Is(err, resource.ErrDeleted):
		return c.JSON(http.StatusGone, fhir.GoneOutcome(resource.TypePatient, patientID))
	case errors.Is(err, resource.ErrAlreadyExists):
		return c.JSON(http.StatusConflict, fhir.DuplicateOutcome("suggestion has already been confirmed"))
	}
	zerolog.Ctx(c.Request().Context()).Error().Err(err).Msg("cds request failed")
	return c.JSON(http.StatusInternalServerError, fhir.InternalErrorOutcome("internal server error"))
}
