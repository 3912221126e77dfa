package resource

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/screening/internal/platform/auth"
	"github.com/ehr/screening/internal/platform/fhir"
)

// Handler serves the FHIR REST interactions for every supported type.
type Handler struct {
	svc     *Service
	baseURL string
}

func NewHandler(svc *Service, baseURL string) *Handler {
	return &Handler{svc: svc, baseURL: baseURL}
}

func (h *Handler) RegisterRoutes(fhirGroup *echo.Group) {
	fhirGroup.GET("/metadata", h.Metadata)

	read := fhirGroup.Group("", auth.RequireRole(auth.RoleClinician, auth.RolePatient))
	read.GET("/Patient/:id/$everything", h.Everything)
	read.GET("/:type", h.Search)
	read.GET("/:type/:id", h.Read)

	write := fhirGroup.Group("", auth.RequireRole(auth.RoleClinician))
	write.POST("/:type", h.Create)
	write.PUT("/:type/:id", h.Update)
	write.DELETE("/:type/:id", h.Delete)
}

// Metadata serves the CapabilityStatement.
func (h *Handler) Metadata(c echo.Context) error {
	resources := make([]fhir.CSResource, 0, len(SupportedTypes()))
	for _, t := range SupportedTypes() {
		resources = append(resources, fhir.ResourceCapability(t, SearchParams(t)))
	}
	return c.JSON(http.StatusOK, fhir.NewCapabilityStatement(h.baseURL, resources))
}

func (h *Handler) Create(c echo.Context) error {
	rt := c.Param("type")
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return bodyError(c, err)
	}
	r, err := h.svc.Create(c.Request().Context(), rt, body)
	if err != nil {
		return h.writeError(c, rt, "", err)
	}
	c.Response().Header().Set("Location", "/fhir/"+rt+"/"+r.GetID()+"/_history/"+VersionID(r))
	fhir.SetVersionHeaders(c, r.GetMeta())
	return c.JSON(http.StatusCreated, r)
}

func (h *Handler) Read(c echo.Context) error {
	rt, id := c.Param("type"), c.Param("id")
	r, err := h.svc.Read(c.Request().Context(), rt, id)
	if err != nil {
		return h.writeError(c, rt, id, err)
	}
	if !auth.CanAccessPatient(c.Request().Context(), compartmentID(r)) {
		return c.JSON(http.StatusForbidden, fhir.NewOperationOutcome(
			fhir.IssueSeverityError, fhir.IssueTypeSecurity, "no access to this patient's records"))
	}
	fhir.SetVersionHeaders(c, r.GetMeta())
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) Update(c echo.Context) error {
	rt, id := c.Param("type"), c.Param("id")
	ifMatch, err := fhir.IfMatch(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome(err.Error()))
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return bodyError(c, err)
	}
	r, err := h.svc.Update(c.Request().Context(), rt, id, body, ifMatch)
	if err != nil {
		return h.writeError(c, rt, id, err)
	}
	fhir.SetVersionHeaders(c, r.GetMeta())
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) Delete(c echo.Context) error {
	rt, id := c.Param("type"), c.Param("id")
	if err := h.svc.Delete(c.Request().Context(), rt, id); err != nil {
		return h.writeError(c, rt, id, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Search handles GET /fhir/:type. Patient-role callers are confined to their
// own compartment.
func (h *Handler) Search(c echo.Context) error {
	rt := c.Param("type")
	params := c.QueryParams()
	ctx := c.Request().Context()
	if !auth.HasRole(ctx, auth.RoleClinician) {
		own := auth.PatientFromContext(ctx)
		if rt == TypePatient {
			params.Set("_id", own)
		} else {
			params.Set("patient", own)
			params.Del("subject")
		}
	}
	bundle, err := h.svc.Search(ctx, rt, params)
	if err != nil {
		return h.writeError(c, rt, "", err)
	}
	return c.JSON(http.StatusOK, bundle)
}

// Everything handles GET /fhir/Patient/:id/$everything with optional _type
// and per-type _count.
func (h *Handler) Everything(c echo.Context) error {
	id := c.Param("id")
	if !auth.CanAccessPatient(c.Request().Context(), id) {
		return c.JSON(http.StatusForbidden, fhir.NewOperationOutcome(
			fhir.IssueSeverityError, fhir.IssueTypeSecurity, "no access to this patient's records"))
	}

	var types []string
	for _, t := range strings.Split(c.QueryParam("_type"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, t)
		}
	}
	perType := 0
	if raw := c.QueryParam("_count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return c.JSON(http.StatusBadRequest, fhir.ValidationOutcome("_count", "must be a non-negative integer"))
		}
		perType = n
	}

	bundle, err := h.svc.Everything(c.Request().Context(), id, types, perType)
	if err != nil {
		return h.writeError(c, TypePatient, id, err)
	}
	return c.JSON(http.StatusOK, bundle)
}

// bodyError passes the body limit's 413 through and reports any other read
// failure as a bad request.
func bodyError(c echo.Context, err error) error {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}
	return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome("failed to read request body"))
}

func (h *Handler) writeError(c echo.Context, resourceType, id string, err error) error {
	var (
		invalidErr  *InvalidResourceError
		paramErr    *ValidationError
		conflictErr *VersionConflictError
	)
	switch {
	case errors.Is(err, ErrUnsupported):
		return c.JSON(http.StatusNotFound, fhir.NotSupportedOutcome("resource type "+resourceType+" is not supported"))
	case errors.Is(err, ErrNotFound):
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome(resourceType, id))
	case errors.Is(err, ErrDeleted):
		return c.JSON(http.StatusGone, fhir.GoneOutcome(resourceType, id))
	case errors.As(err, &invalidErr):
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(invalidErr.Field, invalidErr.Reason))
	case errors.As(err, &paramErr):
		return c.JSON(http.StatusBadRequest, fhir.ValidationOutcome(paramErr.Param, paramErr.Reason))
	case errors.As(err, &conflictErr):
		return c.JSON(http.StatusPreconditionFailed, fhir.ConflictOutcome(conflictErr.Error()))
	case errors.Is(err, ErrAlreadyExists):
		return c.JSON(http.StatusConflict, fhir.DuplicateOutcome(err.Error()))
	}
	zerolog.Ctx(c.Request().Context()).Error().Err(err).
		Str("resource_type", resourceType).
		Str("id", id).
		Msg("fhir interaction failed")
	return c.JSON(http.StatusInternalServerError, fhir.InternalErrorOutcome("internal server error"))
}
