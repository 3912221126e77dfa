package fhir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Hook names used by registered services.
const (
	HookPatientView = "patient-view"
)

// Card indicators, most urgent first.
const (
	IndicatorCritical = "critical"
	IndicatorWarning  = "warning"
	IndicatorInfo     = "info"
)

// CDSService describes a single CDS service returned in discovery.
type CDSService struct {
	Hook        string            `json:"hook"`
	Title       string            `json:"title,omitempty"`
	Description string            `json:"description"`
	ID          string            `json:"id"`
	Prefetch    map[string]string `json:"prefetch,omitempty"`
}

// CDSHookRequest is the payload POSTed to invoke a hook.
type CDSHookRequest struct {
	Hook         string                 `json:"hook"`
	HookInstance string                 `json:"hookInstance"`
	FHIRServer   string                 `json:"fhirServer,omitempty"`
	Context      map[string]interface{} `json:"context"`
	Prefetch     map[string]interface{} `json:"prefetch,omitempty"`
}

// ContextString returns a string-valued context field, or "".
func (r CDSHookRequest) ContextString(key string) string {
	v, _ := r.Context[key].(string)
	return v
}

// CDSCard is a single card in the hook response.
type CDSCard struct {
	UUID              string                 `json:"uuid,omitempty"`
	Summary           string                 `json:"summary"`
	Detail            string                 `json:"detail,omitempty"`
	Indicator         string                 `json:"indicator"`
	Source            CDSSource              `json:"source"`
	Suggestions       []CDSSuggestion        `json:"suggestions,omitempty"`
	Links             []CDSLink              `json:"links,omitempty"`
	SelectionBehavior string                 `json:"selectionBehavior,omitempty"`
	Extension         map[string]interface{} `json:"extension,omitempty"`
}

// CDSSource identifies the source of a card.
type CDSSource struct {
	Label string     `json:"label"`
	URL   string     `json:"url,omitempty"`
	Topic *CDSCoding `json:"topic,omitempty"`
}

// CDSSuggestion is a suggested action within a card.
type CDSSuggestion struct {
	Label         string      `json:"label"`
	UUID          string      `json:"uuid,omitempty"`
	IsRecommended bool        `json:"isRecommended,omitempty"`
	Actions       []CDSAction `json:"actions,omitempty"`
}

// CDSAction is an individual action within a suggestion. Resource holds the
// proposed resource for "create" and "update" actions.
type CDSAction struct {
	Type        string          `json:"type"`
	Description string          `json:"description"`
	Resource    json.RawMessage `json:"resource,omitempty"`
}

// CDSLink is an external link within a card.
type CDSLink struct {
	Label string `json:"label"`
	URL   string `json:"url"`
	Type  string `json:"type"`
}

// CDSCoding is a code/system/display triple used in CDS Hooks.
type CDSCoding struct {
	Code    string `json:"code"`
	System  string `json:"system,omitempty"`
	Display string `json:"display,omitempty"`
}

// CDSHookResponse is returned from hook invocation.
type CDSHookResponse struct {
	Cards []CDSCard `json:"cards"`
}

// CDSFeedbackRequest records what the user did with one or more cards.
type CDSFeedbackRequest struct {
	Feedback []CDSFeedback `json:"feedback"`
}

type CDSFeedback struct {
	Card               string             `json:"card"`
	Outcome            string             `json:"outcome"`
	AcceptedSuggestion []CDSAcceptedRef   `json:"acceptedSuggestions,omitempty"`
	OverrideReason     *CDSOverrideReason `json:"overrideReason,omitempty"`
	OutcomeTimestamp   string             `json:"outcomeTimestamp,omitempty"`
}

type CDSAcceptedRef struct {
	ID string `json:"id"`
}

type CDSOverrideReason struct {
	Reason      *CDSCoding `json:"reason,omitempty"`
	UserComment string     `json:"userComment,omitempty"`
}

// HookError lets a service handler choose the HTTP status of a failure.
type HookError struct {
	Status  int
	Message string
}

func (e *HookError) Error() string { return e.Message }

// ServiceHandler processes a CDS hook request and returns cards.
type ServiceHandler func(ctx context.Context, req CDSHookRequest) (*CDSHookResponse, error)

// FeedbackHandler processes feedback for a service.
type FeedbackHandler func(ctx context.Context, serviceID string, fb CDSFeedbackRequest) error

// CDSHooksHandler implements the HL7 CDS Hooks 2.0 REST API.
type CDSHooksHandler struct {
	mu               sync.RWMutex
	services         map[string]CDSService
	handlers         map[string]ServiceHandler
	feedbackHandlers map[string]FeedbackHandler
	order            []string
	logger           zerolog.Logger
}

func NewCDSHooksHandler(logger zerolog.Logger) *CDSHooksHandler {
	return &CDSHooksHandler{
		services:         make(map[string]CDSService),
		handlers:         make(map[string]ServiceHandler),
		feedbackHandlers: make(map[string]FeedbackHandler),
		logger:           logger.With().Str("component", "cds-hooks").Logger(),
	}
}

// RegisterService registers a CDS service and its handler.
func (h *CDSHooksHandler) RegisterService(svc CDSService, handler ServiceHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.services[svc.ID]; !exists {
		h.order = append(h.order, svc.ID)
	}
	h.services[svc.ID] = svc
	h.handlers[svc.ID] = handler
}

// RegisterFeedbackHandler registers an optional feedback handler for a service.
func (h *CDSHooksHandler) RegisterFeedbackHandler(serviceID string, handler FeedbackHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.feedbackHandlers[serviceID] = handler
}

// RegisterRoutes registers CDS Hooks routes on the root Echo instance.
func (h *CDSHooksHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/cds-services", h.Discovery)
	e.POST("/cds-services/:id", h.HandleHook)
	e.POST("/cds-services/:id/feedback", h.HandleFeedback)
}

// Discovery handles GET /cds-services.
func (h *CDSHooksHandler) Discovery(c echo.Context) error {
	h.mu.RLock()
	services := make([]CDSService, 0, len(h.order))
	for _, id := range h.order {
		services = append(services, h.services[id])
	}
	h.mu.RUnlock()
	return c.JSON(http.StatusOK, map[string][]CDSService{"services": services})
}

// HandleHook handles POST /cds-services/:id.
func (h *CDSHooksHandler) HandleHook(c echo.Context) error {
	serviceID := c.Param("id")

	h.mu.RLock()
	svc, ok := h.services[serviceID]
	handler := h.handlers[serviceID]
	h.mu.RUnlock()
	if !ok {
		return c.JSON(http.StatusNotFound, NotFoundOutcome("CDS Service", serviceID))
	}

	var req CDSHookRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorOutcome(fmt.Sprintf("invalid request body: %v", err)))
	}
	if req.Hook != svc.Hook {
		return c.JSON(http.StatusBadRequest, ErrorOutcome(
			fmt.Sprintf("hook mismatch: request hook %q does not match service hook %q", req.Hook, svc.Hook),
		))
	}
	if req.HookInstance == "" {
		return c.JSON(http.StatusBadRequest, ErrorOutcome("hookInstance is required"))
	}

	resp, err := handler(c.Request().Context(), req)
	if err != nil {
		var he *HookError
		if errors.As(err, &he) {
			return c.JSON(he.Status, ErrorOutcome(he.Message))
		}
		h.logger.Error().Err(err).Str("service", serviceID).Str("hook_instance", req.HookInstance).Msg("hook failed")
		return c.JSON(http.StatusInternalServerError, InternalErrorOutcome(err.Error()))
	}
	if resp.Cards == nil {
		resp.Cards = []CDSCard{}
	}
	return c.JSON(http.StatusOK, resp)
}

// HandleFeedback handles POST /cds-services/:id/feedback.
func (h *CDSHooksHandler) HandleFeedback(c echo.Context) error {
	serviceID := c.Param("id")

	h.mu.RLock()
	_, ok := h.services[serviceID]
	handler, hasHandler := h.feedbackHandlers[serviceID]
	h.mu.RUnlock()
	if !ok {
		return c.JSON(http.StatusNotFound, NotFoundOutcome("CDS Service", serviceID))
	}

	var fb CDSFeedbackRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&fb); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorOutcome(fmt.Sprintf("invalid feedback body: %v", err)))
	}

	if hasHandler {
		if err := handler(c.Request().Context(), serviceID, fb); err != nil {
			return c.JSON(http.StatusInternalServerError, InternalErrorOutcome(err.Error()))
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
