package cds

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/screening/internal/domain/resource"
	"github.com/ehr/screening/internal/domain/screening"
	"github.com/ehr/screening/internal/platform/auth"
	"github.com/ehr/screening/internal/platform/events"
	"github.com/ehr/screening/internal/platform/fhir"
	"github.com/ehr/screening/internal/platform/metrics"
)

// Evaluator produces screening evaluations for a patient.
type Evaluator interface {
	EvaluatePatient(ctx context.Context, patientID string) (*screening.Evaluation, error)
}

// Creator stores confirmed resources.
type Creator interface {
	CreateResource(ctx context.Context, r resource.Resource) (resource.Resource, error)
}

type Service struct {
	evaluator Evaluator
	generator *Generator
	creator   Creator
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

func NewService(evaluator Evaluator, generator *Generator, creator Creator, publisher events.Publisher, logger zerolog.Logger) *Service {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Service{
		evaluator: evaluator,
		generator: generator,
		creator:   creator,
		publisher: publisher,
		logger:    logger.With().Str("component", "cds").Logger(),
	}
}

func (s *Service) SetMetrics(m *metrics.Metrics) { s.metrics = m }
func (s *Service) Generator() *Generator         { return s.generator }

// PatientCards evaluates the patient and returns their ranked cards.
func (s *Service) PatientCards(ctx context.Context, patientID string) ([]fhir.CDSCard, error) {
	ev, err := s.evaluator.EvaluatePatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	cards := s.generator.GenerateCards(ev.Determinations)
	for _, c := range cards {
		s.metrics.CardGenerated(c.Indicator)
	}
	s.publish(ctx, patientID, cards)
	return cards, nil
}

func (s *Service) publish(ctx context.Context, patientID string, cards []fhir.CDSCard) {
	if len(cards) == 0 {
		return
	}
	event, err := events.NewEvent(events.TypeCDSCards, "", "", patientID, map[string]interface{}{"cards": cards})
	if err == nil {
		event.ID = uuid.NewString()
		err = s.publisher.Publish(ctx, event)
	}
	if err != nil {
		s.metrics.EventFailed()
		s.logger.Warn().Err(err).Str("patient_id", patientID).Msg("failed to publish cds cards")
	}
}

// Confirm builds the creation request for the chosen suggestion and, when
// persist is set, stores it.
func (s *Service) Confirm(ctx context.Context, card fhir.CDSCard, choice string, persist bool) (*ConfirmResponse, error) {
	req, err := s.generator.ConfirmAction(card, choice)
	if err != nil {
		return nil, err
	}
	if !auth.CanAccessPatient(ctx, req.Resource.SubjectID()) {
		return nil, errForbidden
	}
	resp := &ConfirmResponse{Request: req}
	if !persist {
		return resp, nil
	}
	created, err := s.creator.CreateResource(ctx, req.Resource)
	if err != nil {
		return nil, err
	}
	resp.Created = created
	s.logger.Info().
		Str("resource_type", created.ResourceType()).
		Str("resource_id", created.GetID()).
		Str("patient_id", created.SubjectID()).
		Str("user_id", auth.UserIDFromContext(ctx)).
		Msg("card suggestion confirmed")
	return resp, nil
}

var errForbidden = errors.New("no access to this patient")

// Register installs the patient-view service and its feedback endpoint.
func (s *Service) Register(h *fhir.CDSHooksHandler) {
	h.RegisterService(fhir.CDSService{
		Hook:        fhir.HookPatientView,
		Title:       "Preventive screening reminders",
		Description: "Returns due and overdue preventive screenings for the patient in context, most urgent first.",
		ID:          PatientViewServiceID,
		Prefetch:    map[string]string{"patient": "Patient/{{context.patientId}}"},
	}, s.patientView)
	h.RegisterFeedbackHandler(PatientViewServiceID, s.feedback)
}

func (s *Service) patientView(ctx context.Context, req fhir.CDSHookRequest) (*fhir.CDSHookResponse, error) {
	patientID := req.ContextString("patientId")
	if patientID == "" {
		return nil, &fhir.HookError{Status: http.StatusBadRequest, Message: "context.patientId is required"}
	}
	if !auth.CanAccessPatient(ctx, patientID) {
		return nil, &fhir.HookError{Status: http.StatusForbidden, Message: errForbidden.Error()}
	}
	cards, err := s.PatientCards(ctx, patientID)
	switch {
	case errors.Is(err, resource.ErrNotFound):
		return nil, &fhir.HookError{Status: http.StatusNotFound, Message: "patient " + patientID + " not found"}
	case errors.Is(err, resource.ErrDeleted):
		return nil, &fhir.HookError{Status: http.StatusGone, Message: "patient " + patientID + " has been deleted"}
	case err != nil:
		return nil, err
	}
	return &fhir.CDSHookResponse{Cards: cards}, nil
}

func (s *Service) feedback(ctx context.Context, serviceID string, fb fhir.CDSFeedbackRequest) error {
	for _, f := range fb.Feedback {
		evt := s.logger.Info().
			Str("service", serviceID).
			Str("card", f.Card).
			Str("outcome", f.Outcome).
			Int("accepted_suggestions", len(f.AcceptedSuggestion)).
			Str("user_id", auth.UserIDFromContext(ctx))
		if f.OverrideReason != nil && f.OverrideReason.Reason != nil {
			evt = evt.Str("override_reason", f.OverrideReason.Reason.Code)
		}
		evt.Msg("card feedback")
	}
	return nil
}
