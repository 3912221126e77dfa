package screening

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/screening/internal/domain/resource"
	"github.com/ehr/screening/internal/platform/events"
	"github.com/ehr/screening/internal/platform/fhir"
	"github.com/ehr/screening/internal/platform/metrics"
)

// RecordSource loads a patient's compartment.
type RecordSource interface {
	PatientRecord(ctx context.Context, patientID string) (*resource.PatientRecord, error)
}

// RiskFlagger derives extra risk-factor codes from a record, such as a high
// cardiovascular risk score.
type RiskFlagger interface {
	Flags(rec *resource.PatientRecord, at time.Time) []fhir.Coding
}

type Service struct {
	records   RecordSource
	engine    *Engine
	risk      RiskFlagger
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(records RecordSource, engine *Engine, publisher events.Publisher, logger zerolog.Logger) *Service {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Service{
		records:   records,
		engine:    engine,
		publisher: publisher,
		logger:    logger.With().Str("component", "screening").Logger(),
		now:       time.Now,
	}
}

func (s *Service) SetRiskFlagger(r RiskFlagger)  { s.risk = r }
func (s *Service) SetMetrics(m *metrics.Metrics) { s.metrics = m }
func (s *Service) SetClock(now func() time.Time) { s.now = now }
func (s *Service) Engine() *Engine               { return s.engine }
func (s *Service) Now() time.Time                { return s.now() }

// EvaluatePatient evaluates every rule for the patient as of today.
func (s *Service) EvaluatePatient(ctx context.Context, patientID string) (*Evaluation, error) {
	return s.EvaluateAt(ctx, patientID, s.now())
}

// EvaluateAt evaluates the patient as of the given date.
func (s *Service) EvaluateAt(ctx context.Context, patientID string, at time.Time) (*Evaluation, error) {
	rec, err := s.records.PatientRecord(ctx, patientID)
	if err != nil {
		return nil, err
	}
	return s.EvaluateRecord(ctx, rec, at), nil
}

// EvaluateRecord evaluates an already loaded record.
func (s *Service) EvaluateRecord(ctx context.Context, rec *resource.PatientRecord, at time.Time) *Evaluation {
	start := time.Now()
	var flags []fhir.Coding
	if s.risk != nil {
		flags = s.risk.Flags(rec, at)
	}
	ev := s.engine.Evaluate(rec, at, flags)
	s.metrics.Evaluated(time.Since(start), ev.Statuses())
	s.publish(ctx, ev)
	return ev
}

func (s *Service) publish(ctx context.Context, ev *Evaluation) {
	summary := struct {
		EvaluatedAt Date            `json:"evaluatedAt"`
		Actionable  []Determination `json:"actionable"`
	}{ev.EvaluatedAt, ev.Actionable()}

	event, err := events.NewEvent(events.TypeScreeningResult, "", "", ev.PatientID, summary)
	if err == nil {
		event.ID = uuid.NewString()
		err = s.publisher.Publish(ctx, event)
	}
	if err != nil {
		s.metrics.EventFailed()
		s.logger.Warn().Err(err).Str("patient_id", ev.PatientID).Msg("failed to publish screening event")
	}
}
