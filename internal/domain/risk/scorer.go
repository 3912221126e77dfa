package risk

import (
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/screening/internal/domain/resource"
	"github.com/ehr/screening/internal/domain/screening"
	"github.com/ehr/screening/internal/platform/fhir"
	"github.com/ehr/screening/pkg/fhirmodels"
)

// Scorer applies one model. It is safe for concurrent use.
type Scorer struct {
	model  Model
	logger zerolog.Logger
}

func NewScorer(model Model, logger zerolog.Logger) (*Scorer, error) {
	if err := model.Validate(); err != nil {
		return nil, err
	}
	return &Scorer{model: model, logger: logger.With().Str("component", "risk").Str("model", model.ID).Logger()}, nil
}

func (s *Scorer) Model() Model { return s.model }

// Score evaluates the record as of at. Records without a birth date or a
// male/female gender return ErrInsufficientData.
func (s *Scorer) Score(rec *resource.PatientRecord, at time.Time) (*Assessment, error) {
	if rec == nil || rec.Patient == nil {
		return nil, ErrInsufficientData
	}
	birth, ok := rec.Patient.Birth()
	if !ok {
		return nil, ErrInsufficientData
	}
	switch rec.Patient.Gender {
	case fhirmodels.GenderFemale, fhirmodels.GenderMale:
	default:
		return nil, ErrInsufficientData
	}

	age := screening.AgeAt(birth, at)
	modelAge := age
	if modelAge < s.model.MinAge {
		modelAge = s.model.MinAge
	}
	if modelAge > s.model.MaxAge {
		modelAge = s.model.MaxAge
	}

	a := &Assessment{
		PatientID: rec.PatientID(),
		Model:     s.model.ID,
		Outcome:   s.model.Outcome,
		Date:      at.UTC().Format("2006-01-02"),
		Age:       age,
		Factors:   []string{},
		Contributions: []Contribution{
			{Name: "intercept", Value: s.model.Intercept},
			{Name: "age", Value: s.model.AgeWeight * float64(modelAge)},
		},
	}
	z := s.model.Intercept + s.model.AgeWeight*float64(modelAge)
	if rec.Patient.Gender == fhirmodels.GenderMale {
		z += s.model.MaleWeight
		a.Contributions = append(a.Contributions, Contribution{Name: "male sex", Value: s.model.MaleWeight})
	}

	for _, f := range s.model.Factors {
		ref, present := factorPresent(f, rec, at)
		if !present {
			continue
		}
		z += f.Weight
		a.Factors = append(a.Factors, f.Name)
		a.Contributions = append(a.Contributions, Contribution{Name: f.Name, Value: f.Weight})
		a.Basis = append(a.Basis, ref)
	}

	a.Probability = round4(1 / (1 + math.Exp(-z)))
	switch {
	case a.Probability >= s.model.HighThreshold:
		a.Category = CategoryHigh
	case a.Probability >= s.model.IntermediateThreshold:
		a.Category = CategoryIntermediate
	default:
		a.Category = CategoryLow
	}

	s.logger.Debug().
		Str("patient_id", a.PatientID).
		Float64("probability", a.Probability).
		Str("category", a.Category).
		Msg("risk scored")
	return a, nil
}

// Flags reports CardioHighRisk for high scoring records, for use as a
// screening risk factor. Unscorable records produce no flags.
func (s *Scorer) Flags(rec *resource.PatientRecord, at time.Time) []fhir.Coding {
	a, err := s.Score(rec, at)
	if err != nil || a.Category != CategoryHigh {
		return nil
	}
	return []fhir.Coding{screening.CardioHighRisk}
}

// factorPresent returns the reference of the first record that establishes
// f.
func factorPresent(f Factor, rec *resource.PatientRecord, at time.Time) (string, bool) {
	for _, c := range rec.Conditions {
		if !c.IsActive() || isRefuted(c) {
			continue
		}
		if c.Code.HasAny(f.Codes) {
			return fhir.FormatReference(resource.TypeCondition, c.ID), true
		}
	}
	for _, o := range rec.Observations {
		if !o.IsResulted() || after(o.When(), at) {
			continue
		}
		if o.Code.HasAny(f.Codes) || (o.ValueCodeableConcept != nil && o.ValueCodeableConcept.HasAny(f.Codes)) {
			return fhir.FormatReference(resource.TypeObservation, o.ID), true
		}
		if f.Measure != nil && o.Code.HasCoding(*f.Measure) && o.ValueQuantity != nil &&
			o.ValueQuantity.Value != nil && *o.ValueQuantity.Value >= f.Threshold {
			return fhir.FormatReference(resource.TypeObservation, o.ID), true
		}
	}
	return "", false
}

func isRefuted(c *resource.Condition) bool {
	if c.VerificationStatus == nil {
		return false
	}
	code := c.VerificationStatus.FirstCode()
	return code == "refuted" || code == "entered-in-error"
}

func after(when string, at time.Time) bool {
	if when == "" {
		return false
	}
	t, err := fhir.ParseFlexDate(when)
	if err != nil {
		return false
	}
	y1, m1, d1 := t.UTC().Date()
	y2, m2, d2 := at.UTC().Date()
	return time.Date(y1, m1, d1, 0, 0, 0, 0, time.UTC).After(time.Date(y2, m2, d2, 0, 0, 0, 0, time.UTC))
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
