package screening

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/screening/internal/domain/resource"
	"github.com/ehr/screening/internal/platform/fhir"
	"github.com/ehr/screening/pkg/fhirmodels"
)

// DefaultLeadWindowDays is how far ahead of the due date a screening is
// reported as due.
const DefaultLeadWindowDays = 30

// bmiCode marks a body mass index observation; values at or above
// overweightBMI count as the overweight risk factor.
var bmiCode = fhir.Coding{System: fhirmodels.SystemLOINC, Code: "39156-5"}

const overweightBMI = 25.0

// Engine evaluates a fixed rule table. It holds no per-patient state and is
// safe for concurrent use.
type Engine struct {
	rules          []Rule
	leadWindowDays int
	logger         zerolog.Logger
}

func NewEngine(rules []Rule, leadWindowDays int, logger zerolog.Logger) (*Engine, error) {
	if err := ValidateRules(rules); err != nil {
		return nil, err
	}
	if leadWindowDays < 0 {
		return nil, fmt.Errorf("lead window must not be negative, got %d", leadWindowDays)
	}
	return &Engine{
		rules:          append([]Rule(nil), rules...),
		leadWindowDays: leadWindowDays,
		logger:         logger.With().Str("component", "screening").Logger(),
	}, nil
}

// Rules returns a copy of the rule table.
func (e *Engine) Rules() []Rule {
	return append([]Rule(nil), e.rules...)
}

func (e *Engine) LeadWindowDays() int { return e.leadWindowDays }

// patientFacts are the codes on a patient's record, grouped by where they
// were found.
type patientFacts map[string][]fhir.Coding

func (f patientFacts) has(t Trigger) bool {
	scopes := t.Scopes
	if len(scopes) == 0 {
		scopes = []string{ScopeCondition, ScopeObservation, ScopeFamilyHistory, ScopeRiskFlag}
	}
	for _, scope := range scopes {
		for _, fact := range f[scope] {
			for _, want := range t.Codes {
				if fact.Matches(want) {
					return true
				}
			}
		}
	}
	return false
}

// Evaluate returns one determination per rule, in table order, for the
// record as of date at. riskFlags are extra codes matched in the risk-flag
// scope.
func (e *Engine) Evaluate(rec *resource.PatientRecord, at time.Time, riskFlags []fhir.Coding) *Evaluation {
	at = civil(at)
	ev := &Evaluation{
		PatientID:      rec.PatientID(),
		EvaluatedAt:    Date{at},
		Determinations: make([]Determination, 0, len(e.rules)),
	}

	var (
		birth    time.Time
		hasBirth bool
		sex      string
	)
	if rec.Patient != nil {
		birth, hasBirth = rec.Patient.Birth()
		switch rec.Patient.Gender {
		case fhirmodels.GenderFemale, fhirmodels.GenderMale:
			sex = rec.Patient.Gender
		}
	}
	if !hasBirth || sex == "" {
		e.logger.Warn().
			Str("patient_id", ev.PatientID).
			Bool("birth_date_known", hasBirth).
			Bool("sex_known", sex != "").
			Msg("incomplete demographics, age and sex gated rules are not applicable")
	}

	facts := collectFacts(rec, at, riskFlags)
	evidence := collectEvidence(rec, at)

	p := patientContext{
		id:       ev.PatientID,
		birth:    birth,
		hasBirth: hasBirth,
		sex:      sex,
		facts:    facts,
		evidence: evidence,
	}
	for _, rule := range e.rules {
		ev.Determinations = append(ev.Determinations, e.evaluateRule(rule, p, at))
	}

	e.logger.Debug().
		Str("patient_id", ev.PatientID).
		Str("at", ev.EvaluatedAt.String()).
		Int("actionable", len(ev.Actionable())).
		Msg("screening evaluated")
	return ev
}

type patientContext struct {
	id       string
	birth    time.Time
	hasBirth bool
	sex      string
	facts    patientFacts
	evidence []evidenceRecord
}

func (e *Engine) evaluateRule(rule Rule, p patientContext, at time.Time) Determination {
	d := Determination{
		RuleID:         rule.ID,
		Title:          rule.Title,
		Category:       rule.Category,
		PatientID:      p.id,
		IntervalMonths: rule.IntervalMonths,
		Action:         rule.Action,
		Guideline:      rule.Guideline,
	}

	minAge := rule.Eligibility.MinAge
	interval := rule.IntervalMonths
	for _, m := range rule.Modifiers {
		if !p.facts.has(m.Trigger) {
			continue
		}
		d.AppliedModifiers = append(d.AppliedModifiers, m.Name)
		if m.MinAge != nil && (minAge == nil || *m.MinAge < *minAge) {
			minAge = m.MinAge
		}
		// One-time rules stay one-time.
		if m.IntervalMonths != nil && interval > 0 && *m.IntervalMonths < interval {
			interval = *m.IntervalMonths
		}
	}
	d.IntervalMonths = interval

	if reason := eligible(rule.Eligibility, minAge, p, at); reason != "" {
		d.Status = StatusNotApplicable
		d.Reason = reason
		return d
	}

	var next time.Time
	if last := latestEvidence(p.evidence, rule.Evidence); last != nil {
		d.LastPerformedDate = NewDate(last.date)
		d.Evidence = &last.ref
		if interval == 0 {
			d.Status = StatusUpToDate
			return d
		}
		next = AddMonths(last.date, interval)
	} else if minAge != nil && p.hasBirth {
		next = AddMonths(AddMonths(p.birth, 12*(*minAge)), rule.GracePeriodMonths)
	} else {
		next = AddMonths(at, rule.GracePeriodMonths)
	}
	d.NextDueDate = NewDate(next)

	switch {
	case next.After(at.AddDate(0, 0, e.leadWindowDays)):
		d.Status = StatusUpToDate
	case !next.Before(at):
		d.Status = StatusDue
	default:
		d.Status = StatusOverdue
		d.DaysOverdue = DaysBetween(next, at)
	}
	return d
}

// eligible returns "" when the patient qualifies, else the reason they do not.
func eligible(el Eligibility, minAge *int, p patientContext, at time.Time) string {
	if minAge != nil || el.MaxAge != nil {
		if !p.hasBirth {
			return "birth date unknown"
		}
		age := AgeAt(p.birth, at)
		if minAge != nil && age < *minAge {
			return fmt.Sprintf("age %d is below the starting age of %d", age, *minAge)
		}
		if el.MaxAge != nil && age > *el.MaxAge {
			return fmt.Sprintf("age %d is above the stopping age of %d", age, *el.MaxAge)
		}
	}
	if el.Sex != "" {
		if p.sex == "" {
			return "administrative gender unknown"
		}
		if p.sex != el.Sex {
			return "guideline applies to " + el.Sex + " patients"
		}
	}
	if len(el.RiskFactors) > 0 {
		for _, rf := range el.RiskFactors {
			if p.facts.has(rf) {
				return ""
			}
		}
		return "no qualifying risk factor on record"
	}
	return ""
}

func collectFacts(rec *resource.PatientRecord, at time.Time, riskFlags []fhir.Coding) patientFacts {
	facts := patientFacts{ScopeRiskFlag: append([]fhir.Coding(nil), riskFlags...)}

	for _, c := range rec.Conditions {
		if !c.IsActive() || refuted(c) {
			continue
		}
		facts[ScopeCondition] = append(facts[ScopeCondition], c.Code.Coding...)
	}
	for _, o := range rec.Observations {
		if !o.IsResulted() {
			continue
		}
		if when, ok := recordDate(o.When()); ok && when.After(at) {
			continue
		}
		facts[ScopeObservation] = append(facts[ScopeObservation], o.Code.Coding...)
		if o.ValueCodeableConcept != nil {
			facts[ScopeObservation] = append(facts[ScopeObservation], o.ValueCodeableConcept.Coding...)
		}
		if o.Code.HasCoding(bmiCode) && o.ValueQuantity != nil && o.ValueQuantity.Value != nil && *o.ValueQuantity.Value >= overweightBMI {
			facts[ScopeObservation] = append(facts[ScopeObservation], overweight.Codes[0])
		}
	}
	for _, f := range rec.FamilyHistory {
		if f.Status == fhirmodels.FamilyHistoryEnteredInError {
			continue
		}
		for _, c := range f.Condition {
			facts[ScopeFamilyHistory] = append(facts[ScopeFamilyHistory], c.Code.Coding...)
		}
	}
	return facts
}

func refuted(c *resource.Condition) bool {
	if c.VerificationStatus == nil {
		return false
	}
	switch c.VerificationStatus.FirstCode() {
	case "refuted", "entered-in-error":
		return true
	}
	return false
}

type evidenceRecord struct {
	date  time.Time
	codes []fhir.Coding
	ref   EvidenceRef
}

// collectEvidence gathers dated, completed records on or before at.
// Conditions never count as a performed screening.
func collectEvidence(rec *resource.PatientRecord, at time.Time) []evidenceRecord {
	var out []evidenceRecord
	add := func(when string, codes []fhir.Coding, rt, id string) {
		date, ok := recordDate(when)
		if !ok || date.After(at) {
			return
		}
		out = append(out, evidenceRecord{date: date, codes: codes, ref: EvidenceRef{ResourceType: rt, ID: id}})
	}
	for _, o := range rec.Observations {
		if o.IsResulted() {
			add(o.When(), o.Code.Coding, resource.TypeObservation, o.ID)
		}
	}
	for _, im := range rec.Immunizations {
		if im.Status == fhirmodels.ImmunizationCompleted {
			add(im.OccurrenceDateTime, im.VaccineCode.Coding, resource.TypeImmunization, im.ID)
		}
	}
	for _, sr := range rec.ServiceRequests {
		if sr.Status == fhirmodels.RequestStatusCompleted && sr.Code != nil {
			add(sr.When(), sr.Code.Coding, resource.TypeServiceRequest, sr.ID)
		}
	}
	return out
}

// latestEvidence picks the most recent record carrying one of codes. Ties
// on date go to the lowest id, then resource type.
func latestEvidence(records []evidenceRecord, codes []fhir.Coding) *evidenceRecord {
	var best *evidenceRecord
	for i := range records {
		r := &records[i]
		if !anyMatch(r.codes, codes) {
			continue
		}
		if best == nil || newer(r, best) {
			best = r
		}
	}
	return best
}

func newer(a, b *evidenceRecord) bool {
	if !a.date.Equal(b.date) {
		return a.date.After(b.date)
	}
	if a.ref.ID != b.ref.ID {
		return a.ref.ID < b.ref.ID
	}
	return a.ref.ResourceType < b.ref.ResourceType
}

func anyMatch(have, want []fhir.Coding) bool {
	for _, h := range have {
		for _, w := range want {
			if h.Matches(w) {
				return true
			}
		}
	}
	return false
}

// recordDate parses a FHIR date or dateTime to its calendar date.
func recordDate(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := fhir.ParseFlexDate(s)
	if err != nil {
		return time.Time{}, false
	}
	return civil(t), true
}
