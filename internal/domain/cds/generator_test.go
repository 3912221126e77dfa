package cds

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ehr/screening/internal/domain/resource"
	"github.com/ehr/screening/internal/domain/screening"
	"github.com/ehr/screening/internal/platform/fhir"
	"github.com/ehr/screening/pkg/fhirmodels"
)

var testNow = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

func newTestGenerator() *Generator {
	g := NewGenerator(DefaultCriticalOverdueDays)
	g.SetClock(func() time.Time { return testNow })
	return g
}

func date(s string) *screening.Date {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return screening.NewDate(t)
}

func determination(ruleID string, status screening.Status, daysOverdue int) screening.Determination {
	return screening.Determination{
		RuleID:         ruleID,
		Title:          "Screening " + ruleID,
		Category:       screening.CategoryCancer,
		PatientID:      "p1",
		Status:         status,
		DaysOverdue:    daysOverdue,
		IntervalMonths: 24,
		NextDueDate:    date("2024-06-01"),
		Action: screening.Action{
			Kind: screening.ActionServiceRequest,
			Code: fhir.Coding{System: fhirmodels.SystemSNOMED, Code: "71651007", Display: "Mammography"},
		},
	}
}

func ruleIDs(cards []fhir.CDSCard) []string {
	out := make([]string, len(cards))
	for i, c := range cards {
		out[i] = c.Source.Topic.Code
	}
	return out
}

func TestGenerateCards_FiltersAndOrders(t *testing.T) {
	g := newTestGenerator()
	cards := g.GenerateCards([]screening.Determination{
		determination("a-current", screening.StatusUpToDate, 0),
		determination("b-na", screening.StatusNotApplicable, 0),
		determination("c-due", screening.StatusDue, 0),
		determination("d-late", screening.StatusOverdue, 10),
		determination("e-very-late", screening.StatusOverdue, 400),
		determination("f-late", screening.StatusOverdue, 30),
		determination("a-late", screening.StatusOverdue, 30),
	})

	want := []string{"e-very-late", "a-late", "f-late", "d-late", "c-due"}
	got := ruleIDs(cards)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("card order = %v, want %v", got, want)
	}
	indicators := []string{fhir.IndicatorCritical, fhir.IndicatorWarning, fhir.IndicatorWarning, fhir.IndicatorWarning, fhir.IndicatorInfo}
	for i, c := range cards {
		if c.Indicator != indicators[i] {
			t.Errorf("card %s indicator = %s, want %s", got[i], c.Indicator, indicators[i])
		}
	}
}

func TestGenerateCards_NoActionableDeterminations(t *testing.T) {
	g := newTestGenerator()
	cards := g.GenerateCards([]screening.Determination{determination("x", screening.StatusUpToDate, 0)})
	if len(cards) != 0 {
		t.Errorf("expected no cards, got %d", len(cards))
	}
}

func TestIndicator_CriticalThreshold(t *testing.T) {
	g := NewGenerator(180)
	if got := g.Indicator(determination("x", screening.StatusOverdue, 180)); got != fhir.IndicatorWarning {
		t.Errorf("180 days: got %s", got)
	}
	if got := g.Indicator(determination("x", screening.StatusOverdue, 181)); got != fhir.IndicatorCritical {
		t.Errorf("181 days: got %s", got)
	}
	if NewGenerator(0).CriticalOverdueDays() != DefaultCriticalOverdueDays {
		t.Error("expected default threshold")
	}
}

func TestWhyNow(t *testing.T) {
	never := determination("mammography", screening.StatusOverdue, 14)
	detail := WhyNow(never)
	for _, want := range []string{"Never recorded.", "every 2 years", "Due since 2024-06-01, 14 days ago."} {
		if !strings.Contains(detail, want) {
			t.Errorf("detail %q missing %q", detail, want)
		}
	}

	done := determination("colorectal", screening.StatusDue, 0)
	done.LastPerformedDate = date("2019-07-01")
	done.IntervalMonths = 60
	done.AppliedModifiers = []string{"family history of colorectal cancer"}
	detail = WhyNow(done)
	for _, want := range []string{"Last performed 2019-07-01.", "every 5 years (adjusted for family history of colorectal cancer)", "Due on 2024-06-01."} {
		if !strings.Contains(detail, want) {
			t.Errorf("detail %q missing %q", detail, want)
		}
	}

	once := determination("hiv", screening.StatusDue, 0)
	once.IntervalMonths = 0
	if !strings.Contains(WhyNow(once), "Recommended once") {
		t.Errorf("one-time detail: %q", WhyNow(once))
	}
}

func TestGenerateCards_DeterministicIDs(t *testing.T) {
	g := newTestGenerator()
	d := []screening.Determination{determination("x", screening.StatusDue, 0)}
	first, second := g.GenerateCards(d), g.GenerateCards(d)
	if first[0].UUID == "" || first[0].UUID != second[0].UUID {
		t.Errorf("card ids differ: %q %q", first[0].UUID, second[0].UUID)
	}
	if first[0].Suggestions[0].UUID != second[0].Suggestions[0].UUID {
		t.Error("suggestion ids differ")
	}
	other := determination("y", screening.StatusDue, 0)
	if g.GenerateCards([]screening.Determination{other})[0].UUID == first[0].UUID {
		t.Error("different rules must produce different card ids")
	}
}

func TestGenerateCards_ServiceRequestSuggestion(t *testing.T) {
	g := newTestGenerator()
	card := g.GenerateCards([]screening.Determination{determination("mammography", screening.StatusOverdue, 10)})[0]

	if len(card.Suggestions) != 1 || len(card.Suggestions[0].Actions) != 1 {
		t.Fatalf("expected one suggestion with one action, got %+v", card.Suggestions)
	}
	action := card.Suggestions[0].Actions[0]
	if action.Type != "create" {
		t.Errorf("unexpected action type %s", action.Type)
	}
	r, err := resource.Decode(action.Resource)
	if err != nil {
		t.Fatalf("template does not decode: %v", err)
	}
	sr, ok := r.(*resource.ServiceRequest)
	if !ok {
		t.Fatalf("expected ServiceRequest template, got %T", r)
	}
	if sr.Status != fhirmodels.RequestStatusDraft || sr.Intent != fhirmodels.RequestIntentProposal {
		t.Errorf("template should be a draft proposal, got %s/%s", sr.Status, sr.Intent)
	}
	if sr.SubjectID() != "p1" || sr.Code.FirstCode() != "71651007" {
		t.Errorf("unexpected template %+v", sr)
	}
	if card.Extension[extRuleID] != "mammography" || card.Extension[extPatientID] != "p1" {
		t.Errorf("unexpected extension %v", card.Extension)
	}
}

func TestConfirmAction_ServiceRequest(t *testing.T) {
	g := newTestGenerator()
	card := g.GenerateCards([]screening.Determination{determination("mammography", screening.StatusOverdue, 10)})[0]
	choice := card.Suggestions[0].UUID

	req, err := g.ConfirmAction(card, choice)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Method != "POST" || req.URL != resource.TypeServiceRequest {
		t.Errorf("unexpected request line %s %s", req.Method, req.URL)
	}
	sr := req.Resource.(*resource.ServiceRequest)
	if sr.Status != fhirmodels.RequestStatusActive || sr.Intent != fhirmodels.RequestIntentOrder {
		t.Errorf("confirmed request should be an active order, got %s/%s", sr.Status, sr.Intent)
	}
	if sr.AuthoredOn != "2024-06-15" || sr.ID != choice {
		t.Errorf("unexpected authoredOn %q or id %q", sr.AuthoredOn, sr.ID)
	}

	again, err := g.ConfirmAction(card, choice)
	if err != nil || again.Resource.GetID() != sr.ID {
		t.Error("confirming twice should produce the same resource id")
	}
}

func TestConfirmAction_ImmunizationRecommendation(t *testing.T) {
	g := newTestGenerator()
	d := determination("influenza-vaccine", screening.StatusDue, 0)
	d.Category = screening.CategoryImmunization
	d.Action = screening.Action{
		Kind: screening.ActionImmunizationRecommendation,
		Code: fhir.Coding{System: fhirmodels.SystemCVX, Code: "88"},
	}
	card := g.GenerateCards([]screening.Determination{d})[0]

	req, err := g.ConfirmAction(card, card.Suggestions[0].UUID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ir, ok := req.Resource.(*resource.ImmunizationRecommendation)
	if !ok {
		t.Fatalf("expected ImmunizationRecommendation, got %T", req.Resource)
	}
	if ir.Date != "2024-06-15" || ir.SubjectID() != "p1" {
		t.Errorf("unexpected recommendation %+v", ir)
	}
	rec := ir.Recommendation[0]
	if rec.ForecastStatus.FirstCode() != fhirmodels.ForecastDue || rec.VaccineCode[0].FirstCode() != "88" {
		t.Errorf("unexpected recommendation entry %+v", rec)
	}
	if len(rec.DateCriterion) != 1 || rec.DateCriterion[0].Value != "2024-06-01" {
		t.Errorf("expected due date criterion, got %+v", rec.DateCriterion)
	}
}

func TestConfirmAction_Errors(t *testing.T) {
	g := newTestGenerator()
	card := g.GenerateCards([]screening.Determination{determination("x", screening.StatusDue, 0)})[0]

	if _, err := g.ConfirmAction(card, "nope"); !errors.Is(err, ErrUnknownChoice) {
		t.Errorf("expected ErrUnknownChoice, got %v", err)
	}

	card.Suggestions[0].Actions = nil
	if _, err := g.ConfirmAction(card, card.Suggestions[0].UUID); !errors.Is(err, ErrNoAction) {
		t.Errorf("expected ErrNoAction, got %v", err)
	}
}
