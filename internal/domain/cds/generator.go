package cds

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/screening/internal/domain/resource"
	"github.com/ehr/screening/internal/domain/screening"
	"github.com/ehr/screening/internal/platform/fhir"
	"github.com/ehr/screening/pkg/fhirmodels"
)

// vaccineDueDate is the LOINC code for the date a vaccine dose is due.
var vaccineDueDate = fhir.Concept(fhirmodels.SystemLOINC, "30980-7", "Date vaccine due")

// Generator builds cards from determinations. It holds no per-request state.
type Generator struct {
	criticalOverdueDays int
	source              fhir.CDSSource
	now                 func() time.Time
}

func NewGenerator(criticalOverdueDays int) *Generator {
	if criticalOverdueDays <= 0 {
		criticalOverdueDays = DefaultCriticalOverdueDays
	}
	return &Generator{
		criticalOverdueDays: criticalOverdueDays,
		source:              fhir.CDSSource{Label: "Preventive screening engine"},
		now:                 time.Now,
	}
}

func (g *Generator) SetClock(now func() time.Time) { g.now = now }

func (g *Generator) CriticalOverdueDays() int { return g.criticalOverdueDays }

// Indicator grades a determination.
func (g *Generator) Indicator(d screening.Determination) string {
	switch {
	case d.Status == screening.StatusOverdue && d.DaysOverdue > g.criticalOverdueDays:
		return fhir.IndicatorCritical
	case d.Status == screening.StatusOverdue:
		return fhir.IndicatorWarning
	}
	return fhir.IndicatorInfo
}

type rankedCard struct {
	card        fhir.CDSCard
	severity    int
	daysOverdue int
	ruleID      string
}

func severity(indicator string) int {
	switch indicator {
	case fhir.IndicatorCritical:
		return 0
	case fhir.IndicatorWarning:
		return 1
	}
	return 2
}

// GenerateCards returns one card per due or overdue determination, most
// urgent first. Other statuses produce no card.
func (g *Generator) GenerateCards(determinations []screening.Determination) []fhir.CDSCard {
	ranked := make([]rankedCard, 0, len(determinations))
	for _, d := range determinations {
		if !d.Actionable() {
			continue
		}
		card := g.card(d)
		ranked = append(ranked, rankedCard{
			card:        card,
			severity:    severity(card.Indicator),
			daysOverdue: d.DaysOverdue,
			ruleID:      d.RuleID,
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.severity != b.severity {
			return a.severity < b.severity
		}
		if a.daysOverdue != b.daysOverdue {
			return a.daysOverdue > b.daysOverdue
		}
		return a.ruleID < b.ruleID
	})

	cards := make([]fhir.CDSCard, len(ranked))
	for i, r := range ranked {
		cards[i] = r.card
	}
	return cards
}

func (g *Generator) card(d screening.Determination) fhir.CDSCard {
	cardID := uuid.NewSHA1(cardNamespace, []byte(d.PatientID+"/"+d.RuleID+"/"+dateOrEmpty(d.NextDueDate)))
	suggestionID := uuid.NewSHA1(cardID, []byte("create"))

	src := g.source
	src.Topic = &fhir.CDSCoding{System: RuleSystem, Code: d.RuleID, Display: d.Title}

	card := fhir.CDSCard{
		UUID:      cardID.String(),
		Summary:   summary(d),
		Detail:    WhyNow(d),
		Indicator: g.Indicator(d),
		Source:    src,
		Extension: map[string]interface{}{
			extRuleID:      d.RuleID,
			extPatientID:   d.PatientID,
			extStatus:      string(d.Status),
			extDaysOverdue: d.DaysOverdue,
		},
	}

	template, label := actionTemplate(d)
	if data, err := json.Marshal(template); err == nil {
		card.Suggestions = []fhir.CDSSuggestion{{
			Label:         label,
			UUID:          suggestionID.String(),
			IsRecommended: true,
			Actions: []fhir.CDSAction{{
				Type:        "create",
				Description: label,
				Resource:    data,
			}},
		}}
	}
	return card
}

func summary(d screening.Determination) string {
	if d.Status == screening.StatusOverdue {
		return d.Title + " overdue"
	}
	return d.Title + " due"
}

// WhyNow explains a determination in one short paragraph.
func WhyNow(d screening.Determination) string {
	var b strings.Builder
	if d.LastPerformedDate != nil {
		fmt.Fprintf(&b, "Last performed %s.", d.LastPerformedDate)
	} else {
		b.WriteString("Never recorded.")
	}

	if d.IntervalMonths > 0 {
		fmt.Fprintf(&b, " Recommended every %s", monthsText(d.IntervalMonths))
	} else {
		b.WriteString(" Recommended once")
	}
	if len(d.AppliedModifiers) > 0 {
		fmt.Fprintf(&b, " (adjusted for %s)", strings.Join(d.AppliedModifiers, ", "))
	}
	b.WriteString(".")

	if d.NextDueDate != nil {
		if d.Status == screening.StatusOverdue {
			fmt.Fprintf(&b, " Due since %s, %d days ago.", d.NextDueDate, d.DaysOverdue)
		} else {
			fmt.Fprintf(&b, " Due on %s.", d.NextDueDate)
		}
	}
	if d.Guideline != "" {
		fmt.Fprintf(&b, " Source: %s.", d.Guideline)
	}
	return b.String()
}

func monthsText(months int) string {
	switch {
	case months == 1:
		return "month"
	case months == 12:
		return "year"
	case months%12 == 0:
		return fmt.Sprintf("%d years", months/12)
	}
	return fmt.Sprintf("%d months", months)
}

func dateOrEmpty(d *screening.Date) string {
	if d == nil {
		return ""
	}
	return d.String()
}

// actionTemplate returns the resource a one-tap confirmation would create,
// in its proposed state.
func actionTemplate(d screening.Determination) (resource.Resource, string) {
	code := fhir.CodeableConcept{Coding: []fhir.Coding{d.Action.Code}, Text: d.Action.Code.Display}

	if d.Action.Kind == screening.ActionImmunizationRecommendation {
		forecast := fhirmodels.ForecastDue
		if d.Status == screening.StatusOverdue {
			forecast = fhirmodels.ForecastOverdue
		}
		rec := resource.Recommendation{
			VaccineCode:    []fhir.CodeableConcept{code},
			ForecastStatus: fhir.Concept(fhirmodels.SystemForecastStatus, forecast, ""),
			Description:    d.Title,
		}
		if d.NextDueDate != nil {
			rec.DateCriterion = []resource.DateCriterion{{Code: vaccineDueDate, Value: d.NextDueDate.String()}}
		}
		return &resource.ImmunizationRecommendation{
			Base:           resource.Base{Type: resource.TypeImmunizationRecommendation},
			Patient:        resource.PatientRef(d.PatientID),
			Recommendation: []resource.Recommendation{rec},
		}, "Record " + strings.ToLower(d.Title) + " recommendation"
	}

	return &resource.ServiceRequest{
		Base:       resource.Base{Type: resource.TypeServiceRequest},
		Status:     fhirmodels.RequestStatusDraft,
		Intent:     fhirmodels.RequestIntentProposal,
		Code:       &code,
		Subject:    resource.PatientRef(d.PatientID),
		ReasonCode: []fhir.CodeableConcept{{Text: d.Title}},
	}, "Order " + strings.ToLower(d.Title)
}

// ConfirmAction turns the accepted suggestion on card into a creation
// request. The resource is activated and dated but not stored.
func (g *Generator) ConfirmAction(card fhir.CDSCard, choice string) (*ResourceCreationRequest, error) {
	var suggestion *fhir.CDSSuggestion
	for i := range card.Suggestions {
		if card.Suggestions[i].UUID == choice {
			suggestion = &card.Suggestions[i]
			break
		}
	}
	if suggestion == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChoice, choice)
	}

	for _, action := range suggestion.Actions {
		if action.Type != "create" || len(action.Resource) == 0 {
			continue
		}
		r, err := resource.Decode(action.Resource)
		if err != nil {
			return nil, err
		}
		today := g.now().UTC().Format("2006-01-02")
		switch v := r.(type) {
		case *resource.ServiceRequest:
			v.Status = fhirmodels.RequestStatusActive
			v.Intent = fhirmodels.RequestIntentOrder
			v.AuthoredOn = today
		case *resource.ImmunizationRecommendation:
			v.Date = today
		default:
			return nil, fmt.Errorf("%w: unexpected %s template", ErrNoAction, r.ResourceType())
		}
		r.SetID(suggestion.UUID)
		if err := r.Validate(); err != nil {
			return nil, err
		}
		return &ResourceCreationRequest{
			Method:   http.MethodPost,
			URL:      r.ResourceType(),
			Resource: r,
		}, nil
	}
	return nil, ErrNoAction
}
