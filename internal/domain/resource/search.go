package resource

import (
	"net/url"
	"sort"
	"strings"

	"github.com/ehr/screening/internal/platform/fhir"
)

// paramMatcher builds a predicate for one value of a search parameter.
// Comma-separated alternatives are OR'd by the caller.
type paramMatcher func(value string, mod fhir.SearchModifier) (Predicate, error)

type searchParam struct {
	kind  string
	match paramMatcher
	// subject marks the patient compartment parameter; a single plain value
	// becomes Query.PatientID.
	subject bool
}

var searchParams = map[string]map[string]searchParam{
	TypePatient: {
		"_id":       {kind: "token", match: idParam},
		"name":      {kind: "string", match: stringParam(patientNames)},
		"birthdate": {kind: "date", match: dateParam("birthdate", func(r Resource) string { return r.(*Patient).BirthDate })},
		"gender":    {kind: "token", match: codeParam(func(r Resource) string { return r.(*Patient).Gender })},
	},
	TypeObservation: {
		"_id":      {kind: "token", match: idParam},
		"patient":  {kind: "reference", match: subjectParam, subject: true},
		"subject":  {kind: "reference", match: subjectParam, subject: true},
		"category": {kind: "token", match: tokenParam(func(r Resource) []fhir.CodeableConcept { return r.(*Observation).Category })},
		"code":     {kind: "token", match: tokenParam(func(r Resource) []fhir.CodeableConcept { return []fhir.CodeableConcept{r.(*Observation).Code} })},
		"date":     {kind: "date", match: dateParam("date", func(r Resource) string { return r.(*Observation).When() })},
		"status":   {kind: "token", match: codeParam(func(r Resource) string { return r.(*Observation).Status })},
	},
	TypeCondition: {
		"_id":             {kind: "token", match: idParam},
		"patient":         {kind: "reference", match: subjectParam, subject: true},
		"subject":         {kind: "reference", match: subjectParam, subject: true},
		"clinical-status": {kind: "token", match: tokenParam(conditionClinicalStatus)},
		"category":        {kind: "token", match: tokenParam(func(r Resource) []fhir.CodeableConcept { return r.(*Condition).Category })},
		"code":            {kind: "token", match: tokenParam(func(r Resource) []fhir.CodeableConcept { return []fhir.CodeableConcept{r.(*Condition).Code} })},
		"onset-date":      {kind: "date", match: dateParam("onset-date", func(r Resource) string { return r.(*Condition).OnsetDateTime })},
	},
	TypeImmunization: {
		"_id":          {kind: "token", match: idParam},
		"patient":      {kind: "reference", match: subjectParam, subject: true},
		"vaccine-code": {kind: "token", match: tokenParam(func(r Resource) []fhir.CodeableConcept { return []fhir.CodeableConcept{r.(*Immunization).VaccineCode} })},
		"date":         {kind: "date", match: dateParam("date", func(r Resource) string { return r.(*Immunization).OccurrenceDateTime })},
		"status":       {kind: "token", match: codeParam(func(r Resource) string { return r.(*Immunization).Status })},
	},
	TypeFamilyMemberHistory: {
		"_id":     {kind: "token", match: idParam},
		"patient": {kind: "reference", match: subjectParam, subject: true},
		"relationship": {kind: "token", match: tokenParam(func(r Resource) []fhir.CodeableConcept {
			return []fhir.CodeableConcept{r.(*FamilyMemberHistory).Relationship}
		})},
		"code": {kind: "token", match: tokenParam(familyConditionCodes)},
	},
	TypeServiceRequest: {
		"_id":         {kind: "token", match: idParam},
		"patient":     {kind: "reference", match: subjectParam, subject: true},
		"subject":     {kind: "reference", match: subjectParam, subject: true},
		"code":        {kind: "token", match: tokenParam(serviceRequestCode)},
		"status":      {kind: "token", match: codeParam(func(r Resource) string { return r.(*ServiceRequest).Status })},
		"authored-on": {kind: "date", match: dateParam("authored-on", func(r Resource) string { return r.(*ServiceRequest).AuthoredOn })},
	},
	TypeImmunizationRecommendation: {
		"_id":          {kind: "token", match: idParam},
		"patient":      {kind: "reference", match: subjectParam, subject: true},
		"date":         {kind: "date", match: dateParam("date", func(r Resource) string { return r.(*ImmunizationRecommendation).Date })},
		"vaccine-type": {kind: "token", match: tokenParam(recommendedVaccines)},
	},
}

// SearchParams lists the supported search parameters of a type for the
// CapabilityStatement.
func SearchParams(resourceType string) []fhir.CSSearchParam {
	params := searchParams[resourceType]
	out := make([]fhir.CSSearchParam, 0, len(params))
	for name, p := range params {
		out = append(out, fhir.CSSearchParam{Name: name, Type: p.kind})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// BuildQuery turns search parameters into a Query without paging. Unknown
// parameters and result parameters (_count, _offset, _sort...) are ignored.
// Repeated parameters are AND'd; comma-separated values are OR'd.
func BuildQuery(resourceType string, values url.Values) (Query, error) {
	q := Query{ResourceType: resourceType}
	supported, ok := searchParams[resourceType]
	if !ok {
		return q, ErrUnsupported
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var preds []Predicate
	for _, key := range keys {
		name, mod := fhir.ParseParamModifier(key)
		p, ok := supported[name]
		if !ok {
			continue
		}
		for _, raw := range values[key] {
			if raw == "" {
				continue
			}
			alts := strings.Split(raw, ",")
			var alternatives []Predicate
			for _, v := range alts {
				pred, err := p.match(strings.TrimSpace(v), mod)
				if err != nil {
					return q, err
				}
				alternatives = append(alternatives, pred)
			}
			preds = append(preds, or(alternatives))
			if p.subject && len(alts) == 1 && mod == "" && q.PatientID == "" {
				if typ, id := fhir.ParseReference(raw); typ == "" || typ == TypePatient {
					q.PatientID = id
				}
			}
		}
	}
	if len(preds) > 0 {
		q.Match = and(preds)
	}
	return q, nil
}

func and(preds []Predicate) Predicate {
	return func(r Resource) bool {
		for _, p := range preds {
			if !p(r) {
				return false
			}
		}
		return true
	}
}

func or(preds []Predicate) Predicate {
	if len(preds) == 1 {
		return preds[0]
	}
	return func(r Resource) bool {
		for _, p := range preds {
			if p(r) {
				return true
			}
		}
		return false
	}
}

func negate(p Predicate, mod fhir.SearchModifier) Predicate {
	if mod != fhir.ModifierNot {
		return p
	}
	return func(r Resource) bool { return !p(r) }
}

func idParam(value string, mod fhir.SearchModifier) (Predicate, error) {
	return negate(func(r Resource) bool { return r.GetID() == value }, mod), nil
}

// subjectParam accepts "Patient/{id}" or a bare id.
func subjectParam(value string, _ fhir.SearchModifier) (Predicate, error) {
	typ, id := fhir.ParseReference(value)
	if typ != "" && typ != TypePatient {
		return func(Resource) bool { return false }, nil
	}
	return func(r Resource) bool { return id != "" && r.SubjectID() == id }, nil
}

func tokenParam(get func(Resource) []fhir.CodeableConcept) paramMatcher {
	return func(value string, mod fhir.SearchModifier) (Predicate, error) {
		tok := fhir.ParseTokenSearch(value)
		return negate(func(r Resource) bool {
			for _, cc := range get(r) {
				if tok.MatchesConcept(cc) {
					return true
				}
			}
			return false
		}, mod), nil
	}
}

func codeParam(get func(Resource) string) paramMatcher {
	return func(value string, mod fhir.SearchModifier) (Predicate, error) {
		tok := fhir.ParseTokenSearch(value)
		return negate(func(r Resource) bool { return tok.MatchesCode(get(r)) }, mod), nil
	}
}

// stringParam matches case-insensitive substrings by default and whole values
// with :exact.
func stringParam(get func(Resource) []string) paramMatcher {
	return func(value string, mod fhir.SearchModifier) (Predicate, error) {
		want := strings.ToLower(value)
		return func(r Resource) bool {
			for _, s := range get(r) {
				if mod == fhir.ModifierExact {
					if s == value {
						return true
					}
					continue
				}
				if strings.Contains(strings.ToLower(s), want) {
					return true
				}
			}
			return false
		}, nil
	}
}

func dateParam(name string, get func(Resource) string) paramMatcher {
	return func(value string, _ fhir.SearchModifier) (Predicate, error) {
		ds, err := fhir.ParseDateSearch(value)
		if err != nil {
			return nil, &ValidationError{Param: name, Reason: err.Error()}
		}
		return func(r Resource) bool { return ds.MatchesString(get(r)) }, nil
	}
}

func patientNames(r Resource) []string {
	p := r.(*Patient)
	var out []string
	for _, n := range p.Name {
		if n.Text != "" {
			out = append(out, n.Text)
		}
		if n.Family != "" {
			out = append(out, n.Family)
		}
		out = append(out, n.Given...)
		if full := n.Full(); full != "" {
			out = append(out, full)
		}
	}
	return out
}

func conditionClinicalStatus(r Resource) []fhir.CodeableConcept {
	if c := r.(*Condition); c.ClinicalStatus != nil {
		return []fhir.CodeableConcept{*c.ClinicalStatus}
	}
	return nil
}

func familyConditionCodes(r Resource) []fhir.CodeableConcept {
	f := r.(*FamilyMemberHistory)
	out := make([]fhir.CodeableConcept, len(f.Condition))
	for i, c := range f.Condition {
		out[i] = c.Code
	}
	return out
}

func serviceRequestCode(r Resource) []fhir.CodeableConcept {
	if s := r.(*ServiceRequest); s.Code != nil {
		return []fhir.CodeableConcept{*s.Code}
	}
	return nil
}

func recommendedVaccines(r Resource) []fhir.CodeableConcept {
	var out []fhir.CodeableConcept
	for _, rec := range r.(*ImmunizationRecommendation).Recommendation {
		out = append(out, rec.VaccineCode...)
	}
	return out
}
