package resource

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ehr/screening/internal/platform/fhir"
	"github.com/ehr/screening/pkg/fhirmodels"
)

// Supported resource types.
const (
	TypePatient                    = "Patient"
	TypeObservation                = "Observation"
	TypeCondition                  = "Condition"
	TypeImmunization               = "Immunization"
	TypeFamilyMemberHistory        = "FamilyMemberHistory"
	TypeServiceRequest             = "ServiceRequest"
	TypeImmunizationRecommendation = "ImmunizationRecommendation"
)

// compartmentOrder is the $everything entry order after the Patient.
var compartmentOrder = []string{
	TypeObservation,
	TypeCondition,
	TypeImmunization,
	TypeFamilyMemberHistory,
	TypeServiceRequest,
	TypeImmunizationRecommendation,
}

// SupportedTypes lists every resource type the store accepts, Patient first.
func SupportedTypes() []string {
	return append([]string{TypePatient}, compartmentOrder...)
}

func IsSupported(resourceType string) bool {
	for _, t := range SupportedTypes() {
		if t == resourceType {
			return true
		}
	}
	return false
}

// Resource is implemented by every stored FHIR resource.
type Resource interface {
	ResourceType() string
	GetID() string
	SetID(id string)
	GetMeta() *fhir.Meta
	SetMeta(meta *fhir.Meta)
	// SubjectID is the id of the Patient the resource belongs to, or "" for
	// a Patient itself.
	SubjectID() string
	Validate() error
}

// Base holds the elements shared by every resource.
type Base struct {
	Type string     `json:"resourceType"`
	ID   string     `json:"id,omitempty"`
	Meta *fhir.Meta `json:"meta,omitempty"`
}

func (b *Base) GetID() string               { return b.ID }
func (b *Base) SetID(id string)             { b.ID = id }
func (b *Base) GetMeta() *fhir.Meta         { return b.Meta }
func (b *Base) SetMeta(meta *fhir.Meta)     { b.Meta = meta }
func (b *Base) setType(resourceType string) { b.Type = resourceType }

// LastUpdated returns meta.lastUpdated or the zero time.
func LastUpdated(r Resource) time.Time {
	if m := r.GetMeta(); m != nil && m.LastUpdated != nil {
		return *m.LastUpdated
	}
	return time.Time{}
}

// VersionID returns meta.versionId or "".
func VersionID(r Resource) string {
	if m := r.GetMeta(); m != nil {
		return m.VersionID
	}
	return ""
}

type Patient struct {
	Base
	Identifier []fhir.Identifier   `json:"identifier,omitempty"`
	Active     *bool               `json:"active,omitempty"`
	Name       []fhir.HumanName    `json:"name,omitempty"`
	Telecom    []fhir.ContactPoint `json:"telecom,omitempty"`
	Gender     string              `json:"gender,omitempty"`
	BirthDate  string              `json:"birthDate,omitempty"`
	Address    []fhir.Address      `json:"address,omitempty"`
}

func (p *Patient) ResourceType() string { return TypePatient }
func (p *Patient) SubjectID() string    { return "" }

// Birth returns the parsed birth date.
func (p *Patient) Birth() (time.Time, bool) {
	if p.BirthDate == "" {
		return time.Time{}, false
	}
	t, err := fhir.ParseFlexDate(p.BirthDate)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (p *Patient) Validate() error {
	switch p.Gender {
	case "", fhirmodels.GenderMale, fhirmodels.GenderFemale, fhirmodels.GenderOther, fhirmodels.GenderUnknown:
	default:
		return invalid("Patient.gender", fmt.Sprintf("unknown administrative gender %q", p.Gender))
	}
	if p.BirthDate != "" {
		if _, err := fhir.ParseDateRange(p.BirthDate); err != nil {
			return invalid("Patient.birthDate", err.Error())
		}
	}
	return nil
}

type Observation struct {
	Base
	Status               string                 `json:"status"`
	Category             []fhir.CodeableConcept `json:"category,omitempty"`
	Code                 fhir.CodeableConcept   `json:"code"`
	Subject              *fhir.Reference        `json:"subject,omitempty"`
	EffectiveDateTime    string                 `json:"effectiveDateTime,omitempty"`
	Issued               string                 `json:"issued,omitempty"`
	ValueQuantity        *fhir.Quantity         `json:"valueQuantity,omitempty"`
	ValueCodeableConcept *fhir.CodeableConcept  `json:"valueCodeableConcept,omitempty"`
	ValueString          string                 `json:"valueString,omitempty"`
	ValueBoolean         *bool                  `json:"valueBoolean,omitempty"`
	Interpretation       []fhir.CodeableConcept `json:"interpretation,omitempty"`
	Note                 []fhir.Annotation      `json:"note,omitempty"`
}

func (o *Observation) ResourceType() string { return TypeObservation }
func (o *Observation) SubjectID() string    { return referenceID(o.Subject) }

// When returns the clinically relevant date: effective, else issued.
func (o *Observation) When() string {
	if o.EffectiveDateTime != "" {
		return o.EffectiveDateTime
	}
	return o.Issued
}

// IsResulted reports whether the observation carries a usable result.
func (o *Observation) IsResulted() bool {
	switch o.Status {
	case fhirmodels.ObsStatusFinal, fhirmodels.ObsStatusAmended, fhirmodels.ObsStatusCorrected:
		return true
	}
	return false
}

var observationStatuses = map[string]bool{
	fhirmodels.ObsStatusRegistered: true, fhirmodels.ObsStatusPreliminary: true,
	fhirmodels.ObsStatusFinal: true, fhirmodels.ObsStatusAmended: true,
	fhirmodels.ObsStatusCorrected: true, fhirmodels.ObsStatusCancelled: true,
	fhirmodels.ObsStatusEnteredInError: true, fhirmodels.ObsStatusUnknown: true,
}

func (o *Observation) Validate() error {
	if o.Status == "" {
		return invalid("Observation.status", "required")
	}
	if !observationStatuses[o.Status] {
		return invalid("Observation.status", fmt.Sprintf("unknown status %q", o.Status))
	}
	if o.Code.IsEmpty() {
		return invalid("Observation.code", "required")
	}
	if err := requirePatientRef("Observation.subject", o.Subject); err != nil {
		return err
	}
	return validDates(
		"Observation.effectiveDateTime", o.EffectiveDateTime,
		"Observation.issued", o.Issued,
	)
}

type Condition struct {
	Base
	ClinicalStatus     *fhir.CodeableConcept  `json:"clinicalStatus,omitempty"`
	VerificationStatus *fhir.CodeableConcept  `json:"verificationStatus,omitempty"`
	Category           []fhir.CodeableConcept `json:"category,omitempty"`
	Severity           *fhir.CodeableConcept  `json:"severity,omitempty"`
	Code               fhir.CodeableConcept   `json:"code"`
	Subject            *fhir.Reference        `json:"subject,omitempty"`
	OnsetDateTime      string                 `json:"onsetDateTime,omitempty"`
	AbatementDateTime  string                 `json:"abatementDateTime,omitempty"`
	RecordedDate       string                 `json:"recordedDate,omitempty"`
	Note               []fhir.Annotation      `json:"note,omitempty"`
}

func (c *Condition) ResourceType() string { return TypeCondition }
func (c *Condition) SubjectID() string    { return referenceID(c.Subject) }

// IsActive treats a missing clinical status as active.
func (c *Condition) IsActive() bool {
	if c.ClinicalStatus == nil {
		return true
	}
	switch c.ClinicalStatus.FirstCode() {
	case "", fhirmodels.ConditionActive, fhirmodels.ConditionRecurrence, fhirmodels.ConditionRelapse:
		return true
	}
	return false
}

func (c *Condition) Validate() error {
	if c.Code.IsEmpty() {
		return invalid("Condition.code", "required")
	}
	if err := requirePatientRef("Condition.subject", c.Subject); err != nil {
		return err
	}
	return validDates(
		"Condition.onsetDateTime", c.OnsetDateTime,
		"Condition.abatementDateTime", c.AbatementDateTime,
		"Condition.recordedDate", c.RecordedDate,
	)
}

type Immunization struct {
	Base
	Status             string               `json:"status"`
	VaccineCode        fhir.CodeableConcept `json:"vaccineCode"`
	Patient            *fhir.Reference      `json:"patient,omitempty"`
	OccurrenceDateTime string               `json:"occurrenceDateTime,omitempty"`
	PrimarySource      *bool                `json:"primarySource,omitempty"`
	LotNumber          string               `json:"lotNumber,omitempty"`
	Note               []fhir.Annotation    `json:"note,omitempty"`
}

func (i *Immunization) ResourceType() string { return TypeImmunization }
func (i *Immunization) SubjectID() string    { return referenceID(i.Patient) }

func (i *Immunization) Validate() error {
	switch i.Status {
	case fhirmodels.ImmunizationCompleted, fhirmodels.ImmunizationEnteredInError, fhirmodels.ImmunizationNotDone:
	case "":
		return invalid("Immunization.status", "required")
	default:
		return invalid("Immunization.status", fmt.Sprintf("unknown status %q", i.Status))
	}
	if i.VaccineCode.IsEmpty() {
		return invalid("Immunization.vaccineCode", "required")
	}
	if err := requirePatientRef("Immunization.patient", i.Patient); err != nil {
		return err
	}
	if i.OccurrenceDateTime == "" {
		return invalid("Immunization.occurrenceDateTime", "required")
	}
	return validDates("Immunization.occurrenceDateTime", i.OccurrenceDateTime)
}

type FamilyMemberCondition struct {
	Code    fhir.CodeableConcept  `json:"code"`
	Outcome *fhir.CodeableConcept `json:"outcome,omitempty"`
	// OnsetAge is in years.
	OnsetAge *fhir.Quantity `json:"onsetAge,omitempty"`
}

type FamilyMemberHistory struct {
	Base
	Status       string                  `json:"status"`
	Patient      *fhir.Reference         `json:"patient,omitempty"`
	Date         string                  `json:"date,omitempty"`
	Name         string                  `json:"name,omitempty"`
	Relationship fhir.CodeableConcept    `json:"relationship"`
	Sex          *fhir.CodeableConcept   `json:"sex,omitempty"`
	Condition    []FamilyMemberCondition `json:"condition,omitempty"`
}

func (f *FamilyMemberHistory) ResourceType() string { return TypeFamilyMemberHistory }
func (f *FamilyMemberHistory) SubjectID() string    { return referenceID(f.Patient) }

func (f *FamilyMemberHistory) Validate() error {
	switch f.Status {
	case fhirmodels.FamilyHistoryPartial, fhirmodels.FamilyHistoryCompleted,
		fhirmodels.FamilyHistoryEnteredInError, fhirmodels.FamilyHistoryHealthUnknown:
	case "":
		return invalid("FamilyMemberHistory.status", "required")
	default:
		return invalid("FamilyMemberHistory.status", fmt.Sprintf("unknown status %q", f.Status))
	}
	if err := requirePatientRef("FamilyMemberHistory.patient", f.Patient); err != nil {
		return err
	}
	if f.Relationship.IsEmpty() {
		return invalid("FamilyMemberHistory.relationship", "required")
	}
	for i, c := range f.Condition {
		if c.Code.IsEmpty() {
			return invalid(fmt.Sprintf("FamilyMemberHistory.condition[%d].code", i), "required")
		}
	}
	return validDates("FamilyMemberHistory.date", f.Date)
}

type ServiceRequest struct {
	Base
	Status             string                 `json:"status"`
	Intent             string                 `json:"intent"`
	Category           []fhir.CodeableConcept `json:"category,omitempty"`
	Code               *fhir.CodeableConcept  `json:"code,omitempty"`
	Subject            *fhir.Reference        `json:"subject,omitempty"`
	AuthoredOn         string                 `json:"authoredOn,omitempty"`
	OccurrenceDateTime string                 `json:"occurrenceDateTime,omitempty"`
	ReasonCode         []fhir.CodeableConcept `json:"reasonCode,omitempty"`
	Note               []fhir.Annotation      `json:"note,omitempty"`
}

func (s *ServiceRequest) ResourceType() string { return TypeServiceRequest }
func (s *ServiceRequest) SubjectID() string    { return referenceID(s.Subject) }

// When returns the performed date, else the authored date.
func (s *ServiceRequest) When() string {
	if s.OccurrenceDateTime != "" {
		return s.OccurrenceDateTime
	}
	return s.AuthoredOn
}

func (s *ServiceRequest) Validate() error {
	if s.Status == "" {
		return invalid("ServiceRequest.status", "required")
	}
	if s.Intent == "" {
		return invalid("ServiceRequest.intent", "required")
	}
	if s.Code == nil || s.Code.IsEmpty() {
		return invalid("ServiceRequest.code", "required")
	}
	if err := requirePatientRef("ServiceRequest.subject", s.Subject); err != nil {
		return err
	}
	return validDates(
		"ServiceRequest.authoredOn", s.AuthoredOn,
		"ServiceRequest.occurrenceDateTime", s.OccurrenceDateTime,
	)
}

type DateCriterion struct {
	Code  fhir.CodeableConcept `json:"code"`
	Value string               `json:"value"`
}

type Recommendation struct {
	VaccineCode    []fhir.CodeableConcept `json:"vaccineCode,omitempty"`
	ForecastStatus fhir.CodeableConcept   `json:"forecastStatus"`
	DateCriterion  []DateCriterion        `json:"dateCriterion,omitempty"`
	Description    string                 `json:"description,omitempty"`
}

type ImmunizationRecommendation struct {
	Base
	Patient        *fhir.Reference  `json:"patient,omitempty"`
	Date           string           `json:"date"`
	Recommendation []Recommendation `json:"recommendation"`
}

func (r *ImmunizationRecommendation) ResourceType() string { return TypeImmunizationRecommendation }
func (r *ImmunizationRecommendation) SubjectID() string    { return referenceID(r.Patient) }

func (r *ImmunizationRecommendation) Validate() error {
	if err := requirePatientRef("ImmunizationRecommendation.patient", r.Patient); err != nil {
		return err
	}
	if r.Date == "" {
		return invalid("ImmunizationRecommendation.date", "required")
	}
	if len(r.Recommendation) == 0 {
		return invalid("ImmunizationRecommendation.recommendation", "at least one recommendation is required")
	}
	for i, rec := range r.Recommendation {
		if rec.ForecastStatus.IsEmpty() {
			return invalid(fmt.Sprintf("ImmunizationRecommendation.recommendation[%d].forecastStatus", i), "required")
		}
	}
	return validDates("ImmunizationRecommendation.date", r.Date)
}

// New returns an empty resource of the given type.
func New(resourceType string) (Resource, error) {
	var r Resource
	switch resourceType {
	case TypePatient:
		r = &Patient{}
	case TypeObservation:
		r = &Observation{}
	case TypeCondition:
		r = &Condition{}
	case TypeImmunization:
		r = &Immunization{}
	case TypeFamilyMemberHistory:
		r = &FamilyMemberHistory{}
	case TypeServiceRequest:
		r = &ServiceRequest{}
	case TypeImmunizationRecommendation:
		r = &ImmunizationRecommendation{}
	default:
		return nil, invalid("resourceType", fmt.Sprintf("unsupported resource type %q", resourceType))
	}
	stamp(r)
	return r, nil
}

func stamp(r Resource) {
	if s, ok := r.(interface{ setType(string) }); ok {
		s.setType(r.ResourceType())
	}
}

// Decode parses a JSON resource, dispatching on its resourceType.
func Decode(data []byte) (Resource, error) {
	var head struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, invalid("", "malformed JSON: "+err.Error())
	}
	if head.ResourceType == "" {
		return nil, invalid("resourceType", "required")
	}
	return DecodeAs(head.ResourceType, data)
}

// DecodeAs parses data as resourceType, rejecting bodies that declare a
// different type.
func DecodeAs(resourceType string, data []byte) (Resource, error) {
	r, err := New(resourceType)
	if err != nil {
		return nil, err
	}
	var head struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, invalid("", "malformed JSON: "+err.Error())
	}
	if head.ResourceType != resourceType {
		return nil, invalid("resourceType", fmt.Sprintf("body declares %q but %q was expected", head.ResourceType, resourceType))
	}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, invalid("", "malformed "+resourceType+": "+err.Error())
	}
	stamp(r)
	return r, nil
}

// Clone deep-copies a resource.
func Clone(r Resource) Resource {
	stamp(r)
	data, err := json.Marshal(r)
	if err != nil {
		panic(fmt.Sprintf("resource: marshal %s: %v", r.ResourceType(), err))
	}
	out, err := DecodeAs(r.ResourceType(), data)
	if err != nil {
		panic(fmt.Sprintf("resource: decode %s: %v", r.ResourceType(), err))
	}
	return out
}

func referenceID(ref *fhir.Reference) string {
	if ref == nil {
		return ""
	}
	_, id := fhir.ParseReference(ref.Reference)
	return id
}

func requirePatientRef(field string, ref *fhir.Reference) error {
	if ref == nil || ref.Reference == "" {
		return invalid(field, "required")
	}
	typ, id := fhir.ParseReference(ref.Reference)
	if typ != TypePatient || id == "" {
		return invalid(field, fmt.Sprintf("must reference a Patient, got %q", ref.Reference))
	}
	return nil
}

// validDates checks alternating field, value pairs.
func validDates(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			continue
		}
		if _, err := fhir.ParseDateRange(pairs[i+1]); err != nil {
			return invalid(pairs[i], err.Error())
		}
	}
	return nil
}

// PatientRef builds a reference to a patient.
func PatientRef(id string) *fhir.Reference {
	return &fhir.Reference{Reference: fhir.FormatReference(TypePatient, id)}
}

// NameText returns the patient's first name for display.
func (p *Patient) NameText() string {
	for _, n := range p.Name {
		if full := strings.TrimSpace(n.Full()); full != "" {
			return full
		}
	}
	return ""
}
