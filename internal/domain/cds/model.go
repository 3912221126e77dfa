// Package cds turns screening determinations into CDS Hooks cards and turns
// an accepted card suggestion into a FHIR resource creation request.
package cds

import (
	"errors"

	"github.com/google/uuid"

	"github.com/ehr/screening/internal/domain/resource"
	"github.com/ehr/screening/internal/platform/fhir"
)

// DefaultCriticalOverdueDays is the overdue age past which a card turns
// critical.
const DefaultCriticalOverdueDays = 180

// PatientViewServiceID is the CDS Hooks service id of the screening service.
const PatientViewServiceID = "patient-view"

// RuleSystem identifies screening rule ids in card topics.
const RuleSystem = "urn:ehr:screening:rule"

// Card extension keys.
const (
	extRuleID      = "ruleId"
	extPatientID   = "patientId"
	extStatus      = "status"
	extDaysOverdue = "daysOverdue"
)

var (
	ErrUnknownChoice = errors.New("suggestion not found on card")
	ErrNoAction      = errors.New("suggestion has no create action")
)

// cardNamespace seeds deterministic card and suggestion ids.
var cardNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte(RuleSystem))

// ResourceCreationRequest is a FHIR create interaction ready to be handed
// to the resource service.
type ResourceCreationRequest struct {
	Method   string            `json:"method"`
	URL      string            `json:"url"`
	Resource resource.Resource `json:"resource"`
}

// ConfirmRequest is the body of POST /cds/confirm.
type ConfirmRequest struct {
	Card           fhir.CDSCard `json:"card"`
	SuggestionUUID string       `json:"suggestionUuid"`
	Persist        bool         `json:"persist"`
}

// ConfirmResponse returns the creation request and, when persisted, the
// stored resource.
type ConfirmResponse struct {
	Request *ResourceCreationRequest `json:"request"`
	Created resource.Resource        `json:"created,omitempty"`
}
