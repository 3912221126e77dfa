package fhirmodels

// Common FHIR value set constants used across the application.

// Code system URIs.
const (
	SystemLOINC           = "http://loinc.org"
	SystemSNOMED          = "http://snomed.info/sct"
	SystemCVX             = "http://hl7.org/fhir/sid/cvx"
	SystemObsCategory     = "http://terminology.hl7.org/CodeSystem/observation-category"
	SystemConditionStatus = "http://terminology.hl7.org/CodeSystem/condition-clinical"
	SystemConditionCat    = "http://terminology.hl7.org/CodeSystem/condition-category"
	SystemFamilyRole      = "http://terminology.hl7.org/CodeSystem/v3-RoleCode"
	SystemForecastStatus  = "http://terminology.hl7.org/CodeSystem/immunization-recommendation-status"
	SystemUCUM            = "http://unitsofmeasure.org"
)

// ObservationStatus values per FHIR R4.
const (
	ObsStatusRegistered     = "registered"
	ObsStatusPreliminary    = "preliminary"
	ObsStatusFinal          = "final"
	ObsStatusAmended        = "amended"
	ObsStatusCorrected      = "corrected"
	ObsStatusCancelled      = "cancelled"
	ObsStatusEnteredInError = "entered-in-error"
	ObsStatusUnknown        = "unknown"
)

// ObservationCategory codes.
const (
	ObsCategoryVitalSigns    = "vital-signs"
	ObsCategoryLaboratory    = "laboratory"
	ObsCategoryImaging       = "imaging"
	ObsCategorySocialHistory = "social-history"
	ObsCategorySurvey        = "survey"
	ObsCategoryExam          = "exam"
	ObsCategoryProcedure     = "procedure"
)

// ConditionClinicalStatus codes.
const (
	ConditionActive     = "active"
	ConditionRecurrence = "recurrence"
	ConditionRelapse    = "relapse"
	ConditionInactive   = "inactive"
	ConditionRemission  = "remission"
	ConditionResolved   = "resolved"
)

// AdministrativeGender codes.
const (
	GenderMale    = "male"
	GenderFemale  = "female"
	GenderOther   = "other"
	GenderUnknown = "unknown"
)

// ImmunizationStatus codes.
const (
	ImmunizationCompleted      = "completed"
	ImmunizationEnteredInError = "entered-in-error"
	ImmunizationNotDone        = "not-done"
)

// FamilyHistoryStatus codes.
const (
	FamilyHistoryPartial        = "partial"
	FamilyHistoryCompleted      = "completed"
	FamilyHistoryEnteredInError = "entered-in-error"
	FamilyHistoryHealthUnknown  = "health-unknown"
)

// ServiceRequest status and intent codes.
const (
	RequestStatusDraft     = "draft"
	RequestStatusActive    = "active"
	RequestStatusOnHold    = "on-hold"
	RequestStatusRevoked   = "revoked"
	RequestStatusCompleted = "completed"

	RequestIntentProposal = "proposal"
	RequestIntentPlan     = "plan"
	RequestIntentOrder    = "order"
)

// ImmunizationRecommendation forecast status codes.
const (
	ForecastDue      = "due"
	ForecastOverdue  = "overdue"
	ForecastComplete = "complete"
)
