package screening

import (
	"fmt"

	"github.com/ehr/screening/internal/platform/fhir"
	"github.com/ehr/screening/pkg/fhirmodels"
)

// RiskFlagSystem is the code system of flags produced by risk scoring.
const RiskFlagSystem = "urn:ehr:screening:risk-flag"

// CardioHighRisk is raised when the cardiovascular risk score is high.
var CardioHighRisk = fhir.Coding{System: RiskFlagSystem, Code: "cardio-high", Display: "High cardiovascular risk"}

func years(n int) *int  { return &n }
func months(n int) *int { return &n }

func loinc(code, display string) fhir.Coding {
	return fhir.Coding{System: fhirmodels.SystemLOINC, Code: code, Display: display}
}

func snomed(code, display string) fhir.Coding {
	return fhir.Coding{System: fhirmodels.SystemSNOMED, Code: code, Display: display}
}

func cvx(code, display string) fhir.Coding {
	return fhir.Coding{System: fhirmodels.SystemCVX, Code: code, Display: display}
}

var (
	smokingHistory = Trigger{
		Scopes: []string{ScopeCondition, ScopeObservation},
		Codes: []fhir.Coding{
			snomed("77176002", "Smoker"),
			snomed("8517006", "Ex-smoker"),
			snomed("449868002", "Smokes tobacco daily"),
		},
	}
	overweight = Trigger{
		Scopes: []string{ScopeCondition, ScopeObservation},
		Codes: []fhir.Coding{
			snomed("238131007", "Overweight"),
			snomed("414916001", "Obesity"),
			snomed("714628002", "Prediabetes"),
		},
	}
	colorectalFamilyHistory = Trigger{
		Codes: []fhir.Coding{
			snomed("363406005", "Malignant neoplasm of colon"),
			snomed("312824007", "Family history of cancer of colon"),
		},
	}
	highCardioRisk = Trigger{
		Scopes: []string{ScopeRiskFlag},
		Codes:  []fhir.Coding{CardioHighRisk},
	}
)

// DefaultRules returns the USPSTF-derived rule table in evaluation order.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:             "mammography",
			Title:          "Breast cancer screening (mammography)",
			Category:       CategoryCancer,
			Eligibility:    Eligibility{MinAge: years(40), MaxAge: years(74), Sex: fhirmodels.GenderFemale},
			IntervalMonths: 24,
			Evidence: []fhir.Coding{
				loinc("24606-6", "MG Breast Screening"),
				loinc("24604-1", "MG Breast Diagnostic"),
				snomed("71651007", "Mammography"),
			},
			Action:    Action{Kind: ActionServiceRequest, Code: snomed("71651007", "Mammography")},
			Guideline: "USPSTF 2024: biennial mammography for women aged 40 to 74",
		},
		{
			ID:             "cervical-cytology",
			Title:          "Cervical cancer screening (cytology)",
			Category:       CategoryCancer,
			Eligibility:    Eligibility{MinAge: years(21), MaxAge: years(65), Sex: fhirmodels.GenderFemale},
			IntervalMonths: 36,
			Evidence: []fhir.Coding{
				loinc("10524-7", "Microscopic observation [Identifier] in Cervical or vaginal smear or scraping by Cyto stain"),
				loinc("19762-4", "General categories [Interpretation] of Cervical or vaginal smear or scraping by Cyto stain"),
				snomed("171149006", "Screening for malignant neoplasm of cervix"),
			},
			Action:    Action{Kind: ActionServiceRequest, Code: snomed("171149006", "Screening for malignant neoplasm of cervix")},
			Guideline: "USPSTF 2018: cervical cytology every 3 years for women aged 21 to 65",
		},
		{
			ID:             "colorectal-colonoscopy",
			Title:          "Colorectal cancer screening (colonoscopy)",
			Category:       CategoryCancer,
			Eligibility:    Eligibility{MinAge: years(45), MaxAge: years(75)},
			IntervalMonths: 120,
			Modifiers: []RiskModifier{{
				Name:           "family history of colorectal cancer",
				Trigger:        colorectalFamilyHistory,
				MinAge:         years(40),
				IntervalMonths: months(60),
			}},
			Evidence: []fhir.Coding{
				snomed("73761001", "Colonoscopy"),
				loinc("18746-8", "Colonoscopy study"),
			},
			Action:    Action{Kind: ActionServiceRequest, Code: snomed("73761001", "Colonoscopy")},
			Guideline: "USPSTF 2021: colorectal cancer screening for adults aged 45 to 75",
		},
		{
			ID:       "lung-ldct",
			Title:    "Lung cancer screening (low-dose CT)",
			Category: CategoryCancer,
			Eligibility: Eligibility{
				MinAge:      years(50),
				MaxAge:      years(80),
				RiskFactors: []Trigger{smokingHistory},
			},
			IntervalMonths: 12,
			Evidence:       []fhir.Coding{snomed("16334891000119106", "Low dose computed tomography of thorax")},
			Action:         Action{Kind: ActionServiceRequest, Code: snomed("16334891000119106", "Low dose computed tomography of thorax")},
			Guideline:      "USPSTF 2021: annual LDCT for adults aged 50 to 80 with a smoking history",
		},
		{
			ID:       "aaa-ultrasound",
			Title:    "Abdominal aortic aneurysm screening (ultrasound)",
			Category: CategoryCardiovascular,
			Eligibility: Eligibility{
				MinAge:      years(65),
				MaxAge:      years(75),
				Sex:         fhirmodels.GenderMale,
				RiskFactors: []Trigger{smokingHistory},
			},
			Evidence:  []fhir.Coding{snomed("241530002", "Ultrasound scan of abdominal aorta")},
			Action:    Action{Kind: ActionServiceRequest, Code: snomed("241530002", "Ultrasound scan of abdominal aorta")},
			Guideline: "USPSTF 2019: one-time ultrasound for men aged 65 to 75 who have ever smoked",
		},
		{
			ID:          "osteoporosis-dxa",
			Title:       "Osteoporosis screening (DXA)",
			Category:    CategoryBoneHealth,
			Eligibility: Eligibility{MinAge: years(65), Sex: fhirmodels.GenderFemale},
			Evidence: []fhir.Coding{
				loinc("38263-6", "DXA Hip [T-score] Bone density"),
				snomed("312681000", "Bone density scan"),
			},
			Action:    Action{Kind: ActionServiceRequest, Code: snomed("312681000", "Bone density scan")},
			Guideline: "USPSTF 2018: bone density screening for women aged 65 and older",
		},
		{
			ID:             "lipid-panel",
			Title:          "Lipid screening",
			Category:       CategoryCardiovascular,
			Eligibility:    Eligibility{MinAge: years(40), MaxAge: years(75)},
			IntervalMonths: 60,
			Modifiers: []RiskModifier{{
				Name:           "high cardiovascular risk score",
				Trigger:        highCardioRisk,
				IntervalMonths: months(12),
			}},
			Evidence: []fhir.Coding{
				loinc("24331-1", "Lipid panel"),
				loinc("57698-3", "Lipid panel with direct LDL"),
				loinc("2093-3", "Cholesterol [Mass/volume] in Serum or Plasma"),
			},
			Action:    Action{Kind: ActionServiceRequest, Code: loinc("24331-1", "Lipid panel")},
			Guideline: "USPSTF 2022: cardiovascular risk assessment with lipids for adults aged 40 to 75",
		},
		{
			ID:       "diabetes-hba1c",
			Title:    "Prediabetes and type 2 diabetes screening",
			Category: CategoryMetabolic,
			Eligibility: Eligibility{
				MinAge:      years(35),
				MaxAge:      years(70),
				RiskFactors: []Trigger{overweight},
			},
			IntervalMonths: 36,
			Evidence: []fhir.Coding{
				loinc("4548-4", "Hemoglobin A1c/Hemoglobin.total in Blood"),
				loinc("1558-6", "Fasting glucose [Mass/volume] in Serum or Plasma"),
			},
			Action:    Action{Kind: ActionServiceRequest, Code: loinc("4548-4", "Hemoglobin A1c/Hemoglobin.total in Blood")},
			Guideline: "USPSTF 2021: screening every 3 years for adults aged 35 to 70 with overweight or obesity",
		},
		{
			ID:             "blood-pressure",
			Title:          "Hypertension screening",
			Category:       CategoryCardiovascular,
			Eligibility:    Eligibility{MinAge: years(18)},
			IntervalMonths: 12,
			Evidence: []fhir.Coding{
				loinc("85354-9", "Blood pressure panel"),
				loinc("8480-6", "Systolic blood pressure"),
			},
			Action:    Action{Kind: ActionServiceRequest, Code: loinc("85354-9", "Blood pressure panel")},
			Guideline: "USPSTF 2021: blood pressure screening for adults 18 and older",
		},
		{
			ID:             "influenza-vaccine",
			Title:          "Seasonal influenza vaccination",
			Category:       CategoryImmunization,
			IntervalMonths: 12,
			Evidence: []fhir.Coding{
				cvx("88", "influenza virus vaccine, unspecified formulation"),
				cvx("140", "Influenza, seasonal, injectable, preservative free"),
				cvx("141", "Influenza, seasonal, injectable"),
				cvx("150", "Influenza, injectable, quadrivalent, preservative free"),
				cvx("158", "influenza, injectable, quadrivalent"),
				cvx("171", "Influenza, injectable, MDCK, preservative free, quadrivalent"),
				cvx("185", "influenza, recombinant, quadrivalent, injectable, preservative free"),
				cvx("197", "influenza, high-dose, quadrivalent"),
			},
			Action:    Action{Kind: ActionImmunizationRecommendation, Code: cvx("88", "influenza virus vaccine, unspecified formulation")},
			Guideline: "ACIP: annual influenza vaccination for everyone 6 months and older",
		},
		{
			ID:             "tdap-booster",
			Title:          "Tetanus, diphtheria, pertussis booster",
			Category:       CategoryImmunization,
			Eligibility:    Eligibility{MinAge: years(19)},
			IntervalMonths: 120,
			Evidence: []fhir.Coding{
				cvx("115", "Tdap"),
				cvx("113", "Td (adult), 5 Lf tetanus toxoid, preservative free, adsorbed"),
				cvx("139", "Td(adult) unspecified formulation"),
			},
			Action:    Action{Kind: ActionImmunizationRecommendation, Code: cvx("115", "Tdap")},
			Guideline: "ACIP: Td or Tdap booster every 10 years for adults",
		},
		{
			ID:          "zoster-vaccine",
			Title:       "Recombinant zoster vaccination",
			Category:    CategoryImmunization,
			Eligibility: Eligibility{MinAge: years(50)},
			Evidence:    []fhir.Coding{cvx("187", "zoster vaccine recombinant")},
			Action:      Action{Kind: ActionImmunizationRecommendation, Code: cvx("187", "zoster vaccine recombinant")},
			Guideline:   "ACIP: recombinant zoster vaccine series for adults 50 and older",
		},
		{
			ID:          "pneumococcal-vaccine",
			Title:       "Pneumococcal vaccination",
			Category:    CategoryImmunization,
			Eligibility: Eligibility{MinAge: years(65)},
			Evidence: []fhir.Coding{
				cvx("33", "pneumococcal polysaccharide vaccine, 23 valent"),
				cvx("133", "pneumococcal conjugate vaccine, 13 valent"),
				cvx("215", "Pneumococcal conjugate vaccine 15-valent"),
				cvx("216", "Pneumococcal conjugate vaccine 20-valent"),
			},
			Action:    Action{Kind: ActionImmunizationRecommendation, Code: cvx("216", "Pneumococcal conjugate vaccine 20-valent")},
			Guideline: "ACIP: pneumococcal conjugate vaccination for adults 65 and older",
		},
		{
			ID:          "hepatitis-c",
			Title:       "Hepatitis C virus screening",
			Category:    CategoryOther,
			Eligibility: Eligibility{MinAge: years(18), MaxAge: years(79)},
			Evidence:    []fhir.Coding{loinc("13955-0", "Hepatitis C virus Ab [Presence] in Serum or Plasma by Immunoassay")},
			Action:      Action{Kind: ActionServiceRequest, Code: loinc("13955-0", "Hepatitis C virus Ab [Presence] in Serum or Plasma by Immunoassay")},
			Guideline:   "USPSTF 2020: one-time HCV screening for adults aged 18 to 79",
		},
		{
			ID:          "hiv",
			Title:       "HIV screening",
			Category:    CategoryOther,
			Eligibility: Eligibility{MinAge: years(15), MaxAge: years(65)},
			Evidence:    []fhir.Coding{loinc("75622-1", "HIV 1 and 2 Ab and HIV1 p24 Ag [Presence] in Serum or Plasma by Immunoassay")},
			Action:      Action{Kind: ActionServiceRequest, Code: loinc("75622-1", "HIV 1 and 2 Ab and HIV1 p24 Ag [Presence] in Serum or Plasma by Immunoassay")},
			Guideline:   "USPSTF 2019: HIV screening for adolescents and adults aged 15 to 65",
		},
	}
}

// ValidateRules checks the structural invariants of a rule table.
func ValidateRules(rules []Rule) error {
	seen := make(map[string]bool, len(rules))
	for i, r := range rules {
		if r.ID == "" {
			return fmt.Errorf("rule %d: id is required", i)
		}
		if seen[r.ID] {
			return fmt.Errorf("rule %s: duplicate id", r.ID)
		}
		seen[r.ID] = true

		if !r.Category.valid() {
			return fmt.Errorf("rule %s: unknown category %q", r.ID, r.Category)
		}
		if r.IntervalMonths < 0 || r.GracePeriodMonths < 0 {
			return fmt.Errorf("rule %s: intervals must not be negative", r.ID)
		}
		if err := checkAges(r.Eligibility.MinAge, r.Eligibility.MaxAge); err != nil {
			return fmt.Errorf("rule %s: %w", r.ID, err)
		}
		switch r.Eligibility.Sex {
		case "", fhirmodels.GenderFemale, fhirmodels.GenderMale:
		default:
			return fmt.Errorf("rule %s: unknown sex %q", r.ID, r.Eligibility.Sex)
		}
		if len(r.Evidence) == 0 {
			return fmt.Errorf("rule %s: at least one evidence code is required", r.ID)
		}
		switch r.Action.Kind {
		case ActionServiceRequest, ActionImmunizationRecommendation:
		default:
			return fmt.Errorf("rule %s: unknown action kind %q", r.ID, r.Action.Kind)
		}
		for _, m := range r.Modifiers {
			if len(m.Trigger.Codes) == 0 {
				return fmt.Errorf("rule %s: modifier %q has no trigger codes", r.ID, m.Name)
			}
			if m.IntervalMonths != nil && r.Once() {
				return fmt.Errorf("rule %s: modifier %q sets an interval on a one-time rule", r.ID, m.Name)
			}
			if m.IntervalMonths != nil && *m.IntervalMonths < 1 {
				return fmt.Errorf("rule %s: modifier %q interval must be at least one month", r.ID, m.Name)
			}
			start := r.Eligibility.MinAge
			if m.MinAge != nil {
				start = m.MinAge
			}
			if err := checkAges(start, r.Eligibility.MaxAge); err != nil {
				return fmt.Errorf("rule %s: modifier %q: %w", r.ID, m.Name, err)
			}
		}
	}
	return nil
}

func checkAges(minAge, maxAge *int) error {
	if minAge != nil && *minAge < 0 {
		return fmt.Errorf("minAge must not be negative")
	}
	if minAge != nil && maxAge != nil && *minAge > *maxAge {
		return fmt.Errorf("minAge %d exceeds maxAge %d", *minAge, *maxAge)
	}
	return nil
}
