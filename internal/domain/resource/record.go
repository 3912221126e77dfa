package resource

// PatientRecord is one patient's compartment in typed form.
type PatientRecord struct {
	Patient         *Patient
	Observations    []*Observation
	Conditions      []*Condition
	Immunizations   []*Immunization
	FamilyHistory   []*FamilyMemberHistory
	ServiceRequests []*ServiceRequest
}

// add files r under its type. Patients replace the record's patient.
func (pr *PatientRecord) add(r Resource) {
	switch v := r.(type) {
	case *Patient:
		pr.Patient = v
	case *Observation:
		pr.Observations = append(pr.Observations, v)
	case *Condition:
		pr.Conditions = append(pr.Conditions, v)
	case *Immunization:
		pr.Immunizations = append(pr.Immunizations, v)
	case *FamilyMemberHistory:
		pr.FamilyHistory = append(pr.FamilyHistory, v)
	case *ServiceRequest:
		pr.ServiceRequests = append(pr.ServiceRequests, v)
	}
}

// PatientID returns the id of the record's patient, or "".
func (pr *PatientRecord) PatientID() string {
	if pr == nil || pr.Patient == nil {
		return ""
	}
	return pr.Patient.ID
}
