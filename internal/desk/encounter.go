package desk

import (
	"encoding/json"

	"github.com/clinic-ops/patientflow/internal/flow"
)

// Encounter is the form seed for one visit. It is built only from the
// payloads carried by this visit's queue item, never from the patient's
// earlier visits.
type Encounter struct {
	Stage           flow.Stage          `json:"stage"`
	QueueID         string              `json:"queue_id"`
	RegistrationID  string              `json:"registration_id"`
	PatientName     string              `json:"patient_name"`
	AppointmentDate string              `json:"appointment_date,omitempty"`
	AppointmentTime string              `json:"appointment_time,omitempty"`
	DoctorName      string              `json:"doctor_name,omitempty"`
	Patient         flow.PatientDetails `json:"patient"`

	PresentingComplaints json.RawMessage `json:"presenting_complaints,omitempty"`
	MedicalHistory       json.RawMessage `json:"medical_history,omitempty"`
	DrugHistory          json.RawMessage `json:"drug_history,omitempty"`
	ReceptionNotes       string          `json:"reception_notes,omitempty"`

	// Set at the doctor desk only
	Opd *flow.OpdData `json:"opd,omitempty"`

	CanComplete bool     `json:"can_complete"`
	Problems    []string `json:"problems,omitempty"`
}

func newEncounter(stage flow.Stage, it flow.QueueItem) *Encounter {
	rd := it.ReceptionData
	if rd == nil {
		rd = &flow.ReceptionData{}
	}
	details := flow.PatientDetails{}
	if rd.PatientDetails != nil {
		details = *rd.PatientDetails
	}

	enc := &Encounter{
		Stage:           stage,
		QueueID:         it.Identifier(),
		RegistrationID:  it.Registration(),
		PatientName:     it.Name(),
		AppointmentDate: it.RawDate(),
		AppointmentTime: firstNonEmpty(it.AppointmentTime, rd.AppointmentTime),
		DoctorName:      rd.DoctorName,
		Patient: flow.PatientDetails{
			Name:             firstNonEmpty(it.Name(), details.Name),
			RegistrationID:   it.Registration(),
			Age:              details.Age,
			Sex:              details.Sex,
			Phone:            firstNonEmpty(details.Phone, rd.Phone),
			Email:            firstNonEmpty(details.Email, rd.Email),
			Address:          details.Address,
			BloodType:        details.BloodType,
			Allergies:        details.Allergies,
			EmergencyContact: details.EmergencyContact,
		},
		PresentingComplaints: rd.PresentingComplaints,
		MedicalHistory:       rd.MedicalHistory,
		DrugHistory:          rd.DrugHistory,
		ReceptionNotes:       rd.Notes,
	}

	if stage == flow.StageDoctor && it.OpdData != nil {
		opd := *it.OpdData
		enc.Opd = &opd
	}

	enc.CanComplete = true
	if enc.RegistrationID == "" {
		enc.CanComplete = false
		enc.Problems = append(enc.Problems, "patient has no registration id")
	}
	if enc.QueueID == "" {
		enc.CanComplete = false
		enc.Problems = append(enc.Problems, "queue item has no id")
	}
	return enc
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
