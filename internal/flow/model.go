package flow

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Stage is one sequential clinical processing step backed by a queue
// collection in the external store.
type Stage string

const (
	StageReception Stage = "reception"
	StageOPD       Stage = "opd"
	StageDoctor    Stage = "doctor"
)

// Stages in flow order.
var Stages = []Stage{StageReception, StageOPD, StageDoctor}

// ParseStage accepts the collection name in any case.
func ParseStage(s string) (Stage, error) {
	st := Stage(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown stage %q", s)
	}
	return st, nil
}

func (s Stage) Valid() bool {
	switch s {
	case StageReception, StageOPD, StageDoctor:
		return true
	}
	return false
}

// Next returns the stage a completed item materialises into. Doctor is
// terminal: completing it discharges the patient.
func (s Stage) Next() (Stage, bool) {
	switch s {
	case StageReception:
		return StageOPD, true
	case StageOPD:
		return StageDoctor, true
	}
	return "", false
}

// Previous returns the recall target. Reception has none.
func (s Stage) Previous() (Stage, bool) {
	switch s {
	case StageOPD:
		return StageReception, true
	case StageDoctor:
		return StageOPD, true
	}
	return "", false
}

// Level is the merged-view level of a waiting item at this stage.
func (s Stage) Level() Level {
	switch s {
	case StageReception:
		return LevelReception
	case StageOPD:
		return LevelOPD
	case StageDoctor:
		return LevelDoctor
	}
	return ""
}

// DoneAction is the action tag the store expects when an item completes.
func (s Stage) DoneAction() string {
	return string(s) + "_done"
}

// Level is the single visible position of a patient in the merged view.
type Level string

const (
	LevelScheduled  Level = "Scheduled"
	LevelReception  Level = "Reception"
	LevelOPD        Level = "OPD"
	LevelDoctor     Level = "Doctor"
	LevelDischarged Level = "Discharged"
)

// Levels in ascending priority.
var Levels = []Level{LevelScheduled, LevelReception, LevelOPD, LevelDoctor, LevelDischarged}

// Priority orders levels: Discharged(5) > Doctor(4) > OPD(3) >
// Reception(2) > Scheduled(1). Unknown levels are 0.
func (l Level) Priority() int {
	switch l {
	case LevelScheduled:
		return 1
	case LevelReception:
		return 2
	case LevelOPD:
		return 3
	case LevelDoctor:
		return 4
	case LevelDischarged:
		return 5
	}
	return 0
}

// Stage returns the queue collection that holds a waiting patient at this
// level. Scheduled and Discharged have no waiting collection.
func (l Level) Stage() (Stage, bool) {
	switch l {
	case LevelReception:
		return StageReception, true
	case LevelOPD:
		return StageOPD, true
	case LevelDoctor:
		return StageDoctor, true
	}
	return "", false
}

// displayRank is the default list order: Doctor first, Discharged last.
func (l Level) displayRank() int {
	switch l {
	case LevelDoctor:
		return 0
	case LevelOPD:
		return 1
	case LevelReception:
		return 2
	case LevelScheduled:
		return 3
	case LevelDischarged:
		return 4
	}
	return 99
}

// WorkStatus is the state of a queue item within its stage.
type WorkStatus string

const (
	StatusWaiting WorkStatus = "waiting"
	StatusDone    WorkStatus = "done"
)

// IsWaiting treats a missing status as waiting, as the store does for
// freshly created items.
func (s WorkStatus) IsWaiting() bool {
	return s == StatusWaiting || s == ""
}

// AppointmentStatus is advisory only. Queue membership decides where a
// patient is.
type AppointmentStatus string

const (
	AppointmentBooked             AppointmentStatus = "booked"
	AppointmentReceptionPending   AppointmentStatus = "reception_pending"
	AppointmentReceptionCompleted AppointmentStatus = "reception_completed"
	AppointmentOpdPending         AppointmentStatus = "opd_pending"
	AppointmentOpdCompleted       AppointmentStatus = "opd_completed"
	AppointmentDoctorPending      AppointmentStatus = "doctor_pending"
	AppointmentDoctorCompleted    AppointmentStatus = "doctor_completed"
	AppointmentDischarged         AppointmentStatus = "discharged"
	AppointmentCancelled          AppointmentStatus = "cancelled"
)

// NotAssigned is the placeholder the front desk stores for walk-ins that
// have no registration id yet.
const NotAssigned = "Not Assigned"

// NormalizeRegistrationID trims id and maps the placeholder to "".
func NormalizeRegistrationID(id string) string {
	id = strings.TrimSpace(id)
	if strings.EqualFold(id, NotAssigned) {
		return ""
	}
	return id
}

// Appointment is a scheduled visit.
type Appointment struct {
	ID                    string            `json:"id,omitempty"`
	LegacyID              string            `json:"_id,omitempty"`
	PatientRegistrationID string            `json:"patientRegistrationId,omitempty"`
	RegistrationID        string            `json:"registrationId,omitempty"`
	PatientName           string            `json:"patientName,omitempty"`
	DoctorID              string            `json:"doctorId,omitempty"`
	DoctorName            string            `json:"doctorName,omitempty"`
	AppointmentDate       string            `json:"appointmentDate,omitempty"`
	AppointmentTime       string            `json:"appointmentTime,omitempty"`
	Status                AppointmentStatus `json:"status,omitempty"`
	Phone                 string            `json:"phone,omitempty"`
	Email                 string            `json:"email,omitempty"`
}

// Identifier returns the store id, whichever field carried it.
func (a Appointment) Identifier() string {
	if a.ID != "" {
		return a.ID
	}
	return a.LegacyID
}

// Registration returns the normalised registration id.
func (a Appointment) Registration() string {
	if id := NormalizeRegistrationID(a.PatientRegistrationID); id != "" {
		return id
	}
	return NormalizeRegistrationID(a.RegistrationID)
}

// PatientDetails is the demographic block captured at reception.
type PatientDetails struct {
	Name             string `json:"name,omitempty"`
	RegistrationID   string `json:"registrationId,omitempty"`
	Age              string `json:"age,omitempty"`
	Sex              string `json:"sex,omitempty"`
	Phone            string `json:"phone,omitempty"`
	Email            string `json:"email,omitempty"`
	Address          string `json:"address,omitempty"`
	BloodType        string `json:"bloodType,omitempty"`
	Allergies        string `json:"allergies,omitempty"`
	EmergencyContact string `json:"emergencyContact,omitempty"`
}

// ReceptionData is carried forward from reception into OPD and Doctor.
// On arrival it holds a snapshot of the appointment.
type ReceptionData struct {
	AppointmentID         string          `json:"appointmentId,omitempty"`
	PatientRegistrationID string          `json:"patientRegistrationId,omitempty"`
	PatientName           string          `json:"patientName,omitempty"`
	AppointmentDate       string          `json:"appointmentDate,omitempty"`
	AppointmentTime       string          `json:"appointmentTime,omitempty"`
	DoctorID              string          `json:"doctorId,omitempty"`
	DoctorName            string          `json:"doctorName,omitempty"`
	Phone                 string          `json:"phone,omitempty"`
	Email                 string          `json:"email,omitempty"`
	Notes                 string          `json:"notes,omitempty"`
	ProcessedBy           string          `json:"processedBy,omitempty"`
	Timestamp             string          `json:"timestamp,omitempty"`
	PatientDetails        *PatientDetails `json:"patientDetails,omitempty"`
	PresentingComplaints  json.RawMessage `json:"presentingComplaints,omitempty"`
	MedicalHistory        json.RawMessage `json:"medicalHistory,omitempty"`
	DrugHistory           json.RawMessage `json:"drugHistory,omitempty"`
}

// OpdData is carried forward from OPD into Doctor.
type OpdData struct {
	Findings                 string          `json:"findings,omitempty"`
	CompletedAt              string          `json:"completedAt,omitempty"`
	Optometry                json.RawMessage `json:"optometry,omitempty"`
	IOP                      json.RawMessage `json:"iop,omitempty"`
	OphthalmicInvestigations json.RawMessage `json:"ophthalmicInvestigations,omitempty"`
	SystemicInvestigations   json.RawMessage `json:"systemicInvestigations,omitempty"`
}

// DoctorData is attached when the consultation completes.
type DoctorData struct {
	Diagnosis    string `json:"diagnosis,omitempty"`
	Prescription string `json:"prescription,omitempty"`
	CompletedAt  string `json:"completedAt,omitempty"`
}

// QueueItem is a patient's presence at one stage.
type QueueItem struct {
	ID                    string         `json:"id,omitempty"`
	LegacyID              string         `json:"_id,omitempty"`
	AppointmentID         string         `json:"appointmentId,omitempty"`
	PatientRegistrationID string         `json:"patientRegistrationId,omitempty"`
	RegistrationID        string         `json:"registrationId,omitempty"`
	PatientName           string         `json:"patientName,omitempty"`
	Status                WorkStatus     `json:"status,omitempty"`
	CompletedAt           string         `json:"completedAt,omitempty"`
	AppointmentDate       string         `json:"appointmentDate,omitempty"`
	AppointmentTime       string         `json:"appointmentTime,omitempty"`
	Notes                 string         `json:"notes,omitempty"`
	ReceptionData         *ReceptionData `json:"receptionData,omitempty"`
	OpdData               *OpdData       `json:"opdData,omitempty"`
	DoctorData            *DoctorData    `json:"doctorData,omitempty"`

	// Stage is set by the store client from the collection it was read from.
	Stage Stage `json:"-"`
}

// Identifier returns the store id, whichever field carried it.
func (q QueueItem) Identifier() string {
	if q.ID != "" {
		return q.ID
	}
	return q.LegacyID
}

// Registration extracts the registration id: top-level fields first, then
// the reception payload carried forward from the prior stage.
func (q QueueItem) Registration() string {
	if id := NormalizeRegistrationID(q.PatientRegistrationID); id != "" {
		return id
	}
	if id := NormalizeRegistrationID(q.RegistrationID); id != "" {
		return id
	}
	if rd := q.ReceptionData; rd != nil {
		if rd.PatientDetails != nil {
			if id := NormalizeRegistrationID(rd.PatientDetails.RegistrationID); id != "" {
				return id
			}
		}
		return NormalizeRegistrationID(rd.PatientRegistrationID)
	}
	return ""
}

// Name returns the patient name, falling back to the reception payload.
func (q QueueItem) Name() string {
	if q.PatientName != "" {
		return q.PatientName
	}
	if rd := q.ReceptionData; rd != nil {
		if rd.PatientDetails != nil && rd.PatientDetails.Name != "" {
			return rd.PatientDetails.Name
		}
		return rd.PatientName
	}
	return ""
}

// RawDate is the item's nominal appointment date before normalisation.
func (q QueueItem) RawDate() string {
	if q.AppointmentDate != "" {
		return q.AppointmentDate
	}
	if q.ReceptionData != nil {
		return q.ReceptionData.AppointmentDate
	}
	return ""
}

// ArrivalSnapshot copies the appointment into the reception payload that a
// new reception item carries.
func (a Appointment) ArrivalSnapshot() *ReceptionData {
	return &ReceptionData{
		AppointmentID:         a.Identifier(),
		PatientRegistrationID: a.Registration(),
		PatientName:           a.PatientName,
		AppointmentDate:       a.AppointmentDate,
		AppointmentTime:       a.AppointmentTime,
		DoctorID:              a.DoctorID,
		DoctorName:            a.DoctorName,
		Phone:                 a.Phone,
		Email:                 a.Email,
	}
}
