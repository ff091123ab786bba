// Package store is the request layer against the external clinic store:
// the appointment book and the reception, OPD and doctor queue collections.
// It holds no state of its own.
package store

import (
	"context"

	"github.com/clinic-ops/patientflow/internal/flow"
)

// Store is the contract the orchestrator needs from the external store.
type Store interface {
	ListAppointments(ctx context.Context) ([]flow.Appointment, error)
	UpdateAppointment(ctx context.Context, id string, patch AppointmentPatch) error

	ListQueue(ctx context.Context, stage flow.Stage, filter ListFilter) ([]flow.QueueItem, error)
	CreateQueueItem(ctx context.Context, stage flow.Stage, item NewQueueItem) (string, error)
	UpdateQueueItem(ctx context.Context, stage flow.Stage, id string, update QueueUpdate) error
	DeleteQueueItem(ctx context.Context, stage flow.Stage, id string) error

	RecallToOPD(ctx context.Context, req RecallRequest) error
	RecallToReception(ctx context.Context, req RecallRequest) error
}

// ListFilter narrows a queue read server-side. Empty fields are omitted.
type ListFilter struct {
	Status         flow.WorkStatus
	RegistrationID string
}

// NewQueueItem is the body of a queue creation.
type NewQueueItem struct {
	AppointmentID   string              `json:"appointmentId,omitempty"`
	RegistrationID  string              `json:"registrationId,omitempty"`
	PatientName     string              `json:"patientName,omitempty"`
	AppointmentDate string              `json:"appointmentDate,omitempty"`
	ReceptionData   *flow.ReceptionData `json:"receptionData,omitempty"`
}

// QueueUpdate is the body of a queue item update. Setting Status to done
// with the stage's Action makes the store materialise the next stage.
type QueueUpdate struct {
	Status        flow.WorkStatus     `json:"status,omitempty"`
	Action        string              `json:"action,omitempty"`
	CompletedAt   string              `json:"completedAt,omitempty"`
	ReceptionData *flow.ReceptionData `json:"receptionData,omitempty"`
	OpdData       *flow.OpdData       `json:"opdData,omitempty"`
	DoctorData    *flow.DoctorData    `json:"doctorData,omitempty"`
}

// RecallRequest is the body of both recall endpoints.
type RecallRequest struct {
	QueueID string `json:"queueId"`
	Reason  string `json:"reason"`
}

// AppointmentPatch carries data-repair corrections.
type AppointmentPatch struct {
	Status                flow.AppointmentStatus `json:"status,omitempty"`
	PatientRegistrationID string                 `json:"patientRegistrationId,omitempty"`
	PatientName           string                 `json:"patientName,omitempty"`
}

type appointmentsResponse struct {
	Appointments []flow.Appointment `json:"appointments"`
}

type itemsResponse struct {
	Items []flow.QueueItem `json:"items"`
}

type createdResponse struct {
	ID       string `json:"id"`
	LegacyID string `json:"_id"`
	Item     *struct {
		ID       string `json:"id"`
		LegacyID string `json:"_id"`
	} `json:"item"`
}

func (r createdResponse) identifier() string {
	switch {
	case r.ID != "":
		return r.ID
	case r.LegacyID != "":
		return r.LegacyID
	case r.Item != nil && r.Item.ID != "":
		return r.Item.ID
	case r.Item != nil:
		return r.Item.LegacyID
	}
	return ""
}
