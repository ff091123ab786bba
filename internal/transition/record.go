package transition

import (
	"time"

	"github.com/clinic-ops/patientflow/internal/flow"
	"github.com/clinic-ops/patientflow/internal/shared/events"
)

const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Record describes one attempted transition. It is the payload of the
// transition.* events the journal consumes.
type Record struct {
	Op             string     `json:"op"`
	Stage          flow.Stage `json:"stage,omitempty"`
	Target         flow.Stage `json:"target,omitempty"`
	QueueID        string     `json:"queue_id,omitempty"`
	AppointmentID  string     `json:"appointment_id,omitempty"`
	RegistrationID string     `json:"registration_id,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	Actor          string     `json:"actor,omitempty"`
	Result         string     `json:"result"`
	Code           string     `json:"code,omitempty"`
	Error          string     `json:"error,omitempty"`
	At             time.Time  `json:"at"`
}

// Topic is the event type this record is published under.
func (r Record) Topic() string {
	return events.TopicTransitionPrefix + "." + r.Op
}
