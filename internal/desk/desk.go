// Package desk implements the per-stage queue views used by the reception,
// OPD and doctor desks.
package desk

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/clinic-ops/patientflow/internal/flow"
	apperrors "github.com/clinic-ops/patientflow/internal/shared/errors"
	"github.com/clinic-ops/patientflow/internal/transition"
)

// SnapshotSource is the read side of the poller.
type SnapshotSource interface {
	Snapshot() *flow.Snapshot
}

// Transitioner is the part of the transition engine a desk drives.
type Transitioner interface {
	Complete(ctx context.Context, req transition.CompleteRequest) (transition.CompleteResult, error)
	Recall(ctx context.Context, req transition.RecallRequest) (flow.Stage, error)
	Remove(ctx context.Context, req transition.RemoveRequest) error
}

// Desk is one stage's view of its waiting patients.
type Desk struct {
	stage    flow.Stage
	source   SnapshotSource
	engine   Transitioner
	logger   zerolog.Logger
	deskName string
}

// New creates a desk for stage.
func New(stage flow.Stage, source SnapshotSource, engine Transitioner, logger zerolog.Logger) *Desk {
	return &Desk{
		stage:    stage,
		source:   source,
		engine:   engine,
		logger:   logger.With().Str("component", "desk").Str("stage", string(stage)).Logger(),
		deskName: deskName(stage),
	}
}

// Stage returns the desk's stage.
func (d *Desk) Stage() flow.Stage { return d.stage }

// Waiting lists the stage's waiting items for the poller's current date.
func (d *Desk) Waiting() []flow.QueueItem {
	return d.source.Snapshot().Waiting(d.stage)
}

func (d *Desk) find(queueID string) (flow.QueueItem, error) {
	for _, it := range d.Waiting() {
		if it.Identifier() == queueID {
			return it, nil
		}
	}
	return flow.QueueItem{}, apperrors.NotFound(string(d.stage)+" queue item", queueID)
}

// Open seeds an encounter for one waiting item.
func (d *Desk) Open(queueID string) (*Encounter, error) {
	it, err := d.find(queueID)
	if err != nil {
		return nil, err
	}
	return newEncounter(d.stage, it), nil
}

// Form is what the desk captures before completing an item. Reception fills
// Notes and the contact corrections, OPD fills Findings and the exam blocks,
// the doctor fills Diagnosis and Prescription.
type Form struct {
	Notes       string `json:"notes,omitempty"`
	PatientName string `json:"patient_name,omitempty"`
	Phone       string `json:"phone,omitempty"`
	Email       string `json:"email,omitempty"`

	Findings                 string          `json:"findings,omitempty"`
	Optometry                json.RawMessage `json:"optometry,omitempty"`
	IOP                      json.RawMessage `json:"iop,omitempty"`
	OphthalmicInvestigations json.RawMessage `json:"ophthalmic_investigations,omitempty"`
	SystemicInvestigations   json.RawMessage `json:"systemic_investigations,omitempty"`

	Diagnosis    string `json:"diagnosis,omitempty"`
	Prescription string `json:"prescription,omitempty"`

	Actor string `json:"-"`
}

// Complete finishes the item with the stage's form. Items without a
// registration id are refused.
func (d *Desk) Complete(ctx context.Context, queueID string, form Form) (transition.CompleteResult, error) {
	it, err := d.find(queueID)
	if err != nil {
		return transition.CompleteResult{}, err
	}

	enc := newEncounter(d.stage, it)
	if !enc.CanComplete {
		return transition.CompleteResult{}, apperrors.Validation("cannot complete: patient has no registration id",
			map[string]string{"queue_id": queueID})
	}

	req := transition.CompleteRequest{
		Stage:          d.stage,
		QueueID:        queueID,
		RegistrationID: enc.RegistrationID,
		Actor:          form.Actor,
	}

	switch d.stage {
	case flow.StageReception:
		rd := &flow.ReceptionData{
			Notes:       strings.TrimSpace(form.Notes),
			ProcessedBy: d.deskName,
			PatientName: strings.TrimSpace(form.PatientName),
			Phone:       strings.TrimSpace(form.Phone),
			Email:       strings.TrimSpace(form.Email),
		}
		req.Reception = rd
	case flow.StageOPD:
		req.Opd = &flow.OpdData{
			Findings:                 strings.TrimSpace(form.Findings),
			Optometry:                form.Optometry,
			IOP:                      form.IOP,
			OphthalmicInvestigations: form.OphthalmicInvestigations,
			SystemicInvestigations:   form.SystemicInvestigations,
		}
	case flow.StageDoctor:
		req.Doctor = &flow.DoctorData{
			Diagnosis:    strings.TrimSpace(form.Diagnosis),
			Prescription: strings.TrimSpace(form.Prescription),
		}
	}

	res, err := d.engine.Complete(ctx, req)
	if err != nil {
		return transition.CompleteResult{}, err
	}
	d.logger.Info().Str("queue_id", queueID).Str("registration_id", enc.RegistrationID).Msg("completed")
	return res, nil
}

// Recall sends the item back one stage. Reception has no recall.
func (d *Desk) Recall(ctx context.Context, queueID, reason, actor string) (flow.Stage, error) {
	if _, ok := d.stage.Previous(); !ok {
		appErr := apperrors.Validation("reception has no recall", nil)
		appErr.Err = fmt.Errorf("%w: %w", apperrors.ErrValidation, transition.ErrNoRecallPath)
		return "", appErr
	}
	it, err := d.find(queueID)
	if err != nil {
		return "", err
	}
	return d.engine.Recall(ctx, transition.RecallRequest{
		From:           d.stage,
		QueueID:        queueID,
		RegistrationID: it.Registration(),
		Reason:         reason,
		Actor:          actor,
	})
}

// Remove cancels the item from this desk.
func (d *Desk) Remove(ctx context.Context, queueID string, confirmed bool, actor string) error {
	it, err := d.find(queueID)
	if err != nil {
		return err
	}
	return d.engine.Remove(ctx, transition.RemoveRequest{
		Stage:          d.stage,
		QueueID:        queueID,
		RegistrationID: it.Registration(),
		Confirmed:      confirmed,
		Actor:          actor,
	})
}

func deskName(stage flow.Stage) string {
	switch stage {
	case flow.StageReception:
		return "Reception Desk"
	case flow.StageOPD:
		return "OPD Staff"
	case flow.StageDoctor:
		return "Doctor"
	}
	return string(stage)
}
