// Package transition performs the stage workflows against the external
// store: arrive, complete, recall, remove and the compound push to OPD.
// The engine never touches the poller's lists; the next poll observes
// every change.
package transition

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/clinic-ops/patientflow/internal/flow"
	apperrors "github.com/clinic-ops/patientflow/internal/shared/errors"
	"github.com/clinic-ops/patientflow/internal/shared/events"
	"github.com/clinic-ops/patientflow/internal/shared/metrics"
	"github.com/clinic-ops/patientflow/internal/store"
)

// Operation names, used in events and metrics.
const (
	OpArrive    = "arrive"
	OpComplete  = "complete"
	OpRecall    = "recall"
	OpRemove    = "remove"
	OpPushToOPD = "push_to_opd"
)

// Notes stamped on automatic pulls.
const (
	AutoPulledByOPD    = "Auto-pulled by OPD"
	AutoPulledByDoctor = "Auto-pulled by Doctor"
)

var (
	ErrAlreadyQueued = errors.New("patient already waiting at reception")
	ErrNoRecallPath  = errors.New("no recall path from this stage")
	ErrNotConfirmed  = errors.New("removal not confirmed")
	ErrNotWaiting    = errors.New("queue item is no longer waiting")
)

// Engine runs transitions. It is safe for concurrent use.
type Engine struct {
	store  store.Store
	bus    events.EventBus
	logger zerolog.Logger
	loc    *time.Location
	now    func() time.Time
}

// Option configures an Engine
type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLocation sets the zone used to compare appointment dates.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) { e.loc = loc }
}

// NewEngine creates an engine. bus may be nil.
func NewEngine(s store.Store, bus events.EventBus, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:  s,
		bus:    bus,
		logger: logger.With().Str("component", "transition").Logger(),
		loc:    time.Local,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ArriveRequest marks a scheduled patient as arrived.
type ArriveRequest struct {
	Appointment flow.Appointment
	// Date overrides the appointment's own normalised date for the
	// duplicate check.
	Date  string
	Actor string
}

// ArriveResult carries the created reception item id. The id is empty when
// the store didn't return one.
type ArriveResult struct {
	QueueID        string `json:"queue_id,omitempty"`
	RegistrationID string `json:"registration_id,omitempty"`
}

// Arrive creates a waiting reception item holding a snapshot of the
// appointment. The duplicate check is a read before the write and does not
// close the race against a concurrent arrival.
func (e *Engine) Arrive(ctx context.Context, req ArriveRequest) (res ArriveResult, err error) {
	appt := req.Appointment
	regID := appt.Registration()
	rec := Record{Op: OpArrive, Stage: flow.StageReception, RegistrationID: regID, AppointmentID: appt.Identifier(), Actor: req.Actor}
	defer func() { e.finish(ctx, &rec, err) }()

	if appt.Identifier() == "" && regID == "" {
		return ArriveResult{}, apperrors.Validation("appointment id or registration id is required", nil)
	}

	date := req.Date
	if date == "" {
		date = flow.NormalizeDate(appt.AppointmentDate, e.loc)
	}

	if regID != "" {
		existing, err := e.findWaiting(ctx, flow.StageReception, regID, date)
		if err != nil {
			return ArriveResult{}, apperrors.TransitionFailed("arrival check", err)
		}
		if existing != nil {
			rec.QueueID = existing.Identifier()
			return ArriveResult{}, conflict(ErrAlreadyQueued, "patient already at reception desk")
		}
	} else {
		e.logger.Warn().Str("appointment_id", appt.Identifier()).Msg("arrival without registration id, duplicate check skipped")
	}

	id, err := e.store.CreateQueueItem(ctx, flow.StageReception, store.NewQueueItem{
		AppointmentID:   appt.Identifier(),
		RegistrationID:  regID,
		PatientName:     appt.PatientName,
		AppointmentDate: appt.AppointmentDate,
		ReceptionData:   appt.ArrivalSnapshot(),
	})
	if err != nil {
		return ArriveResult{}, apperrors.TransitionFailed("mark arrival", err)
	}
	rec.QueueID = id

	e.notify(ctx, req.Actor, events.TopicReceptionQueueUpdated, regID, "arrival")
	return ArriveResult{QueueID: id, RegistrationID: regID}, nil
}

// CompleteRequest finishes one waiting item. Only the payload for Stage is
// sent.
type CompleteRequest struct {
	Stage          flow.Stage
	QueueID        string
	RegistrationID string
	Reception      *flow.ReceptionData
	Opd            *flow.OpdData
	Doctor         *flow.DoctorData
	Actor          string
}

// CompleteResult says where the patient went.
type CompleteResult struct {
	Next       flow.Stage `json:"next,omitempty"`
	Discharged bool       `json:"discharged"`
}

// Complete marks the item done with its stage payload in a single update.
// The store materialises the next stage's item; completing the doctor stage
// discharges the patient.
func (e *Engine) Complete(ctx context.Context, req CompleteRequest) (res CompleteResult, err error) {
	regID := flow.NormalizeRegistrationID(req.RegistrationID)
	rec := Record{Op: OpComplete, Stage: req.Stage, QueueID: req.QueueID, RegistrationID: regID, Actor: req.Actor}
	defer func() { e.finish(ctx, &rec, err) }()

	if !req.Stage.Valid() {
		return CompleteResult{}, apperrors.Validation(fmt.Sprintf("unknown stage %q", req.Stage), nil)
	}
	if strings.TrimSpace(req.QueueID) == "" {
		return CompleteResult{}, apperrors.Validation("queue id is required", map[string]string{"field": "queue_id"})
	}
	if regID == "" {
		return CompleteResult{}, apperrors.Validation("a registration id must be assigned before completing", map[string]string{"field": "registration_id"})
	}
	if err := e.requireWaiting(ctx, req.Stage, req.QueueID, regID); err != nil {
		return CompleteResult{}, err
	}

	stamp := e.now().UTC().Format(time.RFC3339)
	update := store.QueueUpdate{
		Status:      flow.StatusDone,
		Action:      req.Stage.DoneAction(),
		CompletedAt: stamp,
	}

	switch req.Stage {
	case flow.StageReception:
		rd := flow.ReceptionData{}
		if req.Reception != nil {
			rd = *req.Reception
		}
		if rd.Timestamp == "" {
			rd.Timestamp = stamp
		}
		if rd.ProcessedBy == "" {
			rd.ProcessedBy = "Reception Desk"
		}
		update.ReceptionData = &rd
	case flow.StageOPD:
		od := flow.OpdData{}
		if req.Opd != nil {
			od = *req.Opd
		}
		if od.CompletedAt == "" {
			od.CompletedAt = stamp
		}
		update.OpdData = &od
	case flow.StageDoctor:
		dd := flow.DoctorData{}
		if req.Doctor != nil {
			dd = *req.Doctor
		}
		if dd.CompletedAt == "" {
			dd.CompletedAt = stamp
		}
		update.DoctorData = &dd
	}

	if err := e.store.UpdateQueueItem(ctx, req.Stage, req.QueueID, update); err != nil {
		return CompleteResult{}, apperrors.TransitionFailed("complete "+string(req.Stage), err)
	}

	e.notify(ctx, req.Actor, topicFor(req.Stage), regID, req.Stage.DoneAction())
	next, ok := req.Stage.Next()
	if !ok {
		return CompleteResult{Discharged: true}, nil
	}
	e.notify(ctx, req.Actor, topicFor(next), regID, "materialized")
	return CompleteResult{Next: next}, nil
}

// RecallRequest rolls a waiting patient back one stage.
type RecallRequest struct {
	From           flow.Stage
	QueueID        string
	RegistrationID string
	Reason         string
	Actor          string
}

// Recall sends the patient back to the previous stage through the store's
// recall endpoint. The reason is mandatory and is checked before anything
// is sent.
func (e *Engine) Recall(ctx context.Context, req RecallRequest) (to flow.Stage, err error) {
	reason := strings.TrimSpace(req.Reason)
	rec := Record{Op: OpRecall, Stage: req.From, QueueID: req.QueueID, RegistrationID: flow.NormalizeRegistrationID(req.RegistrationID), Reason: reason, Actor: req.Actor}
	defer func() { e.finish(ctx, &rec, err) }()

	if reason == "" {
		return "", apperrors.Validation("a recall reason is required", map[string]string{"field": "reason"})
	}
	if !req.From.Valid() {
		return "", apperrors.Validation(fmt.Sprintf("unknown stage %q", req.From), nil)
	}
	if strings.TrimSpace(req.QueueID) == "" {
		return "", apperrors.Validation("queue id is required", map[string]string{"field": "queue_id"})
	}

	prev, ok := req.From.Previous()
	if !ok {
		appErr := apperrors.Validation(fmt.Sprintf("cannot recall from %s", req.From), nil)
		appErr.Err = fmt.Errorf("%w: %w", apperrors.ErrValidation, ErrNoRecallPath)
		return "", appErr
	}
	rec.Target = prev

	if err := e.requireWaiting(ctx, req.From, req.QueueID, rec.RegistrationID); err != nil {
		return "", err
	}

	body := store.RecallRequest{QueueID: req.QueueID, Reason: reason}
	switch req.From {
	case flow.StageDoctor:
		err = e.store.RecallToOPD(ctx, body)
	case flow.StageOPD:
		err = e.store.RecallToReception(ctx, body)
	}
	if err != nil {
		return "", apperrors.TransitionFailed("recall to "+string(prev), err)
	}

	e.notify(ctx, req.Actor, topicFor(prev), rec.RegistrationID, "recall")
	e.notify(ctx, req.Actor, topicFor(req.From), rec.RegistrationID, "recall")
	return prev, nil
}

// RemoveRequest cancels a waiting item.
type RemoveRequest struct {
	Stage          flow.Stage
	QueueID        string
	RegistrationID string
	Confirmed      bool
	Actor          string
}

// Remove deletes the current item. No earlier stage is reopened.
func (e *Engine) Remove(ctx context.Context, req RemoveRequest) (err error) {
	rec := Record{Op: OpRemove, Stage: req.Stage, QueueID: req.QueueID, RegistrationID: flow.NormalizeRegistrationID(req.RegistrationID), Actor: req.Actor}
	defer func() { e.finish(ctx, &rec, err) }()

	if !req.Confirmed {
		appErr := apperrors.Validation("removal must be confirmed", map[string]string{"field": "confirmed"})
		appErr.Err = fmt.Errorf("%w: %w", apperrors.ErrValidation, ErrNotConfirmed)
		return appErr
	}
	if !req.Stage.Valid() {
		return apperrors.Validation(fmt.Sprintf("unknown stage %q", req.Stage), nil)
	}
	if strings.TrimSpace(req.QueueID) == "" {
		return apperrors.Validation("queue id is required", map[string]string{"field": "queue_id"})
	}

	if err := e.store.DeleteQueueItem(ctx, req.Stage, req.QueueID); err != nil {
		return apperrors.TransitionFailed("remove from "+string(req.Stage), err)
	}

	e.notify(ctx, req.Actor, topicFor(req.Stage), rec.RegistrationID, "removed")
	return nil
}

// PushToOPD takes a scheduled patient straight to OPD: arrival followed by
// an immediate reception completion. A patient already waiting at
// reception is completed as is.
func (e *Engine) PushToOPD(ctx context.Context, req ArriveRequest) (res ArriveResult, err error) {
	appt := req.Appointment
	regID := appt.Registration()
	rec := Record{Op: OpPushToOPD, Stage: flow.StageReception, Target: flow.StageOPD, RegistrationID: regID, AppointmentID: appt.Identifier(), Actor: req.Actor}
	defer func() { e.finish(ctx, &rec, err) }()

	if regID == "" {
		return ArriveResult{}, apperrors.Validation("a registration id must be assigned before pushing to OPD", map[string]string{"field": "registration_id"})
	}

	date := req.Date
	if date == "" {
		date = flow.NormalizeDate(appt.AppointmentDate, e.loc)
	}

	arrived, err := e.Arrive(ctx, req)
	queueID := arrived.QueueID
	switch {
	case err == nil:
	case apperrors.Is(err, ErrAlreadyQueued):
		e.logger.Debug().Str("registration_id", regID).Msg("already at reception, completing existing item")
	default:
		return ArriveResult{}, err
	}

	if queueID == "" {
		existing, findErr := e.findWaiting(ctx, flow.StageReception, regID, date)
		if findErr != nil {
			return ArriveResult{}, apperrors.TransitionFailed("locate reception item", findErr)
		}
		if existing == nil {
			return ArriveResult{}, apperrors.TransitionFailed("locate reception item",
				apperrors.NotFound("reception item", regID))
		}
		queueID = existing.Identifier()
	}
	rec.QueueID = queueID

	_, err = e.Complete(ctx, CompleteRequest{
		Stage:          flow.StageReception,
		QueueID:        queueID,
		RegistrationID: regID,
		Reception:      &flow.ReceptionData{Notes: AutoPulledByOPD, ProcessedBy: "OPD Staff"},
		Actor:          req.Actor,
	})
	if err != nil {
		return ArriveResult{}, err
	}
	return ArriveResult{QueueID: queueID, RegistrationID: regID}, nil
}

// findWaiting returns the newest waiting item for regID on date at stage.
// Undated items match any date.
func (e *Engine) findWaiting(ctx context.Context, stage flow.Stage, regID, date string) (*flow.QueueItem, error) {
	items, err := e.store.ListQueue(ctx, stage, store.ListFilter{RegistrationID: regID})
	if err != nil {
		return nil, err
	}
	for i := len(items) - 1; i >= 0; i-- {
		it := items[i]
		if !it.Status.IsWaiting() || it.Registration() != regID {
			continue
		}
		if itemDate := flow.NormalizeDate(it.RawDate(), e.loc); date != "" && itemDate != "" && itemDate != date {
			continue
		}
		return &it, nil
	}
	return nil, nil
}

// requireWaiting re-reads the item from the store and fails with
// ErrNotWaiting unless it is still waiting there.
func (e *Engine) requireWaiting(ctx context.Context, stage flow.Stage, queueID, regID string) error {
	items, err := e.store.ListQueue(ctx, stage, store.ListFilter{RegistrationID: regID})
	if err != nil {
		return apperrors.TransitionFailed("check "+string(stage)+" item", err)
	}
	for _, it := range items {
		if it.Identifier() != queueID {
			continue
		}
		if !it.Status.IsWaiting() {
			return conflict(ErrNotWaiting, fmt.Sprintf("%s item %s is already %s", stage, queueID, it.Status))
		}
		return nil
	}
	return conflict(ErrNotWaiting, fmt.Sprintf("%s item %s is no longer in the queue", stage, queueID))
}

func conflict(sentinel error, message string) *apperrors.AppError {
	appErr := apperrors.Conflict(message)
	appErr.Err = fmt.Errorf("%w: %w", apperrors.ErrConflict, sentinel)
	return appErr
}

func topicFor(stage flow.Stage) string {
	switch stage {
	case flow.StageReception:
		return events.TopicReceptionQueueUpdated
	case flow.StageOPD:
		return events.TopicOpdQueueUpdated
	case flow.StageDoctor:
		return events.TopicDoctorQueueUpdated
	}
	return ""
}

func (e *Engine) notify(ctx context.Context, actor, topic, regID, action string) {
	if e.bus == nil || topic == "" {
		return
	}
	evt := events.NewEvent(topic, "transition", events.QueueUpdate{RegistrationID: regID, Action: action}).
		WithActor(actor).
		WithCorrelation(middleware.GetReqID(ctx))
	if err := e.bus.Publish(ctx, evt); err != nil {
		e.logger.Warn().Err(err).Str("topic", topic).Msg("queue notification failed")
	}
}

// finish records the outcome of every transition, successful or not.
func (e *Engine) finish(ctx context.Context, rec *Record, err error) {
	rec.At = e.now().UTC()
	rec.Result = ResultOK
	if err != nil {
		rec.Result = ResultError
		rec.Error = err.Error()
		if appErr, ok := apperrors.As(err); ok {
			rec.Code = appErr.Code
		}
	}

	metrics.RecordTransition(rec.Op, string(rec.Stage), err)

	log := e.logger.Info()
	if err != nil {
		log = e.logger.Warn().Err(err)
	}
	log.Str("op", rec.Op).
		Str("stage", string(rec.Stage)).
		Str("queue_id", rec.QueueID).
		Str("registration_id", rec.RegistrationID).
		Str("actor", rec.Actor).
		Msg("transition")

	if e.bus == nil {
		return
	}
	evt := events.NewEvent(rec.Topic(), "transition", *rec).
		WithActor(rec.Actor).
		WithCorrelation(middleware.GetReqID(ctx))
	if pubErr := e.bus.Publish(ctx, evt); pubErr != nil {
		e.logger.Warn().Err(pubErr).Msg("transition subscribers failed")
	}
}
