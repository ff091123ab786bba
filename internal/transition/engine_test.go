package transition_test

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinic-ops/patientflow/internal/flow"
	"github.com/clinic-ops/patientflow/internal/reconcile"
	apperrors "github.com/clinic-ops/patientflow/internal/shared/errors"
	"github.com/clinic-ops/patientflow/internal/shared/events"
	"github.com/clinic-ops/patientflow/internal/store"
	"github.com/clinic-ops/patientflow/internal/store/storetest"
	"github.com/clinic-ops/patientflow/internal/transition"
)

const (
	reg = "REG-2025-000123"
	day = "2025-10-01"
)

func clock() time.Time { return time.Date(2025, 10, 1, 9, 30, 0, 0, time.UTC) }

type harness struct {
	srv    *storetest.Server
	engine *transition.Engine
	poller *reconcile.Poller
	bus    *events.Bus

	mu     sync.Mutex
	topics []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	srv := storetest.New()
	t.Cleanup(srv.Close)

	bus := events.NewBus(zerolog.Nop())
	t.Cleanup(bus.Close)

	client := store.New(store.Config{BaseURL: srv.URL(), Timeout: 2 * time.Second}, zerolog.Nop())
	h := &harness{
		srv:    srv,
		bus:    bus,
		engine: transition.NewEngine(client, bus, zerolog.Nop(), transition.WithClock(clock), transition.WithLocation(time.UTC)),
		poller: reconcile.NewPoller(client, nil, reconcile.Config{Interval: time.Hour, Location: time.UTC}, zerolog.Nop(), reconcile.WithClock(clock)),
	}

	_, err := bus.Subscribe(context.Background(), "*", "recorder", func(_ context.Context, evt events.Event) error {
		h.mu.Lock()
		h.topics = append(h.topics, evt.Type)
		h.mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	return h
}

func (h *harness) seen() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.topics...)
}

// level polls once and returns the patient's single merged entry.
func (h *harness) level(t *testing.T) flow.MergedEntry {
	t.Helper()
	snap, err := h.poller.Poll(context.Background())
	require.NoError(t, err)

	var found []flow.MergedEntry
	for _, e := range snap.Entries {
		if e.RegistrationID == reg {
			found = append(found, e)
		}
	}
	require.Len(t, found, 1, "exactly one merged entry per patient")
	return found[0]
}

func booked(h *harness) flow.Appointment {
	return h.srv.AddAppointment(flow.Appointment{
		PatientRegistrationID: reg,
		PatientName:           "Asha Kumar",
		AppointmentDate:       day,
		AppointmentTime:       "09:00",
		DoctorName:            "Dr. Rao",
		Status:                flow.AppointmentBooked,
	})
}

func TestHappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	appt := booked(h)

	assert.Equal(t, flow.LevelScheduled, h.level(t).Level)

	arrived, err := h.engine.Arrive(ctx, transition.ArriveRequest{Appointment: appt, Actor: "reception"})
	require.NoError(t, err)
	require.NotEmpty(t, arrived.QueueID)
	entry := h.level(t)
	assert.Equal(t, flow.LevelReception, entry.Level)
	assert.Equal(t, "Dr. Rao", entry.Item.ReceptionData.DoctorName)

	res, err := h.engine.Complete(ctx, transition.CompleteRequest{
		Stage: flow.StageReception, QueueID: entry.QueueID, RegistrationID: reg,
		Reception: &flow.ReceptionData{Notes: "vitals taken"},
	})
	require.NoError(t, err)
	assert.Equal(t, flow.StageOPD, res.Next)
	entry = h.level(t)
	assert.Equal(t, flow.LevelOPD, entry.Level)

	_, err = h.engine.Complete(ctx, transition.CompleteRequest{
		Stage: flow.StageOPD, QueueID: entry.QueueID, RegistrationID: reg,
		Opd: &flow.OpdData{Findings: "IOP 16/17"},
	})
	require.NoError(t, err)
	entry = h.level(t)
	assert.Equal(t, flow.LevelDoctor, entry.Level)
	assert.Equal(t, "IOP 16/17", entry.Item.OpdData.Findings)

	res, err = h.engine.Complete(ctx, transition.CompleteRequest{
		Stage: flow.StageDoctor, QueueID: entry.QueueID, RegistrationID: reg,
		Doctor: &flow.DoctorData{Diagnosis: "Myopia", Prescription: "-1.25 OU"},
	})
	require.NoError(t, err)
	assert.True(t, res.Discharged)
	entry = h.level(t)
	assert.Equal(t, flow.LevelDischarged, entry.Level)
	assert.True(t, entry.Discharged())

	seen := h.seen()
	assert.Contains(t, seen, events.TopicReceptionQueueUpdated)
	assert.Contains(t, seen, events.TopicOpdQueueUpdated)
	assert.Contains(t, seen, events.TopicDoctorQueueUpdated)
	assert.Contains(t, seen, "transition.arrive")
	assert.Contains(t, seen, "transition.complete")
}

func TestRecallRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.srv.AddItem(flow.StageOPD, flow.QueueItem{PatientRegistrationID: reg, AppointmentDate: day, Status: flow.StatusDone})
	doc := h.srv.AddItem(flow.StageDoctor, flow.QueueItem{PatientRegistrationID: reg, AppointmentDate: day})
	require.Equal(t, flow.LevelDoctor, h.level(t).Level)

	to, err := h.engine.Recall(ctx, transition.RecallRequest{
		From: flow.StageDoctor, QueueID: doc.ID, RegistrationID: reg, Reason: "wrong IOP reading",
	})
	require.NoError(t, err)
	assert.Equal(t, flow.StageOPD, to)

	assert.Equal(t, flow.LevelOPD, h.level(t).Level)
	for _, it := range h.srv.Items(flow.StageDoctor) {
		if it.Registration() == reg {
			assert.NotEqual(t, flow.StatusWaiting, it.Status)
		}
	}
}

func TestRecallRequiresReason(t *testing.T) {
	h := newHarness(t)
	doc := h.srv.AddItem(flow.StageDoctor, flow.QueueItem{PatientRegistrationID: reg, AppointmentDate: day})

	for _, reason := range []string{"", "   ", "\t\n"} {
		_, err := h.engine.Recall(context.Background(), transition.RecallRequest{
			From: flow.StageDoctor, QueueID: doc.ID, Reason: reason,
		})
		require.Error(t, err)
		assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
	}
	assert.Zero(t, h.srv.Mutations())
	assert.Contains(t, h.seen(), "transition.recall")
}

func TestNoRecallFromReception(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.Recall(context.Background(), transition.RecallRequest{
		From: flow.StageReception, QueueID: "q1", Reason: "typo",
	})
	assert.True(t, apperrors.Is(err, transition.ErrNoRecallPath))
	assert.Empty(t, h.srv.Calls())
}

func TestArriveRejectsDuplicate(t *testing.T) {
	h := newHarness(t)
	appt := booked(h)

	_, err := h.engine.Arrive(context.Background(), transition.ArriveRequest{Appointment: appt})
	require.NoError(t, err)

	_, err = h.engine.Arrive(context.Background(), transition.ArriveRequest{Appointment: appt})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, transition.ErrAlreadyQueued))
	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusConflict, appErr.HTTPStatus)
	assert.Len(t, h.srv.Items(flow.StageReception), 1)
}

func TestArriveIgnoresOtherDaysAndDoneItems(t *testing.T) {
	h := newHarness(t)
	appt := booked(h)
	h.srv.AddItem(flow.StageReception, flow.QueueItem{PatientRegistrationID: reg, AppointmentDate: "2025-09-30"})
	h.srv.AddItem(flow.StageReception, flow.QueueItem{PatientRegistrationID: reg, AppointmentDate: day, Status: flow.StatusDone})

	_, err := h.engine.Arrive(context.Background(), transition.ArriveRequest{Appointment: appt})
	require.NoError(t, err)
	assert.Len(t, h.srv.Items(flow.StageReception), 3)
}

func TestArriveTreatsUndatedItemAsToday(t *testing.T) {
	h := newHarness(t)
	appt := booked(h)
	h.srv.AddItem(flow.StageReception, flow.QueueItem{PatientRegistrationID: reg})

	_, err := h.engine.Arrive(context.Background(), transition.ArriveRequest{Appointment: appt})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, transition.ErrAlreadyQueued))
	assert.Len(t, h.srv.Items(flow.StageReception), 1)
	assert.Zero(t, h.srv.CountCalls(http.MethodPost, "/queue/reception"))
}

func TestCompleteValidatesBeforeCalling(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name string
		req  transition.CompleteRequest
	}{
		{"missing queue id", transition.CompleteRequest{Stage: flow.StageOPD, RegistrationID: reg}},
		{"sentinel registration", transition.CompleteRequest{Stage: flow.StageOPD, QueueID: "q1", RegistrationID: flow.NotAssigned}},
		{"unknown stage", transition.CompleteRequest{Stage: "billing", QueueID: "q1", RegistrationID: reg}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.Complete(context.Background(), tt.req)
			assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
		})
	}
	assert.Empty(t, h.srv.Calls())
}

func TestStoreFailureIsSurfaced(t *testing.T) {
	h := newHarness(t)
	it := h.srv.AddItem(flow.StageOPD, flow.QueueItem{PatientRegistrationID: reg, AppointmentDate: day})
	h.srv.FailNext(http.MethodPut, "/queue/opd", http.StatusInternalServerError, 1)

	_, err := h.engine.Complete(context.Background(), transition.CompleteRequest{
		Stage: flow.StageOPD, QueueID: it.ID, RegistrationID: reg,
	})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrTransitionFailed))
	assert.True(t, apperrors.Is(err, apperrors.ErrUpstream))
	assert.Empty(t, h.srv.Items(flow.StageDoctor), "nothing materialised")
	assert.Equal(t, 1, h.srv.CountCalls(http.MethodPut, "/queue/opd"), "never retried")
}

func TestCompleteRejectsItemNoLongerWaiting(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	it := h.srv.AddItem(flow.StageOPD, flow.QueueItem{PatientRegistrationID: reg, AppointmentDate: day})

	_, err := h.engine.Complete(ctx, transition.CompleteRequest{
		Stage: flow.StageOPD, QueueID: it.ID, RegistrationID: reg,
		Opd: &flow.OpdData{Findings: "IOP 32 OD"},
	})
	require.NoError(t, err)

	_, err = h.engine.Complete(ctx, transition.CompleteRequest{
		Stage: flow.StageOPD, QueueID: it.ID, RegistrationID: reg,
		Opd: &flow.OpdData{Findings: "overwritten"},
	})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, transition.ErrNotWaiting))
	assert.True(t, apperrors.Is(err, apperrors.ErrConflict))
	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusConflict, appErr.HTTPStatus)

	assert.Equal(t, 1, h.srv.CountCalls(http.MethodPut, "/queue/opd"))
	opd := h.srv.Items(flow.StageOPD)
	require.Len(t, opd, 1)
	require.NotNil(t, opd[0].OpdData)
	assert.Equal(t, "IOP 32 OD", opd[0].OpdData.Findings)
	assert.Len(t, h.srv.Items(flow.StageDoctor), 1, "next stage materialised once")
}

func TestCompleteRejectsUnknownItem(t *testing.T) {
	h := newHarness(t)
	h.srv.AddItem(flow.StageOPD, flow.QueueItem{PatientRegistrationID: reg, AppointmentDate: day})

	_, err := h.engine.Complete(context.Background(), transition.CompleteRequest{
		Stage: flow.StageOPD, QueueID: "missing", RegistrationID: reg,
	})
	assert.True(t, apperrors.Is(err, transition.ErrNotWaiting))
	assert.Zero(t, h.srv.Mutations())
}

func TestRecallRejectsFinishedItem(t *testing.T) {
	h := newHarness(t)
	h.srv.AddItem(flow.StageOPD, flow.QueueItem{PatientRegistrationID: reg, AppointmentDate: day, Status: flow.StatusDone})
	doc := h.srv.AddItem(flow.StageDoctor, flow.QueueItem{PatientRegistrationID: reg, AppointmentDate: day, Status: flow.StatusDone})

	_, err := h.engine.Recall(context.Background(), transition.RecallRequest{
		From: flow.StageDoctor, QueueID: doc.ID, RegistrationID: reg, Reason: "wrong eye",
	})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, transition.ErrNotWaiting))
	assert.Zero(t, h.srv.Mutations())
	assert.Len(t, h.srv.Items(flow.StageDoctor), 1)
}

func TestRemoveRequiresConfirmation(t *testing.T) {
	h := newHarness(t)
	it := h.srv.AddItem(flow.StageReception, flow.QueueItem{PatientRegistrationID: reg, AppointmentDate: day})

	err := h.engine.Remove(context.Background(), transition.RemoveRequest{Stage: flow.StageReception, QueueID: it.ID})
	assert.True(t, apperrors.Is(err, transition.ErrNotConfirmed))
	assert.Len(t, h.srv.Items(flow.StageReception), 1)

	err = h.engine.Remove(context.Background(), transition.RemoveRequest{Stage: flow.StageReception, QueueID: it.ID, Confirmed: true})
	require.NoError(t, err)
	assert.Empty(t, h.srv.Items(flow.StageReception))
}

func TestPushToOPD(t *testing.T) {
	for _, echo := range []bool{true, false} {
		t.Run(map[bool]string{true: "store echoes id", false: "store hides id"}[echo], func(t *testing.T) {
			h := newHarness(t)
			h.srv.EchoCreatedIDs(echo)
			appt := booked(h)

			res, err := h.engine.PushToOPD(context.Background(), transition.ArriveRequest{Appointment: appt, Actor: "opd"})
			require.NoError(t, err)
			assert.NotEmpty(t, res.QueueID)

			entry := h.level(t)
			assert.Equal(t, flow.LevelOPD, entry.Level)
			assert.Equal(t, transition.AutoPulledByOPD, entry.Item.ReceptionData.Notes)
		})
	}
}

func TestPushToOPDCompletesExistingReceptionItem(t *testing.T) {
	h := newHarness(t)
	appt := booked(h)
	existing := h.srv.AddItem(flow.StageReception, flow.QueueItem{PatientRegistrationID: reg, AppointmentDate: day})

	res, err := h.engine.PushToOPD(context.Background(), transition.ArriveRequest{Appointment: appt})
	require.NoError(t, err)
	assert.Equal(t, existing.ID, res.QueueID)
	assert.Len(t, h.srv.Items(flow.StageReception), 1)
	assert.Equal(t, flow.LevelOPD, h.level(t).Level)
}
