package desk

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinic-ops/patientflow/internal/flow"
	apperrors "github.com/clinic-ops/patientflow/internal/shared/errors"
	"github.com/clinic-ops/patientflow/internal/transition"
)

type staticSource struct{ snap *flow.Snapshot }

func (s staticSource) Snapshot() *flow.Snapshot { return s.snap }

type recordingEngine struct {
	completes []transition.CompleteRequest
	recalls   []transition.RecallRequest
	removes   []transition.RemoveRequest
	err       error
}

func (r *recordingEngine) Complete(_ context.Context, req transition.CompleteRequest) (transition.CompleteResult, error) {
	r.completes = append(r.completes, req)
	if r.err != nil {
		return transition.CompleteResult{}, r.err
	}
	next, ok := req.Stage.Next()
	return transition.CompleteResult{Next: next, Discharged: !ok}, nil
}

func (r *recordingEngine) Recall(_ context.Context, req transition.RecallRequest) (flow.Stage, error) {
	r.recalls = append(r.recalls, req)
	prev, _ := req.From.Previous()
	return prev, r.err
}

func (r *recordingEngine) Remove(_ context.Context, req transition.RemoveRequest) error {
	r.removes = append(r.removes, req)
	return r.err
}

func snapshotWith(src flow.Sources) staticSource {
	return staticSource{snap: flow.NewSnapshot("2025-10-01", 1, time.Now(), src)}
}

func TestWaitingOnlyListsWaitingItems(t *testing.T) {
	src := snapshotWith(flow.Sources{OPD: []flow.QueueItem{
		{ID: "q1", PatientRegistrationID: "REG-1", Status: flow.StatusWaiting},
		{ID: "q2", PatientRegistrationID: "REG-2", Status: flow.StatusDone},
	}})
	d := New(flow.StageOPD, src, &recordingEngine{}, zerolog.Nop())

	waiting := d.Waiting()
	require.Len(t, waiting, 1)
	assert.Equal(t, "q1", waiting[0].ID)
}

func TestWaitingBeforeFirstPoll(t *testing.T) {
	d := New(flow.StageDoctor, staticSource{}, &recordingEngine{}, zerolog.Nop())
	assert.Empty(t, d.Waiting())
}

func TestOpenSeedsFromThisVisitOnly(t *testing.T) {
	complaints := json.RawMessage(`{"complaints":["blurred vision"]}`)
	src := snapshotWith(flow.Sources{DoctorWaiting: []flow.QueueItem{{
		ID:     "q7",
		Status: flow.StatusWaiting,
		ReceptionData: &flow.ReceptionData{
			PatientRegistrationID: "REG-7",
			Phone:                 "98450",
			DoctorName:            "Dr. Rao",
			Notes:                 "first visit this year",
			PatientDetails:        &flow.PatientDetails{Name: "Ravi", Age: "54", Allergies: "penicillin"},
			PresentingComplaints:  complaints,
		},
		OpdData: &flow.OpdData{Findings: "IOP 22/21"},
	}}})
	d := New(flow.StageDoctor, src, &recordingEngine{}, zerolog.Nop())

	enc, err := d.Open("q7")
	require.NoError(t, err)

	assert.Equal(t, "REG-7", enc.RegistrationID)
	assert.Equal(t, "Ravi", enc.Patient.Name)
	assert.Equal(t, "54", enc.Patient.Age)
	assert.Equal(t, "98450", enc.Patient.Phone)
	assert.Equal(t, "penicillin", enc.Patient.Allergies)
	assert.JSONEq(t, string(complaints), string(enc.PresentingComplaints))
	assert.Equal(t, "first visit this year", enc.ReceptionNotes)
	require.NotNil(t, enc.Opd)
	assert.Equal(t, "IOP 22/21", enc.Opd.Findings)
	assert.True(t, enc.CanComplete)
}

func TestOpenUnknownItem(t *testing.T) {
	d := New(flow.StageOPD, snapshotWith(flow.Sources{}), &recordingEngine{}, zerolog.Nop())

	_, err := d.Open("missing")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestCompleteRefusesMissingRegistration(t *testing.T) {
	src := snapshotWith(flow.Sources{Reception: []flow.QueueItem{
		{ID: "q1", PatientName: "Walk-in", PatientRegistrationID: flow.NotAssigned},
	}})
	engine := &recordingEngine{}
	d := New(flow.StageReception, src, engine, zerolog.Nop())

	enc, err := d.Open("q1")
	require.NoError(t, err)
	assert.False(t, enc.CanComplete)
	assert.NotEmpty(t, enc.Problems)

	_, err = d.Complete(context.Background(), "q1", Form{Notes: "ok"})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
	assert.Empty(t, engine.completes)
}

func TestCompleteSendsStagePayload(t *testing.T) {
	src := snapshotWith(flow.Sources{
		Reception:     []flow.QueueItem{{ID: "r1", PatientRegistrationID: "REG-1"}},
		OPD:           []flow.QueueItem{{ID: "o1", PatientRegistrationID: "REG-2"}},
		DoctorWaiting: []flow.QueueItem{{ID: "d1", PatientRegistrationID: "REG-3"}},
	})
	engine := &recordingEngine{}
	form := Form{
		Notes: " arrived early ", Phone: "123",
		Findings: "IOP 16/17", IOP: json.RawMessage(`{"re":16,"le":17}`),
		Diagnosis: "Myopia", Prescription: "-1.25 OU",
		Actor: "staff",
	}

	_, err := New(flow.StageReception, src, engine, zerolog.Nop()).Complete(context.Background(), "r1", form)
	require.NoError(t, err)
	_, err = New(flow.StageOPD, src, engine, zerolog.Nop()).Complete(context.Background(), "o1", form)
	require.NoError(t, err)
	res, err := New(flow.StageDoctor, src, engine, zerolog.Nop()).Complete(context.Background(), "d1", form)
	require.NoError(t, err)
	assert.True(t, res.Discharged)

	require.Len(t, engine.completes, 3)

	rec := engine.completes[0]
	require.NotNil(t, rec.Reception)
	assert.Nil(t, rec.Opd)
	assert.Equal(t, "arrived early", rec.Reception.Notes)
	assert.Equal(t, "Reception Desk", rec.Reception.ProcessedBy)
	assert.Equal(t, "REG-1", rec.RegistrationID)

	opd := engine.completes[1]
	require.NotNil(t, opd.Opd)
	assert.Equal(t, "IOP 16/17", opd.Opd.Findings)
	assert.JSONEq(t, `{"re":16,"le":17}`, string(opd.Opd.IOP))

	doc := engine.completes[2]
	require.NotNil(t, doc.Doctor)
	assert.Equal(t, "Myopia", doc.Doctor.Diagnosis)
	assert.Equal(t, "staff", doc.Actor)
}

func TestRecall(t *testing.T) {
	src := snapshotWith(flow.Sources{
		Reception: []flow.QueueItem{{ID: "r1", PatientRegistrationID: "REG-1"}},
		OPD:       []flow.QueueItem{{ID: "o1", PatientRegistrationID: "REG-2"}},
	})
	engine := &recordingEngine{}

	to, err := New(flow.StageOPD, src, engine, zerolog.Nop()).Recall(context.Background(), "o1", "wrong phone", "opd")
	require.NoError(t, err)
	assert.Equal(t, flow.StageReception, to)
	require.Len(t, engine.recalls, 1)
	assert.Equal(t, "REG-2", engine.recalls[0].RegistrationID)

	_, err = New(flow.StageReception, src, engine, zerolog.Nop()).Recall(context.Background(), "r1", "typo", "reception")
	assert.True(t, apperrors.Is(err, transition.ErrNoRecallPath))
	assert.Len(t, engine.recalls, 1)
}

func TestRemovePassesConfirmation(t *testing.T) {
	src := snapshotWith(flow.Sources{OPD: []flow.QueueItem{{ID: "o1", PatientRegistrationID: "REG-2"}}})
	engine := &recordingEngine{}

	require.NoError(t, New(flow.StageOPD, src, engine, zerolog.Nop()).Remove(context.Background(), "o1", true, "opd"))
	require.Len(t, engine.removes, 1)
	assert.True(t, engine.removes[0].Confirmed)
	assert.Equal(t, flow.StageOPD, engine.removes[0].Stage)
}
