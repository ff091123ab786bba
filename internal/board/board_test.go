package board

import (
	"context"
	"errors"
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

type fakeEngine struct {
	calls     []string
	arrives   []transition.ArriveRequest
	completes []transition.CompleteRequest
	removes   []transition.RemoveRequest
	err       error
}

func (f *fakeEngine) Arrive(_ context.Context, req transition.ArriveRequest) (transition.ArriveResult, error) {
	f.calls = append(f.calls, transition.OpArrive)
	f.arrives = append(f.arrives, req)
	return transition.ArriveResult{QueueID: "new"}, f.err
}

func (f *fakeEngine) PushToOPD(_ context.Context, req transition.ArriveRequest) (transition.ArriveResult, error) {
	f.calls = append(f.calls, transition.OpPushToOPD)
	f.arrives = append(f.arrives, req)
	return transition.ArriveResult{QueueID: "new"}, f.err
}

func (f *fakeEngine) Complete(_ context.Context, req transition.CompleteRequest) (transition.CompleteResult, error) {
	f.calls = append(f.calls, transition.OpComplete)
	f.completes = append(f.completes, req)
	return transition.CompleteResult{}, f.err
}

func (f *fakeEngine) Remove(_ context.Context, req transition.RemoveRequest) error {
	f.calls = append(f.calls, transition.OpRemove)
	f.removes = append(f.removes, req)
	return f.err
}

func fixture() staticSource {
	src := flow.Sources{
		Appointments: []flow.Appointment{
			{ID: "a1", PatientRegistrationID: "REG-S", PatientName: "Sita Scheduled", AppointmentDate: "2025-10-01"},
			{ID: "a2", PatientRegistrationID: "REG-R", PatientName: "Ravi Reception", AppointmentDate: "2025-10-01"},
		},
		Reception:     []flow.QueueItem{{ID: "r1", PatientRegistrationID: "REG-R", PatientName: "Ravi Reception"}},
		OPD:           []flow.QueueItem{{ID: "o1", PatientRegistrationID: "REG-O", PatientName: "Omar Opd"}},
		DoctorWaiting: []flow.QueueItem{{ID: "d1", PatientRegistrationID: "REG-D", PatientName: "Devi Doctor"}},
		DoctorDone:    []flow.QueueItem{{ID: "d0", PatientRegistrationID: "REG-X", PatientName: "Xavier Done", Status: flow.StatusDone}},
	}
	return staticSource{snap: flow.NewSnapshot("2025-10-01", 1, time.Now(), src)}
}

func keys(entries []flow.MergedEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Key)
	}
	return out
}

func TestListFilters(t *testing.T) {
	b := New(fixture(), &fakeEngine{}, zerolog.Nop())

	tests := []struct {
		query Query
		want  []string
	}{
		{Query{}, []string{"REG-D", "REG-O", "REG-R", "REG-S", "REG-X"}},
		{Query{Filter: FilterIncoming}, []string{"REG-S"}},
		{Query{Filter: FilterAtDesk}, []string{"REG-D", "REG-O", "REG-R"}},
		{Query{Filter: FilterDischarged}, []string{"REG-X"}},
		{Query{Search: "RAVI"}, []string{"REG-R"}},
		{Query{Search: "reg-o"}, []string{"REG-O"}},
		{Query{Search: "  devi "}, []string{"REG-D"}},
		{Query{Search: "nobody"}, []string{}},
		{Query{Search: "reg", Filter: FilterIncoming}, []string{"REG-S"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, keys(b.List(tt.query)), "%+v", tt.query)
	}
}

func TestListBeforeFirstPoll(t *testing.T) {
	b := New(staticSource{}, &fakeEngine{}, zerolog.Nop())
	assert.Empty(t, b.List(Query{}))
	assert.Equal(t, flow.Counts{}, b.Counts())
}

func TestParseFilterAndRole(t *testing.T) {
	f, err := ParseFilter("AT-DESK")
	require.NoError(t, err)
	assert.Equal(t, FilterAtDesk, f)
	f, err = ParseFilter("")
	require.NoError(t, err)
	assert.Equal(t, FilterAll, f)
	_, err = ParseFilter("billing")
	assert.Error(t, err)

	assert.Equal(t, RoleReception, ParseRole("Receptionist"))
	assert.Equal(t, RoleOPD, ParseRole("opd"))
	assert.Equal(t, RoleDoctor, ParseRole(" Doctor "))
	assert.Equal(t, RoleOther, ParseRole("billing"))
}

func TestSelectAutoAdvance(t *testing.T) {
	tests := []struct {
		name   string
		role   Role
		key    string
		wantOp string
	}{
		{"reception pulls scheduled", RoleReception, "REG-S", transition.OpArrive},
		{"opd pulls reception", RoleOPD, "REG-R", transition.OpComplete},
		{"opd super-pushes scheduled", RoleOPD, "REG-S", transition.OpPushToOPD},
		{"doctor pulls opd", RoleDoctor, "REG-O", transition.OpComplete},
		{"reception opens reception", RoleReception, "REG-R", ""},
		{"doctor opens scheduled", RoleDoctor, "REG-S", ""},
		{"doctor opens own queue", RoleDoctor, "REG-D", ""},
		{"other role never advances", RoleOther, "REG-S", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &fakeEngine{}
			b := New(fixture(), engine, zerolog.Nop())

			sel, err := b.Select(context.Background(), tt.role, tt.key)
			require.NoError(t, err)
			assert.Equal(t, tt.key, sel.Entry.Key)
			assert.Equal(t, tt.wantOp, sel.AutoAdvanced)
			assert.Empty(t, sel.Warnings)

			if tt.wantOp == "" {
				assert.Empty(t, engine.calls)
				return
			}
			assert.Equal(t, []string{tt.wantOp}, engine.calls)
		})
	}
}

func TestSelectPayloads(t *testing.T) {
	engine := &fakeEngine{}
	b := New(fixture(), engine, zerolog.Nop())

	_, err := b.Select(context.Background(), RoleOPD, "REG-R")
	require.NoError(t, err)
	_, err = b.Select(context.Background(), RoleDoctor, "REG-O")
	require.NoError(t, err)
	_, err = b.Select(context.Background(), RoleReception, "REG-S")
	require.NoError(t, err)

	require.Len(t, engine.completes, 2)
	assert.Equal(t, flow.StageReception, engine.completes[0].Stage)
	assert.Equal(t, "r1", engine.completes[0].QueueID)
	assert.Equal(t, transition.AutoPulledByOPD, engine.completes[0].Reception.Notes)
	assert.Equal(t, flow.StageOPD, engine.completes[1].Stage)
	assert.Equal(t, transition.AutoPulledByDoctor, engine.completes[1].Opd.Findings)

	require.Len(t, engine.arrives, 1)
	assert.Equal(t, "a1", engine.arrives[0].Appointment.ID)
	assert.Equal(t, "2025-10-01", engine.arrives[0].Date)
	assert.Equal(t, "reception", engine.arrives[0].Actor)
}

func TestSelectSwallowsAutoAdvanceFailure(t *testing.T) {
	engine := &fakeEngine{err: errors.New("store unavailable")}
	b := New(fixture(), engine, zerolog.Nop())

	sel, err := b.Select(context.Background(), RoleReception, "REG-S")
	require.NoError(t, err)
	assert.Equal(t, "REG-S", sel.Entry.Key)
	assert.Empty(t, sel.AutoAdvanced)
	require.Len(t, sel.Warnings, 1)
	assert.Contains(t, sel.Warnings[0], "store unavailable")
}

func TestSelectUnknownKey(t *testing.T) {
	b := New(fixture(), &fakeEngine{}, zerolog.Nop())

	_, err := b.Select(context.Background(), RoleReception, "REG-404")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestSelectMarksDischarged(t *testing.T) {
	b := New(fixture(), &fakeEngine{}, zerolog.Nop())

	sel, err := b.Select(context.Background(), RoleDoctor, "REG-X")
	require.NoError(t, err)
	assert.True(t, sel.Discharged)
}

func TestRemove(t *testing.T) {
	engine := &fakeEngine{}
	b := New(fixture(), engine, zerolog.Nop())

	require.NoError(t, b.Remove(context.Background(), "REG-O", true, "opd"))
	require.Len(t, engine.removes, 1)
	assert.Equal(t, flow.StageOPD, engine.removes[0].Stage)
	assert.Equal(t, "o1", engine.removes[0].QueueID)

	for _, key := range []string{"REG-S", "REG-X"} {
		err := b.Remove(context.Background(), key, true, "opd")
		assert.True(t, apperrors.Is(err, apperrors.ErrValidation), key)
	}
	assert.Len(t, engine.removes, 1)
}

func TestCounts(t *testing.T) {
	b := New(fixture(), &fakeEngine{}, zerolog.Nop())
	assert.Equal(t, flow.Counts{Scheduled: 1, Reception: 1, OPD: 1, Doctor: 1, Discharged: 1}, b.Counts())
}
