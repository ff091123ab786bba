package flow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageTransitions(t *testing.T) {
	next, ok := StageReception.Next()
	assert.True(t, ok)
	assert.Equal(t, StageOPD, next)

	_, ok = StageDoctor.Next()
	assert.False(t, ok, "doctor completion discharges")

	prev, ok := StageDoctor.Previous()
	assert.True(t, ok)
	assert.Equal(t, StageOPD, prev)

	_, ok = StageReception.Previous()
	assert.False(t, ok, "no recall back to scheduled")

	assert.Equal(t, "opd_done", StageOPD.DoneAction())
}

func TestParseStage(t *testing.T) {
	s, err := ParseStage(" OPD ")
	require.NoError(t, err)
	assert.Equal(t, StageOPD, s)

	_, err = ParseStage("billing")
	assert.Error(t, err)
}

func TestLevelPriorityIsStrict(t *testing.T) {
	for i := 1; i < len(Levels); i++ {
		assert.Greater(t, Levels[i].Priority(), Levels[i-1].Priority())
	}
	assert.Equal(t, 5, LevelDischarged.Priority())
	assert.Equal(t, 0, Level("Billing").Priority())
}

func TestQueueItemDecodesLegacyShapes(t *testing.T) {
	raw := `{
		"_id": "665f",
		"status": "waiting",
		"receptionData": {
			"patientName": "Asha",
			"appointmentDate": "2025-10-01T04:30:00.000Z",
			"patientDetails": {"registrationId": "Not Assigned"},
			"patientRegistrationId": "REG-7"
		}
	}`

	var it QueueItem
	require.NoError(t, json.Unmarshal([]byte(raw), &it))

	assert.Equal(t, "665f", it.Identifier())
	assert.Equal(t, "REG-7", it.Registration())
	assert.Equal(t, "Asha", it.Name())
	assert.Equal(t, "2025-10-01T04:30:00.000Z", it.RawDate())
}

func TestNormalizeRegistrationID(t *testing.T) {
	assert.Equal(t, "", NormalizeRegistrationID("Not Assigned"))
	assert.Equal(t, "", NormalizeRegistrationID(" NOT ASSIGNED "))
	assert.Equal(t, "REG-1", NormalizeRegistrationID(" REG-1 "))
}

func TestArrivalSnapshot(t *testing.T) {
	a := Appointment{LegacyID: "a9", RegistrationID: "REG-9", PatientName: "Ravi", AppointmentDate: "2025-10-01", DoctorName: "Dr. Rao"}
	rd := a.ArrivalSnapshot()

	assert.Equal(t, "a9", rd.AppointmentID)
	assert.Equal(t, "REG-9", rd.PatientRegistrationID)
	assert.Equal(t, "Dr. Rao", rd.DoctorName)
}
