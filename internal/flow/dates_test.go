package flow

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeDate(t *testing.T) {
	kolkata, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	newYork, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	tests := []struct {
		name string
		raw  string
		loc  *time.Location
		want string
	}{
		{"bare date", "2025-10-01", kolkata, "2025-10-01"},
		{"bare date never shifted", "2025-10-01", newYork, "2025-10-01"},
		{"utc datetime same day", "2025-10-01T08:00:00Z", kolkata, "2025-10-01"},
		{"utc crossing midnight east", "2025-09-30T20:00:00.000Z", kolkata, "2025-10-01"},
		{"utc crossing midnight west", "2025-10-01T02:00:00Z", newYork, "2025-09-30"},
		{"offset datetime", "2025-10-01T23:30:00+05:30", kolkata, "2025-10-01"},
		{"local wall clock", "2025-10-01T23:59:00", kolkata, "2025-10-01"},
		{"space separated", "2025-10-01 09:15:00", kolkata, "2025-10-01"},
		{"garbage keeps prefix", "2025-10-01Tnonsense", kolkata, "2025-10-01"},
		{"garbage without T", "tomorrow", kolkata, "tomorrow"},
		{"empty", "", kolkata, ""},
		{"whitespace", "   ", kolkata, ""},
		{"nil location", "2025-10-01", nil, "2025-10-01"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeDate(tt.raw, tt.loc))
		})
	}
}

func TestToday(t *testing.T) {
	kolkata, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)

	now := time.Date(2025, 9, 30, 20, 0, 0, 0, time.UTC)
	assert.Equal(t, "2025-10-01", Today(kolkata, now))
	assert.Equal(t, "2025-09-30", Today(time.UTC, now))
}

func TestValidDate(t *testing.T) {
	assert.True(t, ValidDate("2025-10-01"))
	assert.False(t, ValidDate("2025-13-01"))
	assert.False(t, ValidDate("01/10/2025"))
	assert.False(t, ValidDate(""))
}

func TestFilterItemsDateIsolation(t *testing.T) {
	kolkata, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)

	items := []QueueItem{
		{ID: "bare", AppointmentDate: "2025-10-01"},
		{ID: "iso-crossing", AppointmentDate: "2025-09-30T19:00:00Z"},
		{ID: "iso-previous", AppointmentDate: "2025-09-30T10:00:00Z"},
		{ID: "nested", ReceptionData: &ReceptionData{AppointmentDate: "2025-10-01"}},
		{ID: "nested-other", ReceptionData: &ReceptionData{AppointmentDate: "2025-10-02"}},
		{ID: "absent"},
	}

	got := FilterItems(items, "2025-10-01", kolkata)

	var ids []string
	for _, it := range got {
		ids = append(ids, it.ID)
		assert.Equal(t, "2025-10-01", NormalizeDate(it.RawDate(), kolkata))
	}
	assert.Equal(t, []string{"bare", "iso-crossing", "nested"}, ids)
}

func TestFilterAppointmentsDropsCancelled(t *testing.T) {
	appts := []Appointment{
		{ID: "a1", AppointmentDate: "2025-10-01", Status: AppointmentBooked},
		{ID: "a2", AppointmentDate: "2025-10-01", Status: AppointmentCancelled},
		{ID: "a3", AppointmentDate: "2025-10-02"},
	}

	got := FilterAppointments(appts, "2025-10-01", time.UTC)
	require.Len(t, got, 1)
	assert.Equal(t, "a1", got[0].ID)
}
