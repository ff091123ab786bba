package flow

import (
	"fmt"
	"sort"
	"time"
)

// Sources are the five per-stage lists a poll cycle produces.
type Sources struct {
	Appointments  []Appointment `json:"appointments"`
	Reception     []QueueItem   `json:"reception"`
	OPD           []QueueItem   `json:"opd"`
	DoctorWaiting []QueueItem   `json:"doctor_waiting"`
	DoctorDone    []QueueItem   `json:"doctor_done"`
}

// MergedEntry is one patient's single visible position. It is rebuilt on
// every poll cycle.
type MergedEntry struct {
	// Key is the registration id, or a synthetic key for unmerged records
	Key             string       `json:"key"`
	Level           Level        `json:"level"`
	Priority        int          `json:"priority"`
	RegistrationID  string       `json:"registration_id"`
	PatientName     string       `json:"patient_name"`
	AppointmentID   string       `json:"appointment_id,omitempty"`
	AppointmentDate string       `json:"appointment_date,omitempty"`
	AppointmentTime string       `json:"appointment_time,omitempty"`
	QueueID         string       `json:"queue_id,omitempty"`
	Stage           Stage        `json:"stage,omitempty"`
	Unmerged        bool         `json:"unmerged,omitempty"`
	Appointment     *Appointment `json:"appointment,omitempty"`
	Item            *QueueItem   `json:"item,omitempty"`

	// position of the record inside its source list
	arrival int
}

// Discharged reports whether the consultation is finished.
func (e MergedEntry) Discharged() bool {
	return e.Level == LevelDischarged
}

func entryFromAppointment(a Appointment) MergedEntry {
	appt := a
	return MergedEntry{
		Level:           LevelScheduled,
		Priority:        LevelScheduled.Priority(),
		RegistrationID:  a.Registration(),
		PatientName:     a.PatientName,
		AppointmentID:   a.Identifier(),
		AppointmentDate: a.AppointmentDate,
		AppointmentTime: a.AppointmentTime,
		Appointment:     &appt,
	}
}

func entryFromItem(it QueueItem, level Level, stage Stage) MergedEntry {
	item := it
	item.Stage = stage
	appointmentID := it.AppointmentID
	if appointmentID == "" && it.ReceptionData != nil {
		appointmentID = it.ReceptionData.AppointmentID
	}
	apptTime := it.AppointmentTime
	if apptTime == "" && it.ReceptionData != nil {
		apptTime = it.ReceptionData.AppointmentTime
	}
	return MergedEntry{
		Level:           level,
		Priority:        level.Priority(),
		RegistrationID:  it.Registration(),
		PatientName:     it.Name(),
		AppointmentID:   appointmentID,
		AppointmentDate: it.RawDate(),
		AppointmentTime: apptTime,
		QueueID:         it.Identifier(),
		Stage:           stage,
		Item:            &item,
	}
}

type merger struct {
	byID     map[string]MergedEntry
	unmerged []MergedEntry
}

func (m *merger) fold(e MergedEntry, source string, idx int) {
	e.arrival = idx
	if e.RegistrationID == "" {
		e.Key = fmt.Sprintf("unassigned:%s:%d", source, idx)
		e.Unmerged = true
		m.unmerged = append(m.unmerged, e)
		return
	}

	e.Key = e.RegistrationID
	existing, ok := m.byID[e.RegistrationID]
	if !ok || e.Priority > existing.Priority {
		m.byID[e.RegistrationID] = e
	}
}

// Merge collapses the per-stage lists into one entry per registration id,
// keeping the highest-priority stage. Records without a usable registration
// id are kept as independent unmerged entries. The result is ordered
// Doctor, OPD, Reception, Scheduled, Discharged, with ties in source order.
func Merge(src Sources) []MergedEntry {
	m := &merger{byID: make(map[string]MergedEntry)}

	for i, a := range src.Appointments {
		if a.Status == AppointmentCancelled {
			continue
		}
		m.fold(entryFromAppointment(a), "scheduled", i)
	}
	for i, it := range src.Reception {
		if !it.Status.IsWaiting() {
			continue
		}
		m.fold(entryFromItem(it, LevelReception, StageReception), "reception", i)
	}
	for i, it := range src.OPD {
		if !it.Status.IsWaiting() {
			continue
		}
		m.fold(entryFromItem(it, LevelOPD, StageOPD), "opd", i)
	}
	for i, it := range src.DoctorWaiting {
		if !it.Status.IsWaiting() {
			continue
		}
		m.fold(entryFromItem(it, LevelDoctor, StageDoctor), "doctor", i)
	}
	for i, it := range src.DoctorDone {
		if it.Status != StatusDone {
			continue
		}
		m.fold(entryFromItem(it, LevelDischarged, StageDoctor), "discharged", i)
	}

	out := make([]MergedEntry, 0, len(m.byID)+len(m.unmerged))
	for _, e := range m.byID {
		out = append(out, e)
	}
	out = append(out, m.unmerged...)

	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := out[i].Level.displayRank(), out[j].Level.displayRank()
		if ri != rj {
			return ri < rj
		}
		if out[i].arrival != out[j].arrival {
			return out[i].arrival < out[j].arrival
		}
		return out[i].Key < out[j].Key
	})

	return out
}

// Counts is the per-level size of the merged list.
type Counts struct {
	Scheduled  int `json:"scheduled"`
	Reception  int `json:"reception"`
	OPD        int `json:"opd"`
	Doctor     int `json:"doctor"`
	Discharged int `json:"discharged"`
}

// CountLevels tallies entries per level.
func CountLevels(entries []MergedEntry) Counts {
	var c Counts
	for _, e := range entries {
		switch e.Level {
		case LevelScheduled:
			c.Scheduled++
		case LevelReception:
			c.Reception++
		case LevelOPD:
			c.OPD++
		case LevelDoctor:
			c.Doctor++
		case LevelDischarged:
			c.Discharged++
		}
	}
	return c
}

// Snapshot is one applied poll cycle. It is never mutated after the
// poller publishes it.
type Snapshot struct {
	Date       string        `json:"date"`
	Generation uint64        `json:"generation"`
	FetchedAt  time.Time     `json:"fetched_at"`
	Sources    Sources       `json:"-"`
	Entries    []MergedEntry `json:"entries"`
	Counts     Counts        `json:"counts"`
}

// NewSnapshot merges src into a snapshot for date.
func NewSnapshot(date string, generation uint64, fetchedAt time.Time, src Sources) *Snapshot {
	entries := Merge(src)
	return &Snapshot{
		Date:       date,
		Generation: generation,
		FetchedAt:  fetchedAt,
		Sources:    src,
		Entries:    entries,
		Counts:     CountLevels(entries),
	}
}

// Find looks an entry up by key.
func (s *Snapshot) Find(key string) (MergedEntry, bool) {
	if s == nil {
		return MergedEntry{}, false
	}
	for _, e := range s.Entries {
		if e.Key == key {
			return e, true
		}
	}
	return MergedEntry{}, false
}

// Waiting returns the stage's waiting items for the snapshot date.
func (s *Snapshot) Waiting(stage Stage) []QueueItem {
	if s == nil {
		return nil
	}
	var src []QueueItem
	switch stage {
	case StageReception:
		src = s.Sources.Reception
	case StageOPD:
		src = s.Sources.OPD
	case StageDoctor:
		src = s.Sources.DoctorWaiting
	}
	out := make([]QueueItem, 0, len(src))
	for _, it := range src {
		if it.Status.IsWaiting() {
			it.Stage = stage
			out = append(out, it)
		}
	}
	return out
}
