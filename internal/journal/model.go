// Package journal keeps an append-only, hash-chained trail of every stage
// transition attempt. Entries come from the transition.* events.
package journal

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/clinic-ops/patientflow/internal/shared/events"
	"github.com/clinic-ops/patientflow/internal/transition"
)

// Entry is one journaled transition attempt.
type Entry struct {
	ID        string    `json:"id"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Hash      string    `json:"hash"`
	PrevHash  string    `json:"prev_hash,omitempty"`

	Op             string `json:"op"`
	Stage          string `json:"stage,omitempty"`
	Target         string `json:"target,omitempty"`
	QueueID        string `json:"queue_id,omitempty"`
	AppointmentID  string `json:"appointment_id,omitempty"`
	RegistrationID string `json:"registration_id,omitempty"`
	Reason         string `json:"reason,omitempty"`
	Actor          string `json:"actor,omitempty"`
	Result         string `json:"result"`
	Code           string `json:"code,omitempty"`
	Error          string `json:"error,omitempty"`
	CorrelationID  string `json:"correlation_id,omitempty"`
}

// FromEvent builds an entry from a transition event. It returns false for
// events that don't carry a transition record.
func FromEvent(evt events.Event) (*Entry, bool) {
	var rec transition.Record
	switch data := evt.Data.(type) {
	case transition.Record:
		rec = data
	case *transition.Record:
		if data == nil {
			return nil, false
		}
		rec = *data
	default:
		return nil, false
	}

	ts := rec.At
	if ts.IsZero() {
		ts = evt.Timestamp
	}

	return &Entry{
		ID: uuid.New().String(),
		// Truncate to microseconds so the hash survives a Postgres round trip
		Timestamp:      ts.UTC().Truncate(time.Microsecond),
		Op:             rec.Op,
		Stage:          string(rec.Stage),
		Target:         string(rec.Target),
		QueueID:        rec.QueueID,
		AppointmentID:  rec.AppointmentID,
		RegistrationID: rec.RegistrationID,
		Reason:         rec.Reason,
		Actor:          rec.Actor,
		Result:         rec.Result,
		Code:           rec.Code,
		Error:          rec.Error,
		CorrelationID:  evt.CorrelationID,
	}, true
}

// ComputeHash hashes the entry together with its predecessor's hash.
func (e *Entry) ComputeHash() string {
	// encoding/json writes map keys in sorted order
	data := map[string]any{
		"id":        e.ID,
		"sequence":  e.Sequence,
		"timestamp": e.Timestamp.UTC().Format(time.RFC3339Nano),
		"prev_hash": e.PrevHash,
		"op":        e.Op,
		"result":    e.Result,
	}
	optional := map[string]string{
		"stage":           e.Stage,
		"target":          e.Target,
		"queue_id":        e.QueueID,
		"appointment_id":  e.AppointmentID,
		"registration_id": e.RegistrationID,
		"reason":          e.Reason,
		"actor":           e.Actor,
		"code":            e.Code,
		"error":           e.Error,
		"correlation_id":  e.CorrelationID,
	}
	for k, v := range optional {
		if v != "" {
			data[k] = v
		}
	}

	raw, _ := json.Marshal(data)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// VerifyHash reports whether the stored hash matches the content.
func (e *Entry) VerifyHash() bool {
	return e.Hash == e.ComputeHash()
}

// chain links entry to the previous one and seals it.
func chain(entry *Entry, prevHash string, sequence int64) {
	entry.Sequence = sequence
	entry.PrevHash = prevHash
	entry.Hash = entry.ComputeHash()
}

// Filter narrows a journal listing.
type Filter struct {
	RegistrationID string
	Op             string
	Limit          int
}

func (f Filter) limit() int {
	if f.Limit <= 0 || f.Limit > 500 {
		return 100
	}
	return f.Limit
}

func (f Filter) matches(e *Entry) bool {
	if f.RegistrationID != "" && e.RegistrationID != f.RegistrationID {
		return false
	}
	if f.Op != "" && e.Op != f.Op {
		return false
	}
	return true
}

// VerifyResult is the outcome of a chain check.
type VerifyResult struct {
	Valid        bool   `json:"valid"`
	Checked      int    `json:"checked"`
	FirstInvalid int64  `json:"first_invalid,omitempty"`
	Problem      string `json:"problem,omitempty"`
}

// verifyEntries checks hashes and links over entries in ascending order.
func verifyEntries(entries []*Entry) *VerifyResult {
	res := &VerifyResult{Valid: true}
	prev := ""
	for i, e := range entries {
		res.Checked++
		if !e.VerifyHash() {
			res.Valid = false
			res.FirstInvalid = e.Sequence
			res.Problem = "hash mismatch"
			return res
		}
		if i > 0 && e.PrevHash != prev {
			res.Valid = false
			res.FirstInvalid = e.Sequence
			res.Problem = "broken link to previous entry"
			return res
		}
		prev = e.Hash
	}
	return res
}
