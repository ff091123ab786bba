// Package board is the unified operations view over the merged patient
// list: search, filters, selection with role-based auto-advance, removal.
package board

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/clinic-ops/patientflow/internal/flow"
	apperrors "github.com/clinic-ops/patientflow/internal/shared/errors"
	"github.com/clinic-ops/patientflow/internal/shared/metrics"
	"github.com/clinic-ops/patientflow/internal/transition"
)

// SnapshotSource is the read side of the poller.
type SnapshotSource interface {
	Snapshot() *flow.Snapshot
}

// Transitioner is the part of the transition engine the board drives.
type Transitioner interface {
	Arrive(ctx context.Context, req transition.ArriveRequest) (transition.ArriveResult, error)
	PushToOPD(ctx context.Context, req transition.ArriveRequest) (transition.ArriveResult, error)
	Complete(ctx context.Context, req transition.CompleteRequest) (transition.CompleteResult, error)
	Remove(ctx context.Context, req transition.RemoveRequest) error
}

// Role is the acting staff role. It is opaque apart from the three desk
// roles that trigger auto-advance.
type Role string

const (
	RoleReception Role = "reception"
	RoleOPD       Role = "opd"
	RoleDoctor    Role = "doctor"
	RoleOther     Role = "other"
)

// ParseRole normalises a role string. Unknown roles never auto-advance.
func ParseRole(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "reception", "receptionist":
		return RoleReception
	case "opd":
		return RoleOPD
	case "doctor":
		return RoleDoctor
	}
	return RoleOther
}

// Filter is the segmented filter.
type Filter string

const (
	FilterAll        Filter = "all"
	FilterIncoming   Filter = "incoming"
	FilterAtDesk     Filter = "at-desk"
	FilterDischarged Filter = "discharged"
)

// ParseFilter accepts the filter names; empty means all.
func ParseFilter(s string) (Filter, error) {
	switch f := Filter(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FilterAll, nil
	case FilterAll, FilterIncoming, FilterAtDesk, FilterDischarged:
		return f, nil
	}
	return "", fmt.Errorf("unknown filter %q", s)
}

func (f Filter) matches(level flow.Level) bool {
	switch f {
	case FilterIncoming:
		return level == flow.LevelScheduled
	case FilterAtDesk:
		return level == flow.LevelReception || level == flow.LevelOPD || level == flow.LevelDoctor
	case FilterDischarged:
		return level == flow.LevelDischarged
	}
	return true
}

// Query narrows the list.
type Query struct {
	Search string
	Filter Filter
}

// Board serves the merged view.
type Board struct {
	source SnapshotSource
	engine Transitioner
	logger zerolog.Logger
}

// New creates a board.
func New(source SnapshotSource, engine Transitioner, logger zerolog.Logger) *Board {
	return &Board{
		source: source,
		engine: engine,
		logger: logger.With().Str("component", "board").Logger(),
	}
}

// List returns merged entries matching q in the default order. Search is a
// case-insensitive substring match on name or registration id.
func (b *Board) List(q Query) []flow.MergedEntry {
	snap := b.source.Snapshot()
	if snap == nil {
		return []flow.MergedEntry{}
	}

	needle := strings.ToLower(strings.TrimSpace(q.Search))
	out := make([]flow.MergedEntry, 0, len(snap.Entries))
	for _, e := range snap.Entries {
		if !q.Filter.matches(e.Level) {
			continue
		}
		if needle != "" &&
			!strings.Contains(strings.ToLower(e.PatientName), needle) &&
			!strings.Contains(strings.ToLower(e.RegistrationID), needle) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Counts returns per-level counts of the merged list.
func (b *Board) Counts() flow.Counts {
	snap := b.source.Snapshot()
	if snap == nil {
		return flow.Counts{}
	}
	return snap.Counts
}

func (b *Board) find(key string) (flow.MergedEntry, *flow.Snapshot, error) {
	snap := b.source.Snapshot()
	e, ok := snap.Find(key)
	if !ok {
		return flow.MergedEntry{}, nil, apperrors.NotFound("patient", key)
	}
	return e, snap, nil
}

// Selection is the opened entry plus what auto-advance did on the way.
type Selection struct {
	Entry        flow.MergedEntry `json:"entry"`
	Discharged   bool             `json:"discharged"`
	AutoAdvanced string           `json:"auto_advanced,omitempty"`
	Warnings     []string         `json:"warnings,omitempty"`
}

// Select opens an entry for role. Pulling a patient into your own queue
// counts as completing the stage before it:
//
//	reception + Scheduled -> arrive
//	opd       + Reception -> complete reception
//	opd       + Scheduled -> arrive and complete reception
//	doctor    + OPD       -> complete OPD
//
// Auto-advance failures are logged and returned as warnings. They never
// prevent the selection.
func (b *Board) Select(ctx context.Context, role Role, key string) (Selection, error) {
	entry, snap, err := b.find(key)
	if err != nil {
		return Selection{}, err
	}

	sel := Selection{Entry: entry, Discharged: entry.Discharged()}

	op, advance := b.autoAdvance(role, entry, snap.Date)
	if advance == nil {
		return sel, nil
	}

	err = advance(ctx)
	metrics.RecordAutoAdvance(string(role), string(entry.Level), err)
	if err != nil {
		b.logger.Warn().Err(err).
			Str("role", string(role)).
			Str("key", key).
			Str("op", op).
			Msg("auto-advance failed")
		sel.Warnings = append(sel.Warnings, fmt.Sprintf("%s: %s", op, err.Error()))
		return sel, nil
	}
	sel.AutoAdvanced = op
	return sel, nil
}

func (b *Board) autoAdvance(role Role, e flow.MergedEntry, date string) (string, func(context.Context) error) {
	actor := string(role)

	switch {
	case role == RoleReception && e.Level == flow.LevelScheduled && e.Appointment != nil:
		req := transition.ArriveRequest{Appointment: *e.Appointment, Date: date, Actor: actor}
		return transition.OpArrive, func(ctx context.Context) error {
			_, err := b.engine.Arrive(ctx, req)
			return err
		}

	case role == RoleOPD && e.Level == flow.LevelReception:
		req := transition.CompleteRequest{
			Stage:          flow.StageReception,
			QueueID:        e.QueueID,
			RegistrationID: e.RegistrationID,
			Reception:      &flow.ReceptionData{Notes: transition.AutoPulledByOPD, ProcessedBy: "OPD Staff"},
			Actor:          actor,
		}
		return transition.OpComplete, func(ctx context.Context) error {
			_, err := b.engine.Complete(ctx, req)
			return err
		}

	case role == RoleOPD && e.Level == flow.LevelScheduled && e.Appointment != nil:
		req := transition.ArriveRequest{Appointment: *e.Appointment, Date: date, Actor: actor}
		return transition.OpPushToOPD, func(ctx context.Context) error {
			_, err := b.engine.PushToOPD(ctx, req)
			return err
		}

	case role == RoleDoctor && e.Level == flow.LevelOPD:
		req := transition.CompleteRequest{
			Stage:          flow.StageOPD,
			QueueID:        e.QueueID,
			RegistrationID: e.RegistrationID,
			Opd:            &flow.OpdData{Findings: transition.AutoPulledByDoctor},
			Actor:          actor,
		}
		return transition.OpComplete, func(ctx context.Context) error {
			_, err := b.engine.Complete(ctx, req)
			return err
		}
	}
	return "", nil
}

// Remove cancels the entry's current queue item. Scheduled and discharged
// entries have nothing to remove.
func (b *Board) Remove(ctx context.Context, key string, confirmed bool, actor string) error {
	entry, _, err := b.find(key)
	if err != nil {
		return err
	}
	stage, ok := entry.Level.Stage()
	if !ok || entry.QueueID == "" {
		return apperrors.Validation(fmt.Sprintf("%s patients are not in a queue", strings.ToLower(string(entry.Level))), nil)
	}
	return b.engine.Remove(ctx, transition.RemoveRequest{
		Stage:          stage,
		QueueID:        entry.QueueID,
		RegistrationID: entry.RegistrationID,
		Confirmed:      confirmed,
		Actor:          actor,
	})
}
