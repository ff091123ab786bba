// Package api exposes the board, the desks and the journal over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/clinic-ops/patientflow/internal/board"
	"github.com/clinic-ops/patientflow/internal/desk"
	"github.com/clinic-ops/patientflow/internal/flow"
	"github.com/clinic-ops/patientflow/internal/journal"
	"github.com/clinic-ops/patientflow/internal/reconcile"
	"github.com/clinic-ops/patientflow/internal/shared/auth"
	apperrors "github.com/clinic-ops/patientflow/internal/shared/errors"
	"github.com/clinic-ops/patientflow/internal/transition"
)

// Poller is the part of the reconciliation loop the API reads and steers.
type Poller interface {
	Snapshot() *flow.Snapshot
	Status() reconcile.Status
	Date() string
	SetDate(date string) error
	Trigger()
}

// Arriver checks in booked patients.
type Arriver interface {
	Arrive(ctx context.Context, req transition.ArriveRequest) (transition.ArriveResult, error)
	PushToOPD(ctx context.Context, req transition.ArriveRequest) (transition.ArriveResult, error)
}

// Deps are the components behind the handlers. Journal may be nil.
type Deps struct {
	Poller       Poller
	Board        *board.Board
	Desks        []*desk.Desk
	Engine       Arriver
	Journal      journal.Sink
	JournalRoles []string
	Logger       zerolog.Logger
}

// Handler provides the HTTP handlers
type Handler struct {
	poller       Poller
	board        *board.Board
	desks        map[flow.Stage]*desk.Desk
	engine       Arriver
	journal      journal.Sink
	journalRoles []string
	logger       zerolog.Logger
}

// NewHandler creates a new handler
func NewHandler(d Deps) *Handler {
	desks := make(map[flow.Stage]*desk.Desk, len(d.Desks))
	for _, dk := range d.Desks {
		desks[dk.Stage()] = dk
	}
	return &Handler{
		poller:       d.Poller,
		board:        d.Board,
		desks:        desks,
		engine:       d.Engine,
		journal:      d.Journal,
		journalRoles: d.JournalRoles,
		logger:       d.Logger.With().Str("component", "api").Logger(),
	}
}

// Routes registers the /api/v1 routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/status", h.GetStatus)
	r.Put("/date", h.SetDate)
	r.Post("/refresh", h.Refresh)

	r.Route("/board", func(r chi.Router) {
		r.Get("/", h.ListBoard)
		r.Get("/counts", h.GetCounts)
		r.Post("/{key}/select", h.SelectEntry)
		r.Delete("/{key}", h.RemoveEntry)
	})

	r.Post("/arrivals", h.Arrive)

	r.Route("/desks/{stage}", func(r chi.Router) {
		r.Get("/items", h.ListDeskItems)
		r.Route("/items/{queueID}", func(r chi.Router) {
			r.Get("/", h.OpenDeskItem)
			r.Post("/complete", h.CompleteDeskItem)
			r.Post("/recall", h.RecallDeskItem)
			r.Delete("/", h.RemoveDeskItem)
		})
	})

	if h.journal != nil {
		r.Route("/journal", func(r chi.Router) {
			if len(h.journalRoles) > 0 {
				r.Use(auth.RequireRoles(h.journalRoles...))
			}
			r.Get("/", h.ListJournal)
			r.Get("/verify", h.VerifyJournal)
		})
	}

	return r
}

// --- Request/Response types ---

type BoardResponse struct {
	Date       string             `json:"date"`
	Generation uint64             `json:"generation"`
	FetchedAt  time.Time          `json:"fetched_at"`
	Stale      bool               `json:"stale"`
	Counts     flow.Counts        `json:"counts"`
	Entries    []flow.MergedEntry `json:"entries"`
}

type SetDateRequest struct {
	Date string `json:"date"`
}

type ArriveRequest struct {
	Key           string `json:"key,omitempty"`
	AppointmentID string `json:"appointment_id,omitempty"`
	// PushToOPD checks the patient in and sends them straight to OPD
	PushToOPD bool `json:"push_to_opd,omitempty"`
}

type RecallRequest struct {
	Reason string `json:"reason"`
}

// --- Handlers ---

func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.poller.Status())
}

func (h *Handler) SetDate(w http.ResponseWriter, r *http.Request) {
	var req SetDateRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.poller.SetDate(strings.TrimSpace(req.Date)); err != nil {
		h.writeError(w, apperrors.Validation(err.Error(), map[string]string{"date": "expected YYYY-MM-DD"}))
		return
	}
	writeJSON(w, http.StatusOK, h.poller.Status())
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	h.poller.Trigger()
	writeJSON(w, http.StatusAccepted, h.poller.Status())
}

func (h *Handler) ListBoard(w http.ResponseWriter, r *http.Request) {
	filter, err := board.ParseFilter(r.URL.Query().Get("filter"))
	if err != nil {
		h.writeError(w, apperrors.BadRequest(err.Error()))
		return
	}

	st := h.poller.Status()
	writeJSON(w, http.StatusOK, BoardResponse{
		Date:       st.Date,
		Generation: st.Generation,
		FetchedAt:  st.FetchedAt,
		Stale:      st.Stale,
		Counts:     h.board.Counts(),
		Entries:    h.board.List(board.Query{Search: r.URL.Query().Get("search"), Filter: filter}),
	})
}

func (h *Handler) GetCounts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.board.Counts())
}

func (h *Handler) SelectEntry(w http.ResponseWriter, r *http.Request) {
	role := board.ParseRole(auth.RoleFromContext(r.Context()))
	sel, err := h.board.Select(r.Context(), role, chi.URLParam(r, "key"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sel)
}

func (h *Handler) RemoveEntry(w http.ResponseWriter, r *http.Request) {
	err := h.board.Remove(r.Context(), chi.URLParam(r, "key"), confirmed(r), actor(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Arrive(w http.ResponseWriter, r *http.Request) {
	var req ArriveRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if req.Key == "" && req.AppointmentID == "" {
		h.writeError(w, apperrors.Validation("key or appointment_id is required", nil))
		return
	}

	snap := h.poller.Snapshot()
	var appt *flow.Appointment
	if snap != nil {
		for _, e := range snap.Entries {
			if e.Appointment == nil {
				continue
			}
			if (req.Key != "" && e.Key == req.Key) || (req.AppointmentID != "" && e.AppointmentID == req.AppointmentID) {
				appt = e.Appointment
				break
			}
		}
	}
	if appt == nil {
		h.writeError(w, apperrors.NotFound("appointment", req.Key+req.AppointmentID))
		return
	}

	areq := transition.ArriveRequest{Appointment: *appt, Date: snap.Date, Actor: actor(r)}
	arrive := h.engine.Arrive
	if req.PushToOPD {
		arrive = h.engine.PushToOPD
	}
	res, err := arrive(r.Context(), areq)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) ListDeskItems(w http.ResponseWriter, r *http.Request) {
	dk, ok := h.desk(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stage": dk.Stage(),
		"items": dk.Waiting(),
	})
}

func (h *Handler) OpenDeskItem(w http.ResponseWriter, r *http.Request) {
	dk, ok := h.desk(w, r)
	if !ok {
		return
	}
	enc, err := dk.Open(chi.URLParam(r, "queueID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, enc)
}

func (h *Handler) CompleteDeskItem(w http.ResponseWriter, r *http.Request) {
	dk, ok := h.desk(w, r)
	if !ok {
		return
	}
	var form desk.Form
	if err := decode(r, &form); err != nil {
		h.writeError(w, err)
		return
	}
	form.Actor = actor(r)

	res, err := dk.Complete(r.Context(), chi.URLParam(r, "queueID"), form)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) RecallDeskItem(w http.ResponseWriter, r *http.Request) {
	dk, ok := h.desk(w, r)
	if !ok {
		return
	}
	var req RecallRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	target, err := dk.Recall(r.Context(), chi.URLParam(r, "queueID"), req.Reason, actor(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"target": target})
}

func (h *Handler) RemoveDeskItem(w http.ResponseWriter, r *http.Request) {
	dk, ok := h.desk(w, r)
	if !ok {
		return
	}
	if err := dk.Remove(r.Context(), chi.URLParam(r, "queueID"), confirmed(r), actor(r)); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListJournal(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	entries, err := h.journal.List(r.Context(), journal.Filter{
		RegistrationID: flow.NormalizeRegistrationID(q.Get("registration_id")),
		Op:             q.Get("op"),
		Limit:          limit,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sink":    h.journal.Name(),
		"entries": entries,
	})
}

func (h *Handler) VerifyJournal(w http.ResponseWriter, r *http.Request) {
	res, err := h.journal.Verify(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	status := http.StatusOK
	if !res.Valid {
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

// --- Helpers ---

func (h *Handler) desk(w http.ResponseWriter, r *http.Request) (*desk.Desk, bool) {
	stage, err := flow.ParseStage(chi.URLParam(r, "stage"))
	if err != nil {
		h.writeError(w, apperrors.NotFound("desk", chi.URLParam(r, "stage")))
		return nil, false
	}
	dk, ok := h.desks[stage]
	if !ok {
		h.writeError(w, apperrors.NotFound("desk", string(stage)))
		return nil, false
	}
	return dk, true
}

func actor(r *http.Request) string {
	return auth.GetStaff(r.Context()).Actor()
}

func confirmed(r *http.Request) bool {
	ok, _ := strconv.ParseBool(r.URL.Query().Get("confirm"))
	return ok
}

func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperrors.BadRequest("invalid request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	appErr, ok := apperrors.As(err)
	if !ok {
		appErr = apperrors.Internal(err)
	}
	if appErr.HTTPStatus >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("code", appErr.Code).Msg("request failed")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.HTTPStatus)
	json.NewEncoder(w).Encode(map[string]any{
		"error":   appErr.Message,
		"code":    appErr.Code,
		"details": appErr.Details,
	})
}
