// Package storetest runs an in-memory stand-in for the external clinic
// store. Completing an item materialises the next stage and the recall
// endpoints reopen the previous one, the way the real store does.
package storetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/clinic-ops/patientflow/internal/flow"
	"github.com/clinic-ops/patientflow/internal/store"
)

// Call is one request the fake received.
type Call struct {
	Method string
	Path   string
}

type failure struct {
	method string
	prefix string
	status int
	times  int
}

// Server is the fake store.
type Server struct {
	mu           sync.Mutex
	appointments []flow.Appointment
	queues       map[flow.Stage][]flow.QueueItem
	calls        []Call
	failures     []*failure
	echoIDs      bool

	router chi.Router
	http   *httptest.Server
}

// New starts a fake store. Close it with Close.
func New() *Server {
	s := &Server{
		queues:  make(map[flow.Stage][]flow.QueueItem),
		echoIDs: true,
	}
	s.router = s.routes()
	s.http = httptest.NewServer(s.router)
	return s
}

// URL is the base URL to hand to store.New.
func (s *Server) URL() string { return s.http.URL }

// Close shuts the server down.
func (s *Server) Close() { s.http.Close() }

// Handler exposes the router for in-process use.
func (s *Server) Handler() http.Handler { return s.router }

// EchoCreatedIDs controls whether queue creation returns the new id.
func (s *Server) EchoCreatedIDs(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.echoIDs = on
}

// FailNext makes the next n requests matching method and path prefix fail
// with status. A negative n fails until ClearFailures.
func (s *Server) FailNext(method, pathPrefix string, status, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, &failure{method: method, prefix: pathPrefix, status: status, times: n})
}

// ClearFailures drops all injected failures.
func (s *Server) ClearFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = nil
}

// AddAppointment seeds an appointment, assigning an id when empty.
func (s *Server) AddAppointment(a flow.Appointment) flow.Appointment {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.Identifier() == "" {
		a.ID = uuid.NewString()
	}
	s.appointments = append(s.appointments, a)
	return a
}

// AddItem seeds a queue item, assigning an id when empty.
func (s *Server) AddItem(stage flow.Stage, it flow.QueueItem) flow.QueueItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it.Identifier() == "" {
		it.ID = uuid.NewString()
	}
	if it.Status == "" {
		it.Status = flow.StatusWaiting
	}
	it.Stage = ""
	s.queues[stage] = append(s.queues[stage], it)
	return it
}

// Items returns a copy of one collection.
func (s *Server) Items(stage flow.Stage) []flow.QueueItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]flow.QueueItem(nil), s.queues[stage]...)
}

// Appointments returns a copy of the appointment book.
func (s *Server) Appointments() []flow.Appointment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]flow.Appointment(nil), s.appointments...)
}

// Calls returns every request received so far.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CountCalls counts requests matching method and path prefix.
func (s *Server) CountCalls(method, pathPrefix string) int {
	n := 0
	for _, c := range s.Calls() {
		if c.Method == method && strings.HasPrefix(c.Path, pathPrefix) {
			n++
		}
	}
	return n
}

// Mutations counts every non-GET request.
func (s *Server) Mutations() int {
	n := 0
	for _, c := range s.Calls() {
		if c.Method != http.MethodGet {
			n++
		}
	}
	return n
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.record)

	r.Get("/appointments", s.listAppointments)
	r.Put("/appointments/{id}", s.updateAppointment)

	r.Post("/queue/recall-to-opd", s.recall(flow.StageDoctor))
	r.Post("/queue/recall-to-reception", s.recall(flow.StageOPD))

	r.Route("/queue/{stage}", func(r chi.Router) {
		r.Get("/", s.listQueue)
		r.Post("/", s.createItem)
		r.Put("/{id}", s.updateItem)
		r.Delete("/{id}", s.deleteItem)
	})
	return r
}

// record logs the call and applies injected failures.
func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls = append(s.calls, Call{Method: r.Method, Path: r.URL.Path})
		var fail *failure
		for _, f := range s.failures {
			if f.times != 0 && f.method == r.Method && strings.HasPrefix(r.URL.Path, f.prefix) {
				fail = f
				if f.times > 0 {
					f.times--
				}
				break
			}
		}
		s.mu.Unlock()

		if fail != nil {
			writeJSON(w, fail.status, map[string]string{"detail": "injected failure"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) listAppointments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"appointments": s.Appointments()})
}

func (s *Server) updateAppointment(w http.ResponseWriter, r *http.Request) {
	var patch store.AppointmentPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
		return
	}

	id := chi.URLParam(r, "id")
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, a := range s.appointments {
		if a.Identifier() != id {
			continue
		}
		if patch.Status != "" {
			s.appointments[i].Status = patch.Status
		}
		if patch.PatientRegistrationID != "" {
			s.appointments[i].PatientRegistrationID = patch.PatientRegistrationID
		}
		if patch.PatientName != "" {
			s.appointments[i].PatientName = patch.PatientName
		}
		writeJSON(w, http.StatusOK, s.appointments[i])
		return
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"detail": "appointment not found"})
}

func stageParam(w http.ResponseWriter, r *http.Request) (flow.Stage, bool) {
	stage, err := flow.ParseStage(chi.URLParam(r, "stage"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": err.Error()})
		return "", false
	}
	return stage, true
}

func (s *Server) listQueue(w http.ResponseWriter, r *http.Request) {
	stage, ok := stageParam(w, r)
	if !ok {
		return
	}
	status := flow.WorkStatus(r.URL.Query().Get("status"))
	regID := r.URL.Query().Get("registrationId")

	out := []flow.QueueItem{}
	for _, it := range s.Items(stage) {
		if status != "" && it.Status != status {
			continue
		}
		if regID != "" && it.Registration() != regID {
			continue
		}
		out = append(out, it)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (s *Server) createItem(w http.ResponseWriter, r *http.Request) {
	stage, ok := stageParam(w, r)
	if !ok {
		return
	}
	var body store.NewQueueItem
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
		return
	}

	it := s.AddItem(stage, flow.QueueItem{
		AppointmentID:         body.AppointmentID,
		PatientRegistrationID: body.RegistrationID,
		PatientName:           body.PatientName,
		AppointmentDate:       body.AppointmentDate,
		ReceptionData:         body.ReceptionData,
	})

	s.mu.Lock()
	echo := s.echoIDs
	s.mu.Unlock()
	if !echo {
		writeJSON(w, http.StatusCreated, map[string]string{"message": "created"})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": it.ID})
}

func (s *Server) updateItem(w http.ResponseWriter, r *http.Request) {
	stage, ok := stageParam(w, r)
	if !ok {
		return
	}
	var body store.QueueUpdate
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
		return
	}

	id := chi.URLParam(r, "id")
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(stage, id)
	if idx < 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "queue item not found"})
		return
	}

	it := &s.queues[stage][idx]
	wasWaiting := it.Status.IsWaiting()
	if body.Status != "" {
		it.Status = body.Status
	}
	if body.CompletedAt != "" {
		it.CompletedAt = body.CompletedAt
	}
	if body.ReceptionData != nil {
		it.ReceptionData = overlayReception(it.ReceptionData, body.ReceptionData)
	}
	if body.OpdData != nil {
		it.OpdData = body.OpdData
	}
	if body.DoctorData != nil {
		it.DoctorData = body.DoctorData
	}

	if wasWaiting && it.Status == flow.StatusDone && body.Action == stage.DoneAction() {
		if next, ok := stage.Next(); ok {
			s.materialize(next, *it)
		}
	}
	writeJSON(w, http.StatusOK, it)
}

// materialize creates the next stage's waiting item from a completed one.
// Caller holds s.mu.
func (s *Server) materialize(next flow.Stage, done flow.QueueItem) {
	s.queues[next] = append(s.queues[next], flow.QueueItem{
		ID:                    uuid.NewString(),
		AppointmentID:         done.AppointmentID,
		PatientRegistrationID: done.Registration(),
		PatientName:           done.Name(),
		AppointmentDate:       done.RawDate(),
		Status:                flow.StatusWaiting,
		ReceptionData:         done.ReceptionData,
		OpdData:               done.OpdData,
	})
}

func (s *Server) deleteItem(w http.ResponseWriter, r *http.Request) {
	stage, ok := stageParam(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexOf(stage, id)
	if idx < 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "queue item not found"})
		return
	}
	s.queues[stage] = append(s.queues[stage][:idx], s.queues[stage][idx+1:]...)
	w.WriteHeader(http.StatusNoContent)
}

// recall removes the item at from and reopens the patient's most recent
// item at the previous stage, creating one if none exists.
func (s *Server) recall(from flow.Stage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body store.RecallRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
			return
		}
		if strings.TrimSpace(body.Reason) == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "reason is required"})
			return
		}

		to, _ := from.Previous()

		s.mu.Lock()
		defer s.mu.Unlock()

		idx := s.indexOf(from, body.QueueID)
		if idx < 0 {
			writeJSON(w, http.StatusNotFound, map[string]string{"detail": "queue item not found"})
			return
		}
		recalled := s.queues[from][idx]
		s.queues[from] = append(s.queues[from][:idx], s.queues[from][idx+1:]...)

		regID := recalled.Registration()
		for i := len(s.queues[to]) - 1; i >= 0; i-- {
			prev := &s.queues[to][i]
			if regID != "" && prev.Registration() == regID {
				prev.Status = flow.StatusWaiting
				prev.CompletedAt = ""
				prev.Notes = fmt.Sprintf("Recalled: %s", body.Reason)
				writeJSON(w, http.StatusOK, prev)
				return
			}
		}

		reopened := recalled
		reopened.ID = uuid.NewString()
		reopened.LegacyID = ""
		reopened.Status = flow.StatusWaiting
		reopened.CompletedAt = ""
		reopened.Notes = fmt.Sprintf("Recalled: %s", body.Reason)
		if to == flow.StageReception {
			reopened.OpdData = nil
		}
		s.queues[to] = append(s.queues[to], reopened)
		writeJSON(w, http.StatusOK, reopened)
	}
}

// indexOf finds an item by id. Caller holds s.mu.
func (s *Server) indexOf(stage flow.Stage, id string) int {
	for i, it := range s.queues[stage] {
		if it.Identifier() == id {
			return i
		}
	}
	return -1
}

func overlayReception(base, patch *flow.ReceptionData) *flow.ReceptionData {
	if base == nil {
		cp := *patch
		return &cp
	}
	out := *base
	if patch.Notes != "" {
		out.Notes = patch.Notes
	}
	if patch.ProcessedBy != "" {
		out.ProcessedBy = patch.ProcessedBy
	}
	if patch.Timestamp != "" {
		out.Timestamp = patch.Timestamp
	}
	if patch.PatientName != "" {
		out.PatientName = patch.PatientName
	}
	if patch.Phone != "" {
		out.Phone = patch.Phone
	}
	if patch.Email != "" {
		out.Email = patch.Email
	}
	if patch.PatientDetails != nil {
		out.PatientDetails = patch.PatientDetails
	}
	return &out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
