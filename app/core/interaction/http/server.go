// Package http is the presentation surface: a thin JSON API over the booking
// coordinator and the surrounding stores. No auth, no rendering; callers poll
// the listing endpoints for display.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"reception/app/core/booking"
	"reception/app/core/conversation"
	"reception/app/core/kb"
	"reception/app/core/reception"
	"reception/app/core/scheduler"
)

type Server struct {
	port            int
	server          *http.Server
	shutdownTimeout time.Duration

	coordinator   *booking.Coordinator
	bookingStore  *booking.Store
	conversations *conversation.Store
	kbStore       *kb.Store
	inbound       *reception.Service
	jobs          *scheduler.Scheduler
}

func NewServer(
	port int,
	coordinator *booking.Coordinator,
	bookingStore *booking.Store,
	conversations *conversation.Store,
	kbStore *kb.Store,
	inbound *reception.Service,
	jobs *scheduler.Scheduler,
) *Server {
	return &Server{
		port:            port,
		shutdownTimeout: 5 * time.Second,
		coordinator:     coordinator,
		bookingStore:    bookingStore,
		conversations:   conversations,
		kbStore:         kbStore,
		inbound:         inbound,
		jobs:            jobs,
	}
}

// Handler builds the route table. Split out from Start so tests can drive
// requests without a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/message", s.handleInboundMessage)
	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("POST /api/tasks/{id}/hold", s.handleHold)
	mux.HandleFunc("POST /api/tasks/{id}/confirm", s.handleTransition(booking.EventConfirm))
	mux.HandleFunc("POST /api/tasks/{id}/start", s.handleTransition(booking.EventStart))
	mux.HandleFunc("POST /api/tasks/{id}/done", s.handleTransition(booking.EventComplete))
	mux.HandleFunc("POST /api/tasks/{id}/cancel", s.handleTransition(booking.EventCancel))
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("GET /api/conversations", s.handleListConversations)
	mux.HandleFunc("GET /api/conversations/{id}/messages", s.handleMessages)
	mux.HandleFunc("GET /api/conversations/{id}/task", s.handleActiveTask)
	mux.HandleFunc("GET /api/staff", s.handleListStaff)
	mux.HandleFunc("POST /api/staff", s.handleUpsertStaff)
	mux.HandleFunc("DELETE /api/staff/{id}", s.handleDeleteStaff)
	mux.HandleFunc("GET /api/staff-requests", s.handleListStaffRequests)
	mux.HandleFunc("POST /api/staff-requests/{id}/status", s.handleStaffRequestStatus)
	mux.HandleFunc("GET /api/kb", s.handleListKB)
	mux.HandleFunc("POST /api/kb", s.handleUpsertKB)
	mux.HandleFunc("DELETE /api/kb/{id}", s.handleDeleteKB)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return mux
}

func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[HTTP] Shutdown error: %v", err)
		}
	}()

	log.Printf("[HTTP] Listening on port %d...", s.port)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

type inboundRequest struct {
	Phone string `json:"phone"`
	Text  string `json:"text"`
}

func (s *Server) handleInboundMessage(w http.ResponseWriter, r *http.Request) {
	var req inboundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Phone) == "" || strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "phone and text are required")
		return
	}
	result, err := s.inbound.HandleInbound(r.Context(), req.Phone, req.Text)
	if err != nil {
		writeBookingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tasks, err := s.coordinator.ListTasks(r.Context(), booking.TaskFilter{
		DatePrefix: q.Get("date"),
		StaffID:    q.Get("staff_id"),
		Status:     booking.Status(q.Get("status")),
	})
	if err != nil {
		writeBookingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskViews(tasks))
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.coordinator.Task(r.Context(), r.PathValue("id"))
	if err != nil {
		writeBookingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskView(task))
}

type holdRequest struct {
	StaffID     string `json:"staff_id"`
	StartTime   string `json:"start_time"`
	DurationMin int    `json:"duration_min"`
}

func (s *Server) handleHold(w http.ResponseWriter, r *http.Request) {
	var req holdRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	task, err := s.coordinator.RequestHold(r.Context(), r.PathValue("id"), req.StaffID, req.StartTime, req.DurationMin)
	if err != nil {
		writeBookingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskView(task))
}

func (s *Server) handleTransition(event booking.Event) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := r.PathValue("id")
		var (
			task booking.Task
			err  error
		)
		switch event {
		case booking.EventConfirm:
			task, err = s.coordinator.Confirm(r.Context(), taskID)
		case booking.EventStart:
			task, err = s.coordinator.Start(r.Context(), taskID)
		case booking.EventComplete:
			task, err = s.coordinator.MarkDone(r.Context(), taskID)
		case booking.EventCancel:
			task, err = s.coordinator.Cancel(r.Context(), taskID)
		default:
			writeError(w, http.StatusBadRequest, "unsupported transition")
			return
		}
		if err != nil {
			writeBookingError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toTaskView(task))
	}
}

func (s *Server) handleActiveTask(w http.ResponseWriter, r *http.Request) {
	task, found, err := s.coordinator.ActiveTaskFor(r.Context(), r.PathValue("id"))
	if err != nil {
		writeBookingError(w, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusOK, map[string]interface{}{"task": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"task": toTaskView(task)})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	items, err := s.conversations.List(r.Context(), q.Get("q"), q.Get("kind"))
	if err != nil {
		writeBookingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	items, err := s.conversations.Messages(r.Context(), r.PathValue("id"), 400)
	if err != nil {
		writeBookingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleListStaff(w http.ResponseWriter, r *http.Request) {
	includeInactive := r.URL.Query().Get("all") == "1"
	items, err := s.bookingStore.ListStaff(r.Context(), includeInactive)
	if err != nil {
		writeBookingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

type staffRequestBody struct {
	ID     string `json:"id,omitempty"`
	Name   string `json:"name"`
	Phone  string `json:"phone"`
	Active bool   `json:"active"`
}

func (s *Server) handleUpsertStaff(w http.ResponseWriter, r *http.Request) {
	var req staffRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	staff, err := s.bookingStore.UpsertStaff(r.Context(), booking.Staff{
		ID:     req.ID,
		Name:   req.Name,
		Phone:  req.Phone,
		Active: req.Active,
	})
	if err != nil {
		writeBookingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, staff)
}

func (s *Server) handleDeleteStaff(w http.ResponseWriter, r *http.Request) {
	if err := s.bookingStore.DeleteStaff(r.Context(), r.PathValue("id")); err != nil {
		writeBookingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleListStaffRequests(w http.ResponseWriter, r *http.Request) {
	items, err := s.bookingStore.ListStaffRequests(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		writeBookingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

type requestStatusBody struct {
	Status string `json:"status"`
}

func (s *Server) handleStaffRequestStatus(w http.ResponseWriter, r *http.Request) {
	var req requestStatusBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.bookingStore.UpdateStaffRequestStatus(r.Context(), r.PathValue("id"), req.Status); err != nil {
		writeBookingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": req.Status})
}

func (s *Server) handleListKB(w http.ResponseWriter, r *http.Request) {
	items, err := s.kbStore.List(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		writeBookingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

type kbRequestBody struct {
	ID      string `json:"id,omitempty"`
	Title   string `json:"title"`
	Content string `json:"content"`
	Tags    string `json:"tags"`
	Enabled bool   `json:"enabled"`
}

func (s *Server) handleUpsertKB(w http.ResponseWriter, r *http.Request) {
	var req kbRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	entry, err := s.kbStore.Upsert(r.Context(), kb.Entry{
		ID:      req.ID,
		Title:   req.Title,
		Content: req.Content,
		Tags:    req.Tags,
		Enabled: req.Enabled,
	})
	if err != nil {
		writeBookingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleDeleteKB(w http.ResponseWriter, r *http.Request) {
	if err := s.kbStore.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeBookingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{"jobs": []scheduler.JobStatus{}}
	if s.jobs != nil {
		status["jobs"] = s.jobs.Snapshot()
	}
	writeJSON(w, http.StatusOK, status)
}

// --- task view ---

type taskView struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id,omitempty"`
	Title          string `json:"title"`
	Address        string `json:"address"`
	ContactPhone   string `json:"contact_phone"`
	Notes          string `json:"notes"`
	StartTime      string `json:"start_time,omitempty"`
	DurationMin    int    `json:"duration_min"`
	StaffID        string `json:"staff_id,omitempty"`
	Status         string `json:"status"`
	HoldExpiresAt  string `json:"hold_expires_at,omitempty"`
	CreatedTime    string `json:"created_time"`
	UpdatedTime    string `json:"updated_time"`
}

func toTaskView(t booking.Task) taskView {
	return taskView{
		ID:             t.ID,
		ConversationID: t.ConversationID,
		Title:          t.Title,
		Address:        t.Address,
		ContactPhone:   t.ContactPhone,
		Notes:          t.Notes,
		StartTime:      formatOptional(t.StartTime),
		DurationMin:    t.DurationMin,
		StaffID:        t.StaffID,
		Status:         string(t.Status),
		HoldExpiresAt:  formatOptional(t.HoldExpiresAt),
		CreatedTime:    formatOptional(t.CreatedTime),
		UpdatedTime:    formatOptional(t.UpdatedTime),
	}
}

func toTaskViews(tasks []booking.Task) []taskView {
	out := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toTaskView(t))
	}
	return out
}

func formatOptional(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(booking.TimeLayout)
}

// --- responses ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeBookingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, booking.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, booking.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, booking.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, booking.ErrInvalidInterval):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, booking.ErrStaffInactive):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, booking.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
