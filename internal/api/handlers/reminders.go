package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/rxcare/rxcare/internal/auth"
	"github.com/rxcare/rxcare/internal/domain/delivery"
	"github.com/rxcare/rxcare/internal/domain/patient"
	"github.com/rxcare/rxcare/internal/reminders"
)

// Dispatcher sends the due reminders
type Dispatcher interface {
	SendUrgent(ctx context.Context, actor string) (*reminders.Report, error)
}

// ReminderHandler serves the reminders page
type ReminderHandler struct {
	svc        *patient.Service
	dispatcher Dispatcher
	logger     *zap.Logger
}

// NewReminderHandler creates a new handler
func NewReminderHandler(svc *patient.Service, dispatcher Dispatcher, logger *zap.Logger) *ReminderHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReminderHandler{svc: svc, dispatcher: dispatcher, logger: logger}
}

// Routes returns the handler routes
func (h *ReminderHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Get("/due", h.Due)
	r.Post("/send-urgent", h.SendUrgent)
	return r
}

// List handles GET /reminders?tab=&reminder=, most urgent first
func (h *ReminderHandler) List(w http.ResponseWriter, r *http.Request) {
	tab, err := patient.ParseTab(r.URL.Query().Get("tab"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	q := patient.Query{Tab: tab}
	if s := r.URL.Query().Get("reminder"); s != "" {
		if q.ReminderStatus, err = delivery.ParseReminderStatus(s); err != nil {
			writeError(w, r, h.logger, err)
			return
		}
	}
	views, err := h.svc.List(r.Context(), q)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tab": tab, "records": views, "count": len(views)})
}

// Due handles GET /reminders/due: what send-urgent would send now
func (h *ReminderHandler) Due(w http.ResponseWriter, r *http.Request) {
	views, err := h.svc.DueReminders(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": views, "count": len(views)})
}

// SendUrgent handles POST /reminders/send-urgent
func (h *ReminderHandler) SendUrgent(w http.ResponseWriter, r *http.Request) {
	report, err := h.dispatcher.SendUrgent(r.Context(), auth.Actor(r.Context()))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Dashboard handles GET /dashboard
func Dashboard(svc *patient.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := svc.Dashboard(r.Context())
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, d)
	}
}

// MyRecords handles GET /me/records: a patient's own records, matched by
// the session email
func MyRecords(svc *patient.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := auth.FromContext(r.Context())
		if !ok || sess.Email == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing session", Code: "unauthorized"})
			return
		}
		views, err := svc.List(r.Context(), patient.Query{Filter: patient.Filter{Email: sess.Email}})
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"records": views, "count": len(views)})
	}
}
