package handlers

import (
	"net/http"
	"path"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/rxcare/rxcare/internal/auth"
	"github.com/rxcare/rxcare/internal/domain/delivery"
	"github.com/rxcare/rxcare/internal/domain/patient"
	"github.com/rxcare/rxcare/internal/domain/refill"
)

// PatientHandler handles staff record endpoints
type PatientHandler struct {
	svc    *patient.Service
	logger *zap.Logger
}

// NewPatientHandler creates a new handler
func NewPatientHandler(svc *patient.Service, logger *zap.Logger) *PatientHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PatientHandler{svc: svc, logger: logger}
}

// Routes returns the handler routes
func (h *PatientHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Get("/{id}", h.Get)
	r.Delete("/{id}", h.Delete)
	r.Post("/{id}/status", h.Status)
	r.Post("/{id}/payment", h.Payment)
	r.Post("/{id}/reminder", h.Reminder)
	return r
}

// CreateRequest is the body of POST /patients. Status values accept the
// legacy spellings as well.
type CreateRequest struct {
	Name           string  `json:"name"`
	Phone          string  `json:"phone"`
	Email          string  `json:"email"`
	Address        string  `json:"address"`
	Medication     string  `json:"medication"`
	Dosage         string  `json:"dosage"`
	NextRefillDate string  `json:"next_refill_date"`
	Status         string  `json:"status"`
	PaymentStatus  string  `json:"payment_status"`
	ReminderStatus string  `json:"reminder_status"`
	Amount         float64 `json:"amount"`
}

func (req *CreateRequest) record(c *refill.Classifier) (*patient.Record, error) {
	next, err := refill.ParseDateIn(req.NextRefillDate, c.Location())
	if err != nil {
		return nil, err
	}
	rec := &patient.Record{
		Name:           req.Name,
		Phone:          req.Phone,
		Email:          req.Email,
		Address:        req.Address,
		Medication:     req.Medication,
		Dosage:         req.Dosage,
		NextRefillDate: next,
		Amount:         req.Amount,
	}
	if req.Status != "" {
		if rec.Status, err = delivery.ParseStatus(req.Status); err != nil {
			return nil, err
		}
	}
	if req.PaymentStatus != "" {
		if rec.PaymentStatus, err = delivery.ParsePaymentStatus(req.PaymentStatus); err != nil {
			return nil, err
		}
	}
	if req.ReminderStatus != "" {
		if rec.ReminderStatus, err = delivery.ParseReminderStatus(req.ReminderStatus); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

// TransitionRequest is the body of the status, payment and reminder
// endpoints. ExpectedVersion may also be sent as If-Match.
type TransitionRequest struct {
	Status          string `json:"status"`
	ExpectedVersion int64  `json:"expected_version,omitempty"`
}

// List handles GET /patients?q=&status=&payment=&reminder=&tab=&limit=&offset=
func (h *PatientHandler) List(w http.ResponseWriter, r *http.Request) {
	q, err := queryFrom(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	views, err := h.svc.List(r.Context(), q)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": views, "count": len(views)})
}

func queryFrom(r *http.Request) (patient.Query, error) {
	v := r.URL.Query()
	q := patient.Query{Filter: patient.Filter{Query: v.Get("q")}}

	var err error
	if s := v.Get("status"); s != "" {
		if q.Status, err = delivery.ParseStatus(s); err != nil {
			return q, err
		}
	}
	if s := v.Get("payment"); s != "" {
		if q.PaymentStatus, err = delivery.ParsePaymentStatus(s); err != nil {
			return q, err
		}
	}
	if s := v.Get("reminder"); s != "" {
		if q.ReminderStatus, err = delivery.ParseReminderStatus(s); err != nil {
			return q, err
		}
	}
	if q.Tab, err = patient.ParseTab(v.Get("tab")); err != nil {
		return q, err
	}
	if q.Limit, err = intParam(v.Get("limit")); err != nil {
		return q, err
	}
	if q.Offset, err = intParam(v.Get("offset")); err != nil {
		return q, err
	}
	return q, nil
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, badRequest("%q is not a non-negative integer", s)
	}
	return n, nil
}

// Create handles POST /patients
func (h *PatientHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("patient-handler").Start(r.Context(), "create_patient")
	defer span.End()

	var req CreateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	rec, err := req.record(h.svc.Classifier())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	rec, err = h.svc.Create(ctx, rec, auth.Actor(ctx))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	span.SetAttributes(attribute.String("record_id", rec.ID))

	setETag(w, rec.Version)
	w.Header().Set("Location", path.Join(r.URL.Path, rec.ID))
	writeJSON(w, http.StatusCreated, h.svc.View(rec))
}

// Get handles GET /patients/{id}
func (h *PatientHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	setETag(w, rec.Version)
	writeJSON(w, http.StatusOK, h.svc.View(rec))
}

// Delete handles DELETE /patients/{id}
func (h *PatientHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), chi.URLParam(r, "id"), auth.Actor(r.Context())); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Status handles POST /patients/{id}/status
func (h *PatientHandler) Status(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(req *TransitionRequest, version int64) (*patient.Record, error) {
		to, err := delivery.ParseStatus(req.Status)
		if err != nil {
			return nil, err
		}
		return h.svc.TransitionByID(r.Context(), chi.URLParam(r, "id"), to, version, auth.Actor(r.Context()))
	})
}

// Payment handles POST /patients/{id}/payment
func (h *PatientHandler) Payment(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(req *TransitionRequest, version int64) (*patient.Record, error) {
		to, err := delivery.ParsePaymentStatus(req.Status)
		if err != nil {
			return nil, err
		}
		return h.svc.PaymentByID(r.Context(), chi.URLParam(r, "id"), to, version, auth.Actor(r.Context()))
	})
}

// Reminder handles POST /patients/{id}/reminder
func (h *PatientHandler) Reminder(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(req *TransitionRequest, version int64) (*patient.Record, error) {
		to, err := delivery.ParseReminderStatus(req.Status)
		if err != nil {
			return nil, err
		}
		return h.svc.ReminderByID(r.Context(), chi.URLParam(r, "id"), to, version, auth.Actor(r.Context()))
	})
}

func (h *PatientHandler) transition(w http.ResponseWriter, r *http.Request, apply func(*TransitionRequest, int64) (*patient.Record, error)) {
	var req TransitionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	version, err := expectedVersion(r, req.ExpectedVersion)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	rec, err := apply(&req, version)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	setETag(w, rec.Version)
	writeJSON(w, http.StatusOK, h.svc.View(rec))
}
