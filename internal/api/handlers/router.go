package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/rxcare/rxcare/internal/api/middleware"
	"github.com/rxcare/rxcare/internal/auth"
	"github.com/rxcare/rxcare/internal/domain/patient"
	"github.com/rxcare/rxcare/internal/notify"
)

// Deps are the services behind the API
type Deps struct {
	Service     *patient.Service
	Auth        *auth.Service
	Dispatcher  Dispatcher
	Hub         *notify.Hub
	Metrics     middleware.RequestObserver
	MetricsPage http.Handler
	Checks      []Check
	CORSOrigins []string
	// SecureCookies marks session cookies Secure
	SecureCookies bool
	ServiceName   string
	Version       string
	Logger        *zap.Logger
}

// NewRouter builds the HTTP API
func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if d.ServiceName == "" {
		d.ServiceName = "rxcare"
	}

	authH := NewAuthHandler(d.Auth, d.SecureCookies, logger)
	patients := NewPatientHandler(d.Service, logger)
	reminderH := NewReminderHandler(d.Service, d.Dispatcher, logger)
	changes := NewChangeHandler(d.Hub, originChecker(d.CORSOrigins), logger)

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(d.CORSOrigins))
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(d.ServiceName))
	if d.Metrics != nil {
		r.Use(middleware.Metrics(d.Metrics))
	}

	r.Get("/health", Health(d.ServiceName, d.Version))
	r.Get("/ready", Ready(d.Checks...))
	if d.MetricsPage != nil {
		r.Handle("/metrics", d.MetricsPage)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/auth", authH.Routes())

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireSession(d.Auth.Sessions()))

			r.Get("/changes", changes.Stream)
			r.Get("/ws", changes.Socket)

			r.With(middleware.RequireRole(auth.RolePatient)).Get("/me/records", MyRecords(d.Service, logger))

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireRole(auth.RoleStaff))
				r.Mount("/patients", patients.Routes())
				r.Mount("/reminders", reminderH.Routes())
				r.Get("/dashboard", Dashboard(d.Service, logger))
			})
		})
	})

	return r
}

// originChecker allows websocket upgrades from the CORS origins. Without
// configured origins gorilla's same-origin check applies.
func originChecker(origins []string) func(*http.Request) bool {
	if len(origins) == 0 {
		return nil
	}
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed[origin]
	}
}
