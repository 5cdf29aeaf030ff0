package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/rxcare/rxcare/internal/api/middleware"
	"github.com/rxcare/rxcare/internal/auth"
)

// AuthHandler handles registration, login and logout
type AuthHandler struct {
	svc          *auth.Service
	secureCookie bool
	logger       *zap.Logger
}

// NewAuthHandler creates a new handler. secureCookie marks the session
// cookie Secure and should be set outside development.
func NewAuthHandler(svc *auth.Service, secureCookie bool, logger *zap.Logger) *AuthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthHandler{svc: svc, secureCookie: secureCookie, logger: logger}
}

// Routes returns the handler routes. Logout and me need a session.
func (h *AuthHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/staff/login", h.login(auth.RoleStaff))
	r.Post("/staff/register", h.register(auth.RoleStaff))
	r.Post("/patient/login", h.login(auth.RolePatient))
	r.Post("/patient/register", h.register(auth.RolePatient))

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireSession(h.svc.Sessions()))
		r.Post("/logout", h.Logout)
		r.Get("/me", h.Me)
	})
	return r
}

func (h *AuthHandler) register(role auth.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req auth.Registration
		if err := decode(r, &req); err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		tok, err := h.svc.Register(r.Context(), role, req)
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		h.setCookie(w, tok)
		writeJSON(w, http.StatusCreated, tok)
	}
}

func (h *AuthHandler) login(role auth.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req auth.Credentials
		if err := decode(r, &req); err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		tok, err := h.svc.Login(r.Context(), role, req)
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		h.setCookie(w, tok)
		writeJSON(w, http.StatusOK, tok)
	}
}

// Logout handles POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	sess, ok := auth.FromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing session", Code: "unauthorized"})
		return
	}
	if err := h.svc.Logout(r.Context(), sess); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

// Me handles GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.FromContext(r.Context())
	writeJSON(w, http.StatusOK, sess)
}

func (h *AuthHandler) setCookie(w http.ResponseWriter, tok *auth.Token) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    tok.Token,
		Path:     "/",
		Expires:  tok.Session.ExpiresAt,
		MaxAge:   int(time.Until(tok.Session.ExpiresAt).Seconds()),
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}
