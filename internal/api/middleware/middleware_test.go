package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/rxcare/rxcare/internal/auth"
)

const secret = "0123456789abcdef0123456789abcdef"

func sessions(t *testing.T) *auth.Manager {
	t.Helper()
	m, err := auth.NewManager(secret, time.Hour, auth.NewMemoryRevocations())
	require.NoError(t, err)
	return m
}

func token(t *testing.T, m *auth.Manager, role auth.Role) (string, *auth.Session) {
	t.Helper()
	tok, sess, err := m.Issue(&auth.Account{ID: "a1", Email: "x@example.com", Name: "X", Role: role})
	require.NoError(t, err)
	return tok, sess
}

func ok(w http.ResponseWriter, r *http.Request) {
	s, _ := auth.FromContext(r.Context())
	if s != nil {
		w.Header().Set("X-Role", string(s.Role))
	}
	w.WriteHeader(http.StatusOK)
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "abc", seen)
}

func TestRequireSessionAndRole(t *testing.T) {
	m := sessions(t)
	staff, _ := token(t, m, auth.RoleStaff)
	patientTok, patientSess := token(t, m, auth.RolePatient)

	h := RequireSession(m)(RequireRole(auth.RoleStaff)(http.HandlerFunc(ok)))

	tests := []struct {
		name   string
		setup  func(r *http.Request)
		status int
	}{
		{"no token", func(*http.Request) {}, http.StatusUnauthorized},
		{"garbage", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, http.StatusUnauthorized},
		{"staff header", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+staff) }, http.StatusOK},
		{"staff cookie", func(r *http.Request) { r.AddCookie(&http.Cookie{Name: SessionCookie, Value: staff}) }, http.StatusOK},
		{"patient", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+patientTok) }, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			tt.setup(req)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
		})
	}

	require.NoError(t, m.Revoke(context.Background(), patientSess))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+patientTok)
	rec := httptest.NewRecorder()
	RequireSession(m)(http.HandlerFunc(ok)).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "logged out")
}

func TestQueryTokenOnlyForGet(t *testing.T) {
	m := sessions(t)
	staff, _ := token(t, m, auth.RoleStaff)
	h := RequireSession(m)(http.HandlerFunc(ok))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/changes?access_token="+staff, nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/changes?access_token="+staff, nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRecover(t *testing.T) {
	h := Recover(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, rec.Body.String())
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://portal.example.com"})(http.HandlerFunc(ok))

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://portal.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://portal.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

type observed struct {
	mu     sync.Mutex
	routes []string
	status []int
}

func (o *observed) ObserveRequest(method, route string, status int, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.routes = append(o.routes, method+" "+route)
	o.status = append(o.status, status)
}

func TestMetricsUsesRoutePattern(t *testing.T) {
	obs := &observed{}
	r := chi.NewRouter()
	r.Use(Metrics(obs))
	r.Get("/patients/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/patients/p-123", nil))
	assert.Equal(t, []string{"GET /patients/{id}"}, obs.routes)
	assert.Equal(t, []int{http.StatusTeapot}, obs.status)
}

func TestResponseWriterFlushes(t *testing.T) {
	rec := httptest.NewRecorder()
	w := wrap(rec)
	var _ http.Flusher = w
	_, err := w.Write([]byte("data: x\n\n"))
	require.NoError(t, err)
	w.Flush()
	assert.True(t, rec.Flushed)

	_, _, err = w.Hijack()
	assert.Error(t, err)
}

func TestTracingRedactsAccessToken(t *testing.T) {
	spans := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	h := Tracing("rxcare-test")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/changes?access_token=SECRET.JWT&record=p1", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/patients?q=maria", nil))

	ended := spans.Ended()
	require.Len(t, ended, 2)
	urls := map[string]string{}
	for i, span := range ended {
		for _, kv := range span.Attributes() {
			if kv.Key == "http.url" {
				urls[span.Name()] = kv.Value.AsString()
				assert.NotContains(t, kv.Value.AsString(), "SECRET", "span %d", i)
			}
		}
	}
	assert.Equal(t, "/api/v1/changes?access_token=REDACTED&record=p1", urls["GET /api/v1/changes"])
	assert.Equal(t, "/api/v1/patients", urls["GET /api/v1/patients"])
}

func TestRedactURL(t *testing.T) {
	u, err := url.Parse("/api/v1/ws?access_token=abc")
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/ws?access_token=REDACTED", redactURL(u))
}
