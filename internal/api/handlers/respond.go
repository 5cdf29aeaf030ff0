// Package handlers provides HTTP handlers for the rxcare API.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/rxcare/rxcare/internal/api/middleware"
	"github.com/rxcare/rxcare/internal/auth"
	"github.com/rxcare/rxcare/internal/domain/delivery"
	"github.com/rxcare/rxcare/internal/domain/patient"
	"github.com/rxcare/rxcare/internal/domain/refill"
)

const maxBody = 1 << 20

// errBadRequest marks malformed input detected by the handlers themselves
var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// StatusFor maps domain errors to HTTP status codes
func StatusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, refill.ErrInvalidDate),
		errors.Is(err, patient.ErrValidation),
		errors.Is(err, delivery.ErrUnknownStatus),
		errors.Is(err, auth.ErrInvalidAccount):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, delivery.ErrInvalidTransition):
		return http.StatusUnprocessableEntity
	case errors.Is(err, patient.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, patient.ErrConflict), errors.Is(err, auth.ErrEmailTaken):
		return http.StatusConflict
	case errors.Is(err, patient.ErrPersistence):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

func errorCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_input"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusUnprocessableEntity:
		return "invalid_transition"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusServiceUnavailable:
		return "persistence_unavailable"
	}
	return "internal"
}

// writeError renders err. Server-side failures are logged with the request
// id and their detail is withheld from the client.
func writeError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	status := StatusFor(err)
	body := errorBody{
		Error:     err.Error(),
		Code:      errorCode(status),
		RequestID: middleware.GetRequestID(r.Context()),
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", body.RequestID),
			zap.Error(err))
		body.Error = http.StatusText(status)
		if status == http.StatusServiceUnavailable {
			body.Error = "the record store is unavailable, please retry"
		}
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid request body: %v", err)
	}
	return nil
}

// expectedVersion reads the caller's version from If-Match, falling back to
// the body value. Zero means the caller did not send one.
func expectedVersion(r *http.Request, body int64) (int64, error) {
	h := strings.TrimSpace(r.Header.Get("If-Match"))
	if h == "" || h == "*" {
		return body, nil
	}
	h = strings.TrimPrefix(h, "W/")
	v, err := strconv.ParseInt(strings.Trim(h, `"`), 10, 64)
	if err != nil || v < 0 {
		return 0, badRequest("If-Match must be a record version")
	}
	return v, nil
}

func setETag(w http.ResponseWriter, version int64) {
	w.Header().Set("ETag", strconv.Quote(strconv.FormatInt(version, 10)))
}
