package http

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/penguintechinc/killkrill-sub000/errors"
	"github.com/penguintechinc/killkrill-sub000/event"
)

type errorBody struct {
	Error  string             `json:"error"`
	Status int                `json:"status"`
	Errors []event.FieldError `json:"errors,omitempty"`
	// Accepted counts events appended before a 503.
	Accepted *int `json:"accepted,omitempty"`
}

type acceptedBody struct {
	Accepted int      `json:"accepted"`
	IDs      []string `json:"ids"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message, Status: status})
}

func writeValidation(w http.ResponseWriter, ve *event.ValidationError) {
	writeJSON(w, http.StatusBadRequest, errorBody{
		Error:  "validation failed",
		Status: http.StatusBadRequest,
		Errors: ve.Fields,
	})
}

// setRetryAfter writes d as whole seconds, at least one.
func setRetryAfter(w http.ResponseWriter, d time.Duration) {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
}

// statusFor maps error classes to HTTP status codes
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusInternalServerError
	case errors.Is(err, errors.ErrCapacityExceeded):
		return http.StatusServiceUnavailable
	case errors.Is(err, errors.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, errors.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, errors.ErrKeyNotFound):
		return http.StatusNotFound
	case errors.Is(err, errors.ErrParsingFailed), errors.IsInvalid(err):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// sanitizeError returns a message safe to show clients. Internal details are
// logged, never returned.
func sanitizeError(err error) string {
	switch statusFor(err) {
	case http.StatusServiceUnavailable:
		if errors.Is(err, errors.ErrCapacityExceeded) {
			return "stream at capacity"
		}
		return "service temporarily unavailable"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusTooManyRequests:
		return "rate limit exceeded"
	case http.StatusNotFound:
		return "resource not found"
	case http.StatusBadRequest:
		return "invalid request"
	case http.StatusGatewayTimeout:
		return "request timeout"
	default:
		return "internal server error"
	}
}
