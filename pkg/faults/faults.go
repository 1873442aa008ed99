// pkg/faults/faults.go
package faults

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code identifies a class of failure surfaced to callers.
type Code string

const (
	InvalidRequest       Code = "INVALID_REQUEST"
	ReauthRequired       Code = "REAUTH_REQUIRED"
	ConsentRequired      Code = "CONSENT_REQUIRED"
	FlowExpiredOrUnknown Code = "FLOW_EXPIRED_OR_UNKNOWN"
	RetryLater           Code = "RETRY_LATER"
	AdmissionRejected    Code = "ADMISSION_REJECTED"
	UpstreamUnavailable  Code = "UPSTREAM_UNAVAILABLE"
	UpstreamTimeout      Code = "UPSTREAM_TIMEOUT"
	UpstreamError        Code = "UPSTREAM_ERROR"
	KeyUnavailable       Code = "KEY_UNAVAILABLE"
)

var statusByCode = map[Code]int{
	InvalidRequest:       http.StatusBadRequest,
	ReauthRequired:       http.StatusUnauthorized,
	ConsentRequired:      http.StatusForbidden,
	FlowExpiredOrUnknown: http.StatusUnauthorized,
	RetryLater:           http.StatusConflict,
	AdmissionRejected:    http.StatusTooManyRequests,
	UpstreamUnavailable:  http.StatusServiceUnavailable,
	UpstreamTimeout:      http.StatusGatewayTimeout,
	UpstreamError:        http.StatusBadGateway,
	KeyUnavailable:       http.StatusInternalServerError,
}

// Fault is the structured error returned from every core operation.
// RetryAfter, when non-zero, is a hint callers may use for their own backoff.
type Fault struct {
	Code          Code
	Message       string
	RetryAfter    time.Duration
	CorrelationID string
	Cause         error
}

func New(code Code, msg string) *Fault { return &Fault{Code: code, Message: msg} }

func Newf(code Code, format string, args ...any) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (f *Fault) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Code, f.Message, f.Cause)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

func (f *Fault) Unwrap() error { return f.Cause }

func (f *Fault) WithCause(err error) *Fault { f.Cause = err; return f }

func (f *Fault) WithRetryAfter(d time.Duration) *Fault { f.RetryAfter = d; return f }

func (f *Fault) WithCorrelation(id string) *Fault { f.CorrelationID = id; return f }

// HTTPStatus maps the fault code to a response status.
func (f *Fault) HTTPStatus() int {
	if s, ok := statusByCode[f.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// CodeOf extracts the fault code from err, or empty when err is not a Fault.
func CodeOf(err error) Code {
	var f *Fault
	if errors.As(err, &f) {
		return f.Code
	}
	return ""
}

// IsCode reports whether err is a Fault carrying the given code.
func IsCode(err error, code Code) bool { return CodeOf(err) == code }

type errBody struct {
	Code          Code   `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`
	RetryAfterMS  int64  `json:"retry_after_ms,omitempty"`
}

// WriteJSON renders err as the wire error envelope. Non-Fault errors are
// masked as a generic upstream error so internals never leak.
func WriteJSON(w http.ResponseWriter, err error, correlationID string) {
	var f *Fault
	if !errors.As(err, &f) {
		f = New(UpstreamError, "internal error").WithCause(err)
	}
	if f.CorrelationID == "" {
		f.CorrelationID = correlationID
	}
	if f.RetryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(f.RetryAfter.Round(time.Second)/time.Second)))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(f.HTTPStatus())
	_ = json.NewEncoder(w).Encode(map[string]errBody{"error": {
		Code:          f.Code,
		Message:       f.Message,
		CorrelationID: f.CorrelationID,
		RetryAfterMS:  f.RetryAfter.Milliseconds(),
	}})
}
