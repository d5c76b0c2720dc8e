// Package api exposes the HTTP and WebSocket surface. Error responses
// use RFC 9457 Problem Details carrying the fault taxonomy code.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/veriscope-labs/veriscope/pkg/faults"
)

// ProblemDetail implements RFC 9457 (Problem Details for HTTP APIs).
// All API error responses use this format.
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is a URI reference identifying the specific occurrence.
	Instance string `json:"instance,omitempty"`
	// TraceID links to the request trace (X-Request-ID).
	TraceID string `json:"trace_id,omitempty"`
	// ErrorCode is the machine-readable fault taxonomy code.
	ErrorCode string `json:"error_code,omitempty"`
	// Retryable tells clients whether retrying may succeed.
	Retryable bool `json:"retryable,omitempty"`
	// Extensions carries problem-specific members.
	Extensions map[string]any `json:"extensions,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func problemType(status int) string {
	return fmt.Sprintf("https://veriscope.dev/errors/%d", status)
}

func writeProblem(w http.ResponseWriter, p *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes a Problem Detail response without request context.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:   problemType(status),
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// WriteFault translates a typed fault into a Problem Detail response,
// enriched with request context (instance, trace_id). Internal errors
// are logged and never exposed to the client.
func WriteFault(w http.ResponseWriter, r *http.Request, err error) {
	code := faults.CodeOf(err)
	status := faults.HTTPStatus(code)

	detail := err.Error()
	if code == faults.CodeInternal {
		slog.Error("internal server error", "error", err, "path", r.URL.Path)
		detail = "An unexpected error occurred. Please try again later."
	}
	if code == faults.CodeRateLimited {
		w.Header().Set("Retry-After", "5")
	}

	writeProblem(w, &ProblemDetail{
		Type:      problemType(status),
		Title:     http.StatusText(status),
		Status:    status,
		Detail:    detail,
		Instance:  r.URL.Path,
		TraceID:   w.Header().Get("X-Request-ID"),
		ErrorCode: string(code),
		Retryable: faults.Retryable(code),
	})
}

// WriteBadRequest writes a 400 response with error_code validation_error.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteFault(w, r, faults.New(faults.CodeValidation, detail))
}

// WriteNotFound writes a 404 response with error_code not_found.
func WriteNotFound(w http.ResponseWriter, r *http.Request, detail string) {
	WriteFault(w, r, faults.New(faults.CodeNotFound, detail))
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	writeProblem(w, &ProblemDetail{
		Type:      problemType(http.StatusTooManyRequests),
		Title:     "Too Many Requests",
		Status:    http.StatusTooManyRequests,
		Detail:    "Rate limit exceeded. Retry after the specified interval.",
		ErrorCode: string(faults.CodeRateLimited),
		Retryable: true,
	})
}

// WriteJSON writes a JSON success response.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
