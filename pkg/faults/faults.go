// Package faults carries the shared error taxonomy. Every component maps
// failures into one of these codes; the HTTP boundary translates codes
// into RFC 9457 Problem Details with the matching status.
package faults

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies one failure class.
type Code string

const (
	CodeNotFound          Code = "not_found"
	CodeValidation        Code = "validation_error"
	CodePolicyDenied      Code = "policy_denied"
	CodeRateLimited       Code = "rate_limited"
	CodeInvalidURL        Code = "invalid_url"
	CodeBudgetExceeded    Code = "budget_exceeded"
	CodeModelUnavailable  Code = "model_unavailable"
	CodeGatewayError      Code = "gateway_error"
	CodeTimeout           Code = "timeout"
	CodeIntegrityConflict Code = "integrity_conflict"
	CodeInternal          Code = "internal"
)

// Fault is a typed error carrying a taxonomy code.
type Fault struct {
	Code   Code
	Detail string
	Cause  error
}

func (f *Fault) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Code, f.Detail, f.Cause)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Detail)
}

func (f *Fault) Unwrap() error { return f.Cause }

// New creates a Fault with the given code.
func New(code Code, detail string) *Fault {
	return &Fault{Code: code, Detail: detail}
}

// Newf creates a Fault with a formatted detail.
func Newf(code Code, format string, args ...any) *Fault {
	return &Fault{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Wrap creates a Fault wrapping a cause.
func Wrap(code Code, detail string, cause error) *Fault {
	return &Fault{Code: code, Detail: detail, Cause: cause}
}

// CodeOf extracts the taxonomy code from an error chain.
// Unclassified errors report CodeInternal.
func CodeOf(err error) Code {
	var f *Fault
	if errors.As(err, &f) {
		return f.Code
	}
	return CodeInternal
}

// HTTPStatus maps a code onto its HTTP status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeValidation:
		return http.StatusBadRequest
	case CodePolicyDenied:
		return http.StatusForbidden
	case CodeRateLimited, CodeBudgetExceeded:
		return http.StatusTooManyRequests
	case CodeInvalidURL:
		return http.StatusBadRequest
	case CodeModelUnavailable:
		return http.StatusServiceUnavailable
	case CodeGatewayError:
		return http.StatusBadGateway
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeIntegrityConflict:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether callers may retry the failed operation.
func Retryable(code Code) bool {
	switch code {
	case CodeRateLimited, CodeGatewayError, CodeModelUnavailable, CodeTimeout:
		return true
	default:
		return false
	}
}
