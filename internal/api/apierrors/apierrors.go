// Package apierrors defines the error codes surfaced on the command
// channel and the operation error type carried through request handling.
package apierrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a machine-readable error code, surfaced verbatim to the caller.
type Code string

const (
	CodePathNotFound      Code = "PATH_NOT_FOUND"
	CodeUnauthorized      Code = "UNAUTHORIZED"
	CodeNotPermitted      Code = "NOT_PERMITTED"
	CodeBadRequest        Code = "BAD_REQUEST"
	CodeBadCertTemplate   Code = "BAD_CERT_TEMPLATE"
	CodeBadFormat         Code = "BAD_FORMAT"
	CodeUnknownCert       Code = "UNKNOWN_CERT"
	CodeCertRevoked       Code = "CERT_REVOKED"
	CodeSystemFailure     Code = "SYSTEM_FAILURE"
	CodeSystemUnavailable Code = "SYSTEM_UNAVAILABLE"
)

// OperationError is the error currency of the control plane: every failure
// that reaches the caller is one of these. Anything else is converted to a
// generic SYSTEM_FAILURE at the outermost boundary.
type OperationError struct {
	Code    Code
	Message string

	// TransactionID is set when the failing request carried one, so the
	// caller can correlate the error response.
	TransactionID string
}

func (e *OperationError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

// New creates an OperationError.
func New(code Code, message string) *OperationError {
	return &OperationError{Code: code, Message: message}
}

// Newf creates an OperationError with a formatted message.
func Newf(code Code, format string, args ...any) *OperationError {
	return &OperationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithTransaction attaches a transaction id and returns the error.
func (e *OperationError) WithTransaction(tid string) *OperationError {
	e.TransactionID = tid
	return e
}

// From converts any error to an OperationError. Unrecognized errors become
// a SYSTEM_FAILURE without internal detail: the caller must never see a raw
// internal fault.
func From(err error) *OperationError {
	if err == nil {
		return nil
	}
	var oe *OperationError
	if errors.As(err, &oe) {
		return oe
	}
	return &OperationError{Code: CodeSystemFailure, Message: "internal error"}
}

// HTTPStatus maps an error code to an HTTP status for the transport layer.
func HTTPStatus(code Code) int {
	switch code {
	case CodePathNotFound:
		return http.StatusNotFound
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeNotPermitted:
		return http.StatusForbidden
	case CodeBadRequest, CodeBadCertTemplate, CodeBadFormat:
		return http.StatusBadRequest
	case CodeUnknownCert:
		return http.StatusNotFound
	case CodeCertRevoked:
		return http.StatusConflict
	case CodeSystemUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
