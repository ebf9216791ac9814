package apperr

import (
	"errors"
	"net/http"
)

// Kind classifies a failure so callers can react without string matching.
type Kind string

const (
	KindUnauthorized        Kind = "unauthorized"
	KindKeyNotFound         Kind = "key_not_found"
	KindDecryptionFailed    Kind = "decryption_failed"
	KindAlreadyAssigned     Kind = "already_assigned"
	KindReserved            Kind = "award_reserved"
	KindGasEstimation       Kind = "gas_estimation_failed"
	KindSubmissionRejected  Kind = "submission_rejected"
	KindConfirmationTimeout Kind = "confirmation_timeout"
	KindNotOwner            Kind = "not_owner"
	KindReverted            Kind = "transaction_reverted"
	KindUnknownRequest      Kind = "unknown_request"
	KindAlreadyTerminal     Kind = "already_terminal"
	KindInProgress          Kind = "request_in_progress"
	KindNotFound            Kind = "not_found"
	KindInvalidInput        Kind = "invalid_input"
	KindInternal            Kind = "internal"
)

// Error carries a Kind alongside a human readable reason.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
	// Fields maps request fields to validation messages.
	Fields map[string]string
}

// New builds an error of the given kind.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Invalid builds a KindInvalidInput error with per-field messages.
func Invalid(reason string, fields map[string]string) *Error {
	return &Error{Kind: KindInvalidInput, Reason: reason, Fields: fields}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, err error, reason string) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	if e.Reason == "" {
		return e.Err.Error()
	}
	return e.Reason + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so package sentinels compare by kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the outermost kind in the chain, or KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// ReasonOf returns the reason of the outermost *Error, falling back to err.Error().
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Reason != "" {
		return e.Reason
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// FieldsOf returns the field messages of the outermost *Error, if any.
func FieldsOf(err error) map[string]string {
	var e *Error
	if errors.As(err, &e) {
		return e.Fields
	}
	return nil
}

// Retryable reports whether the failure is a transient chain-layer error that is
// safe to retry with the same request id.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindGasEstimation, KindConfirmationTimeout, KindSubmissionRejected, KindReserved:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a kind to the status code the API responds with.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindUnauthorized:
		return http.StatusForbidden
	case KindNotFound, KindKeyNotFound, KindUnknownRequest:
		return http.StatusNotFound
	case KindAlreadyAssigned, KindReserved, KindAlreadyTerminal, KindInProgress, KindNotOwner:
		return http.StatusConflict
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindGasEstimation, KindSubmissionRejected, KindReverted:
		return http.StatusBadGateway
	case KindConfirmationTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
