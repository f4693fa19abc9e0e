package apperr

import (
	"errors"
	"net/http"
)

var (
	// ErrDuplicateConflict means an external id was seen again with different money fields.
	ErrDuplicateConflict = errors.New("duplicate conflict")
	// ErrInvalidStateTransition means the requested transition is not allowed from the current state.
	ErrInvalidStateTransition = errors.New("invalid state transition")
	// ErrRuleResolutionAmbiguous means more than one commission rule matched after precedence.
	ErrRuleResolutionAmbiguous = errors.New("commission rule resolution ambiguous")
	// ErrGatewayUnavailable means the payment gateway could not be reached or answered 5xx.
	ErrGatewayUnavailable = errors.New("gateway unavailable")
	// ErrGatewayRejected means the gateway refused the instruction permanently.
	ErrGatewayRejected = errors.New("gateway rejected request")

	ErrNotFound        = errors.New("not found")
	ErrValidation      = errors.New("validation failed")
	ErrOutOfOrder      = errors.New("event arrived before its prerequisite")
	ErrNothingToSettle = errors.New("nothing to settle")
	ErrTenantMismatch  = errors.New("tenant mismatch")
)

// Metadata describes how an error kind surfaces to callers.
type Metadata struct {
	Code       string
	HTTPStatus int
	Retryable  bool
}

var kinds = []struct {
	err  error
	meta Metadata
}{
	{ErrDuplicateConflict, Metadata{Code: "DUPLICATE_CONFLICT", HTTPStatus: http.StatusConflict}},
	{ErrInvalidStateTransition, Metadata{Code: "INVALID_STATE_TRANSITION", HTTPStatus: http.StatusUnprocessableEntity}},
	{ErrRuleResolutionAmbiguous, Metadata{Code: "RULE_RESOLUTION_AMBIGUOUS", HTTPStatus: http.StatusInternalServerError}},
	{ErrGatewayUnavailable, Metadata{Code: "GATEWAY_UNAVAILABLE", HTTPStatus: http.StatusServiceUnavailable, Retryable: true}},
	{ErrGatewayRejected, Metadata{Code: "GATEWAY_REJECTED", HTTPStatus: http.StatusBadGateway}},
	{ErrNotFound, Metadata{Code: "NOT_FOUND", HTTPStatus: http.StatusNotFound}},
	{ErrValidation, Metadata{Code: "VALIDATION_ERROR", HTTPStatus: http.StatusBadRequest}},
	{ErrOutOfOrder, Metadata{Code: "OUT_OF_ORDER", HTTPStatus: http.StatusConflict, Retryable: true}},
	{ErrNothingToSettle, Metadata{Code: "NOTHING_TO_SETTLE", HTTPStatus: http.StatusConflict}},
	{ErrTenantMismatch, Metadata{Code: "TENANT_MISMATCH", HTTPStatus: http.StatusForbidden}},
}

var internal = Metadata{Code: "INTERNAL_ERROR", HTTPStatus: http.StatusInternalServerError, Retryable: true}

// MetadataFor returns the metadata of the first known kind err wraps.
func MetadataFor(err error) Metadata {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.meta
		}
	}
	return internal
}

// Retryable reports whether the caller may retry the same request later.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return MetadataFor(err).Retryable
}
