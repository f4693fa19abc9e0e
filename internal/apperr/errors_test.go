package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetadataFor_WrappedKinds(t *testing.T) {
	err := fmt.Errorf("capture ext-1: %w", ErrDuplicateConflict)
	meta := MetadataFor(err)
	assert.Equal(t, "DUPLICATE_CONFLICT", meta.Code)
	assert.Equal(t, http.StatusConflict, meta.HTTPStatus)
	assert.False(t, meta.Retryable)

	assert.True(t, Retryable(fmt.Errorf("transfer: %w", ErrGatewayUnavailable)))
	assert.True(t, Retryable(ErrOutOfOrder))
	assert.False(t, Retryable(ErrInvalidStateTransition))
	assert.False(t, Retryable(nil))
}

func TestMetadataFor_UnknownIsInternal(t *testing.T) {
	meta := MetadataFor(errors.New("boom"))
	assert.Equal(t, "INTERNAL_ERROR", meta.Code)
	assert.Equal(t, http.StatusInternalServerError, meta.HTTPStatus)
}
