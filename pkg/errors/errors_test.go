package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorString(t *testing.T) {
	t.Parallel()

	err := NewNotFoundError("exchange not found", nil)
	assert.Equal(t, "NotFoundError: exchange not found", err.Error())

	wrapped := NewDataError("verification failed", stderrors.New("proof missing"))
	assert.Equal(t, "DataError: verification failed: proof missing", wrapped.Error())
	assert.Equal(t, "proof missing", stderrors.Unwrap(wrapped).Error())
}

func TestPredicatesWalkWrapChain(t *testing.T) {
	t.Parallel()

	inner := NewDuplicateError("exchange already complete", nil)
	outer := fmt.Errorf("handling request: %w", inner)

	assert.True(t, IsDuplicate(outer))
	assert.False(t, IsNotFound(outer))

	e, ok := As(outer)
	assert.True(t, ok)
	assert.Equal(t, KindDuplicate, e.Kind)
}

func TestHTTPStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", NewValidationError("bad step", nil), http.StatusBadRequest},
		{"data", NewDataError("bad vp", nil), http.StatusBadRequest},
		{"verification", NewVerificationError("verifier said no", nil), http.StatusBadRequest},
		{"not allowed", NewNotAllowedError("nope", nil), http.StatusForbidden},
		{"not found", NewNotFoundError("gone", nil), http.StatusNotFound},
		{"duplicate", NewDuplicateError("again", nil), http.StatusConflict},
		{"invalid state", NewInvalidStateError("stale", nil), http.StatusConflict},
		{"plain error", stderrors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, HTTPStatus(tc.err))
		})
	}
}

func TestWithDetails(t *testing.T) {
	t.Parallel()

	err := NewValidationError("invalid workflow config", nil).
		WithDetails(map[string]any{"errors": []string{"unknown zcap reference id"}})
	assert.Equal(t, []string{"unknown zcap reference id"}, err.Details["errors"])
}
