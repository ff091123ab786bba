package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionFailedUnwrapsBothCauses(t *testing.T) {
	cause := Upstream("PUT /queue/opd/q1", http.StatusInternalServerError, "boom")
	err := TransitionFailed("complete opd", cause)

	assert.True(t, Is(err, ErrTransitionFailed))
	assert.True(t, Is(err, ErrUpstream))
	assert.Equal(t, "TRANSITION_FAILED", err.Code)
	assert.Equal(t, http.StatusBadGateway, err.HTTPStatus)
}

func TestAsFindsWrappedAppError(t *testing.T) {
	wrapped := fmt.Errorf("arrive: %w", Conflict("patient already at reception desk"))

	appErr, ok := As(wrapped)
	require.True(t, ok)
	assert.Equal(t, "CONFLICT", appErr.Code)

	_, ok = As(stderrors.New("plain"))
	assert.False(t, ok)
}

func TestWrapKeepsAppErrorCode(t *testing.T) {
	err := Wrap(Validation("reason is required", nil), "recall")
	assert.Equal(t, "VALIDATION_ERROR", err.Code)
	assert.Equal(t, "recall: reason is required", err.Message)

	plain := Wrap(stderrors.New("disk"), "snapshot")
	assert.Equal(t, "INTERNAL_ERROR", plain.Code)
}
