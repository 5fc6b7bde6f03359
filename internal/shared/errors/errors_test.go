package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_Behavior(t *testing.T) {
	err := NewValidationError("invalid input").WithCode("VAL001").WithDetail("field", "name").WithComponent("test-component")
	assert.Equal(t, ErrorTypeValidation, err.Type)
	assert.Equal(t, "invalid input", err.Message)
	assert.Equal(t, "VAL001", err.Code)
	assert.Equal(t, "test-component", err.Component)
	assert.Equal(t, "name", err.Details["field"])
	assert.Equal(t, "invalid input", err.Error())
}

func TestAppError_WithCause_Unwrap(t *testing.T) {
	cause := errors.New("duplicate subscription")
	err := NewConflictError("subscription exists").WithCause(cause)
	assert.Equal(t, cause, err.Unwrap())
	assert.Equal(t, http.StatusConflict, HTTPStatus(err))
}

func TestValidationErrors(t *testing.T) {
	ve := NewValidationErrors()
	ve.Add("field1", "must be set", "")
	assert.True(t, ve.HasErrors())
	appErr := ve.ToAppError()
	require.NotNil(t, appErr)
	assert.Equal(t, ErrorTypeValidation, appErr.Type)
	assert.Nil(t, NewValidationErrors().ToAppError())
}

func TestQueryCacheTaxonomy(t *testing.T) {
	t.Run("unknown collection", func(t *testing.T) {
		err := NewUnknownCollectionError("dormitories")
		assert.True(t, IsUnknownCollection(err))
		assert.False(t, IsRemoteQueryFailure(err))
		assert.Equal(t, ErrorTypeNotFound, err.Type)
		assert.Equal(t, CodeUnknownCollection, err.Code)
		assert.Equal(t, http.StatusNotFound, HTTPStatus(err))
	})

	t.Run("remote failure keeps cause and sentinel", func(t *testing.T) {
		cause := errors.New("connection reset")
		err := NewRemoteQueryError("students|limit=2", cause)
		wrapped := fmt.Errorf("listen: %w", err)

		assert.True(t, IsRemoteQueryFailure(wrapped))
		assert.ErrorIs(t, wrapped, cause)
		assert.Equal(t, http.StatusBadGateway, HTTPStatus(wrapped))
		assert.Contains(t, err.Error(), "connection reset")
	})

	t.Run("no pagination state", func(t *testing.T) {
		err := NewNoPaginationStateError("grades")
		assert.True(t, IsNoPaginationState(err))
		assert.Equal(t, http.StatusConflict, HTTPStatus(err))
	})

	t.Run("invalid query is a validation error", func(t *testing.T) {
		err := NewInvalidQueryError("limit must be positive")
		assert.True(t, IsValidation(err))
		assert.ErrorIs(t, err, ErrInvalidQuery)
	})
}

func TestWrapError_KeepsAppError(t *testing.T) {
	original := NewNoPaginationStateError("students")
	assert.Same(t, original, WrapError(fmt.Errorf("ctx: %w", original), "ignored"))

	cause := errors.New("boom")
	wrapped := WrapError(cause, "load failed")
	assert.Equal(t, ErrorTypeInternal, wrapped.Type)
	assert.Equal(t, "load failed: boom", wrapped.Error())
	assert.ErrorIs(t, wrapped, cause)
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(wrapped))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("plain")))
}
