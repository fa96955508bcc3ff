package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DerivesCategoryAndSeverity(t *testing.T) {
	tests := []struct {
		code      string
		category  Category
		severity  Severity
		retryable bool
	}{
		{ErrCodeConfigInvalid, CategoryConfig, SeverityError, false},
		{ErrCodePersistFailed, CategoryIO, SeverityFatal, false},
		{ErrCodeCardNotFound, CategoryNetwork, SeverityWarning, true},
		{ErrCodeNetworkTimeout, CategoryNetwork, SeverityWarning, true},
		{ErrCodeInvalidParticipant, CategoryValidation, SeverityError, false},
		{ErrCodeStorageFailed, CategoryInternal, SeverityWarning, true},
		{ErrCodeShuttingDown, CategoryInternal, SeverityError, false},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := New(tt.code, "msg", nil)
			assert.Equal(t, tt.category, err.Category)
			assert.Equal(t, tt.severity, err.Severity)
			assert.Equal(t, tt.retryable, err.Retryable)
		})
	}
}

func TestIndexError_ErrorString(t *testing.T) {
	err := New(ErrCodeCardNotFound, "no card for 9915:test", nil)
	assert.Equal(t, "[ERR_303_CARD_NOT_FOUND] no card for 9915:test", err.Error())
}

func TestIndexError_UnwrapAndIs(t *testing.T) {
	// Given: a sentinel and an error wrapping a cause
	sentinel := New(ErrCodeCardNotFound, "not found", nil)
	cause := fmt.Errorf("http 404")
	err := New(ErrCodeCardNotFound, "no card", cause)

	// When: wrapped again with fmt.Errorf
	wrapped := fmt.Errorf("fetch: %w", err)

	// Then: errors.Is matches by code and the cause stays reachable
	assert.True(t, errors.Is(wrapped, sentinel))
	assert.True(t, errors.Is(wrapped, cause))
	assert.False(t, errors.Is(wrapped, New(ErrCodeInternal, "x", nil)))
}

func TestIndexError_WithDetailAndSuggestion(t *testing.T) {
	err := New(ErrCodeInvalidParticipant, "bad id", nil).
		WithDetail("participant", "").
		WithSuggestion("pass a non-empty participant identifier")

	require.NotNil(t, err.Details)
	assert.Equal(t, "", err.Details["participant"])
	assert.Contains(t, err.Suggestion, "non-empty")
}

func TestWrap_Nil(t *testing.T) {
	assert.Nil(t, Wrap(ErrCodeInternal, nil))
}

func TestHelpers_OnPlainError(t *testing.T) {
	plain := errors.New("boom")

	assert.False(t, IsRetryable(plain))
	assert.False(t, IsFatal(plain))
	assert.Equal(t, "", GetCode(plain))
	assert.Equal(t, Category(""), GetCategory(plain))
}

func TestHelpers_OnWrappedIndexError(t *testing.T) {
	err := fmt.Errorf("outer: %w", NetworkError("registry down", nil))

	assert.True(t, IsRetryable(err))
	assert.False(t, IsFatal(err))
	assert.Equal(t, ErrCodeNetworkUnavailable, GetCode(err))
	assert.Equal(t, CategoryNetwork, GetCategory(err))
}

func TestConstructors(t *testing.T) {
	assert.Equal(t, ErrCodeConfigInvalid, ConfigError("c", nil).Code)
	assert.Equal(t, ErrCodeInvalidInput, ValidationError("v", nil).Code)
	assert.Equal(t, ErrCodeInternal, InternalError("i", nil).Code)
	assert.True(t, IsFatal(New(ErrCodePersistFailed, "p", nil)))
}
