package errors

import (
	"errors"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatForCLI(t *testing.T) {
	err := New(ErrCodeWriterLocked, "another cardindex process owns the data directory", nil).
		WithSuggestion("stop the running daemon first")

	out := FormatForCLI(err)

	assert.Contains(t, out, "Error: another cardindex process owns the data directory")
	assert.Contains(t, out, "Hint: stop the running daemon first")
	assert.Contains(t, out, "Code: ERR_208_WRITER_LOCKED")
	assert.Equal(t, "", FormatForCLI(nil))
}

func TestFormatForCLI_PlainError(t *testing.T) {
	out := FormatForCLI(errors.New("boom"))
	assert.Contains(t, out, "Error: boom")
	assert.Contains(t, out, ErrCodeInternal)
}

func TestFormatJSON(t *testing.T) {
	err := New(ErrCodeCardNotFound, "no card", errors.New("http 404")).
		WithDetail("participant", "9915:test")

	data, ferr := FormatJSON(err)
	require.NoError(t, ferr)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, ErrCodeCardNotFound, got["code"])
	assert.Equal(t, "NETWORK", got["category"])
	assert.Equal(t, "http 404", got["cause"])
	assert.Equal(t, true, got["retryable"])
}

func TestLogAttrs(t *testing.T) {
	assert.Nil(t, LogAttrs(nil))
	assert.Len(t, LogAttrs(errors.New("plain")), 1)

	err := New(ErrCodeStorageFailed, "write failed", errors.New("disk io")).
		WithDetail("participant", "p1")
	attrs := LogAttrs(err)
	// code, message, retryable, cause, one detail
	assert.Len(t, attrs, 5)
}
