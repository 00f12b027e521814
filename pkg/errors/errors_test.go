package errors

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBidTooLowCarriesMinimum(t *testing.T) {
	err := BidTooLow(decimal.NewFromInt(110))

	assert.Equal(t, ErrBidTooLow, err.Code)
	require.NotNil(t, err.MinRequired)
	assert.True(t, err.MinRequired.Equal(decimal.NewFromInt(110)))

	var payload map[string]any
	require.NoError(t, json.Unmarshal(err.ToJSON(), &payload))
	assert.Equal(t, "error", payload["type"])
	assert.Equal(t, "110", payload["minRequired"], "prices must cross the wire as strings")
}

func TestCodeClassifiesWrappedErrors(t *testing.T) {
	inner := New(ErrConcurrencyConflict, "conflict")
	wrapped := fmt.Errorf("submitting bid: %w", inner)

	assert.Equal(t, ErrConcurrencyConflict, Code(wrapped))
	assert.Equal(t, ErrInternalServer, Code(fmt.Errorf("plain")))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("boom")
	err := Wrap(cause, "context").WithCode(ErrConcurrencyConflict)

	assert.Equal(t, ErrConcurrencyConflict, err.Code)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "context")
	assert.Contains(t, err.Error(), "boom")
}
