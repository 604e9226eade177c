package toolerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewDefaultsEmptyMessage(t *testing.T) {
	err := New("")
	require.Equal(t, "tool error", err.Error())
}

func TestNewWithCauseWrapsUnderlyingError(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewWithCause("fetch failed", cause)
	require.Equal(t, "fetch failed", err.Error())
	require.NotNil(t, err.Cause)
	require.Equal(t, "connection reset", err.Cause.Error())
}

func TestErrorfFormats(t *testing.T) {
	err := Errorf("tool %s failed with code %d", "fetch", 502)
	require.Equal(t, "tool fetch failed with code 502", err.Error())
}

func TestFromErrorPreservesExistingToolError(t *testing.T) {
	original := New("boom")
	require.Same(t, original, FromError(original))
}

func TestFromErrorNilIsNil(t *testing.T) {
	require.Nil(t, FromError(nil))
}

func TestErrorsIsUnwrapsChain(t *testing.T) {
	sentinel := errors.New("sentinel")
	wrapped := NewWithCause("outer", fmt.Errorf("middle: %w", sentinel))
	require.True(t, errors.Is(wrapped, sentinel))
}

func TestWithRetryableOverridesDefaultPredicate(t *testing.T) {
	err := New("rejected").WithStatusCode(400).WithRetryable(true)
	require.True(t, DefaultRetryable(err))
}

func TestDefaultRetryableByStatusCode(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
	}{
		{408, true}, {409, true}, {429, true},
		{500, true}, {503, true},
		{400, false}, {404, false},
	}
	for _, tc := range cases {
		err := New("x").WithStatusCode(tc.status)
		require.Equal(t, tc.retryable, DefaultRetryable(err), "status %d", tc.status)
	}
}

func TestDefaultRetryableByMessageText(t *testing.T) {
	require.True(t, DefaultRetryable(errors.New("dial tcp: connection refused")))
	require.True(t, DefaultRetryable(errors.New("429 rate limit exceeded")))
	require.False(t, DefaultRetryable(errors.New("invalid argument")))
}
