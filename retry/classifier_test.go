package retry

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type statusError struct {
	msg    string
	status int
}

func (e *statusError) Error() string   { return e.msg }
func (e *statusError) StatusCode() int { return e.status }

type codedError struct {
	msg  string
	code string
}

func (e *codedError) Error() string { return e.msg }
func (e *codedError) Code() string  { return e.code }

type headersError struct {
	msg     string
	headers map[string]string
}

func (e *headersError) Error() string                     { return e.msg }
func (e *headersError) ResponseHeaders() map[string]string { return e.headers }

func TestClassifyNilError(t *testing.T) {
	c := Classify(nil)
	require.Equal(t, KindUnknown, c.Kind)
	require.False(t, c.Retryable)
}

func TestClassifyByStatusCode(t *testing.T) {
	cases := []struct {
		status    int
		wantKind  Kind
		retryable bool
	}{
		{401, KindAuth, false},
		{403, KindAuth, false},
		{429, KindRateLimited, true},
		{500, KindProvider5xx, true},
		{503, KindProvider5xx, true},
		{408, KindNetwork, true},
		{409, KindNetwork, true},
		{400, KindInvalidRequest, false},
		{422, KindInvalidRequest, false},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("status_%d", tc.status), func(t *testing.T) {
			err := &statusError{msg: "boom", status: tc.status}
			c := Classify(err)
			require.Equal(t, tc.wantKind, c.Kind)
			require.Equal(t, tc.retryable, c.Retryable)
		})
	}
}

func TestClassifyNetworkCode(t *testing.T) {
	err := &codedError{msg: "connection issue", code: "ECONNRESET"}
	c := Classify(err)
	require.Equal(t, KindNetwork, c.Kind)
	require.True(t, c.Retryable)
}

func TestClassifyContextWindowExceeded(t *testing.T) {
	err := fmt.Errorf("request failed: prompt is too long for this model")
	c := Classify(err)
	require.Equal(t, KindContextWindowExceeded, c.Kind)
	require.False(t, c.Retryable)
	require.True(t, c.RequiresExplicitHandling)
}

func TestClassifyInsufficientCredits(t *testing.T) {
	err := fmt.Errorf("request denied: insufficient quota remaining")
	c := Classify(err)
	require.Equal(t, KindInsufficientCredits, c.Kind)
	require.True(t, c.RequiresExplicitHandling)
}

func TestClassifyUnknownFallback(t *testing.T) {
	err := fmt.Errorf("something unexpected happened")
	c := Classify(err)
	require.Equal(t, KindUnknown, c.Kind)
	require.False(t, c.Retryable)
}

func TestClassifyRetryAfterHeaderMillis(t *testing.T) {
	err := &headersError{msg: "rate limited", headers: map[string]string{"Retry-After-Ms": "1500"}}
	c := Classify(err)
	require.Equal(t, KindRateLimited, c.Kind)
	require.Equal(t, 1500*time.Millisecond, c.BackoffHint)
}

func TestClassifyRetryAfterHeaderSeconds(t *testing.T) {
	err := &headersError{msg: "429 too many requests", headers: map[string]string{"Retry-After": "2"}}
	c := Classify(err)
	require.Equal(t, KindRateLimited, c.Kind)
	require.Equal(t, 2*time.Second, c.BackoffHint)
}

func TestClassifyUnwrapsWrappedErrors(t *testing.T) {
	inner := &statusError{msg: "unauthorized", status: 401}
	wrapped := fmt.Errorf("request to provider failed: %w", inner)
	c := Classify(wrapped)
	require.Equal(t, KindAuth, c.Kind)
}

func TestDefaultBackoffPolicyDelayGrowsAndCaps(t *testing.T) {
	p := DefaultBackoffPolicy()
	p.Jitter = false
	require.Equal(t, 250*time.Millisecond, p.Delay(1))
	require.Equal(t, 500*time.Millisecond, p.Delay(2))
	require.Equal(t, 1*time.Second, p.Delay(3))
	require.Equal(t, 4*time.Second, p.Delay(10))
}

func TestBackoffPolicyDelayJitterWithinBounds(t *testing.T) {
	p := BackoffPolicy{Initial: time.Second, Multiplier: 1, Max: time.Second, Jitter: true}
	for i := 0; i < 20; i++ {
		d := p.Delay(1)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, time.Second)
	}
}

func TestFixedDelayNoJitter(t *testing.T) {
	require.Equal(t, 100*time.Millisecond, FixedDelay(100*time.Millisecond, false))
}

func TestFixedDelayJitterWithinBounds(t *testing.T) {
	for i := 0; i < 20; i++ {
		d := FixedDelay(200*time.Millisecond, true)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, 200*time.Millisecond)
	}
}
