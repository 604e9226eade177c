// Package config holds the turn engine's tunable constants (spec §6.5). All
// values are overridable; Defaults returns the spec's documented defaults.
package config

import "time"

// Config collects every tunable threshold the turn engine's components
// consult. Zero-value fields are invalid; construct via Defaults and
// override individual fields.
type Config struct {
	// TimeoutInterval bounds how long a streaming stream may go without a
	// heartbeat before timeoutStream aborts it: the timeout is scheduled at
	// take and rescheduled by heartbeat (spec §4.3).
	TimeoutInterval time.Duration
	// LivenessThreshold is the max heartbeat age for a stream to be
	// considered alive (spec §4.1 step 4a, §4.3 isAlive).
	LivenessThreshold time.Duration
	// HeartbeatInterval is how often the Stream Handler refreshes its
	// heartbeat; must be <= TimeoutInterval/4.
	HeartbeatInterval time.Duration
	// DeleteStreamDelay is how long a finished/aborted stream's deltas are
	// retained before deleteStreamAsync runs.
	DeleteStreamDelay time.Duration
	// ToolCallTimeout bounds how long a tool call may stay pending before
	// failPendingToolCall fires (spec §4.4).
	ToolCallTimeout time.Duration
	// AsyncCallbackMaxAttempts caps async-callback notification retries.
	AsyncCallbackMaxAttempts int
	// AsyncCallbackBaseDelay is the exponential base delay for async-callback
	// notification retries.
	AsyncCallbackBaseDelay time.Duration
	// SyncToolMaxAttempts caps sync tool execution retries by default when a
	// tool's own RetryPolicy does not override MaxAttempts.
	SyncToolMaxAttempts int
	// SyncToolBaseDelay and SyncToolMaxDelay bound default sync tool retry
	// backoff.
	SyncToolBaseDelay time.Duration
	SyncToolMaxDelay  time.Duration
	// DefaultRetryMaxAttempts is the stream-level retry classifier's default
	// attempt cap (spec §4.5).
	DefaultRetryMaxAttempts int
	// ThrottleInterval coalesces delta writes in the Stream Handler (spec
	// §4.2 step 6).
	ThrottleInterval time.Duration
	// MaxDeltasPerRequest caps how many deltas queryStreamingMessageUpdates
	// returns in one call.
	MaxDeltasPerRequest int
}

// Defaults returns the spec's documented default configuration (spec §6.5).
func Defaults() Config {
	return Config{
		TimeoutInterval:          10 * time.Minute,
		LivenessThreshold:        30 * time.Second,
		HeartbeatInterval:        150 * time.Second, // <= TimeoutInterval/4
		DeleteStreamDelay:        5 * time.Minute,
		ToolCallTimeout:          30 * time.Minute,
		AsyncCallbackMaxAttempts: 3,
		AsyncCallbackBaseDelay:   5 * time.Second,
		SyncToolMaxAttempts:      3,
		SyncToolBaseDelay:        500 * time.Millisecond,
		SyncToolMaxDelay:         10 * time.Second,
		DefaultRetryMaxAttempts:  3,
		ThrottleInterval:         250 * time.Millisecond,
		MaxDeltasPerRequest:      1000,
	}
}

// Validate reports whether c's invariants hold (spec §6.5's constraint that
// HeartbeatInterval <= TimeoutInterval/4).
func (c Config) Validate() error {
	if c.HeartbeatInterval > c.TimeoutInterval/4 {
		return errHeartbeatTooSlow
	}
	return nil
}

var errHeartbeatTooSlow = configError("config: HeartbeatInterval must be <= TimeoutInterval/4")

type configError string

func (e configError) Error() string { return string(e) }
