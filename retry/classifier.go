// Package retry implements the stream-level error classifier and backoff
// policy (spec §4.5, §6.5, §7). Classify is a pure function: given an error
// value it returns a Classification with no side effects, so it can be
// fuzzed and property-tested in isolation from the turn engine.
package retry

import (
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Kind identifies the category of a stream-level error (spec §7).
type Kind string

const (
	KindNetwork                Kind = "network"
	KindRateLimited            Kind = "rate_limited"
	KindProvider5xx            Kind = "provider_5xx"
	KindContextWindowExceeded  Kind = "context_window_exceeded"
	KindInsufficientCredits    Kind = "insufficient_credits"
	KindInvalidRequest         Kind = "invalid_request"
	KindAuth                   Kind = "auth"
	KindUnknown                Kind = "unknown"
	// KindToolExecution is surfaced to user callbacks only when the error
	// originated inside a tool handler; the classifier never assigns it.
	KindToolExecution Kind = "tool_execution"
)

// DefaultMaxAttempts is DEFAULT_RETRY_MAX_ATTEMPTS (spec §6.5).
const DefaultMaxAttempts = 3

// Classification is the tuple the Retry Classifier produces for an error
// (spec §2, §4.5).
type Classification struct {
	Kind                     Kind
	Retryable                bool
	RequiresExplicitHandling bool
	// BackoffHint is the delay derived from a Retry-After signal, if any.
	// Zero means no explicit hint was present.
	BackoffHint time.Duration
}

// Signals is the set of fields extracted by walking an error's cause chain
// (spec §4.5 "Signal extraction").
type signals struct {
	name             string
	code             string
	status           int
	isRetryable      *bool
	retryErrorReason string
	responseHeaders  map[string]string
	responseBody     string
	providerCode     string
	providerType     string
}

// causer is implemented by errors that expose a wrapped cause under a name
// other than the standard Unwrap (mirrors provider SDKs that use "cause" or
// "lastError" fields rather than Go's error-wrapping convention).
type causer interface {
	Cause() error
}

// StatusError is implemented by errors carrying an HTTP-like status code.
type StatusError interface {
	error
	StatusCode() int
}

// CodedError is implemented by errors carrying a provider/network error
// code (e.g. "ECONNRESET", "rate_limit_exceeded").
type CodedError interface {
	error
	Code() string
}

// RetryableError is implemented by errors that self-report retryability,
// corresponding to the spec's `isRetryable` signal.
type RetryableError interface {
	error
	IsRetryable() bool
}

// HeadersError is implemented by errors that carry response headers,
// corresponding to the spec's `responseHeaders` signal.
type HeadersError interface {
	error
	ResponseHeaders() map[string]string
}

// BodyError is implemented by errors that carry a raw response body,
// corresponding to the spec's `responseBody` signal.
type BodyError interface {
	error
	ResponseBody() string
}

// maxCauseDepth bounds the cause-chain walk (spec: "up to 16 nested cause").
const maxCauseDepth = 16

// Classify maps err to a Classification per spec §4.5. A nil error yields
// Kind unknown with Retryable=false.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Kind: KindUnknown}
	}
	s := extractSignals(err)
	return classifySignals(s)
}

func extractSignals(err error) signals {
	var s signals
	cur := err
	for depth := 0; cur != nil && depth < maxCauseDepth; depth++ {
		if s.name == "" {
			var named interface{ Name() string }
			if errors.As(cur, &named) {
				s.name = strings.ToLower(named.Name())
			}
		}
		if s.code == "" {
			var coded CodedError
			if errors.As(cur, &coded) {
				s.code = strings.ToUpper(coded.Code())
			}
		}
		if s.status == 0 {
			var statusErr StatusError
			if errors.As(cur, &statusErr) {
				s.status = statusErr.StatusCode()
			}
		}
		if s.isRetryable == nil {
			var retryableErr RetryableError
			if errors.As(cur, &retryableErr) {
				b := retryableErr.IsRetryable()
				s.isRetryable = &b
			}
		}
		if s.retryErrorReason == "" {
			var reasoned interface{ RetryErrorReason() string }
			if errors.As(cur, &reasoned) {
				s.retryErrorReason = strings.ToLower(reasoned.RetryErrorReason())
			}
		}
		if s.responseHeaders == nil {
			var headersErr HeadersError
			if errors.As(cur, &headersErr) {
				h := headersErr.ResponseHeaders()
				lowered := make(map[string]string, len(h))
				for k, v := range h {
					lowered[strings.ToLower(k)] = v
				}
				s.responseHeaders = lowered
			}
		}
		if s.responseBody == "" {
			var bodyErr BodyError
			if errors.As(cur, &bodyErr) {
				s.responseBody = bodyErr.ResponseBody()
			}
		}
		if s.providerCode == "" || s.providerType == "" {
			if code, typ, ok := parseProviderFields(s.responseBody); ok {
				if s.providerCode == "" {
					s.providerCode = strings.ToLower(code)
				}
				if s.providerType == "" {
					s.providerType = strings.ToLower(typ)
				}
			}
		}

		cur = unwrapOne(cur)
	}
	if s.name == "" {
		s.name = strings.ToLower(errorName(err))
	}
	if s.responseBody == "" {
		s.responseBody = strings.ToLower(err.Error())
	} else {
		s.responseBody = strings.ToLower(s.responseBody)
	}
	return s
}

// unwrapOne follows errors.Unwrap, then the non-standard Cause() convention
// used by some provider SDKs, then the first element of an Unwrap() []error
// multi-error.
func unwrapOne(err error) error {
	if u, ok := err.(interface{ Unwrap() error }); ok {
		if next := u.Unwrap(); next != nil {
			return next
		}
	}
	if c, ok := err.(causer); ok {
		if next := c.Cause(); next != nil {
			return next
		}
	}
	if u, ok := err.(interface{ Unwrap() []error }); ok {
		if errs := u.Unwrap(); len(errs) > 0 {
			return errs[0]
		}
	}
	return nil
}

func errorName(err error) string {
	return strings.SplitN(err.Error(), ":", 2)[0]
}

// parseProviderFields extracts providerCode/providerType from a JSON
// "data"/"error" envelope embedded in a response body, tolerating bodies
// that are not JSON at all.
func parseProviderFields(body string) (code, typ string, ok bool) {
	if body == "" {
		return "", "", false
	}
	var envelope struct {
		Data struct {
			ProviderCode string `json:"providerCode"`
			ProviderType string `json:"providerType"`
		} `json:"data"`
		Error struct {
			ProviderCode string `json:"providerCode"`
			ProviderType string `json:"providerType"`
			Type         string `json:"type"`
			Code         string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(body), &envelope); err != nil {
		return "", "", false
	}
	code = envelope.Data.ProviderCode
	typ = envelope.Data.ProviderType
	if code == "" {
		code = envelope.Error.ProviderCode
		if code == "" {
			code = envelope.Error.Code
		}
	}
	if typ == "" {
		typ = envelope.Error.ProviderType
		if typ == "" {
			typ = envelope.Error.Type
		}
	}
	if code == "" && typ == "" {
		return "", "", false
	}
	return code, typ, true
}

var (
	abortNames = map[string]bool{
		"aborterror":        true,
		"responseaborted":   true,
		"timeouterror":      true,
	}

	contextOverflowCodes = map[string]bool{
		"context_length_exceeded": true,
	}
	contextOverflowPatterns = []string{
		"prompt is too long",
		"exceeds the context window",
		"exceeds context window",
		"maximum context length",
	}

	creditPatterns = []string{
		"insufficient credit",
		"insufficient_quota",
		"insufficient quota",
		"billing",
		"exceeded your current quota",
	}

	authPatterns = []string{
		"unauthorized",
		"invalid api key",
		"invalid_api_key",
		"authentication",
		"forbidden",
	}

	rateLimitPatterns = []string{
		"rate limit",
		"rate_limit",
		"too many requests",
	}

	networkCodes = map[string]bool{
		"ECONNRESET":         true,
		"ECONNREFUSED":       true,
		"ETIMEDOUT":          true,
		"EHOSTUNREACH":       true,
		"EPIPE":              true,
		"ENOTFOUND":          true,
		"CONNECTIONREFUSED":  true,
		"CONNECTIONCLOSED":   true,
		"FAILEDTOOPENSOCKET": true,
	}
	networkPatterns = []string{
		"connection reset",
		"connection refused",
		"econnreset",
		"etimedout",
		"network error",
		"socket hang up",
	}

	invalidRequestPatterns = []string{
		"invalid request",
		"invalid_request",
		"validation failed",
	}
)

// contextOverflow4xxPattern matches the provider-observed "^4(00|13) status
// code (no body)" shape called out in spec §4.5 kind-assignment rule 2.
var contextOverflow4xxPattern = regexp.MustCompile(`^4(00|13) status code \(no body\)`)

func classifySignals(s signals) Classification {
	switch {
	case isAbortLike(s):
		return Classification{Kind: KindUnknown, Retryable: false, RequiresExplicitHandling: false}
	case isContextOverflow(s):
		return Classification{Kind: KindContextWindowExceeded, Retryable: false, RequiresExplicitHandling: true}
	case containsAny(s.responseBody, creditPatterns) || containsAny(s.providerCode, creditPatterns):
		return Classification{Kind: KindInsufficientCredits, Retryable: false, RequiresExplicitHandling: true}
	case s.status == http.StatusUnauthorized || s.status == http.StatusForbidden || containsAny(s.responseBody, authPatterns):
		return Classification{Kind: KindAuth, Retryable: false, RequiresExplicitHandling: true}
	case s.status == http.StatusTooManyRequests || containsAny(s.responseBody, rateLimitPatterns):
		return withBackoffHint(Classification{Kind: KindRateLimited, Retryable: true}, s)
	case s.status >= 500 && s.status < 600:
		return withBackoffHint(Classification{Kind: KindProvider5xx, Retryable: true}, s)
	case s.status == http.StatusRequestTimeout || s.status == http.StatusConflict:
		return withBackoffHint(Classification{Kind: KindNetwork, Retryable: true}, s)
	case networkCodes[s.code] || containsAny(s.responseBody, networkPatterns) || (s.isRetryable != nil && *s.isRetryable && s.status == 0):
		return withBackoffHint(Classification{Kind: KindNetwork, Retryable: true}, s)
	case s.status == http.StatusBadRequest || s.status == http.StatusUnprocessableEntity || containsAny(s.responseBody, invalidRequestPatterns):
		return Classification{Kind: KindInvalidRequest, Retryable: false, RequiresExplicitHandling: true}
	default:
		return Classification{Kind: KindUnknown, Retryable: false}
	}
}

func isAbortLike(s signals) bool {
	if s.retryErrorReason == "abort" {
		return true
	}
	if abortNames[s.name] {
		return true
	}
	return strings.Contains(s.responseBody, "request was aborted")
}

func isContextOverflow(s signals) bool {
	if contextOverflowCodes[s.providerCode] {
		return true
	}
	if containsAny(s.responseBody, contextOverflowPatterns) {
		return true
	}
	return contextOverflow4xxPattern.MatchString(s.responseBody)
}

func containsAny(haystack string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(haystack, p) {
			return true
		}
	}
	return false
}

// withBackoffHint resolves a Retry-After-style signal from response headers
// per spec §4.5 "Retry-After".
func withBackoffHint(c Classification, s signals) Classification {
	if s.responseHeaders == nil {
		return c
	}
	if v, ok := s.responseHeaders["retry-after-ms"]; ok {
		if ms, err := strconv.ParseFloat(v, 64); err == nil {
			c.BackoffHint = clampDelay(time.Duration(ms) * time.Millisecond)
			return c
		}
	}
	if v, ok := s.responseHeaders["retry-after"]; ok {
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			c.BackoffHint = clampDelay(time.Duration(secs*1000) * time.Millisecond)
			return c
		}
		if t, err := http.ParseTime(v); err == nil {
			c.BackoffHint = clampDelay(time.Until(t))
			return c
		}
	}
	return c
}

const maxRetryAfter = 60_000 * time.Millisecond

func clampDelay(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if d > maxRetryAfter {
		return maxRetryAfter
	}
	return d
}

// BackoffPolicy configures the default exponential backoff used when no
// explicit decision delay or Retry-After hint is available (spec §4.5
// "Backoff").
type BackoffPolicy struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
	Jitter     bool
}

// DefaultBackoffPolicy is the spec's default exponential policy:
// initial=250ms, multiplier=2, max=4s, jitter=true.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Initial:    250 * time.Millisecond,
		Multiplier: 2,
		Max:        4 * time.Second,
		Jitter:     true,
	}
}

// Delay computes the backoff for the given 1-indexed attempt.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	raw := float64(p.Initial) * math.Pow(p.Multiplier, float64(attempt-1))
	if raw > float64(p.Max) {
		raw = float64(p.Max)
	}
	d := time.Duration(raw)
	if p.Jitter {
		d = fullJitter(d)
	}
	return d
}

// fullJitter implements the spec's "delay = floor(rand() * (delay+1))" full
// jitter: the result is uniformly distributed in [0, d].
func fullJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Float64() * float64(d+1)) //nolint:gosec // jitter timing, not security sensitive
}

// FixedDelay computes a fixed-strategy delay with optional jitter, used by
// the Tool-Call Manager's execution retry (spec §4.4) as well as the
// stream-level classifier when a decision specifies a fixed delay.
func FixedDelay(delay time.Duration, jitter bool) time.Duration {
	if jitter {
		return fullJitter(delay)
	}
	return delay
}
