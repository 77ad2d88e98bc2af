package task

import (
	"math"
	"math/rand/v2"
	"strings"
	"time"
)

// Retry defaults.
const (
	DefaultMaxRetries     = 3
	DefaultRetryBaseDelay = 30 * time.Second
	DefaultRetryMaxDelay  = 300 * time.Second
	DefaultJitterMin      = 0.75
	DefaultJitterMax      = 1.25

	// maxHistoryErrorLen bounds previous_error in retry history entries.
	maxHistoryErrorLen = 500
)

// DefaultNonRetryablePatterns are case-insensitive fragments of error codes
// or messages that mark a failure as permanent. They come from the content
// sources ingestion talks to.
var DefaultNonRetryablePatterns = []string{
	"YOUTUBE_TRANSCRIPT_UNAVAILABLE",
	"X_BLOCKED_OR_UNSUPPORTED",
	"LINKEDIN_BLOCKED_OR_REQUIRES_AUTH",
	"FILE_EXTRACTION_EMPTY",
	"FILE_EXTRACTION_FAILED",
	"Invalid YouTube URL",
	"No text extracted",
	"not available in your region",
	"requires authentication",
	"deleted, private, or not found",
}

// DefaultPermanentCodes are error codes that are never retried.
var DefaultPermanentCodes = []string{
	CodeContentUnavailable,
	CodeInvalidInput,
	CodeAccessDenied,
	CodeNotFound,
	CodeUnsupportedTaskType,
	"YOUTUBE_TRANSCRIPT_UNAVAILABLE",
	"X_BLOCKED_OR_UNSUPPORTED",
	"LINKEDIN_BLOCKED_OR_REQUIRES_AUTH",
	"FILE_EXTRACTION_EMPTY",
	"FILE_EXTRACTION_FAILED",
}

// RetryConfig holds the tunables of a RetryPolicy. Zero delays and jitter
// bounds take the package defaults; a zero MaxRetries disables retrying.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	JitterMin  float64
	JitterMax  float64
	// NonRetryablePatterns replaces DefaultNonRetryablePatterns when set.
	NonRetryablePatterns []string
	// PermanentCodes replaces DefaultPermanentCodes when set.
	PermanentCodes []string
}

// DefaultRetryConfig returns the production retry settings.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultRetryBaseDelay,
		MaxDelay:   DefaultRetryMaxDelay,
		JitterMin:  DefaultJitterMin,
		JitterMax:  DefaultJitterMax,
	}
}

// RetryPolicy decides what happens to a failed task.
type RetryPolicy struct {
	maxRetries     int
	baseDelay      time.Duration
	maxDelay       time.Duration
	jitterMin      float64
	jitterMax      float64
	patterns       []string
	permanentCodes map[string]struct{}
	// random returns a uniform value in [0, 1).
	random func() float64
}

// NewRetryPolicy builds a policy from cfg.
func NewRetryPolicy(cfg RetryConfig) *RetryPolicy {
	def := DefaultRetryConfig()
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.JitterMin <= 0 || cfg.JitterMax < cfg.JitterMin {
		cfg.JitterMin, cfg.JitterMax = def.JitterMin, def.JitterMax
	}

	patterns := cfg.NonRetryablePatterns
	if len(patterns) == 0 {
		patterns = DefaultNonRetryablePatterns
	}
	lowered := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			lowered = append(lowered, strings.ToLower(p))
		}
	}

	codes := cfg.PermanentCodes
	if len(codes) == 0 {
		codes = DefaultPermanentCodes
	}
	codeSet := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		codeSet[strings.ToUpper(c)] = struct{}{}
	}

	return &RetryPolicy{
		maxRetries:     cfg.MaxRetries,
		baseDelay:      cfg.BaseDelay,
		maxDelay:       cfg.MaxDelay,
		jitterMin:      cfg.JitterMin,
		jitterMax:      cfg.JitterMax,
		patterns:       lowered,
		permanentCodes: codeSet,
		random:         rand.Float64,
	}
}

// WithRandom replaces the jitter source. random must return values in [0, 1).
func (p *RetryPolicy) WithRandom(random func() float64) *RetryPolicy {
	p.random = random
	return p
}

// MaxRetries returns the retry limit.
func (p *RetryPolicy) MaxRetries() int {
	return p.maxRetries
}

// Classify returns Permanent when the error's code is in the permanent set
// or its code or message contains a non-retryable pattern.
func (p *RetryPolicy) Classify(te *TaskError) Classification {
	if te == nil {
		return Transient
	}
	if _, ok := p.permanentCodes[strings.ToUpper(te.Code)]; ok {
		return Permanent
	}
	haystack := strings.ToLower(te.Code + " " + te.Message)
	for _, pattern := range p.patterns {
		if strings.Contains(haystack, pattern) {
			return Permanent
		}
	}
	return Transient
}

// BaseDelay returns the delay before retry attempt n+1 without jitter:
// base * 2^n, capped at the maximum. It never decreases as n grows.
func (p *RetryPolicy) BaseDelay(retryCount int) time.Duration {
	return p.scaled(retryCount, 1)
}

// Delay returns the jittered delay before the next attempt of a task that
// has already been retried retryCount times.
func (p *RetryPolicy) Delay(retryCount int) time.Duration {
	jitter := p.jitterMin + p.random()*(p.jitterMax-p.jitterMin)
	return p.scaled(retryCount, jitter)
}

func (p *RetryPolicy) scaled(retryCount int, factor float64) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	d := math.Ldexp(float64(p.baseDelay), retryCount) * factor
	if math.IsInf(d, 0) || d >= float64(p.maxDelay) {
		return p.maxDelay
	}
	return time.Duration(d)
}

// Decision is the outcome of a failure.
type Decision struct {
	Retry          bool
	Delay          time.Duration
	Classification Classification
}

// Decide classifies te and returns whether a task that has been retried
// retryCount times should be retried again.
func (p *RetryPolicy) Decide(retryCount int, te *TaskError) Decision {
	class := p.Classify(te)
	if class == Permanent || retryCount >= p.maxRetries {
		return Decision{Retry: false, Classification: class}
	}
	return Decision{
		Retry:          true,
		Delay:          p.Delay(retryCount),
		Classification: class,
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
