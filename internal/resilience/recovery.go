package resilience

import (
	"log/slog"
	"sync"
	"time"
)

// Default recovery parameters for the streaming consumer.
const (
	DefaultMaxConsecutiveFailures = 5
	DefaultBaseDelay              = 100 * time.Millisecond
	DefaultMaxDelay               = 1600 * time.Millisecond
)

// RecoveryConfig configures a [Recovery] policy.
type RecoveryConfig struct {
	// MaxConsecutiveFailures is the failure count at which retrying stops.
	// Default: 5.
	MaxConsecutiveFailures int

	// BaseDelay is the backoff before any failure has been recorded; it
	// doubles with every consecutive failure. Default: 100ms.
	BaseDelay time.Duration

	// MaxDelay caps the backoff. Default: 1.6s.
	MaxDelay time.Duration
}

// Recovery tracks consecutive send failures and turns them into a
// continue/halt decision plus an exponential backoff delay.
//
// ShouldContinueAfterError reports true for failures 1 through
// MaxConsecutiveFailures-1 and false from then on until [Recovery.Reset].
type Recovery struct {
	maxFailures int
	baseDelay   time.Duration
	maxDelay    time.Duration

	mu       sync.Mutex
	failures int
}

// NewRecovery creates a [Recovery]. Zero-value config fields take defaults.
func NewRecovery(cfg RecoveryConfig) *Recovery {
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	return &Recovery{
		maxFailures: cfg.MaxConsecutiveFailures,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
	}
}

// ShouldContinueAfterError records one more consecutive failure and reports
// whether the caller should keep retrying.
func (r *Recovery) ShouldContinueAfterError(err error) bool {
	r.mu.Lock()
	r.failures++
	n := r.failures
	r.mu.Unlock()

	if n >= r.maxFailures {
		slog.Error("consecutive failure ceiling reached",
			"failures", n,
			"max_failures", r.maxFailures,
			"err", err,
		)
		return false
	}
	slog.Debug("recoverable failure", "failures", n, "err", err)
	return true
}

// RetryDelay is the backoff to wait before the next attempt: BaseDelay
// doubled once per consecutive failure, capped at MaxDelay.
func (r *Recovery) RetryDelay() time.Duration {
	r.mu.Lock()
	n := r.failures
	r.mu.Unlock()

	d := r.baseDelay
	for range n {
		d *= 2
		if d >= r.maxDelay {
			return r.maxDelay
		}
	}
	return d
}

// ConsecutiveFailures returns the current failure count.
func (r *Recovery) ConsecutiveFailures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures
}

// Reset clears the failure count, restoring the initial delay.
func (r *Recovery) Reset() {
	r.mu.Lock()
	r.failures = 0
	r.mu.Unlock()
}
