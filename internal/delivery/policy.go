package delivery

import (
	"errors"
	"strings"
	"time"

	"hookrelay/internal/config"
	pkgerrors "hookrelay/pkg/errors"
	"hookrelay/pkg/retry"
)

// RetryPolicy decides whether and when a failed attempt runs again.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       time.Duration
	// RetryableErrors, when set, restricts retries to errors whose message
	// contains one of these substrings.
	RetryableErrors []string
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     30 * time.Second,
		Jitter:       100 * time.Millisecond,
	}
}

func PolicyFromConfig(cfg config.DeliveryRetryConfig) RetryPolicy {
	p := DefaultRetryPolicy()
	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.InitialDelay > 0 {
		p.InitialDelay = cfg.InitialDelay
	}
	if cfg.BackoffMultiplier > 0 {
		p.Multiplier = cfg.BackoffMultiplier
	}
	if cfg.MaxDelay > 0 {
		p.MaxDelay = cfg.MaxDelay
	}
	if cfg.Jitter >= 0 {
		p.Jitter = cfg.Jitter
	}
	p.RetryableErrors = cfg.RetryableErrors
	return p
}

// Delay is the backoff after the given failed attempt, without jitter.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	return retry.CalculateBackoffDuration(attempt, p.InitialDelay, p.Multiplier, p.MaxDelay)
}

// NextDelay is Delay plus a uniform jitter in [0, Jitter).
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	return p.Delay(attempt) + retry.Jitter(p.Jitter)
}

var nonRetryableMessages = []string{
	"unauthorized",
	"authentication",
	"forbidden",
	"not found",
	"bad request",
	"invalid signature",
}

// IsRetryable classifies a handler error.
func (p RetryPolicy) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if retry.IsFatal(err) {
		return false
	}

	var appErr *pkgerrors.Error
	if errors.As(err, &appErr) && !appErr.IsRetryable() {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, denied := range nonRetryableMessages {
		if strings.Contains(msg, denied) {
			return false
		}
	}

	if len(p.RetryableErrors) == 0 {
		return true
	}
	for _, allowed := range p.RetryableErrors {
		if strings.Contains(msg, strings.ToLower(allowed)) {
			return true
		}
	}
	return false
}
