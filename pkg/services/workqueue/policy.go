package workqueue

import (
	"time"

	"github.com/ekaya-inc/ekaya-sync/pkg/models"
	"github.com/ekaya-inc/ekaya-sync/pkg/retry"
)

// RetryPolicy configures attempts and backoff for failed sync jobs.
type RetryPolicy struct {
	MaxAttemptsManual    int
	MaxAttemptsScheduled int
	MaxAttemptsUpload    int
	InitialBackoff       time.Duration // Delay before the second attempt
	MaxBackoff           time.Duration // Cap
	BackoffFactor        float64
	JitterFactor         float64 // +/- fraction applied to each delay
}

// DefaultRetryPolicy returns the standard policy.
// Backoff schedule: 1s, 2s, 4s, 8s, ... capped at 5m, with 10% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttemptsManual:    3,
		MaxAttemptsScheduled: 5,
		MaxAttemptsUpload:    3,
		InitialBackoff:       time.Second,
		MaxBackoff:           5 * time.Minute,
		BackoffFactor:        2.0,
		JitterFactor:         0.1,
	}
}

// MaxAttempts returns the total number of attempts allowed for a trigger type.
func (p RetryPolicy) MaxAttempts(trigger models.TriggerType) int {
	var n int
	switch trigger {
	case models.TriggerScheduled:
		n = p.MaxAttemptsScheduled
	case models.TriggerCSVUpload:
		n = p.MaxAttemptsUpload
	default:
		n = p.MaxAttemptsManual
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Backoff returns the delay after failed attempt number attempt (1-based):
// initial * factor^(attempt-1), capped at MaxBackoff, then jittered.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	factor := p.BackoffFactor
	if factor <= 1 {
		factor = 2.0
	}
	delay := retry.Delay(p.InitialBackoff, p.MaxBackoff, factor, attempt)
	return retry.ApplyJitter(delay, p.JitterFactor)
}
