package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func fastConfig() *Config {
	return &Config{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxRetries != 3 {
		t.Errorf("expected MaxRetries=3, got %d", cfg.MaxRetries)
	}
	if cfg.InitialDelay != 100*time.Millisecond {
		t.Errorf("expected InitialDelay=100ms, got %v", cfg.InitialDelay)
	}
	if cfg.Multiplier != 2.0 {
		t.Errorf("expected Multiplier=2.0, got %f", cfg.Multiplier)
	}
}

func TestDelay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{10, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := Delay(time.Second, time.Minute, 2, tt.attempt); got != tt.want {
			t.Errorf("Delay(attempt=%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestApplyJitter_Bounds(t *testing.T) {
	base := time.Second
	for i := 0; i < 1000; i++ {
		got := ApplyJitter(base, 0.1)
		if got < 900*time.Millisecond || got > 1100*time.Millisecond {
			t.Fatalf("jittered delay %v outside +/-10%%", got)
		}
	}
	if ApplyJitter(base, 0) != base {
		t.Error("zero jitter must return the delay unchanged")
	}
}

func TestDoWithResult_SuccessAfterRetries(t *testing.T) {
	callCount := 0
	_, err := DoWithResult(context.Background(), fastConfig(), func() (struct{}, error) {
		callCount++
		if callCount < 3 {
			return struct{}{}, errors.New("temporary error")
		}
		return struct{}{}, nil
	})

	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if callCount != 3 {
		t.Errorf("expected 3 calls, got %d", callCount)
	}
}

func TestDoWithResult_ExhaustsRetries(t *testing.T) {
	callCount := 0
	want := errors.New("persistent error")
	_, err := DoWithResult(context.Background(), fastConfig(), func() (struct{}, error) {
		callCount++
		return struct{}{}, want
	})

	if !errors.Is(err, want) {
		t.Errorf("expected last error, got %v", err)
	}
	if callCount != 4 {
		t.Errorf("expected 4 calls (1 + 3 retries), got %d", callCount)
	}
}

func TestDoWithResult_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := &Config{MaxRetries: 5, InitialDelay: time.Second, MaxDelay: time.Second, Multiplier: 2}

	callCount := 0
	_, err := DoWithResult(ctx, cfg, func() (struct{}, error) {
		callCount++
		cancel()
		return struct{}{}, errors.New("fail")
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("expected 1 call, got %d", callCount)
	}
}

func TestDoWithResult(t *testing.T) {
	callCount := 0
	got, err := DoWithResult(context.Background(), fastConfig(), func() (int, error) {
		callCount++
		if callCount < 2 {
			return 0, errors.New("connection refused")
		}
		return 42, nil
	})

	if err != nil || got != 42 {
		t.Errorf("DoWithResult() = %d, %v; want 42, nil", got, err)
	}
}

type statusError struct {
	code  int
	after time.Duration
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d", e.code)
}

func (e *statusError) IsRetryable() bool {
	return e.code == 429 || e.code >= 500
}

func (e *statusError) RetryAfter() time.Duration {
	return e.after
}

func TestDoIfRetryableWithResult_PermanentErrorReturnsImmediately(t *testing.T) {
	callCount := 0
	_, err := DoIfRetryableWithResult(context.Background(), fastConfig(), func() (int, error) {
		callCount++
		return 0, &statusError{code: 401}
	})

	if err == nil {
		t.Fatal("expected error")
	}
	if callCount != 1 {
		t.Errorf("expected 1 call for permanent error, got %d", callCount)
	}
}

func TestDoIfRetryableWithResult_EscalatesRepeatedErrorType(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxRetries = 10
	cfg.MaxSameErrorType = 3

	callCount := 0
	_, err := DoIfRetryableWithResult(context.Background(), cfg, func() (int, error) {
		callCount++
		return 0, &statusError{code: 503}
	})

	if err == nil {
		t.Fatal("expected error")
	}
	if callCount != 3 {
		t.Errorf("expected escalation after 3 calls, got %d", callCount)
	}
	var se *statusError
	if !errors.As(err, &se) {
		t.Error("escalated error should wrap the original")
	}
}

func TestDoIfRetryableWithResult_HonorsRetryAfter(t *testing.T) {
	cfg := fastConfig()
	start := time.Now()
	callCount := 0
	_, err := DoIfRetryableWithResult(context.Background(), cfg, func() (string, error) {
		callCount++
		if callCount == 1 {
			return "", &statusError{code: 429, after: 50 * time.Millisecond}
		}
		return "ok", nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("expected to wait at least Retry-After, waited %v", elapsed)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"wrapped canceled", fmt.Errorf("fetch: %w", context.Canceled), false},
		{"explicit retryable", &statusError{code: 503}, true},
		{"explicit permanent", &statusError{code: 403}, false},
		{"wrapped explicit", fmt.Errorf("page 2: %w", &statusError{code: 429}), true},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"rate limit text", errors.New("Rate Limit exceeded"), true},
		{"syntax error", errors.New("syntax error at or near SELECT"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassifyErrorType(t *testing.T) {
	tests := map[string]string{
		"status 503":               "503",
		"connection reset by peer": "connection",
		"i/o timeout":              "timeout",
		"too many requests":        "rate_limit",
		"something odd":            "unknown",
	}
	for msg, want := range tests {
		if got := classifyErrorType(errors.New(msg)); got != want {
			t.Errorf("classifyErrorType(%q) = %q, want %q", msg, got, want)
		}
	}
}
