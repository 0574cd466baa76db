package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"foreman/pkg/protocol"
	"foreman/pkg/resilience"
)

var errBoom = errors.New("boom")

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b := resilience.NewBreaker("agent", resilience.BreakerConfig{FailureThreshold: 3})
	ctx := context.Background()

	calls := 0
	fail := func(context.Context) error { calls++; return errBoom }

	for i := 0; i < 3; i++ {
		if err := b.Call(ctx, fail); !errors.Is(err, errBoom) {
			t.Fatalf("attempt %d: expected boom, got %v", i, err)
		}
	}
	if b.State() != resilience.Open {
		t.Fatalf("expected OPEN after threshold, got %s", b.State())
	}

	// While OPEN the wrapped call must not be invoked, and the error is
	// the distinct breaker-open condition.
	err := b.Call(ctx, fail)
	var open *protocol.BreakerOpenError
	if !errors.As(err, &open) {
		t.Fatalf("expected BreakerOpenError, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("wrapped call invoked while open: %d calls", calls)
	}
}

func TestBreaker_HalfOpenProbeRecovers(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	b := resilience.NewBreaker("agent", resilience.BreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  30 * time.Second,
	})
	b.SetNowFunc(func() time.Time { return now })
	ctx := context.Background()

	if err := b.Call(ctx, func(context.Context) error { return errBoom }); !errors.Is(err, errBoom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if b.State() != resilience.Open {
		t.Fatalf("expected OPEN, got %s", b.State())
	}

	// Before the recovery timeout: still failing fast.
	now = now.Add(10 * time.Second)
	var open *protocol.BreakerOpenError
	if err := b.Call(ctx, func(context.Context) error { return nil }); !errors.As(err, &open) {
		t.Fatalf("expected BreakerOpenError before timeout, got %v", err)
	}

	// After the timeout: next call is the HALF_OPEN probe.
	now = now.Add(30 * time.Second)
	if got := b.State(); got != resilience.HalfOpen {
		t.Fatalf("expected HALF_OPEN, got %s", got)
	}
	if err := b.Call(ctx, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("probe should succeed: %v", err)
	}
	if b.State() != resilience.Closed {
		t.Fatalf("expected CLOSED after successful probe, got %s", b.State())
	}
	if b.Failures() != 0 {
		t.Fatalf("expected failure count reset, got %d", b.Failures())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	b := resilience.NewBreaker("agent", resilience.BreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Second,
	})
	b.SetNowFunc(func() time.Time { return now })
	ctx := context.Background()

	_ = b.Call(ctx, func(context.Context) error { return errBoom })
	now = now.Add(2 * time.Second)

	if err := b.Call(ctx, func(context.Context) error { return errBoom }); !errors.Is(err, errBoom) {
		t.Fatalf("expected boom from probe, got %v", err)
	}
	if b.State() != resilience.Open {
		t.Fatalf("expected OPEN after failed probe, got %s", b.State())
	}
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := resilience.Retry(context.Background(), resilience.RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
	}, func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errBoom
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetry_ExhaustionReturnsLastError(t *testing.T) {
	attempts := 0
	err := resilience.Retry(context.Background(), resilience.RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
	}, func(context.Context) error {
		attempts++
		return errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected boom after exhaustion, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetry_ValidationErrorsAreNotRetried(t *testing.T) {
	attempts := 0
	err := resilience.Retry(context.Background(), resilience.RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
	}, func(context.Context) error {
		attempts++
		return &protocol.PathViolationError{Path: "../x", Reason: "path traversal"}
	})
	var pv *protocol.PathViolationError
	if !errors.As(err, &pv) {
		t.Fatalf("expected PathViolationError, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("validation error must not be retried, got %d attempts", attempts)
	}
}

func TestHealthChecker_AggregatesWorstLevel(t *testing.T) {
	h := resilience.NewHealthChecker(time.Minute)
	h.RegisterProbe("eventlog", func(context.Context) (protocol.HealthLevel, string) {
		return protocol.Healthy, ""
	})
	h.RegisterProbe("registry", func(context.Context) (protocol.HealthLevel, string) {
		return protocol.Degraded, "slow queries"
	})

	report := h.Report(context.Background())
	if report.Overall != protocol.Degraded {
		t.Fatalf("expected DEGRADED overall, got %s", report.Overall)
	}
	if len(report.Components) != 2 {
		t.Fatalf("expected 2 components, got %d", len(report.Components))
	}
}

func TestHealthChecker_DebouncesProbes(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	h := resilience.NewHealthChecker(10 * time.Second)
	h.SetNowFunc(func() time.Time { return now })

	runs := 0
	h.RegisterProbe("eventlog", func(context.Context) (protocol.HealthLevel, string) {
		runs++
		return protocol.Healthy, ""
	})

	_ = h.Report(context.Background())
	_ = h.Report(context.Background()) // within debounce window
	if runs != 1 {
		t.Fatalf("expected 1 probe run within debounce window, got %d", runs)
	}

	now = now.Add(11 * time.Second)
	_ = h.Report(context.Background())
	if runs != 2 {
		t.Fatalf("expected re-probe after window, got %d runs", runs)
	}
}
