package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTransient = errors.New("connection reset")
var errFatal = errors.New("permission denied")

func classifyTest(err error) Class {
	switch err {
	case errTransient:
		return Retryable
	case errFatal:
		return Fatal
	default:
		return Unknown
	}
}

func fastPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		MaxDelay:   4 * time.Millisecond,
		Classify:   classifyTest,
	}
}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	attempts := 0
	err := fastPolicy().Do(context.Background(), func(context.Context) error {
		attempts++
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestDo_RetryableExhaustsCap(t *testing.T) {
	attempts := 0
	err := fastPolicy().Do(context.Background(), func(context.Context) error {
		attempts++
		return errTransient
	})
	if err != errTransient {
		t.Fatalf("Do() error = %v, want errTransient", err)
	}
	// Initial attempt plus MaxRetries retries, never more.
	if attempts != 4 {
		t.Errorf("attempts = %d, want 4", attempts)
	}
}

func TestDo_FatalNeverRetried(t *testing.T) {
	attempts := 0
	err := fastPolicy().Do(context.Background(), func(context.Context) error {
		attempts++
		return errFatal
	})
	if err != errFatal {
		t.Fatalf("Do() error = %v, want errFatal", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestDo_UnknownRetriedOnce(t *testing.T) {
	attempts := 0
	err := fastPolicy().Do(context.Background(), func(context.Context) error {
		attempts++
		return errors.New("something else")
	})
	if err == nil {
		t.Fatal("Do() should surface the unknown error")
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestDo_RecoverMidway(t *testing.T) {
	attempts := 0
	err := fastPolicy().Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errTransient
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestDo_ContextCancelStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := fastPolicy().Do(ctx, func(context.Context) error {
		attempts++
		cancel()
		return errTransient
	})
	if err != errTransient {
		t.Fatalf("Do() error = %v, want last attempt error", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (canceled during backoff)", attempts)
	}
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy(classifyTest)
	if p.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", p.MaxRetries)
	}
	if p.BaseDelay != 500*time.Millisecond || p.MaxDelay != 8*time.Second {
		t.Errorf("unexpected delays: base=%v max=%v", p.BaseDelay, p.MaxDelay)
	}
}
