package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func fastPolicy(attempts int) Policy {
	return Policy{Attempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestDoSucceedsFirstTry(t *testing.T) {
	calls := 0
	err := fastPolicy(3).Do(context.Background(), func() error {
		calls++
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := fastPolicy(5).Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errBoom
		}
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	err := fastPolicy(3).Do(context.Background(), func() error {
		calls++
		return errBoom
	}, nil)
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected errBoom, got %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := fastPolicy(5).Do(context.Background(), func() error {
		calls++
		return errBoom
	}, func(error) bool { return false })
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected errBoom, got %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := Policy{Attempts: 10, InitialDelay: time.Hour}

	done := make(chan error, 1)
	go func() {
		done <- policy.Do(ctx, func() error { return errBoom }, nil)
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestDoZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_ = Policy{}.Do(context.Background(), func() error {
		calls++
		return errBoom
	}, nil)
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
