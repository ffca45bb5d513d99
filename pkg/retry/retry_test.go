package retry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/storaged/storaged/pkg/errors"
)

func fastConfig(attempts int) Config {
	config := DefaultConfig()
	config.MaxAttempts = attempts
	config.InitialDelay = time.Millisecond
	config.Jitter = false
	return config
}

func TestRetryer_Success(t *testing.T) {
	retryer := New(fastConfig(3))

	attempts := 0
	err := retryer.Do(context.Background(), func(context.Context) error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestRetryer_RetryableError(t *testing.T) {
	retryer := New(fastConfig(3))

	attempts := 0
	err := retryer.Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.NewError(errors.ErrCodeBusy, "device busy")
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestRetryer_CodeListMatchesSentinels(t *testing.T) {
	// Sentinels never carry the Retryable flag.
	busy := errors.Sentinel(errors.ErrCodeBusy, "device busy")
	retryer := New(fastConfig(2))

	attempts := 0
	err := retryer.Do(context.Background(), func(context.Context) error {
		attempts++
		return fmt.Errorf("put: %w", busy)
	})

	if err == nil {
		t.Error("Expected error, got nil")
	}
	if attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", attempts)
	}
	if !errors.Is(err, busy) {
		t.Errorf("Expected wrapped busy error, got %v", err)
	}
}

func TestRetryer_NonRetryableError(t *testing.T) {
	retryer := New(fastConfig(3))

	attempts := 0
	testErr := errors.NewError(errors.ErrCodeNoSpace, "device full")

	err := retryer.Do(context.Background(), func(context.Context) error {
		attempts++
		return testErr
	})

	if err != testErr {
		t.Errorf("Expected the original error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt (no retry), got %d", attempts)
	}
}

func TestRetryer_PlainErrorIsNotRetried(t *testing.T) {
	retryer := New(fastConfig(3))

	attempts := 0
	_ = retryer.Do(context.Background(), func(context.Context) error {
		attempts++
		return fmt.Errorf("unexpected EOF")
	})

	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestRetryer_MaxAttemptsExceeded(t *testing.T) {
	retryer := New(fastConfig(3))

	attempts := 0
	err := retryer.Do(context.Background(), func(context.Context) error {
		attempts++
		return errors.NewError(errors.ErrCodeDeviceIO, "transfer failed")
	})

	if err == nil {
		t.Error("Expected error, got nil")
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
	if code, _ := errors.CodeOf(err); code != errors.ErrCodeDeviceIO {
		t.Errorf("Expected DEVICE_IO to survive wrapping, got %v", err)
	}
}

func TestRetryer_ContextCancellation(t *testing.T) {
	config := fastConfig(5)
	config.InitialDelay = time.Second
	retryer := New(config)

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := retryer.Do(ctx, func(context.Context) error {
		attempts++
		cancel()
		return errors.NewError(errors.ErrCodeBusy, "device busy")
	})

	if err != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestRetryer_ExponentialBackoff(t *testing.T) {
	config := fastConfig(5)
	config.InitialDelay = 10 * time.Millisecond
	config.MaxDelay = 35 * time.Millisecond
	retryer := New(config)

	want := []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		35 * time.Millisecond,
		35 * time.Millisecond,
	}
	for i, w := range want {
		if got := retryer.calculateDelay(i + 1); got != w {
			t.Errorf("attempt %d: expected delay %v, got %v", i+1, w, got)
		}
	}
}

func TestRetryer_JitterBounds(t *testing.T) {
	config := fastConfig(3)
	config.InitialDelay = 100 * time.Millisecond
	config.Jitter = true
	retryer := New(config)

	for i := 0; i < 50; i++ {
		d := retryer.calculateDelay(1)
		if d < 80*time.Millisecond || d > 120*time.Millisecond {
			t.Fatalf("Jittered delay %v outside ±20%%", d)
		}
	}
}

func TestRetryer_OnRetryCallback(t *testing.T) {
	var seen []int
	retryer := New(fastConfig(3)).WithOnRetry(func(attempt int, err error, delay time.Duration) {
		seen = append(seen, attempt)
	})

	_ = retryer.Do(context.Background(), func(context.Context) error {
		return errors.NewError(errors.ErrCodeBusy, "device busy")
	})

	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Errorf("Expected callbacks for attempts [1 2], got %v", seen)
	}
}

func TestNew_Defaults(t *testing.T) {
	retryer := New(Config{})
	if retryer.config.MaxAttempts != 3 {
		t.Errorf("Expected MaxAttempts=3, got %d", retryer.config.MaxAttempts)
	}
	if retryer.config.Multiplier != 2.0 {
		t.Errorf("Expected Multiplier=2, got %v", retryer.config.Multiplier)
	}
}
