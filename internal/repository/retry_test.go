package repository

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWithRetry_TransientFailureRetried(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), ConflictRetryConfig, func() error {
		attempts++
		if attempts == 1 {
			return errors.New("serialization conflict")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Expected the retry to succeed, got %v", err)
	}
	if attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", attempts)
	}
}

func TestWithRetry_PermanentFailsImmediately(t *testing.T) {
	sentinel := errors.New("session not found")
	attempts := 0
	err := WithRetry(context.Background(), ConflictRetryConfig, func() error {
		attempts++
		return Permanent(sentinel)
	})
	if attempts != 1 {
		t.Errorf("Expected 1 attempt for a permanent failure, got %d", attempts)
	}
	// The original error comes back unwrapped so callers can errors.Is it.
	if !errors.Is(err, sentinel) {
		t.Errorf("Expected the wrapped error back, got %v", err)
	}
	if errors.Is(err, ErrMaxRetries) {
		t.Error("Expected a permanent failure not to read as retry exhaustion")
	}
}

func TestWithRetry_ExhaustionWrapsLastError(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts: 2,
		InitialWait: time.Millisecond,
		MaxWait:     time.Millisecond,
		Multiplier:  1.0,
	}
	err := WithRetry(context.Background(), cfg, func() error {
		return errors.New("still down")
	})
	if !errors.Is(err, ErrMaxRetries) {
		t.Fatalf("Expected ErrMaxRetries after exhaustion, got %v", err)
	}
}
