package repository

import (
	"errors"
	"testing"
	"time"

	"github.com/lib/pq"
)

func TestMovementPlausibility(t *testing.T) {
	// 100m in 10s is 10 m/s, well under a 22.2 m/s ceiling.
	if got := movementPlausibility(100, 10*time.Second, 22.2); got != 1 {
		t.Errorf("Expected plausible movement to score 1, got %v", got)
	}

	// 500m in 10s is 50 m/s.
	if got := movementPlausibility(500, 10*time.Second, 22.2); got != 0 {
		t.Errorf("Expected implausible movement to score 0, got %v", got)
	}

	// Same-instant reports: a small jitter is fine, a big jump is not.
	if got := movementPlausibility(30, 0, 22.2); got != 1 {
		t.Errorf("Expected same-instant jitter to score 1, got %v", got)
	}
	if got := movementPlausibility(500, 0, 22.2); got != 0 {
		t.Errorf("Expected same-instant jump to score 0, got %v", got)
	}
}

func TestClusterAgreement(t *testing.T) {
	if got := clusterAgreement(0); got != 1 {
		t.Errorf("Expected a report on the consensus position to score 1, got %v", got)
	}
	if got := clusterAgreement(75); got != 0.5 {
		t.Errorf("Expected a 75m offset to score 0.5, got %v", got)
	}
	if got := clusterAgreement(150); got != 0 {
		t.Errorf("Expected a 150m offset to score 0, got %v", got)
	}
	if got := clusterAgreement(2000); got != 0 {
		t.Errorf("Expected a far-away report to score 0, got %v", got)
	}
}

func TestIsRetryableConflict(t *testing.T) {
	if !IsRetryableConflict(&pq.Error{Code: "40001"}) {
		t.Error("Expected serialization failure to be retryable")
	}
	if !IsRetryableConflict(&pq.Error{Code: "40P01"}) {
		t.Error("Expected deadlock to be retryable")
	}
	if IsRetryableConflict(&pq.Error{Code: "23505"}) {
		t.Error("Expected unique violation not to be retryable")
	}
	if IsRetryableConflict(errors.New("plain error")) {
		t.Error("Expected a non-pq error not to be retryable")
	}
}
