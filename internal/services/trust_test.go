package services

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"
)

func newTestLedger() (*TrustLedger, *fakeTrustStore) {
	store := newFakeTrustStore()
	return NewTrustLedger(store, testTrustConfig()), store
}

func TestApplyTrustDelta_Clamps(t *testing.T) {
	ledger, _ := newTestLedger()
	now := time.Now()

	device, created, err := ledger.GetOrCreate(context.Background(), "hash-a", "summary", now)
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if !created || device.TrustScore != 0.5 {
		t.Fatalf("Expected fresh device seeded at 0.5, got created=%v score=%v", created, device.TrustScore)
	}

	// Repeated penalties floor at 0.
	for i := 0; i < 5; i++ {
		if _, err := ledger.ApplyTrustDelta(context.Background(), "hash-a", -0.3, now); err != nil {
			t.Fatalf("ApplyTrustDelta failed: %v", err)
		}
	}
	score, err := ledger.ApplyTrustDelta(context.Background(), "hash-a", -0.3, now)
	if err != nil {
		t.Fatalf("ApplyTrustDelta failed: %v", err)
	}
	if score != 0 {
		t.Errorf("Expected trust floored at 0, got %v", score)
	}

	// Repeated rewards cap at 1.
	for i := 0; i < 20; i++ {
		if score, err = ledger.ApplyTrustDelta(context.Background(), "hash-a", 0.2, now); err != nil {
			t.Fatalf("ApplyTrustDelta failed: %v", err)
		}
	}
	if score != 1 {
		t.Errorf("Expected trust capped at 1, got %v", score)
	}
}

func TestApplyTrustDelta_TrustedFlag(t *testing.T) {
	ledger, store := newTestLedger()
	now := time.Now()

	if _, _, err := ledger.GetOrCreate(context.Background(), "hash-a", "summary", now); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if store.devices["hash-a"].IsTrusted {
		t.Error("Expected a fresh device below the 0.7 trusted threshold")
	}

	// 0.5 + 0.20 + 0.20 crosses 0.7.
	_, _ = ledger.ApplyTrustDelta(context.Background(), "hash-a", 0.20, now)
	if _, err := ledger.ApplyTrustDelta(context.Background(), "hash-a", 0.20, now); err != nil {
		t.Fatalf("ApplyTrustDelta failed: %v", err)
	}
	if !store.devices["hash-a"].IsTrusted {
		t.Error("Expected device trusted after crossing the threshold")
	}

	// Dropping back below revokes the flag.
	if _, err := ledger.ApplyTrustDelta(context.Background(), "hash-a", -0.5, now); err != nil {
		t.Fatalf("ApplyTrustDelta failed: %v", err)
	}
	if store.devices["hash-a"].IsTrusted {
		t.Error("Expected trusted flag revoked after the score fell")
	}
}

func TestTrustedConvergence(t *testing.T) {
	ledger, store := newTestLedger()
	now := time.Now()
	cfg := testTrustConfig()

	_, _, _ = ledger.GetOrCreate(context.Background(), "hash-a", "summary", now)

	// A device submitting clean coordinate+speed reports gains +0.20 per
	// report and must cross the trusted bar within a couple of submissions.
	reports := 0
	for !store.devices["hash-a"].IsTrusted {
		if _, err := ledger.ApplyTrustDelta(context.Background(), "hash-a",
			cfg.DeltaCoordsValid+cfg.DeltaSpeedValid, now); err != nil {
			t.Fatalf("ApplyTrustDelta failed: %v", err)
		}
		reports++
		if reports > 10 {
			t.Fatal("Expected convergence to trusted within a few clean reports")
		}
	}
	if reports != 1 {
		t.Errorf("Expected trusted after 1 clean report from 0.5, got %d", reports)
	}
}

func TestSetTrustScore_Override(t *testing.T) {
	ledger, store := newTestLedger()
	now := time.Now()

	_, _, _ = ledger.GetOrCreate(context.Background(), "hash-a", "summary", now)

	if err := ledger.SetTrustScore(context.Background(), "hash-a", 0.95, now); err != nil {
		t.Fatalf("SetTrustScore failed: %v", err)
	}
	if got := store.devices["hash-a"].TrustScore; got != 0.95 {
		t.Errorf("Expected trust 0.95 after override, got %v", got)
	}
	if !store.devices["hash-a"].IsTrusted {
		t.Error("Expected override to rederive the trusted flag")
	}

	if err := ledger.SetTrustScore(context.Background(), "missing", 0.5, now); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("Expected ErrUnknownDevice for a missing device, got %v", err)
	}
}

func TestRecordContributionOutcome_Reputation(t *testing.T) {
	ledger, store := newTestLedger()
	now := time.Now()

	_, _, _ = ledger.GetOrCreate(context.Background(), "hash-a", "summary", now)

	for i := 0; i < 3; i++ {
		_ = ledger.RecordContributionOutcome(context.Background(), "hash-a", true, now)
	}
	_ = ledger.RecordContributionOutcome(context.Background(), "hash-a", false, now)

	d := store.devices["hash-a"]
	if d.TotalContributions != 4 || d.AccurateContributions != 3 {
		t.Errorf("Expected 3/4 accurate contributions, got %d/%d", d.AccurateContributions, d.TotalContributions)
	}
	if math.Abs(d.ReputationScore-0.75) > 1e-9 {
		t.Errorf("Expected reputation 0.75, got %v", d.ReputationScore)
	}
}

func TestSummary(t *testing.T) {
	ledger, _ := newTestLedger()
	now := time.Now()

	_, _, _ = ledger.GetOrCreate(context.Background(), "hash-a", "summary", now)
	_ = ledger.RecordContributionOutcome(context.Background(), "hash-a", true, now)

	summary, err := ledger.Summary(context.Background(), "hash-a")
	if err != nil {
		t.Fatalf("Summary failed: %v", err)
	}
	if summary.TrustScore != 0.5 || summary.TotalContributions != 1 {
		t.Errorf("Expected seed trust with 1 contribution, got %+v", summary)
	}

	if _, err := ledger.Summary(context.Background(), "missing"); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("Expected ErrUnknownDevice, got %v", err)
	}
}
