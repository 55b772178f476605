package services

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestTokens() (*TokenService, *fakeTrustStore) {
	store := newFakeTrustStore()
	ledger := NewTrustLedger(store, testTrustConfig())
	return NewTokenService("test-secret", ledger), store
}

func TestRegister_Deterministic(t *testing.T) {
	tokens, _ := newTestTokens()
	now := time.Now()

	first, err := tokens.Register(context.Background(), "fingerprint-a", now)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if !first.IsNew {
		t.Error("Expected first registration to create the device")
	}

	// Same fingerprint re-registers to the same identity.
	second, err := tokens.Register(context.Background(), "fingerprint-a", now.Add(time.Hour))
	if err != nil {
		t.Fatalf("Re-register failed: %v", err)
	}
	if second.IsNew {
		t.Error("Expected re-registration to find the existing device")
	}
	if second.Token != first.Token || second.DeviceID != first.DeviceID {
		t.Error("Expected the same token and identity for the same fingerprint")
	}

	// Different fingerprints get distinct identities.
	other, err := tokens.Register(context.Background(), "fingerprint-b", now)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if other.Token == first.Token {
		t.Error("Expected distinct tokens for distinct fingerprints")
	}
}

func TestRegister_EmptyFingerprint(t *testing.T) {
	tokens, _ := newTestTokens()

	_, err := tokens.Register(context.Background(), "", time.Now())
	if !errors.Is(err, ErrFingerprintRequired) {
		t.Fatalf("Expected ErrFingerprintRequired, got %v", err)
	}
}

func TestRegister_SecretChangesToken(t *testing.T) {
	a, _ := newTestTokens()
	storeB := newFakeTrustStore()
	b := NewTokenService("other-secret", NewTrustLedger(storeB, testTrustConfig()))

	regA, _ := a.Register(context.Background(), "fingerprint-a", time.Now())
	regB, _ := b.Register(context.Background(), "fingerprint-a", time.Now())

	if regA.Token == regB.Token {
		t.Error("Expected tokens to depend on the server secret")
	}
}

func TestValidate(t *testing.T) {
	tokens, _ := newTestTokens()

	reg, err := tokens.Register(context.Background(), "fingerprint-a", time.Now())
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	device, err := tokens.Validate(context.Background(), reg.Token)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if device.TokenHash != HashToken(reg.Token) {
		t.Error("Expected device keyed by the token hash")
	}
	if device.TrustScore != 0.5 {
		t.Errorf("Expected seed trust 0.5, got %v", device.TrustScore)
	}

	if _, err := tokens.Validate(context.Background(), "forged-token"); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("Expected ErrUnknownDevice for a forged token, got %v", err)
	}
	if _, err := tokens.Validate(context.Background(), ""); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("Expected ErrUnknownDevice for an empty token, got %v", err)
	}
}

func TestRegister_TokenHidesFingerprint(t *testing.T) {
	tokens, store := newTestTokens()

	reg, err := tokens.Register(context.Background(), "raw-fingerprint-material", time.Now())
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	stored := store.devices[reg.DeviceID]
	if stored.FingerprintSummary == "raw-fingerprint-material" {
		t.Error("Expected the raw fingerprint never stored")
	}
	if len(stored.FingerprintSummary) != 16 {
		t.Errorf("Expected a 16-hex-char fingerprint summary, got %q", stored.FingerprintSummary)
	}
}
