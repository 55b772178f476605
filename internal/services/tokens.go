package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/sharifemon/buspulse/internal/models"
)

// ErrFingerprintRequired rejects registration without a client fingerprint.
var ErrFingerprintRequired = errors.New("fingerprint is required")

// TokenService bootstraps anonymous device identity. The opaque token is an
// HMAC of the client fingerprint under a server secret, so the same device
// re-registers to the same identity (deters trivial identity farming) while
// the raw fingerprint never leaves this function.
type TokenService struct {
	secret []byte
	ledger *TrustLedger
}

func NewTokenService(secret string, ledger *TrustLedger) *TokenService {
	return &TokenService{secret: []byte(secret), ledger: ledger}
}

// Register derives the device token from a fingerprint and ensures a ledger
// entry exists.
func (t *TokenService) Register(ctx context.Context, fingerprint string, now time.Time) (*models.RegisterDeviceResponse, error) {
	if fingerprint == "" {
		return nil, ErrFingerprintRequired
	}

	token := t.deriveToken(fingerprint)
	tokenHash := HashToken(token)

	device, created, err := t.ledger.GetOrCreate(ctx, tokenHash, summarizeFingerprint(fingerprint), now)
	if err != nil {
		return nil, err
	}

	return &models.RegisterDeviceResponse{
		Token:    token,
		DeviceID: device.TokenHash,
		IsNew:    created,
	}, nil
}

// Validate resolves a client token to its registered device.
func (t *TokenService) Validate(ctx context.Context, token string) (*models.DeviceIdentity, error) {
	if token == "" {
		return nil, ErrUnknownDevice
	}
	return t.ledger.Get(ctx, HashToken(token))
}

func (t *TokenService) deriveToken(fingerprint string) string {
	mac := hmac.New(sha256.New, t.secret)
	mac.Write([]byte(fingerprint))
	return hex.EncodeToString(mac.Sum(nil))
}

// HashToken maps a client token to the identity key stored in the ledger.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// summarizeFingerprint keeps a short digest for moderation context without
// building a biometric-grade profile.
func summarizeFingerprint(fingerprint string) string {
	sum := sha256.Sum256([]byte(fingerprint))
	return hex.EncodeToString(sum[:8])
}
