package services

import (
	"context"
	"strconv"
	"time"
)

// SettingsStore is the durable key/value store behind business settings.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string, now time.Time) error
}

// SettingsCache is the explicit write-through cache in front of the store.
// Nil disables caching; the store itself is fast enough for most deployments.
type SettingsCache interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
	InvalidateSetting(ctx context.Context, key string) error
}

// Settings is a typed accessor over string-keyed business settings with
// explicit invalidation on write.
type Settings struct {
	store SettingsStore
	cache SettingsCache
}

func NewSettings(store SettingsStore, cache SettingsCache) *Settings {
	return &Settings{store: store, cache: cache}
}

func (s *Settings) GetString(ctx context.Context, key, fallback string) (string, error) {
	if s.cache != nil {
		if val, ok, err := s.cache.GetSetting(ctx, key); err == nil && ok {
			return val, nil
		}
	}

	val, ok, err := s.store.GetSetting(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return fallback, nil
	}

	if s.cache != nil {
		_ = s.cache.SetSetting(ctx, key, val)
	}
	return val, nil
}

func (s *Settings) GetFloat(ctx context.Context, key string, fallback float64) (float64, error) {
	raw, err := s.GetString(ctx, key, "")
	if err != nil {
		return 0, err
	}
	if raw == "" {
		return fallback, nil
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback, nil
	}
	return val, nil
}

func (s *Settings) GetBool(ctx context.Context, key string, fallback bool) (bool, error) {
	raw, err := s.GetString(ctx, key, "")
	if err != nil {
		return false, err
	}
	if raw == "" {
		return fallback, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback, nil
	}
	return val, nil
}

// Set writes through to the durable store and evicts the cached value.
func (s *Settings) Set(ctx context.Context, key, value string, now time.Time) error {
	if err := s.store.SetSetting(ctx, key, value, now); err != nil {
		return err
	}
	if s.cache != nil {
		_ = s.cache.InvalidateSetting(ctx, key)
	}
	return nil
}
