package services

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/sharifemon/buspulse/internal/models"
	"github.com/sharifemon/buspulse/internal/repository"
)

// fakeTrustStore is an in-memory TrustStore.
type fakeTrustStore struct {
	devices map[string]*models.DeviceIdentity
}

func newFakeTrustStore() *fakeTrustStore {
	return &fakeTrustStore{devices: make(map[string]*models.DeviceIdentity)}
}

func (f *fakeTrustStore) GetDevice(_ context.Context, tokenHash string) (*models.DeviceIdentity, error) {
	d, ok := f.devices[tokenHash]
	if !ok {
		return nil, repository.ErrDeviceNotFound
	}
	copied := *d
	return &copied, nil
}

func (f *fakeTrustStore) CreateDeviceIfAbsent(_ context.Context, tokenHash, fingerprintSummary string, seedScore, trustedThreshold float64, now time.Time) (*models.DeviceIdentity, bool, error) {
	if d, ok := f.devices[tokenHash]; ok {
		copied := *d
		return &copied, false, nil
	}
	d := &models.DeviceIdentity{
		TokenHash:           tokenHash,
		FingerprintSummary:  fingerprintSummary,
		ReputationScore:     seedScore,
		TrustScore:          seedScore,
		IsTrusted:           seedScore >= trustedThreshold,
		MovementConsistency: seedScore,
		ClusteringScore:     seedScore,
		LastActivity:        now,
		CreatedAt:           now,
	}
	f.devices[tokenHash] = d
	copied := *d
	return &copied, true, nil
}

func (f *fakeTrustStore) ApplyTrustDelta(_ context.Context, tokenHash string, delta, trustedThreshold float64, now time.Time) (float64, error) {
	d, ok := f.devices[tokenHash]
	if !ok {
		return 0, repository.ErrDeviceNotFound
	}
	d.TrustScore = clamp01(d.TrustScore + delta)
	d.IsTrusted = d.TrustScore >= trustedThreshold
	d.LastActivity = now
	return d.TrustScore, nil
}

func (f *fakeTrustStore) SetTrustScore(_ context.Context, tokenHash string, score, trustedThreshold float64, now time.Time) error {
	d, ok := f.devices[tokenHash]
	if !ok {
		return repository.ErrDeviceNotFound
	}
	d.TrustScore = clamp01(score)
	d.IsTrusted = d.TrustScore >= trustedThreshold
	d.LastActivity = now
	return nil
}

func (f *fakeTrustStore) RecordContributionOutcome(_ context.Context, tokenHash string, wasAccurate bool, now time.Time) error {
	d, ok := f.devices[tokenHash]
	if !ok {
		return repository.ErrDeviceNotFound
	}
	d.TotalContributions++
	if wasAccurate {
		d.AccurateContributions++
	}
	d.ReputationScore = float64(d.AccurateContributions) / float64(d.TotalContributions)
	d.LastActivity = now
	return nil
}

// fakeIngestStore captures sample writes without a database. The first
// failures calls return err, then writes succeed.
type fakeIngestStore struct {
	writes   []repository.SampleWrite
	nextID   int64
	calls    int
	failures int
	err      error
}

func (f *fakeIngestStore) StoreSample(_ context.Context, w repository.SampleWrite) (int64, error) {
	f.calls++
	if f.err != nil && (f.failures == 0 || f.calls <= f.failures) {
		return 0, f.err
	}
	f.writes = append(f.writes, w)
	f.nextID++
	return f.nextID, nil
}

// fakeSchedule is a canned ScheduleProvider.
type fakeSchedule struct {
	active bool
	stop   *models.Stop
	err    error
}

func (f *fakeSchedule) IsCurrentlyActive(_ context.Context, _ string, _ time.Time) (bool, error) {
	return f.active, f.err
}

func (f *fakeSchedule) ExpectedStopFor(_ context.Context, _ string, _ time.Time) (*models.Stop, error) {
	return f.stop, f.err
}

// fakeAggStore is an in-memory AggregateStore.
type fakeAggStore struct {
	samples   []models.LocationSample
	trackers  int
	positions map[string]models.CurrentPosition
}

func newFakeAggStore() *fakeAggStore {
	return &fakeAggStore{positions: make(map[string]models.CurrentPosition)}
}

func (f *fakeAggStore) RecentValidatedSamples(_ context.Context, busID string, since time.Time) ([]models.LocationSample, error) {
	var out []models.LocationSample
	for _, s := range f.samples {
		if s.BusID == busID && s.IsValidated && !s.RecordedAt.Before(since) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordedAt.After(out[j].RecordedAt) })
	return out, nil
}

func (f *fakeAggStore) LatestValidatedSample(_ context.Context, busID string) (*models.LocationSample, error) {
	var latest *models.LocationSample
	for i := range f.samples {
		s := f.samples[i]
		if s.BusID != busID || !s.IsValidated {
			continue
		}
		if latest == nil || s.RecordedAt.After(latest.RecordedAt) {
			latest = &s
		}
	}
	return latest, nil
}

func (f *fakeAggStore) CountDistinctTrackers(_ context.Context, _ string, _ time.Time) (int, error) {
	return f.trackers, nil
}

func (f *fakeAggStore) GetPosition(_ context.Context, busID string) (*models.CurrentPosition, error) {
	pos, ok := f.positions[busID]
	if !ok {
		return nil, repository.ErrPositionNotFound
	}
	copied := pos
	return &copied, nil
}

func (f *fakeAggStore) UpsertPosition(_ context.Context, pos *models.CurrentPosition) error {
	f.positions[pos.BusID] = *pos
	return nil
}

func (f *fakeAggStore) AllPositions(_ context.Context) ([]models.CurrentPosition, error) {
	out := make([]models.CurrentPosition, 0, len(f.positions))
	for _, pos := range f.positions {
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BusID < out[j].BusID })
	return out, nil
}

func (f *fakeAggStore) TrackedBusIDs(_ context.Context) ([]string, error) {
	seen := make(map[string]bool)
	for id := range f.positions {
		seen[id] = true
	}
	for _, s := range f.samples {
		seen[s.BusID] = true
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// fakeSessionStore is an in-memory SessionStore.
type fakeSessionStore struct {
	sessions map[uuid.UUID]*models.TrackingSession
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: make(map[uuid.UUID]*models.TrackingSession)}
}

func (f *fakeSessionStore) InsertSessionIfAbsent(_ context.Context, s models.TrackingSession) (*models.TrackingSession, bool, error) {
	for _, existing := range f.sessions {
		if existing.IsActive && existing.DeviceTokenHash == s.DeviceTokenHash && existing.BusID == s.BusID {
			copied := *existing
			return &copied, false, nil
		}
	}
	s.LastActivity = s.StartedAt
	f.sessions[s.SessionID] = &s
	copied := s
	return &copied, true, nil
}

func (f *fakeSessionStore) GetSession(_ context.Context, sessionID uuid.UUID) (*models.TrackingSession, error) {
	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, repository.ErrSessionNotFound
	}
	copied := *s
	return &copied, nil
}

func (f *fakeSessionStore) EndSession(_ context.Context, sessionID uuid.UUID, now time.Time) (*models.TrackingSession, error) {
	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, repository.ErrSessionNotFound
	}
	if !s.IsActive {
		return nil, nil
	}
	s.IsActive = false
	s.EndedAt = &now
	copied := *s
	return &copied, nil
}

func (f *fakeSessionStore) ActiveSessionsForBus(_ context.Context, busID string, activeSince time.Time) ([]models.TrackingSession, error) {
	var out []models.TrackingSession
	for _, s := range f.sessions {
		if s.IsActive && s.BusID == busID && !s.LastActivity.Before(activeSince) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (f *fakeSessionStore) CloseStaleSessions(_ context.Context, idleCutoff, now time.Time) (int64, error) {
	var closed int64
	for _, s := range f.sessions {
		if s.IsActive && s.LastActivity.Before(idleCutoff) {
			s.IsActive = false
			s.EndedAt = &now
			closed++
		}
	}
	return closed, nil
}

func (f *fakeSessionStore) DeleteSessionsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	for id, s := range f.sessions {
		if !s.IsActive && s.StartedAt.Before(cutoff) {
			delete(f.sessions, id)
			removed++
		}
	}
	return removed, nil
}
