// Package availability records time-decaying capacity signals per venue and
// answers "is there room right now" without ever blocking the caller.
package availability

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"detour/internal/config"
	"detour/internal/domain"
	"detour/internal/logger"
	"detour/internal/timebucket"
)

// Store is the persistence the snapshot store needs; repo.Repo satisfies it.
type Store interface {
	InsertSnapshot(ctx context.Context, s domain.AvailabilitySnapshot) error
	LatestValidSnapshot(ctx context.Context, placeID string, now time.Time) (domain.AvailabilitySnapshot, error)
	DeleteExpiredSnapshots(ctx context.Context, now time.Time, limit int) (int, error)
}

type SnapshotStore struct {
	Store  Store
	Config *config.Config
	Log    logger.Logger
	Now    func() time.Time
}

func New(store Store, cfg *config.Config, l logger.Logger) SnapshotStore {
	if l == nil {
		l = logger.NewNop()
	}
	return SnapshotStore{Store: store, Config: cfg, Log: l, Now: time.Now}
}

func (s SnapshotStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s SnapshotStore) cfg() *config.Config {
	if s.Config == nil {
		return config.Default()
	}
	return s.Config
}

// Signal is one inbound availability reading.
type Signal struct {
	PlaceID         string
	Status          domain.AvailabilityStatus
	Score           float64
	Confidence      float64
	SignalType      domain.SignalType
	SignalSource    string
	TTLMinutes      int
	WaitMinEstimate *int
	Note            string
}

// RecordSignal appends a snapshot. Score and confidence are clamped into [0,1].
func (s SnapshotStore) RecordSignal(ctx context.Context, sig Signal) (domain.AvailabilitySnapshot, error) {
	if sig.PlaceID == "" {
		return domain.AvailabilitySnapshot{}, errors.New("place id is required")
	}
	if _, err := domain.ParseAvailabilityStatus(string(sig.Status)); err != nil {
		return domain.AvailabilitySnapshot{}, err
	}
	if _, err := domain.ParseSignalType(string(sig.SignalType)); err != nil {
		return domain.AvailabilitySnapshot{}, err
	}
	if sig.TTLMinutes <= 0 {
		return domain.AvailabilitySnapshot{}, fmt.Errorf("ttl must be positive, got %d minutes", sig.TTLMinutes)
	}
	if sig.SignalSource == "" {
		sig.SignalSource = string(sig.SignalType)
	}
	now := s.now()
	snap := domain.AvailabilitySnapshot{
		ID:              domain.NewID("snp_"),
		PlaceID:         sig.PlaceID,
		TimeBucketStart: timebucket.Floor(now),
		Status:          sig.Status,
		Score:           Clamp01(sig.Score),
		Confidence:      Clamp01(sig.Confidence),
		SignalType:      sig.SignalType,
		SignalSource:    sig.SignalSource,
		ObservedAt:      now,
		ExpiresAt:       now.Add(time.Duration(sig.TTLMinutes) * time.Minute),
		WaitMinEstimate: sig.WaitMinEstimate,
		Note:            sig.Note,
	}
	if err := s.Store.InsertSnapshot(ctx, snap); err != nil {
		s.Log.Errorf(ctx, "availability.RecordSignal place=%s: %v", sig.PlaceID, err)
		return domain.AvailabilitySnapshot{}, err
	}
	return snap, nil
}

// Clamp01 bounds v to [0,1]; NaN becomes 0.
func Clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Fallback is the neutral belief used whenever no valid snapshot can be read.
func Fallback(placeID string) domain.AvailabilitySnapshot {
	return domain.AvailabilitySnapshot{
		PlaceID:    placeID,
		Status:     domain.StatusUnknown,
		Score:      0.5,
		Confidence: 0,
		Stale:      true,
	}
}

// GetLatest returns the valid snapshot that expires last, newest observation
// breaking ties. It never fails: a missing or unreadable snapshot yields Fallback.
func (s SnapshotStore) GetLatest(ctx context.Context, placeID string) domain.AvailabilitySnapshot {
	snap, err := s.Store.LatestValidSnapshot(ctx, placeID, s.now())
	if err != nil {
		if !isNotFound(err) {
			s.Log.Warnf(ctx, "availability.GetLatest place=%s: %v", placeID, err)
		}
		return Fallback(placeID)
	}
	return snap
}

// GetBatch runs GetLatest for every id concurrently.
func (s SnapshotStore) GetBatch(ctx context.Context, placeIDs []string) map[string]domain.AvailabilitySnapshot {
	results := make([]domain.AvailabilitySnapshot, len(placeIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg().Signals.BatchConcurrency)
	for i, id := range placeIDs {
		g.Go(func() error {
			results[i] = s.GetLatest(gctx, id)
			return nil
		})
	}
	_ = g.Wait()
	res := make(map[string]domain.AvailabilitySnapshot, len(placeIDs))
	for i, id := range placeIDs {
		res[id] = results[i]
	}
	return res
}

type AreaSummary struct {
	Total      int     `json:"total"`
	LikelyOpen int     `json:"likely_open"`
	Unknown    int     `json:"unknown"`
	LikelyFull int     `json:"likely_full"`
	OpenRate   float64 `json:"open_rate"`
}

// Summarize counts the current status of each place.
func (s SnapshotStore) Summarize(ctx context.Context, placeIDs []string) AreaSummary {
	var sum AreaSummary
	for _, snap := range s.GetBatch(ctx, placeIDs) {
		sum.Total++
		switch snap.Status {
		case domain.StatusLikelyOpen:
			sum.LikelyOpen++
		case domain.StatusLikelyFull:
			sum.LikelyFull++
		default:
			sum.Unknown++
		}
	}
	if sum.Total > 0 {
		sum.OpenRate = float64(sum.LikelyOpen) / float64(sum.Total)
	}
	return sum
}

// CleanupExpired deletes expired snapshots in bounded batches until a short
// batch comes back, returning how many rows were removed.
func (s SnapshotStore) CleanupExpired(ctx context.Context) (int, error) {
	batch := s.cfg().Signals.CleanupBatch
	now := s.now()
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := s.Store.DeleteExpiredSnapshots(ctx, now, batch)
		if err != nil {
			return total, err
		}
		total += n
		if n < batch {
			break
		}
	}
	s.Log.Infof(ctx, "availability.CleanupExpired deleted=%d", total)
	return total, nil
}
