// Package observation keeps the append-only log of real visit outcomes and
// derives success-rate priors from it.
package observation

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"detour/internal/config"
	"detour/internal/domain"
	"detour/internal/logger"
	"detour/internal/timebucket"
)

// Store is the persistence the ledger needs; repo.Repo satisfies it.
type Store interface {
	InsertObservation(ctx context.Context, tx *sql.Tx, o domain.Observation) error
	RecentObservations(ctx context.Context, placeID string, limit int) ([]domain.Observation, error)
}

type Ledger struct {
	Store  Store
	Outbox *Outbox
	Config *config.Config
	Log    logger.Logger
	Now    func() time.Time
}

func New(store Store, cfg *config.Config, l logger.Logger) Ledger {
	if cfg == nil {
		cfg = config.Default()
	}
	if l == nil {
		l = logger.NewNop()
	}
	return Ledger{
		Store:  store,
		Outbox: NewOutbox(cfg.Observations.OutboxCapacity),
		Config: cfg,
		Log:    l,
		Now:    time.Now,
	}
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l Ledger) cfg() *config.Config {
	if l.Config == nil {
		return config.Default()
	}
	return l.Config
}

// Input describes one visit attempt. PartySize defaults to 1 and Method to walkin.
type Input struct {
	PlaceID         string
	UserID          string
	Outcome         domain.Outcome
	PartySize       int
	Method          domain.Method
	Weather         string
	LeadTimeMin     *int
	LinkedSessionID *string
}

// Build validates in and stamps it with now, deriving the bucket, weekday and
// hour in loc.
func Build(in Input, now time.Time, loc *time.Location) (domain.Observation, error) {
	if in.PlaceID == "" {
		return domain.Observation{}, errors.New("place id is required")
	}
	if in.UserID == "" {
		return domain.Observation{}, errors.New("user id is required")
	}
	if _, err := domain.ParseOutcome(string(in.Outcome)); err != nil {
		return domain.Observation{}, err
	}
	if in.Method == "" {
		in.Method = domain.MethodWalkin
	}
	if _, err := domain.ParseMethod(string(in.Method)); err != nil {
		return domain.Observation{}, err
	}
	if in.PartySize <= 0 {
		in.PartySize = 1
	}
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	return domain.Observation{
		ID:              domain.NewID("obs_"),
		PlaceID:         in.PlaceID,
		UserID:          in.UserID,
		OccurredAt:      now,
		TimeBucketStart: timebucket.Floor(local),
		Outcome:         in.Outcome,
		PartySize:       in.PartySize,
		Method:          in.Method,
		Context: domain.ObservationContext{
			Dow:             timebucket.Weekday(local),
			Hour:            timebucket.Hour(local),
			Weather:         in.Weather,
			LeadTimeMin:     in.LeadTimeMin,
			LinkedSessionID: in.LinkedSessionID,
		},
	}, nil
}

type Receipt struct {
	Observation domain.Observation `json:"observation"`
	Queued      bool               `json:"queued"`
}

// Record appends an observation. A failed write is not reported to the
// caller: the record goes to the outbox and Receipt.Queued is set. Only
// invalid input returns an error.
func (l Ledger) Record(ctx context.Context, in Input) (Receipt, error) {
	o, err := Build(in, l.now(), l.cfg().Location())
	if err != nil {
		return Receipt{}, err
	}
	if err := l.Store.InsertObservation(ctx, nil, o); err != nil {
		l.Log.Warnf(ctx, "observation.Record place=%s queued: %v", o.PlaceID, err)
		if l.Outbox.Enqueue(o) {
			l.Log.Warnf(ctx, "observation.Record outbox full, dropped oldest pending entry")
		}
		return Receipt{Observation: o, Queued: true}, nil
	}
	return Receipt{Observation: o}, nil
}

func (l Ledger) RecordEntered(ctx context.Context, placeID, userID string) (Receipt, error) {
	return l.Record(ctx, Input{PlaceID: placeID, UserID: userID, Outcome: domain.OutcomeEntered})
}

func (l Ledger) RecordFull(ctx context.Context, placeID, userID string) (Receipt, error) {
	return l.Record(ctx, Input{PlaceID: placeID, UserID: userID, Outcome: domain.OutcomeFull})
}

func (l Ledger) RecordQueueLeft(ctx context.Context, placeID, userID string) (Receipt, error) {
	return l.Record(ctx, Input{PlaceID: placeID, UserID: userID, Outcome: domain.OutcomeQueueLeft})
}

func (l Ledger) RecordClosed(ctx context.Context, placeID, userID string) (Receipt, error) {
	return l.Record(ctx, Input{PlaceID: placeID, UserID: userID, Outcome: domain.OutcomeClosed})
}

type SyncResult struct {
	Synced    int `json:"synced"`
	Remaining int `json:"remaining"`
}

// Sync retries queued writes; entries that fail again stay queued.
func (l Ledger) Sync(ctx context.Context) SyncResult {
	synced, remaining := l.Outbox.Flush(ctx, func(ctx context.Context, o domain.Observation) error {
		return l.Store.InsertObservation(ctx, nil, o)
	})
	if synced > 0 || remaining > 0 {
		l.Log.Infof(ctx, "observation.Sync synced=%d remaining=%d", synced, remaining)
	}
	return SyncResult{Synced: synced, Remaining: remaining}
}
