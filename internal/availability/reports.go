package availability

import (
	"context"
	"errors"

	"detour/internal/domain"
	"detour/internal/repo"
)

// ReportManual records an operator's phone check of a venue.
func (s SnapshotStore) ReportManual(ctx context.Context, placeID string, status domain.AvailabilityStatus, source, note string) (domain.AvailabilitySnapshot, error) {
	cfg := s.cfg()
	if source == "" {
		source = "operator"
	}
	return s.RecordSignal(ctx, Signal{
		PlaceID:      placeID,
		Status:       status,
		Score:        cfg.Signals.StatusScores[string(status)],
		Confidence:   cfg.Signals.Manual.Confidence,
		SignalType:   domain.SignalManualCall,
		SignalSource: source,
		TTLMinutes:   cfg.Signals.Manual.TTLMinutes,
		Note:         note,
	})
}

// ReportUser records a visitor's own account of whether they got in.
func (s SnapshotStore) ReportUser(ctx context.Context, placeID string, entered bool, waitMin *int) (domain.AvailabilitySnapshot, error) {
	cfg := s.cfg()
	sig := Signal{
		PlaceID:         placeID,
		Status:          domain.StatusLikelyFull,
		Score:           cfg.Signals.UserFailedScore,
		Confidence:      cfg.Signals.User.Confidence,
		SignalType:      domain.SignalUserReport,
		SignalSource:    "user",
		TTLMinutes:      cfg.Signals.User.TTLMinutes,
		WaitMinEstimate: waitMin,
	}
	if entered {
		sig.Status = domain.StatusLikelyOpen
		sig.Score = cfg.Signals.UserEnteredScore
	}
	return s.RecordSignal(ctx, sig)
}

// ProviderReading is one message of the provider availability feed. Missing
// score, confidence or ttl fall back to configured defaults.
type ProviderReading struct {
	PlaceID         string   `json:"place_id"`
	Status          string   `json:"status"`
	Score           *float64 `json:"score,omitempty"`
	Confidence      *float64 `json:"confidence,omitempty"`
	TTLMinutes      int      `json:"ttl_minutes,omitempty"`
	WaitMinEstimate *int     `json:"wait_min_estimate,omitempty"`
	Source          string   `json:"source,omitempty"`
}

func (s SnapshotStore) ReportProvider(ctx context.Context, r ProviderReading) (domain.AvailabilitySnapshot, error) {
	status, err := domain.ParseAvailabilityStatus(r.Status)
	if err != nil {
		return domain.AvailabilitySnapshot{}, err
	}
	cfg := s.cfg()
	sig := Signal{
		PlaceID:         r.PlaceID,
		Status:          status,
		Score:           cfg.Signals.StatusScores[string(status)],
		Confidence:      cfg.Signals.Provider.Confidence,
		SignalType:      domain.SignalProviderAPI,
		SignalSource:    r.Source,
		TTLMinutes:      cfg.Signals.Provider.TTLMinutes,
		WaitMinEstimate: r.WaitMinEstimate,
	}
	if r.Score != nil {
		sig.Score = *r.Score
	}
	if r.Confidence != nil {
		sig.Confidence = *r.Confidence
	}
	if r.TTLMinutes > 0 {
		sig.TTLMinutes = r.TTLMinutes
	}
	if sig.SignalSource == "" {
		sig.SignalSource = "provider"
	}
	return s.RecordSignal(ctx, sig)
}

func isNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}
