// Package ranking orders candidate venues by how likely a visit is to work
// out right now and picks a diverse shortlist from them.
package ranking

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"detour/internal/config"
	"detour/internal/domain"
	"detour/internal/observation"
)

// Snapshots is the availability view ranking reads from.
type Snapshots interface {
	GetBatch(ctx context.Context, placeIDs []string) map[string]domain.AvailabilitySnapshot
}

// Priors supplies the learned success rate of a place.
type Priors interface {
	SuccessRate(ctx context.Context, placeID string, f observation.Filter) observation.SuccessRate
}

type Candidate struct {
	PlaceID  string `json:"place_id"`
	Category string `json:"category,omitempty"`
	Name     string `json:"name,omitempty"`
}

type Ranked struct {
	Candidate
	Snapshot domain.AvailabilitySnapshot `json:"snapshot"`
	Prior    observation.SuccessRate     `json:"prior"`
	Weight   float64                     `json:"weight"`
}

type Aggregator struct {
	Snapshots Snapshots
	Priors    Priors
	Config    *config.Config
}

func New(snaps Snapshots, priors Priors, cfg *config.Config) Aggregator {
	return Aggregator{Snapshots: snaps, Priors: priors, Config: cfg}
}

func (a Aggregator) cfg() *config.Config {
	if a.Config == nil {
		return config.Default()
	}
	return a.Config
}

// Weight combines a snapshot with an optional prior. Without samples the
// prior is ignored.
func Weight(snap domain.AvailabilitySnapshot, prior observation.SuccessRate, priorWeight float64) float64 {
	w := snap.Score * (0.5 + snap.Confidence*0.5)
	if prior.SampleSize > 0 {
		b := priorWeight * prior.Confidence
		w = (1-b)*w + b*prior.Rate
	}
	return w
}

// Rank scores every candidate and sorts them by descending weight. Equal
// weights keep their input order.
func (a Aggregator) Rank(ctx context.Context, candidates []Candidate) []Ranked {
	if len(candidates) == 0 {
		return nil
	}
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.PlaceID
	}
	snaps := a.Snapshots.GetBatch(ctx, ids)

	priors := make([]observation.SuccessRate, len(candidates))
	if a.Priors != nil {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(a.cfg().Signals.BatchConcurrency)
		for i, c := range candidates {
			g.Go(func() error {
				priors[i] = a.Priors.SuccessRate(gctx, c.PlaceID, observation.Filter{})
				return nil
			})
		}
		_ = g.Wait()
	}

	pw := a.cfg().Ranking.PriorWeight
	ranked := make([]Ranked, len(candidates))
	for i, c := range candidates {
		snap, ok := snaps[c.PlaceID]
		if !ok {
			snap = domain.AvailabilitySnapshot{PlaceID: c.PlaceID, Status: domain.StatusUnknown, Score: 0.5, Stale: true}
		}
		ranked[i] = Ranked{Candidate: c, Snapshot: snap, Prior: priors[i], Weight: Weight(snap, priors[i], pw)}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Weight > ranked[j].Weight
	})
	return ranked
}

// DiverseTopK takes the best entry, then the best entry of each key not yet
// seen, then backfills in rank order until k entries are chosen. The result
// is in pick order.
func DiverseTopK(ranked []Ranked, k int, key func(Ranked) string) []Ranked {
	if k <= 0 || len(ranked) == 0 {
		return nil
	}
	picked := make([]bool, len(ranked))
	seen := map[string]bool{}
	var out []Ranked
	take := func(i int) {
		picked[i] = true
		seen[key(ranked[i])] = true
		out = append(out, ranked[i])
	}
	take(0)
	for i := 1; i < len(ranked) && len(out) < k; i++ {
		if !seen[key(ranked[i])] {
			take(i)
		}
	}
	for i := 1; i < len(ranked) && len(out) < k; i++ {
		if !picked[i] {
			take(i)
		}
	}
	return out
}

// ByCategory is the diversity key used for proposals.
func ByCategory(r Ranked) string {
	return r.Category
}

// Propose ranks candidates and keeps k of them, spread across categories.
// k <= 0 uses the configured proposal count.
func (a Aggregator) Propose(ctx context.Context, candidates []Candidate, k int) []Ranked {
	if k <= 0 {
		k = a.cfg().Ranking.Proposals
	}
	return DiverseTopK(a.Rank(ctx, candidates), k, ByCategory)
}
