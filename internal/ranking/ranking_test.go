package ranking_test

import (
	"context"
	"math"
	"testing"

	"detour/internal/config"
	"detour/internal/domain"
	"detour/internal/observation"
	"detour/internal/ranking"
)

type fixedSnapshots map[string]domain.AvailabilitySnapshot

func (f fixedSnapshots) GetBatch(_ context.Context, ids []string) map[string]domain.AvailabilitySnapshot {
	res := map[string]domain.AvailabilitySnapshot{}
	for _, id := range ids {
		if s, ok := f[id]; ok {
			res[id] = s
			continue
		}
		res[id] = domain.AvailabilitySnapshot{PlaceID: id, Status: domain.StatusUnknown, Score: 0.5, Stale: true}
	}
	return res
}

type fixedPriors map[string]observation.SuccessRate

func (f fixedPriors) SuccessRate(_ context.Context, id string, _ observation.Filter) observation.SuccessRate {
	if r, ok := f[id]; ok {
		return r
	}
	return observation.Neutral
}

func snap(score, conf float64) domain.AvailabilitySnapshot {
	return domain.AvailabilitySnapshot{Status: domain.StatusLikelyOpen, Score: score, Confidence: conf}
}

func ids(rs []ranking.Ranked) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.PlaceID
	}
	return out
}

func TestWeight(t *testing.T) {
	if got := ranking.Weight(snap(0.8, 0.9), observation.Neutral, 0.3); math.Abs(got-0.76) > 1e-9 {
		t.Fatalf("weight without prior = %v", got)
	}
	prior := observation.SuccessRate{Rate: 0.2, Confidence: 0.5, SampleSize: 50}
	want := 0.85*0.76 + 0.15*0.2
	if got := ranking.Weight(snap(0.8, 0.9), prior, 0.3); math.Abs(got-want) > 1e-9 {
		t.Fatalf("weight with prior = %v, want %v", got, want)
	}
}

func TestRankOrdersByWeightAndIsStable(t *testing.T) {
	agg := ranking.New(fixedSnapshots{
		"a": snap(0.5, 0),
		"b": snap(0.8, 0.9),
		"c": snap(0.5, 0),
		"d": snap(0.2, 0.9),
	}, fixedPriors{}, config.Default())
	in := []ranking.Candidate{{PlaceID: "a"}, {PlaceID: "b"}, {PlaceID: "c"}, {PlaceID: "d"}}
	got := ids(agg.Rank(context.Background(), in))
	want := []string{"b", "a", "c", "d"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rank order = %v, want %v", got, want)
		}
	}
	for i := 0; i < 5; i++ {
		again := ids(agg.Rank(context.Background(), in))
		for j := range got {
			if again[j] != got[j] {
				t.Fatalf("rank not stable: %v vs %v", again, got)
			}
		}
	}
}

func TestRankUsesPriors(t *testing.T) {
	agg := ranking.New(fixedSnapshots{
		"good": snap(0.6, 0.5),
		"bad":  snap(0.62, 0.5),
	}, fixedPriors{
		"good": {Rate: 1, Confidence: 0.95, SampleSize: 120},
		"bad":  {Rate: 0, Confidence: 0.95, SampleSize: 120},
	}, config.Default())
	got := agg.Rank(context.Background(), []ranking.Candidate{{PlaceID: "bad"}, {PlaceID: "good"}})
	if got[0].PlaceID != "good" {
		t.Fatalf("expected prior to lift good, got %v", ids(got))
	}
	if got[0].Prior.SampleSize != 120 {
		t.Fatalf("expected prior attached, got %+v", got[0].Prior)
	}
}

func TestDiverseTopKBackfills(t *testing.T) {
	ranked := []ranking.Ranked{
		{Candidate: ranking.Candidate{PlaceID: "1", Category: "cafe"}, Weight: 0.9},
		{Candidate: ranking.Candidate{PlaceID: "2", Category: "cafe"}, Weight: 0.8},
		{Candidate: ranking.Candidate{PlaceID: "3", Category: "bar"}, Weight: 0.7},
		{Candidate: ranking.Candidate{PlaceID: "4", Category: "bar"}, Weight: 0.6},
	}
	got := ids(ranking.DiverseTopK(ranked, 3, ranking.ByCategory))
	want := []string{"1", "3", "2"}
	if len(got) != 3 {
		t.Fatalf("expected 3 picks, got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("picks = %v, want %v", got, want)
		}
	}
	if got := ranking.DiverseTopK(ranked[:2], 3, ranking.ByCategory); len(got) != 2 {
		t.Fatalf("expected exhaustion at 2, got %d", len(got))
	}
	if got := ranking.DiverseTopK(nil, 3, ranking.ByCategory); got != nil {
		t.Fatalf("expected nil for empty input")
	}
}

func TestProposeDefaultsToConfiguredCount(t *testing.T) {
	agg := ranking.New(fixedSnapshots{}, nil, config.Default())
	var in []ranking.Candidate
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		in = append(in, ranking.Candidate{PlaceID: id, Category: id})
	}
	got := agg.Propose(context.Background(), in, 0)
	if len(got) != 3 {
		t.Fatalf("expected 3 proposals, got %d", len(got))
	}
	if got[0].PlaceID != "a" || !got[0].Snapshot.Stale {
		t.Fatalf("expected fallback snapshots in input order, got %+v", got[0])
	}
}
