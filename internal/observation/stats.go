package observation

import (
	"context"
	"fmt"
	"math"

	"detour/internal/domain"
	"detour/internal/timebucket"
)

// Filter narrows observations client-side. Nil fields do not filter.
type Filter struct {
	Dow     *int
	HourMin *int
	HourMax *int
}

func (f Filter) match(o domain.Observation) bool {
	if f.Dow != nil && o.Context.Dow != *f.Dow {
		return false
	}
	if f.HourMin != nil && o.Context.Hour < *f.HourMin {
		return false
	}
	if f.HourMax != nil && o.Context.Hour > *f.HourMax {
		return false
	}
	return true
}

type SuccessRate struct {
	Rate       float64 `json:"rate"`
	Confidence float64 `json:"confidence"`
	SampleSize int     `json:"sample_size"`
	Successes  int     `json:"successes"`
	Failures   int     `json:"failures"`
}

// Neutral is the prior reported when nothing is known about a place.
var Neutral = SuccessRate{Rate: 0.5}

type BucketRate struct {
	Name       string  `json:"name,omitempty"`
	Rate       float64 `json:"rate"`
	SampleSize int     `json:"sample_size"`
}

type BestTime struct {
	Hour         *int    `json:"hour,omitempty"`
	Rate         float64 `json:"rate,omitempty"`
	SampleSize   int     `json:"sample_size,omitempty"`
	Insufficient bool    `json:"insufficient"`
	Message      string  `json:"message"`
}

type AreaStats struct {
	TotalObservations int                    `json:"total_observations"`
	Successes         int                    `json:"successes"`
	SuccessRate       float64                `json:"success_rate"`
	ByOutcome         map[domain.Outcome]int `json:"by_outcome"`
}

// Confidence grows with the number of samples and stops at ceiling.
func Confidence(sampleSize int, ceiling float64) float64 {
	return math.Min(ceiling, float64(sampleSize)/100)
}

// SuccessRate computes entered/total over the newest window of observations
// for placeID after applying f. It never fails: an empty match or an
// unreadable store yields Neutral.
func (l Ledger) SuccessRate(ctx context.Context, placeID string, f Filter) SuccessRate {
	cfg := l.cfg().Observations
	obs, err := l.Store.RecentObservations(ctx, placeID, cfg.Window)
	if err != nil {
		l.Log.Warnf(ctx, "observation.SuccessRate place=%s: %v", placeID, err)
		return Neutral
	}
	return rateOf(obs, f, cfg.ConfidenceCap)
}

func rateOf(obs []domain.Observation, f Filter, ceiling float64) SuccessRate {
	var n, ok int
	for _, o := range obs {
		if !f.match(o) {
			continue
		}
		n++
		if o.Outcome == domain.OutcomeEntered {
			ok++
		}
	}
	if n == 0 {
		return Neutral
	}
	return SuccessRate{
		Rate:       float64(ok) / float64(n),
		Confidence: Confidence(n, ceiling),
		SampleSize: n,
		Successes:  ok,
		Failures:   n - ok,
	}
}

// HourlySuccessRates buckets the newest observations by hour of day,
// optionally limited to one weekday. Empty hours report a 0.5 rate.
func (l Ledger) HourlySuccessRates(ctx context.Context, placeID string, dow *int) [24]BucketRate {
	var totals, oks [24]int
	obs, err := l.Store.RecentObservations(ctx, placeID, l.cfg().Observations.HourlyWindow)
	if err != nil {
		l.Log.Warnf(ctx, "observation.HourlySuccessRates place=%s: %v", placeID, err)
	}
	for _, o := range obs {
		if dow != nil && o.Context.Dow != *dow {
			continue
		}
		h := o.Context.Hour
		if h < 0 || h > 23 {
			continue
		}
		totals[h]++
		if o.Outcome == domain.OutcomeEntered {
			oks[h]++
		}
	}
	var res [24]BucketRate
	for h := range res {
		res[h] = bucketRate(oks[h], totals[h])
	}
	return res
}

// DowSuccessRates buckets the newest observations by weekday, Sunday first.
func (l Ledger) DowSuccessRates(ctx context.Context, placeID string) [7]BucketRate {
	var totals, oks [7]int
	obs, err := l.Store.RecentObservations(ctx, placeID, l.cfg().Observations.HourlyWindow)
	if err != nil {
		l.Log.Warnf(ctx, "observation.DowSuccessRates place=%s: %v", placeID, err)
	}
	for _, o := range obs {
		d := o.Context.Dow
		if d < 0 || d > 6 {
			continue
		}
		totals[d]++
		if o.Outcome == domain.OutcomeEntered {
			oks[d]++
		}
	}
	var res [7]BucketRate
	for d := range res {
		res[d] = bucketRate(oks[d], totals[d])
		res[d].Name = timebucket.WeekdayName(d)
	}
	return res
}

func bucketRate(ok, total int) BucketRate {
	if total == 0 {
		return BucketRate{Rate: 0.5}
	}
	return BucketRate{Rate: float64(ok) / float64(total), SampleSize: total}
}

// BestTimeToVisit picks the hour with the highest rate among hours holding
// enough samples; the earliest hour wins ties.
func (l Ledger) BestTimeToVisit(ctx context.Context, placeID string, dow *int) BestTime {
	minSamples := l.cfg().Observations.BestTimeMinSamples
	hourly := l.HourlySuccessRates(ctx, placeID, dow)
	best := -1
	for h, b := range hourly {
		if b.SampleSize < minSamples {
			continue
		}
		if best < 0 || b.Rate > hourly[best].Rate {
			best = h
		}
	}
	if best < 0 {
		return BestTime{Insufficient: true, Message: "insufficient data"}
	}
	hour := best
	return BestTime{
		Hour:       &hour,
		Rate:       hourly[best].Rate,
		SampleSize: hourly[best].SampleSize,
		Message:    fmt.Sprintf("around %02d:00 (success rate %d%%)", best, int(math.Round(hourly[best].Rate*100))),
	}
}

// AreaStats aggregates SuccessRate over several places, each with its own window.
func (l Ledger) AreaStats(ctx context.Context, placeIDs []string, f Filter) AreaStats {
	stats := AreaStats{ByOutcome: map[domain.Outcome]int{
		domain.OutcomeEntered: 0, domain.OutcomeFull: 0, domain.OutcomeQueueLeft: 0, domain.OutcomeClosed: 0,
	}}
	cfg := l.cfg().Observations
	for _, id := range placeIDs {
		obs, err := l.Store.RecentObservations(ctx, id, cfg.Window)
		if err != nil {
			l.Log.Warnf(ctx, "observation.AreaStats place=%s: %v", id, err)
			continue
		}
		for _, o := range obs {
			if !f.match(o) {
				continue
			}
			stats.TotalObservations++
			stats.ByOutcome[o.Outcome]++
			if o.Outcome == domain.OutcomeEntered {
				stats.Successes++
			}
		}
	}
	if stats.TotalObservations > 0 {
		stats.SuccessRate = float64(stats.Successes) / float64(stats.TotalObservations)
	}
	return stats
}
