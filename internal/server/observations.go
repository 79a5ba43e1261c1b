package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"detour/internal/domain"
	"detour/internal/observation"
)

// statsQuery holds optional filters; -1 means unset.
type statsQuery struct {
	Dow     int
	HourMin int
	HourMax int
}

func (q statsQuery) filter() observation.Filter {
	return observation.Filter{
		Dow:     optionalQueryInt(q.Dow),
		HourMin: optionalQueryInt(q.HourMin),
		HourMax: optionalQueryInt(q.HourMax),
	}
}

func (h handlers) registerObservations(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "record-observation",
		Method:      http.MethodPost,
		Path:        "/observations",
		Summary:     "Record the outcome of a visit attempt",
		Description: "A store failure queues the observation for a later sync instead of failing the request.",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body RecordObservationRequest
	}) (*response[observation.Receipt], error) {
		caller, serr := callerFromContext(ctx)
		if serr != nil {
			return nil, serr
		}
		b := input.Body
		in := observation.Input{
			PlaceID:     strings.TrimSpace(b.PlaceID),
			UserID:      caller.UserID,
			Outcome:     domain.Outcome(b.Outcome),
			PartySize:   b.PartySize,
			Method:      domain.Method(b.Method),
			Weather:     b.Weather,
			LeadTimeMin: b.LeadTimeMin,
		}
		if b.LinkedSessionID != "" {
			linked := b.LinkedSessionID
			in.LinkedSessionID = &linked
		}
		receipt, err := h.e.Ledger.Record(ctx, in)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(receipt), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sync-observations",
		Method:      http.MethodPost,
		Path:        "/observations/sync",
		Summary:     "Retry observations queued after store failures",
	}, func(ctx context.Context, _ *struct{}) (*response[observation.SyncResult], error) {
		if _, err := requireOperator(ctx); err != nil {
			return nil, err
		}
		return reply(h.e.Ledger.Sync(ctx)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "place-success-rate",
		Method:      http.MethodGet,
		Path:        "/places/{place_id}/success-rate",
		Summary:     "Entry success rate for a place",
	}, func(ctx context.Context, input *struct {
		PlaceID string `path:"place_id"`
		Dow     int    `query:"dow" default:"-1" minimum:"-1" maximum:"6"`
		HourMin int    `query:"hour_min" default:"-1" minimum:"-1" maximum:"23"`
		HourMax int    `query:"hour_max" default:"-1" minimum:"-1" maximum:"23"`
	}) (*response[observation.SuccessRate], error) {
		q := statsQuery{Dow: input.Dow, HourMin: input.HourMin, HourMax: input.HourMax}
		return reply(h.e.Ledger.SuccessRate(ctx, input.PlaceID, q.filter())), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "place-hourly-rates",
		Method:      http.MethodGet,
		Path:        "/places/{place_id}/hourly",
		Summary:     "Success rate per hour of day",
	}, func(ctx context.Context, input *struct {
		PlaceID string `path:"place_id"`
		Dow     int    `query:"dow" default:"-1" minimum:"-1" maximum:"6"`
	}) (*response[HourlyRates], error) {
		hours := h.e.Ledger.HourlySuccessRates(ctx, input.PlaceID, optionalQueryInt(input.Dow))
		return reply(HourlyRates{PlaceID: input.PlaceID, Hours: hours[:]}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "place-dow-rates",
		Method:      http.MethodGet,
		Path:        "/places/{place_id}/dow",
		Summary:     "Success rate per weekday, Sunday first",
	}, func(ctx context.Context, input *struct {
		PlaceID string `path:"place_id"`
	}) (*response[DowRates], error) {
		days := h.e.Ledger.DowSuccessRates(ctx, input.PlaceID)
		return reply(DowRates{PlaceID: input.PlaceID, Days: days[:]}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "place-best-time",
		Method:      http.MethodGet,
		Path:        "/places/{place_id}/best-time",
		Summary:     "Hour with the best entry rate",
	}, func(ctx context.Context, input *struct {
		PlaceID string `path:"place_id"`
		Dow     int    `query:"dow" default:"-1" minimum:"-1" maximum:"6"`
	}) (*response[observation.BestTime], error) {
		return reply(h.e.Ledger.BestTimeToVisit(ctx, input.PlaceID, optionalQueryInt(input.Dow))), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "area-stats",
		Method:      http.MethodGet,
		Path:        "/areas/{area_id}/stats",
		Summary:     "Observation totals across the venues of an area",
	}, func(ctx context.Context, input *struct {
		AreaID  string `path:"area_id"`
		Dow     int    `query:"dow" default:"-1" minimum:"-1" maximum:"6"`
		HourMin int    `query:"hour_min" default:"-1" minimum:"-1" maximum:"23"`
		HourMax int    `query:"hour_max" default:"-1" minimum:"-1" maximum:"23"`
	}) (*response[observation.AreaStats], error) {
		q := statsQuery{Dow: input.Dow, HourMin: input.HourMin, HourMax: input.HourMax}
		ids, err := h.areaPlaceIDs(ctx, input.AreaID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(h.e.Ledger.AreaStats(ctx, ids, q.filter())), nil
	})
}
