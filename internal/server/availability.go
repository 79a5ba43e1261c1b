package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"detour/internal/availability"
	"detour/internal/domain"
)

func (h handlers) registerSignals(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "record-signal",
		Method:      http.MethodPost,
		Path:        "/signals",
		Summary:     "Record a raw availability signal",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body RecordSignalRequest
	}) (*response[domain.AvailabilitySnapshot], error) {
		if _, err := requireOperator(ctx); err != nil {
			return nil, err
		}
		b := input.Body
		snap, err := h.e.Snapshots.RecordSignal(ctx, availability.Signal{
			PlaceID:         strings.TrimSpace(b.PlaceID),
			Status:          domain.AvailabilityStatus(b.Status),
			Score:           b.Score,
			Confidence:      b.Confidence,
			SignalType:      domain.SignalType(b.SignalType),
			SignalSource:    b.SignalSource,
			TTLMinutes:      b.TTLMinutes,
			WaitMinEstimate: b.WaitMinEstimate,
			Note:            b.Note,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(snap), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "report-manual",
		Method:      http.MethodPost,
		Path:        "/signals/manual",
		Summary:     "Record an operator's phone check or walk-by",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body ManualReportRequest
	}) (*response[domain.AvailabilitySnapshot], error) {
		p, serr := requireOperator(ctx)
		if serr != nil {
			return nil, serr
		}
		status, err := domain.ParseAvailabilityStatus(input.Body.Status)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		source := input.Body.Source
		if source == "" {
			source = p.UserID
		}
		snap, err := h.e.Snapshots.ReportManual(ctx, strings.TrimSpace(input.Body.PlaceID), status, source, input.Body.Note)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(snap), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "report-user",
		Method:      http.MethodPost,
		Path:        "/signals/user",
		Summary:     "Report whether the caller just got in somewhere",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body UserReportRequest
	}) (*response[domain.AvailabilitySnapshot], error) {
		if _, serr := callerFromContext(ctx); serr != nil {
			return nil, serr
		}
		snap, err := h.e.Snapshots.ReportUser(ctx, strings.TrimSpace(input.Body.PlaceID), input.Body.Entered, input.Body.WaitMin)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(snap), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "report-provider",
		Method:      http.MethodPost,
		Path:        "/signals/provider",
		Summary:     "Record one provider feed reading",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body availability.ProviderReading
	}) (*response[domain.AvailabilitySnapshot], error) {
		if _, err := requireOperator(ctx); err != nil {
			return nil, err
		}
		snap, err := h.e.Snapshots.ReportProvider(ctx, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(snap), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-availability",
		Method:      http.MethodGet,
		Path:        "/availability/{place_id}",
		Summary:     "Latest valid snapshot for a place, or an unknown fallback",
	}, func(ctx context.Context, input *struct {
		PlaceID string `path:"place_id"`
	}) (*response[domain.AvailabilitySnapshot], error) {
		return reply(h.e.Snapshots.GetLatest(ctx, input.PlaceID)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "batch-availability",
		Method:      http.MethodPost,
		Path:        "/availability/batch",
		Summary:     "Latest snapshots for several places",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body PlaceIDsRequest
	}) (*response[SnapshotBatch], error) {
		return reply(SnapshotBatch{Items: h.e.Snapshots.GetBatch(ctx, input.Body.PlaceIDs)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "area-availability",
		Method:      http.MethodGet,
		Path:        "/areas/{area_id}/availability",
		Summary:     "Status counts across the venues of an area",
	}, func(ctx context.Context, input *struct {
		AreaID string `path:"area_id"`
	}) (*response[availability.AreaSummary], error) {
		ids, err := h.areaPlaceIDs(ctx, input.AreaID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(h.e.Snapshots.Summarize(ctx, ids)), nil
	})
}

func (h handlers) areaPlaceIDs(ctx context.Context, areaID string) ([]string, error) {
	venues, err := h.e.Repo.ListVenues(ctx, areaID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(venues))
	for _, v := range venues {
		ids = append(ids, v.PlaceID)
	}
	return ids, nil
}
