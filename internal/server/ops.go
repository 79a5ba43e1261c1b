package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"detour/internal/domain"
)

func (h handlers) registerOps(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "cleanup-snapshots",
		Method:      http.MethodPost,
		Path:        "/maintenance/cleanup",
		Summary:     "Delete expired availability snapshots",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*response[CleanupResponse], error) {
		if _, err := requireOperator(ctx); err != nil {
			return nil, err
		}
		n, err := h.e.Snapshots.CleanupExpired(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		h.log.Infof(ctx, "maintenance cleanup deleted=%d", n)
		return reply(CleanupResponse{Deleted: n}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Read the event log after a cursor",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		After      string `query:"after"`
		Limit      int    `query:"limit"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*response[paginatedEvents], error) {
		if _, err := requireOperator(ctx); err != nil {
			return nil, err
		}
		var (
			evts []domain.Event
			err  error
		)
		limit := normalizeLimit(input.Limit)
		if input.EntityKind != "" && input.EntityID != "" {
			evts, err = h.e.Events.ForEntity(ctx, input.EntityKind, input.EntityID)
		} else {
			var after int64
			if input.After != "" {
				after, err = strconv.ParseInt(input.After, 10, 64)
				if err != nil || after < 0 {
					return nil, newAPIError(http.StatusBadRequest, "invalid_cursor", "invalid cursor", map[string]any{"after": input.After})
				}
			}
			evts, err = h.e.Events.After(ctx, after, limit)
		}
		if err != nil {
			return nil, handleError(err)
		}
		items := make([]EventResponse, 0, len(evts))
		for _, e := range evts {
			items = append(items, toEventResponse(e))
		}
		out := paginatedEvents{Items: items}
		if len(evts) == limit && input.EntityKind == "" {
			out.NextCursor = strconv.FormatInt(evts[len(evts)-1].ID, 10)
		}
		return reply(out), nil
	})
}

func toEventResponse(e domain.Event) EventResponse {
	payload := map[string]any{}
	if e.PayloadJSON != "" {
		_ = json.Unmarshal([]byte(e.PayloadJSON), &payload)
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}
