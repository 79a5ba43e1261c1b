package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"detour/internal/domain"
	"detour/internal/engine"
)

type sessionPath struct {
	SessionID string `path:"session_id"`
}

func (h handlers) registerSessions(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "start-session",
		Method:      http.MethodPost,
		Path:        "/sessions",
		Summary:     "Start a session with ranked proposals",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body StartSessionRequest
	}) (*response[domain.Session], error) {
		caller, serr := callerFromContext(ctx)
		if serr != nil {
			return nil, serr
		}
		s, err := h.e.Start(ctx, caller, engine.StartOptions{
			AreaID:          input.Body.AreaID,
			Intent:          input.Body.Intent,
			Constraints:     input.Body.Constraints.domain(),
			ParentSessionID: input.Body.ParentSessionID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List the caller's sessions, newest first",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit"`
	}) (*response[SessionList], error) {
		caller, serr := callerFromContext(ctx)
		if serr != nil {
			return nil, serr
		}
		items, err := h.e.ListUserSessions(ctx, caller, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Session{}
		}
		return reply(SessionList{Items: items}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "current-session",
		Method:      http.MethodGet,
		Path:        "/sessions/current",
		Summary:     "Resolve the caller's active session",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*response[domain.Session], error) {
		caller, serr := callerFromContext(ctx)
		if serr != nil {
			return nil, serr
		}
		s, err := h.e.CurrentSession(ctx, caller)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "session-stats",
		Method:      http.MethodGet,
		Path:        "/sessions/stats",
		Summary:     "Success rate over the caller's finished sessions",
	}, func(ctx context.Context, _ *struct{}) (*response[engine.UserSuccessRate], error) {
		caller, serr := callerFromContext(ctx)
		if serr != nil {
			return nil, serr
		}
		rate, err := h.e.UserSuccessRate(ctx, caller)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(rate), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}",
		Summary:     "Get a session",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *sessionPath) (*response[domain.Session], error) {
		caller, serr := callerFromContext(ctx)
		if serr != nil {
			return nil, serr
		}
		s, err := h.e.Get(ctx, caller, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "select-place",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/select",
		Summary:     "Select one of the session's proposals",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
		Body SelectPlaceRequest
	}) (*response[domain.Session], error) {
		caller, serr := callerFromContext(ctx)
		if serr != nil {
			return nil, serr
		}
		s, err := h.e.Select(ctx, caller, input.SessionID, input.Body.PlaceID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/advance",
		Summary:     "Mark the session as navigating or arrived",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
		Body AdvanceSessionRequest
	}) (*response[domain.Session], error) {
		caller, serr := callerFromContext(ctx)
		if serr != nil {
			return nil, serr
		}
		next, err := domain.ParseSessionState(input.Body.State)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		s, err := h.e.Advance(ctx, caller, input.SessionID, next)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/complete",
		Summary:     "Record whether the visit got in",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
		Body CompleteSessionRequest
	}) (*response[domain.Session], error) {
		caller, serr := callerFromContext(ctx)
		if serr != nil {
			return nil, serr
		}
		s, err := h.e.Complete(ctx, caller, input.SessionID, engine.CompleteOptions{
			Success:    input.Body.Success,
			FailReason: domain.Outcome(input.Body.FailReason),
			Feedback:   input.Body.Feedback,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rescue-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/rescue",
		Summary:     "Spend a ticket credit to start a fresh child session",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusPaymentRequired},
	}, func(ctx context.Context, input *sessionPath) (*response[domain.Session], error) {
		caller, serr := callerFromContext(ctx)
		if serr != nil {
			return nil, serr
		}
		s, err := h.e.Rescue(ctx, caller, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "abandon-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/abandon",
		Summary:     "Abandon a session",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *sessionPath) (*response[domain.Session], error) {
		caller, serr := callerFromContext(ctx)
		if serr != nil {
			return nil, serr
		}
		s, err := h.e.Abandon(ctx, caller, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(s), nil
	})
}
