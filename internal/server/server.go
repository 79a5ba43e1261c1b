package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"detour/internal/domain"
	"detour/internal/engine"
	"detour/internal/logger"
	"detour/internal/repo"
	"detour/internal/tickets"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Log      logger.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid session transition proposed -> arrived"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}

// apiError models the error envelope every endpoint answers with.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type response[T any] struct {
	Body T `json:"body"`
}

func reply[T any](v T) *response[T] {
	return &response[T]{Body: v}
}

// New returns an HTTP handler exposing the detour API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	l := cfg.Log
	if l == nil {
		l = logger.NewNop()
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(l))
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Detour API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handlers{e: cfg.Engine, auth: cfg.Auth, log: l}
	registerHealth(group)
	h.registerDevice(group)
	h.registerVenues(group)
	h.registerSessions(group)
	h.registerSignals(group)
	h.registerObservations(group)
	h.registerTickets(group)
	h.registerOps(group)

	return router, nil
}

type handlers struct {
	e    engine.Engine
	auth AuthConfig
	log  logger.Logger
}

func (h handlers) now() time.Time {
	if h.e.Now != nil {
		return h.e.Now()
	}
	return time.Now()
}

func requestLogger(l logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			ctx := logger.WithFields(r.Context(), l, "req_id", middleware.GetReqID(r.Context()))
			next.ServeHTTP(ww, r.WithContext(ctx))
			l.Debugf(ctx, "http %s %s status=%d dur=%s", r.Method, r.URL.Path, ww.Status(), time.Since(start))
		})
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case errors.Is(err, engine.ErrSessionNotFound):
		return newAPIError(http.StatusNotFound, "session_not_found", msg, nil)
	case errors.Is(err, engine.ErrInvalidProposal):
		return newAPIError(http.StatusConflict, "invalid_proposal", msg, nil)
	case errors.Is(err, engine.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", msg, nil)
	case errors.Is(err, engine.ErrNoTicketAvailable):
		return newAPIError(http.StatusPaymentRequired, "no_ticket_available", msg, nil)
	case errors.Is(err, engine.ErrRescueLimit):
		return newAPIError(http.StatusConflict, "rescue_limit", msg, nil)
	case errors.Is(err, tickets.ErrNoValidTicket):
		return newAPIError(http.StatusPaymentRequired, "no_valid_ticket", msg, nil)
	case errors.Is(err, tickets.ErrTicketExhausted):
		return newAPIError(http.StatusConflict, "ticket_exhausted", msg, nil)
	case errors.Is(err, tickets.ErrTicketExpired):
		return newAPIError(http.StatusConflict, "ticket_expired", msg, nil)
	case errors.Is(err, tickets.ErrTicketNotFound):
		return newAPIError(http.StatusNotFound, "ticket_not_found", msg, nil)
	case errors.Is(err, tickets.ErrUnknownTicketType):
		return newAPIError(http.StatusBadRequest, "unknown_ticket_type", msg, nil)
	case errors.Is(err, tickets.ErrInvalidPaymentTransition):
		return newAPIError(http.StatusConflict, "invalid_payment_transition", msg, nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case repo.IsStoreError(err):
		return newAPIError(http.StatusServiceUnavailable, "store_unavailable", "store unavailable", map[string]any{"error": msg})
	}
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "must"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*response[map[string]string], error) {
		return reply(map[string]string{"status": "ok"}), nil
	})
}

func (h handlers) registerDevice(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "issue-device-token",
		Method:      http.MethodPost,
		Path:        "/device/token",
		Summary:     "Issue a device token for a pseudonymous user",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DeviceTokenRequest
	}) (*response[DeviceTokenResponse], error) {
		userID := strings.TrimSpace(input.Body.UserID)
		if userID == "" {
			userID = domain.NewID("anon_")
		}
		token, expires, err := SignToken(h.auth, userID, strings.TrimSpace(input.Body.SessionID), RoleDevice)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return reply(DeviceTokenResponse{Token: token, UserID: userID, ExpiresAt: expires}), nil
	})
}

func (h handlers) registerVenues(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "upsert-venue",
		Method:      http.MethodPost,
		Path:        "/venues",
		Summary:     "Register or update a venue in the candidate catalog",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body UpsertVenueRequest
	}) (*response[domain.Venue], error) {
		if _, err := requireOperator(ctx); err != nil {
			return nil, err
		}
		v := domain.Venue{
			PlaceID:   strings.TrimSpace(input.Body.PlaceID),
			AreaID:    strings.TrimSpace(input.Body.AreaID),
			Name:      input.Body.Name,
			Category:  input.Body.Category,
			CreatedAt: h.now(),
		}
		if v.PlaceID == "" || v.AreaID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "place_id and area_id are required", nil)
		}
		if err := h.e.Repo.UpsertVenue(ctx, v); err != nil {
			return nil, handleError(err)
		}
		return reply(v), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-area-venues",
		Method:      http.MethodGet,
		Path:        "/areas/{area_id}/venues",
		Summary:     "List the venues of an area",
	}, func(ctx context.Context, input *struct {
		AreaID string `path:"area_id"`
	}) (*response[VenueList], error) {
		items, err := h.e.Repo.ListVenues(ctx, input.AreaID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Venue{}
		}
		return reply(VenueList{Items: items}), nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

// optionalQueryInt maps the -1 sentinel used by optional integer query
// parameters to nil.
func optionalQueryInt(v int) *int {
	if v < 0 {
		return nil
	}
	return &v
}
