package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"detour/internal/domain"
	"detour/internal/tickets"
)

func (h handlers) registerTickets(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "ticket-catalog",
		Method:      http.MethodGet,
		Path:        "/tickets/catalog",
		Summary:     "List purchasable ticket types",
	}, func(ctx context.Context, _ *struct{}) (*response[CatalogResponse], error) {
		return reply(CatalogResponse{Items: h.e.Tickets.Catalog()}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "purchase-ticket",
		Method:      http.MethodPost,
		Path:        "/tickets/purchase",
		Summary:     "Buy a rescue ticket",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body PurchaseTicketRequest
	}) (*response[tickets.Purchase], error) {
		caller, serr := callerFromContext(ctx)
		if serr != nil {
			return nil, serr
		}
		p, err := h.e.Tickets.Purchase(ctx, caller.UserID, input.Body.TicketType, tickets.PurchaseOptions{
			Provider:   input.Body.Provider,
			ExternalID: input.Body.ExternalID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tickets",
		Method:      http.MethodGet,
		Path:        "/tickets",
		Summary:     "List the caller's tickets",
	}, func(ctx context.Context, input *struct {
		Usable bool `query:"usable"`
	}) (*response[TicketList], error) {
		caller, serr := callerFromContext(ctx)
		if serr != nil {
			return nil, serr
		}
		var (
			items []domain.Ticket
			err   error
		)
		if input.Usable {
			items, err = h.e.Tickets.ValidTickets(ctx, caller.UserID)
		} else {
			items, err = h.e.Tickets.Tickets(ctx, caller.UserID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Ticket{}
		}
		return reply(TicketList{Items: items}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ticket-credits",
		Method:      http.MethodGet,
		Path:        "/tickets/credits",
		Summary:     "Remaining rescue credits and total spend",
	}, func(ctx context.Context, _ *struct{}) (*response[CreditsResponse], error) {
		caller, serr := callerFromContext(ctx)
		if serr != nil {
			return nil, serr
		}
		remaining, err := h.e.Tickets.RemainingCredits(ctx, caller.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		spend, err := h.e.Tickets.TotalSpend(ctx, caller.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(CreditsResponse{UserID: caller.UserID, Remaining: remaining, TotalSpend: spend}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-payments",
		Method:      http.MethodGet,
		Path:        "/payments",
		Summary:     "The caller's purchase history, newest first",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit"`
	}) (*response[PaymentList], error) {
		caller, serr := callerFromContext(ctx)
		if serr != nil {
			return nil, serr
		}
		items, err := h.e.Tickets.PurchaseHistory(ctx, caller.UserID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Payment{}
		}
		return reply(PaymentList{Items: items}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-payment-status",
		Method:      http.MethodPost,
		Path:        "/payments/{payment_id}/status",
		Summary:     "Move a payment to a new status",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		PaymentID string `path:"payment_id"`
		Body      PaymentStatusRequest
	}) (*response[domain.Payment], error) {
		p, serr := requireOperator(ctx)
		if serr != nil {
			return nil, serr
		}
		status, err := domain.ParsePaymentStatus(input.Body.Status)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		payment, err := h.e.Tickets.SetPaymentStatus(ctx, input.PaymentID, status, p.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(payment), nil
	})
}
