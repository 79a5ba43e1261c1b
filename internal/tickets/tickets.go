// Package tickets sells and spends rescue credits. A credit is only ever
// taken with a conditional update so that concurrent spends cannot drive a
// ticket below zero.
package tickets

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"detour/internal/config"
	"detour/internal/domain"
	"detour/internal/events"
	"detour/internal/logger"
	"detour/internal/repo"
)

var (
	ErrNoValidTicket            = errors.New("no valid ticket")
	ErrTicketExhausted          = errors.New("ticket has no remaining credits")
	ErrTicketExpired            = errors.New("ticket expired")
	ErrTicketNotFound           = errors.New("ticket not found")
	ErrUnknownTicketType        = errors.New("unknown ticket type")
	ErrInvalidPaymentTransition = errors.New("invalid payment transition")
)

type Ledger struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Log    logger.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, l logger.Logger) Ledger {
	if l == nil {
		l = logger.NewNop()
	}
	return Ledger{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Log:    l,
		Now:    time.Now,
	}
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l Ledger) cfg() *config.Config {
	if l.Config == nil {
		return config.Default()
	}
	return l.Config
}

func (l Ledger) events() events.Writer {
	w := l.Events
	w.Now = l.now
	return w
}

// Catalog lists the purchasable ticket types, cheapest first.
func (l Ledger) Catalog() []domain.TicketType {
	return l.cfg().TicketTypes()
}

type PurchaseOptions struct {
	Provider   string
	ExternalID string
}

type Purchase struct {
	Payment domain.Payment `json:"payment"`
	Ticket  domain.Ticket  `json:"ticket"`
}

// Purchase records a payment for typeID and issues the ticket it pays for.
// The payment is created pending and settled once the ticket exists; when
// issuing fails the payment is marked failed instead.
func (l Ledger) Purchase(ctx context.Context, userID, typeID string, opts PurchaseOptions) (Purchase, error) {
	if userID == "" {
		return Purchase{}, errors.New("user id is required")
	}
	tt, ok := l.cfg().TicketType(typeID)
	if !ok {
		return Purchase{}, fmt.Errorf("%w: %s", ErrUnknownTicketType, typeID)
	}
	if opts.Provider == "" {
		opts.Provider = "internal"
	}
	now := l.now()
	p := domain.Payment{
		ID:         domain.NewID("pay_"),
		UserID:     userID,
		TicketType: tt.ID,
		Provider:   opts.Provider,
		Amount:     tt.Price,
		Currency:   tt.Currency,
		Status:     domain.PaymentPending,
		ExternalID: opts.ExternalID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := l.insertPayment(ctx, p); err != nil {
		return Purchase{}, err
	}
	t, err := l.Issue(ctx, userID, tt.ID, p.ID)
	if err != nil {
		l.Log.Errorf(ctx, "tickets.Purchase payment=%s issue failed: %v", p.ID, err)
		if _, uerr := l.SetPaymentStatus(ctx, p.ID, domain.PaymentFailed, userID); uerr != nil {
			l.Log.Errorf(ctx, "tickets.Purchase payment=%s mark failed: %v", p.ID, uerr)
		}
		return Purchase{}, err
	}
	p, err = l.SetPaymentStatus(ctx, p.ID, domain.PaymentSucceeded, userID)
	if err != nil {
		return Purchase{}, err
	}
	return Purchase{Payment: p, Ticket: t}, nil
}

func (l Ledger) insertPayment(ctx context.Context, p domain.Payment) error {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := l.Repo.InsertPayment(ctx, tx, p); err != nil {
		return err
	}
	if err := l.events().Append(ctx, tx, "payment.created", "payment", p.ID, p.UserID, events.EventPayload{
		"ticket_type": p.TicketType, "amount": p.Amount, "currency": p.Currency, "provider": p.Provider,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// Issue creates a ticket of typeID for userID funded by paymentID.
func (l Ledger) Issue(ctx context.Context, userID, typeID, paymentID string) (domain.Ticket, error) {
	tt, ok := l.cfg().TicketType(typeID)
	if !ok {
		return domain.Ticket{}, fmt.Errorf("%w: %s", ErrUnknownTicketType, typeID)
	}
	now := l.now()
	t := domain.Ticket{
		ID:        domain.NewID("tkt_"),
		UserID:    userID,
		Type:      tt.ID,
		Remaining: tt.Count,
		ExpiresAt: now.AddDate(0, 0, tt.ValidDays),
		CreatedAt: now,
		PaymentID: paymentID,
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Ticket{}, err
	}
	defer tx.Rollback()
	if err := l.Repo.InsertTicket(ctx, tx, t); err != nil {
		return domain.Ticket{}, err
	}
	if err := l.events().Append(ctx, tx, "ticket.issued", "ticket", t.ID, userID, events.EventPayload{
		"type": t.Type, "remaining": t.Remaining, "payment_id": paymentID,
	}); err != nil {
		return domain.Ticket{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Ticket{}, err
	}
	return t, nil
}

func ensurePaymentTransition(from, to domain.PaymentStatus) error {
	allowed := map[domain.PaymentStatus][]domain.PaymentStatus{
		domain.PaymentPending:   {domain.PaymentSucceeded, domain.PaymentFailed},
		domain.PaymentSucceeded: {domain.PaymentRefunded},
	}
	for _, next := range allowed[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w %s -> %s", ErrInvalidPaymentTransition, from, to)
}

// SetPaymentStatus applies one status change to a payment. actorID is
// recorded on the audit event.
func (l Ledger) SetPaymentStatus(ctx context.Context, paymentID string, status domain.PaymentStatus, actorID string) (domain.Payment, error) {
	if _, err := domain.ParsePaymentStatus(string(status)); err != nil {
		return domain.Payment{}, err
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Payment{}, err
	}
	defer tx.Rollback()
	p, err := l.Repo.GetPayment(ctx, tx, paymentID)
	if err != nil {
		return domain.Payment{}, err
	}
	if err := ensurePaymentTransition(p.Status, status); err != nil {
		return domain.Payment{}, err
	}
	now := l.now()
	ok, err := l.Repo.UpdatePaymentStatus(ctx, tx, paymentID, p.Status, status, now)
	if err != nil {
		return domain.Payment{}, err
	}
	if !ok {
		return domain.Payment{}, fmt.Errorf("%w: payment %s changed concurrently", ErrInvalidPaymentTransition, paymentID)
	}
	if actorID == "" {
		actorID = p.UserID
	}
	if err := l.events().Append(ctx, tx, "payment.updated", "payment", p.ID, actorID, events.EventPayload{
		"from": p.Status, "to": status,
	}); err != nil {
		return domain.Payment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Payment{}, err
	}
	p.Status = status
	p.UpdatedAt = now
	return p, nil
}

// ValidTickets lists a user's tickets that can still be spent, soonest
// expiry first.
func (l Ledger) ValidTickets(ctx context.Context, userID string) ([]domain.Ticket, error) {
	return l.Repo.UsableTickets(ctx, nil, userID, l.now())
}

// RemainingCredits sums the credits left on a user's valid tickets.
func (l Ledger) RemainingCredits(ctx context.Context, userID string) (int, error) {
	ts, err := l.ValidTickets(ctx, userID)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, t := range ts {
		total += t.Remaining
	}
	return total, nil
}

// SelectForUse returns the valid ticket that expires first.
func (l Ledger) SelectForUse(ctx context.Context, userID string) (domain.Ticket, error) {
	ts, err := l.ValidTickets(ctx, userID)
	if err != nil {
		return domain.Ticket{}, err
	}
	if len(ts) == 0 {
		return domain.Ticket{}, ErrNoValidTicket
	}
	return ts[0], nil
}

// Consume spends one credit of ticketID on behalf of sessionID.
func (l Ledger) Consume(ctx context.Context, ticketID, sessionID, actorID string) (domain.Ticket, error) {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Ticket{}, err
	}
	defer tx.Rollback()
	t, err := l.ConsumeTx(ctx, tx, ticketID, sessionID, actorID)
	if err != nil {
		return domain.Ticket{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Ticket{}, err
	}
	return t, nil
}

// ConsumeTx is Consume inside a caller-owned transaction. When no credit
// could be taken the ticket is re-read to report why.
func (l Ledger) ConsumeTx(ctx context.Context, tx *sql.Tx, ticketID, sessionID, actorID string) (domain.Ticket, error) {
	now := l.now()
	ok, err := l.Repo.ConsumeTicket(ctx, tx, ticketID, sessionID, now)
	if err != nil {
		return domain.Ticket{}, err
	}
	t, err := l.Repo.GetTicket(ctx, tx, ticketID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Ticket{}, ErrTicketNotFound
		}
		return domain.Ticket{}, err
	}
	if !ok {
		if !t.ExpiresAt.After(now) {
			return domain.Ticket{}, ErrTicketExpired
		}
		return domain.Ticket{}, ErrTicketExhausted
	}
	if actorID == "" {
		actorID = t.UserID
	}
	if err := l.events().Append(ctx, tx, "ticket.consumed", "ticket", t.ID, actorID, events.EventPayload{
		"session_id": sessionID, "remaining": t.Remaining,
	}); err != nil {
		return domain.Ticket{}, err
	}
	return t, nil
}

func (l Ledger) Tickets(ctx context.Context, userID string) ([]domain.Ticket, error) {
	return l.Repo.ListTickets(ctx, userID)
}

func (l Ledger) PurchaseHistory(ctx context.Context, userID string, limit int) ([]domain.Payment, error) {
	return l.Repo.ListPayments(ctx, repo.PaymentFilters{UserID: userID, Limit: limit})
}

// TotalSpend sums a user's settled payments.
func (l Ledger) TotalSpend(ctx context.Context, userID string) (int, error) {
	return l.Repo.SumPayments(ctx, userID, domain.PaymentSucceeded)
}
