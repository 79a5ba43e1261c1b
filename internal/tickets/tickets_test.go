package tickets_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"detour/internal/config"
	"detour/internal/db"
	"detour/internal/domain"
	"detour/internal/migrate"
	"detour/internal/tickets"
)

var t0 = time.Date(2024, 1, 5, 18, 7, 0, 0, time.UTC)

func newLedger(t *testing.T) (tickets.Ledger, *time.Time) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := t0
	l := tickets.New(conn, config.Default(), nil)
	l.Now = func() time.Time { return now }
	return l, &now
}

func TestPurchaseIssuesTicketAndSettlesPayment(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	p, err := l.Purchase(ctx, "anon_1", "rescue_3", tickets.PurchaseOptions{Provider: "stripe", ExternalID: "ch_1"})
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if p.Payment.Status != domain.PaymentSucceeded || p.Payment.Amount != 500 || p.Payment.Currency != "JPY" {
		t.Fatalf("unexpected payment %+v", p.Payment)
	}
	if p.Ticket.Remaining != 3 || p.Ticket.PaymentID != p.Payment.ID {
		t.Fatalf("unexpected ticket %+v", p.Ticket)
	}
	if want := t0.AddDate(0, 0, 60); !p.Ticket.ExpiresAt.Equal(want) {
		t.Fatalf("expires at %s, want %s", p.Ticket.ExpiresAt, want)
	}
	credits, err := l.RemainingCredits(ctx, "anon_1")
	if err != nil || credits != 3 {
		t.Fatalf("credits = %d, %v", credits, err)
	}
	spend, err := l.TotalSpend(ctx, "anon_1")
	if err != nil || spend != 500 {
		t.Fatalf("spend = %d, %v", spend, err)
	}
	history, err := l.PurchaseHistory(ctx, "anon_1", 10)
	if err != nil || len(history) != 1 || history[0].ExternalID != "ch_1" {
		t.Fatalf("history = %+v, %v", history, err)
	}
	if _, err := l.Purchase(ctx, "anon_1", "gold", tickets.PurchaseOptions{}); !errors.Is(err, tickets.ErrUnknownTicketType) {
		t.Fatalf("expected unknown ticket type, got %v", err)
	}
}

func TestSelectForUsePrefersSoonestExpiry(t *testing.T) {
	l, now := newLedger(t)
	ctx := context.Background()
	if _, err := l.SelectForUse(ctx, "anon_1"); !errors.Is(err, tickets.ErrNoValidTicket) {
		t.Fatalf("expected no valid ticket, got %v", err)
	}
	long, err := l.Purchase(ctx, "anon_1", "rescue_3", tickets.PurchaseOptions{})
	if err != nil {
		t.Fatal(err)
	}
	*now = t0.Add(time.Hour)
	short, err := l.Purchase(ctx, "anon_1", "rescue_1", tickets.PurchaseOptions{})
	if err != nil {
		t.Fatal(err)
	}
	got, err := l.SelectForUse(ctx, "anon_1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != short.Ticket.ID {
		t.Fatalf("selected %s, want soonest-expiring %s (other %s)", got.ID, short.Ticket.ID, long.Ticket.ID)
	}
}

func TestConsumeNeverGoesNegative(t *testing.T) {
	l, now := newLedger(t)
	ctx := context.Background()
	p, err := l.Purchase(ctx, "anon_1", "rescue_1", tickets.PurchaseOptions{})
	if err != nil {
		t.Fatal(err)
	}
	tk, err := l.Consume(ctx, p.Ticket.ID, "", "anon_1")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if tk.Remaining != 0 || tk.LastUsedAt == nil {
		t.Fatalf("unexpected ticket %+v", tk)
	}
	if _, err := l.Consume(ctx, p.Ticket.ID, "", "anon_1"); !errors.Is(err, tickets.ErrTicketExhausted) {
		t.Fatalf("expected exhausted, got %v", err)
	}
	if _, err := l.Consume(ctx, "tkt_missing", "", "anon_1"); !errors.Is(err, tickets.ErrTicketNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	fresh, err := l.Purchase(ctx, "anon_1", "rescue_1", tickets.PurchaseOptions{})
	if err != nil {
		t.Fatal(err)
	}
	*now = t0.AddDate(0, 0, 31)
	if _, err := l.Consume(ctx, fresh.Ticket.ID, "", "anon_1"); !errors.Is(err, tickets.ErrTicketExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
	if credits, _ := l.RemainingCredits(ctx, "anon_1"); credits != 0 {
		t.Fatalf("expected no credits after expiry, got %d", credits)
	}
}

func TestConcurrentConsumeSpendsOneCreditOnce(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	p, err := l.Purchase(ctx, "anon_1", "rescue_1", tickets.PurchaseOptions{})
	if err != nil {
		t.Fatal(err)
	}
	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		exhausted int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Consume(ctx, p.Ticket.ID, "", "anon_1")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, tickets.ErrTicketExhausted):
				exhausted++
			default:
				t.Errorf("unexpected consume error: %v", err)
			}
		}()
	}
	wg.Wait()
	if successes != 1 || exhausted != workers-1 {
		t.Fatalf("successes=%d exhausted=%d", successes, exhausted)
	}
	owned, err := l.Tickets(ctx, "anon_1")
	if err != nil || len(owned) != 1 || owned[0].Remaining != 0 {
		t.Fatalf("tickets = %+v, %v", owned, err)
	}
}

func TestPaymentTransitions(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	p, err := l.Purchase(ctx, "anon_1", "monthly_5", tickets.PurchaseOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.SetPaymentStatus(ctx, p.Payment.ID, domain.PaymentPending, ""); !errors.Is(err, tickets.ErrInvalidPaymentTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	refunded, err := l.SetPaymentStatus(ctx, p.Payment.ID, domain.PaymentRefunded, "ops")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refunded.Status != domain.PaymentRefunded {
		t.Fatalf("unexpected status %s", refunded.Status)
	}
	if _, err := l.SetPaymentStatus(ctx, p.Payment.ID, domain.PaymentSucceeded, "ops"); !errors.Is(err, tickets.ErrInvalidPaymentTransition) {
		t.Fatalf("expected refunded to be final, got %v", err)
	}
	if spend, _ := l.TotalSpend(ctx, "anon_1"); spend != 0 {
		t.Fatalf("refunded payment should not count, got %d", spend)
	}
	evts, err := l.Events.ForEntity(ctx, "payment", p.Payment.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 3 || evts[2].Type != "payment.updated" || evts[2].ActorID != "ops" {
		t.Fatalf("unexpected payment events %+v", evts)
	}
}
