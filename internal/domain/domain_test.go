package domain_test

import (
	"testing"
	"time"

	"detour/internal/domain"
)

func TestParseRejectsUnknownValues(t *testing.T) {
	if _, err := domain.ParseOutcome("maybe"); err == nil {
		t.Fatalf("expected outcome error")
	}
	if _, err := domain.ParseAvailabilityStatus("open"); err == nil {
		t.Fatalf("expected status error")
	}
	if _, err := domain.ParseSignalType(""); err == nil {
		t.Fatalf("expected signal type error")
	}
	if _, err := domain.ParseMethod("drive"); err == nil {
		t.Fatalf("expected method error")
	}
	if _, err := domain.ParseSessionState("done"); err == nil {
		t.Fatalf("expected state error")
	}
	if _, err := domain.ParsePaymentStatus("paid"); err == nil {
		t.Fatalf("expected payment status error")
	}
	if o, err := domain.ParseOutcome("queue_left"); err != nil || o != domain.OutcomeQueueLeft {
		t.Fatalf("parse queue_left: %v %v", o, err)
	}
}

func TestTerminalStates(t *testing.T) {
	terminal := map[domain.SessionState]bool{
		domain.StateProposed:   false,
		domain.StateSelected:   false,
		domain.StateNavigating: false,
		domain.StateArrived:    false,
		domain.StateFail:       false,
		domain.StateSuccess:    true,
		domain.StateRescue:     true,
		domain.StateAbandoned:  true,
	}
	for s, want := range terminal {
		if s.IsTerminal() != want {
			t.Fatalf("%s terminal = %v, want %v", s, s.IsTerminal(), want)
		}
	}
}

func TestTicketUsable(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tk := domain.Ticket{Remaining: 1, ExpiresAt: now.Add(time.Hour)}
	if !tk.Usable(now) {
		t.Fatalf("expected usable")
	}
	tk.Remaining = 0
	if tk.Usable(now) {
		t.Fatalf("exhausted ticket usable")
	}
	tk.Remaining = 1
	tk.ExpiresAt = now
	if tk.Usable(now) {
		t.Fatalf("expired ticket usable")
	}
}
