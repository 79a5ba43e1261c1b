package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"detour/internal/config"
	"detour/internal/db"
	"detour/internal/domain"
	"detour/internal/engine"
	"detour/internal/migrate"
	"detour/internal/tickets"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Caller engine.Caller
	now    *time.Time
}

func (env testEnv) advanceClock(d time.Duration) {
	*env.now = env.now.Add(d)
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := time.Date(2024, 1, 5, 18, 7, 0, 0, time.UTC)
	eng := engine.New(conn, config.Default(), nil).WithClock(func() time.Time { return now })
	ctx := context.Background()
	for i, v := range []domain.Venue{
		{PlaceID: "cafe-1", AreaID: "shibuya", Name: "Cafe One", Category: "cafe"},
		{PlaceID: "cafe-2", AreaID: "shibuya", Name: "Cafe Two", Category: "cafe"},
		{PlaceID: "bar-1", AreaID: "shibuya", Name: "Bar One", Category: "bar"},
		{PlaceID: "ramen-1", AreaID: "shibuya", Name: "Ramen One", Category: "ramen"},
		{PlaceID: "far-1", AreaID: "ebisu", Name: "Elsewhere", Category: "cafe"},
	} {
		v.CreatedAt = now.Add(time.Duration(i) * time.Second)
		if err := eng.Repo.UpsertVenue(ctx, v); err != nil {
			t.Fatalf("seed venue: %v", err)
		}
	}
	return testEnv{Engine: eng, Ctx: ctx, Caller: engine.Caller{UserID: "anon_1"}, now: &now}
}

func (env testEnv) start(t *testing.T) domain.Session {
	t.Helper()
	s, err := env.Engine.Start(env.Ctx, env.Caller, engine.StartOptions{AreaID: "shibuya", Intent: "quick drink"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return s
}

func (env testEnv) failed(t *testing.T) domain.Session {
	t.Helper()
	s := env.start(t)
	if _, err := env.Engine.Select(env.Ctx, env.Caller, s.ID, s.Proposals[0].PlaceID); err != nil {
		t.Fatalf("select: %v", err)
	}
	s, err := env.Engine.Complete(env.Ctx, env.Caller, s.ID, engine.CompleteOptions{})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	return s
}

func TestStartProposesDiverseCandidates(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Snapshots.ReportManual(env.Ctx, "ramen-1", domain.StatusLikelyOpen, "", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Snapshots.ReportManual(env.Ctx, "cafe-2", domain.StatusLikelyOpen, "", ""); err != nil {
		t.Fatal(err)
	}
	s := env.start(t)
	if s.State != domain.StateProposed {
		t.Fatalf("expected proposed, got %s", s.State)
	}
	if s.Constraints.MaxWalkMin != 10 || s.Constraints.PartySize != 1 {
		t.Fatalf("expected constraint defaults, got %+v", s.Constraints)
	}
	got := []string{}
	for _, p := range s.Proposals {
		got = append(got, p.PlaceID)
	}
	want := []string{"cafe-2", "ramen-1", "bar-1"}
	if len(got) != len(want) {
		t.Fatalf("proposals = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] || s.Proposals[i].Rank != i+1 {
			t.Fatalf("proposals = %v, want %v", got, want)
		}
	}
	if s.Proposals[0].SnapshotRef == "" || s.Proposals[2].SnapshotRef != "" {
		t.Fatalf("unexpected snapshot refs %+v", s.Proposals)
	}
	stored, err := env.Engine.Get(env.Ctx, env.Caller, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored.Proposals) != 3 || stored.Proposals[0].Reason != s.Proposals[0].Reason {
		t.Fatalf("stored proposals differ: %+v", stored.Proposals)
	}
	cur, err := env.Engine.CurrentSession(env.Ctx, env.Caller)
	if err != nil || cur.ID != s.ID {
		t.Fatalf("current session = %v, %v", cur.ID, err)
	}
}

func TestSessionLifecycleScenarioC(t *testing.T) {
	env := newTestEnv(t)
	s := env.start(t)
	if _, err := env.Engine.Select(env.Ctx, env.Caller, s.ID, "far-1"); !errors.Is(err, engine.ErrInvalidProposal) {
		t.Fatalf("expected invalid proposal, got %v", err)
	}
	place := s.Proposals[1].PlaceID
	s, err := env.Engine.Select(env.Ctx, env.Caller, s.ID, place)
	if err != nil || s.State != domain.StateSelected {
		t.Fatalf("select: %v %s", err, s.State)
	}
	if _, err := env.Engine.Select(env.Ctx, env.Caller, s.ID, place); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected reselect to be rejected, got %v", err)
	}
	if _, err := env.Engine.Advance(env.Ctx, env.Caller, s.ID, domain.StateArrived); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected skip to be rejected, got %v", err)
	}
	if s, err = env.Engine.Advance(env.Ctx, env.Caller, s.ID, domain.StateNavigating); err != nil {
		t.Fatalf("navigate: %v", err)
	}
	if s, err = env.Engine.Advance(env.Ctx, env.Caller, s.ID, domain.StateArrived); err != nil {
		t.Fatalf("arrive: %v", err)
	}
	if _, err := env.Engine.Advance(env.Ctx, env.Caller, s.ID, domain.StateNavigating); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected backward move to be rejected, got %v", err)
	}
	env.advanceClock(12 * time.Minute)
	s, err = env.Engine.Complete(env.Ctx, env.Caller, s.ID, engine.CompleteOptions{FailReason: domain.OutcomeQueueLeft, Feedback: "line too long"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if s.State != domain.StateFail || s.Result == nil || s.Result.Outcome != domain.OutcomeQueueLeft || s.CompletedAt == nil {
		t.Fatalf("unexpected completed session %+v", s)
	}
	obs, err := env.Engine.Repo.ObservationsForSession(env.Ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(obs) != 1 {
		t.Fatalf("expected exactly one linked observation, got %d", len(obs))
	}
	o := obs[0]
	if o.PlaceID != place || o.Outcome != domain.OutcomeQueueLeft || o.Context.LinkedSessionID == nil || *o.Context.LinkedSessionID != s.ID {
		t.Fatalf("unexpected observation %+v", o)
	}
	if o.Context.LeadTimeMin == nil || *o.Context.LeadTimeMin != 12 {
		t.Fatalf("unexpected lead time %+v", o.Context.LeadTimeMin)
	}
	snap := env.Engine.Snapshots.GetLatest(env.Ctx, place)
	if snap.SignalType != domain.SignalUserReport || snap.Status != domain.StatusLikelyFull {
		t.Fatalf("expected user report snapshot, got %+v", snap)
	}
	if _, err := env.Engine.Complete(env.Ctx, env.Caller, s.ID, engine.CompleteOptions{Success: true}); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected completing twice to fail, got %v", err)
	}
}

func TestCompleteSuccessWritesNoObservation(t *testing.T) {
	env := newTestEnv(t)
	s := env.start(t)
	if _, err := env.Engine.Select(env.Ctx, env.Caller, s.ID, s.Proposals[0].PlaceID); err != nil {
		t.Fatal(err)
	}
	s, err := env.Engine.Complete(env.Ctx, env.Caller, s.ID, engine.CompleteOptions{Success: true, Feedback: "great"})
	if err != nil {
		t.Fatal(err)
	}
	if s.State != domain.StateSuccess || s.Result.Outcome != domain.OutcomeEntered {
		t.Fatalf("unexpected session %+v", s)
	}
	if obs, _ := env.Engine.Repo.ObservationsForSession(env.Ctx, s.ID); len(obs) != 0 {
		t.Fatalf("expected no observation for success, got %d", len(obs))
	}
	if _, err := env.Engine.CurrentSession(env.Ctx, env.Caller); !errors.Is(err, engine.ErrSessionNotFound) {
		t.Fatalf("expected pointer cleared after success, got %v", err)
	}
	if _, err := env.Engine.Abandon(env.Ctx, env.Caller, s.ID); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected terminal session to refuse abandon, got %v", err)
	}
	rate, err := env.Engine.UserSuccessRate(env.Ctx, env.Caller)
	if err != nil || rate.SampleSize != 1 || rate.Rate != 1 {
		t.Fatalf("user success rate = %+v, %v", rate, err)
	}
	if rate.ByState[domain.StateSuccess] != 1 {
		t.Fatalf("by state = %+v", rate.ByState)
	}
}

func TestCompleteRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)
	s := env.start(t)
	if _, err := env.Engine.Complete(env.Ctx, env.Caller, s.ID, engine.CompleteOptions{Success: true}); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected proposed session to refuse completion, got %v", err)
	}
	if _, err := env.Engine.Select(env.Ctx, env.Caller, s.ID, s.Proposals[0].PlaceID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Complete(env.Ctx, env.Caller, s.ID, engine.CompleteOptions{FailReason: domain.OutcomeEntered}); err == nil {
		t.Fatalf("expected fail reason validation")
	}
}

func TestRescueScenarioD(t *testing.T) {
	env := newTestEnv(t)
	purchase, err := env.Engine.Tickets.Purchase(env.Ctx, env.Caller.UserID, "rescue_1", tickets.PurchaseOptions{})
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	parent := env.failed(t)
	child, err := env.Engine.Rescue(env.Ctx, env.Caller, parent.ID)
	if err != nil {
		t.Fatalf("rescue: %v", err)
	}
	if child.ParentSessionID == nil || *child.ParentSessionID != parent.ID || child.RescueCount != 1 {
		t.Fatalf("unexpected child %+v", child)
	}
	if child.State != domain.StateProposed || child.AreaID != parent.AreaID || child.Intent != parent.Intent {
		t.Fatalf("child did not copy parent %+v", child)
	}
	if child.TicketUsed == nil || *child.TicketUsed != purchase.Ticket.ID {
		t.Fatalf("unexpected ticket used %v", child.TicketUsed)
	}
	tk, err := env.Engine.Repo.GetTicket(env.Ctx, nil, purchase.Ticket.ID)
	if err != nil {
		t.Fatal(err)
	}
	if tk.Remaining != 0 || tk.LastUsedSessionID == nil || *tk.LastUsedSessionID != child.ID {
		t.Fatalf("unexpected ticket %+v", tk)
	}
	stored, err := env.Engine.Get(env.Ctx, env.Caller, parent.ID)
	if err != nil || stored.State != domain.StateRescue {
		t.Fatalf("parent state = %s, %v", stored.State, err)
	}
	if _, err := env.Engine.Rescue(env.Ctx, env.Caller, parent.ID); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected rescued parent to be final, got %v", err)
	}

	second := env.failed(t)
	if _, err := env.Engine.Rescue(env.Ctx, env.Caller, second.ID); !errors.Is(err, engine.ErrNoTicketAvailable) {
		t.Fatalf("expected no ticket, got %v", err)
	}
	stored, err = env.Engine.Get(env.Ctx, env.Caller, second.ID)
	if err != nil || stored.State != domain.StateFail {
		t.Fatalf("would-be parent state = %s, %v", stored.State, err)
	}
	evts, err := env.Engine.Events.ForEntity(env.Ctx, "session", parent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if last := evts[len(evts)-1]; last.Type != "session.rescued" {
		t.Fatalf("expected rescue event last, got %s", last.Type)
	}
}

func TestRescueSkipsExpiredTicketsAndHonoursChainLimit(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Sessions.MaxRescueChain = 1
	if _, err := env.Engine.Tickets.Purchase(env.Ctx, env.Caller.UserID, "rescue_3", tickets.PurchaseOptions{}); err != nil {
		t.Fatal(err)
	}
	parent := env.failed(t)
	child, err := env.Engine.Rescue(env.Ctx, env.Caller, parent.ID)
	if err != nil {
		t.Fatalf("rescue: %v", err)
	}
	if _, err := env.Engine.Select(env.Ctx, env.Caller, child.ID, child.Proposals[0].PlaceID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Complete(env.Ctx, env.Caller, child.ID, engine.CompleteOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Rescue(env.Ctx, env.Caller, child.ID); !errors.Is(err, engine.ErrRescueLimit) {
		t.Fatalf("expected chain limit, got %v", err)
	}

	env.Engine.Config.Sessions.MaxRescueChain = 0
	env.advanceClock(61 * 24 * time.Hour)
	if _, err := env.Engine.Rescue(env.Ctx, env.Caller, child.ID); !errors.Is(err, engine.ErrNoTicketAvailable) {
		t.Fatalf("expected expired ticket to be unusable, got %v", err)
	}
}

func TestSessionsAreScopedToCaller(t *testing.T) {
	env := newTestEnv(t)
	s := env.start(t)
	other := engine.Caller{UserID: "anon_2"}
	if _, err := env.Engine.Get(env.Ctx, other, s.ID); !errors.Is(err, engine.ErrSessionNotFound) {
		t.Fatalf("expected foreign session hidden, got %v", err)
	}
	if _, err := env.Engine.Select(env.Ctx, other, s.ID, s.Proposals[0].PlaceID); !errors.Is(err, engine.ErrSessionNotFound) {
		t.Fatalf("expected foreign select rejected, got %v", err)
	}
	if _, err := env.Engine.Get(env.Ctx, env.Caller, "ses_missing"); !errors.Is(err, engine.ErrSessionNotFound) {
		t.Fatalf("expected missing session, got %v", err)
	}
	withHint := engine.Caller{UserID: "anon_1", CurrentSessionID: s.ID}
	if cur, err := env.Engine.CurrentSession(env.Ctx, withHint); err != nil || cur.ID != s.ID {
		t.Fatalf("current with hint = %v, %v", cur.ID, err)
	}
}

func TestAbandonFromFail(t *testing.T) {
	env := newTestEnv(t)
	s := env.failed(t)
	s, err := env.Engine.Abandon(env.Ctx, env.Caller, s.ID)
	if err != nil || s.State != domain.StateAbandoned {
		t.Fatalf("abandon: %v %s", err, s.State)
	}
	list, err := env.Engine.ListUserSessions(env.Ctx, env.Caller, 10)
	if err != nil || len(list) != 1 {
		t.Fatalf("list = %d, %v", len(list), err)
	}
	rate, _ := env.Engine.UserSuccessRate(env.Ctx, env.Caller)
	if rate.SampleSize != 0 || rate.Rate != 0.5 {
		t.Fatalf("abandoned sessions should not count, got %+v", rate)
	}
	if rate.ByState[domain.StateAbandoned] != 1 || rate.ByState[domain.StateFail] != 0 || len(rate.ByState) != 1 {
		t.Fatalf("by state = %+v", rate.ByState)
	}
}
