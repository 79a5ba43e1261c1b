package observation_test

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"testing"
	"time"

	"detour/internal/config"
	"detour/internal/db"
	"detour/internal/domain"
	"detour/internal/migrate"
	"detour/internal/observation"
	"detour/internal/repo"
)

// Friday 18:07 UTC.
var t0 = time.Date(2024, 1, 5, 18, 7, 0, 0, time.UTC)

func newLedger(t *testing.T) (observation.Ledger, *time.Time) {
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
	l := observation.New(repo.Repo{DB: conn}, config.Default(), nil)
	l.Now = func() time.Time { return now }
	return l, &now
}

func intp(v int) *int { return &v }

func TestSuccessRateByWeekday(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	for _, o := range []domain.Outcome{domain.OutcomeEntered, domain.OutcomeEntered, domain.OutcomeFull} {
		rec, err := l.Record(ctx, observation.Input{PlaceID: "P", UserID: "anon_1", Outcome: o})
		if err != nil {
			t.Fatalf("record: %v", err)
		}
		if rec.Queued {
			t.Fatalf("unexpected queued write")
		}
		if rec.Observation.Context.Dow != 5 || rec.Observation.Context.Hour != 18 {
			t.Fatalf("unexpected context %+v", rec.Observation.Context)
		}
	}
	got := l.SuccessRate(ctx, "P", observation.Filter{Dow: intp(5)})
	if got.SampleSize != 3 || math.Abs(got.Rate-2.0/3) > 1e-3 {
		t.Fatalf("unexpected rate %+v", got)
	}
	if got.Successes != 2 || got.Failures != 1 || got.Confidence != 0.03 {
		t.Fatalf("unexpected breakdown %+v", got)
	}
	if got := l.SuccessRate(ctx, "P", observation.Filter{Dow: intp(4)}); got != observation.Neutral {
		t.Fatalf("expected neutral for other weekday, got %+v", got)
	}
	if got := l.SuccessRate(ctx, "P", observation.Filter{HourMin: intp(19)}); got.SampleSize != 0 {
		t.Fatalf("expected hour filter to exclude all, got %+v", got)
	}
	if got := l.SuccessRate(ctx, "P", observation.Filter{HourMin: intp(18), HourMax: intp(18)}); got.SampleSize != 3 {
		t.Fatalf("expected hour range to include all, got %+v", got)
	}
}

func TestSuccessRateNeutralWhenEmpty(t *testing.T) {
	l, _ := newLedger(t)
	got := l.SuccessRate(context.Background(), "nowhere", observation.Filter{})
	if got.Rate != 0.5 || got.Confidence != 0 || got.SampleSize != 0 {
		t.Fatalf("unexpected neutral %+v", got)
	}
}

func TestConfidenceMonotonicAndCapped(t *testing.T) {
	prev := -1.0
	for n := 0; n <= 250; n++ {
		c := observation.Confidence(n, 0.95)
		if c < prev {
			t.Fatalf("confidence decreased at n=%d", n)
		}
		if n >= 100 && c != 0.95 {
			t.Fatalf("confidence at n=%d = %v, want 0.95", n, c)
		}
		prev = c
	}
}

func TestSuccessRateWindowIsBounded(t *testing.T) {
	l, now := newLedger(t)
	ctx := context.Background()
	for i := 0; i < 120; i++ {
		outcome := domain.OutcomeFull
		if i >= 20 {
			outcome = domain.OutcomeEntered
		}
		*now = t0.Add(time.Duration(i) * time.Second)
		if _, err := l.Record(ctx, observation.Input{PlaceID: "P", UserID: "u", Outcome: outcome}); err != nil {
			t.Fatal(err)
		}
	}
	got := l.SuccessRate(ctx, "P", observation.Filter{})
	if got.SampleSize != 100 || got.Rate != 1 || got.Confidence != 0.95 {
		t.Fatalf("expected newest 100 only, got %+v", got)
	}
}

func TestRecordDefaultsAndValidation(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	rec, err := l.Record(ctx, observation.Input{PlaceID: "P", UserID: "u", Outcome: domain.OutcomeClosed})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Observation.PartySize != 1 || rec.Observation.Method != domain.MethodWalkin {
		t.Fatalf("unexpected defaults %+v", rec.Observation)
	}
	if !rec.Observation.TimeBucketStart.Equal(time.Date(2024, 1, 5, 18, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected bucket %s", rec.Observation.TimeBucketStart)
	}
	if _, err := l.Record(ctx, observation.Input{PlaceID: "P", UserID: "u", Outcome: "great"}); err == nil {
		t.Fatalf("expected outcome error")
	}
	if _, err := l.Record(ctx, observation.Input{PlaceID: "P", UserID: "u", Outcome: domain.OutcomeFull, Method: "teleport"}); err == nil {
		t.Fatalf("expected method error")
	}
	if _, err := l.Record(ctx, observation.Input{UserID: "u", Outcome: domain.OutcomeFull}); err == nil {
		t.Fatalf("expected place error")
	}
}

func TestHourlyAndDowRates(t *testing.T) {
	l, now := newLedger(t)
	ctx := context.Background()
	record := func(at time.Time, o domain.Outcome) {
		t.Helper()
		*now = at
		if _, err := l.Record(ctx, observation.Input{PlaceID: "P", UserID: "u", Outcome: o}); err != nil {
			t.Fatal(err)
		}
	}
	fri17 := time.Date(2024, 1, 5, 17, 10, 0, 0, time.UTC)
	fri20 := time.Date(2024, 1, 5, 20, 10, 0, 0, time.UTC)
	sat20 := time.Date(2024, 1, 6, 20, 10, 0, 0, time.UTC)
	record(fri17, domain.OutcomeEntered)
	record(fri17.Add(time.Minute), domain.OutcomeEntered)
	record(fri17.Add(2*time.Minute), domain.OutcomeFull)
	record(fri20, domain.OutcomeEntered)
	record(fri20.Add(time.Minute), domain.OutcomeEntered)
	record(fri20.Add(2*time.Minute), domain.OutcomeEntered)
	record(sat20, domain.OutcomeFull)

	hourly := l.HourlySuccessRates(ctx, "P", nil)
	if hourly[17].SampleSize != 3 || math.Abs(hourly[17].Rate-2.0/3) > 1e-9 {
		t.Fatalf("unexpected 17h %+v", hourly[17])
	}
	if hourly[20].SampleSize != 4 || hourly[20].Rate != 0.75 {
		t.Fatalf("unexpected 20h %+v", hourly[20])
	}
	if hourly[3].SampleSize != 0 || hourly[3].Rate != 0.5 {
		t.Fatalf("expected neutral empty hour, got %+v", hourly[3])
	}
	friOnly := l.HourlySuccessRates(ctx, "P", intp(5))
	if friOnly[20].SampleSize != 3 || friOnly[20].Rate != 1 {
		t.Fatalf("unexpected friday 20h %+v", friOnly[20])
	}

	dow := l.DowSuccessRates(ctx, "P")
	if dow[5].SampleSize != 6 || dow[5].Name != "Fri" {
		t.Fatalf("unexpected friday %+v", dow[5])
	}
	if dow[6].SampleSize != 1 || dow[6].Rate != 0 {
		t.Fatalf("unexpected saturday %+v", dow[6])
	}
	if dow[0].Rate != 0.5 || dow[0].Name != "Sun" {
		t.Fatalf("unexpected sunday %+v", dow[0])
	}

	best := l.BestTimeToVisit(ctx, "P", nil)
	if best.Insufficient || best.Hour == nil || *best.Hour != 20 {
		t.Fatalf("unexpected best time %+v", best)
	}
	if none := l.BestTimeToVisit(ctx, "P", intp(6)); !none.Insufficient || none.Message != "insufficient data" {
		t.Fatalf("expected insufficient data, got %+v", none)
	}
}

func TestAreaStats(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	for _, in := range []observation.Input{
		{PlaceID: "A", UserID: "u", Outcome: domain.OutcomeEntered},
		{PlaceID: "A", UserID: "u", Outcome: domain.OutcomeFull},
		{PlaceID: "B", UserID: "u", Outcome: domain.OutcomeEntered},
		{PlaceID: "B", UserID: "u", Outcome: domain.OutcomeQueueLeft},
		{PlaceID: "C", UserID: "u", Outcome: domain.OutcomeEntered},
	} {
		if _, err := l.Record(ctx, in); err != nil {
			t.Fatal(err)
		}
	}
	stats := l.AreaStats(ctx, []string{"A", "B"}, observation.Filter{})
	if stats.TotalObservations != 4 || stats.Successes != 2 || stats.SuccessRate != 0.5 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.ByOutcome[domain.OutcomeQueueLeft] != 1 || stats.ByOutcome[domain.OutcomeClosed] != 0 {
		t.Fatalf("unexpected outcomes %+v", stats.ByOutcome)
	}
}

type flakyStore struct {
	down     bool
	inserted []domain.Observation
}

func (s *flakyStore) InsertObservation(_ context.Context, _ *sql.Tx, o domain.Observation) error {
	if s.down || o.PlaceID == "poison" {
		return &repo.StoreError{Op: "insert observation", Err: errors.New("unavailable")}
	}
	s.inserted = append(s.inserted, o)
	return nil
}

func (s *flakyStore) RecentObservations(context.Context, string, int) ([]domain.Observation, error) {
	if s.down {
		return nil, &repo.StoreError{Op: "recent observations", Err: errors.New("unavailable")}
	}
	return s.inserted, nil
}

func TestRecordQueuesOnFailureAndSyncFlushes(t *testing.T) {
	store := &flakyStore{down: true}
	l := observation.New(store, config.Default(), nil)
	l.Now = func() time.Time { return t0 }
	ctx := context.Background()

	for _, place := range []string{"A", "poison", "B"} {
		rec, err := l.Record(ctx, observation.Input{PlaceID: place, UserID: "u", Outcome: domain.OutcomeFull})
		if err != nil {
			t.Fatalf("record should not surface store errors: %v", err)
		}
		if !rec.Queued {
			t.Fatalf("expected queued receipt")
		}
	}
	if got := l.SuccessRate(ctx, "A", observation.Filter{}); got != observation.Neutral {
		t.Fatalf("expected neutral while store is down, got %+v", got)
	}
	if res := l.Sync(ctx); res.Synced != 0 || res.Remaining != 3 {
		t.Fatalf("unexpected sync while down %+v", res)
	}

	store.down = false
	res := l.Sync(ctx)
	if res.Synced != 2 || res.Remaining != 1 {
		t.Fatalf("unexpected partial sync %+v", res)
	}
	if len(store.inserted) != 2 || store.inserted[0].PlaceID != "A" || store.inserted[1].PlaceID != "B" {
		t.Fatalf("unexpected inserted %+v", store.inserted)
	}
	pending := l.Outbox.Pending()
	if len(pending) != 1 || pending[0].PlaceID != "poison" {
		t.Fatalf("unexpected pending %+v", pending)
	}
}

func TestOutboxIsBounded(t *testing.T) {
	box := observation.NewOutbox(2)
	if box.Enqueue(domain.Observation{ID: "1"}) || box.Enqueue(domain.Observation{ID: "2"}) {
		t.Fatalf("unexpected drop before capacity")
	}
	if !box.Enqueue(domain.Observation{ID: "3"}) {
		t.Fatalf("expected oldest entry to be dropped")
	}
	pending := box.Pending()
	if len(pending) != 2 || pending[0].ID != "2" || pending[1].ID != "3" {
		t.Fatalf("unexpected pending %+v", pending)
	}
	synced, remaining := box.Flush(context.Background(), func(context.Context, domain.Observation) error { return nil })
	if synced != 2 || remaining != 0 || box.Len() != 0 {
		t.Fatalf("unexpected flush %d %d", synced, remaining)
	}
}

func TestRecordShorthands(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	record := map[domain.Outcome]func(context.Context, string, string) (observation.Receipt, error){
		domain.OutcomeEntered:   l.RecordEntered,
		domain.OutcomeFull:      l.RecordFull,
		domain.OutcomeQueueLeft: l.RecordQueueLeft,
		domain.OutcomeClosed:    l.RecordClosed,
	}
	for want, fn := range record {
		rec, err := fn(ctx, "P", "anon_1")
		if err != nil {
			t.Fatalf("record %s: %v", want, err)
		}
		o := rec.Observation
		if o.Outcome != want || o.PartySize != 1 || o.Method != domain.MethodWalkin || rec.Queued {
			t.Fatalf("record %s stored %+v", want, o)
		}
	}
	got := l.SuccessRate(ctx, "P", observation.Filter{})
	if got.SampleSize != 4 || got.Successes != 1 || got.Rate != 0.25 {
		t.Fatalf("unexpected rate %+v", got)
	}
	if _, err := l.RecordEntered(ctx, "", "anon_1"); err == nil {
		t.Fatalf("expected missing place to be rejected")
	}
}
