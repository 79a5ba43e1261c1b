package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"detour/internal/availability"
	"detour/internal/config"
	"detour/internal/current"
	"detour/internal/domain"
	"detour/internal/events"
	"detour/internal/logger"
	"detour/internal/observation"
	"detour/internal/ranking"
	"detour/internal/repo"
	"detour/internal/tickets"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrInvalidProposal   = errors.New("place is not among the session proposals")
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrNoTicketAvailable = errors.New("no ticket available for rescue")
	ErrRescueLimit       = errors.New("rescue chain limit reached")
)

// Caller identifies who is driving a session. CurrentSessionID is the
// session the caller's device believes is active, if any.
type Caller struct {
	UserID           string
	CurrentSessionID string
}

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Snapshots  availability.SnapshotStore
	Ledger     observation.Ledger
	Ranking    ranking.Aggregator
	Tickets    tickets.Ledger
	Current    current.Store
	Candidates CandidateSource
	Config     *config.Config
	Log        logger.Logger
	Now        func() time.Time
}

func New(db *sql.DB, cfg *config.Config, l logger.Logger) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if l == nil {
		l = logger.NewNop()
	}
	r := repo.Repo{DB: db}
	snaps := availability.New(r, cfg, l)
	ledger := observation.New(r, cfg, l)
	return Engine{
		DB:         db,
		Repo:       r,
		Events:     events.Writer{DB: db},
		Snapshots:  snaps,
		Ledger:     ledger,
		Ranking:    ranking.New(snaps, ledger, cfg),
		Tickets:    tickets.New(db, cfg, l),
		Current:    current.NewSQLStore(r),
		Candidates: VenueCatalog{Repo: r},
		Config:     cfg,
		Log:        l,
		Now:        time.Now,
	}
}

// WithClock returns a copy of e whose components all read time from now.
func (e Engine) WithClock(now func() time.Time) Engine {
	e.Now = now
	e.Snapshots.Now = now
	e.Ledger.Now = now
	e.Tickets.Now = now
	e.Ranking = ranking.New(e.Snapshots, e.Ledger, e.Config)
	if s, ok := e.Current.(current.SQLStore); ok {
		s.Now = now
		e.Current = s
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) cfg() *config.Config {
	if e.Config == nil {
		return config.Default()
	}
	return e.Config
}

func (e Engine) events() events.Writer {
	w := e.Events
	w.Now = e.now
	return w
}

func (e Engine) setCurrent(ctx context.Context, userID, sessionID string) {
	if e.Current == nil {
		return
	}
	if err := e.Current.Set(ctx, userID, sessionID); err != nil {
		e.Log.Warnf(ctx, "engine: set current session user=%s: %v", userID, err)
	}
}

func (e Engine) clearCurrent(ctx context.Context, userID, sessionID string) {
	if e.Current == nil {
		return
	}
	if err := e.Current.Clear(ctx, userID, sessionID); err != nil {
		e.Log.Warnf(ctx, "engine: clear current session user=%s: %v", userID, err)
	}
}

// StartOptions are parameters for starting a session.
type StartOptions struct {
	AreaID          string
	Intent          string
	Constraints     domain.Constraints
	ParentSessionID string
}

func (e Engine) withDefaults(c domain.Constraints) domain.Constraints {
	if c.MaxWalkMin <= 0 {
		c.MaxWalkMin = e.cfg().Sessions.DefaultMaxWalkMin
	}
	if c.PartySize <= 0 {
		c.PartySize = 1
	}
	return c
}

// propose ranks the area's candidates and freezes them into proposals.
func (e Engine) propose(ctx context.Context, areaID, intent string, c domain.Constraints) ([]domain.Proposal, error) {
	if e.Candidates == nil {
		return []domain.Proposal{}, nil
	}
	candidates, err := e.Candidates.Candidates(ctx, areaID, intent, c)
	if err != nil {
		return nil, fmt.Errorf("load candidates: %w", err)
	}
	picked := e.Ranking.Propose(ctx, candidates, e.cfg().Ranking.Proposals)
	proposals := make([]domain.Proposal, 0, len(picked))
	for i, r := range picked {
		proposals = append(proposals, domain.Proposal{
			Rank:           i + 1,
			PlaceID:        r.PlaceID,
			Reason:         reasonFor(r),
			ScoreAtPropose: r.Weight,
			SnapshotRef:    r.Snapshot.ID,
		})
	}
	return proposals, nil
}

func reasonFor(r ranking.Ranked) string {
	var reason string
	switch {
	case r.Snapshot.Stale:
		reason = "no recent availability report"
	case r.Snapshot.Status == domain.StatusLikelyOpen:
		reason = "likely has room now"
	case r.Snapshot.Status == domain.StatusLikelyFull:
		reason = "reported busy recently"
	default:
		reason = "availability unclear"
	}
	if r.Prior.SampleSize > 0 {
		reason += fmt.Sprintf("; %d%% of %d past visits got in", int(r.Prior.Rate*100+0.5), r.Prior.SampleSize)
	}
	return reason
}

func (e Engine) Start(ctx context.Context, caller Caller, opts StartOptions) (domain.Session, error) {
	if caller.UserID == "" {
		return domain.Session{}, errors.New("user id is required")
	}
	if opts.AreaID == "" {
		return domain.Session{}, errors.New("area is required")
	}
	constraints := e.withDefaults(opts.Constraints)
	proposals, err := e.propose(ctx, opts.AreaID, opts.Intent, constraints)
	if err != nil {
		return domain.Session{}, err
	}
	now := e.now()
	s := domain.Session{
		ID:          domain.NewID("ses_"),
		UserID:      caller.UserID,
		AreaID:      opts.AreaID,
		Intent:      opts.Intent,
		Constraints: constraints,
		State:       domain.StateProposed,
		Proposals:   proposals,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()

	if opts.ParentSessionID != "" {
		parent, err := e.ownedSession(ctx, tx, caller, opts.ParentSessionID)
		if err != nil {
			return domain.Session{}, err
		}
		s.ParentSessionID = &parent.ID
		s.RescueCount = parent.RescueCount + 1
	}
	if err := e.Repo.InsertSession(ctx, tx, s); err != nil {
		return domain.Session{}, err
	}
	if err := e.events().Append(ctx, tx, "session.started", "session", s.ID, caller.UserID, events.EventPayload{
		"area_id": s.AreaID, "intent": s.Intent, "proposals": len(s.Proposals), "parent_session_id": opts.ParentSessionID,
	}); err != nil {
		return domain.Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, err
	}
	e.setCurrent(ctx, caller.UserID, s.ID)
	return s, nil
}

// ownedSession loads a session and hides it from anyone but its owner.
func (e Engine) ownedSession(ctx context.Context, tx *sql.Tx, caller Caller, id string) (domain.Session, error) {
	s, err := e.Repo.GetSession(ctx, tx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return domain.Session{}, err
	}
	if s.UserID != caller.UserID {
		return domain.Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

func ensureSessionTransition(from, to domain.SessionState) error {
	allowed := map[domain.SessionState][]domain.SessionState{
		domain.StateProposed:   {domain.StateSelected, domain.StateAbandoned},
		domain.StateSelected:   {domain.StateNavigating, domain.StateSuccess, domain.StateFail, domain.StateAbandoned},
		domain.StateNavigating: {domain.StateArrived, domain.StateSuccess, domain.StateFail, domain.StateAbandoned},
		domain.StateArrived:    {domain.StateSuccess, domain.StateFail, domain.StateAbandoned},
		domain.StateFail:       {domain.StateRescue, domain.StateAbandoned},
	}
	for _, next := range allowed[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w %s -> %s", ErrInvalidTransition, from, to)
}

// update writes s if the stored state still equals from.
func (e Engine) update(ctx context.Context, tx *sql.Tx, s domain.Session, from domain.SessionState) error {
	ok, err := e.Repo.UpdateSession(ctx, tx, s, from)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: session %s is no longer %s", ErrInvalidTransition, s.ID, from)
	}
	return nil
}

func (e Engine) Select(ctx context.Context, caller Caller, sessionID, placeID string) (domain.Session, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()
	s, err := e.ownedSession(ctx, tx, caller, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if err := ensureSessionTransition(s.State, domain.StateSelected); err != nil {
		return domain.Session{}, err
	}
	if !s.HasProposal(placeID) {
		return domain.Session{}, fmt.Errorf("%w: %s", ErrInvalidProposal, placeID)
	}
	from := s.State
	s.State = domain.StateSelected
	s.SelectedPlaceID = &placeID
	s.UpdatedAt = e.now()
	if err := e.update(ctx, tx, s, from); err != nil {
		return domain.Session{}, err
	}
	if err := e.events().Append(ctx, tx, "session.selected", "session", s.ID, caller.UserID, events.EventPayload{"place_id": placeID}); err != nil {
		return domain.Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, err
	}
	return s, nil
}

// Advance moves a session one step along the route: selected to navigating,
// navigating to arrived.
func (e Engine) Advance(ctx context.Context, caller Caller, sessionID string, next domain.SessionState) (domain.Session, error) {
	if next != domain.StateNavigating && next != domain.StateArrived {
		return domain.Session{}, fmt.Errorf("%w: advance only reaches navigating or arrived, got %s", ErrInvalidTransition, next)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()
	s, err := e.ownedSession(ctx, tx, caller, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if err := ensureSessionTransition(s.State, next); err != nil {
		return domain.Session{}, err
	}
	from := s.State
	s.State = next
	s.UpdatedAt = e.now()
	if err := e.update(ctx, tx, s, from); err != nil {
		return domain.Session{}, err
	}
	if err := e.events().Append(ctx, tx, "session.advanced", "session", s.ID, caller.UserID, events.EventPayload{"from": from, "to": next}); err != nil {
		return domain.Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, err
	}
	return s, nil
}

// CompleteOptions describe how a visit ended. FailReason applies only when
// Success is false and defaults to full.
type CompleteOptions struct {
	Success    bool
	FailReason domain.Outcome
	Feedback   string
}

// Complete records the end of a visit. A failed visit also appends an
// observation for the selected place linked to the session.
func (e Engine) Complete(ctx context.Context, caller Caller, sessionID string, opts CompleteOptions) (domain.Session, error) {
	target := domain.StateSuccess
	outcome := domain.OutcomeEntered
	if !opts.Success {
		target = domain.StateFail
		outcome = opts.FailReason
		if outcome == "" {
			outcome = domain.OutcomeFull
		}
		if outcome != domain.OutcomeFull && outcome != domain.OutcomeQueueLeft {
			return domain.Session{}, fmt.Errorf("fail reason must be full or queue_left, got %q", outcome)
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()
	s, err := e.ownedSession(ctx, tx, caller, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if err := ensureSessionTransition(s.State, target); err != nil {
		return domain.Session{}, err
	}
	if s.SelectedPlaceID == nil {
		return domain.Session{}, fmt.Errorf("%w: session %s has no selected place", ErrInvalidTransition, s.ID)
	}
	now := e.now()
	from := s.State
	s.State = target
	s.Result = &domain.SessionResult{Outcome: outcome, Feedback: opts.Feedback}
	s.UpdatedAt = now
	s.CompletedAt = &now
	if err := e.update(ctx, tx, s, from); err != nil {
		return domain.Session{}, err
	}
	payload := events.EventPayload{"outcome": outcome, "place_id": *s.SelectedPlaceID}
	if !opts.Success {
		lead := int(now.Sub(s.CreatedAt).Minutes())
		linked := s.ID
		obs, err := observation.Build(observation.Input{
			PlaceID:         *s.SelectedPlaceID,
			UserID:          s.UserID,
			Outcome:         outcome,
			PartySize:       s.Constraints.PartySize,
			LeadTimeMin:     &lead,
			LinkedSessionID: &linked,
		}, now, e.cfg().Location())
		if err != nil {
			return domain.Session{}, err
		}
		if err := e.Repo.InsertObservation(ctx, tx, obs); err != nil {
			return domain.Session{}, err
		}
		payload["observation_id"] = obs.ID
	}
	if err := e.events().Append(ctx, tx, "session.completed", "session", s.ID, caller.UserID, payload); err != nil {
		return domain.Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, err
	}
	if e.cfg().Sessions.ReportAvailabilityOnComplete {
		if _, err := e.Snapshots.ReportUser(ctx, *s.SelectedPlaceID, opts.Success, nil); err != nil {
			e.Log.Warnf(ctx, "engine.Complete session=%s availability report: %v", s.ID, err)
		}
	}
	if opts.Success {
		e.clearCurrent(ctx, caller.UserID, s.ID)
	}
	return s, nil
}

// Rescue spends one ticket credit to open a follow-up session for a failed
// one. The credit, the parent's move to rescue and the new session commit
// together or not at all.
func (e Engine) Rescue(ctx context.Context, caller Caller, sessionID string) (domain.Session, error) {
	parent, err := e.ownedSession(ctx, nil, caller, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if err := ensureSessionTransition(parent.State, domain.StateRescue); err != nil {
		return domain.Session{}, err
	}
	if limit := e.cfg().Sessions.MaxRescueChain; limit > 0 && parent.RescueCount+1 > limit {
		return domain.Session{}, fmt.Errorf("%w: %d", ErrRescueLimit, limit)
	}
	proposals, err := e.propose(ctx, parent.AreaID, parent.Intent, parent.Constraints)
	if err != nil {
		return domain.Session{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()

	now := e.now()
	parentID := parent.ID
	child := domain.Session{
		ID:              domain.NewID("ses_"),
		UserID:          parent.UserID,
		AreaID:          parent.AreaID,
		Intent:          parent.Intent,
		Constraints:     parent.Constraints,
		State:           domain.StateProposed,
		Proposals:       proposals,
		ParentSessionID: &parentID,
		RescueCount:     parent.RescueCount + 1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	usable, err := e.Repo.UsableTickets(ctx, tx, caller.UserID, now)
	if err != nil {
		return domain.Session{}, err
	}
	var spent *domain.Ticket
	for _, t := range usable {
		got, err := e.Tickets.ConsumeTx(ctx, tx, t.ID, child.ID, caller.UserID)
		if errors.Is(err, tickets.ErrTicketExhausted) || errors.Is(err, tickets.ErrTicketExpired) {
			continue
		}
		if err != nil {
			return domain.Session{}, err
		}
		spent = &got
		break
	}
	if spent == nil {
		return domain.Session{}, ErrNoTicketAvailable
	}
	child.TicketUsed = &spent.ID

	parent.State = domain.StateRescue
	parent.UpdatedAt = now
	if err := e.update(ctx, tx, parent, domain.StateFail); err != nil {
		return domain.Session{}, err
	}
	if err := e.Repo.InsertSession(ctx, tx, child); err != nil {
		return domain.Session{}, err
	}
	if err := e.events().Append(ctx, tx, "session.rescued", "session", parent.ID, caller.UserID, events.EventPayload{
		"child_session_id": child.ID, "ticket_id": spent.ID, "rescue_count": child.RescueCount,
	}); err != nil {
		return domain.Session{}, err
	}
	if err := e.events().Append(ctx, tx, "session.started", "session", child.ID, caller.UserID, events.EventPayload{
		"area_id": child.AreaID, "intent": child.Intent, "proposals": len(child.Proposals), "parent_session_id": parent.ID,
	}); err != nil {
		return domain.Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, err
	}
	e.setCurrent(ctx, caller.UserID, child.ID)
	return child, nil
}

// Abandon ends a session from any state that still has a way forward.
func (e Engine) Abandon(ctx context.Context, caller Caller, sessionID string) (domain.Session, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()
	s, err := e.ownedSession(ctx, tx, caller, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if err := ensureSessionTransition(s.State, domain.StateAbandoned); err != nil {
		return domain.Session{}, err
	}
	now := e.now()
	from := s.State
	s.State = domain.StateAbandoned
	s.UpdatedAt = now
	s.CompletedAt = &now
	if err := e.update(ctx, tx, s, from); err != nil {
		return domain.Session{}, err
	}
	if err := e.events().Append(ctx, tx, "session.abandoned", "session", s.ID, caller.UserID, events.EventPayload{"from": from}); err != nil {
		return domain.Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, err
	}
	e.clearCurrent(ctx, caller.UserID, s.ID)
	return s, nil
}

func (e Engine) Get(ctx context.Context, caller Caller, sessionID string) (domain.Session, error) {
	return e.ownedSession(ctx, nil, caller, sessionID)
}

// ListUserSessions returns the caller's sessions, newest first.
func (e Engine) ListUserSessions(ctx context.Context, caller Caller, limit int) ([]domain.Session, error) {
	if limit <= 0 {
		limit = 20
	}
	return e.Repo.ListSessions(ctx, repo.SessionFilters{UserID: caller.UserID, Limit: limit})
}

type UserSuccessRate struct {
	Rate       float64 `json:"rate"`
	SampleSize int     `json:"sample_size"`
	Successes  int     `json:"successes"`
	Failures   int     `json:"failures"`
	// ByState counts every session the user ever had, not only the rated window.
	ByState map[domain.SessionState]int `json:"by_state"`
}

// UserSuccessRate rates the caller's last 100 sessions that ended in success
// or fail. Without any, the rate is 0.5.
func (e Engine) UserSuccessRate(ctx context.Context, caller Caller) (UserSuccessRate, error) {
	sessions, err := e.ListUserSessions(ctx, caller, 100)
	if err != nil {
		return UserSuccessRate{}, err
	}
	byState, err := e.Repo.CountSessionStates(ctx, caller.UserID)
	if err != nil {
		return UserSuccessRate{}, err
	}
	res := UserSuccessRate{ByState: byState}
	for _, s := range sessions {
		switch s.State {
		case domain.StateSuccess:
			res.Successes++
		case domain.StateFail:
			res.Failures++
		}
	}
	res.SampleSize = res.Successes + res.Failures
	if res.SampleSize == 0 {
		res.Rate = 0.5
		return res, nil
	}
	res.Rate = float64(res.Successes) / float64(res.SampleSize)
	return res, nil
}

// CurrentSession resolves the caller's active session, preferring the id the
// caller supplied over the stored pointer.
func (e Engine) CurrentSession(ctx context.Context, caller Caller) (domain.Session, error) {
	id := caller.CurrentSessionID
	if id == "" && e.Current != nil {
		stored, err := e.Current.Get(ctx, caller.UserID)
		if err != nil && !errors.Is(err, current.ErrNone) {
			e.Log.Warnf(ctx, "engine.CurrentSession user=%s: %v", caller.UserID, err)
		}
		id = stored
	}
	if id == "" {
		return domain.Session{}, ErrSessionNotFound
	}
	return e.ownedSession(ctx, nil, caller, id)
}
