package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"detour/internal/domain"
)

const sessionColumns = `id,user_id,area_id,intent,constraints_json,state,proposals_json,selected_place_id,result_outcome,result_feedback,parent_session_id,rescue_count,ticket_used,created_at,updated_at,completed_at`

// InsertSession stores a new session together with its proposals. Proposals
// are never written again afterwards.
func (r Repo) InsertSession(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	constraints, err := json.Marshal(s.Constraints)
	if err != nil {
		return fmt.Errorf("marshal constraints: %w", err)
	}
	proposals := s.Proposals
	if proposals == nil {
		proposals = []domain.Proposal{}
	}
	proposalsJSON, err := json.Marshal(proposals)
	if err != nil {
		return fmt.Errorf("marshal proposals: %w", err)
	}
	var outcome, feedback any
	if s.Result != nil {
		outcome = string(s.Result.Outcome)
		feedback = nullable(s.Result.Feedback)
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO sessions(`+sessionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.UserID, s.AreaID, s.Intent, string(constraints), string(s.State), string(proposalsJSON),
		nullableStringPtr(s.SelectedPlaceID), outcome, feedback, nullableStringPtr(s.ParentSessionID), s.RescueCount,
		nullableStringPtr(s.TicketUsed), ms(s.CreatedAt), ms(s.UpdatedAt), nullableTimePtr(s.CompletedAt))
	return storeErr("insert session", err)
}

func (r Repo) GetSession(ctx context.Context, tx *sql.Tx, id string) (domain.Session, error) {
	s, err := scanSession(r.q(tx).QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=?`, id))
	return s, storeErr("get session", err)
}

// UpdateSession writes the mutable fields of s only if the stored state still
// equals expected. It reports false when another writer moved the session first.
func (r Repo) UpdateSession(ctx context.Context, tx *sql.Tx, s domain.Session, expected domain.SessionState) (bool, error) {
	var outcome, feedback any
	if s.Result != nil {
		outcome = string(s.Result.Outcome)
		feedback = nullable(s.Result.Feedback)
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE sessions SET state=?, selected_place_id=?, result_outcome=?, result_feedback=?, updated_at=?, completed_at=? WHERE id=? AND state=?`,
		string(s.State), nullableStringPtr(s.SelectedPlaceID), outcome, feedback, ms(s.UpdatedAt), nullableTimePtr(s.CompletedAt), s.ID, string(expected))
	if err != nil {
		return false, storeErr("update session", err)
	}
	n, err := res.RowsAffected()
	return n == 1, storeErr("update session", err)
}

type SessionFilters struct {
	UserID string
	State  domain.SessionState
	Limit  int
}

func (r Repo) ListSessions(ctx context.Context, f SessionFilters) ([]domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE user_id=?`
	args := []any{f.UserID}
	if f.State != "" {
		query += ` AND state=?`
		args = append(args, string(f.State))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list sessions", err)
	}
	defer rows.Close()
	var res []domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, storeErr("list sessions", err)
		}
		res = append(res, s)
	}
	return res, storeErr("list sessions", rows.Err())
}

// CountSessionStates counts a user's sessions grouped by state.
func (r Repo) CountSessionStates(ctx context.Context, userID string) (map[domain.SessionState]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT state, COUNT(*) FROM sessions WHERE user_id=? GROUP BY state`, userID)
	if err != nil {
		return nil, storeErr("count sessions", err)
	}
	defer rows.Close()
	res := map[domain.SessionState]int{}
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, storeErr("count sessions", err)
		}
		res[domain.SessionState(state)] = n
	}
	return res, storeErr("count sessions", rows.Err())
}

func (r Repo) SetCurrentSession(ctx context.Context, userID, sessionID string, now time.Time) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO current_sessions(user_id,session_id,updated_at) VALUES (?,?,?)
ON CONFLICT(user_id) DO UPDATE SET session_id=excluded.session_id, updated_at=excluded.updated_at`, userID, sessionID, ms(now))
	return storeErr("set current session", err)
}

func (r Repo) GetCurrentSession(ctx context.Context, userID string) (string, error) {
	var id string
	err := r.DB.QueryRowContext(ctx, `SELECT session_id FROM current_sessions WHERE user_id=?`, userID).Scan(&id)
	return id, storeErr("get current session", err)
}

// ClearCurrentSession removes the pointer only while it still names sessionID.
func (r Repo) ClearCurrentSession(ctx context.Context, userID, sessionID string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM current_sessions WHERE user_id=? AND session_id=?`, userID, sessionID)
	return storeErr("clear current session", err)
}

func scanSession(row rowScanner) (domain.Session, error) {
	var (
		s                              domain.Session
		constraintsJSON, proposalsJSON string
		state                          string
		selected, outcome, feedback    sql.NullString
		parent, ticket                 sql.NullString
		created, updated               int64
		completed                      sql.NullInt64
	)
	if err := row.Scan(&s.ID, &s.UserID, &s.AreaID, &s.Intent, &constraintsJSON, &state, &proposalsJSON, &selected, &outcome, &feedback,
		&parent, &s.RescueCount, &ticket, &created, &updated, &completed); err != nil {
		return s, err
	}
	if err := json.Unmarshal([]byte(constraintsJSON), &s.Constraints); err != nil {
		return s, fmt.Errorf("decode constraints: %w", err)
	}
	if err := json.Unmarshal([]byte(proposalsJSON), &s.Proposals); err != nil {
		return s, fmt.Errorf("decode proposals: %w", err)
	}
	s.State = domain.SessionState(state)
	s.SelectedPlaceID = optionalString(selected)
	if outcome.Valid {
		s.Result = &domain.SessionResult{Outcome: domain.Outcome(outcome.String)}
		if feedback.Valid {
			s.Result.Feedback = feedback.String
		}
	}
	s.ParentSessionID = optionalString(parent)
	s.TicketUsed = optionalString(ticket)
	s.CreatedAt = fromMS(created)
	s.UpdatedAt = fromMS(updated)
	s.CompletedAt = optionalTime(completed)
	return s, nil
}
