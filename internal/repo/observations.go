package repo

import (
	"context"
	"database/sql"

	"detour/internal/domain"
)

const observationColumns = `id,place_id,user_id,occurred_at,time_bucket_start,outcome,party_size,method,dow,hour,weather,lead_time_min,linked_session_id`

func (r Repo) InsertObservation(ctx context.Context, tx *sql.Tx, o domain.Observation) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO observations(`+observationColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		o.ID, o.PlaceID, o.UserID, ms(o.OccurredAt), ms(o.TimeBucketStart), string(o.Outcome), o.PartySize, string(o.Method),
		o.Context.Dow, o.Context.Hour, nullable(o.Context.Weather), nullableIntPtr(o.Context.LeadTimeMin), nullableStringPtr(o.Context.LinkedSessionID))
	return storeErr("insert observation", err)
}

// RecentObservations returns the newest observations for placeID, newest first.
func (r Repo) RecentObservations(ctx context.Context, placeID string, limit int) ([]domain.Observation, error) {
	return r.queryObservations(ctx, "recent observations",
		`SELECT `+observationColumns+` FROM observations WHERE place_id=? ORDER BY occurred_at DESC, id DESC LIMIT ?`, placeID, limit)
}

func (r Repo) ObservationsForSession(ctx context.Context, sessionID string) ([]domain.Observation, error) {
	return r.queryObservations(ctx, "session observations",
		`SELECT `+observationColumns+` FROM observations WHERE linked_session_id=? ORDER BY occurred_at, id`, sessionID)
}

func (r Repo) queryObservations(ctx context.Context, op, query string, args ...any) ([]domain.Observation, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr(op, err)
	}
	defer rows.Close()
	var res []domain.Observation
	for rows.Next() {
		var (
			o                domain.Observation
			occurred, bucket int64
			outcome, method  string
			weather, linked  sql.NullString
			lead             sql.NullInt64
		)
		if err := rows.Scan(&o.ID, &o.PlaceID, &o.UserID, &occurred, &bucket, &outcome, &o.PartySize, &method,
			&o.Context.Dow, &o.Context.Hour, &weather, &lead, &linked); err != nil {
			return nil, storeErr(op, err)
		}
		o.OccurredAt = fromMS(occurred)
		o.TimeBucketStart = fromMS(bucket)
		o.Outcome = domain.Outcome(outcome)
		o.Method = domain.Method(method)
		if weather.Valid {
			o.Context.Weather = weather.String
		}
		o.Context.LeadTimeMin = optionalInt(lead)
		o.Context.LinkedSessionID = optionalString(linked)
		res = append(res, o)
	}
	return res, storeErr(op, rows.Err())
}
