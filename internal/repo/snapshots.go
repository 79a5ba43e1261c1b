package repo

import (
	"context"
	"database/sql"
	"time"

	"detour/internal/domain"
)

const snapshotColumns = `id,place_id,time_bucket_start,status,score,confidence,signal_type,signal_source,observed_at,expires_at,wait_min_estimate,note`

func (r Repo) InsertSnapshot(ctx context.Context, s domain.AvailabilitySnapshot) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO snapshots(`+snapshotColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.PlaceID, ms(s.TimeBucketStart), string(s.Status), s.Score, s.Confidence, string(s.SignalType), s.SignalSource,
		ms(s.ObservedAt), ms(s.ExpiresAt), nullableIntPtr(s.WaitMinEstimate), nullable(s.Note))
	return storeErr("insert snapshot", err)
}

// LatestValidSnapshot returns the snapshot for placeID that expires last among
// those still valid at now, newest observation breaking ties.
func (r Repo) LatestValidSnapshot(ctx context.Context, placeID string, now time.Time) (domain.AvailabilitySnapshot, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM snapshots WHERE place_id=? AND expires_at>? ORDER BY expires_at DESC, observed_at DESC LIMIT 1`,
		placeID, ms(now))
	s, err := scanSnapshot(row)
	return s, storeErr("latest snapshot", err)
}

// DeleteExpiredSnapshots removes at most limit snapshots that expired before now.
func (r Repo) DeleteExpiredSnapshots(ctx context.Context, now time.Time, limit int) (int, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM snapshots WHERE id IN (SELECT id FROM snapshots WHERE expires_at<? LIMIT ?)`, ms(now), limit)
	if err != nil {
		return 0, storeErr("delete expired snapshots", err)
	}
	n, err := res.RowsAffected()
	return int(n), storeErr("delete expired snapshots", err)
}

func (r Repo) ListSnapshots(ctx context.Context, placeID string, limit int) ([]domain.AvailabilitySnapshot, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+snapshotColumns+` FROM snapshots WHERE place_id=? ORDER BY observed_at DESC LIMIT ?`, placeID, limit)
	if err != nil {
		return nil, storeErr("list snapshots", err)
	}
	defer rows.Close()
	var res []domain.AvailabilitySnapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, storeErr("list snapshots", err)
		}
		res = append(res, s)
	}
	return res, storeErr("list snapshots", rows.Err())
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (domain.AvailabilitySnapshot, error) {
	var (
		s                         domain.AvailabilitySnapshot
		bucket, observed, expires int64
		status, signalType        string
		wait                      sql.NullInt64
		note                      sql.NullString
	)
	if err := row.Scan(&s.ID, &s.PlaceID, &bucket, &status, &s.Score, &s.Confidence, &signalType, &s.SignalSource, &observed, &expires, &wait, &note); err != nil {
		return s, err
	}
	s.TimeBucketStart = fromMS(bucket)
	s.ObservedAt = fromMS(observed)
	s.ExpiresAt = fromMS(expires)
	s.Status = domain.AvailabilityStatus(status)
	s.SignalType = domain.SignalType(signalType)
	s.WaitMinEstimate = optionalInt(wait)
	if note.Valid {
		s.Note = note.String
	}
	return s, nil
}
