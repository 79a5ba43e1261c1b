package repo

import (
	"context"
	"database/sql"
	"time"

	"detour/internal/domain"
)

func (r Repo) UpsertVenue(ctx context.Context, v domain.Venue) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO venues(place_id,area_id,name,category,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(place_id) DO UPDATE SET area_id=excluded.area_id, name=excluded.name, category=excluded.category`,
		v.PlaceID, v.AreaID, v.Name, v.Category, ms(v.CreatedAt))
	return storeErr("upsert venue", err)
}

func (r Repo) GetVenue(ctx context.Context, placeID string) (domain.Venue, error) {
	var (
		v       domain.Venue
		created int64
	)
	err := r.DB.QueryRowContext(ctx, `SELECT place_id,area_id,name,category,created_at FROM venues WHERE place_id=?`, placeID).
		Scan(&v.PlaceID, &v.AreaID, &v.Name, &v.Category, &created)
	if err != nil {
		return v, storeErr("get venue", err)
	}
	v.CreatedAt = fromMS(created)
	return v, nil
}

// ListVenues returns the catalog for an area in insertion order; an empty
// areaID lists every venue.
func (r Repo) ListVenues(ctx context.Context, areaID string) ([]domain.Venue, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if areaID == "" {
		rows, err = r.DB.QueryContext(ctx, `SELECT place_id,area_id,name,category,created_at FROM venues ORDER BY created_at, place_id`)
	} else {
		rows, err = r.DB.QueryContext(ctx, `SELECT place_id,area_id,name,category,created_at FROM venues WHERE area_id=? ORDER BY created_at, place_id`, areaID)
	}
	if err != nil {
		return nil, storeErr("list venues", err)
	}
	defer rows.Close()
	var res []domain.Venue
	for rows.Next() {
		var (
			v       domain.Venue
			created int64
		)
		if err := rows.Scan(&v.PlaceID, &v.AreaID, &v.Name, &v.Category, &created); err != nil {
			return nil, storeErr("list venues", err)
		}
		v.CreatedAt = fromMS(created)
		res = append(res, v)
	}
	return res, storeErr("list venues", rows.Err())
}

// RelayCursor returns the last event id delivered by the named relay.
func (r Repo) RelayCursor(ctx context.Context, name string) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT last_event_id FROM relay_cursors WHERE name=?`, name).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return id, storeErr("relay cursor", err)
}

func (r Repo) SetRelayCursor(ctx context.Context, name string, lastEventID int64, now time.Time) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO relay_cursors(name,last_event_id,updated_at) VALUES (?,?,?)
ON CONFLICT(name) DO UPDATE SET last_event_id=excluded.last_event_id, updated_at=excluded.updated_at`, name, lastEventID, ms(now))
	return storeErr("set relay cursor", err)
}
