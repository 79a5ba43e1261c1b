// Package current tracks which session each user is working on. The pointer
// is a convenience for clients; losing it never affects session state.
package current

import (
	"context"
	"errors"
	"time"

	"detour/internal/repo"
)

// ErrNone is returned when a user has no current session.
var ErrNone = errors.New("no current session")

type Store interface {
	Set(ctx context.Context, userID, sessionID string) error
	Get(ctx context.Context, userID string) (string, error)
	// Clear removes the pointer only while it still names sessionID.
	Clear(ctx context.Context, userID, sessionID string) error
}

// SQLStore keeps pointers in the current_sessions table.
type SQLStore struct {
	Repo repo.Repo
	Now  func() time.Time
}

func NewSQLStore(r repo.Repo) SQLStore {
	return SQLStore{Repo: r, Now: time.Now}
}

func (s SQLStore) Set(ctx context.Context, userID, sessionID string) error {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return s.Repo.SetCurrentSession(ctx, userID, sessionID, now())
}

func (s SQLStore) Get(ctx context.Context, userID string) (string, error) {
	id, err := s.Repo.GetCurrentSession(ctx, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return "", ErrNone
	}
	return id, err
}

func (s SQLStore) Clear(ctx context.Context, userID, sessionID string) error {
	return s.Repo.ClearCurrentSession(ctx, userID, sessionID)
}
