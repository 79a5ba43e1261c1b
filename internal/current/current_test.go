package current_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"detour/internal/current"
	"detour/internal/db"
	"detour/internal/migrate"
	"detour/internal/repo"
)

func exercise(t *testing.T, s current.Store) {
	t.Helper()
	ctx := context.Background()
	if _, err := s.Get(ctx, "anon_1"); !errors.Is(err, current.ErrNone) {
		t.Fatalf("expected ErrNone, got %v", err)
	}
	if err := s.Set(ctx, "anon_1", "ses_a"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set(ctx, "anon_1", "ses_b"); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := s.Get(ctx, "anon_1")
	if err != nil || got != "ses_b" {
		t.Fatalf("get = %q, %v", got, err)
	}
	if err := s.Clear(ctx, "anon_1", "ses_a"); err != nil {
		t.Fatalf("clear stale: %v", err)
	}
	if got, _ := s.Get(ctx, "anon_1"); got != "ses_b" {
		t.Fatalf("stale clear removed pointer, got %q", got)
	}
	if err := s.Clear(ctx, "anon_1", "ses_b"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, err := s.Get(ctx, "anon_1"); !errors.Is(err, current.ErrNone) {
		t.Fatalf("expected pointer cleared, got %v", err)
	}
}

func TestSQLStore(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	exercise(t, current.NewSQLStore(repo.Repo{DB: conn}))
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer cli.Close()
	exercise(t, current.NewRedisStore(cli, time.Hour, nil))
}

func TestRedisStoreExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	cli, err := current.Connect(context.Background(), current.RedisConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer cli.Close()
	s := current.NewRedisStore(cli, time.Minute, nil)
	if err := s.Set(context.Background(), "anon_1", "ses_a"); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(2 * time.Minute)
	if _, err := s.Get(context.Background(), "anon_1"); !errors.Is(err, current.ErrNone) {
		t.Fatalf("expected pointer to expire, got %v", err)
	}
}
