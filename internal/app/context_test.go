package app

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"detour/internal/config"
	"detour/internal/current"
	"detour/internal/engine"
)

func TestInitWorkspaceWritesConfigOnce(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	created, err := InitWorkspace(ctx, dir)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if !created {
		t.Fatalf("expected config to be created")
	}
	if err := os.WriteFile(config.Path(dir), []byte("ranking:\n  proposals: 5\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	created, err = InitWorkspace(ctx, dir)
	if err != nil || created {
		t.Fatalf("expected existing config to be kept, got created=%v err=%v", created, err)
	}
	cfg, err := ResolveConfig(dir)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Ranking.Proposals != 5 {
		t.Fatalf("expected proposals 5, got %d", cfg.Ranking.Proposals)
	}
}

func TestOpenWithoutConfigUsesDefaults(t *testing.T) {
	a, err := Open(context.Background(), Options{Workspace: t.TempDir(), LogLevel: "error"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()
	if a.Config.Ranking.Proposals != config.Default().Ranking.Proposals {
		t.Fatalf("expected default config")
	}
	if _, ok := a.Engine.Current.(current.SQLStore); !ok {
		t.Fatalf("expected sql pointer store, got %T", a.Engine.Current)
	}
}

func TestOpenWithRedisKeepsPointerThere(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	a, err := Open(ctx, Options{Workspace: t.TempDir(), LogLevel: "error", RedisAddr: mr.Addr(), RedisTTL: time.Hour})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()
	if _, ok := a.Engine.Current.(*current.RedisStore); !ok {
		t.Fatalf("expected redis pointer store, got %T", a.Engine.Current)
	}
	s, err := a.Engine.Start(ctx, engine.Caller{UserID: "u1"}, engine.StartOptions{AreaID: "shibuya"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if got, err := mr.Get("detour:current:u1"); err != nil || got != s.ID {
		t.Fatalf("expected pointer %s in redis, got %q (%v)", s.ID, got, err)
	}
}

func TestOpenFailsOnUnreachableRedis(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := Open(ctx, Options{Workspace: t.TempDir(), LogLevel: "error", RedisAddr: "127.0.0.1:1"}); err == nil {
		t.Fatalf("expected redis connection error")
	}
}
