package db

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestOpenAppliesPragmas(t *testing.T) {
	ws := t.TempDir()
	conn, err := Open(Config{Workspace: ws, BusyTimeout: 1500 * time.Millisecond})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if _, err := os.Stat(filepath.Join(ws, ".detour", "detour.db")); err != nil {
		t.Fatalf("expected database file: %v", err)
	}
	var mode string
	if err := conn.QueryRow(`PRAGMA journal_mode`).Scan(&mode); err != nil || strings.ToLower(mode) != "wal" {
		t.Fatalf("journal_mode = %q, %v", mode, err)
	}
	var busy, fk int
	if err := conn.QueryRow(`PRAGMA busy_timeout`).Scan(&busy); err != nil || busy != 1500 {
		t.Fatalf("busy_timeout = %d, %v", busy, err)
	}
	if err := conn.QueryRow(`PRAGMA foreign_keys`).Scan(&fk); err != nil || fk != 1 {
		t.Fatalf("foreign_keys = %d, %v", fk, err)
	}
}

func TestDSNDefaults(t *testing.T) {
	got := dsn(Config{})
	if !strings.HasPrefix(got, "file:"+filepath.Join(".", ".detour", "detour.db")+"?") {
		t.Fatalf("unexpected path in %s", got)
	}
	if !strings.Contains(got, "busy_timeout%285000%29") || !strings.Contains(got, "_txlock=immediate") {
		t.Fatalf("missing defaults in %s", got)
	}
}

func TestEnsureWorkspaceDefaultsToCurrentDir(t *testing.T) {
	if Dir("") != ".detour" {
		t.Fatalf("unexpected dir %q", Dir(""))
	}
	ws := t.TempDir()
	dir, err := EnsureWorkspace(ws)
	if err != nil || dir != filepath.Join(ws, ".detour") {
		t.Fatalf("ensure = %q, %v", dir, err)
	}
}
