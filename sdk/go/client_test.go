package detoursdk

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"detour/internal/config"
	"detour/internal/db"
	"detour/internal/domain"
	"detour/internal/engine"
	"detour/internal/migrate"
	"detour/internal/server"
)

func newServer(t *testing.T) string {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default(), nil)
	ctx := context.Background()
	for _, id := range []string{"cafe-1", "cafe-2"} {
		if err := e.Repo.UpsertVenue(ctx, domain.Venue{PlaceID: id, AreaID: "shibuya", Name: id, Category: "cafe", CreatedAt: time.Now()}); err != nil {
			t.Fatalf("seed venue: %v", err)
		}
	}
	handler, err := server.New(server.Config{Engine: e, Auth: server.AuthConfig{TokenSecret: "sdk-secret"}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
		conn.Close()
	})
	return "http://" + ln.Addr().String()
}

func TestClientSessionRoundTrip(t *testing.T) {
	c := New(newServer(t))
	ctx := context.Background()

	tok, err := c.IssueDeviceToken(ctx, "")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if tok.UserID == "" || c.BearerToken == "" {
		t.Fatalf("expected token to be kept, got %+v", tok)
	}
	s, err := c.StartSession(ctx, "shibuya", "cafe", Constraints{PartySize: 2})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(s.Proposals) != 2 || c.SessionID != s.ID {
		t.Fatalf("unexpected session %+v", s)
	}
	cur, err := c.CurrentSession(ctx)
	if err != nil || cur.ID != s.ID {
		t.Fatalf("current: %+v %v", cur, err)
	}
	if _, err := c.Select(ctx, s.ID, s.Proposals[0].PlaceID); err != nil {
		t.Fatalf("select: %v", err)
	}
	done, err := c.Complete(ctx, s.ID, true, "", "smooth")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.State != "success" {
		t.Fatalf("expected success, got %s", done.State)
	}
	items, err := c.ListSessions(ctx, 10)
	if err != nil || len(items) != 1 {
		t.Fatalf("list: %d %v", len(items), err)
	}
}

func TestClientSurfacesErrorEnvelope(t *testing.T) {
	c := New(newServer(t))
	ctx := context.Background()

	_, err := c.CurrentSession(ctx)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized || apiErr.Code != "unauthorized" {
		t.Fatalf("expected unauthorized APIError, got %v", err)
	}
	if _, err := c.IssueDeviceToken(ctx, "u-1"); err != nil {
		t.Fatalf("token: %v", err)
	}
	_, err = c.Rescue(ctx, "ses_missing")
	if !errors.As(err, &apiErr) || apiErr.Code != "session_not_found" {
		t.Fatalf("expected session_not_found, got %v", err)
	}
	snap, err := c.Availability(ctx, "cafe-1")
	if err != nil || snap.Status != "unknown" || !snap.Stale {
		t.Fatalf("expected stale unknown snapshot, got %+v %v", snap, err)
	}
}
