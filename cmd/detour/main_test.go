package main

import (
	"context"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"detour/internal/config"
	"detour/internal/db"
	"detour/internal/domain"
	"detour/internal/engine"
	"detour/internal/migrate"
	"detour/internal/observation"
	"detour/internal/server"
)

func newTestEngine(t *testing.T) engine.Engine {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return engine.New(conn, config.Default(), nil)
}

func serve(t *testing.T, e engine.Engine, auth server.AuthConfig) string {
	t.Helper()
	handler, err := server.New(server.Config{Engine: e, Auth: auth})
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
	})
	return "http://" + ln.Addr().String()
}

func post(t *testing.T, url, token string) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader("{}"))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	res.Body.Close()
	return res.StatusCode
}

func TestIssuedOperatorTokenReachesOperatorRoutes(t *testing.T) {
	auth := server.AuthConfig{TokenSecret: "cli-secret", TokenTTL: time.Hour}
	base := serve(t, newTestEngine(t), auth)

	ops, err := issueToken(auth, "ops", server.RoleOperator)
	if err != nil {
		t.Fatalf("issue operator token: %v", err)
	}
	if ops.UserID != "ops" || ops.Role != server.RoleOperator || ops.ExpiresAt.IsZero() {
		t.Fatalf("unexpected token %+v", ops)
	}
	if code := post(t, base+"/v0/maintenance/cleanup", ops.Token); code != http.StatusOK {
		t.Fatalf("expected operator cleanup to succeed, got %d", code)
	}
	if code := post(t, base+"/v0/observations/sync", ops.Token); code != http.StatusOK {
		t.Fatalf("expected operator sync to succeed, got %d", code)
	}

	dev, err := issueToken(auth, "", server.RoleDevice)
	if err != nil {
		t.Fatalf("issue device token: %v", err)
	}
	if !strings.HasPrefix(dev.UserID, "anon_") {
		t.Fatalf("expected minted pseudonymous id, got %q", dev.UserID)
	}
	if code := post(t, base+"/v0/maintenance/cleanup", dev.Token); code != http.StatusForbidden {
		t.Fatalf("expected device token to be forbidden, got %d", code)
	}

	other, err := issueToken(server.AuthConfig{TokenSecret: "other"}, "ops", server.RoleOperator)
	if err != nil {
		t.Fatal(err)
	}
	if code := post(t, base+"/v0/maintenance/cleanup", other.Token); code != http.StatusUnauthorized {
		t.Fatalf("expected foreign secret to be rejected, got %d", code)
	}
}

func TestIssueTokenRejectsBadInput(t *testing.T) {
	if _, err := issueToken(server.AuthConfig{TokenSecret: "s"}, "ops", "admin"); err == nil {
		t.Fatalf("expected unknown role to be rejected")
	}
	if _, err := issueToken(server.AuthConfig{}, "ops", server.RoleOperator); err == nil {
		t.Fatalf("expected missing secret to be rejected")
	}
}

func TestRecordVisit(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	for _, o := range []domain.Outcome{domain.OutcomeEntered, domain.OutcomeFull, domain.OutcomeQueueLeft, domain.OutcomeClosed} {
		rec, err := recordVisit(ctx, e.Ledger, observation.Input{PlaceID: "P", UserID: "u1", Outcome: o, PartySize: 1})
		if err != nil {
			t.Fatalf("record %s: %v", o, err)
		}
		if rec.Observation.Outcome != o || rec.Queued {
			t.Fatalf("record %s returned %+v", o, rec)
		}
	}
	rec, err := recordVisit(ctx, e.Ledger, observation.Input{PlaceID: "P", UserID: "u1", Outcome: domain.OutcomeEntered, PartySize: 3, Method: domain.MethodCall})
	if err != nil {
		t.Fatalf("record detailed: %v", err)
	}
	if rec.Observation.PartySize != 3 || rec.Observation.Method != domain.MethodCall {
		t.Fatalf("detailed fields lost: %+v", rec.Observation)
	}
	if got := e.Ledger.SuccessRate(ctx, "P", observation.Filter{}); got.SampleSize != 5 || got.Successes != 2 {
		t.Fatalf("unexpected rate %+v", got)
	}
	if _, err := recordVisit(ctx, e.Ledger, observation.Input{PlaceID: "P", UserID: "u1", Outcome: "maybe"}); err == nil {
		t.Fatalf("expected invalid outcome to be rejected")
	}
}
