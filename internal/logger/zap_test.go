package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestLevelFilteringAndFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "warn", Mode: "production", Encoding: "json", Output: &buf})
	ctx := WithFields(context.Background(), l, "req_id", "r-1")

	l.Infof(ctx, "dropped %d", 1)
	l.Warnf(ctx, "kept %d", 2)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %q", buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry["msg"] != "kept 2" || entry["req_id"] != "r-1" || entry["level"] != "warn" {
		t.Fatalf("unexpected entry %v", entry)
	}
}

func TestUnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "loud", Encoding: "json", Output: &buf})
	l.Debug(context.Background(), "hidden")
	l.Info(context.TODO(), "shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

func TestWithFieldsIgnoresForeignLoggers(t *testing.T) {
	ctx := context.Background()
	if got := WithFields(ctx, stubLogger{}, "k", "v"); got != ctx {
		t.Fatalf("expected ctx unchanged")
	}
	NewNop().Error(WithFields(ctx, NewNop(), "k", "v"), "discarded")
}

type stubLogger struct{ Logger }
