package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"haccare.org/internal/auth"
	"haccare.org/internal/obs"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	logger := obs.Logger()
	original := logger.Writer()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	t.Cleanup(func() { logger.SetOutput(original) })
	return &buf
}

func TestLogEvent(t *testing.T) {
	buf := captureLog(t)

	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-123")
	ctx = auth.ContextWithPrincipal(ctx, auth.Principal{ID: "principal-42", Name: "T. Instructor"})

	if err := LogEvent(ctx, "sim.session.launch", map[string]any{"session_id": "s1"}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["type"] != "audit" {
		t.Fatalf("unexpected type: %v", entry["type"])
	}
	if entry["event"] != "sim.session.launch" {
		t.Fatalf("unexpected event: %v", entry["event"])
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
	if entry["principal_id"] != "principal-42" || entry["principal_name"] != "T. Instructor" {
		t.Fatalf("principal not recorded: %v", entry)
	}
	if entry["session_id"] != "s1" {
		t.Fatalf("caller field missing: %v", entry)
	}
}

func TestLogEventDropsReservedFields(t *testing.T) {
	buf := captureLog(t)

	ctx := auth.ContextWithPrincipal(context.Background(), auth.Principal{ID: "principal-42"})
	err := LogEvent(ctx, "sim.session.reset", map[string]any{
		"principal_id": "spoofed",
		"policy":       "preserving",
	})
	if err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["principal_id"] != "principal-42" {
		t.Fatalf("reserved key was overridden: %v", entry["principal_id"])
	}
	if entry["policy"] != "preserving" {
		t.Fatalf("ordinary field dropped: %v", entry)
	}
}

func TestLogEventRequiresName(t *testing.T) {
	if err := LogEvent(context.Background(), "  ", nil); err == nil {
		t.Fatal("expected error for empty event name")
	}
}
