package audit

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"warden.dev/internal/auth"
)

func TestEvent(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	l := New(zap.New(core))

	ctx := WithRequestID(context.Background(), "req-123")
	ctx = auth.ContextWithPrincipal(ctx, auth.NewPrincipal(auth.User{ID: "user-42"}, nil, nil))

	if err := l.Event(ctx, "auth.login", map[string]string{"email": "ada@example.test"}); err != nil {
		t.Fatalf("Event failed: %v", err)
	}

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Message != "auth.login" || e.LoggerName != "audit" {
		t.Fatalf("unexpected entry: %+v", e)
	}
	fields := e.ContextMap()
	if fields["type"] != "audit" || fields["request_id"] != "req-123" || fields["user_id"] != "user-42" {
		t.Fatalf("unexpected fields: %v", fields)
	}
	if fields["email"] != "ada@example.test" {
		t.Fatalf("custom field missing: %v", fields)
	}
}

func TestEventRequiresName(t *testing.T) {
	if err := New(nil).Event(context.Background(), "  ", nil); err == nil {
		t.Fatal("expected error for empty event name")
	}
	var nilLogger *Logger
	if err := nilLogger.Event(context.Background(), "x", nil); err != nil {
		t.Fatalf("nil logger: %v", err)
	}
}
