package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestSetLevel(t *testing.T) {
	_, level := New("payment-service")
	if level.Level() != zapcore.InfoLevel {
		t.Fatalf("default level = %s", level.Level())
	}
	if !SetLevel(level, " DEBUG ") {
		t.Fatal("expected debug to parse")
	}
	if level.Level() != zapcore.DebugLevel {
		t.Fatalf("level = %s, want debug", level.Level())
	}
	if SetLevel(level, "chatty") {
		t.Fatal("expected unknown level to be rejected")
	}
	if level.Level() != zapcore.DebugLevel {
		t.Fatalf("unknown level changed level to %s", level.Level())
	}
}
