package logger

import (
	"testing"

	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapAdapterFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	adapter := NewZapAdapter(zap.New(core)).With("workflow", "pipeline")

	adapter.Info("stage finished", "stage", "build", 42, "dropped-key")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["workflow"] != "pipeline" || fields["stage"] != "build" {
		t.Errorf("fields = %v", fields)
	}
	if fields["unknown_key"] != "dropped-key" {
		t.Errorf("non-string key not mapped: %v", fields)
	}
}

func TestNewActivityLoggerLevel(t *testing.T) {
	if l := NewActivityLogger("debug"); l.GetLevel() != logrus.DebugLevel {
		t.Errorf("level = %v, want debug", l.GetLevel())
	}
	if l := NewActivityLogger("bogus"); l.GetLevel() != logrus.InfoLevel {
		t.Errorf("level = %v, want info fallback", l.GetLevel())
	}
}
