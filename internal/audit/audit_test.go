package audit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRecordLaunchAndStopRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.db")

	logger, err := Open(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer logger.Close()

	now := time.Now()
	logger.RecordLaunch("echo", now)
	logger.RecordStop("echo", now.Add(time.Second), "idle timeout")

	events, err := logger.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Kind != "stop" || events[0].Cause != "idle timeout" {
		t.Fatalf("unexpected newest event: %+v", events[0])
	}
	if events[1].Kind != "launch" || events[1].Service != "echo" {
		t.Fatalf("unexpected oldest event: %+v", events[1])
	}
}

func TestRecentRespectsLimit(t *testing.T) {
	dir := t.TempDir()
	logger, err := Open(filepath.Join(dir, "audit.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer logger.Close()

	for i := 0; i < 5; i++ {
		logger.RecordLaunch("svc", time.Now())
	}

	events, err := logger.Recent(2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
}
