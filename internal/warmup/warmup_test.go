package warmup

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeTarget struct {
	uses atomic.Int32
}

func (f *fakeTarget) Use(ctx context.Context) (map[int]int, func(), error) {
	f.uses.Add(1)
	return map[int]int{8080: 9090}, func() {}, nil
}

func TestSchedulerAddRejectsBadSchedule(t *testing.T) {
	s := NewScheduler(zerolog.Nop())
	if err := s.Add("broken", "not a cron expr", &fakeTarget{}); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestSchedulerFiresWarmUp(t *testing.T) {
	s := NewScheduler(zerolog.Nop())
	target := &fakeTarget{}

	if err := s.Add("svc", "@every 100ms", target); err != nil {
		t.Fatalf("Add: %v", err)
	}

	s.Start()
	defer s.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for target.uses.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if target.uses.Load() == 0 {
		t.Fatal("expected at least one warm-up to have fired")
	}
}
