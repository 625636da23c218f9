// Package warmup proactively starts services on a schedule so they
// are already warm by the time real traffic arrives, instead of
// waiting for the first connection to pay the launch cost.
package warmup

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Target is the subset of supervisor.Controller the scheduler needs.
// Defined at the consumer to keep this package independent of the
// supervisor package's other internals.
type Target interface {
	Use(ctx context.Context) (map[int]int, func(), error)
}

// holdDuration is how long a scheduled warm-up keeps its use() scope
// open before releasing it, long enough for the launch to settle
// before the service is left to the normal idle timer.
const holdDuration = 30 * time.Second

// Scheduler runs one or more cron-scheduled warm-ups against
// supervisor controllers.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
}

// NewScheduler builds an empty Scheduler. Call Add for each service
// that declares a warm schedule, then Start.
func NewScheduler(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(),
		log:  log.With().Str("component", "warmup").Logger(),
	}
}

// Add registers a cron-scheduled warm-up of target under name,
// described by a standard 5-field cron expression (or a "@every ..."
// / "@hourly" style descriptor, per robfig/cron/v3's default parser).
// Returns an error if schedule does not parse.
func (s *Scheduler) Add(name, schedule string, target Target) error {
	_, err := s.cron.AddFunc(schedule, func() {
		s.warm(name, target)
	})
	return err
}

func (s *Scheduler) warm(name string, target Target) {
	ctx, cancel := context.WithTimeout(context.Background(), holdDuration+10*time.Second)
	defer cancel()

	s.log.Info().Str("service", name).Msg("scheduled warm-up starting")
	_, release, err := target.Use(ctx)
	if err != nil {
		s.log.Warn().Err(err).Str("service", name).Msg("scheduled warm-up failed")
		return
	}

	select {
	case <-time.After(holdDuration):
	case <-ctx.Done():
	}
	release()
	s.log.Info().Str("service", name).Msg("scheduled warm-up released")
}

// Start begins running scheduled warm-ups in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for any in-progress warm-up to
// return. A warm-up holds its use() scope inside the scheduled job,
// so this can block for up to holdDuration until that scope is
// released.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
