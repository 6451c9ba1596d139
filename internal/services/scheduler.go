package services

import (
	"context"
	"fmt"
	"time"

	"lunawave-api/pkg/logging"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
)

// sweepTimeout bounds one scheduled run so a stuck provider call cannot
// hold the job forever.
const sweepTimeout = 30 * time.Minute

// Scheduler runs the grant sweeps in-process. Deployments that use an
// external cron instead leave it disabled and call the sweep endpoint.
type Scheduler struct {
	sched  gocron.Scheduler
	grants *GrantService
}

// NewScheduler registers the daily boundary job (expiry, daily reset,
// monthly bonus and renewal at 00:00:05 UTC) and a periodic expiry sweep.
func NewScheduler(grants *GrantService, clock clockwork.Clock, expiryInterval time.Duration) (*Scheduler, error) {
	sched, err := gocron.NewScheduler(
		gocron.WithClock(clock),
		gocron.WithLocation(time.UTC),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	s := &Scheduler{sched: sched, grants: grants}

	_, err = sched.NewJob(
		gocron.DailyJob(1, gocron.NewAtTimes(gocron.NewAtTime(0, 0, 5))),
		gocron.NewTask(func() {
			s.run(SweepAll)
		}),
		gocron.WithName("ledger-boundary"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register boundary job: %w", err)
	}

	if expiryInterval > 0 {
		_, err = sched.NewJob(
			gocron.DurationJob(expiryInterval),
			gocron.NewTask(func() {
				s.run(SweepExpiry)
			}),
			gocron.WithName("expiry-sweep"),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to register expiry job: %w", err)
		}
	}
	return s, nil
}

func (s *Scheduler) run(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	summaries, err := s.grants.Run(ctx, name)
	if err != nil {
		logging.Errorf("[Scheduler] sweep %s failed: %v", name, err)
		return
	}
	for _, summary := range summaries {
		logging.Infof("[Scheduler] %s sweep: processed=%d succeeded=%d skipped=%d failed=%d",
			summary.Name, summary.Processed, summary.Succeeded, summary.Skipped, summary.Failed)
	}
}

// Start begins scheduling.
func (s *Scheduler) Start() {
	s.sched.Start()
	logging.Infof("Scheduler started with %d jobs", len(s.sched.Jobs()))
}

// Shutdown waits for running jobs and stops the scheduler.
func (s *Scheduler) Shutdown() error {
	return s.sched.Shutdown()
}
