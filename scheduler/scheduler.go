package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Job is one scheduled run. It receives the scheduler's context, which is cancelled on shutdown.
type Job func(ctx context.Context)

// Scheduler runs jobs on standard five-field cron expressions. A job whose previous run is still going when its next
// tick fires is skipped for that tick, and a panicking job is logged without taking the scheduler down.
type Scheduler struct {
	cron *cron.Cron
	log  *logrus.Entry
	ctx  context.Context
	jobs []string
}

func New(log *logrus.Logger) *Scheduler {
	l := cron.PrintfLogger(log.WithField("component", "scheduler"))
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(l),
			cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
		),
		log: log.WithField("component", "scheduler"),
		ctx: context.Background(),
	}
}

// Register adds a job under `name`. It must be called before Run.
func (s *Scheduler) Register(name, spec string, job Job) error {
	_, err := s.cron.AddFunc(spec, func() {
		log := s.log.WithField("job", name)
		log.Info("job started")
		job(s.ctx)
		log.Info("job finished")
	})
	if err != nil {
		return fmt.Errorf("register %s task: %w", name, err)
	}
	s.jobs = append(s.jobs, name)
	return nil
}

// Run starts the scheduler and blocks until `ctx` is done, then waits for running jobs to return.
func (s *Scheduler) Run(ctx context.Context) {
	s.ctx = ctx
	s.cron.Start()
	s.log.WithField("jobs", s.jobs).Info("scheduler started")

	<-ctx.Done()
	s.log.Info("scheduler stopping, waiting for running jobs")
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
}

// Jobs lists the registered job names in registration order.
func (s *Scheduler) Jobs() []string {
	return append([]string(nil), s.jobs...)
}
