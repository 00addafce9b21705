package maintenance

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/shardtask/shardtask/internal/config"
)

// Scheduler drives the recurring jobs on their cron cadence. Jobs remain
// directly callable for operator-triggered runs; the scheduler only adds
// the timer.
type Scheduler struct {
	cron *cron.Cron
	jobs *Jobs
	cfg  *config.Config
	log  zerolog.Logger
}

// NewScheduler creates a scheduler over the job set.
func NewScheduler(jobs *Jobs, cfg *config.Config, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(),
		jobs: jobs,
		cfg:  cfg,
		log:  logger.With().Str("component", "scheduler").Logger(),
	}
}

// Start registers the daily and weekly jobs and starts the cron loop.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.cfg.Maintenance.DailySchedule, func() {
		s.runLogged(JobDaily, s.jobs.RunDaily)
	}); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.cfg.Maintenance.WeeklySchedule, func() {
		s.runLogged(JobWeekly, s.jobs.RunWeekly)
	}); err != nil {
		return err
	}

	s.cron.Start()
	s.log.Info().
		Str("daily", s.cfg.Maintenance.DailySchedule).
		Str("weekly", s.cfg.Maintenance.WeeklySchedule).
		Msg("maintenance scheduler started")
	return nil
}

// Stop halts the cron loop and waits for a running job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info().Msg("maintenance scheduler stopped")
}

// runLogged runs one scheduled job. A failed run is logged and left for
// the health monitor; the next scheduled run is the retry.
func (s *Scheduler) runLogged(name string, fn func(context.Context) (*RunReport, error)) {
	report, err := fn(context.Background())
	if err != nil {
		s.log.Error().Err(err).Str("job", name).Msg("scheduled maintenance run failed")
		return
	}
	s.log.Info().Str("job", name).Int64("run", report.RunID).
		Int("archived", report.Archived).Msg("scheduled maintenance run completed")
}
