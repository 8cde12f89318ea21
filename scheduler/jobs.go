package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/sirupsen/logrus"

	"livestock_backend/services/liverefresh"
)

// LiveRefresher runs one refresh cycle over the universe.
type LiveRefresher interface {
	RunCycle(ctx context.Context) (liverefresh.CycleResult, error)
}

// DailyRecorder arms and disarms the daily ingest.
type DailyRecorder interface {
	Start()
	Stop()
}

// Scheduler manages scheduled jobs
type Scheduler struct {
	cron     *gocron.Scheduler
	live     LiveRefresher
	recorder DailyRecorder
	interval time.Duration
	log      logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a new scheduler instance. recorder may be nil.
func NewScheduler(interval time.Duration, live LiveRefresher, recorder DailyRecorder, log logrus.FieldLogger) *Scheduler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:     gocron.NewScheduler(time.UTC),
		live:     live,
		recorder: recorder,
		interval: interval,
		log:      log.WithField("component", "scheduler"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start registers the jobs. The live refresh runs once immediately and then
// every interval; a tick that lands while a cycle is still running is
// skipped.
func (s *Scheduler) Start() error {
	s.log.WithField("interval", s.interval.String()).Info("Starting scheduler")

	_, err := s.cron.Every(s.interval).SingletonMode().StartImmediately().Do(s.refreshLiveData)
	if err != nil {
		return fmt.Errorf("failed to schedule live refresh: %w", err)
	}
	s.cron.StartAsync()

	if s.recorder != nil {
		s.recorder.Start()
	}

	s.log.Info("Scheduler started successfully")
	return nil
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	s.cancel()
	s.cron.Stop()
	if s.recorder != nil {
		s.recorder.Stop()
	}
	s.log.Info("Scheduler stopped")
}

// refreshLiveData is the periodic live refresh job
func (s *Scheduler) refreshLiveData() {
	if s.ctx.Err() != nil {
		return
	}
	res, err := s.live.RunCycle(s.ctx)
	if err != nil {
		s.log.WithError(err).Warn("Scheduled live refresh failed")
		return
	}
	s.log.WithFields(logrus.Fields{
		"total":  res.Total,
		"failed": res.Failed,
	}).Debug("Scheduled live refresh done")
}
