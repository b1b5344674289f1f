/**
 * @description
 * Cron scheduler setup for the payout-service's hygiene jobs: sweeping stale
 * in-flight transfer claims and auto-retrying aged transient failures.
 */
package app

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// SchedulerSettings carries the cron expressions and job tunables.
type SchedulerSettings struct {
	StaleClaimSweepSchedule string
	TransientRetrySchedule  string
	StaleClaimAge           time.Duration
	TransientRetryAge       time.Duration
	TransientRetryBatchSize int
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron     *cron.Cron
	svc      *Service
	settings SchedulerSettings
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(svc *Service, settings SchedulerSettings) *Scheduler {
	if settings.TransientRetryBatchSize < 1 {
		settings.TransientRetryBatchSize = 50
	}
	c := cron.New(cron.WithChain(cron.Recover(cron.PrintfLogger(log.Default()))))
	return &Scheduler{
		cron:     c,
		svc:      svc,
		settings: settings,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.settings.StaleClaimSweepSchedule, s.runStaleClaimSweep); err != nil {
		log.Printf("CRITICAL: failed to schedule stale claim sweep: %v", err)
	} else {
		log.Printf("scheduled stale claim sweep: %s", s.settings.StaleClaimSweepSchedule)
	}

	if _, err := s.cron.AddFunc(s.settings.TransientRetrySchedule, s.runTransientRetry); err != nil {
		log.Printf("CRITICAL: failed to schedule transient retry job: %v", err)
	} else {
		log.Printf("scheduled transient retry job: %s", s.settings.TransientRetrySchedule)
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) runStaleClaimSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-s.settings.StaleClaimAge)
	reset, err := s.svc.SweepStaleClaims(ctx, cutoff)
	if err != nil {
		log.Printf("WARN: stale claim sweep failed: %v", err)
		return
	}
	if reset > 0 {
		log.Printf("stale claim sweep reset %d recipients", reset)
	}
}

func (s *Scheduler) runTransientRetry() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-s.settings.TransientRetryAge)
	retried, err := s.svc.RetryTransientFailures(ctx, cutoff, s.settings.TransientRetryBatchSize)
	if err != nil {
		log.Printf("WARN: transient retry job failed: %v", err)
		return
	}
	if retried > 0 {
		log.Printf("transient retry job re-attempted %d recipients", retried)
	}
}
