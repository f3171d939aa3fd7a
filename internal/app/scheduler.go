/**
 * @description
 * Cron scheduler setup for the reconciliation sweep and event drain jobs.
 */
package app

import (
	"context"
	"log"

	"github.com/robfig/cron/v3"
)

// Scheduler manages the recurring reconciliation jobs.
type Scheduler struct {
	cron          *cron.Cron
	service       *Service
	sweepSpec     string
	drainSpec     string
	drainDisabled bool
}

// NewScheduler creates a scheduler for the given service. An empty drain
// schedule disables the event drain job (push-model integrations that call
// the drain endpoint instead).
func NewScheduler(service *Service, sweepSpec, drainSpec string) *Scheduler {
	cronLogger := cron.PrintfLogger(log.Default())
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:          c,
		service:       service,
		sweepSpec:     sweepSpec,
		drainSpec:     drainSpec,
		drainDisabled: drainSpec == "",
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.sweepSpec, s.runSweep); err != nil {
		log.Printf("level=error component=scheduler msg=\"failed to schedule reconciliation sweep\" schedule=%q err=%v", s.sweepSpec, err)
	} else {
		log.Printf("level=info component=scheduler msg=\"scheduled reconciliation sweep\" schedule=%q", s.sweepSpec)
	}

	if s.drainDisabled {
		log.Printf("level=info component=scheduler msg=\"refund event drain job disabled\"")
	} else if _, err := s.cron.AddFunc(s.drainSpec, s.runDrain); err != nil {
		log.Printf("level=error component=scheduler msg=\"failed to schedule refund event drain\" schedule=%q err=%v", s.drainSpec, err)
	} else {
		log.Printf("level=info component=scheduler msg=\"scheduled refund event drain\" schedule=%q", s.drainSpec)
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) runSweep() {
	report, err := s.service.RunReconciliationSweep(context.Background())
	if err != nil {
		log.Printf("level=error component=scheduler msg=\"reconciliation sweep failed\" err=%v", err)
		return
	}
	log.Printf("level=info component=scheduler msg=%q", report.String())
}

func (s *Scheduler) runDrain() {
	report, err := s.service.DrainRefundEvents(context.Background())
	if err != nil {
		log.Printf("level=error component=scheduler msg=\"refund event drain failed\" err=%v", err)
		return
	}
	log.Printf("level=info component=scheduler msg=%q", report.String())
}
