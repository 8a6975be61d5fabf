// Package scheduler is the shared external-scheduler entrypoint contract
// (SPEC_FULL.md §6): a cron-like driver dispatches each enabled job onto its
// own goroutine on a fixed tick interval, independent of every other job.
package scheduler

import (
	"context"
	"sync"
	"time"

	"k8s.io/klog/v2"
)

// Job is the minimal description the scheduler needs to dispatch a tick: an
// id for logging and a Tick function that runs one control-loop iteration.
type Job struct {
	ID   string
	Tick func(ctx context.Context) error
}

// Scheduler dispatches every registered job on a shared ticker, never
// double-dispatching a job whose prior tick is unfinished (spec.md §5
// "Mutual exclusion": the runner assumes zero intra-process contention
// because the scheduler enforces this).
type Scheduler struct {
	interval time.Duration

	mu   sync.Mutex
	jobs []Job
}

// New creates a Scheduler that ticks every interval.
func New(interval time.Duration) *Scheduler {
	return &Scheduler{interval: interval}
}

// Register adds job to the dispatch set. Safe to call before or while Run
// is executing.
func (s *Scheduler) Register(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
}

// Run blocks, dispatching every registered job on each tick, until ctx is
// cancelled. Each job's tick runs in its own goroutine so a slow job never
// delays another job's dispatch; an in-flight set guards re-entrancy per job id.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	inFlight := make(map[string]bool)
	var inFlightMu sync.Mutex

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			jobs := append([]Job(nil), s.jobs...)
			s.mu.Unlock()

			for _, job := range jobs {
				inFlightMu.Lock()
				if inFlight[job.ID] {
					inFlightMu.Unlock()
					klog.V(3).InfoS("previous tick still running, skipping dispatch", "job", job.ID)
					continue
				}
				inFlight[job.ID] = true
				inFlightMu.Unlock()

				go func(j Job) {
					defer func() {
						inFlightMu.Lock()
						delete(inFlight, j.ID)
						inFlightMu.Unlock()
					}()
					if err := j.Tick(ctx); err != nil {
						klog.ErrorS(err, "job tick failed", "job", j.ID)
					}
				}(job)
			}
		}
	}
}
