// Package sweep provides the background cron-driven loop used for both
// task TTL eviction (C6) and OAuth token refresh checks (C7), grounded on
// the source tree's own cron parsing and ticker-driven Runner
// (internal/schedule/cron.go, internal/schedule/runner.go) but generalized
// from "run a user-defined schedule" to "run a fixed set of maintenance
// jobs registered by other components."
package sweep

import (
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/modelcontextprotocol/inspector-sub002/internal/logger"
)

// Runner owns a cron.Cron instance and the jobs registered on it. Every job
// runs on its own goroutine per tick, courtesy of cron's scheduler; Runner
// just owns starting and stopping it cleanly.
type Runner struct {
	mu   sync.Mutex
	c    *cron.Cron
	jobs int
}

// New constructs an idle Runner. Register jobs with Every before calling
// Start.
func New() *Runner {
	return &Runner{c: cron.New(cron.WithSeconds())}
}

// Every registers fn to run on the given cron spec (seconds-enabled, e.g.
// "@every 1m" or "0 */5 * * * *"). A job registered after Start is
// scheduled as well.
func (r *Runner) Every(spec string, fn func()) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.c.AddFunc(spec, func() {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Default().Error("sweep: job panicked", "recover", rec)
			}
		}()
		fn()
	})
	if err == nil {
		r.jobs++
	}
	return err
}

// Start begins running registered jobs on their schedules.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.c.Start()
}

// Stop halts the scheduler and waits for any in-flight job to finish.
func (r *Runner) Stop() {
	ctx := r.c.Stop()
	<-ctx.Done()
}
