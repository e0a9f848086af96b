// Package sweeper runs the background cycle that cancels approved orders
// whose preservation window has lapsed, returning their reserved stock to
// the shelf.
package sweeper

import (
	"context"
	"log"
	"time"

	"github.com/ShashwatGohel/MediStock-sub001/internal/domain"
)

// Runner is the part of the service layer the sweeper drives.
type Runner interface {
	RunExpirySweep(ctx context.Context) domain.SweepResult
}

type Sweeper struct {
	runner   Runner
	interval time.Duration
}

func New(runner Runner, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{runner: runner, interval: interval}
}

// Run blocks until ctx is cancelled, executing one sweep per tick. A cycle
// that cancels nothing is normal and logged only when something happened.
func (s *Sweeper) Run(ctx context.Context) {
	log.Printf("[sweeper] starting, interval %s", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[sweeper] stopping: %v", ctx.Err())
			return
		case <-ticker.C:
			result := s.runner.RunExpirySweep(ctx)
			if result.Cancelled > 0 || result.Failed > 0 {
				log.Printf("[sweeper] scanned=%d cancelled=%d failed=%d", result.Scanned, result.Cancelled, result.Failed)
			}
		}
	}
}
