package grace

import (
	"context"
	"fmt"

	"github.com/lyndonlyu/fleet/internal/clock"
	"github.com/lyndonlyu/fleet/internal/fleet"
	"github.com/robfig/cron"
)

// Sweep reconciles the armed jobs with persisted state: grace periods
// written by another process get a job, and jobs whose subscription
// left the grace period are disarmed.
func (s *Scheduler) Sweep(ctx context.Context) (armed, disarmed int, err error) {
	subs, err := s.store.GracePeriodSubscriptions(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("grace: sweep: %w", err)
	}
	live := make(map[fleet.UserKey]bool, len(subs))
	for _, sub := range subs {
		live[sub.UserKey] = true
	}

	var stale []fleet.UserKey
	s.mu.Lock()
	for key := range s.jobs {
		if !live[key] {
			stale = append(stale, key)
		}
	}
	s.mu.Unlock()
	for _, key := range stale {
		if s.Cancel(key) {
			disarmed++
		}
	}

	armed, err = s.Restore(ctx)
	if err != nil {
		return 0, disarmed, err
	}
	return armed, disarmed, nil
}

// RunSweeps sweeps on every tick of the cron schedule spec until ctx is
// done. spec uses the six-field format with seconds, or a descriptor
// such as "@every 1h".
func (s *Scheduler) RunSweeps(ctx context.Context, spec string) error {
	sched, err := cron.Parse(spec)
	if err != nil {
		return fmt.Errorf("grace: sweep schedule %q: %w", spec, err)
	}
	for {
		now := s.opts.Clock.Now()
		if !clock.Sleep(s.opts.Clock, sched.Next(now).Sub(now), ctx.Done()) {
			return nil
		}
		armed, disarmed, err := s.Sweep(ctx)
		if err != nil {
			s.log.Error("sweep failed", "error", err)
			continue
		}
		s.log.Debug("sweep done", "armed", armed, "disarmed", disarmed)
	}
}
