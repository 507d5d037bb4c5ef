// Package grace delays node deprovisioning after a subscription is
// cancelled, and lets a reactivation call it off until the delay ends.
package grace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/lyndonlyu/fleet/internal/audit"
	"github.com/lyndonlyu/fleet/internal/clock"
	"github.com/lyndonlyu/fleet/internal/fleet"
	"github.com/lyndonlyu/fleet/internal/statedb"
)

const DefaultPeriod = 72 * time.Hour

// Store persists subscription grace-period state.
type Store interface {
	SetGracePeriod(ctx context.Context, key fleet.UserKey, subscriptionRef string, endsAt time.Time) error
	SubscriptionStatus(ctx context.Context, key fleet.UserKey) (fleet.SubscriptionStatus, error)
	SetSubscriptionStatus(ctx context.Context, key fleet.UserKey, status fleet.SubscriptionStatus) error
	MarkCanceled(ctx context.Context, key fleet.UserKey) error
	GracePeriodSubscriptions(ctx context.Context) ([]statedb.Subscription, error)
}

// Deprovisioner releases the node that belongs to a user.
type Deprovisioner interface {
	ReleaseNode(ctx context.Context, key fleet.UserKey) error
}

type Auditor interface {
	Log(e audit.Entry) error
}

// Job is a pending deprovision.
type Job struct {
	UserKey         fleet.UserKey `json:"user_key"`
	SubscriptionRef string        `json:"subscription_ref"`
	FireAt          time.Time     `json:"fire_at"`
}

type job struct {
	Job
	timer *clock.Timer
}

type Options struct {
	Period time.Duration
	Clock  clock.Clock
	Audit  Auditor
	Logger *slog.Logger
}

// Scheduler holds at most one pending job per user key.
type Scheduler struct {
	store  Store
	deprov Deprovisioner
	opts   Options
	log    *slog.Logger

	mu   sync.Mutex
	jobs map[fleet.UserKey]*job
	// attempted remembers the deadline of every job that already fired,
	// so sweeps never run a failed deprovision twice.
	attempted map[fleet.UserKey]time.Time
	inflight  sync.WaitGroup
}

func New(store Store, deprov Deprovisioner, opts Options) *Scheduler {
	if opts.Period <= 0 {
		opts.Period = DefaultPeriod
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scheduler{
		store:     store,
		deprov:    deprov,
		opts:      opts,
		log:       opts.Logger.With("component", "grace"),
		jobs:      make(map[fleet.UserKey]*job),
		attempted: make(map[fleet.UserKey]time.Time),
	}
}

// Schedule persists the grace period for key and arms its deprovision
// timer, replacing any pending job for the same key. Only persistence
// errors are returned.
func (s *Scheduler) Schedule(ctx context.Context, key fleet.UserKey, subscriptionRef string) (time.Time, error) {
	fireAt := s.opts.Clock.Now().Add(s.opts.Period).UTC().Truncate(time.Second)
	if err := s.store.SetGracePeriod(ctx, key, subscriptionRef, fireAt); err != nil {
		return time.Time{}, fmt.Errorf("grace: schedule %s: %w", key, err)
	}
	replaced := s.register(Job{UserKey: key, SubscriptionRef: subscriptionRef, FireAt: fireAt})

	s.log.Info("deprovision scheduled", "user", key, "fire_at", fireAt, "replaced", replaced)
	s.audit(audit.Entry{
		Action:  audit.ActionGraceSchedule,
		Node:    string(key),
		Outcome: "scheduled",
		Detail:  "fire_at=" + fireAt.Format(time.RFC3339),
	})
	return fireAt, nil
}

// Cancel stops the pending job for key. It reports whether one was
// pending; cancelling twice is harmless.
func (s *Scheduler) Cancel(key fleet.UserKey) bool {
	s.mu.Lock()
	j, ok := s.jobs[key]
	if ok {
		j.timer.Stop()
		delete(s.jobs, key)
	}
	s.mu.Unlock()

	if ok {
		s.log.Info("deprovision cancelled", "user", key)
		s.audit(audit.Entry{Action: audit.ActionGraceCancel, Node: string(key), Outcome: "canceled"})
	}
	return ok
}

// Reactivate cancels any pending job and returns the subscription to
// active.
func (s *Scheduler) Reactivate(ctx context.Context, key fleet.UserKey) error {
	s.Cancel(key)
	if err := s.store.SetSubscriptionStatus(ctx, key, fleet.SubscriptionActive); err != nil {
		return fmt.Errorf("grace: reactivate %s: %w", key, err)
	}
	s.mu.Lock()
	delete(s.attempted, key)
	s.mu.Unlock()
	s.log.Info("subscription reactivated", "user", key)
	return nil
}

// Pending lists the armed jobs ordered by fire time.
func (s *Scheduler) Pending() []Job {
	s.mu.Lock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.Job)
	}
	s.mu.Unlock()

	sort.Slice(out, func(a, b int) bool {
		if out[a].FireAt.Equal(out[b].FireAt) {
			return out[a].UserKey < out[b].UserKey
		}
		return out[a].FireAt.Before(out[b].FireAt)
	})
	return out
}

// Restore arms a job for every persisted grace period that has no
// pending job yet. Overdue ones fire right away. It returns the number
// of jobs armed.
func (s *Scheduler) Restore(ctx context.Context) (int, error) {
	subs, err := s.store.GracePeriodSubscriptions(ctx)
	if err != nil {
		return 0, fmt.Errorf("grace: restore: %w", err)
	}

	armed := 0
	for _, sub := range subs {
		s.mu.Lock()
		_, pending := s.jobs[sub.UserKey]
		last, tried := s.attempted[sub.UserKey]
		s.mu.Unlock()
		if pending || (tried && last.Equal(sub.GracePeriodEndsAt)) {
			continue
		}
		s.register(Job{UserKey: sub.UserKey, SubscriptionRef: sub.SubscriptionRef, FireAt: sub.GracePeriodEndsAt})
		armed++
	}
	if armed > 0 {
		s.log.Info("grace periods restored", "armed", armed)
	}
	return armed, nil
}

// Wait blocks until every job that has started firing is done.
func (s *Scheduler) Wait() {
	s.inflight.Wait()
}

// Stop disarms every pending job without touching persisted state.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, j := range s.jobs {
		j.timer.Stop()
		delete(s.jobs, key)
	}
}

// register arms j, replacing the pending job for the same key. It
// reports whether a job was replaced.
func (s *Scheduler) register(j Job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, replaced := s.jobs[j.UserKey]
	if replaced {
		old.timer.Stop()
	}
	nj := &job{Job: j}
	s.jobs[j.UserKey] = nj
	// The callback only hands off to a goroutine, so it is safe for a
	// clock that runs it synchronously while s.mu is held.
	nj.timer = s.opts.Clock.AfterFunc(j.FireAt.Sub(s.opts.Clock.Now()), func() {
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			s.fire(nj)
		}()
	})
	return replaced
}

func (s *Scheduler) fire(j *job) {
	s.mu.Lock()
	if s.jobs[j.UserKey] != j {
		s.mu.Unlock()
		return
	}
	delete(s.jobs, j.UserKey)
	s.attempted[j.UserKey] = j.FireAt
	s.mu.Unlock()

	ctx := context.Background()
	log := s.log.With("user", j.UserKey, "subscription", j.SubscriptionRef)

	status, err := s.store.SubscriptionStatus(ctx, j.UserKey)
	if err != nil {
		s.fail(log, j, "read subscription status", err)
		return
	}
	if status != fleet.SubscriptionGracePeriod {
		log.Info("deprovision skipped", "status", status)
		s.audit(audit.Entry{Action: audit.ActionDeprovision, Node: string(j.UserKey), Outcome: "skipped", Detail: "status=" + string(status)})
		return
	}

	if err := s.deprov.ReleaseNode(ctx, j.UserKey); err != nil && !errors.Is(err, fleet.ErrNotFound) {
		s.fail(log, j, "release node", err)
		return
	}
	if err := s.store.MarkCanceled(ctx, j.UserKey); err != nil {
		s.fail(log, j, "mark canceled", err)
		return
	}

	log.Info("node deprovisioned")
	s.audit(audit.Entry{Action: audit.ActionDeprovision, Node: string(j.UserKey), Outcome: "success"})
}

// fail reports a deprovision error. It is never retried automatically.
func (s *Scheduler) fail(log *slog.Logger, j *job, op string, err error) {
	log.Error("deprovision failed", "op", op, "error", err)
	s.audit(audit.Entry{
		Action:  audit.ActionDeprovision,
		Node:    string(j.UserKey),
		Outcome: "failed",
		Error:   fmt.Sprintf("%s: %v", op, err),
	})
}

func (s *Scheduler) audit(e audit.Entry) {
	if s.opts.Audit == nil {
		return
	}
	if err := s.opts.Audit.Log(e); err != nil {
		s.log.Warn("audit log failed", "action", e.Action, "error", err)
	}
}
