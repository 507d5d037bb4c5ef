package grace

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lyndonlyu/fleet/internal/audit"
	"github.com/lyndonlyu/fleet/internal/clock"
	"github.com/lyndonlyu/fleet/internal/fleet"
	"github.com/lyndonlyu/fleet/internal/statedb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu       sync.Mutex
	subs     map[fleet.UserKey]statedb.Subscription
	released []fleet.UserKey
	failSet  error
	failRel  error
}

func newMemStore() *memStore {
	return &memStore{subs: map[fleet.UserKey]statedb.Subscription{}}
}

func (m *memStore) SetGracePeriod(_ context.Context, key fleet.UserKey, ref string, endsAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSet != nil {
		return m.failSet
	}
	sub := m.subs[key]
	sub.UserKey, sub.SubscriptionRef = key, ref
	sub.Status = fleet.SubscriptionGracePeriod
	sub.GracePeriodEndsAt = endsAt
	m.subs[key] = sub
	return nil
}

func (m *memStore) SubscriptionStatus(_ context.Context, key fleet.UserKey) (fleet.SubscriptionStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[key]
	if !ok {
		return "", fleet.ErrNotFound
	}
	return sub.Status, nil
}

func (m *memStore) SetSubscriptionStatus(_ context.Context, key fleet.UserKey, status fleet.SubscriptionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSet != nil {
		return m.failSet
	}
	sub, ok := m.subs[key]
	if !ok {
		return fleet.ErrNotFound
	}
	sub.Status = status
	sub.GracePeriodEndsAt = time.Time{}
	m.subs[key] = sub
	return nil
}

func (m *memStore) MarkCanceled(_ context.Context, key fleet.UserKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub := m.subs[key]
	sub.Status = fleet.SubscriptionCanceled
	sub.VPSProvisioned = false
	m.subs[key] = sub
	return nil
}

func (m *memStore) GracePeriodSubscriptions(context.Context) ([]statedb.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []statedb.Subscription
	for _, sub := range m.subs {
		if sub.Status == fleet.SubscriptionGracePeriod {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (m *memStore) ReleaseNode(_ context.Context, key fleet.UserKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failRel != nil {
		return m.failRel
	}
	m.released = append(m.released, key)
	return nil
}

func (m *memStore) status(key fleet.UserKey) fleet.SubscriptionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs[key].Status
}

func (m *memStore) releasedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.released)
}

type memAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (a *memAudit) Log(e audit.Entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return nil
}

func (a *memAudit) outcomes(action string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, e := range a.entries {
		if e.Action == action {
			out = append(out, e.Outcome)
		}
	}
	return out
}

var t0 = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func newTestScheduler() (*Scheduler, *memStore, *clock.FakeClock, *memAudit) {
	store := newMemStore()
	fake := clock.Fake(t0)
	aud := &memAudit{}
	return New(store, store, Options{Clock: fake, Audit: aud}), store, fake, aud
}

func TestScheduleFiresAfterPeriod(t *testing.T) {
	s, store, fake, aud := newTestScheduler()
	ctx := context.Background()

	fireAt, err := s.Schedule(ctx, "u1", "sub_1")
	require.NoError(t, err)
	assert.True(t, t0.Add(72*time.Hour).Equal(fireAt))
	assert.Equal(t, fleet.SubscriptionGracePeriod, store.status("u1"))
	assert.True(t, fireAt.Equal(store.subs["u1"].GracePeriodEndsAt))

	fake.Advance(71 * time.Hour)
	s.Wait()
	assert.Zero(t, store.releasedCount())
	require.Len(t, s.Pending(), 1)

	fake.Advance(time.Hour)
	s.Wait()
	assert.Equal(t, 1, store.releasedCount())
	assert.Equal(t, fleet.SubscriptionCanceled, store.status("u1"))
	assert.False(t, store.subs["u1"].VPSProvisioned)
	assert.Empty(t, s.Pending())
	assert.Equal(t, []string{"success"}, aud.outcomes(audit.ActionDeprovision))
}

func TestCancelIsIdempotent(t *testing.T) {
	s, store, fake, _ := newTestScheduler()

	_, err := s.Schedule(context.Background(), "u1", "sub_1")
	require.NoError(t, err)

	assert.True(t, s.Cancel("u1"))
	assert.False(t, s.Cancel("u1"))
	assert.False(t, s.Cancel("never-scheduled"))

	fake.Advance(100 * time.Hour)
	s.Wait()
	assert.Zero(t, store.releasedCount())
	assert.Zero(t, fake.Pending())
}

func TestRescheduleReplacesJob(t *testing.T) {
	s, store, fake, _ := newTestScheduler()
	ctx := context.Background()

	_, err := s.Schedule(ctx, "u1", "sub_1")
	require.NoError(t, err)
	fake.Advance(24 * time.Hour)
	second, err := s.Schedule(ctx, "u1", "sub_2")
	require.NoError(t, err)

	pending := s.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "sub_2", pending[0].SubscriptionRef)
	assert.True(t, second.Equal(pending[0].FireAt))
	assert.Equal(t, 1, fake.Pending())

	// The first deadline passes without effect.
	fake.Advance(48 * time.Hour)
	s.Wait()
	assert.Zero(t, store.releasedCount())

	fake.Advance(24 * time.Hour)
	s.Wait()
	assert.Equal(t, 1, store.releasedCount(), "exactly one fire")
}

func TestFireRespectsCurrentStatus(t *testing.T) {
	s, store, fake, aud := newTestScheduler()
	ctx := context.Background()
	store.subs["u1"] = statedb.Subscription{UserKey: "u1", Status: fleet.SubscriptionActive, VPSProvisioned: true}

	_, err := s.Schedule(ctx, "u1", "sub_1")
	require.NoError(t, err)

	// Reactivated through another path without cancelling the timer.
	require.NoError(t, store.SetSubscriptionStatus(ctx, "u1", fleet.SubscriptionActive))

	fake.Advance(72 * time.Hour)
	s.Wait()
	assert.Zero(t, store.releasedCount())
	assert.Equal(t, fleet.SubscriptionActive, store.status("u1"))
	assert.True(t, store.subs["u1"].VPSProvisioned, "a stale fire leaves the server provisioned")
	assert.Equal(t, []string{"skipped"}, aud.outcomes(audit.ActionDeprovision))
}

func TestDeprovisionFailureIsSwallowed(t *testing.T) {
	s, store, fake, aud := newTestScheduler()
	ctx := context.Background()
	store.failRel = errors.New("provider API 503")

	_, err := s.Schedule(ctx, "u1", "sub_1")
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		fake.Advance(72 * time.Hour)
		s.Wait()
	})
	assert.Equal(t, fleet.SubscriptionGracePeriod, store.status("u1"), "left for manual intervention")
	assert.Equal(t, []string{"failed"}, aud.outcomes(audit.ActionDeprovision))

	// A sweep does not retry it.
	armed, _, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, armed)
	s.Wait()
	assert.Len(t, aud.outcomes(audit.ActionDeprovision), 1)
}

func TestScheduleDoesNotArmOnPersistError(t *testing.T) {
	s, store, fake, _ := newTestScheduler()
	store.failSet = errors.New("disk full")

	_, err := s.Schedule(context.Background(), "u1", "sub_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Empty(t, s.Pending())
	assert.Zero(t, fake.Pending())
}

func TestReactivate(t *testing.T) {
	s, store, fake, _ := newTestScheduler()
	ctx := context.Background()

	_, err := s.Schedule(ctx, "u1", "sub_1")
	require.NoError(t, err)
	require.NoError(t, s.Reactivate(ctx, "u1"))

	assert.Empty(t, s.Pending())
	assert.Equal(t, fleet.SubscriptionActive, store.status("u1"))
	fake.Advance(72 * time.Hour)
	s.Wait()
	assert.Zero(t, store.releasedCount())

	err = s.Reactivate(ctx, "ghost")
	assert.ErrorIs(t, err, fleet.ErrNotFound)
}

func TestRestore(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	require.NoError(t, store.SetGracePeriod(ctx, "overdue", "sub_a", t0.Add(-time.Hour)))
	require.NoError(t, store.SetGracePeriod(ctx, "later", "sub_b", t0.Add(10*time.Hour)))
	store.subs["active"] = statedb.Subscription{UserKey: "active", Status: fleet.SubscriptionActive}

	fake := clock.Fake(t0)
	s := New(store, store, Options{Clock: fake})

	n, err := s.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	s.Wait()

	assert.Equal(t, fleet.SubscriptionCanceled, store.status("overdue"))
	pending := s.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, fleet.UserKey("later"), pending[0].UserKey)

	// Restoring again arms nothing new.
	n, err = s.Restore(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	fake.Advance(10 * time.Hour)
	s.Wait()
	assert.Equal(t, fleet.SubscriptionCanceled, store.status("later"))
}

func TestSweepReconciles(t *testing.T) {
	s, store, _, _ := newTestScheduler()
	ctx := context.Background()

	_, err := s.Schedule(ctx, "u1", "sub_1")
	require.NoError(t, err)
	// Another process reactivated u1 and scheduled u2.
	require.NoError(t, store.SetSubscriptionStatus(ctx, "u1", fleet.SubscriptionActive))
	require.NoError(t, store.SetGracePeriod(ctx, "u2", "sub_2", t0.Add(5*time.Hour)))

	armed, disarmed, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, armed)
	assert.Equal(t, 1, disarmed)

	pending := s.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, fleet.UserKey("u2"), pending[0].UserKey)
}

func TestRunSweeps(t *testing.T) {
	s, store, fake, _ := newTestScheduler()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.RunSweeps(ctx, "@every 1h") }()

	fake.WaitForTimers(1)
	require.NoError(t, store.SetGracePeriod(context.Background(), "u9", "sub_9", t0.Add(3*time.Hour)))
	fake.Advance(time.Hour)
	fake.WaitForTimers(2) // next sweep tick and the armed job

	pending := s.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, fleet.UserKey("u9"), pending[0].UserKey)

	cancel()
	assert.NoError(t, <-done)
}

func TestRunSweepsBadSchedule(t *testing.T) {
	s, _, _, _ := newTestScheduler()
	err := s.RunSweeps(context.Background(), "not a schedule")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sweep schedule")
}

func TestStopDisarmsAll(t *testing.T) {
	s, store, fake, _ := newTestScheduler()
	ctx := context.Background()
	for _, k := range []fleet.UserKey{"a", "b", "c"} {
		_, err := s.Schedule(ctx, k, "sub")
		require.NoError(t, err)
	}
	require.Len(t, s.Pending(), 3)

	s.Stop()
	assert.Empty(t, s.Pending())
	fake.Advance(100 * time.Hour)
	s.Wait()
	assert.Zero(t, store.releasedCount())
	assert.Equal(t, fleet.SubscriptionGracePeriod, store.status("a"))
}

func TestConcurrentScheduleKeepsOneJob(t *testing.T) {
	s, _, fake, _ := newTestScheduler()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Schedule(ctx, "u1", "sub")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, s.Pending(), 1)
	assert.Equal(t, 1, fake.Pending())
}
