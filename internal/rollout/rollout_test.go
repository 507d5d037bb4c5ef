package rollout

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lyndonlyu/fleet/internal/audit"
	"github.com/lyndonlyu/fleet/internal/clock"
	"github.com/lyndonlyu/fleet/internal/fleet"
	"github.com/lyndonlyu/fleet/internal/killswitch"
	"github.com/lyndonlyu/fleet/internal/updater"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticDirectory struct {
	targets []fleet.Target
	err     error
	panic   bool
}

func (d staticDirectory) EligibleNodes(context.Context) ([]fleet.Target, error) {
	if d.panic {
		panic("directory exploded")
	}
	out := make([]fleet.Target, len(d.targets))
	copy(out, d.targets)
	return out, d.err
}

func fleetOf(n int) staticDirectory {
	d := staticDirectory{}
	for i := 0; i < n; i++ {
		d.targets = append(d.targets, fleet.Target{
			NodeID:  fleet.UserKey(fmt.Sprintf("u%03d", i)),
			Address: fmt.Sprintf("10.0.%d.%d", i/250, i%250),
		})
	}
	return d
}

type updaterFunc func(ctx context.Context, t fleet.Target) updater.Result

func (f updaterFunc) Update(ctx context.Context, t fleet.Target) updater.Result { return f(ctx, t) }

func succeed(context.Context, fleet.Target) updater.Result {
	prev, next := "aaa1111", "bbb2222"
	return updater.Result{Success: true, PreviousVersion: &prev, NewVersion: &next}
}

// failFirst fails the first n updates it sees and succeeds afterwards.
func failFirst(n int32) updaterFunc {
	var calls atomic.Int32
	return func(ctx context.Context, t fleet.Target) updater.Result {
		if calls.Add(1) <= n {
			return updater.Result{Error: "restart failed (exit 1, unknown)"}
		}
		return succeed(ctx, t)
	}
}

type memRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *memRecorder) RecordRun(_ context.Context, s State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
	return nil
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

func (a *memAudit) count(action string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, e := range a.entries {
		if e.Action == action {
			n++
		}
	}
	return n
}

func newTestOrchestrator(dir Directory, up Updater, opts Options) (*Orchestrator, *clock.FakeClock) {
	fake := clock.Fake(time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC))
	opts.Clock = fake
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewPCG(1, 2))
	}
	return New(dir, up, opts), fake
}

// runToEnd starts a run and advances the fake clock through every
// inter-wave delay until the run finishes.
func runToEnd(t *testing.T, o *Orchestrator, fake *clock.FakeClock) State {
	t.Helper()
	require.NoError(t, o.Start(context.Background()))

	done := make(chan struct{})
	go func() {
		o.Wait()
		close(done)
	}()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-done:
			return o.Snapshot()
		case <-deadline:
			t.Fatal("rollout did not finish")
		case <-time.After(time.Millisecond):
			if fake.Pending() > 0 {
				fake.Advance(time.Minute)
			}
		}
	}
}

func TestBoundaries(t *testing.T) {
	assert.Equal(t, []int{1, 4, 7}, Boundaries(7, DefaultFractions))
	assert.Equal(t, []int{10, 50, 100}, Boundaries(100, DefaultFractions))
	assert.Equal(t, []int{1, 1, 1}, Boundaries(1, DefaultFractions))
	assert.Equal(t, []int{1, 2, 3}, Boundaries(3, DefaultFractions))
}

func TestPlanWaveSizes(t *testing.T) {
	waves := plan(7, DefaultFractions)
	require.Len(t, waves, 3)
	assert.Equal(t, []int{1, 3, 3}, []int{waves[0].size(), waves[1].size(), waves[2].size()})
	assert.Equal(t, Stage("stage_10"), waves[0].stage)
	assert.Equal(t, Stage("stage_50"), waves[1].stage)
	assert.Equal(t, Stage("stage_100"), waves[2].stage)

	// A single node fleet runs only the canary wave.
	waves = plan(1, DefaultFractions)
	require.Len(t, waves, 1)
	assert.Equal(t, 1, waves[0].size())
}

func TestRunEmptyFleet(t *testing.T) {
	o, _ := newTestOrchestrator(staticDirectory{}, updaterFunc(succeed), Options{})

	require.NoError(t, o.Run(context.Background()))
	s := o.Snapshot()
	assert.Equal(t, StageCompleted, s.Stage)
	assert.False(t, s.InProgress)
	assert.Equal(t, "no eligible nodes", s.Error)
	assert.Zero(t, s.TotalNodes)
	assert.Zero(t, s.UpdatedCount)
	assert.Zero(t, s.FailedCount)
	assert.Empty(t, s.Nodes)
}

func TestRunWavesInOrder(t *testing.T) {
	var o *Orchestrator
	var mu sync.Mutex
	perStage := map[Stage]int{}

	up := updaterFunc(func(ctx context.Context, t fleet.Target) updater.Result {
		stage := o.Snapshot().Stage
		mu.Lock()
		perStage[stage]++
		mu.Unlock()
		return succeed(ctx, t)
	})
	o, fake := newTestOrchestrator(fleetOf(7), up, Options{})

	s := runToEnd(t, o, fake)

	assert.Equal(t, StageCompleted, s.Stage)
	assert.Equal(t, 100, s.CurrentStageProgress)
	assert.Equal(t, 7, s.TotalNodes)
	assert.Equal(t, 7, s.UpdatedCount)
	assert.Equal(t, 7, s.Count(NodeSuccess))
	assert.Empty(t, s.Error)
	assert.False(t, s.CompletedAt.IsZero())
	assert.Equal(t, map[Stage]int{"stage_10": 1, "stage_50": 3, "stage_100": 3}, perStage)
	require.NotNil(t, s.Nodes[0].NewVersion)
	assert.Equal(t, "bbb2222", *s.Nodes[0].NewVersion)
}

func TestInterWaveDelay(t *testing.T) {
	o, fake := newTestOrchestrator(fleetOf(7), updaterFunc(succeed), Options{InterWaveDelay: 30 * time.Second})
	require.NoError(t, o.Start(context.Background()))

	fake.WaitForTimers(1)
	s := o.Snapshot()
	assert.Equal(t, Stage("stage_10"), s.Stage)
	assert.Equal(t, 1, s.UpdatedCount)
	assert.True(t, s.InProgress)

	fake.Advance(29 * time.Second)
	assert.Equal(t, 1, o.Snapshot().UpdatedCount, "next wave waits for the full delay")

	fake.Advance(time.Second)
	fake.WaitForTimers(1)
	assert.Equal(t, 4, o.Snapshot().UpdatedCount)

	fake.Advance(30 * time.Second)
	o.Wait()
	assert.Equal(t, StageCompleted, o.Snapshot().Stage)
}

func TestHaltAboveThreshold(t *testing.T) {
	var calls atomic.Int32
	fail := failFirst(4)
	up := updaterFunc(func(ctx context.Context, t fleet.Target) updater.Result {
		calls.Add(1)
		return fail(ctx, t)
	})
	o, fake := newTestOrchestrator(fleetOf(100), up, Options{})

	s := runToEnd(t, o, fake)

	assert.Equal(t, StageHalted, s.Stage)
	assert.False(t, s.InProgress)
	assert.Equal(t, int32(10), calls.Load(), "only the canary wave runs")
	assert.Equal(t, 4, s.FailedCount)
	assert.Equal(t, 6, s.UpdatedCount)
	assert.Equal(t, 90, s.Count(NodeSkipped))
	assert.Contains(t, s.Error, "stage_10 failure rate 40% (4/10)")
	for _, n := range s.Nodes[10:] {
		assert.Equal(t, NodeSkipped, n.Status)
	}
}

func TestContinueAtThreshold(t *testing.T) {
	o, fake := newTestOrchestrator(fleetOf(100), failFirst(3), Options{})

	s := runToEnd(t, o, fake)

	assert.Equal(t, StageCompleted, s.Stage)
	assert.Equal(t, 3, s.FailedCount)
	assert.Equal(t, 97, s.UpdatedCount)
	assert.Zero(t, s.Count(NodeSkipped))
}

func TestRolledBackCountsAsFailed(t *testing.T) {
	up := updaterFunc(func(_ context.Context, t fleet.Target) updater.Result {
		prev := "abc1234"
		return updater.Result{PreviousVersion: &prev, Error: "restart failed; Rollback succeeded to abc1234", RolledBack: true}
	})
	o, fake := newTestOrchestrator(fleetOf(3), up, Options{})

	s := runToEnd(t, o, fake)

	assert.Equal(t, StageHalted, s.Stage)
	assert.Equal(t, 1, s.FailedCount)
	assert.Equal(t, 1, s.RolledBackCount)
	assert.Equal(t, 1, s.Count(NodeRolledBack))
	assert.Equal(t, 2, s.Count(NodeSkipped))
	assert.LessOrEqual(t, s.UpdatedCount+s.FailedCount, s.TotalNodes)
}

func TestSingleFlight(t *testing.T) {
	release := make(chan struct{})
	up := updaterFunc(func(ctx context.Context, t fleet.Target) updater.Result {
		<-release
		return succeed(ctx, t)
	})
	o, fake := newTestOrchestrator(fleetOf(7), up, Options{})

	require.NoError(t, o.Start(context.Background()))
	require.Eventually(t, func() bool { return o.Snapshot().Count(NodeUpdating) == 1 }, time.Second, time.Millisecond)
	before := o.Snapshot()

	assert.ErrorIs(t, o.Start(context.Background()), ErrAlreadyRunning)
	assert.ErrorIs(t, o.Run(context.Background()), ErrAlreadyRunning)
	assert.True(t, o.IsRunning())
	assert.Equal(t, before, o.Snapshot(), "a rejected start changes nothing")

	close(release)
	go func() {
		for o.IsRunning() {
			if fake.Pending() > 0 {
				fake.Advance(time.Minute)
			}
			time.Sleep(time.Millisecond)
		}
	}()
	o.Wait()
	assert.False(t, o.IsRunning())

	// A new run is accepted once the previous one ended.
	s := runToEnd(t, o, fake)
	assert.NotEqual(t, before.RunID, s.RunID)
}

func TestSnapshotIsolation(t *testing.T) {
	o, fake := newTestOrchestrator(fleetOf(3), updaterFunc(succeed), Options{})
	runToEnd(t, o, fake)

	snap := o.Snapshot()
	snap.Nodes[0].Status = NodeFailed
	*snap.Nodes[0].PreviousVersion = "tampered"
	snap.Nodes = append(snap.Nodes, NodeStatus{NodeID: "extra"})
	snap.UpdatedCount = 99

	again := o.Snapshot()
	assert.Equal(t, NodeSuccess, again.Nodes[0].Status)
	assert.Equal(t, "aaa1111", *again.Nodes[0].PreviousVersion)
	assert.Len(t, again.Nodes, 3)
	assert.Equal(t, 3, again.UpdatedCount)
}

func TestShuffleUsesInjectedSource(t *testing.T) {
	order := func() []fleet.UserKey {
		o, fake := newTestOrchestrator(fleetOf(20), updaterFunc(succeed), Options{Rand: rand.New(rand.NewPCG(7, 7))})
		s := runToEnd(t, o, fake)
		var keys []fleet.UserKey
		for _, n := range s.Nodes {
			keys = append(keys, n.NodeID)
		}
		return keys
	}
	a, b := order(), order()
	assert.Equal(t, a, b)

	natural := make([]fleet.UserKey, 20)
	for i := range natural {
		natural[i] = fleet.UserKey(fmt.Sprintf("u%03d", i))
	}
	assert.ElementsMatch(t, natural, a)
	assert.NotEqual(t, natural, a)
}

func TestDirectoryError(t *testing.T) {
	o, _ := newTestOrchestrator(staticDirectory{err: errors.New("database is locked")}, updaterFunc(succeed), Options{})

	require.NoError(t, o.Run(context.Background()))
	s := o.Snapshot()
	assert.Equal(t, StageFailed, s.Stage)
	assert.False(t, s.InProgress)
	assert.Contains(t, s.Error, "database is locked")
}

func TestPanicEndsInFailed(t *testing.T) {
	o, _ := newTestOrchestrator(staticDirectory{panic: true}, updaterFunc(succeed), Options{})

	require.NoError(t, o.Start(context.Background()))
	o.Wait()

	s := o.Snapshot()
	assert.Equal(t, StageFailed, s.Stage)
	assert.False(t, s.InProgress)
	assert.Contains(t, s.Error, "directory exploded")
}

func TestNodePanicIsNodeFailure(t *testing.T) {
	up := updaterFunc(func(context.Context, fleet.Target) updater.Result {
		panic("nil credential")
	})
	o, _ := newTestOrchestrator(fleetOf(1), up, Options{})

	require.NoError(t, o.Run(context.Background()))
	s := o.Snapshot()
	assert.Equal(t, StageHalted, s.Stage)
	assert.Equal(t, NodeFailed, s.Nodes[0].Status)
	assert.Contains(t, s.Nodes[0].Error, "update panicked: nil credential")
}

func TestStopHaltsAtBoundary(t *testing.T) {
	var o *Orchestrator
	var stopped atomic.Bool
	up := updaterFunc(func(ctx context.Context, tg fleet.Target) updater.Result {
		if stopped.CompareAndSwap(false, true) {
			assert.True(t, o.Stop("operator request"))
		}
		return succeed(ctx, tg)
	})
	o, _ = newTestOrchestrator(fleetOf(10), up, Options{BatchSize: 2})

	require.NoError(t, o.Run(context.Background()))
	s := o.Snapshot()

	assert.Equal(t, StageHalted, s.Stage)
	assert.Equal(t, "rollout stopped: operator request", s.Error)
	assert.Equal(t, 1, s.UpdatedCount, "the in-flight canary settles")
	assert.Equal(t, 9, s.Count(NodeSkipped))
	assert.False(t, o.Stop("again"), "nothing to stop")
}

func TestStopMidWaveFinishesBatch(t *testing.T) {
	var o *Orchestrator
	var calls atomic.Int32
	up := updaterFunc(func(ctx context.Context, tg fleet.Target) updater.Result {
		if calls.Add(1) == 1 {
			o.Stop("")
		}
		time.Sleep(2 * time.Millisecond)
		return succeed(ctx, tg)
	})
	// One wave of 10 nodes in batches of 4.
	o, _ = newTestOrchestrator(fleetOf(10), up, Options{BatchSize: 4, Fractions: []float64{1}})

	require.NoError(t, o.Run(context.Background()))
	s := o.Snapshot()

	assert.Equal(t, StageHalted, s.Stage)
	assert.Equal(t, "rollout stopped", s.Error)
	assert.Equal(t, 4, s.UpdatedCount)
	assert.Equal(t, 6, s.Count(NodeSkipped))
	assert.Zero(t, s.Count(NodeUpdating))
}

func TestKillSwitchEngaged(t *testing.T) {
	sw := killswitch.New(filepath.Join(t.TempDir(), "ROLLOUT_STOP"), nil)
	require.NoError(t, sw.Engage("bad release"))

	var calls atomic.Int32
	up := updaterFunc(func(ctx context.Context, tg fleet.Target) updater.Result {
		calls.Add(1)
		return succeed(ctx, tg)
	})
	o, _ := newTestOrchestrator(fleetOf(5), up, Options{Switch: sw})

	require.NoError(t, o.Run(context.Background()))
	s := o.Snapshot()
	assert.Equal(t, StageHalted, s.Stage)
	assert.Contains(t, s.Error, "rollout stopped")
	assert.Contains(t, s.Error, killswitch.ErrEngaged.Error())
	assert.Contains(t, s.Error, "(bad release)")
	assert.Zero(t, calls.Load())
	assert.Equal(t, 5, s.Count(NodeSkipped))

	// Releasing the switch lets the next run through.
	require.NoError(t, sw.Release())
	require.NoError(t, o.Run(context.Background()))
	s = o.Snapshot()
	assert.Equal(t, StageCompleted, s.Stage)
	assert.Equal(t, int32(5), calls.Load())
}

func TestRecorderAndAudit(t *testing.T) {
	rec := &memRecorder{}
	aud := &memAudit{}
	o, fake := newTestOrchestrator(fleetOf(4), failFirst(1), Options{Recorder: rec, Audit: aud})

	s := runToEnd(t, o, fake)
	require.Equal(t, StageHalted, s.Stage)

	require.NotEmpty(t, rec.states)
	first, last := rec.states[0], rec.states[len(rec.states)-1]
	assert.True(t, first.InProgress)
	assert.Equal(t, s.RunID, first.RunID)
	assert.False(t, last.InProgress)
	assert.Equal(t, StageHalted, last.Stage)
	assert.Equal(t, 1, last.FailedCount)
	assert.Equal(t, NodeFailed, last.Nodes[0].Status)
	assert.NotEmpty(t, last.Nodes[0].Error)

	assert.Equal(t, 1, aud.count(audit.ActionRolloutStart))
	assert.Equal(t, 1, aud.count(audit.ActionNodeUpdate))
	assert.Equal(t, 1, aud.count(audit.ActionRolloutFinish))
}

func TestRecordsEveryNodeTransition(t *testing.T) {
	rec := &memRecorder{}
	var during []State
	up := updaterFunc(func(ctx context.Context, tg fleet.Target) updater.Result {
		// The record written before the update shows this node in flight.
		rec.mu.Lock()
		during = append(during, rec.states[len(rec.states)-1])
		rec.mu.Unlock()
		return succeed(ctx, tg)
	})
	o, fake := newTestOrchestrator(fleetOf(7), up, Options{Recorder: rec, BatchSize: 2})

	s := runToEnd(t, o, fake)
	require.Equal(t, StageCompleted, s.Stage)

	require.Len(t, during, 7)
	canary := during[0]
	assert.True(t, canary.InProgress)
	assert.Equal(t, Stage("stage_10"), canary.Stage)
	assert.Equal(t, 0, canary.CurrentStageProgress)
	assert.Equal(t, NodeUpdating, canary.Nodes[0].Status)
	assert.Equal(t, 1, canary.Count(NodeUpdating))
	assert.Equal(t, 6, canary.Count(NodePending))

	// Every record is at least as far along as the one before.
	settled := func(st State) int { return st.UpdatedCount + st.FailedCount }
	for i := 1; i < len(rec.states); i++ {
		assert.GreaterOrEqual(t, settled(rec.states[i]), settled(rec.states[i-1]), "record %d", i)
	}

	var stages []Stage
	for _, st := range rec.states {
		if len(stages) == 0 || stages[len(stages)-1] != st.Stage {
			stages = append(stages, st.Stage)
		}
	}
	assert.Equal(t, []Stage{StageIdle, "stage_10", "stage_50", "stage_100", StageCompleted}, stages)

	// Settling the canary records full stage progress before the next wave.
	var sawCanaryDone bool
	for _, st := range rec.states {
		if st.Stage == "stage_10" && st.CurrentStageProgress == 100 {
			sawCanaryDone = true
			assert.Equal(t, 1, st.UpdatedCount)
			assert.Equal(t, NodeSuccess, st.Nodes[0].Status)
		}
	}
	assert.True(t, sawCanaryDone)
}

func TestZeroThresholdHaltsOnAnyFailure(t *testing.T) {
	zero := 0.0
	o, fake := newTestOrchestrator(fleetOf(100), failFirst(1), Options{HaltThreshold: &zero})

	s := runToEnd(t, o, fake)

	assert.Equal(t, StageHalted, s.Stage)
	assert.Equal(t, 1, s.FailedCount)
	assert.Equal(t, 9, s.UpdatedCount)
	assert.Contains(t, s.Error, "stage_10 failure rate 10% (1/10) exceeds 0% threshold")

	// A clean run still completes with a zero threshold.
	o, fake = newTestOrchestrator(fleetOf(10), updaterFunc(succeed), Options{HaltThreshold: &zero})
	assert.Equal(t, StageCompleted, runToEnd(t, o, fake).Stage)
}

func TestStageTerminal(t *testing.T) {
	assert.True(t, StageCompleted.Terminal())
	assert.True(t, StageHalted.Terminal())
	assert.True(t, StageFailed.Terminal())
	assert.False(t, StageIdle.Terminal())
	assert.False(t, StageFor(0.5).Terminal())
	assert.Equal(t, Stage("stage_50"), StageFor(0.5))
}
