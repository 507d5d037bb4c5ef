// Package rollout drives a fleet-wide update in progressively larger
// waves and halts when a wave fails too often.
package rollout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lyndonlyu/fleet/internal/audit"
	"github.com/lyndonlyu/fleet/internal/clock"
	"github.com/lyndonlyu/fleet/internal/fleet"
	"github.com/lyndonlyu/fleet/internal/killswitch"
	"github.com/lyndonlyu/fleet/internal/pool"
	"github.com/lyndonlyu/fleet/internal/updater"
)

var ErrAlreadyRunning = errors.New("rollout: already in progress")

// DefaultHaltThreshold is the wave failure rate above which a run halts.
const DefaultHaltThreshold = 0.30

// Directory lists the nodes a rollout should update.
type Directory interface {
	EligibleNodes(ctx context.Context) ([]fleet.Target, error)
}

// Updater updates a single node. Failures are reported in the Result.
type Updater interface {
	Update(ctx context.Context, t fleet.Target) updater.Result
}

// Recorder persists run state. It is called when a run starts, when a
// wave begins, when a node starts or settles, and when the run ends.
// Calls never overlap and each one sees a state at least as recent as
// the one before.
type Recorder interface {
	RecordRun(ctx context.Context, s State) error
}

// Auditor receives one entry per node outcome and per run outcome.
type Auditor interface {
	Log(e audit.Entry) error
}

type Options struct {
	BatchSize      int
	InterWaveDelay time.Duration // zero runs the waves back to back
	HaltThreshold  *float64      // nil selects DefaultHaltThreshold; 0 halts on any failure
	Fractions      []float64
	Clock          clock.Clock
	Rand           *rand.Rand
	Switch         *killswitch.Switch
	Recorder       Recorder
	Audit          Auditor
	Logger         *slog.Logger
}

type Orchestrator struct {
	dir       Directory
	up        Updater
	opts      Options
	threshold float64
	pool      *pool.Pool
	log       *slog.Logger

	mu    sync.Mutex
	state State
	stop  context.CancelCauseFunc
	wg    sync.WaitGroup

	recordMu sync.Mutex
}

type stopRequest struct{ reason string }

func (s *stopRequest) Error() string { return s.reason }

func New(dir Directory, up Updater, opts Options) *Orchestrator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 5
	}
	threshold := DefaultHaltThreshold
	if opts.HaltThreshold != nil {
		threshold = *opts.HaltThreshold
	}
	if len(opts.Fractions) == 0 {
		opts.Fractions = DefaultFractions
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Orchestrator{
		dir:       dir,
		up:        up,
		opts:      opts,
		threshold: threshold,
		pool:      pool.New(opts.BatchSize),
		log:       opts.Logger.With("component", "rollout"),
		state:     State{Stage: StageIdle},
	}
}

// Start begins a run in the background and returns immediately.
// Cancelling ctx stops the run at the next batch boundary.
func (o *Orchestrator) Start(ctx context.Context) error {
	stopCtx, err := o.begin(ctx)
	if err != nil {
		return err
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(stopCtx)
	}()
	return nil
}

// Run performs a run in the calling goroutine. Node failures are part
// of the resulting State, never an error.
func (o *Orchestrator) Run(ctx context.Context) error {
	stopCtx, err := o.begin(ctx)
	if err != nil {
		return err
	}
	o.run(stopCtx)
	return nil
}

// Wait blocks until a run started with Start has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.InProgress
}

// Snapshot returns a copy of the current state.
func (o *Orchestrator) Snapshot() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.clone()
}

// Stop asks the running rollout to halt before its next batch. It
// reports whether a run was in progress.
func (o *Orchestrator) Stop(reason string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.state.InProgress || o.stop == nil {
		return false
	}
	o.stop(&stopRequest{reason: reason})
	return true
}

func (o *Orchestrator) begin(ctx context.Context) (context.Context, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.InProgress {
		return nil, ErrAlreadyRunning
	}
	stopCtx, cancel := context.WithCancelCause(ctx)
	o.stop = cancel
	o.state = State{
		RunID:      uuid.NewString(),
		InProgress: true,
		Stage:      StageIdle,
		StartedAt:  o.opts.Clock.Now(),
	}
	return stopCtx, nil
}

func (o *Orchestrator) run(ctx context.Context) {
	defer o.release()
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("rollout panicked", "panic", r)
			o.finish(ctx, StageFailed, fmt.Sprintf("rollout panicked: %v", r))
		}
	}()

	if o.opts.Switch != nil {
		var unwatch context.CancelFunc
		ctx, unwatch = o.opts.Switch.Watch(ctx)
		defer unwatch()
	}

	o.checkpoint(ctx)
	snap := o.Snapshot()
	o.audit(audit.Entry{Action: audit.ActionRolloutStart, RolloutID: snap.RunID, Outcome: "started"})
	o.log.Info("rollout started", "run", snap.RunID)

	targets, err := o.dir.EligibleNodes(context.WithoutCancel(ctx))
	if err != nil {
		o.finish(ctx, StageFailed, fmt.Sprintf("query eligible nodes: %v", err))
		return
	}
	if len(targets) == 0 {
		o.finish(ctx, StageCompleted, "no eligible nodes")
		return
	}

	o.opts.Rand.Shuffle(len(targets), func(i, j int) {
		targets[i], targets[j] = targets[j], targets[i]
	})

	o.mu.Lock()
	o.state.TotalNodes = len(targets)
	o.state.Nodes = make([]NodeStatus, len(targets))
	for i, t := range targets {
		o.state.Nodes[i] = NodeStatus{NodeID: t.NodeID, Address: t.Address, Status: NodePending}
	}
	o.mu.Unlock()

	waves := plan(len(targets), o.opts.Fractions)
	for i, w := range waves {
		if ctx.Err() != nil {
			o.stopped(ctx)
			return
		}
		failed, err := o.runWave(ctx, targets, w)
		if err != nil {
			o.stopped(ctx)
			return
		}

		size := w.size()
		if rate := float64(failed) / float64(size); rate > o.threshold {
			o.skipFrom(w.hi)
			o.finish(ctx, StageHalted, fmt.Sprintf(
				"%s failure rate %.0f%% (%d/%d) exceeds %.0f%% threshold",
				w.stage, rate*100, failed, size, o.threshold*100))
			return
		}

		if i < len(waves)-1 {
			o.log.Info("wave complete", "stage", w.stage, "failed", failed, "size", size)
			if !clock.Sleep(o.opts.Clock, o.opts.InterWaveDelay, ctx.Done()) {
				o.stopped(ctx)
				return
			}
		}
	}

	o.finish(ctx, StageCompleted, "")
}

// runWave updates the nodes of w batch by batch and returns how many
// of them failed. It returns an error if the run was stopped before
// every batch started.
func (o *Orchestrator) runWave(ctx context.Context, targets []fleet.Target, w wave) (int, error) {
	o.mu.Lock()
	o.state.Stage = w.stage
	o.state.CurrentStageProgress = 0
	o.mu.Unlock()
	o.log.Info("wave started", "stage", w.stage, "nodes", w.size(), "batch_size", o.pool.BatchSize())
	o.checkpoint(ctx)

	var mu sync.Mutex
	done := 0

	rep, err := o.pool.Execute(ctx, w.size(), func(ctx context.Context, i int) error {
		idx := w.lo + i
		res := o.updateNode(ctx, idx, targets[idx])

		mu.Lock()
		done++
		o.mu.Lock()
		o.state.CurrentStageProgress = int(math.Round(float64(done) / float64(w.size()) * 100))
		o.mu.Unlock()
		mu.Unlock()
		o.checkpoint(ctx)

		if !res.Success {
			return fmt.Errorf("node %s: %s", targets[idx].NodeID, res.Error)
		}
		return nil
	})
	if err != nil {
		o.log.Info("wave interrupted", "stage", w.stage, "started", rep.Started, "size", w.size())
	}
	return rep.Failed(), err
}

func (o *Orchestrator) updateNode(ctx context.Context, idx int, t fleet.Target) (res updater.Result) {
	o.setNode(idx, func(n *NodeStatus) { n.Status = NodeUpdating })
	o.checkpoint(ctx)
	start := o.opts.Clock.Now()

	defer func() {
		if r := recover(); r != nil {
			o.log.Error("node update panicked", "node", t.NodeID, "panic", r)
			res = updater.Result{Error: fmt.Sprintf("update panicked: %v", r)}
		}

		status := NodeSuccess
		switch {
		case res.Success:
		case res.RolledBack:
			status = NodeRolledBack
		default:
			status = NodeFailed
		}

		o.mu.Lock()
		n := &o.state.Nodes[idx]
		n.Status = status
		n.PreviousVersion = copyString(res.PreviousVersion)
		n.NewVersion = copyString(res.NewVersion)
		n.Error = res.Error
		switch status {
		case NodeSuccess:
			o.state.UpdatedCount++
		case NodeRolledBack:
			o.state.RolledBackCount++
			o.state.FailedCount++
		default:
			o.state.FailedCount++
		}
		runID := o.state.RunID
		o.mu.Unlock()

		o.audit(audit.Entry{
			Action:    audit.ActionNodeUpdate,
			Node:      string(t.NodeID),
			RolloutID: runID,
			Outcome:   string(status),
			Error:     res.Error,
			Duration:  o.opts.Clock.Now().Sub(start),
		})
	}()

	return o.up.Update(ctx, t)
}

func (o *Orchestrator) setNode(idx int, f func(*NodeStatus)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	f(&o.state.Nodes[idx])
}

// skipFrom marks every node from index lo onward that has not started.
func (o *Orchestrator) skipFrom(lo int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := lo; i < len(o.state.Nodes); i++ {
		if o.state.Nodes[i].Status == NodePending {
			o.state.Nodes[i].Status = NodeSkipped
		}
	}
}

func (o *Orchestrator) stopped(ctx context.Context) {
	o.skipFrom(0)
	msg := "rollout stopped"
	var req *stopRequest
	switch cause := context.Cause(ctx); {
	case errors.As(cause, &req) && req.reason != "":
		msg += ": " + req.reason
	case o.opts.Switch != nil && o.opts.Switch.Tripped():
		msg += ": " + killswitch.ErrEngaged.Error()
		if m, err := o.opts.Switch.Marker(); err == nil && m != nil && m.Reason != "" {
			msg += " (" + m.Reason + ")"
		}
	}
	o.finish(ctx, StageHalted, msg)
}

func (o *Orchestrator) finish(ctx context.Context, stage Stage, msg string) {
	o.mu.Lock()
	o.state.Stage = stage
	o.state.InProgress = false
	o.state.CompletedAt = o.opts.Clock.Now()
	o.state.Error = msg
	if stage == StageCompleted && o.state.TotalNodes > 0 {
		o.state.CurrentStageProgress = 100
	}
	o.mu.Unlock()

	o.checkpoint(ctx)
	snap := o.Snapshot()
	o.audit(audit.Entry{
		Action:    audit.ActionRolloutFinish,
		RolloutID: snap.RunID,
		Outcome:   string(stage),
		Detail: fmt.Sprintf("total=%d updated=%d failed=%d rolled_back=%d",
			snap.TotalNodes, snap.UpdatedCount, snap.FailedCount, snap.RolledBackCount),
		Error:    msg,
		Duration: snap.CompletedAt.Sub(snap.StartedAt),
	})

	log := o.log.With("run", snap.RunID, "stage", stage,
		"updated", snap.UpdatedCount, "failed", snap.FailedCount, "rolled_back", snap.RolledBackCount)
	switch stage {
	case StageCompleted:
		log.Info("rollout finished", "note", msg)
	case StageHalted:
		log.Warn("rollout halted", "error", msg)
	default:
		log.Error("rollout failed", "error", msg)
	}
}

// release guarantees the run never stays in progress, whatever path
// ended it.
func (o *Orchestrator) release() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stop != nil {
		o.stop(nil)
		o.stop = nil
	}
	if o.state.InProgress {
		o.state.InProgress = false
		o.state.Stage = StageFailed
		if o.state.Error == "" {
			o.state.Error = "rollout ended unexpectedly"
		}
	}
}

// checkpoint hands the current state to the Recorder. The snapshot is
// taken under recordMu so records are written in state order.
func (o *Orchestrator) checkpoint(ctx context.Context) {
	if o.opts.Recorder == nil {
		return
	}
	o.recordMu.Lock()
	defer o.recordMu.Unlock()
	s := o.Snapshot()
	if err := o.opts.Recorder.RecordRun(context.WithoutCancel(ctx), s); err != nil {
		o.log.Warn("record run failed", "run", s.RunID, "error", err)
	}
}

func (o *Orchestrator) audit(e audit.Entry) {
	if o.opts.Audit == nil {
		return
	}
	if err := o.opts.Audit.Log(e); err != nil {
		o.log.Warn("audit log failed", "action", e.Action, "error", err)
	}
}
