// Package updater upgrades the managed service on a single node and
// rolls it back to the previous revision when any step fails.
package updater

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lyndonlyu/fleet/internal/clock"
	"github.com/lyndonlyu/fleet/internal/credential"
	"github.com/lyndonlyu/fleet/internal/fleet"
	"github.com/lyndonlyu/fleet/internal/redact"
	"github.com/lyndonlyu/fleet/internal/remote"
)

// Store persists per-node update bookkeeping.
type Store interface {
	SetUpdateStatus(ctx context.Context, key fleet.UserKey, status fleet.UpdateStatus) error
	RecordUpdate(ctx context.Context, key fleet.UserKey, rec fleet.UpdateRecord) error
}

// Decrypter opens a node's credential envelope.
type Decrypter interface {
	Decrypt(envelope string) ([]byte, error)
}

// Result is the outcome of one Update. It is always returned; node
// failures never surface as Go errors.
type Result struct {
	Success         bool    `json:"success"`
	PreviousVersion *string `json:"previous_version,omitempty"`
	NewVersion      *string `json:"new_version,omitempty"`
	Error           string  `json:"error,omitempty"`
	RolledBack      bool    `json:"rolled_back,omitempty"`
}

// Timeouts are the per-step budgets. Connect bounds dial plus handshake
// and is separate from the command budgets.
type Timeouts struct {
	Connect time.Duration
	Command time.Duration
	Install time.Duration
}

type Options struct {
	Commands    Commands
	Timeouts    Timeouts
	SettleDelay time.Duration
	Clock       clock.Clock
	Redactor    *redact.Redactor
	Logger      *slog.Logger
}

type Engine struct {
	exec  remote.Executor
	store Store
	creds Decrypter
	opts  Options
	log   *slog.Logger
}

func New(exec remote.Executor, store Store, creds Decrypter, opts Options) *Engine {
	if opts.Commands.Dir == "" {
		opts.Commands.Dir = "/opt/bot"
	}
	if opts.Commands.Branch == "" {
		opts.Commands.Branch = "main"
	}
	if opts.Commands.Unit == "" {
		opts.Commands.Unit = "bot.service"
	}
	if opts.Commands.Install == "" {
		opts.Commands.Install = "npm ci --omit=dev"
	}
	if opts.Timeouts.Connect == 0 {
		opts.Timeouts.Connect = 10 * time.Second
	}
	if opts.Timeouts.Command == 0 {
		opts.Timeouts.Command = 60 * time.Second
	}
	if opts.Timeouts.Install == 0 {
		opts.Timeouts.Install = 300 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		exec:  exec,
		store: store,
		creds: creds,
		opts:  opts,
		log:   opts.Logger.With("component", "updater"),
	}
}

// Version returns the node's current revision, or nil when it cannot be
// determined.
func (e *Engine) Version(ctx context.Context, t fleet.Target) *string {
	key, err := e.creds.Decrypt(t.CredentialRef)
	if err != nil {
		e.log.Warn("credential decrypt failed", "node", t.NodeID, "error", err)
		return nil
	}
	defer credential.Wipe(key)
	return e.version(ctx, t, key)
}

func (e *Engine) version(ctx context.Context, t fleet.Target, key []byte) *string {
	res, err := e.run(ctx, t, key, e.opts.Commands.version(), e.opts.Timeouts.Command)
	if err != nil || res.ExitCode != 0 {
		return nil
	}
	v := strings.TrimSpace(res.Stdout)
	if v == "" {
		return nil
	}
	return &v
}

// Update fetches the latest code, installs dependencies, restarts the
// service and verifies it came up. On any failure it rolls back to the
// previous revision once, if that revision is known.
func (e *Engine) Update(ctx context.Context, t fleet.Target) Result {
	log := e.log.With("node", t.NodeID, "address", t.Address)

	key, err := e.creds.Decrypt(t.CredentialRef)
	if err != nil {
		log.Error("credential decrypt failed", "error", err)
		e.persist(ctx, t.NodeID, fleet.UpdateRecord{Status: fleet.UpdateFailed})
		return Result{Error: fmt.Sprintf("credential: %v; no rollback possible: previous version unknown", err)}
	}
	defer credential.Wipe(key)

	prev := e.version(ctx, t, key)
	if err := e.store.SetUpdateStatus(ctx, t.NodeID, fleet.UpdateUpdating); err != nil {
		log.Warn("persist updating status failed", "error", err)
	}

	if err := e.apply(ctx, t, key); err != nil {
		log.Warn("update step failed", "error", err, "previous_version", deref(prev))
		return e.abort(ctx, t, key, prev, err)
	}

	next := e.version(ctx, t, key)
	e.persist(ctx, t.NodeID, fleet.UpdateRecord{
		CurrentVersion:  next,
		PreviousVersion: prev,
		Status:          fleet.UpdateSuccess,
	})
	log.Info("node updated", "previous_version", deref(prev), "new_version", deref(next))
	return Result{Success: true, PreviousVersion: prev, NewVersion: next}
}

func (e *Engine) apply(ctx context.Context, t fleet.Target, key []byte) error {
	c := e.opts.Commands
	if err := e.step(ctx, t, key, "fetch", c.fetch(), e.opts.Timeouts.Command); err != nil {
		return err
	}
	if err := e.step(ctx, t, key, "install", c.install(), e.opts.Timeouts.Install); err != nil {
		return err
	}
	if err := e.step(ctx, t, key, "restart", c.restart(), e.opts.Timeouts.Command); err != nil {
		return err
	}
	return e.verify(ctx, t, key)
}

// rollback returns the node to revision. It is never retried and never
// rolls itself back.
func (e *Engine) rollback(ctx context.Context, t fleet.Target, key []byte, revision string) error {
	c := e.opts.Commands
	if err := e.step(ctx, t, key, "checkout", c.checkout(revision), e.opts.Timeouts.Command); err != nil {
		return err
	}
	if err := e.step(ctx, t, key, "install", c.install(), e.opts.Timeouts.Install); err != nil {
		return err
	}
	if err := e.step(ctx, t, key, "restart", c.restart(), e.opts.Timeouts.Command); err != nil {
		return err
	}
	return e.verify(ctx, t, key)
}

func (e *Engine) abort(ctx context.Context, t fleet.Target, key []byte, prev *string, cause error) Result {
	log := e.log.With("node", t.NodeID, "address", t.Address)

	if prev == nil {
		e.persist(ctx, t.NodeID, fleet.UpdateRecord{Status: fleet.UpdateFailed})
		return Result{Error: fmt.Sprintf("%v; no rollback possible: previous version unknown", cause)}
	}

	if err := e.rollback(ctx, t, key, *prev); err != nil {
		log.Error("rollback failed", "revision", *prev, "error", err)
		e.persist(ctx, t.NodeID, fleet.UpdateRecord{
			PreviousVersion: prev,
			Status:          fleet.UpdateFailed,
		})
		return Result{
			PreviousVersion: prev,
			Error:           fmt.Sprintf("%v; Rollback failed: %v", cause, err),
		}
	}

	log.Info("rolled back", "revision", *prev)
	e.persist(ctx, t.NodeID, fleet.UpdateRecord{
		CurrentVersion:  prev,
		PreviousVersion: prev,
		Status:          fleet.UpdateRolledBack,
	})
	return Result{
		PreviousVersion: prev,
		Error:           fmt.Sprintf("%v; Rollback succeeded to %s", cause, *prev),
		RolledBack:      true,
	}
}

func (e *Engine) persist(ctx context.Context, key fleet.UserKey, rec fleet.UpdateRecord) {
	rec.At = e.opts.Clock.Now()
	if err := e.store.RecordUpdate(ctx, key, rec); err != nil {
		e.log.Error("persist update outcome failed", "node", key, "status", rec.Status, "error", err)
	}
}

func deref(s *string) string {
	if s == nil {
		return "unknown"
	}
	return *s
}
