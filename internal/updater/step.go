package updater

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lyndonlyu/fleet/internal/clock"
	"github.com/lyndonlyu/fleet/internal/fleet"
	"github.com/lyndonlyu/fleet/internal/remote"
)

// maxDetail bounds how much remote output is kept in an error.
const maxDetail = 400

// StepError reports which remote step failed and how.
type StepError struct {
	Step     string
	ExitCode int
	Kind     remote.FailureKind
	Detail   string
}

func (e *StepError) Error() string {
	msg := fmt.Sprintf("%s failed (exit %d, %s)", e.Step, e.ExitCode, e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *Engine) run(ctx context.Context, t fleet.Target, key []byte, command string, timeout time.Duration) (remote.Result, error) {
	return e.exec.Run(ctx, remote.Request{
		Address:        t.Address,
		Credential:     key,
		Command:        command,
		ConnectTimeout: e.opts.Timeouts.Connect,
		CommandTimeout: timeout,
	})
}

func (e *Engine) step(ctx context.Context, t fleet.Target, key []byte, name, command string, timeout time.Duration) error {
	res, err := e.run(ctx, t, key, command, timeout)
	if err == nil && res.ExitCode == 0 {
		return nil
	}
	detail := res.Stderr
	if err != nil {
		detail = err.Error()
	} else if strings.TrimSpace(detail) == "" {
		detail = res.Stdout
	}
	return &StepError{
		Step:     name,
		ExitCode: res.ExitCode,
		Kind:     remote.Classify(err, res.ExitCode, res.Stderr),
		Detail:   e.clean(detail),
	}
}

// verify waits for the service to settle, then checks it is active.
func (e *Engine) verify(ctx context.Context, t fleet.Target, key []byte) error {
	if !clock.Sleep(e.opts.Clock, e.opts.SettleDelay, ctx.Done()) {
		return &StepError{Step: "verify", ExitCode: -1, Kind: remote.Unknown, Detail: "interrupted while settling"}
	}
	res, err := e.run(ctx, t, key, e.opts.Commands.isActive(), e.opts.Timeouts.Command)
	if err != nil {
		return &StepError{
			Step:     "verify",
			ExitCode: res.ExitCode,
			Kind:     remote.Classify(err, res.ExitCode, res.Stderr),
			Detail:   e.clean(err.Error()),
		}
	}
	state := strings.TrimSpace(res.Stdout)
	if res.ExitCode != 0 || state != "active" {
		if state == "" {
			state = "unknown"
		}
		return &StepError{
			Step:     "verify",
			ExitCode: res.ExitCode,
			Kind:     remote.Classify(nil, res.ExitCode, res.Stderr),
			Detail:   "service is " + state,
		}
	}
	return nil
}

// clean redacts secrets and keeps the tail of the output, where the
// actual error usually is.
func (e *Engine) clean(s string) string {
	s = strings.TrimSpace(e.opts.Redactor.Redact(s))
	if len(s) > maxDetail {
		s = "..." + s[len(s)-maxDetail:]
	}
	return s
}
