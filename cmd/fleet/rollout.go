package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/charmbracelet/glamour"
	"github.com/cheynewallace/tabby"
	"github.com/lyndonlyu/fleet/internal/filelock"
	"github.com/lyndonlyu/fleet/internal/rollout"
	"github.com/lyndonlyu/fleet/internal/statedb"
	"github.com/spf13/cobra"
)

var (
	rolloutWait   bool
	rolloutFormat string
	rolloutLimit  int
)

var rolloutCmd = &cobra.Command{
	Use:   "rollout",
	Short: "Staged fleet-wide updates",
}

var rolloutStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a rollout across every eligible node",
	Long:  "Update eligible nodes in canary waves of 10%, 50% and 100%. Without --wait the rollout runs in a detached process.",
	RunE:  runRolloutStart,
}

var rolloutStatusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show the latest rollout, or the run whose ID starts with run-id",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRolloutStatus,
}

var rolloutHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List past rollouts",
	RunE:  runRolloutHistory,
}

var rolloutStopCmd = &cobra.Command{
	Use:   "stop [reason]",
	Short: "Engage the stop switch; a running rollout halts before its next batch",
	RunE:  runRolloutStop,
}

var rolloutResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Release the stop switch so rollouts may start again",
	RunE:  runRolloutResume,
}

func init() {
	rolloutStartCmd.Flags().BoolVar(&rolloutWait, "wait", false, "Run in the foreground and wait for the result")
	rolloutStatusCmd.Flags().StringVar(&rolloutFormat, "format", "", "Output format (json)")
	rolloutHistoryCmd.Flags().StringVar(&rolloutFormat, "format", "", "Output format (json)")
	rolloutHistoryCmd.Flags().IntVar(&rolloutLimit, "limit", 10, "Number of runs to show")
	rolloutCmd.AddCommand(rolloutStartCmd, rolloutStatusCmd, rolloutHistoryCmd, rolloutStopCmd, rolloutResumeCmd)
	rootCmd.AddCommand(rolloutCmd)
}

func runRolloutStart(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	sw := a.stopSwitch()
	if sw.Engaged() {
		return fmt.Errorf("stop switch is engaged at %s; use 'fleet rollout resume' first", sw.Path())
	}

	if meta, ok := filelock.Holder(a.cfg.RolloutLockPath()); ok {
		return fmt.Errorf("another rollout is in progress (pid %d since %s)", meta.PID, meta.AcquiredAt)
	}
	if !rolloutWait {
		return detachRollout(a.cfg.FleetDir())
	}

	lock, err := filelock.Acquire(a.cfg.RolloutLockPath(), "rollout")
	if err != nil {
		if errors.Is(err, filelock.ErrLocked) {
			return fmt.Errorf("another rollout is in progress: %w", err)
		}
		return err
	}
	defer lock.Release()

	o, err := a.orchestrator()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := o.Run(ctx); err != nil {
		return err
	}
	s := o.Snapshot()
	fmt.Println(renderMarkdown(stateReport(s)))
	if s.Stage != rollout.StageCompleted {
		return fmt.Errorf("rollout %s: %s", s.Stage, s.Error)
	}
	return nil
}

// detachRollout re-runs this binary with --wait in the background and
// returns once it has started. Its output goes to rollout.log.
func detachRollout(dir string) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	logPath := filepath.Join(dir, "rollout.log")
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open rollout log: %w", err)
	}
	defer logFile.Close()

	args := []string{"rollout", "start", "--wait"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	child := exec.Command(self, args...)
	child.Stdout = logFile
	child.Stderr = logFile
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return fmt.Errorf("start rollout process: %w", err)
	}
	pid := child.Process.Pid
	if err := child.Process.Release(); err != nil {
		return err
	}

	fmt.Printf("Rollout started in the background (pid %d).\n", pid)
	fmt.Printf("Log: %s\n", logPath)
	fmt.Println("Use 'fleet rollout status' to follow it.")
	return nil
}

func runRolloutStatus(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()

	var id string
	if len(args) > 0 {
		if id, err = a.db.ResolveRunID(ctx, args[0]); err != nil {
			return err
		}
	} else {
		runs, err := a.db.ListRuns(ctx, 1)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			if rolloutFormat == "json" {
				fmt.Println("null")
				return nil
			}
			fmt.Println("No rollout has run yet.")
			return nil
		}
		id = runs[0].ID
	}

	run, err := a.db.GetRun(ctx, id)
	if err != nil {
		return err
	}
	interrupted := false
	if run.InProgress {
		_, held := filelock.Holder(a.cfg.RolloutLockPath())
		interrupted = !held
	}

	if rolloutFormat == "json" {
		data, err := json.MarshalIndent(runStatusJSON{RunRecord: run, Interrupted: interrupted}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Println(renderMarkdown(runReport(run, interrupted)))
	if m, err := a.stopSwitch().Marker(); err == nil && m != nil {
		fmt.Println(styleWarn.Render(fmt.Sprintf("Stop switch engaged: %s", m.Reason)))
	}
	return nil
}

// runStatusJSON is the JSON shape of 'rollout status'.
type runStatusJSON struct {
	statedb.RunRecord
	Interrupted bool `json:"interrupted,omitempty"`
}

func runRolloutHistory(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	runs, err := a.db.ListRuns(cmd.Context(), rolloutLimit)
	if err != nil {
		return err
	}
	if rolloutFormat == "json" {
		out, err := statedb.FormatRunListJSON(runs)
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	}
	if len(runs) == 0 {
		fmt.Println("No rollout runs.")
		return nil
	}

	t := tabby.New()
	t.AddHeader("ID", "STAGE", "NODES", "UPDATED", "FAILED", "ROLLED BACK", "STARTED")
	for _, r := range runs {
		t.AddLine(shortID(r.ID), renderStage(r.Stage), r.TotalNodes, r.UpdatedCount,
			r.FailedCount, r.RolledBackCount, r.StartedAt.Local().Format("2006-01-02 15:04"))
	}
	t.Print()
	return nil
}

func runRolloutStop(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	sw := a.stopSwitch()
	if sw.Engaged() {
		fmt.Printf("Stop switch already engaged at %s\n", sw.Path())
		return nil
	}
	reason := "manual stop"
	if len(args) > 0 {
		reason = strings.Join(args, " ")
	}
	if err := sw.Engage(reason); err != nil {
		return err
	}
	if err := a.audit.Log(auditStop(reason)); err != nil {
		a.log.Warn("audit log failed", "error", err)
	}

	fmt.Printf("Stop switch ENGAGED at %s\n", sw.Path())
	fmt.Printf("Reason: %s\n", reason)
	fmt.Println("A running rollout halts before its next batch. Use 'fleet rollout resume' to release.")
	return nil
}

func runRolloutResume(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	sw := a.stopSwitch()
	if !sw.Engaged() {
		fmt.Println("Stop switch is not engaged.")
		return nil
	}
	if err := sw.Release(); err != nil {
		return err
	}
	fmt.Println("Stop switch RELEASED. Rollouts may start again.")
	return nil
}

// stateReport renders a finished in-process run as markdown.
func stateReport(s rollout.State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Rollout %s\n\n", shortID(s.RunID))
	fmt.Fprintf(&b, "- **Stage:** %s\n", s.Stage)
	fmt.Fprintf(&b, "- **Nodes:** %d (updated %d, failed %d, rolled back %d, skipped %d)\n",
		s.TotalNodes, s.UpdatedCount, s.FailedCount, s.RolledBackCount, s.Count(rollout.NodeSkipped))
	if s.Error != "" {
		fmt.Fprintf(&b, "- **Note:** %s\n", s.Error)
	}
	var failed []rollout.NodeStatus
	for _, n := range s.Nodes {
		if n.Status == rollout.NodeFailed || n.Status == rollout.NodeRolledBack {
			failed = append(failed, n)
		}
	}
	if len(failed) > 0 {
		b.WriteString("\n## Failed nodes\n\n| Node | Address | Status | Error |\n|---|---|---|---|\n")
		for _, n := range failed {
			fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", n.NodeID, n.Address, n.Status, tableCell(n.Error))
		}
	}
	return b.String()
}

// runReport renders a persisted run. interrupted marks a run recorded
// as in progress whose process no longer holds the rollout lock.
func runReport(r statedb.RunRecord, interrupted bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Rollout %s\n\n", shortID(r.ID))
	stage := r.Stage
	switch {
	case interrupted:
		stage += " (interrupted: no process holds the rollout lock)"
	case !rollout.Stage(r.Stage).Terminal():
		stage += fmt.Sprintf(" (%d%% of wave settled)", r.Progress)
	}
	fmt.Fprintf(&b, "- **Stage:** %s\n", stage)
	fmt.Fprintf(&b, "- **Started:** %s\n", r.StartedAt.Local().Format("2006-01-02 15:04:05"))
	if !r.CompletedAt.IsZero() {
		fmt.Fprintf(&b, "- **Completed:** %s\n", r.CompletedAt.Local().Format("2006-01-02 15:04:05"))
	}

	counts := map[string]int{}
	for _, n := range r.Nodes {
		counts[n.Status]++
	}
	fmt.Fprintf(&b, "- **Nodes:** %d (updated %d, failed %d, rolled back %d, skipped %d, pending %d)\n",
		r.TotalNodes, r.UpdatedCount, r.FailedCount, r.RolledBackCount,
		counts[string(rollout.NodeSkipped)], counts[string(rollout.NodePending)])
	if r.Error != "" {
		fmt.Fprintf(&b, "- **Note:** %s\n", r.Error)
	}

	var shown []statedb.RunNode
	for _, n := range r.Nodes {
		switch rollout.NodeState(n.Status) {
		case rollout.NodeUpdating, rollout.NodeFailed, rollout.NodeRolledBack:
			shown = append(shown, n)
		}
	}
	if len(shown) > 0 {
		b.WriteString("\n## Nodes needing attention\n\n| Node | Address | Status | Version | Error |\n|---|---|---|---|---|\n")
		for _, n := range shown {
			fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n",
				n.NodeID, n.Address, n.Status, versionCell(n.PreviousVersion, n.NewVersion), tableCell(n.Error))
		}
	}
	return b.String()
}

func versionCell(prev, next *string) string {
	switch {
	case prev == nil && next == nil:
		return "-"
	case next == nil:
		return *prev
	case prev == nil:
		return "-> " + *next
	}
	return *prev + " -> " + *next
}

func tableCell(s string) string {
	s = strings.ReplaceAll(s, "|", "\\|")
	return strings.ReplaceAll(s, "\n", " ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// renderMarkdown renders markdown text for terminal display.
func renderMarkdown(text string) string {
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
	if err != nil {
		return text
	}
	out, err := r.Render(text)
	if err != nil {
		return text
	}
	return strings.TrimSpace(out)
}
