package main

import (
	"errors"
	"fmt"

	"github.com/lyndonlyu/fleet/internal/filelock"
	"github.com/lyndonlyu/fleet/internal/fleet"
	"github.com/lyndonlyu/fleet/internal/statedb"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database location and fleet counts",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()

	nodes, err := a.db.ListNodes(ctx)
	if err != nil {
		return err
	}
	grace, err := a.db.GracePeriodSubscriptions(ctx)
	if err != nil {
		return err
	}
	runs, err := a.db.ListRuns(ctx, 0)
	if err != nil {
		return err
	}

	fmt.Print(statedb.FormatStatus(a.db.Path(), len(nodes), len(grace), len(runs)))

	last, err := a.db.GetState(ctx, statedb.KeyLastRolloutStage)
	switch {
	case errors.Is(err, fleet.ErrNotFound):
	case err != nil:
		return err
	default:
		fmt.Printf("Last rollout: %s (%s)\n", renderStage(last.Value), last.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
	if meta, ok := filelock.Holder(a.cfg.RolloutLockPath()); ok {
		fmt.Printf("Rollout in progress: pid %d since %s\n", meta.PID, meta.AcquiredAt)
	}
	if meta, ok := filelock.Holder(a.cfg.DaemonLockPath()); ok {
		fmt.Printf("Daemon running: pid %d\n", meta.PID)
	}
	if a.stopSwitch().Engaged() {
		fmt.Println(styleWarn.Render("Stop switch engaged"))
	}
	return nil
}
