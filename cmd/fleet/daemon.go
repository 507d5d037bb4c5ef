package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lyndonlyu/fleet/internal/filelock"
	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the grace-period scheduler until interrupted",
	Long:  "Restores pending grace periods, fires deprovisions when they end and sweeps the database on the configured schedule for periods started or cancelled by other commands.",
	RunE:  runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	lock, err := filelock.Acquire(a.cfg.DaemonLockPath(), "daemon")
	if err != nil {
		if errors.Is(err, filelock.ErrLocked) {
			return fmt.Errorf("a daemon is already running: %w", err)
		}
		return err
	}
	defer lock.Release()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := a.scheduler()
	n, err := s.Restore(ctx)
	if err != nil {
		return err
	}
	a.log.Info("daemon started", "restored", n, "sweep", a.cfg.Grace.SweepSchedule, "db", a.db.Path())
	fmt.Printf("fleet daemon running (%d grace periods armed). Ctrl-C to stop.\n", n)
	for _, j := range s.Pending() {
		a.log.Info("grace period armed", "user", j.UserKey, "subscription", j.SubscriptionRef, "fire_at", j.FireAt)
		fmt.Printf("  %s deprovisions at %s\n", j.UserKey, j.FireAt.Local().Format("2006-01-02 15:04"))
	}

	err = s.RunSweeps(ctx, a.cfg.Grace.SweepSchedule)
	s.Stop()
	s.Wait()
	a.log.Info("daemon stopped")
	return err
}
