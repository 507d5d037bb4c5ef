package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cheynewallace/tabby"
	"github.com/lyndonlyu/fleet/internal/fleet"
	"github.com/lyndonlyu/fleet/internal/statedb"
	"github.com/spf13/cobra"
)

var graceFormat string

var graceCmd = &cobra.Command{
	Use:   "grace",
	Short: "Deprovision grace periods after cancellation",
}

var graceScheduleCmd = &cobra.Command{
	Use:   "schedule <user> <subscription>",
	Short: "Start the grace period; the daemon deprovisions the node when it ends",
	Args:  cobra.ExactArgs(2),
	RunE:  runGraceSchedule,
}

var graceCancelCmd = &cobra.Command{
	Use:   "cancel <user>",
	Short: "Reactivate the subscription and call off the deprovision",
	Args:  cobra.ExactArgs(1),
	RunE:  runGraceCancel,
}

var graceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List subscriptions in their grace period",
	RunE:  runGraceList,
}

func init() {
	graceListCmd.Flags().StringVar(&graceFormat, "format", "", "Output format (json)")
	graceCmd.AddCommand(graceScheduleCmd, graceCancelCmd, graceListCmd)
	rootCmd.AddCommand(graceCmd)
}

func runGraceSchedule(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	s := a.scheduler()
	defer s.Stop()
	fireAt, err := s.Schedule(cmd.Context(), fleet.UserKey(args[0]), args[1])
	if err != nil {
		return err
	}
	fmt.Printf("Grace period for %s ends %s (in %s)\n", args[0],
		fireAt.Local().Format("2006-01-02 15:04"), a.cfg.GracePeriod())
	return nil
}

func runGraceCancel(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.scheduler().Reactivate(cmd.Context(), fleet.UserKey(args[0])); err != nil {
		return err
	}
	fmt.Printf("Subscription for %s is active again; no deprovision will run.\n", args[0])
	return nil
}

func runGraceList(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	subs, err := a.db.GracePeriodSubscriptions(cmd.Context())
	if err != nil {
		return err
	}
	if graceFormat == "json" {
		if subs == nil {
			subs = []statedb.Subscription{}
		}
		data, err := json.MarshalIndent(subs, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}
	if len(subs) == 0 {
		fmt.Println("No subscriptions in grace period.")
		return nil
	}

	now := time.Now()
	t := tabby.New()
	t.AddHeader("USER", "SUBSCRIPTION", "ENDS", "REMAINING")
	for _, s := range subs {
		remaining := "overdue"
		if d := s.GracePeriodEndsAt.Sub(now); d > 0 {
			remaining = d.Round(time.Minute).String()
		}
		t.AddLine(s.UserKey, s.SubscriptionRef, s.GracePeriodEndsAt.Local().Format("2006-01-02 15:04"), remaining)
	}
	t.Print()
	return nil
}
