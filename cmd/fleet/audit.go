package main

import (
	"fmt"

	"github.com/cheynewallace/tabby"
	"github.com/lyndonlyu/fleet/internal/audit"
	"github.com/spf13/cobra"
)

var auditLimit int

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Operational audit log",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the audit hash chain",
	RunE:  runAuditVerify,
}

var auditRecentCmd = &cobra.Command{
	Use:   "recent",
	Short: "Show recent audit records",
	RunE:  runAuditRecent,
}

func init() {
	auditRecentCmd.Flags().IntVar(&auditLimit, "limit", 20, "Number of records to show")
	auditCmd.AddCommand(auditVerifyCmd, auditRecentCmd)
	rootCmd.AddCommand(auditCmd)
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.audit.Verify()
	if err != nil {
		return err
	}
	if !res.Valid {
		fmt.Println(styleError.Render(fmt.Sprintf("Audit chain BROKEN at record %d", res.BrokenAt)))
		return fmt.Errorf("audit chain broken")
	}
	fmt.Println(styleSuccess.Render(fmt.Sprintf("Audit chain intact (%d records)", res.Records)))
	return nil
}

func runAuditRecent(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	records, err := a.audit.Recent(auditLimit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No audit records.")
		return nil
	}

	t := tabby.New()
	t.AddHeader("TIME", "ACTION", "NODE", "OUTCOME", "ERROR")
	for _, r := range records {
		t.AddLine(r.Timestamp, r.Action, r.Node, renderStatus(r.Outcome), truncate(r.Error, 60))
	}
	t.Print()
	return nil
}

func auditStop(reason string) audit.Entry {
	return audit.Entry{Action: audit.ActionRolloutStop, Outcome: "engaged", Detail: reason}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
