package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/cheynewallace/tabby"
	"github.com/lyndonlyu/fleet/internal/audit"
	"github.com/lyndonlyu/fleet/internal/credential"
	"github.com/lyndonlyu/fleet/internal/fleet"
	"github.com/lyndonlyu/fleet/internal/statedb"
	"github.com/spf13/cobra"
)

var (
	nodeFormat       string
	nodeAddress      string
	nodeContact      string
	nodeKeyFile      string
	nodeSubscription string
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Inspect and update individual nodes",
}

var nodeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered nodes",
	RunE:  runNodeList,
}

var nodeVersionCmd = &cobra.Command{
	Use:   "version <user>",
	Short: "Query the running revision on a node",
	Args:  cobra.ExactArgs(1),
	RunE:  runNodeVersion,
}

var nodeUpdateCmd = &cobra.Command{
	Use:   "update <user>",
	Short: "Update a single node, rolling back on failure",
	Args:  cobra.ExactArgs(1),
	RunE:  runNodeUpdate,
}

var nodeAddCmd = &cobra.Command{
	Use:   "add <user>",
	Short: "Register a provisioned node and its SSH key",
	Args:  cobra.ExactArgs(1),
	RunE:  runNodeAdd,
}

func init() {
	nodeListCmd.Flags().StringVar(&nodeFormat, "format", "", "Output format (json)")
	nodeUpdateCmd.Flags().StringVar(&nodeFormat, "format", "", "Output format (json)")
	nodeAddCmd.Flags().StringVar(&nodeAddress, "address", "", "Node address, host or host:port")
	nodeAddCmd.Flags().StringVar(&nodeContact, "contact", "", "Contact identity of the node owner")
	nodeAddCmd.Flags().StringVar(&nodeKeyFile, "key-file", "", "Private key file; stored encrypted")
	nodeAddCmd.Flags().StringVar(&nodeSubscription, "subscription", "", "Billing subscription reference")
	_ = nodeAddCmd.MarkFlagRequired("address")
	_ = nodeAddCmd.MarkFlagRequired("key-file")
	nodeCmd.AddCommand(nodeListCmd, nodeVersionCmd, nodeUpdateCmd, nodeAddCmd)
	rootCmd.AddCommand(nodeCmd)
}

func runNodeList(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	nodes, err := a.db.ListNodes(cmd.Context())
	if err != nil {
		return err
	}
	if nodeFormat == "json" {
		if nodes == nil {
			nodes = []statedb.Node{}
		}
		data, err := json.MarshalIndent(nodes, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}
	if len(nodes) == 0 {
		fmt.Println("No nodes registered.")
		return nil
	}

	t := tabby.New()
	t.AddHeader("USER", "ADDRESS", "READY", "VERSION", "PREVIOUS", "STATUS", "LAST UPDATE")
	for _, n := range nodes {
		t.AddLine(n.UserKey, n.Address, n.Ready, orDash(n.CurrentVersion), orDash(n.PreviousVersion),
			renderStatus(string(n.UpdateStatus)), n.LastUpdateAt)
	}
	t.Print()
	return nil
}

func runNodeVersion(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	target, err := lookupTarget(cmd, a, fleet.UserKey(args[0]))
	if err != nil {
		return err
	}
	eng, err := a.engine()
	if err != nil {
		return err
	}
	fmt.Println(orDash(eng.Version(cmd.Context(), target)))
	return nil
}

func runNodeUpdate(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	target, err := lookupTarget(cmd, a, fleet.UserKey(args[0]))
	if err != nil {
		return err
	}
	eng, err := a.engine()
	if err != nil {
		return err
	}

	res := eng.Update(cmd.Context(), target)
	outcome := "success"
	switch {
	case res.RolledBack:
		outcome = "rolled_back"
	case !res.Success:
		outcome = "failed"
	}
	if err := a.audit.Log(audit.Entry{Action: audit.ActionNodeUpdate, Node: string(target.NodeID), Outcome: outcome, Error: res.Error}); err != nil {
		a.log.Warn("audit log failed", "error", err)
	}

	if nodeFormat == "json" {
		data, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	} else {
		fmt.Printf("%s %s -> %s\n", renderStatus(outcome), orDash(res.PreviousVersion), orDash(res.NewVersion))
		if res.Error != "" {
			fmt.Println(styleDim.Render(res.Error))
		}
	}
	if !res.Success {
		return fmt.Errorf("update of %s did not succeed", target.NodeID)
	}
	return nil
}

func runNodeAdd(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()
	key := fleet.UserKey(args[0])

	box, err := a.box()
	if err != nil {
		return err
	}
	pem, err := os.ReadFile(nodeKeyFile)
	if err != nil {
		return fmt.Errorf("read key file: %w", err)
	}
	defer credential.Wipe(pem)
	envelope, err := box.Encrypt(pem)
	if err != nil {
		return err
	}

	if err := a.db.UpsertNode(ctx, statedb.Node{
		UserKey:         key,
		ContactIdentity: nodeContact,
		Address:         nodeAddress,
		CredentialRef:   envelope,
		Ready:           true,
	}); err != nil {
		return err
	}
	if err := a.db.UpsertSubscription(ctx, statedb.Subscription{
		UserKey:         key,
		SubscriptionRef: nodeSubscription,
		Status:          fleet.SubscriptionActive,
		VPSProvisioned:  true,
	}); err != nil {
		return err
	}

	fmt.Printf("Node %s registered at %s\n", key, nodeAddress)
	return nil
}

func lookupTarget(cmd *cobra.Command, a *app, key fleet.UserKey) (fleet.Target, error) {
	n, err := a.db.GetNode(cmd.Context(), key)
	if err != nil {
		return fleet.Target{}, err
	}
	if n.CredentialRef == "" {
		return fleet.Target{}, fmt.Errorf("node %s has no credential", key)
	}
	return fleet.Target{
		NodeID:          n.UserKey,
		ContactIdentity: n.ContactIdentity,
		Address:         n.Address,
		CredentialRef:   n.CredentialRef,
	}, nil
}

func orDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}
