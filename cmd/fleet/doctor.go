package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/cheynewallace/tabby"
	"github.com/lyndonlyu/fleet/internal/config"
	"github.com/lyndonlyu/fleet/internal/health"
	"github.com/spf13/cobra"
)

var doctorFormat string

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that fleet is ready to roll out and deprovision",
	RunE:  runDoctor,
}

func init() {
	doctorCmd.Flags().StringVar(&doctorFormat, "format", "", "Output format (json)")
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	path, err := resolveConfigPath()
	if err != nil {
		return err
	}
	// A broken config file is itself reported; check the rest against
	// defaults.
	cfg, err := config.Load(path)
	if err != nil {
		cfg = config.Default()
	}
	if err := cfg.EnsureDirs(); err != nil {
		return fmt.Errorf("failed to create dirs: %w", err)
	}

	report := health.Evaluate(cfg, path, os.Getenv(config.MasterKeyEnv))

	if doctorFormat == "json" {
		data, err := json.MarshalIndent(struct {
			Level string `json:"level"`
			*health.Report
		}{report.Level.String(), report}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	} else {
		t := tabby.New()
		t.AddHeader("COMPONENT", "CATEGORY", "OK", "DETAIL")
		for _, c := range report.Components {
			ok := styleSuccess.Render("yes")
			if !c.Healthy {
				ok = styleError.Render("no")
			}
			t.AddLine(c.Name, string(c.Category), ok, c.Detail)
		}
		t.Print()
		fmt.Println()
		fmt.Println(renderLevel(report.Level))
	}

	if report.Level >= health.RED {
		return fmt.Errorf("health is %s", report.Level)
	}
	return nil
}

func renderLevel(l health.Level) string {
	switch l {
	case health.GREEN:
		return styleSuccess.Render("Health: " + l.String())
	case health.YELLOW:
		return styleWarn.Render("Health: " + l.String())
	default:
		return styleError.Render("Health: " + l.String())
	}
}
