package main

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/lyndonlyu/fleet/internal/rollout"
)

var (
	styleBanner  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	styleSuccess = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	styleWarn    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	styleError   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	styleDim     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func renderStage(stage string) string {
	switch rollout.Stage(stage) {
	case rollout.StageCompleted:
		return styleSuccess.Render(stage)
	case rollout.StageHalted:
		return styleWarn.Render(stage)
	case rollout.StageFailed:
		return lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("1")).Render(stage)
	case rollout.StageIdle:
		return styleDim.Render(stage)
	}
	return styleBanner.Render(stage)
}

func renderStatus(status string) string {
	switch status {
	case "success", "active":
		return styleSuccess.Render(status)
	case "rolled_back", "grace_period", "skipped":
		return styleWarn.Render(status)
	case "failed", "canceled":
		return styleError.Render(status)
	case "":
		return styleDim.Render("-")
	}
	return status
}
