package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/lyndonlyu/fleet/internal/audit"
	"github.com/lyndonlyu/fleet/internal/config"
	"github.com/lyndonlyu/fleet/internal/credential"
	"github.com/lyndonlyu/fleet/internal/grace"
	"github.com/lyndonlyu/fleet/internal/killswitch"
	"github.com/lyndonlyu/fleet/internal/redact"
	"github.com/lyndonlyu/fleet/internal/remote"
	"github.com/lyndonlyu/fleet/internal/rollout"
	"github.com/lyndonlyu/fleet/internal/statedb"
	"github.com/lyndonlyu/fleet/internal/updater"
)

// app holds the components a command needs, built from config.
type app struct {
	cfg      *config.Config
	db       *statedb.DB
	audit    *audit.Logger
	redactor *redact.Redactor
	log      *slog.Logger
}

func defaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".fleet", "config.yaml"), nil
}

// resolveConfigPath returns --config or the default location.
func resolveConfigPath() (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	return defaultConfigPath()
}

func loadConfig() (*config.Config, error) {
	path, err := resolveConfigPath()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	return cfg, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// openApp loads config, opens the state database and the audit log.
func openApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("failed to create dirs: %w", err)
	}

	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	db, err := statedb.Open(cfg.DBPath())
	if err != nil {
		return nil, err
	}

	red := redact.New(cfg.Redaction)
	auditLog, err := audit.NewLogger(cfg.AuditDir())
	if err != nil {
		db.Close()
		return nil, err
	}
	auditLog.SetRedactor(red)

	return &app{cfg: cfg, db: db, audit: auditLog, redactor: red, log: log}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}

// box opens the credential box from the master key in the environment.
func (a *app) box() (*credential.Box, error) {
	master := os.Getenv(config.MasterKeyEnv)
	if master == "" {
		return nil, fmt.Errorf("%s is not set", config.MasterKeyEnv)
	}
	return credential.NewBox([]byte(master))
}

func (a *app) engine() (*updater.Engine, error) {
	box, err := a.box()
	if err != nil {
		return nil, err
	}
	exec := &remote.SSH{
		User:                  a.cfg.SSH.User,
		Port:                  a.cfg.SSH.Port,
		KnownHostsFile:        a.cfg.SSH.KnownHostsFile,
		InsecureIgnoreHostKey: a.cfg.SSH.InsecureIgnoreHostKey,
	}
	return updater.New(exec, a.db, box, updater.Options{
		Commands: updater.Commands{
			Dir:     a.cfg.Service.Dir,
			Branch:  a.cfg.Service.Branch,
			Unit:    a.cfg.Service.Unit,
			Install: a.cfg.Service.InstallCommand,
		},
		Timeouts: updater.Timeouts{
			Connect: a.cfg.ConnectTimeout(),
			Command: a.cfg.CommandTimeout(),
			Install: a.cfg.InstallTimeout(),
		},
		SettleDelay: a.cfg.SettleDelay(),
		Redactor:    a.redactor,
		Logger:      a.log,
	}), nil
}

func (a *app) stopSwitch() *killswitch.Switch {
	return killswitch.New(a.cfg.StopSwitchPath(), nil)
}

func (a *app) orchestrator() (*rollout.Orchestrator, error) {
	eng, err := a.engine()
	if err != nil {
		return nil, err
	}
	threshold := a.cfg.Rollout.HaltThreshold
	return rollout.New(a.db, eng, rollout.Options{
		BatchSize:      a.cfg.Rollout.BatchSize,
		InterWaveDelay: a.cfg.InterWaveDelay(),
		HaltThreshold:  &threshold,
		Switch:         a.stopSwitch(),
		Recorder:       runRecorder{db: a.db},
		Audit:          a.audit,
		Logger:         a.log,
	}), nil
}

func (a *app) scheduler() *grace.Scheduler {
	return grace.New(a.db, a.db, grace.Options{
		Period: a.cfg.GracePeriod(),
		Audit:  a.audit,
		Logger: a.log,
	})
}

// runRecorder persists rollout progress to the state database.
type runRecorder struct {
	db *statedb.DB
}

func (r runRecorder) RecordRun(ctx context.Context, s rollout.State) error {
	rec := statedb.RunRecord{
		ID:              s.RunID,
		Stage:           string(s.Stage),
		InProgress:      s.InProgress,
		Progress:        s.CurrentStageProgress,
		TotalNodes:      s.TotalNodes,
		UpdatedCount:    s.UpdatedCount,
		FailedCount:     s.FailedCount,
		RolledBackCount: s.RolledBackCount,
		Error:           s.Error,
		StartedAt:       s.StartedAt,
		CompletedAt:     s.CompletedAt,
		Nodes:           make([]statedb.RunNode, len(s.Nodes)),
	}
	for i, n := range s.Nodes {
		rec.Nodes[i] = statedb.RunNode{
			NodeID:          n.NodeID,
			Address:         n.Address,
			Status:          string(n.Status),
			PreviousVersion: n.PreviousVersion,
			NewVersion:      n.NewVersion,
			Error:           n.Error,
		}
	}
	if err := r.db.SaveRun(ctx, rec); err != nil {
		return err
	}
	if err := r.db.SetState(ctx, statedb.KeyLastRolloutID, s.RunID); err != nil {
		return err
	}
	return r.db.SetState(ctx, statedb.KeyLastRolloutStage, string(s.Stage))
}
