package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "root", cfg.SSH.User)
	assert.Equal(t, 22, cfg.SSH.Port)
	assert.Equal(t, 10*time.Second, cfg.ConnectTimeout())
	assert.Equal(t, 60*time.Second, cfg.CommandTimeout())
	assert.Equal(t, 300*time.Second, cfg.InstallTimeout())
	assert.Greater(t, cfg.InstallTimeout(), cfg.CommandTimeout(), "dependency install gets the longest budget")
	assert.Equal(t, 5, cfg.Rollout.BatchSize)
	assert.Equal(t, 10*time.Second, cfg.InterWaveDelay())
	assert.Equal(t, 0.30, cfg.Rollout.HaltThreshold)
	assert.Equal(t, 72*time.Hour, cfg.GracePeriod())
	assert.Equal(t, "@every 1h", cfg.Grace.SweepSchedule)
	assert.True(t, cfg.Redaction.Enabled)
	assert.Equal(t, "none", cfg.Redaction.RedactIPs)
	assert.False(t, cfg.SSH.InsecureIgnoreHostKey, "host key checking is on unless disabled explicitly")
	assert.Equal(t, "known_hosts", filepath.Base(cfg.SSH.KnownHostsFile))
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	content := []byte(`ssh:
  user: deploy
  command_timeout: 30
rollout:
  batch_size: 3
  inter_wave_delay: 0
service:
  unit: worker.service
`)
	require.NoError(t, os.WriteFile(configPath, content, 0644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "deploy", cfg.SSH.User)
	assert.Equal(t, 30*time.Second, cfg.CommandTimeout())
	assert.Equal(t, 3, cfg.Rollout.BatchSize)
	assert.Equal(t, time.Duration(0), cfg.InterWaveDelay())
	assert.Equal(t, "worker.service", cfg.Service.Unit)
	// Defaults preserved for unset fields
	assert.Equal(t, 22, cfg.SSH.Port)
	assert.Equal(t, 300*time.Second, cfg.InstallTimeout())
	assert.Equal(t, "main", cfg.Service.Branch)
	assert.Equal(t, 72, cfg.Grace.PeriodHours)
}

func TestLoadHaltThreshold(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		want    float64
		wantErr bool
	}{
		{"unset keeps default", "rollout:\n  batch_size: 2\n", 0.30, false},
		{"explicit zero halts on any failure", "rollout:\n  halt_threshold: 0\n", 0, false},
		{"custom", "rollout:\n  halt_threshold: 0.5\n", 0.5, false},
		{"negative", "rollout:\n  halt_threshold: -0.1\n", 0, true},
		{"above one", "rollout:\n  halt_threshold: 1.5\n", 0, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tc.yaml), 0644))

			cfg, err := Load(path)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, cfg.Rollout.HaltThreshold)
		})
	}
}

func TestLoadHostKeyPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "ssh:\n  known_hosts_file: /etc/fleet/known_hosts\n  insecure_ignore_host_key: true\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/etc/fleet/known_hosts", cfg.SSH.KnownHostsFile)
	assert.True(t, cfg.SSH.InsecureIgnoreHostKey)

	require.NoError(t, os.WriteFile(path, []byte("ssh:\n  known_hosts_file: \"\"\n"), 0644))
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default().SSH.KnownHostsFile, cfg.SSH.KnownHostsFile)
	assert.False(t, cfg.SSH.InsecureIgnoreHostKey)
}

func TestLoadConfigFileNotFound(t *testing.T) {
	cfg, err := Load("/nonexistent/config.yaml")
	require.NoError(t, err, "missing config file should return defaults, not error")
	assert.Equal(t, "root", cfg.SSH.User)
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("ssh: [unclosed"), 0644))

	_, err := Load(configPath)
	assert.Error(t, err)
}

func TestPaths(t *testing.T) {
	cfg := Default()
	cfg.BaseDir = "/srv/fleet"

	assert.Equal(t, "/srv/fleet", cfg.FleetDir())
	assert.Equal(t, "/srv/fleet/fleet.db", cfg.DBPath())
	assert.Equal(t, "/srv/fleet/audit", cfg.AuditDir())
	assert.Equal(t, "/srv/fleet/ROLLOUT_STOP", cfg.StopSwitchPath())
	assert.Equal(t, "/srv/fleet/rollout.lock", cfg.RolloutLockPath())
	assert.Equal(t, "/srv/fleet/daemon.lock", cfg.DaemonLockPath())
}

func TestEnsureDirs(t *testing.T) {
	cfg := Default()
	cfg.BaseDir = filepath.Join(t.TempDir(), "fleet")

	require.NoError(t, cfg.EnsureDirs())

	info, err := os.Stat(cfg.AuditDir())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
