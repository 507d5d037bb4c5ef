package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lyndonlyu/fleet/internal/redact"
	"gopkg.in/yaml.v3"
)

// MasterKeyEnv names the environment variable holding the secret that
// credential envelopes are decrypted with.
const MasterKeyEnv = "FLEET_MASTER_KEY"

type SSHConfig struct {
	User           string `yaml:"user"`
	Port           int    `yaml:"port"`
	ConnectTimeout int    `yaml:"connect_timeout"`
	CommandTimeout int    `yaml:"command_timeout"`
	InstallTimeout int    `yaml:"install_timeout"`
	KnownHostsFile string `yaml:"known_hosts_file"`

	// Disables host key verification entirely; off unless set.
	InsecureIgnoreHostKey bool `yaml:"insecure_ignore_host_key"`
}

type ServiceConfig struct {
	Dir            string `yaml:"dir"`
	Branch         string `yaml:"branch"`
	Unit           string `yaml:"unit"`
	InstallCommand string `yaml:"install_command"`
}

type RolloutConfig struct {
	BatchSize      int     `yaml:"batch_size"`
	InterWaveDelay int     `yaml:"inter_wave_delay"`
	SettleDelay    int     `yaml:"settle_delay"`
	HaltThreshold  float64 `yaml:"halt_threshold"`
}

type GraceConfig struct {
	PeriodHours   int    `yaml:"period_hours"`
	SweepSchedule string `yaml:"sweep_schedule"`
}

type Config struct {
	SSH       SSHConfig              `yaml:"ssh"`
	Service   ServiceConfig          `yaml:"service"`
	Rollout   RolloutConfig          `yaml:"rollout"`
	Grace     GraceConfig            `yaml:"grace"`
	Redaction redact.RedactionConfig `yaml:"redaction"`
	LogLevel  string                 `yaml:"log_level"`
	BaseDir   string                 `yaml:"-"`
}

func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		SSH: SSHConfig{
			User:           "root",
			Port:           22,
			ConnectTimeout: 10,
			CommandTimeout: 60,
			InstallTimeout: 300,
			KnownHostsFile: filepath.Join(home, ".ssh", "known_hosts"),
		},
		Service: ServiceConfig{
			Dir:            "/opt/bot",
			Branch:         "main",
			Unit:           "bot.service",
			InstallCommand: "npm ci --omit=dev",
		},
		Rollout: RolloutConfig{
			BatchSize:      5,
			InterWaveDelay: 10,
			SettleDelay:    5,
			HaltThreshold:  0.30,
		},
		Grace: GraceConfig{
			PeriodHours:   72,
			SweepSchedule: "@every 1h",
		},
		Redaction: redact.DefaultConfig(),
		LogLevel:  "info",
		BaseDir:   filepath.Join(home, ".fleet"),
	}
}

func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Ensure defaults for zero values
	def := Default()
	if cfg.SSH.User == "" {
		cfg.SSH.User = def.SSH.User
	}
	if cfg.SSH.Port == 0 {
		cfg.SSH.Port = def.SSH.Port
	}
	if cfg.SSH.ConnectTimeout == 0 {
		cfg.SSH.ConnectTimeout = def.SSH.ConnectTimeout
	}
	if cfg.SSH.CommandTimeout == 0 {
		cfg.SSH.CommandTimeout = def.SSH.CommandTimeout
	}
	if cfg.SSH.InstallTimeout == 0 {
		cfg.SSH.InstallTimeout = def.SSH.InstallTimeout
	}
	if cfg.SSH.KnownHostsFile == "" {
		cfg.SSH.KnownHostsFile = def.SSH.KnownHostsFile
	}
	if cfg.Service.Dir == "" {
		cfg.Service.Dir = def.Service.Dir
	}
	if cfg.Service.Branch == "" {
		cfg.Service.Branch = def.Service.Branch
	}
	if cfg.Service.Unit == "" {
		cfg.Service.Unit = def.Service.Unit
	}
	if cfg.Service.InstallCommand == "" {
		cfg.Service.InstallCommand = def.Service.InstallCommand
	}
	if cfg.Rollout.BatchSize <= 0 {
		cfg.Rollout.BatchSize = def.Rollout.BatchSize
	}
	// An explicit zero halt threshold halts on any failure.
	if cfg.Rollout.HaltThreshold < 0 || cfg.Rollout.HaltThreshold > 1 {
		return nil, fmt.Errorf("config: rollout.halt_threshold %v is outside [0, 1]", cfg.Rollout.HaltThreshold)
	}
	if cfg.Grace.PeriodHours <= 0 {
		cfg.Grace.PeriodHours = def.Grace.PeriodHours
	}
	if cfg.Grace.SweepSchedule == "" {
		cfg.Grace.SweepSchedule = def.Grace.SweepSchedule
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.BaseDir == "" {
		cfg.BaseDir = def.BaseDir
	}

	return cfg, nil
}

// Durations. Inter-wave and settle delays may legitimately be zero.

func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.SSH.ConnectTimeout) * time.Second
}

func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.SSH.CommandTimeout) * time.Second
}

func (c *Config) InstallTimeout() time.Duration {
	return time.Duration(c.SSH.InstallTimeout) * time.Second
}

func (c *Config) InterWaveDelay() time.Duration {
	return time.Duration(c.Rollout.InterWaveDelay) * time.Second
}

func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.Rollout.SettleDelay) * time.Second
}

func (c *Config) GracePeriod() time.Duration {
	return time.Duration(c.Grace.PeriodHours) * time.Hour
}

func (c *Config) FleetDir() string {
	return c.BaseDir
}

func (c *Config) DBPath() string {
	return filepath.Join(c.BaseDir, "fleet.db")
}

func (c *Config) AuditDir() string {
	return filepath.Join(c.BaseDir, "audit")
}

func (c *Config) StopSwitchPath() string {
	return filepath.Join(c.BaseDir, "ROLLOUT_STOP")
}

func (c *Config) RolloutLockPath() string {
	return filepath.Join(c.BaseDir, "rollout.lock")
}

func (c *Config) DaemonLockPath() string {
	return filepath.Join(c.BaseDir, "daemon.lock")
}

func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.BaseDir,
		c.AuditDir(),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return err
		}
	}
	return nil
}
