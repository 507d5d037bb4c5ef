package health

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/lyndonlyu/fleet/internal/audit"
	"github.com/lyndonlyu/fleet/internal/config"
	"github.com/lyndonlyu/fleet/internal/filelock"
	"github.com/lyndonlyu/fleet/internal/killswitch"
	"github.com/lyndonlyu/fleet/internal/statedb"
	"github.com/robfig/cron"
)

// CheckConfig verifies that the configuration file can be loaded.
func CheckConfig(path string) ComponentStatus {
	cs := ComponentStatus{Name: "config", Category: Critical}

	if _, err := config.Load(path); err != nil {
		cs.Detail = fmt.Sprintf("Configuration error: %v", err)
		return cs
	}
	cs.Healthy = true
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cs.Detail = "No config file; using defaults"
	} else {
		cs.Detail = "Configuration loaded"
	}
	return cs
}

// CheckDatabase opens the state database, which also applies pending
// migrations.
func CheckDatabase(path string) ComponentStatus {
	cs := ComponentStatus{Name: "database", Category: Critical}

	db, err := statedb.Open(path)
	if err != nil {
		cs.Detail = err.Error()
		return cs
	}
	db.Close()
	cs.Healthy = true
	cs.Detail = "Schema up to date"
	return cs
}

// CheckAuditChain verifies the integrity of the audit hash chain.
func CheckAuditChain(dir string) ComponentStatus {
	cs := ComponentStatus{Name: "audit_chain", Category: Critical}

	logger, err := audit.NewLogger(dir)
	if err != nil {
		cs.Detail = fmt.Sprintf("Failed to open audit log: %v", err)
		return cs
	}
	res, err := logger.Verify()
	if err != nil {
		cs.Detail = fmt.Sprintf("Verification error: %v", err)
		return cs
	}
	if !res.Valid {
		cs.Detail = fmt.Sprintf("Hash chain broken at record %d", res.BrokenAt)
		return cs
	}
	cs.Healthy = true
	cs.Detail = fmt.Sprintf("Hash chain intact (%d records)", res.Records)
	return cs
}

// CheckMasterKey reports whether the credential master key is present.
func CheckMasterKey(value string) ComponentStatus {
	cs := ComponentStatus{Name: "master_key", Category: Critical}
	if value == "" {
		cs.Detail = config.MasterKeyEnv + " is not set; node credentials cannot be decrypted"
		return cs
	}
	cs.Healthy = true
	cs.Detail = "Set"
	return cs
}

// CheckStopSwitch reports an engaged rollout stop switch as degraded.
func CheckStopSwitch(path string) ComponentStatus {
	cs := ComponentStatus{Name: "stop_switch", Category: Important}

	m, err := killswitch.New(path, nil).Marker()
	switch {
	case err != nil:
		cs.Detail = fmt.Sprintf("Unreadable: %v", err)
	case m != nil:
		cs.Detail = fmt.Sprintf("ENGAGED (%s); use 'fleet rollout resume' to release", m.Reason)
	default:
		cs.Healthy = true
		cs.Detail = "Not engaged"
	}
	return cs
}

// CheckKnownHosts reports whether node host keys are verified.
func CheckKnownHosts(path string, insecure bool) ComponentStatus {
	cs := ComponentStatus{Name: "known_hosts", Category: Important}
	if insecure {
		cs.Detail = "ssh.insecure_ignore_host_key is set; host keys are not verified"
		return cs
	}
	if path == "" {
		cs.Detail = "ssh.known_hosts_file not set; connections are refused"
		return cs
	}
	if _, err := os.Stat(path); err != nil {
		cs.Detail = fmt.Sprintf("Unreadable: %v", err)
		return cs
	}
	cs.Healthy = true
	cs.Detail = path
	return cs
}

// CheckSweepSchedule verifies the grace sweep schedule parses.
func CheckSweepSchedule(spec string) ComponentStatus {
	cs := ComponentStatus{Name: "sweep_schedule", Category: Important}
	if _, err := cron.Parse(spec); err != nil {
		cs.Detail = fmt.Sprintf("Invalid schedule %q: %v", spec, err)
		return cs
	}
	cs.Healthy = true
	cs.Detail = spec
	return cs
}

// CheckDaemon reports whether a grace daemon holds its lock. Grace
// periods only fire while one runs.
func CheckDaemon(lockPath string) ComponentStatus {
	cs := ComponentStatus{Name: "daemon", Category: Optional}
	meta, ok := filelock.Holder(lockPath)
	if !ok {
		cs.Detail = "Not running; grace periods will not fire"
		return cs
	}
	cs.Healthy = true
	cs.Detail = fmt.Sprintf("Running (pid %d)", meta.PID)
	return cs
}

// CheckDirWritable tests whether a directory exists and is writable by
// creating and immediately removing a temp file.
func CheckDirWritable(dir, name string, category Category) ComponentStatus {
	cs := ComponentStatus{Name: name, Category: category}

	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			cs.Detail = "Missing"
		} else {
			cs.Detail = fmt.Sprintf("Stat error: %v", err)
		}
		return cs
	}
	if !info.IsDir() {
		cs.Detail = "Not a directory"
		return cs
	}

	tmp := filepath.Join(dir, ".health_check_tmp")
	if err := os.WriteFile(tmp, []byte("ok"), 0644); err != nil {
		cs.Detail = "Not writable"
		return cs
	}
	os.Remove(tmp)

	cs.Healthy = true
	cs.Detail = "Writable"
	return cs
}

// Evaluate runs every component check against cfg. configPath is the
// file cfg was loaded from and masterKey the value of the master key
// variable.
func Evaluate(cfg *config.Config, configPath, masterKey string) *Report {
	return NewReport([]ComponentStatus{
		CheckConfig(configPath),
		CheckDatabase(cfg.DBPath()),
		CheckAuditChain(cfg.AuditDir()),
		CheckMasterKey(masterKey),
		CheckDirWritable(cfg.FleetDir(), "fleet_dir", Important),
		CheckStopSwitch(cfg.StopSwitchPath()),
		CheckKnownHosts(cfg.SSH.KnownHostsFile, cfg.SSH.InsecureIgnoreHostKey),
		CheckSweepSchedule(cfg.Grace.SweepSchedule),
		CheckDaemon(cfg.DaemonLockPath()),
	})
}
