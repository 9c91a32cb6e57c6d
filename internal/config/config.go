// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config provides HCL configuration handling for the pipeline.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
	"grimm.is/sml/internal/errors"
	"grimm.is/sml/internal/logging"
	"grimm.is/sml/internal/validation"
)

// Config is the root configuration document.
type Config struct {
	// Inputs and storage. The event-store path is always supplied
	// externally (file or SML_DB_PATH); there is no embedded default DSN.
	EveLog string `hcl:"eve_log,optional"`
	DBPath string `hcl:"db_path,optional"`

	// Artifact roots.
	ModelDir  string `hcl:"model_dir,optional"`
	RulesDir  string `hcl:"rules_dir,optional"`
	RulesFile string `hcl:"rules_file,optional"` // canonical core-written file

	// External IDS control utility (invoked with "reload-rules").
	SuricataCtl string `hcl:"suricata_ctl,optional"`

	ListenAddr string `hcl:"listen_addr,optional"`
	LogLevel   string `hcl:"log_level,optional"`

	Policy  *Policy               `hcl:"policy,block"`
	Emitter *Emitter              `hcl:"emitter,block"`
	Syslog  *logging.SyslogConfig `hcl:"syslog,block"`
}

// Policy holds the anti-false-positive decision criteria.
type Policy struct {
	// Fallback decision threshold when no calibrated artifact exists.
	AnomalyThreshold float64 `hcl:"anomaly_threshold,optional"`
	// Percentile for the threshold fallback path (0-1).
	DefaultPercentile float64 `hcl:"default_percentile,optional"`
	// Minimum precision a calibrated threshold must achieve.
	MinPrecisionForThreshold float64 `hcl:"min_precision_for_threshold,optional"`
	// Ports that never get a drop rule regardless of score.
	AlertOnlyPorts []int `hcl:"alert_only_ports,optional"`
	// Destination addresses excluded from drop rules entirely.
	LocalServices     []string `hcl:"local_services,optional"`
	MinSeverityToDrop int      `hcl:"min_severity_to_drop,optional"`
	MinFreqToDrop     int      `hcl:"min_freq_to_drop,optional"`
}

// Emitter holds rule-emitter batch and scheduling knobs.
type Emitter struct {
	BatchSize     int    `hcl:"batch_size,optional"`
	Cadence       string `hcl:"cadence,optional"`        // e.g. "60s"; empty = on demand only
	ReloadTimeout string `hcl:"reload_timeout,optional"` // suricatasc deadline
}

// Default returns the configuration with all recognized options at their
// documented defaults.
func Default() *Config {
	return &Config{
		EveLog:      "/var/log/suricata/eve.json",
		ModelDir:    "/app/models",
		RulesDir:    "/var/lib/suricata/rules",
		RulesFile:   "sml.rules",
		SuricataCtl: "suricatasc",
		ListenAddr:  "127.0.0.1:8765",
		LogLevel:    "info",
		Policy: &Policy{
			AnomalyThreshold:         -0.2,
			DefaultPercentile:        0.98,
			MinPrecisionForThreshold: 0.95,
			AlertOnlyPorts:           []int{53, 80, 123, 443},
			LocalServices:            []string{"10.0.2.3", "192.168.10.1"},
			MinSeverityToDrop:        2,
			MinFreqToDrop:            5,
		},
		Emitter: &Emitter{
			BatchSize:     100,
			ReloadTimeout: "35s",
		},
	}
}

// Load reads an HCL configuration file, applies defaults for unset options
// and validates the result. A missing file yields pure defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			var fileCfg Config
			if err := hclsimple.DecodeFile(path, nil, &fileCfg); err != nil {
				return nil, errors.Wrapf(err, errors.KindParse, "failed to parse config %s", path)
			}
			merge(cfg, &fileCfg)
		} else if !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, errors.KindTransient, "failed to stat config %s", path)
		}
	}

	if dsn := os.Getenv("SML_DB_PATH"); dsn != "" {
		cfg.DBPath = dsn
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func merge(dst, src *Config) {
	if src.EveLog != "" {
		dst.EveLog = src.EveLog
	}
	if src.DBPath != "" {
		dst.DBPath = src.DBPath
	}
	if src.ModelDir != "" {
		dst.ModelDir = src.ModelDir
	}
	if src.RulesDir != "" {
		dst.RulesDir = src.RulesDir
	}
	if src.RulesFile != "" {
		dst.RulesFile = src.RulesFile
	}
	if src.SuricataCtl != "" {
		dst.SuricataCtl = src.SuricataCtl
	}
	if src.ListenAddr != "" {
		dst.ListenAddr = src.ListenAddr
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
	if src.Syslog != nil {
		dst.Syslog = src.Syslog
	}
	if p := src.Policy; p != nil {
		d := dst.Policy
		if p.AnomalyThreshold != 0 {
			d.AnomalyThreshold = p.AnomalyThreshold
		}
		if p.DefaultPercentile != 0 {
			d.DefaultPercentile = p.DefaultPercentile
		}
		if p.MinPrecisionForThreshold != 0 {
			d.MinPrecisionForThreshold = p.MinPrecisionForThreshold
		}
		if p.AlertOnlyPorts != nil {
			d.AlertOnlyPorts = p.AlertOnlyPorts
		}
		if p.LocalServices != nil {
			d.LocalServices = p.LocalServices
		}
		if p.MinSeverityToDrop != 0 {
			d.MinSeverityToDrop = p.MinSeverityToDrop
		}
		if p.MinFreqToDrop != 0 {
			d.MinFreqToDrop = p.MinFreqToDrop
		}
	}
	if e := src.Emitter; e != nil {
		d := dst.Emitter
		if e.BatchSize != 0 {
			d.BatchSize = e.BatchSize
		}
		if e.Cadence != "" {
			d.Cadence = e.Cadence
		}
		if e.ReloadTimeout != "" {
			d.ReloadTimeout = e.ReloadTimeout
		}
	}
}

// Validate checks option ranges and path shapes.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return errors.New(errors.KindContract, "db_path must be provided (config or SML_DB_PATH)")
	}
	p := c.Policy
	if p.DefaultPercentile <= 0 || p.DefaultPercentile >= 1 {
		return errors.Errorf(errors.KindContract, "default_percentile out of range (0,1): %v", p.DefaultPercentile)
	}
	if p.MinPrecisionForThreshold <= 0 || p.MinPrecisionForThreshold > 1 {
		return errors.Errorf(errors.KindContract, "min_precision_for_threshold out of range (0,1]: %v", p.MinPrecisionForThreshold)
	}
	for _, port := range p.AlertOnlyPorts {
		if err := validation.ValidatePortNumber(port); err != nil {
			return errors.Wrap(err, errors.KindContract, "alert_only_ports")
		}
	}
	for _, ip := range p.LocalServices {
		if err := validation.ValidateIPOrCIDR(ip); err != nil {
			return errors.Wrap(err, errors.KindContract, "local_services")
		}
	}
	if c.Emitter.BatchSize <= 0 {
		return errors.Errorf(errors.KindContract, "batch_size must be positive: %d", c.Emitter.BatchSize)
	}
	if _, err := c.ReloadTimeout(); err != nil {
		return err
	}
	if c.Emitter.Cadence != "" {
		if _, err := time.ParseDuration(c.Emitter.Cadence); err != nil {
			return errors.Wrapf(err, errors.KindParse, "invalid emitter cadence %q", c.Emitter.Cadence)
		}
	}
	return nil
}

// RulesPath returns the absolute path of the canonical core-written rule file.
func (c *Config) RulesPath() string {
	return filepath.Join(c.RulesDir, c.RulesFile)
}

// ReloadTimeout returns the suricatasc deadline, capped at 35 seconds.
func (c *Config) ReloadTimeout() (time.Duration, error) {
	d, err := time.ParseDuration(c.Emitter.ReloadTimeout)
	if err != nil {
		return 0, errors.Wrapf(err, errors.KindParse, "invalid reload_timeout %q", c.Emitter.ReloadTimeout)
	}
	if d > 35*time.Second {
		d = 35 * time.Second
	}
	return d, nil
}

// EmitCadence returns the emitter interval, or zero when on-demand only.
func (c *Config) EmitCadence() time.Duration {
	if c.Emitter.Cadence == "" {
		return 0
	}
	d, _ := time.ParseDuration(c.Emitter.Cadence)
	return d
}

// AlertOnlyPortSet returns the alert-only ports as a set.
func (p *Policy) AlertOnlyPortSet() map[int]struct{} {
	set := make(map[int]struct{}, len(p.AlertOnlyPorts))
	for _, port := range p.AlertOnlyPorts {
		set[port] = struct{}{}
	}
	return set
}

// LocalServiceSet returns the excluded destination addresses as a set.
func (p *Policy) LocalServiceSet() map[string]struct{} {
	set := make(map[string]struct{}, len(p.LocalServices))
	for _, ip := range p.LocalServices {
		set[ip] = struct{}{}
	}
	return set
}

// String renders a one-line summary for startup logging.
func (c *Config) String() string {
	return fmt.Sprintf("eve_log=%s db=%s model_dir=%s rules=%s", c.EveLog, c.DBPath, c.ModelDir, c.RulesPath())
}
