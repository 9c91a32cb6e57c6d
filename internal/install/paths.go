// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package install resolves the filesystem layout of an installed
// pipeline: configuration, persistent state and logs.
package install

import (
	"os"
	"path/filepath"
)

const envPrefix = "SML"

// Build-time path overrides (set via -ldflags). These let distributions
// move the defaults without patching the source.
var (
	BuildDefaultConfigDir = ""
	BuildDefaultStateDir  = ""
	BuildDefaultLogDir    = ""
)

var (
	DefaultConfigDir = "/etc/sml"
	DefaultStateDir  = "/var/lib/sml"
	DefaultLogDir    = "/var/log/sml"
)

func init() {
	if BuildDefaultConfigDir != "" {
		DefaultConfigDir = BuildDefaultConfigDir
	}
	if BuildDefaultStateDir != "" {
		DefaultStateDir = BuildDefaultStateDir
	}
	if BuildDefaultLogDir != "" {
		DefaultLogDir = BuildDefaultLogDir
	}
}

// GetConfigDir returns the config directory, checking env vars first.
// Priority: SML_CONFIG_DIR > SML_PREFIX/config > DefaultConfigDir
func GetConfigDir() string {
	if dir := os.Getenv(envPrefix + "_CONFIG_DIR"); dir != "" {
		return dir
	}
	if prefix := os.Getenv(envPrefix + "_PREFIX"); prefix != "" {
		return filepath.Join(prefix, "config")
	}
	return DefaultConfigDir
}

// GetStateDir returns the state directory, checking env vars first.
// Priority: SML_STATE_DIR > SML_PREFIX/state > DefaultStateDir
func GetStateDir() string {
	if dir := os.Getenv(envPrefix + "_STATE_DIR"); dir != "" {
		return dir
	}
	if prefix := os.Getenv(envPrefix + "_PREFIX"); prefix != "" {
		return filepath.Join(prefix, "state")
	}
	return DefaultStateDir
}

// GetLogDir returns the log directory, checking env vars first.
// Priority: SML_LOG_DIR > SML_PREFIX/log > DefaultLogDir
func GetLogDir() string {
	if dir := os.Getenv(envPrefix + "_LOG_DIR"); dir != "" {
		return dir
	}
	if prefix := os.Getenv(envPrefix + "_PREFIX"); prefix != "" {
		return filepath.Join(prefix, "log")
	}
	return DefaultLogDir
}

// DefaultConfigPath returns the default HCL config file location.
func DefaultConfigPath() string {
	return filepath.Join(GetConfigDir(), "config.hcl")
}
