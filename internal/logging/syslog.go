// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// SyslogConfig configures forwarding of log lines to a remote syslog collector.
type SyslogConfig struct {
	Enabled  bool   `hcl:"enabled,optional"`
	Host     string `hcl:"host,optional"`
	Port     int    `hcl:"port,optional"`
	Protocol string `hcl:"protocol,optional"` // udp or tcp
	Tag      string `hcl:"tag,optional"`
	Facility int    `hcl:"facility,optional"` // RFC 3164 facility code
}

// DefaultSyslogConfig returns the default (disabled) syslog configuration.
func DefaultSyslogConfig() SyslogConfig {
	return SyslogConfig{
		Enabled:  false,
		Port:     514,
		Protocol: "udp",
		Tag:      "sml",
		Facility: 1,
	}
}

// SyslogWriter is an io.Writer that frames each write as an RFC 3164 message.
type SyslogWriter struct {
	conn     net.Conn
	tag      string
	facility int
	hostname string
}

// NewSyslogWriter connects to the configured syslog collector.
func NewSyslogWriter(cfg SyslogConfig) (*SyslogWriter, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("syslog host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 514
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "udp"
	}
	if cfg.Tag == "" {
		cfg.Tag = "sml"
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	conn, err := net.DialTimeout(cfg.Protocol, addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to syslog at %s: %w", addr, err)
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "localhost"
	}

	return &SyslogWriter{
		conn:     conn,
		tag:      cfg.Tag,
		facility: cfg.Facility,
		hostname: hostname,
	}, nil
}

// Write frames p as a single syslog message at severity "info".
func (w *SyslogWriter) Write(p []byte) (int, error) {
	// PRI = facility*8 + severity (6 = informational)
	pri := w.facility*8 + 6
	msg := strings.TrimRight(string(p), "\n")
	line := fmt.Sprintf("<%d>%s %s %s: %s\n",
		pri, time.Now().Format(time.Stamp), w.hostname, w.tag, msg)
	if _, err := w.conn.Write([]byte(line)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close releases the underlying connection.
func (w *SyslogWriter) Close() error {
	return w.conn.Close()
}
