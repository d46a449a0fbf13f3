// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"fmt"
	"log/syslog"
)

// SyslogConfig configures an optional syslog mirror for daemon logs.
// Facility uses the RFC 5424 facility numbering (1 = user-level), not
// the pre-shifted log/syslog.Priority encoding.
type SyslogConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Protocol string
	Tag      string
	Facility int
}

// DefaultSyslogConfig returns syslog mirroring disabled, with the
// defaults it would use if enabled without further overrides.
func DefaultSyslogConfig() SyslogConfig {
	return SyslogConfig{
		Enabled:  false,
		Port:     514,
		Protocol: "udp",
		Tag:      "ipv6fwd",
		Facility: 1, // user-level messages
	}
}

// NewSyslogWriter dials the configured syslog endpoint and returns a
// writer suitable for use as a secondary log sink. Port, Protocol, and
// Tag are defaulted if left zero.
func NewSyslogWriter(cfg SyslogConfig) (*syslog.Writer, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("logging: syslog host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 514
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "udp"
	}
	if cfg.Tag == "" {
		cfg.Tag = "ipv6fwd"
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	priority := syslog.Priority(cfg.Facility<<3) | syslog.LOG_INFO
	return syslog.Dial(cfg.Protocol, addr, priority, cfg.Tag)
}
