// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config is the daemon's Configuration Source: interface names,
// chain names, administration-program paths, and the ambient logging/
// metrics knobs, loaded from an HCL file.
package config

import (
	"github.com/hashicorp/hcl/v2/hclsimple"

	"github.com/Loongel/docker-ipv6firewall/internal/errors"
)

// Config is the daemon's full set of tunables. Interface parameters take
// effect at the next full reconcile after a reloadable change.
type Config struct {
	// ParentIface is the upstream interface containers reach external
	// traffic through (e.g. "eth0").
	ParentIface string `hcl:"parent_iface"`
	// GatewayIface is the bridge/macvlan interface the container
	// networks hang off (e.g. "br-v6").
	GatewayIface string `hcl:"gateway_iface"`

	// MonitoredDrivers lists the network-driver name fragments eligible
	// for rule creation; a network qualifies if its driver contains any
	// entry case-insensitively.
	// @default: ["macvlan", "bridge"]
	MonitoredDrivers []string `hcl:"monitored_drivers,optional"`

	// @default: "FWD6"
	Fwd6Chain string `hcl:"fwd6_chain,optional"`
	// @default: "IN6"
	In6Chain string `hcl:"in6_chain,optional"`
	// @default: "NAT6"
	Nat6Chain string `hcl:"nat6_chain,optional"`
	// @default: "FWD4"
	Fwd4Chain string `hcl:"fwd4_chain,optional"`
	// @default: "NAT4"
	Nat4Chain string `hcl:"nat4_chain,optional"`
	// @default: "ISOLATE"
	IsolationChain string `hcl:"isolation_chain,optional"`

	// IPTablesPath and IP6TablesPath select the administration-program
	// binaries. Empty means "resolve from PATH".
	IPTablesPath  string `hcl:"iptables_path,optional"`
	IP6TablesPath string `hcl:"ip6tables_path,optional"`

	// DockerSocket is the Inventory Source's Unix socket path.
	// @default: "/var/run/docker.sock"
	// @example: "/var/run/docker.sock"
	DockerSocket string `hcl:"docker_socket,optional"`

	LogLevel string `hcl:"log_level,optional"`
	LogJSON  bool   `hcl:"log_json,optional"`

	// MetricsAddr is the listen address for the Prometheus /metrics
	// endpoint. Empty disables it.
	// @example: ":9109"
	MetricsAddr string `hcl:"metrics_addr,optional"`
}

// Default returns a Config with every optional field at its documented
// default. ParentIface and GatewayIface have no default: Validate
// rejects a Config missing either.
func Default() Config {
	return Config{
		MonitoredDrivers: []string{"macvlan", "bridge"},
		Fwd6Chain:        "FWD6",
		In6Chain:         "IN6",
		Nat6Chain:        "NAT6",
		Fwd4Chain:        "FWD4",
		Nat4Chain:        "NAT4",
		IsolationChain:   "ISOLATE",
		DockerSocket:     "/var/run/docker.sock",
		LogLevel:         "info",
	}
}

// Load parses the HCL file at path, filling any optional field left
// zero with its default, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if err := hclsimple.DecodeFile(path, nil, &cfg); err != nil {
		return nil, errors.Wrapf(err, errors.KindConfigInvalid, "parse config file %s", path)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	d := Default()
	if len(cfg.MonitoredDrivers) == 0 {
		cfg.MonitoredDrivers = d.MonitoredDrivers
	}
	if cfg.Fwd6Chain == "" {
		cfg.Fwd6Chain = d.Fwd6Chain
	}
	if cfg.In6Chain == "" {
		cfg.In6Chain = d.In6Chain
	}
	if cfg.Nat6Chain == "" {
		cfg.Nat6Chain = d.Nat6Chain
	}
	if cfg.Fwd4Chain == "" {
		cfg.Fwd4Chain = d.Fwd4Chain
	}
	if cfg.Nat4Chain == "" {
		cfg.Nat4Chain = d.Nat4Chain
	}
	if cfg.IsolationChain == "" {
		cfg.IsolationChain = d.IsolationChain
	}
	if cfg.DockerSocket == "" {
		cfg.DockerSocket = d.DockerSocket
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = d.LogLevel
	}
}

// Validate reports a KindConfigInvalid error for any missing required
// field or structurally impossible value.
func (c *Config) Validate() error {
	if c.ParentIface == "" {
		return errors.New(errors.KindConfigInvalid, "parent_iface is required")
	}
	if c.GatewayIface == "" {
		return errors.New(errors.KindConfigInvalid, "gateway_iface is required")
	}
	if c.ParentIface == c.GatewayIface {
		return errors.Errorf(errors.KindConfigInvalid, "parent_iface and gateway_iface must differ, both are %q", c.ParentIface)
	}
	if len(c.MonitoredDrivers) == 0 {
		return errors.New(errors.KindConfigInvalid, "monitored_drivers must not be empty")
	}

	chains := map[string]string{
		"fwd6_chain":      c.Fwd6Chain,
		"in6_chain":       c.In6Chain,
		"nat6_chain":      c.Nat6Chain,
		"fwd4_chain":      c.Fwd4Chain,
		"nat4_chain":      c.Nat4Chain,
		"isolation_chain": c.IsolationChain,
	}
	for field, v := range chains {
		if v == "" {
			return errors.Errorf(errors.KindConfigInvalid, "%s must not be empty", field)
		}
	}

	return nil
}
