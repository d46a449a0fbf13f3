// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package topology owns the fixed set of private netfilter chains the
// daemon hangs off the built-in INPUT/FORWARD/PREROUTING/POSTROUTING
// chains, and the base rules that make that topology self-sufficient
// (protocol support, isolation, NAT) independent of any container.
package topology

import (
	"github.com/Loongel/docker-ipv6firewall/internal/filterdriver"
	"github.com/Loongel/docker-ipv6firewall/internal/logging"
)

// icmpv6Types are the ND/unreachable message types the isolation-adjacent
// in6 chain accepts unconditionally, regardless of owner.
var icmpv6Types = []string{
	"destination-unreachable",
	"packet-too-big",
	"time-exceeded",
	"parameter-problem",
	"neighbor-solicitation",
	"neighbor-advertisement",
	"router-solicitation",
	"router-advertisement",
}

const linkLocalV6 = "fe80::/10"

// Names collects the six private chain names and the interfaces they are
// wired against. All fields are required; Config is supplied by the
// Configuration Source.
type Names struct {
	Fwd6      string
	In6       string
	Nat6      string
	Fwd4      string
	Nat4      string
	Isolation string

	ParentIface  string
	GatewayIface string
}

// Manager installs and tears down the chain topology via a
// filterdriver.Driver. It is not safe for concurrent use; the daemon is
// the topology's only caller and serializes access.
type Manager struct {
	driver filterdriver.Driver
	log    *logging.Logger
	names  Names

	// addedICMPv6 records which in6 ICMPv6/link-local base rules were
	// newly added this session, as opposed to already present. Cleanup
	// only removes what this session added.
	addedICMPv6 []icmpv6Rule
}

type icmpv6Rule struct {
	family filterdriver.Family
	spec   []string
}

// New constructs a Manager. driver and log must be non-nil.
func New(driver filterdriver.Driver, log *logging.Logger, names Names) *Manager {
	return &Manager{driver: driver, log: log.With("component", "topology"), names: names}
}

// Initialize makes the kernel tables match the fixed topology: the six
// private chains exist and are referenced from their parent chains at
// position 1, and every base rule is present. Safe to call repeatedly;
// every step is idempotent.
func (m *Manager) Initialize() error {
	if err := m.ensureChains(); err != nil {
		return err
	}

	// The five non-isolation chains are flushed and rebuilt from
	// scratch every start; the isolation chain's body is never
	// touched here so operator-added exemptions survive restarts.
	if err := m.flushManagedChains(); err != nil {
		return err
	}

	// Normalize the isolation jump: drop any existing reference first
	// so an unclean previous shutdown can't leave a duplicate, then
	// re-add it below alongside the rest. Never touches the isolation
	// chain's own body.
	if err := filterdriver.RemoveJump(m.driver, filterdriver.IPv6, filterdriver.TableFilter, "INPUT", m.names.Isolation); err != nil {
		return err
	}
	if err := filterdriver.RemoveJump(m.driver, filterdriver.IPv4, filterdriver.TableFilter, "INPUT", m.names.Isolation); err != nil {
		return err
	}

	if err := m.ensureJumps(); err != nil {
		return err
	}

	if err := m.installBaseRules(); err != nil {
		return err
	}

	m.log.Info("chain topology initialized")
	return nil
}

// Cleanup unwinds this session's references to the topology. It flushes
// fwd6, nat6, fwd4 and nat4 (whose only contents are base rules and
// owner-attributed rules the Reconciler has already removed), but in6
// is only relieved of the ICMPv6/link-local rules this session actually
// added — any that were already present before Initialize ran are left
// for whoever installed them. The isolation chain is never flushed; only
// its parent-chain jump is removed. Chains themselves, and the isolation
// chain's body, survive so the next Initialize picks them up undisturbed.
func (m *Manager) Cleanup() error {
	for _, r := range m.addedICMPv6 {
		chain, spec := r.spec[0], r.spec[1:]
		if err := m.driver.Delete(r.family, filterdriver.TableFilter, chain, spec...); err != nil {
			m.log.Warn("cleanup: remove session icmpv6 rule failed", "error", err)
		}
	}

	rebuilt := []struct {
		family filterdriver.Family
		table  filterdriver.Table
		name   string
	}{
		{filterdriver.IPv6, filterdriver.TableFilter, m.names.Fwd6},
		{filterdriver.IPv6, filterdriver.TableNAT, m.names.Nat6},
		{filterdriver.IPv4, filterdriver.TableFilter, m.names.Fwd4},
		{filterdriver.IPv4, filterdriver.TableNAT, m.names.Nat4},
	}
	for _, t := range rebuilt {
		if err := m.driver.Flush(t.family, t.table, t.name); err != nil {
			m.log.Warn("cleanup: flush failed", "family", t.family, "chain", t.name, "error", err)
		}
	}

	if err := filterdriver.RemoveJump(m.driver, filterdriver.IPv6, filterdriver.TableFilter, "FORWARD", m.names.Fwd6); err != nil {
		m.log.Warn("cleanup: remove fwd6 jump failed", "error", err)
	}
	if err := filterdriver.RemoveJump(m.driver, filterdriver.IPv6, filterdriver.TableFilter, "INPUT", m.names.In6); err != nil {
		m.log.Warn("cleanup: remove in6 jump failed", "error", err)
	}
	if err := filterdriver.RemoveJump(m.driver, filterdriver.IPv6, filterdriver.TableNAT, "PREROUTING", m.names.Nat6); err != nil {
		m.log.Warn("cleanup: remove nat6 jump failed", "error", err)
	}
	if err := filterdriver.RemoveJump(m.driver, filterdriver.IPv4, filterdriver.TableFilter, "FORWARD", m.names.Fwd4); err != nil {
		m.log.Warn("cleanup: remove fwd4 jump failed", "error", err)
	}
	if err := filterdriver.RemoveJump(m.driver, filterdriver.IPv4, filterdriver.TableNAT, "POSTROUTING", m.names.Nat4); err != nil {
		m.log.Warn("cleanup: remove nat4 jump failed", "error", err)
	}
	if err := filterdriver.RemoveJump(m.driver, filterdriver.IPv6, filterdriver.TableFilter, "INPUT", m.names.Isolation); err != nil {
		m.log.Warn("cleanup: remove isolation jump (v6) failed", "error", err)
	}
	if err := filterdriver.RemoveJump(m.driver, filterdriver.IPv4, filterdriver.TableFilter, "INPUT", m.names.Isolation); err != nil {
		m.log.Warn("cleanup: remove isolation jump (v4) failed", "error", err)
	}

	m.addedICMPv6 = nil
	m.log.Info("chain topology cleaned up")
	return nil
}

func (m *Manager) ensureChains() error {
	chains := []struct {
		family filterdriver.Family
		table  filterdriver.Table
		name   string
	}{
		{filterdriver.IPv6, filterdriver.TableFilter, m.names.Fwd6},
		{filterdriver.IPv6, filterdriver.TableFilter, m.names.In6},
		{filterdriver.IPv6, filterdriver.TableNAT, m.names.Nat6},
		{filterdriver.IPv4, filterdriver.TableFilter, m.names.Fwd4},
		{filterdriver.IPv4, filterdriver.TableNAT, m.names.Nat4},
		{filterdriver.IPv6, filterdriver.TableFilter, m.names.Isolation},
		{filterdriver.IPv4, filterdriver.TableFilter, m.names.Isolation},
	}
	for _, c := range chains {
		if err := m.driver.EnsureChain(c.family, c.table, c.name); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) ensureJumps() error {
	jumps := []struct {
		family filterdriver.Family
		table  filterdriver.Table
		parent string
		child  string
	}{
		{filterdriver.IPv6, filterdriver.TableFilter, "FORWARD", m.names.Fwd6},
		{filterdriver.IPv6, filterdriver.TableFilter, "INPUT", m.names.In6},
		{filterdriver.IPv6, filterdriver.TableNAT, "PREROUTING", m.names.Nat6},
		{filterdriver.IPv4, filterdriver.TableFilter, "FORWARD", m.names.Fwd4},
		{filterdriver.IPv4, filterdriver.TableNAT, "POSTROUTING", m.names.Nat4},
		{filterdriver.IPv6, filterdriver.TableFilter, "INPUT", m.names.Isolation},
		{filterdriver.IPv4, filterdriver.TableFilter, "INPUT", m.names.Isolation},
	}
	for _, j := range jumps {
		if err := m.driver.EnsureJump(j.family, j.table, j.parent, j.child, 1); err != nil {
			return err
		}
		m.log.Debug("jump present", "table", j.table, "parent", j.parent, "child", j.child)
	}
	return nil
}

func (m *Manager) flushManagedChains() error {
	targets := []struct {
		family filterdriver.Family
		table  filterdriver.Table
		name   string
	}{
		{filterdriver.IPv6, filterdriver.TableFilter, m.names.Fwd6},
		{filterdriver.IPv6, filterdriver.TableFilter, m.names.In6},
		{filterdriver.IPv6, filterdriver.TableNAT, m.names.Nat6},
		{filterdriver.IPv4, filterdriver.TableFilter, m.names.Fwd4},
		{filterdriver.IPv4, filterdriver.TableNAT, m.names.Nat4},
	}
	for _, t := range targets {
		if err := m.driver.Flush(t.family, t.table, t.name); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) installBaseRules() error {
	if err := m.ensureAt(filterdriver.IPv6, filterdriver.TableFilter, m.names.Fwd6, 1,
		"-i", m.names.ParentIface, "-o", m.names.GatewayIface, "-m", "conntrack", "--ctstate", "DNAT", "-j", "ACCEPT"); err != nil {
		return err
	}

	if err := m.ensureICMPPair(filterdriver.IPv6, m.names.Fwd6, "ipv6-icmp"); err != nil {
		return err
	}
	if err := m.ensureICMPPair(filterdriver.IPv4, m.names.Fwd4, "icmp"); err != nil {
		return err
	}

	for _, t := range icmpv6Types {
		if err := m.ensureSessionTracked(filterdriver.IPv6, filterdriver.TableFilter, m.names.In6,
			"-p", "ipv6-icmp", "--icmpv6-type", t, "-j", "ACCEPT"); err != nil {
			return err
		}
	}
	if err := m.ensureSessionTracked(filterdriver.IPv6, filterdriver.TableFilter, m.names.In6,
		"-s", linkLocalV6, "-j", "ACCEPT"); err != nil {
		return err
	}
	if err := m.ensureSessionTracked(filterdriver.IPv6, filterdriver.TableFilter, m.names.In6,
		"-d", linkLocalV6, "-j", "ACCEPT"); err != nil {
		return err
	}

	if err := m.ensureAppend(filterdriver.IPv6, filterdriver.TableFilter, m.names.Isolation,
		"-i", m.names.GatewayIface, "-p", "!", "ipv6-icmp", "-m", "addrtype", "--dst-type", "LOCAL", "-j", "DROP"); err != nil {
		return err
	}
	if err := m.ensureAppend(filterdriver.IPv4, filterdriver.TableFilter, m.names.Isolation,
		"-i", m.names.GatewayIface, "-p", "!", "icmp", "-m", "addrtype", "--dst-type", "LOCAL", "-j", "DROP"); err != nil {
		return err
	}

	if err := m.ensureAppend(filterdriver.IPv4, filterdriver.TableFilter, m.names.Fwd4,
		"-i", m.names.GatewayIface, "-o", m.names.ParentIface, "-j", "ACCEPT"); err != nil {
		return err
	}

	if err := m.ensureAppend(filterdriver.IPv4, filterdriver.TableNAT, m.names.Nat4,
		"-o", m.names.ParentIface, "-j", "MASQUERADE"); err != nil {
		return err
	}

	return nil
}

func (m *Manager) ensureICMPPair(family filterdriver.Family, chain, proto string) error {
	if err := m.ensureAppend(family, filterdriver.TableFilter, chain,
		"-i", m.names.ParentIface, "-o", m.names.GatewayIface, "-p", proto, "-j", "ACCEPT"); err != nil {
		return err
	}
	return m.ensureAppend(family, filterdriver.TableFilter, chain,
		"-i", m.names.GatewayIface, "-o", m.names.ParentIface, "-p", proto, "-j", "ACCEPT")
}

func (m *Manager) ensureAppend(family filterdriver.Family, table filterdriver.Table, chain string, spec ...string) error {
	exists, err := m.driver.Exists(family, table, chain, spec...)
	if err != nil {
		return err
	}
	if exists {
		m.log.Debug("base rule already present", "family", family, "chain", chain)
		return nil
	}
	return m.driver.Append(family, table, chain, spec...)
}

func (m *Manager) ensureAt(family filterdriver.Family, table filterdriver.Table, chain string, pos int, spec ...string) error {
	exists, err := m.driver.Exists(family, table, chain, spec...)
	if err != nil {
		return err
	}
	if exists {
		m.log.Debug("base rule already present", "family", family, "chain", chain)
		return nil
	}
	return m.driver.Insert(family, table, chain, pos, spec...)
}

// ensureSessionTracked appends a base rule iff absent, and only in that
// case records it so Cleanup knows to remove it; rules that were already
// present when Initialize ran are left for whoever installed them.
func (m *Manager) ensureSessionTracked(family filterdriver.Family, table filterdriver.Table, chain string, spec ...string) error {
	exists, err := m.driver.Exists(family, table, chain, spec...)
	if err != nil {
		return err
	}
	if exists {
		m.log.Debug("base rule already present", "family", family, "chain", chain)
		return nil
	}
	if err := m.driver.Append(family, table, chain, spec...); err != nil {
		return err
	}
	m.addedICMPv6 = append(m.addedICMPv6, icmpv6Rule{family: family, spec: append([]string{chain}, spec...)})
	return nil
}
