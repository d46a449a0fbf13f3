// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package filterdriver is the thin capability over the packet-filter
// administration program (iptables/ip6tables). It exposes
// check/insert/append/delete/flush of rules given a structured rule
// description, for both address families and across the filter and nat
// tables. It is stateless: every call is one invocation of the
// administration program, and the Driver never retries or guards a
// write with its own existence check — guarding is the caller's job.
package filterdriver

import (
	goiptables "github.com/coreos/go-iptables/iptables"

	"github.com/Loongel/docker-ipv6firewall/internal/errors"
)

// Family identifies which administration-program binary (and table
// namespace) a call targets.
type Family int

const (
	IPv4 Family = iota
	IPv6
)

func (f Family) String() string {
	if f == IPv6 {
		return "ipv6"
	}
	return "ipv4"
}

// Table names the two netfilter tables the daemon touches.
type Table string

const (
	TableFilter Table = "filter"
	TableNAT    Table = "nat"
)

// iptablesClient is the subset of *goiptables.IPTables the Driver needs.
// Narrowing to an interface keeps the Driver testable without a real
// administration-program binary or root privileges.
type iptablesClient interface {
	Exists(table, chain string, rulespec ...string) (bool, error)
	Append(table, chain string, rulespec ...string) error
	Insert(table, chain string, pos int, rulespec ...string) error
	Delete(table, chain string, rulespec ...string) error
	ClearChain(table, chain string) error
	NewChain(table, chain string) error
	ChainExists(table, chain string) (bool, error)
}

// Driver is the Filter Driver contract: one administration-program
// invocation per call, across both address families.
type Driver interface {
	Exists(family Family, table Table, chain string, rulespec ...string) (bool, error)
	Append(family Family, table Table, chain string, rulespec ...string) error
	Insert(family Family, table Table, chain string, pos int, rulespec ...string) error
	Delete(family Family, table Table, chain string, rulespec ...string) error
	Flush(family Family, table Table, chain string) error
	EnsureChain(family Family, table Table, chain string) error
	EnsureJump(family Family, table Table, parent, child string, pos int) error
}

// Config selects the administration-program binaries for each family.
type Config struct {
	IPTablesPath  string
	IP6TablesPath string
}

type driver struct {
	clients map[Family]iptablesClient
}

// New constructs a Driver backed by the real iptables/ip6tables
// binaries, resolved from cfg (falling back to PATH lookup when a path
// is empty, matching the administration-program contract of spec.md §6).
func New(cfg Config) (Driver, error) {
	v4opts := []goiptables.Option{goiptables.IPFamily(goiptables.ProtocolIPv4)}
	if cfg.IPTablesPath != "" {
		v4opts = append(v4opts, goiptables.Path(cfg.IPTablesPath))
	}
	v4, err := goiptables.New(v4opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindAdminProgramFailure, "initialize iptables")
	}

	v6opts := []goiptables.Option{goiptables.IPFamily(goiptables.ProtocolIPv6)}
	if cfg.IP6TablesPath != "" {
		v6opts = append(v6opts, goiptables.Path(cfg.IP6TablesPath))
	}
	v6, err := goiptables.New(v6opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindAdminProgramFailure, "initialize ip6tables")
	}

	return newWithClients(map[Family]iptablesClient{IPv4: v4, IPv6: v6}), nil
}

// newWithClients builds a Driver over injected clients, used by tests to
// substitute a fake administration program.
func newWithClients(clients map[Family]iptablesClient) Driver {
	return &driver{clients: clients}
}

func (d *driver) client(family Family) (iptablesClient, error) {
	c, ok := d.clients[family]
	if !ok {
		return nil, errors.Errorf(errors.KindAdminProgramFailure, "no administration program configured for family %s", family)
	}
	return c, nil
}

// Exists implements a "check" invocation: a non-zero exit from the
// administration program means "does not exist", surfaced here as
// (false, nil) rather than an error.
func (d *driver) Exists(family Family, table Table, chain string, rulespec ...string) (bool, error) {
	c, err := d.client(family)
	if err != nil {
		return false, err
	}
	ok, err := c.Exists(string(table), chain, rulespec...)
	if err != nil {
		return false, errors.Wrapf(err, errors.KindAdminProgramFailure, "check rule in %s/%s/%s", family, table, chain)
	}
	return ok, nil
}

func (d *driver) Append(family Family, table Table, chain string, rulespec ...string) error {
	c, err := d.client(family)
	if err != nil {
		return err
	}
	if err := c.Append(string(table), chain, rulespec...); err != nil {
		return errors.Wrapf(err, errors.KindAdminProgramFailure, "append rule to %s/%s/%s", family, table, chain)
	}
	return nil
}

func (d *driver) Insert(family Family, table Table, chain string, pos int, rulespec ...string) error {
	c, err := d.client(family)
	if err != nil {
		return err
	}
	if err := c.Insert(string(table), chain, pos, rulespec...); err != nil {
		return errors.Wrapf(err, errors.KindAdminProgramFailure, "insert rule into %s/%s/%s at %d", family, table, chain, pos)
	}
	return nil
}

func (d *driver) Delete(family Family, table Table, chain string, rulespec ...string) error {
	c, err := d.client(family)
	if err != nil {
		return err
	}
	if err := c.Delete(string(table), chain, rulespec...); err != nil {
		return errors.Wrapf(err, errors.KindAdminProgramFailure, "delete rule from %s/%s/%s", family, table, chain)
	}
	return nil
}

func (d *driver) Flush(family Family, table Table, chain string) error {
	c, err := d.client(family)
	if err != nil {
		return err
	}
	if err := c.ClearChain(string(table), chain); err != nil {
		return errors.Wrapf(err, errors.KindAdminProgramFailure, "flush %s/%s/%s", family, table, chain)
	}
	return nil
}

// EnsureChain creates chain if it does not already exist; a no-op
// otherwise.
func (d *driver) EnsureChain(family Family, table Table, chain string) error {
	c, err := d.client(family)
	if err != nil {
		return err
	}
	exists, err := c.ChainExists(string(table), chain)
	if err != nil {
		return errors.Wrapf(err, errors.KindAdminProgramFailure, "check chain %s/%s/%s", family, table, chain)
	}
	if exists {
		return nil
	}
	if err := c.NewChain(string(table), chain); err != nil {
		return errors.Wrapf(err, errors.KindAdminProgramFailure, "create chain %s/%s/%s", family, table, chain)
	}
	return nil
}

// EnsureJump inserts a jump rule from parent to child at position iff no
// equivalent jump already exists in parent.
func (d *driver) EnsureJump(family Family, table Table, parent, child string, pos int) error {
	exists, err := d.Exists(family, table, parent, "-j", child)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return d.Insert(family, table, parent, pos, "-j", child)
}

// RemoveJump deletes the jump rule from parent to child, tolerating
// absence (used during cleanup to drop the reference to the isolation
// chain without touching its body).
func RemoveJump(d Driver, family Family, table Table, parent, child string) error {
	exists, err := d.Exists(family, table, parent, "-j", child)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	return d.Delete(family, table, parent, "-j", child)
}
