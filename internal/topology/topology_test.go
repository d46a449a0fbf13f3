// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package topology

import (
	"bytes"
	"strings"
	"testing"

	"github.com/Loongel/docker-ipv6firewall/internal/filterdriver"
	"github.com/Loongel/docker-ipv6firewall/internal/logging"
)

func testNames() Names {
	return Names{
		Fwd6: "FWD6", In6: "IN6", Nat6: "NAT6",
		Fwd4: "FWD4", Nat4: "NAT4", Isolation: "ISOLATE",
		ParentIface: "eth0", GatewayIface: "br-v6",
	}
}

func testLogger() *logging.Logger {
	cfg := logging.DefaultConfig()
	cfg.Output = &bytes.Buffer{}
	return logging.New(cfg)
}

// fakeDriver is an in-memory filterdriver.Driver double, grounded on the
// same fakeIPTables approach internal/filterdriver tests itself with,
// built directly against the public Driver contract so topology can
// exercise Initialize/Cleanup without root or a real iptables binary.
type fakeDriver struct {
	rules map[string][]string // "family/table/chain" -> ordered rulespec lines
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{rules: make(map[string][]string)}
}

func fkey(family filterdriver.Family, table filterdriver.Table, chain string) string {
	return family.String() + "/" + string(table) + "/" + chain
}

func (f *fakeDriver) ruleCount(family filterdriver.Family, table filterdriver.Table, chain string) int {
	return len(f.rules[fkey(family, table, chain)])
}

func (f *fakeDriver) Exists(family filterdriver.Family, table filterdriver.Table, chain string, rulespec ...string) (bool, error) {
	want := strings.Join(rulespec, " ")
	for _, r := range f.rules[fkey(family, table, chain)] {
		if r == want {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeDriver) Append(family filterdriver.Family, table filterdriver.Table, chain string, rulespec ...string) error {
	k := fkey(family, table, chain)
	f.rules[k] = append(f.rules[k], strings.Join(rulespec, " "))
	return nil
}

func (f *fakeDriver) Insert(family filterdriver.Family, table filterdriver.Table, chain string, pos int, rulespec ...string) error {
	k := fkey(family, table, chain)
	line := strings.Join(rulespec, " ")
	idx := pos - 1
	if idx < 0 || idx > len(f.rules[k]) {
		idx = len(f.rules[k])
	}
	rules := append([]string{}, f.rules[k][:idx]...)
	rules = append(rules, line)
	rules = append(rules, f.rules[k][idx:]...)
	f.rules[k] = rules
	return nil
}

func (f *fakeDriver) Delete(family filterdriver.Family, table filterdriver.Table, chain string, rulespec ...string) error {
	k := fkey(family, table, chain)
	want := strings.Join(rulespec, " ")
	out := f.rules[k][:0]
	for _, r := range f.rules[k] {
		if r != want {
			out = append(out, r)
		}
	}
	f.rules[k] = out
	return nil
}

func (f *fakeDriver) Flush(family filterdriver.Family, table filterdriver.Table, chain string) error {
	f.rules[fkey(family, table, chain)] = nil
	return nil
}

func (f *fakeDriver) EnsureChain(family filterdriver.Family, table filterdriver.Table, chain string) error {
	k := fkey(family, table, chain)
	if _, ok := f.rules[k]; !ok {
		f.rules[k] = []string{}
	}
	return nil
}

func (f *fakeDriver) EnsureJump(family filterdriver.Family, table filterdriver.Table, parent, child string, pos int) error {
	exists, _ := f.Exists(family, table, parent, "-j", child)
	if exists {
		return nil
	}
	return f.Insert(family, table, parent, pos, "-j", child)
}

func TestInitializeIsIdempotent(t *testing.T) {
	d := newFakeDriver()
	mgr := New(d, testLogger(), testNames())

	if err := mgr.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	firstFwd6 := d.ruleCount(filterdriver.IPv6, filterdriver.TableFilter, "FWD6")
	firstIn6 := d.ruleCount(filterdriver.IPv6, filterdriver.TableFilter, "IN6")
	if firstFwd6 == 0 || firstIn6 == 0 {
		t.Fatal("expected base rules installed on first Initialize")
	}

	if err := mgr.Initialize(); err != nil {
		t.Fatalf("Initialize (second call): %v", err)
	}
	if got := d.ruleCount(filterdriver.IPv6, filterdriver.TableFilter, "FWD6"); got != firstFwd6 {
		t.Errorf("fwd6 rule count changed across idempotent Initialize: %d -> %d", firstFwd6, got)
	}
	if got := d.ruleCount(filterdriver.IPv6, filterdriver.TableFilter, "IN6"); got != firstIn6 {
		t.Errorf("in6 rule count changed across idempotent Initialize: %d -> %d", firstIn6, got)
	}
}

func TestCleanupPreservesIsolationBody(t *testing.T) {
	d := newFakeDriver()
	mgr := New(d, testLogger(), testNames())

	if err := mgr.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	isolationBefore := d.ruleCount(filterdriver.IPv6, filterdriver.TableFilter, "ISOLATE")
	if isolationBefore == 0 {
		t.Fatal("expected isolation chain to have a base rule after Initialize")
	}

	if err := mgr.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}

	isolationAfter := d.ruleCount(filterdriver.IPv6, filterdriver.TableFilter, "ISOLATE")
	if isolationAfter != isolationBefore {
		t.Errorf("isolation chain body changed across Cleanup: %d -> %d", isolationBefore, isolationAfter)
	}
	if got := d.ruleCount(filterdriver.IPv6, filterdriver.TableFilter, "FWD6"); got != 0 {
		t.Errorf("expected fwd6 flushed after Cleanup, got %d rules", got)
	}
}

func TestCleanupOnlyRemovesSessionAddedICMPv6Rules(t *testing.T) {
	d := newFakeDriver()
	mgr := New(d, testLogger(), testNames())

	if err := mgr.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := mgr.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if got := d.ruleCount(filterdriver.IPv6, filterdriver.TableFilter, "IN6"); got != 0 {
		t.Errorf("expected all session-added in6 rules removed, got %d remaining", got)
	}
}

func TestCleanupRemovesParentJumps(t *testing.T) {
	d := newFakeDriver()
	mgr := New(d, testLogger(), testNames())

	if err := mgr.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if exists, _ := d.Exists(filterdriver.IPv6, filterdriver.TableFilter, "FORWARD", "-j", "FWD6"); !exists {
		t.Fatal("expected FORWARD->FWD6 jump after Initialize")
	}

	if err := mgr.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if exists, _ := d.Exists(filterdriver.IPv6, filterdriver.TableFilter, "FORWARD", "-j", "FWD6"); exists {
		t.Error("expected FORWARD->FWD6 jump removed after Cleanup")
	}
	if exists, _ := d.Exists(filterdriver.IPv6, filterdriver.TableFilter, "INPUT", "-j", "ISOLATE"); exists {
		t.Error("expected INPUT->ISOLATE jump removed after Cleanup")
	}
}
