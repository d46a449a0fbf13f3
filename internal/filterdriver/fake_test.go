// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package filterdriver

import "strings"

// fakeIPTables is an in-memory stand-in for *goiptables.IPTables, kept
// intentionally dumb: rules are just their joined rulespec string, held
// per table/chain in insertion order. No attempt is made to reproduce
// real netfilter matching semantics beyond exact-string rule identity.
type fakeIPTables struct {
	chains map[string][]string // "table/chain" -> created marker
	rules  map[string][]string // "table/chain" -> ordered rulespec lines
	calls  []string
}

func newFakeIPTables() *fakeIPTables {
	return &fakeIPTables{
		chains: make(map[string][]string),
		rules:  make(map[string][]string),
	}
}

func key(table, chain string) string { return table + "/" + chain }

func (f *fakeIPTables) record(call string) { f.calls = append(f.calls, call) }

func (f *fakeIPTables) Exists(table, chain string, rulespec ...string) (bool, error) {
	f.record("exists " + key(table, chain))
	want := strings.Join(rulespec, " ")
	for _, r := range f.rules[key(table, chain)] {
		if r == want {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeIPTables) Append(table, chain string, rulespec ...string) error {
	f.record("append " + key(table, chain))
	k := key(table, chain)
	f.rules[k] = append(f.rules[k], strings.Join(rulespec, " "))
	return nil
}

func (f *fakeIPTables) Insert(table, chain string, pos int, rulespec ...string) error {
	f.record("insert " + key(table, chain))
	k := key(table, chain)
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

func (f *fakeIPTables) Delete(table, chain string, rulespec ...string) error {
	f.record("delete " + key(table, chain))
	k := key(table, chain)
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

func (f *fakeIPTables) ClearChain(table, chain string) error {
	f.record("flush " + key(table, chain))
	k := key(table, chain)
	f.rules[k] = nil
	if _, ok := f.chains[k]; !ok {
		f.chains[k] = []string{}
	}
	return nil
}

func (f *fakeIPTables) NewChain(table, chain string) error {
	f.record("newchain " + key(table, chain))
	f.chains[key(table, chain)] = []string{}
	return nil
}

func (f *fakeIPTables) ChainExists(table, chain string) (bool, error) {
	_, ok := f.chains[key(table, chain)]
	return ok, nil
}
