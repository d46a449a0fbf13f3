// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package reconciler owns the control loop: it watches the Inventory
// Source for lifecycle events, derives each owner's desired rule set,
// diffs it against the Ledger and applies the delta through the Filter
// Driver. A periodic sweep catches anything an event was missed for and
// garbage-collects owners that vanished without a clean stop event.
package reconciler

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Loongel/docker-ipv6firewall/internal/errors"
	"github.com/Loongel/docker-ipv6firewall/internal/filterdriver"
	"github.com/Loongel/docker-ipv6firewall/internal/inventory"
	"github.com/Loongel/docker-ipv6firewall/internal/ledger"
	"github.com/Loongel/docker-ipv6firewall/internal/logging"
)

// defaultSweepInterval is the periodic full reconcile pass that catches
// any owner the event stream missed and garbage-collects the rest.
const defaultSweepInterval = 60 * time.Second

// jobQueueDepth bounds how many pending event/sweep jobs can queue up
// for the dispatcher before a producer blocks; generous enough that a
// burst of container events never stalls the event worker behind a
// slow sweep.
const jobQueueDepth = 64

// ownerState is the per-owner lifecycle the Reconciler tracks between
// sweeps: an owner goes from Absent to KnownActive the first time it is
// successfully reconciled, and back to Absent when it disappears from
// the inventory or its rules are dropped.
type ownerState int

const (
	stateAbsent ownerState = iota
	stateKnownActive
)

// Reconciler is the control loop coordinating Inventory, Ledger and
// Filter Driver; the Chain Topology is managed by the daemon, not here.
// It is not safe for concurrent external use;
// Start/Stop follow the same stopCh+WaitGroup idiom used elsewhere in
// this daemon.
//
// The event worker and the sweep worker never touch the Ledger
// directly: each posts a job onto jobs, and the single dispatchWorker
// goroutine is the only thing that ever calls reconcileOwner/dropOwner/
// gc. This is what makes the Ledger's single-writer contract actually
// hold at runtime — without it, a Docker event and a 60s sweep tick
// could race on the same owner's map entry.
type Reconciler struct {
	source  inventory.Source
	driver  filterdriver.Driver
	ledger  *ledger.Ledger
	metrics *Metrics
	log     *logging.Logger

	monitoredDrivers []string
	ifaces           Interfaces
	chains           Chains

	statesMu sync.Mutex
	states   map[string]ownerState

	stopCh        chan struct{}
	wg            sync.WaitGroup
	jobs          chan func()
	sweepInterval time.Duration
}

// Chains names the three private chains the Reconciler writes owner
// rules into; it mirrors the subset of topology.Names that rule
// derivation needs without importing the topology package, keeping
// Reconciler testable against a bare filterdriver.Driver fake.
type Chains struct {
	Fwd6 string
	Fwd4 string
	Nat6 string
}

// New constructs a Reconciler. All arguments must be non-nil.
func New(source inventory.Source, driver filterdriver.Driver, l *ledger.Ledger, metrics *Metrics, log *logging.Logger, monitoredDrivers []string, ifaces Interfaces, chains Chains) *Reconciler {
	return &Reconciler{
		source:           source,
		driver:           driver,
		ledger:           l,
		metrics:          metrics,
		log:              log.With("component", "reconciler"),
		monitoredDrivers: monitoredDrivers,
		ifaces:           ifaces,
		chains:           chains,
		states:           make(map[string]ownerState),
		stopCh:           make(chan struct{}),
		jobs:             make(chan func(), jobQueueDepth),
		sweepInterval:    defaultSweepInterval,
	}
}

// Start runs an initial full sweep synchronously, so the caller knows
// the tables reflect the current inventory before returning, then
// launches the dispatcher, the event worker and the periodic sweep
// worker. Only the dispatcher goroutine ever calls into the Ledger;
// the event and sweep workers merely post jobs to it, so an inbound
// Docker event and a sweep tick can never race on the same owner.
func (r *Reconciler) Start(ctx context.Context) error {
	if err := r.Sweep(ctx); err != nil {
		return err
	}

	events, err := r.source.Events(ctx)
	if err != nil {
		return errors.Wrap(err, errors.KindInventoryUnavailable, "subscribe to inventory events")
	}

	r.wg.Add(3)
	go r.dispatchWorker(ctx)
	go r.eventWorker(ctx, events)
	go r.sweepWorker(ctx)
	return nil
}

// Stop signals every worker and waits for them to return.
func (r *Reconciler) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

// dispatchWorker is the Ledger's single writer at runtime: it drains
// jobs posted by the event worker and the sweep worker and runs them
// one at a time, so reconcileOwner/dropOwner/gc are never entered
// concurrently from two different workers.
func (r *Reconciler) dispatchWorker(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case job := <-r.jobs:
			job()
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// enqueue hands a job to the dispatcher, blocking only until either the
// job is accepted or the Reconciler is stopping — a worker shutting
// down never blocks forever trying to post a job nobody will run.
func (r *Reconciler) enqueue(ctx context.Context, job func()) {
	select {
	case r.jobs <- job:
	case <-r.stopCh:
	case <-ctx.Done():
	}
}

func (r *Reconciler) eventWorker(ctx context.Context, events <-chan inventory.Event) {
	defer r.wg.Done()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.enqueue(ctx, func() { r.handleEvent(ctx, ev) })
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *Reconciler) sweepWorker(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.enqueue(ctx, func() {
				if err := r.Sweep(ctx); err != nil {
					r.log.Warn("periodic sweep failed", "error", err)
				}
			})
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// handleEvent reacts to a single lifecycle notification by reconciling
// just the affected owner (or, for a network event, deferring entirely
// to the next sweep since a network change can affect any owner).
func (r *Reconciler) handleEvent(ctx context.Context, ev inventory.Event) {
	id := uuid.New().String()
	log := r.log.With("job_id", id, "event", ev.Type, "target", ev.ID)

	switch ev.Type {
	case inventory.EventContainerStart:
		r.reconcileContainerByID(ctx, log, ev.ID)
	case inventory.EventContainerStop:
		r.dropOwnersForContainer(log, ev.ID)
	case inventory.EventServiceUpdate:
		r.reconcileServiceByID(ctx, log, ev.ID)
	case inventory.EventServiceRemove:
		r.dropOwner(log, ev.ID)
	case inventory.EventNetworkInvalidate:
		log.Debug("network invalidated, deferring to next sweep")
	}
}

func (r *Reconciler) reconcileContainerByID(ctx context.Context, log *logging.Logger, id string) {
	containers, err := r.source.ListContainers(ctx)
	if err != nil {
		log.Warn("list containers failed", "error", err)
		r.metrics.ReconcileErrors.WithLabelValues(errors.GetKind(err).String()).Inc()
		return
	}
	for _, c := range containers {
		if c.ID == id {
			r.reconcileContainer(log, c)
			return
		}
	}
	// The container is gone already; treat it like a stop event so its
	// buckets don't linger until the next sweep.
	r.dropOwnersForContainer(log, id)
}

func (r *Reconciler) reconcileServiceByID(ctx context.Context, log *logging.Logger, id string) {
	services, err := r.source.ListServices(ctx)
	if err != nil {
		log.Warn("list services failed", "error", err)
		r.metrics.ReconcileErrors.WithLabelValues(errors.GetKind(err).String()).Inc()
		return
	}
	for _, s := range services {
		if s.ID == id {
			r.reconcileService(log, s)
			return
		}
	}
	r.dropOwner(log, id)
}

// Sweep performs a full reconcile pass: derive every owner bucket from
// the current inventory, reconcile each one, then garbage-collect any
// previously known owner that no longer appears.
func (r *Reconciler) Sweep(ctx context.Context) error {
	start := time.Now()
	id := uuid.New().String()
	log := r.log.With("job_id", id, "pass", "sweep")

	containers, err := r.source.ListContainers(ctx)
	if err != nil {
		r.metrics.ReconcileErrors.WithLabelValues(errors.GetKind(err).String()).Inc()
		return errors.Wrap(err, errors.KindInventoryUnavailable, "list containers")
	}
	services, err := r.source.ListServices(ctx)
	if err != nil {
		r.metrics.ReconcileErrors.WithLabelValues(errors.GetKind(err).String()).Inc()
		return errors.Wrap(err, errors.KindInventoryUnavailable, "list services")
	}

	seen := make(map[string]bool)
	for _, c := range containers {
		for id := range deriveContainer(c, r.monitoredDrivers, r.ifaces, log) {
			seen[id] = true
		}
		r.reconcileContainer(log, c)
	}
	for _, s := range services {
		seen[s.ID] = true
		r.reconcileService(log, s)
	}

	r.gc(log, seen)
	r.sampleLedger()

	r.metrics.SweepDuration.Observe(time.Since(start).Seconds())
	log.Info("sweep complete", "containers", len(containers), "services", len(services), "duration", time.Since(start))
	return nil
}

// gc drops every tracked owner that did not appear in this sweep's
// inventory snapshot, so containers and services removed without a
// lifecycle event (a daemon restart mid-removal, a missed event) don't
// leave stale rules behind indefinitely.
func (r *Reconciler) gc(log *logging.Logger, seen map[string]bool) {
	for _, ownerID := range r.ledger.Owners() {
		if seen[ownerID] {
			continue
		}
		r.dropOwner(log, ownerID)
	}
}

// reconcileContainer applies the delta between a container's current
// Ledger entries and its freshly derived buckets, one owner bucket at a
// time (plain, "_public", "_custom").
func (r *Reconciler) reconcileContainer(log *logging.Logger, c inventory.Container) {
	buckets := deriveContainer(c, r.monitoredDrivers, r.ifaces, log)

	// A container can own up to three buckets; any that are no longer
	// produced (e.g. the custom-ports label was removed) still need
	// their previous entry dropped.
	known := map[string]bool{c.ID: true, c.ID + "_public": true, c.ID + "_custom": true}
	for ownerID := range known {
		rules, ok := buckets[ownerID]
		if !ok {
			rules = ledger.OwnerRules{}
		}
		r.reconcileOwner(log, "container", ownerID, rules)
	}
}

func (r *Reconciler) reconcileService(log *logging.Logger, s inventory.Service) {
	rules := deriveService(s, r.ifaces)
	r.reconcileOwner(log, "service", s.ID, rules)
}

// reconcileOwner is the single choke point applying one owner's desired
// rules against the current ones: it deletes stale rules, adds new
// ones, and only records the owner's Ledger entry as the rules the
// Filter Driver actually confirmed — never the requested set, so a
// partial failure is retried on the next pass instead of silently
// assumed to have applied.
func (r *Reconciler) reconcileOwner(log *logging.Logger, kind, ownerID string, desired ledger.OwnerRules) {
	toAdd, toRemove := r.ledger.Diff(ownerID, desired)
	if empty(toAdd) && empty(toRemove) {
		return
	}

	applied := r.applyRemovals(log, ownerID, toRemove)
	added := r.applyAdditions(log, ownerID, toAdd)

	current := r.currentFor(ownerID)
	final := reconcileFinal(current, applied, added)
	r.ledger.Replace(ownerID, final)

	if empty(final) {
		r.setState(ownerID, stateAbsent)
	} else {
		r.setState(ownerID, stateKnownActive)
	}
	r.metrics.ReconcileTotal.WithLabelValues(kind).Inc()
	log.Debug("reconciled owner", "owner_id", ownerID, "added", len(added.Forward)+len(added.Service), "removed", len(applied.Forward)+len(applied.Service))
}

// currentFor reconstructs an owner's Ledger-tracked rules before this
// pass's mutation by re-running Diff against an empty desired set: the
// removal half of that Diff is exactly what was on record.
func (r *Reconciler) currentFor(ownerID string) ledger.OwnerRules {
	_, current := r.ledger.Diff(ownerID, ledger.OwnerRules{})
	return current
}

// reconcileFinal computes what the owner's Ledger entry should become:
// start from what was on record, drop whichever removals the driver
// actually confirmed, add whichever additions the driver actually
// confirmed.
func reconcileFinal(current, removed, added ledger.OwnerRules) ledger.OwnerRules {
	var final ledger.OwnerRules
	for _, f := range current.Forward {
		if containsForward(removed.Forward, f) {
			continue
		}
		final.Forward = append(final.Forward, f)
	}
	for _, s := range current.Service {
		if containsService(removed.Service, s) {
			continue
		}
		final.Service = append(final.Service, s)
	}
	final.Forward = append(final.Forward, added.Forward...)
	final.Service = append(final.Service, added.Service...)
	return final
}

func containsForward(list []ledger.ForwardRule, r ledger.ForwardRule) bool {
	for _, o := range list {
		if o.Equal(r) {
			return true
		}
	}
	return false
}

func containsService(list []ledger.ServiceRule, r ledger.ServiceRule) bool {
	for _, o := range list {
		if o.Equal(r) {
			return true
		}
	}
	return false
}

// applyRemovals issues a Delete for every stale rule. A failed deletion
// is logged and the rule is left out of the confirmed set, so it stays
// on the Ledger and is retried next pass rather than silently forgotten.
func (r *Reconciler) applyRemovals(log *logging.Logger, ownerID string, toRemove ledger.OwnerRules) ledger.OwnerRules {
	var confirmed ledger.OwnerRules
	for _, f := range toRemove.Forward {
		if r.deleteForward(log, f) {
			confirmed.Forward = append(confirmed.Forward, f)
		}
	}
	for _, s := range toRemove.Service {
		natOK := r.deleteNat(log, s.Nat)
		fwdOK := r.deleteForward(log, s.Forward)
		if natOK && fwdOK {
			confirmed.Service = append(confirmed.Service, s)
		}
	}
	return confirmed
}

// applyAdditions issues the administration-program calls to bring up
// every new rule. A failed addition is logged and left out of the
// confirmed set, so the next pass retries it instead of recording state
// the kernel tables don't actually hold.
func (r *Reconciler) applyAdditions(log *logging.Logger, ownerID string, toAdd ledger.OwnerRules) ledger.OwnerRules {
	var confirmed ledger.OwnerRules
	for _, f := range toAdd.Forward {
		if r.addForward(log, f) {
			confirmed.Forward = append(confirmed.Forward, f)
		}
	}
	for _, s := range toAdd.Service {
		if r.addNat(log, s.Nat) && r.addForward(log, s.Forward) {
			confirmed.Service = append(confirmed.Service, s)
		}
	}
	return confirmed
}

func family(f ledger.Family) filterdriver.Family {
	if f == ledger.IPv6 {
		return filterdriver.IPv6
	}
	return filterdriver.IPv4
}

func (r *Reconciler) addForward(log *logging.Logger, f ledger.ForwardRule) bool {
	fam := family(f.Family)
	chain := r.chains.Fwd6
	if fam == filterdriver.IPv4 {
		chain = r.chains.Fwd4
	}
	err := r.driver.Append(fam, filterdriver.TableFilter, chain,
		"-i", f.InIface, "-o", f.OutIface, "-p", f.Proto, "-d", f.DstAddr, "--dport", strconv.Itoa(f.DPort), "-j", "ACCEPT")
	r.recordDriverOp(log, "add_forward", fam, err)
	return err == nil
}

func (r *Reconciler) deleteForward(log *logging.Logger, f ledger.ForwardRule) bool {
	fam := family(f.Family)
	chain := r.chains.Fwd6
	if fam == filterdriver.IPv4 {
		chain = r.chains.Fwd4
	}
	err := r.driver.Delete(fam, filterdriver.TableFilter, chain,
		"-i", f.InIface, "-o", f.OutIface, "-p", f.Proto, "-d", f.DstAddr, "--dport", strconv.Itoa(f.DPort), "-j", "ACCEPT")
	r.recordDriverOp(log, "delete_forward", fam, err)
	return err == nil
}

func (r *Reconciler) addNat(log *logging.Logger, n ledger.NatRule) bool {
	err := r.driver.Append(filterdriver.IPv6, filterdriver.TableNAT, r.chains.Nat6,
		"-i", n.InIface, "-p", n.Proto, "-d", n.DstAddr, "--dport", strconv.Itoa(n.PublishedPort),
		"-j", "DNAT", "--to-destination", n.DstAddr+":"+strconv.Itoa(n.TargetPort))
	r.recordDriverOp(log, "add_nat", filterdriver.IPv6, err)
	return err == nil
}

func (r *Reconciler) deleteNat(log *logging.Logger, n ledger.NatRule) bool {
	err := r.driver.Delete(filterdriver.IPv6, filterdriver.TableNAT, r.chains.Nat6,
		"-i", n.InIface, "-p", n.Proto, "-d", n.DstAddr, "--dport", strconv.Itoa(n.PublishedPort),
		"-j", "DNAT", "--to-destination", n.DstAddr+":"+strconv.Itoa(n.TargetPort))
	r.recordDriverOp(log, "delete_nat", filterdriver.IPv6, err)
	return err == nil
}

func (r *Reconciler) recordDriverOp(log *logging.Logger, op string, fam filterdriver.Family, err error) {
	result := "ok"
	if err != nil {
		result = "error"
		log.Warn("administration program call failed", "op", op, "family", fam, "error", err)
		r.metrics.ReconcileErrors.WithLabelValues(errors.GetKind(err).String()).Inc()
	}
	r.metrics.DriverOpsTotal.WithLabelValues(op, fam.String(), result).Inc()
}

// dropOwnersForContainer removes all three of a container's possible
// owner buckets.
func (r *Reconciler) dropOwnersForContainer(log *logging.Logger, containerID string) {
	for _, ownerID := range []string{containerID, containerID + "_public", containerID + "_custom"} {
		r.dropOwner(log, ownerID)
	}
}

// dropOwner removes every rule the Ledger has on record for ownerID,
// issuing each administration-program call once, best-effort: a failure
// here leaves the rule on the Ledger so a later pass tries to remove it
// again.
func (r *Reconciler) dropOwner(log *logging.Logger, ownerID string) {
	current := r.ledger.Drop(ownerID)
	if empty(current) {
		r.setState(ownerID, stateAbsent)
		return
	}

	var remaining ledger.OwnerRules
	for _, f := range current.Forward {
		if !r.deleteForward(log, f) {
			remaining.Forward = append(remaining.Forward, f)
		}
	}
	for _, s := range current.Service {
		natOK := r.deleteNat(log, s.Nat)
		fwdOK := r.deleteForward(log, s.Forward)
		if !natOK || !fwdOK {
			remaining.Service = append(remaining.Service, s)
		}
	}
	if !empty(remaining) {
		r.ledger.Replace(ownerID, remaining)
	}
	r.setState(ownerID, stateAbsent)
}

// KnownActiveOwners returns the owner ids currently in the
// Known-Active state.
func (r *Reconciler) KnownActiveOwners() []string {
	r.statesMu.Lock()
	defer r.statesMu.Unlock()
	out := make([]string, 0, len(r.states))
	for id, s := range r.states {
		if s == stateKnownActive {
			out = append(out, id)
		}
	}
	return out
}

func (r *Reconciler) setState(ownerID string, s ownerState) {
	r.statesMu.Lock()
	defer r.statesMu.Unlock()
	if s == stateAbsent {
		delete(r.states, ownerID)
		return
	}
	r.states[ownerID] = s
}

func (r *Reconciler) sampleLedger() {
	forward, service := r.ledger.Count()
	r.metrics.LedgerRules.WithLabelValues("forward").Set(float64(forward))
	r.metrics.LedgerRules.WithLabelValues("service").Set(float64(service))
}

