// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package daemon wires the Configuration Source, Inventory Source,
// Filter Driver, Chain Topology Manager and Reconciler into the
// process lifecycle: startup, SIGHUP reload, and a bounded graceful
// shutdown that best-effort tears down the chain topology.
package daemon

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Loongel/docker-ipv6firewall/internal/config"
	"github.com/Loongel/docker-ipv6firewall/internal/errors"
	"github.com/Loongel/docker-ipv6firewall/internal/filterdriver"
	"github.com/Loongel/docker-ipv6firewall/internal/inventory"
	"github.com/Loongel/docker-ipv6firewall/internal/ledger"
	"github.com/Loongel/docker-ipv6firewall/internal/logging"
	"github.com/Loongel/docker-ipv6firewall/internal/reconciler"
	"github.com/Loongel/docker-ipv6firewall/internal/topology"
)

// shutdownGrace bounds how long the daemon waits for a Reconciler's
// workers to join once a stop or reload is requested, so a stuck administration-
// program invocation can't wedge the whole process past a systemd
// TimeoutStopSec.
const shutdownGrace = 5 * time.Second

// Daemon is the assembled, running system: Chain Topology plus
// Reconciler over one Configuration Source snapshot. Reload tears one
// down and builds a fresh one from the file on disk.
type Daemon struct {
	configPath string
	log        *logging.Logger

	watcher *config.Watcher

	mu       sync.Mutex
	topology *topology.Manager
	recon    *reconciler.Reconciler
	metrics  *reconciler.Metrics
}

// New constructs a Daemon that loads its Config from configPath. Run
// performs the first Load; New itself does no I/O.
func New(configPath string, log *logging.Logger) *Daemon {
	return &Daemon{
		configPath: configPath,
		log:        log.With("component", "daemon"),
	}
}

// Run loads the configuration, brings the chain topology and
// Reconciler up, and blocks until ctx is cancelled or a termination
// signal arrives, handling SIGHUP as a live reload in between. Once
// startup has succeeded, it attempts a best-effort topology Cleanup
// before returning; if startup fails, it returns the error without one.
func (d *Daemon) Run(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	if err := d.start(ctx); err != nil {
		return err
	}
	defer d.stop()

	d.watcher.Start()
	defer d.watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			d.log.Info("shutting down", "reason", "context cancelled")
			return nil
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				d.log.Info("reload signal received")
				if err := d.reload(ctx); err != nil {
					d.log.Error("reload failed, continuing with the previous configuration", "error", err)
				}
			default:
				d.log.Info("shutting down", "signal", sig)
				return nil
			}
		case <-d.watcher.ReloadCh:
			d.log.Info("configuration file changed on disk")
			if err := d.reload(ctx); err != nil {
				d.log.Error("reload failed, continuing with the previous configuration", "error", err)
			}
		}
	}
}

// start loads the configuration and brings up the topology and
// Reconciler for the first time.
func (d *Daemon) start(ctx context.Context) error {
	cfg, err := config.Load(d.configPath)
	if err != nil {
		return err
	}

	d.watcher = config.NewWatcher(d.configPath, d.log)

	return d.bringUp(ctx, cfg)
}

// reload reloads the configuration from disk and, if it parses and
// validates, swaps in a freshly built topology/Reconciler pair. The
// old pair is stopped and its topology torn down only after the new
// one is confirmed to initialize cleanly, so a bad edit never leaves
// the daemon running nothing.
func (d *Daemon) reload(ctx context.Context) error {
	cfg, err := config.Load(d.configPath)
	if err != nil {
		return errors.Wrap(err, errors.KindConfigInvalid, "reload configuration")
	}

	d.mu.Lock()
	oldTopology, oldRecon := d.topology, d.recon
	d.mu.Unlock()

	if err := d.bringUp(ctx, cfg); err != nil {
		return err
	}

	if oldRecon != nil {
		done := make(chan struct{})
		go func() {
			oldRecon.Stop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(shutdownGrace):
			d.log.Warn("previous reconciler did not stop within the shutdown grace period")
		}
	}
	if oldTopology != nil {
		if err := oldTopology.Cleanup(); err != nil {
			d.log.Warn("cleanup of previous topology failed during reload", "error", err)
		}
	}

	d.log.Info("configuration reloaded")
	return nil
}

// bringUp constructs the Filter Driver, Chain Topology Manager,
// Inventory Source and Reconciler for cfg, initializes the topology,
// and starts the Reconciler's workers, installing the result as the
// Daemon's active pair.
func (d *Daemon) bringUp(ctx context.Context, cfg *config.Config) error {
	driver, err := filterdriver.New(filterdriver.Config{
		IPTablesPath:  cfg.IPTablesPath,
		IP6TablesPath: cfg.IP6TablesPath,
	})
	if err != nil {
		return err
	}

	names := topology.Names{
		Fwd6: cfg.Fwd6Chain, In6: cfg.In6Chain, Nat6: cfg.Nat6Chain,
		Fwd4: cfg.Fwd4Chain, Nat4: cfg.Nat4Chain, Isolation: cfg.IsolationChain,
		ParentIface: cfg.ParentIface, GatewayIface: cfg.GatewayIface,
	}
	topo := topology.New(driver, d.log, names)
	if err := topo.Initialize(); err != nil {
		return errors.Wrap(err, errors.KindAdminProgramFailure, "initialize chain topology")
	}

	source := inventory.NewDockerSource(cfg.DockerSocket, d.log)
	metrics := reconciler.NewMetrics()
	recon := reconciler.New(source, driver, ledger.New(), metrics, d.log,
		cfg.MonitoredDrivers,
		reconciler.Interfaces{Parent: cfg.ParentIface, Gateway: cfg.GatewayIface},
		reconciler.Chains{Fwd6: cfg.Fwd6Chain, Fwd4: cfg.Fwd4Chain, Nat6: cfg.Nat6Chain},
	)
	if err := recon.Start(ctx); err != nil {
		if cerr := topo.Cleanup(); cerr != nil {
			d.log.Warn("cleanup after failed startup also failed", "error", cerr)
		}
		return errors.Wrap(err, errors.KindInventoryUnavailable, "start reconciler")
	}

	d.mu.Lock()
	d.topology = topo
	d.recon = recon
	d.metrics = metrics
	d.mu.Unlock()
	return nil
}

// stop joins the Reconciler's workers (bounded by shutdownGrace) and
// best-effort tears down the chain topology.
func (d *Daemon) stop() {
	d.mu.Lock()
	topo, recon := d.topology, d.recon
	d.mu.Unlock()

	if recon != nil {
		done := make(chan struct{})
		go func() {
			recon.Stop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(shutdownGrace):
			d.log.Warn("reconciler did not stop within the shutdown grace period")
		}
	}

	if topo != nil {
		if err := topo.Cleanup(); err != nil {
			d.log.Warn("topology cleanup failed during shutdown", "error", err)
		}
	}
}

// Metrics returns the active Reconciler's Prometheus registry, or nil
// before the first successful bringUp.
func (d *Daemon) Metrics() *reconciler.Metrics {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.metrics
}
