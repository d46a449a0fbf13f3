// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/Loongel/docker-ipv6firewall/internal/config"
	"github.com/Loongel/docker-ipv6firewall/internal/daemon"
	"github.com/Loongel/docker-ipv6firewall/internal/logging"
)

// Version information, set via ldflags during build.
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "ipv6fwd",
	Short:   "Maintains IPv6/IPv4 packet-filter rules for containers on bridged and macvlan networks",
	Version: Version,
}

var configFile string

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "/etc/ipv6fwd/ipv6fwd.hcl", "path to the configuration file")
	rootCmd.SetVersionTemplate(fmt.Sprintf("ipv6fwd version %s (%s)\n", Version, Commit))
	rootCmd.AddCommand(runCmd, validateCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}

		log := logging.New(logging.Config{
			Level:  logging.Level(cfg.LogLevel),
			JSON:   cfg.LogJSON,
			Output: os.Stderr,
		})

		d := daemon.New(configFile, log)

		if cfg.MetricsAddr != "" {
			go serveMetrics(d, cfg.MetricsAddr, log)
		}

		return d.Run(cmd.Context())
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Parse and validate the configuration file without starting the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := config.Load(configFile); err != nil {
			return err
		}
		fmt.Println("configuration is valid")
		return nil
	},
}

// serveMetrics exposes the active Reconciler's Prometheus registry.
// It waits for the Daemon's first bringUp before it has a registry to
// serve, retrying the handler lookup on every request rather than
// blocking Run's startup on the listener coming up.
func serveMetrics(d *daemon.Daemon, addr string, log *logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := d.Metrics()
		if m == nil {
			http.Error(w, "metrics not yet available", http.StatusServiceUnavailable)
			return
		}
		promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	}))

	log.Info("metrics endpoint listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics server stopped", "error", err)
	}
}
