// Command swimclusterd runs a standalone SWIM cluster member: it starts
// the failure-detection core, optionally joins an existing cluster, and
// serves the admin HTTP API.
package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/coreswim/swimcluster/internal/admin"
	"github.com/coreswim/swimcluster/internal/daemon"
	"github.com/coreswim/swimcluster/internal/metrics"
	"github.com/coreswim/swimcluster/internal/swim"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var configPath string

var rootCmd = &cobra.Command{
	Use:   "swimclusterd",
	Short: "Run a SWIM cluster-membership daemon",
	Long: `swimclusterd runs a single cluster member: gossip-based failure
detection over UDP, full-state sync over TCP, and a read-only admin API.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to swimclusterd.toml")
	rootCmd.AddCommand(startCmd)
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the cluster member and block until terminated",
	RunE:  runStart,
}

func init() {
	startCmd.Flags().StringSlice("join", nil, "address (host:port) of an existing member to join on startup")
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.Load(configPath)
	if err != nil {
		return err
	}

	peers, _ := cmd.Flags().GetStringSlice("join")
	peers = append(peers, cfg.Cluster.Peers...)

	logger := log.New(os.Stderr, "swimclusterd: ", log.LstdFlags)
	registry := prometheus.NewRegistry()

	swimCfg := cfg.ToSwimConfig()
	swimCfg.Logger = logger
	swimCfg.Metrics = metrics.NewCollector(registry)

	cluster, err := swim.NewCluster(swimCfg)
	if err != nil {
		return fmt.Errorf("swimclusterd: build cluster: %w", err)
	}

	cluster.Subscribe(swim.EventNodeAlive, func(n *swim.Node) {
		logger.Printf("node alive: %s (%s)", n.Name, n.Addr())
	})
	cluster.Subscribe(swim.EventNodeSuspect, func(n *swim.Node) {
		logger.Printf("node suspect: %s (%s)", n.Name, n.Addr())
	})
	cluster.Subscribe(swim.EventNodeDead, func(n *swim.Node) {
		logger.Printf("node dead: %s (%s)", n.Name, n.Addr())
	})

	if err := cluster.Start(); err != nil {
		return fmt.Errorf("swimclusterd: start cluster: %w", err)
	}
	defer cluster.Stop()

	if len(peers) > 0 {
		if err := cluster.Join(peers...); err != nil {
			logger.Printf("join: %v", err)
		}
	}

	if cfg.Admin.Enabled {
		srv := admin.NewServer(cluster, registry)
		addr := fmt.Sprintf("%s:%d", cfg.Admin.Host, cfg.Admin.Port)
		go func() {
			logger.Printf("admin API listening on %s", addr)
			if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
				logger.Printf("admin API stopped: %v", err)
			}
		}()
	}

	logger.Printf("node %s listening on %s:%d", swimCfg.NodeName, swimCfg.BindHost, swimCfg.BindPort)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Printf("shutting down")
	return cluster.Leave()
}
