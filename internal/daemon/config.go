// Package daemon loads the on-disk configuration for the swimclusterd
// binary and turns it into a swim.Config the failure-detection core can
// consume directly.
package daemon

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"github.com/coreswim/swimcluster/internal/swim"
)

// Config is the on-disk shape of swimclusterd.toml.
type Config struct {
	Node    NodeConfig    `toml:"node"`
	Cluster ClusterConfig `toml:"cluster"`
	Admin   AdminConfig   `toml:"admin"`
}

// NodeConfig identifies and binds the local process.
type NodeConfig struct {
	Name     string `toml:"name"`
	BindHost string `toml:"bind_host"`
	BindPort uint16 `toml:"bind_port"`
	NodeHost string `toml:"node_host"`
	NodePort uint16 `toml:"node_port"`
}

// ClusterConfig tunes the SWIM failure detector.
type ClusterConfig struct {
	ProbeIntervalMS    int `toml:"probe_interval_ms"`
	ProbeTimeoutMS     int `toml:"probe_timeout_ms"`
	ProbeIndirectNodes int `toml:"probe_indirect_nodes"`
	SyncIntervalMS     int `toml:"sync_interval_ms"`
	SyncNodes          int `toml:"sync_nodes"`
	RetransmitMulti    int `toml:"retransmit_multi"`
	SuspicionMinMulti  int `toml:"suspicion_min_multi"`
	SuspicionMaxMulti  int `toml:"suspicion_max_multi"`
	Peers              []string `toml:"peers"`
}

// AdminConfig controls the optional HTTP admin surface.
type AdminConfig struct {
	Enabled bool   `toml:"enabled"`
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
}

// DefaultConfig returns the defaults swimclusterd starts from when no
// config file is present. A random node name keeps two instances started
// on the same host from colliding without any operator input.
func DefaultConfig() Config {
	return Config{
		Node: NodeConfig{
			Name:     "swim-" + uuid.NewString()[:8],
			BindHost: "0.0.0.0",
			BindPort: 7946,
		},
		Cluster: ClusterConfig{
			ProbeIntervalMS:    1000,
			ProbeTimeoutMS:     500,
			ProbeIndirectNodes: 3,
			SyncIntervalMS:     30000,
			SyncNodes:          3,
			RetransmitMulti:    4,
			SuspicionMinMulti:  5,
			SuspicionMaxMulti:  6,
		},
		Admin: AdminConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8946,
		},
	}
}

// Load reads and parses a TOML config file at path, applying DefaultConfig
// for any field the file omits. A missing file is not an error: Load
// returns the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("daemon: read config %s: %w", path, err)
	}
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return Config{}, fmt.Errorf("daemon: parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ToSwimConfig builds the swim.Config this file's settings describe. The
// caller still owns UserMessageHandler, Logger, Metrics and Cipher wiring.
func (c Config) ToSwimConfig() swim.Config {
	return swim.Config{
		NodeName:           c.Node.Name,
		BindHost:           c.Node.BindHost,
		BindPort:           c.Node.BindPort,
		NodeHost:           c.Node.NodeHost,
		NodePort:           c.Node.NodePort,
		ProbeInterval:      time.Duration(c.Cluster.ProbeIntervalMS) * time.Millisecond,
		ProbeTimeout:       time.Duration(c.Cluster.ProbeTimeoutMS) * time.Millisecond,
		ProbeIndirectNodes: c.Cluster.ProbeIndirectNodes,
		SyncInterval:       time.Duration(c.Cluster.SyncIntervalMS) * time.Millisecond,
		SyncNodes:          c.Cluster.SyncNodes,
		RetransmitMulti:    c.Cluster.RetransmitMulti,
		SuspicionMinMulti:  c.Cluster.SuspicionMinMulti,
		SuspicionMaxMulti:  c.Cluster.SuspicionMaxMulti,
	}
}
