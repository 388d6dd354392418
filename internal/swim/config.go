package swim

import (
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/coreswim/swimcluster/internal/metrics"
)

// Config controls the failure-detection core. Loading configuration from
// disk is out of scope for this package (see internal/daemon for the
// TOML-backed embedder-facing config); Config is the in-memory shape the
// core itself consumes.
type Config struct {
	// NodeName is this process's cluster-unique identity.
	NodeName string
	// BindHost/BindPort is the local UDP/TCP bind endpoint. BindHost of
	// "0.0.0.0" triggers default-interface discovery by the embedder
	// (address/interface discovery is an external collaborator).
	BindHost string
	BindPort uint16
	// NodeHost/NodePort is the advertised endpoint; defaults to the bind
	// values when zero.
	NodeHost string
	NodePort uint16

	ProbeInterval      time.Duration
	ProbeTimeout       time.Duration
	ProbeIndirectNodes int

	SyncInterval time.Duration
	SyncNodes    int

	RetransmitMulti   int
	SuspicionMinMulti int
	SuspicionMaxMulti int

	// EncryptionKey is an optional pre-shared symmetric key. Wiring an
	// actual AEAD cipher around the wire codec is left to the embedder
	// (see Cipher). The core does not read EncryptionKey itself: datagrams
	// are sealed and opened only by Cipher, and with the default Cipher
	// messages travel in the clear whatever the key.
	EncryptionKey []byte
	Cipher        Cipher

	// UserMessageHandler is invoked for incoming USER messages with the
	// payload and the sending node's name.
	UserMessageHandler func(data []byte, from string)

	Logger  *log.Logger
	Metrics *metrics.Collector
}

// Cipher is the sketched interface for end-to-end message encryption.
// Encryption and signing are out of scope for this package; a real
// implementation (e.g. AES-GCM keyed from EncryptionKey) is an embedder
// concern. The zero value of Config uses noopCipher, which passes bytes
// through unchanged.
type Cipher interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(ciphertext []byte) ([]byte, error)
}

type noopCipher struct{}

func (noopCipher) Seal(b []byte) ([]byte, error) { return b, nil }
func (noopCipher) Open(b []byte) ([]byte, error) { return b, nil }

// DefaultConfig returns a populated Config with reasonable production
// defaults for every tunable.
func DefaultConfig() Config {
	return Config{
		BindHost:           "0.0.0.0",
		BindPort:           7946,
		ProbeInterval:      time.Second,
		ProbeTimeout:       500 * time.Millisecond,
		ProbeIndirectNodes: 3,
		SyncInterval:       30 * time.Second,
		SyncNodes:          3,
		RetransmitMulti:    4,
		SuspicionMinMulti:  5,
		SuspicionMaxMulti:  6,
	}
}

// Validate checks the fields Start requires and returns a ConfigError for
// the first problem found. Config errors are fatal at Start.
func (c *Config) Validate() error {
	if c.NodeName == "" {
		return &ConfigError{Field: "NodeName", Reason: "must not be empty"}
	}
	if c.BindPort == 0 {
		return &ConfigError{Field: "BindPort", Reason: "must be nonzero"}
	}
	if c.ProbeInterval <= 0 {
		return &ConfigError{Field: "ProbeInterval", Reason: "must be positive"}
	}
	if c.ProbeTimeout <= 0 {
		return &ConfigError{Field: "ProbeTimeout", Reason: "must be positive"}
	}
	if c.ProbeIndirectNodes < 0 {
		return &ConfigError{Field: "ProbeIndirectNodes", Reason: "must not be negative"}
	}
	if c.SyncInterval <= 0 {
		return &ConfigError{Field: "SyncInterval", Reason: "must be positive"}
	}
	if c.RetransmitMulti <= 0 {
		return &ConfigError{Field: "RetransmitMulti", Reason: "must be positive"}
	}
	if c.SuspicionMinMulti <= 0 {
		return &ConfigError{Field: "SuspicionMinMulti", Reason: "must be positive"}
	}
	if c.SuspicionMaxMulti <= 0 {
		return &ConfigError{Field: "SuspicionMaxMulti", Reason: "must be positive"}
	}
	return nil
}

// withDefaults fills zero-valued optional fields (advertised endpoint,
// logger, cipher) after Validate has confirmed the required ones.
func (c *Config) withDefaults() {
	if c.NodeHost == "" {
		c.NodeHost = c.BindHost
	}
	if c.NodePort == 0 {
		c.NodePort = c.BindPort
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	if c.Cipher == nil {
		c.Cipher = noopCipher{}
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NewCollector(prometheus.NewRegistry())
	}
}
