// Package config handles node configuration.
//
// Settings come from three layers, later ones winning:
//   - Defaults for the selected network
//   - The key = value config file in the data directory
//   - Command-line flags
package config

import (
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/Klingon-tech/tokenwire/pkg/token"
)

// NetworkType identifies mainnet or testnet.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// Storage backends.
const (
	BackendBadger = "badger"
	BackendBolt   = "bolt"
	BackendMemory = "memory"
)

// PassphraseEnv names the environment variable read for the vault passphrase.
const PassphraseEnv = "TOKENWIRE_PASSPHRASE"

// =============================================================================
// Node Configuration
// =============================================================================

// Config holds node runtime configuration.
type Config struct {
	// Core
	Network NetworkType `conf:"network"`
	DataDir string      `conf:"datadir"`
	KeyFile string      `conf:"keyfile"` // Owner key; defaults to <network dir>/owner.key

	// Transaction engine
	Engine EngineConfig

	// Ledger storage
	Storage StorageConfig

	// P2P networking
	P2P P2PConfig

	// Local control API
	RPC RPCConfig

	// Logging
	Log LogConfig

	// Passphrase unlocks a sealed vault (not persisted in config file).
	Passphrase string
}

// EngineConfig holds transaction engine settings.
type EngineConfig struct {
	MaxDuration     time.Duration `conf:"engine.maxduration"`     // Default transaction lifetime
	RollbackTimeout time.Duration `conf:"engine.rollbacktimeout"` // Written into rollback plans
	SweepInterval   time.Duration `conf:"engine.sweepinterval"`   // How often overdue transactions are aborted
	Retention       time.Duration `conf:"engine.retention"`       // How long finished transactions stay in memory
	AutoAccept      uint64        `conf:"engine.autoaccept"`      // Largest incoming amount accepted unprompted (0 = any)
	RequireTelomere bool          `conf:"engine.requiretelomeres"`
	MinConfidence   float64       `conf:"engine.minconfidence"`

	// Ideal distribution, one count per denomination from 1 to 500.
	Ideal      [token.NumDenominations]int `conf:"engine.ideal"`
	WantingPct int                         `conf:"engine.wanting"`
	GoodPct    int                         `conf:"engine.good"`
	ExcessPct  int                         `conf:"engine.excess"`
}

// StorageConfig holds ledger storage settings.
type StorageConfig struct {
	Backend string `conf:"storage.backend"` // badger, bolt or memory
	Seal    bool   `conf:"storage.seal"`    // Encrypt rollback packets with a passphrase
}

// P2PConfig holds peer-to-peer network settings.
type P2PConfig struct {
	Enabled    bool     `conf:"p2p.enabled"`
	ListenAddr string   `conf:"p2p.listen"`
	Port       int      `conf:"p2p.port"`
	Seeds      []string `conf:"p2p.seeds"`
	MaxPeers   int      `conf:"p2p.maxpeers"`
	NoDiscover bool     `conf:"p2p.nodiscover"`
	DHTServer  bool     `conf:"p2p.dhtserver"` // Run DHT in server mode (for seeds)
	Replicate  bool     `conf:"p2p.replicate"` // Publish telomeres to the DHT after commit
	ClearBans  bool     `conf:"p2p.clearbans"` // one-shot startup action
}

// RPCConfig holds the local JSON-RPC server settings.
type RPCConfig struct {
	Enabled     bool     `conf:"rpc.enabled"`
	Addr        string   `conf:"rpc.addr"`
	Port        int      `conf:"rpc.port"`
	AllowedIPs  []string `conf:"rpc.allowed"`
	CORSOrigins []string `conf:"rpc.cors"` // Allowed CORS origins ("*" = all).
}

// ListenAddr returns the host:port the server binds.
func (r RPCConfig) ListenAddr() string {
	return net.JoinHostPort(r.Addr, strconv.Itoa(r.Port))
}

// Endpoint returns the URL clients use to reach the RPC server. Wildcard
// bind addresses are reached over loopback.
func (r RPCConfig) Endpoint() string {
	host := r.Addr
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(r.Port))
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// =============================================================================
// Directory helpers
// =============================================================================

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.tokenwire
//	macOS:   ~/Library/Application Support/Tokenwire
//	Windows: %APPDATA%\Tokenwire
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tokenwire"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Tokenwire")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "Tokenwire")
		}
		return filepath.Join(home, "AppData", "Roaming", "Tokenwire")
	default:
		return filepath.Join(home, ".tokenwire")
	}
}

// NetworkDataDir returns the network-specific data directory.
func (c *Config) NetworkDataDir() string {
	return filepath.Join(c.DataDir, string(c.Network))
}

// LedgerDir returns the ledger database path. Bolt uses a single file
// inside it.
func (c *Config) LedgerDir() string {
	return filepath.Join(c.NetworkDataDir(), "ledger")
}

// VaultDir returns the sealed rollback packet database path.
func (c *Config) VaultDir() string {
	return filepath.Join(c.NetworkDataDir(), "vault")
}

// KeyPath returns the owner key file, honouring KeyFile when set.
func (c *Config) KeyPath() string {
	if c.KeyFile != "" {
		return c.KeyFile
	}
	return filepath.Join(c.NetworkDataDir(), "owner.key")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "tokenwire.conf")
}

// NetworkID returns the identifier peers must share to exchange tokens.
func (c *Config) NetworkID() string {
	return "tokenwire-" + string(c.Network)
}
