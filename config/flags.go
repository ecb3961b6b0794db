package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
)

// Version is the daemon version reported by --version.
const Version = "0.1.0"

// Flags holds parsed command-line flags. Settings that also exist in the
// config file are kept as conf keys in Values and applied through the same
// code path as the file.
type Flags struct {
	Help    bool
	Version bool

	Network string
	DataDir string
	Config  string

	Values map[string]string // conf key -> value, only for flags given
	Args   []string
}

// IsSet reports whether the flag bound to conf key was given.
func (f *Flags) IsSet(key string) bool {
	_, ok := f.Values[key]
	return ok
}

// settingFlags binds daemon flags to conf keys.
var settingFlags = []struct {
	name, key, usage string
	boolean          bool
}{
	{"keyfile", "keyfile", "Owner key file path", false},

	{"max-duration", "engine.maxduration", "Default transaction lifetime", false},
	{"sweep-interval", "engine.sweepinterval", "Interval between overdue transaction sweeps", false},
	{"auto-accept", "engine.autoaccept", "Largest incoming amount accepted automatically (0 = any)", false},

	{"storage", "storage.backend", "Ledger backend (badger, bolt, memory)", false},
	{"seal", "storage.seal", "Encrypt rollback packets with a passphrase", true},

	{"p2p", "p2p.enabled", "Enable P2P networking", true},
	{"p2p-port", "p2p.port", "P2P listen port", false},
	{"seeds", "p2p.seeds", "Seed nodes as comma-separated libp2p multiaddrs", false},
	{"maxpeers", "p2p.maxpeers", "Maximum number of peers", false},
	{"nodiscover", "p2p.nodiscover", "Disable peer discovery", true},
	{"dht-server", "p2p.dhtserver", "Run DHT in server mode (for seeds)", true},
	{"replicate", "p2p.replicate", "Publish telomeres to the DHT after commit", true},
	{"clear-bans", "p2p.clearbans", "Clear all peer bans on startup", true},

	{"rpc", "rpc.enabled", "Enable RPC server", true},
	{"rpc-addr", "rpc.addr", "RPC listen address", false},
	{"rpc-port", "rpc.port", "RPC listen port", false},
	{"rpc-allowed", "rpc.allowed", "Comma-separated IPs/CIDRs allowed to call RPC", false},
	{"rpc-cors", "rpc.cors", "Comma-separated allowed CORS origins", false},

	{"log-level", "log.level", "Log level (debug, info, warn, error)", false},
	{"log-file", "log.file", "Log file path", false},
	{"log-json", "log.json", "Output logs as JSON", true},
}

// ParseFlags parses command-line arguments (without the program name).
// Malformed setting values are reported here rather than at apply time.
func ParseFlags(args []string) (*Flags, error) {
	f := &Flags{Values: make(map[string]string)}
	fs := flag.NewFlagSet("tokenwired", flag.ContinueOnError)

	fs.BoolVar(&f.Help, "help", false, "Show help message")
	fs.BoolVar(&f.Help, "h", false, "Show help message (shorthand)")
	fs.BoolVar(&f.Version, "version", false, "Show version information")
	fs.BoolVar(&f.Version, "v", false, "Show version (shorthand)")

	fs.StringVar(&f.Network, "network", "", "Network type (mainnet or testnet)")
	testnet := fs.Bool("testnet", false, "Use testnet (shorthand for --network=testnet)")
	fs.StringVar(&f.DataDir, "datadir", "", "Data directory path")
	fs.StringVar(&f.Config, "config", "", "Config file path")
	fs.StringVar(&f.Config, "c", "", "Config file path (shorthand)")

	scratch := Default(Mainnet)
	for _, s := range settingFlags {
		key := s.key
		set := func(v string) error {
			if err := setConfigValue(scratch, key, v); err != nil {
				return err
			}
			f.Values[key] = v
			return nil
		}
		if s.boolean {
			fs.BoolFunc(s.name, s.usage, set)
		} else {
			fs.Func(s.name, s.usage, set)
		}
	}

	fs.Usage = printUsage
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *testnet {
		f.Network = string(Testnet)
	}

	// A positional argument stops the parser, so any flag after it would
	// be dropped without a word.
	f.Args = fs.Args()
	for _, arg := range f.Args {
		if strings.HasPrefix(arg, "-") {
			return nil, fmt.Errorf("flag %q was not parsed (positional argument stopped parsing)", arg)
		}
	}
	return f, nil
}

// ApplyFlags overlays command-line settings on cfg.
func ApplyFlags(cfg *Config, f *Flags) error {
	if f.Network != "" {
		cfg.Network = NetworkType(strings.ToLower(f.Network))
	}
	if f.DataDir != "" {
		cfg.DataDir = f.DataDir
	}
	for key, value := range f.Values {
		if err := setConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("flag for %q: %w", key, err)
		}
	}
	return nil
}

func printUsage() {
	fmt.Fprint(os.Stderr, `Tokenwire - peer-to-peer token transaction engine

Usage:
  tokenwired [options]
  tokenwired --help

Commands:
  --help, -h      Show this help message
  --version, -v   Show version information

Core Options:
  --network       Network type: mainnet (default) or testnet
  --testnet       Shorthand for --network=testnet
  --datadir       Data directory (default: ~/.tokenwire)
  --config, -c    Config file path (default: <datadir>/tokenwire.conf)
  --keyfile       Owner key file (default: <datadir>/<network>/owner.key)

Engine Options:
  --max-duration    Default transaction lifetime (default: 5m)
  --sweep-interval  Interval between overdue transaction sweeps (default: 5s)
  --auto-accept     Largest incoming amount accepted automatically (0 = any)

Storage Options:
  --storage       Ledger backend: badger (default), bolt or memory
  --seal          Encrypt rollback packets; passphrase from `+PassphraseEnv+` or prompt

P2P Options:
  --p2p           Enable P2P networking (default: true)
  --p2p-port      P2P listen port (mainnet: 31313, testnet: 31314)
  --seeds         Seed nodes as comma-separated libp2p multiaddrs
  --maxpeers      Maximum number of peers (default: 50)
  --nodiscover    Disable peer discovery
  --dht-server    Run DHT in server mode (for seed nodes)
  --replicate     Publish telomeres to the DHT after commit
  --clear-bans    Clear all peer bans on startup

RPC Options:
  --rpc           Enable RPC server (default: true)
  --rpc-addr      RPC listen address (default: 127.0.0.1)
  --rpc-port      RPC listen port (mainnet: 31315, testnet: 31316)
  --rpc-allowed   IPs/CIDRs allowed to call RPC (default: 127.0.0.1)
  --rpc-cors      Allowed CORS origins

Logging Options:
  --log-level     Log level: debug, info, warn, error (default: info)
  --log-file      Log file path (default: <datadir>/logs/tokenwire.log)
  --log-json      Output logs as JSON

Examples:
  # Start a mainnet node
  tokenwired

  # Start a seed node on testnet
  tokenwired --testnet --dht-server

  # Start with a sealed vault in a custom data directory
  tokenwired --datadir=/path/to/data --seal
`)
}

// Load parses os.Args and resolves the daemon configuration. It exits the
// process for --help and --version.
func Load() (*Config, error) {
	flags, err := ParseFlags(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		return nil, err
	}
	switch {
	case flags.Help:
		printUsage()
		os.Exit(0)
	case flags.Version:
		fmt.Println("tokenwired version " + Version)
		os.Exit(0)
	}
	return Resolve(flags)
}

// Resolve layers defaults, the config file and flags, then validates.
func Resolve(flags *Flags) (*Config, error) {
	network := Mainnet
	if strings.EqualFold(flags.Network, string(Testnet)) {
		network = Testnet
	}
	cfg := Default(network)
	if flags.DataDir != "" {
		cfg.DataDir = flags.DataDir
	}
	if err := EnsureDataDirs(cfg); err != nil {
		return nil, fmt.Errorf("ensuring data dirs: %w", err)
	}

	path := flags.Config
	if path == "" {
		path = cfg.ConfigFile()
	}
	values, err := LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}
	if err := ApplyFileConfig(cfg, values); err != nil {
		return nil, fmt.Errorf("applying config file: %w", err)
	}
	if err := ApplyFlags(cfg, flags); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// EnsureDataDirs creates the data directory layout and writes a default
// config file on first start. Existing files are left alone.
func EnsureDataDirs(cfg *Config) error {
	for _, dir := range []string{cfg.DataDir, cfg.NetworkDataDir(), cfg.LogsDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	path := cfg.ConfigFile()
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := WriteDefaultConfig(path, cfg.Network); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}
	}
	return nil
}

// Passphrase returns the vault passphrase from the environment, or calls
// prompt when the variable is unset. prompt may be nil.
func Passphrase(prompt func() (string, error)) (string, error) {
	if p, ok := os.LookupEnv(PassphraseEnv); ok {
		return p, nil
	}
	if prompt == nil {
		return "", fmt.Errorf("storage.seal is set but %s is empty", PassphraseEnv)
	}
	return prompt()
}
