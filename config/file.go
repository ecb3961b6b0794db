package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Klingon-tech/tokenwire/pkg/token"
)

// LoadFile reads a .conf file of "key = value" lines. Blank lines and
// lines starting with # are skipped, and one level of matching quotes is
// stripped from values. A missing file yields an empty map.
func LoadFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" || text[0] == '#' {
			continue
		}
		key, value, ok := strings.Cut(text, "=")
		if !ok {
			return nil, fmt.Errorf("%s line %d: expected key = value", path, line)
		}
		values[strings.TrimSpace(key)] = unquote(strings.TrimSpace(value))
	}
	return values, scanner.Err()
}

func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	return v
}

// ApplyFileConfig applies file configuration to a Config struct. Unknown
// keys are ignored so newer files still load.
func ApplyFileConfig(cfg *Config, values map[string]string) error {
	for key, value := range values {
		if err := setConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

// setter parses one conf value into cfg.
type setter func(cfg *Config, value string) error

func str(field func(*Config) *string) setter {
	return func(c *Config, v string) error { *field(c) = v; return nil }
}

func lower(field func(*Config) *string) setter {
	return func(c *Config, v string) error { *field(c) = strings.ToLower(v); return nil }
}

func integer(field func(*Config) *int) setter {
	return func(c *Config, v string) error { return parseInt(v, field(c)) }
}

func duration(field func(*Config) *time.Duration) setter {
	return func(c *Config, v string) error { return parseDuration(v, field(c)) }
}

func boolean(field func(*Config) *bool) setter {
	return func(c *Config, v string) error { *field(c) = parseBool(v); return nil }
}

func list(field func(*Config) *[]string) setter {
	return func(c *Config, v string) error { *field(c) = parseStringList(v); return nil }
}

// confKeys lists every key the config file and flags understand.
var confKeys = map[string]setter{
	"network": func(c *Config, v string) error { c.Network = NetworkType(strings.ToLower(v)); return nil },
	"datadir": str(func(c *Config) *string { return &c.DataDir }),
	"keyfile": str(func(c *Config) *string { return &c.KeyFile }),

	"engine.maxduration":     duration(func(c *Config) *time.Duration { return &c.Engine.MaxDuration }),
	"engine.rollbacktimeout": duration(func(c *Config) *time.Duration { return &c.Engine.RollbackTimeout }),
	"engine.sweepinterval":   duration(func(c *Config) *time.Duration { return &c.Engine.SweepInterval }),
	"engine.retention":       duration(func(c *Config) *time.Duration { return &c.Engine.Retention }),
	"engine.autoaccept": func(c *Config, v string) (err error) {
		c.Engine.AutoAccept, err = strconv.ParseUint(v, 10, 64)
		return err
	},
	"engine.requiretelomeres": boolean(func(c *Config) *bool { return &c.Engine.RequireTelomere }),
	"engine.minconfidence": func(c *Config, v string) (err error) {
		c.Engine.MinConfidence, err = strconv.ParseFloat(v, 64)
		return err
	},
	"engine.ideal": func(c *Config, v string) (err error) {
		c.Engine.Ideal, err = parseIdeal(v)
		return err
	},
	"engine.wanting": integer(func(c *Config) *int { return &c.Engine.WantingPct }),
	"engine.good":    integer(func(c *Config) *int { return &c.Engine.GoodPct }),
	"engine.excess":  integer(func(c *Config) *int { return &c.Engine.ExcessPct }),

	"storage.backend": lower(func(c *Config) *string { return &c.Storage.Backend }),
	"storage.seal":    boolean(func(c *Config) *bool { return &c.Storage.Seal }),

	"p2p.enabled":    boolean(func(c *Config) *bool { return &c.P2P.Enabled }),
	"p2p.listen":     str(func(c *Config) *string { return &c.P2P.ListenAddr }),
	"p2p.port":       integer(func(c *Config) *int { return &c.P2P.Port }),
	"p2p.seeds":      list(func(c *Config) *[]string { return &c.P2P.Seeds }),
	"p2p.maxpeers":   integer(func(c *Config) *int { return &c.P2P.MaxPeers }),
	"p2p.nodiscover": boolean(func(c *Config) *bool { return &c.P2P.NoDiscover }),
	"p2p.dhtserver":  boolean(func(c *Config) *bool { return &c.P2P.DHTServer }),
	"p2p.replicate":  boolean(func(c *Config) *bool { return &c.P2P.Replicate }),
	"p2p.clearbans":  boolean(func(c *Config) *bool { return &c.P2P.ClearBans }),

	"rpc.enabled": boolean(func(c *Config) *bool { return &c.RPC.Enabled }),
	"rpc.addr":    str(func(c *Config) *string { return &c.RPC.Addr }),
	"rpc.port":    integer(func(c *Config) *int { return &c.RPC.Port }),
	"rpc.allowed": list(func(c *Config) *[]string { return &c.RPC.AllowedIPs }),
	"rpc.cors":    list(func(c *Config) *[]string { return &c.RPC.CORSOrigins }),

	"log.level": str(func(c *Config) *string { return &c.Log.Level }),
	"log.file":  str(func(c *Config) *string { return &c.Log.File }),
	"log.json":  boolean(func(c *Config) *bool { return &c.Log.JSON }),
}

// keyAliases are short forms accepted for backwards compatibility.
var keyAliases = map[string]string{
	"p2p": "p2p.enabled",
	"rpc": "rpc.enabled",
}

// setConfigValue sets a node config value by key.
func setConfigValue(cfg *Config, key, value string) error {
	if full, ok := keyAliases[key]; ok {
		key = full
	}
	set, ok := confKeys[key]
	if !ok {
		return nil
	}
	return set(cfg, value)
}

func parseInt(s string, dst *int) error {
	n, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

// parseDuration accepts Go duration strings ("30s", "5m") or a bare
// number of seconds.
func parseDuration(s string, dst *time.Duration) error {
	if n, err := strconv.Atoi(s); err == nil {
		*dst = time.Duration(n) * time.Second
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

// parseIdeal parses one comma-separated count per denomination.
func parseIdeal(s string) ([token.NumDenominations]int, error) {
	var ideal [token.NumDenominations]int
	parts := parseStringList(s)
	if len(parts) != token.NumDenominations {
		return ideal, fmt.Errorf("want %d counts, got %d", token.NumDenominations, len(parts))
	}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return ideal, fmt.Errorf("count %d: %w", i, err)
		}
		ideal[i] = n
	}
	return ideal, nil
}

// parseBool parses a boolean value.
func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// parseStringList parses a comma-separated list.
func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// WriteDefaultConfig writes a default node configuration file.
func WriteDefaultConfig(path string, network NetworkType) error {
	content := `# Tokenwire Node Configuration

# Network: mainnet or testnet
network = ` + string(network) + `

# Data directory (default: ~/.tokenwire)
# datadir = ~/.tokenwire

# Owner key file (created on first start)
# keyfile = ~/.tokenwire/` + string(network) + `/owner.key

# ============================================================================
# Transaction Engine
# ============================================================================

# Lifetime of a transaction when the sender sets no limit
engine.maxduration = 5m

# Deadline written into rollback plans
engine.rollbacktimeout = 30s

# How often overdue transactions are aborted and rolled back
engine.sweepinterval = 5s

# How long finished transactions are kept in memory
# engine.retention = 1h

# Largest incoming amount accepted automatically (0 = any)
engine.autoaccept = 0

# Refuse initiations that carry no ownership records
# engine.requiretelomeres = false

# Ideal wallet distribution for denominations 1,2,5,10,20,50,100,200,500
engine.ideal = 5,5,5,5,4,3,2,1,1

# Percent-of-ideal thresholds: below wanting is lack, below good is
# wanting, above excess is excess
engine.wanting = 50
engine.good = 100
engine.excess = 200

# ============================================================================
# Storage
# ============================================================================

# Ledger backend: badger, bolt or memory
storage.backend = badger

# Encrypt rollback packets (prompts for a passphrase or reads ` + PassphraseEnv + `)
storage.seal = false

# ============================================================================
# P2P Network
# ============================================================================

p2p.enabled = true
p2p.listen = 0.0.0.0
p2p.port = ` + strconv.Itoa(Default(network).P2P.Port) + `
p2p.maxpeers = 50

# Seed nodes (comma-separated multiaddrs)
# p2p.seeds = /ip4/203.0.113.1/tcp/31313/p2p/12D3KooW...

# Disable peer discovery (for private networks)
# p2p.nodiscover = false

# Run DHT in server mode (for seed nodes)
# p2p.dhtserver = false

# Publish telomeres to the DHT after each committed transaction
# p2p.replicate = false

# ============================================================================
# RPC Server
# ============================================================================

rpc.enabled = true
rpc.addr = 127.0.0.1
rpc.port = ` + strconv.Itoa(Default(network).RPC.Port) + `
rpc.allowed = 127.0.0.1
# Allowed CORS origins (comma-separated, "*" = all)
# rpc.cors = http://localhost:3000

# ============================================================================
# Logging
# ============================================================================

log.level = info
# log.file =
log.json = false
`
	return os.WriteFile(path, []byte(content), 0644)
}
