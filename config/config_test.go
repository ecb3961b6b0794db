package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Klingon-tech/tokenwire/internal/denom"
)

func TestDefault(t *testing.T) {
	main := Default(Mainnet)
	test := Default(Testnet)
	if main.Network != Mainnet || test.Network != Testnet {
		t.Fatalf("networks = %s, %s", main.Network, test.Network)
	}
	if main.P2P.Port == test.P2P.Port {
		t.Error("mainnet and testnet should listen on different ports")
	}
	if main.Engine.Profile() != denom.DefaultProfile() {
		t.Errorf("default profile = %+v", main.Engine.Profile())
	}
	if err := Validate(main); err != nil {
		t.Errorf("Validate(mainnet): %v", err)
	}
	if err := Validate(test); err != nil {
		t.Errorf("Validate(testnet): %v", err)
	}
	if main.NetworkID() == test.NetworkID() {
		t.Error("network ids should differ")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokenwire.conf")
	content := `# comment
network = testnet

engine.maxduration = 90s
engine.sweepinterval = 2
engine.autoaccept = 500
engine.ideal = 1,1,1,1,1,1,1,1,1
engine.wanting = 40
storage.backend = "bolt"
storage.seal = yes
p2p.seeds = /ip4/1.2.3.4/tcp/1, /ip4/5.6.7.8/tcp/2
p2p.replicate = on
log.level = 'debug'
unknown.key = whatever
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	values, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	cfg := Default(Mainnet)
	if err := ApplyFileConfig(cfg, values); err != nil {
		t.Fatalf("ApplyFileConfig: %v", err)
	}

	if cfg.Network != Testnet {
		t.Errorf("network = %s", cfg.Network)
	}
	if cfg.Engine.MaxDuration != 90*time.Second {
		t.Errorf("maxduration = %s", cfg.Engine.MaxDuration)
	}
	if cfg.Engine.SweepInterval != 2*time.Second {
		t.Errorf("sweepinterval = %s", cfg.Engine.SweepInterval)
	}
	if cfg.Engine.AutoAccept != 500 {
		t.Errorf("autoaccept = %d", cfg.Engine.AutoAccept)
	}
	if cfg.Engine.Ideal[8] != 1 || cfg.Engine.WantingPct != 40 {
		t.Errorf("profile = %+v", cfg.Engine.Profile())
	}
	if cfg.Storage.Backend != BackendBolt || !cfg.Storage.Seal {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if len(cfg.P2P.Seeds) != 2 || cfg.P2P.Seeds[1] != "/ip4/5.6.7.8/tcp/2" {
		t.Errorf("seeds = %v", cfg.P2P.Seeds)
	}
	if !cfg.P2P.Replicate {
		t.Error("replicate should be on")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log.level = %q", cfg.Log.Level)
	}
}

func TestLoadFile_Missing(t *testing.T) {
	values, err := LoadFile(filepath.Join(t.TempDir(), "absent.conf"))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(values) != 0 {
		t.Errorf("values = %v", values)
	}
}

func TestLoadFile_BadLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.conf")
	os.WriteFile(path, []byte("network = mainnet\njust-a-word\n"), 0644)
	if _, err := LoadFile(path); err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Errorf("err = %v, want line 2 error", err)
	}
}

func TestApplyFileConfig_BadValues(t *testing.T) {
	tests := map[string]string{
		"p2p.port":           "abc",
		"engine.autoaccept":  "-1",
		"engine.maxduration": "soon",
		"engine.ideal":       "1,2,3",
		"engine.good":        "x",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			cfg := Default(Mainnet)
			if err := ApplyFileConfig(cfg, map[string]string{key: value}); err == nil {
				t.Errorf("%s = %q should fail", key, value)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"bad network", func(c *Config) { c.Network = "devnet" }, false},
		{"bad port", func(c *Config) { c.P2P.Port = 70000 }, false},
		{"bad rpc port", func(c *Config) { c.RPC.Port = -1 }, false},
		{"rpc port ignored when off", func(c *Config) { c.RPC.Enabled = false; c.RPC.Port = -1 }, true},
		{"bad backend", func(c *Config) { c.Storage.Backend = "sqlite" }, false},
		{"empty backend", func(c *Config) { c.Storage.Backend = "" }, true},
		{"sealed memory", func(c *Config) { c.Storage.Backend = BackendMemory; c.Storage.Seal = true }, false},
		{"zero duration", func(c *Config) { c.Engine.MaxDuration = 0 }, false},
		{"zero sweep", func(c *Config) { c.Engine.SweepInterval = 0 }, false},
		{"confidence", func(c *Config) { c.Engine.MinConfidence = 1.5 }, false},
		{"thresholds", func(c *Config) { c.Engine.GoodPct = 10 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default(Mainnet)
			tt.mutate(cfg)
			err := Validate(cfg)
			if (err == nil) != tt.ok {
				t.Errorf("Validate() err = %v, want ok=%v", err, tt.ok)
			}
		})
	}
	if err := Validate(nil); err == nil {
		t.Error("nil config should fail")
	}
}

func TestParseFlags(t *testing.T) {
	f, err := ParseFlags([]string{
		"--testnet", "--datadir", "/tmp/tw", "--p2p=false", "--auto-accept", "0",
		"--storage", "BOLT", "--max-duration", "2m", "--log-json",
	})
	if err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	if f.Network != string(Testnet) || f.DataDir != "/tmp/tw" {
		t.Errorf("core flags = %+v", f)
	}
	if !f.IsSet("p2p.enabled") || f.Values["p2p.enabled"] != "false" {
		t.Error("--p2p=false should be recorded as an explicit false")
	}
	if !f.IsSet("engine.autoaccept") {
		t.Error("--auto-accept 0 should count as set")
	}
	if f.IsSet("p2p.port") {
		t.Error("unset flags should not be recorded")
	}

	cfg := Default(Testnet)
	cfg.Engine.AutoAccept = 100
	if err := ApplyFlags(cfg, f); err != nil {
		t.Fatalf("ApplyFlags: %v", err)
	}
	if cfg.P2P.Enabled {
		t.Error("p2p should be disabled")
	}
	if cfg.Engine.AutoAccept != 0 {
		t.Errorf("autoaccept = %d, want 0", cfg.Engine.AutoAccept)
	}
	if cfg.Storage.Backend != BackendBolt {
		t.Errorf("backend = %q", cfg.Storage.Backend)
	}
	if cfg.Engine.MaxDuration != 2*time.Minute {
		t.Errorf("maxduration = %s", cfg.Engine.MaxDuration)
	}
	if !cfg.Log.JSON {
		t.Error("log.json should be set")
	}
}

func TestParseFlags_BadValue(t *testing.T) {
	for _, args := range [][]string{
		{"--p2p-port", "abc"},
		{"--max-duration", "soon"},
		{"--auto-accept", "-1"},
	} {
		if _, err := ParseFlags(args); err == nil {
			t.Errorf("ParseFlags(%q) should fail", args)
		}
	}
}

func TestParseFlags_StrayFlag(t *testing.T) {
	if _, err := ParseFlags([]string{"--seal", "extra", "--nodiscover"}); err == nil {
		t.Error("flag after a positional argument should be reported")
	}
}

func TestResolve_Precedence(t *testing.T) {
	dir := t.TempDir()
	f, err := ParseFlags([]string{"--datadir", dir, "--p2p-port", "4000"})
	if err != nil {
		t.Fatal(err)
	}

	cfg := Default(Mainnet)
	cfg.DataDir = dir
	if err := EnsureDataDirs(cfg); err != nil {
		t.Fatalf("EnsureDataDirs: %v", err)
	}
	conf := "p2p.port = 5000\np2p.maxpeers = 7\n"
	if err := os.WriteFile(cfg.ConfigFile(), []byte(conf), 0644); err != nil {
		t.Fatal(err)
	}

	got, err := Resolve(f)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.P2P.Port != 4000 {
		t.Errorf("port = %d, flag should win over file", got.P2P.Port)
	}
	if got.P2P.MaxPeers != 7 {
		t.Errorf("maxpeers = %d, file should win over default", got.P2P.MaxPeers)
	}
}

func TestEnsureDataDirs_WritesParseableDefault(t *testing.T) {
	cfg := Default(Testnet)
	cfg.DataDir = t.TempDir()
	if err := EnsureDataDirs(cfg); err != nil {
		t.Fatalf("EnsureDataDirs: %v", err)
	}
	for _, dir := range []string{cfg.NetworkDataDir(), cfg.LogsDir()} {
		if _, err := os.Stat(dir); err != nil {
			t.Errorf("missing %s: %v", dir, err)
		}
	}

	values, err := LoadFile(cfg.ConfigFile())
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	fromFile := Default(Mainnet)
	fromFile.DataDir = cfg.DataDir
	if err := ApplyFileConfig(fromFile, values); err != nil {
		t.Fatalf("ApplyFileConfig: %v", err)
	}
	if err := Validate(fromFile); err != nil {
		t.Fatalf("default file does not validate: %v", err)
	}
	if fromFile.Network != Testnet || fromFile.P2P.Port != cfg.P2P.Port {
		t.Errorf("default file network = %s port = %d", fromFile.Network, fromFile.P2P.Port)
	}
	if fromFile.RPC.Port != cfg.RPC.Port || fromFile.RPC.Addr != "127.0.0.1" {
		t.Errorf("default file rpc = %+v", fromFile.RPC)
	}
	if fromFile.Engine != cfg.Engine {
		t.Errorf("engine = %+v, want %+v", fromFile.Engine, cfg.Engine)
	}
}

func TestRPCEndpoint(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"127.0.0.1", "http://127.0.0.1:31315"},
		{"0.0.0.0", "http://127.0.0.1:31315"},
		{"", "http://127.0.0.1:31315"},
		{"10.0.0.2", "http://10.0.0.2:31315"},
	}
	for _, tt := range tests {
		r := RPCConfig{Addr: tt.addr, Port: 31315}
		if got := r.Endpoint(); got != tt.want {
			t.Errorf("Endpoint(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}

func TestKeyPath(t *testing.T) {
	cfg := Default(Mainnet)
	cfg.DataDir = "/data"
	if got := cfg.KeyPath(); got != filepath.Join("/data", "mainnet", "owner.key") {
		t.Errorf("KeyPath() = %q", got)
	}
	cfg.KeyFile = "/keys/me.key"
	if got := cfg.KeyPath(); got != "/keys/me.key" {
		t.Errorf("KeyPath() = %q", got)
	}
}

func TestPassphrase(t *testing.T) {
	t.Setenv(PassphraseEnv, "hunter2")
	p, err := Passphrase(nil)
	if err != nil || p != "hunter2" {
		t.Errorf("Passphrase() = %q, %v", p, err)
	}
}

func TestSettingFlags_KnownKeys(t *testing.T) {
	for _, s := range settingFlags {
		if _, ok := confKeys[s.key]; !ok {
			t.Errorf("flag --%s maps to unknown key %q", s.name, s.key)
		}
	}
	for alias, key := range keyAliases {
		if _, ok := confKeys[key]; !ok {
			t.Errorf("alias %q points at unknown key %q", alias, key)
		}
	}
}

func TestSetConfigValue_Aliases(t *testing.T) {
	cfg := Default(Mainnet)
	if err := ApplyFileConfig(cfg, map[string]string{"p2p": "off", "rpc": "no", "bogus.key": "1"}); err != nil {
		t.Fatalf("ApplyFileConfig: %v", err)
	}
	if cfg.P2P.Enabled || cfg.RPC.Enabled {
		t.Errorf("aliases not applied: p2p=%v rpc=%v", cfg.P2P.Enabled, cfg.RPC.Enabled)
	}
}
