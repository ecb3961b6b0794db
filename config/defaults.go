package config

import (
	"time"

	"github.com/Klingon-tech/tokenwire/internal/denom"
)

// DefaultMainnet returns the default node configuration for mainnet.
func DefaultMainnet() *Config {
	profile := denom.DefaultProfile()
	return &Config{
		Network: Mainnet,
		DataDir: DefaultDataDir(),
		Engine: EngineConfig{
			MaxDuration:     5 * time.Minute,
			RollbackTimeout: 30 * time.Second,
			SweepInterval:   5 * time.Second,
			Retention:       time.Hour,
			AutoAccept:      0,
			MinConfidence:   0,
			Ideal:           profile.Ideal,
			WantingPct:      profile.WantingPct,
			GoodPct:         profile.GoodPct,
			ExcessPct:       profile.ExcessPct,
		},
		Storage: StorageConfig{
			Backend: BackendBadger,
			Seal:    false,
		},
		P2P: P2PConfig{
			Enabled:    true,
			ListenAddr: "0.0.0.0",
			Port:       31313,
			MaxPeers:   50,
			// Seeds are multiaddr strings, e.g.:
			//   "/ip4/203.0.113.1/tcp/31313/p2p/12D3KooW..."
			// Run seed nodes with --dht-server so telomere lookups resolve.
			Seeds: []string{},
		},
		RPC: RPCConfig{
			Enabled:    true,
			Addr:       "127.0.0.1",
			Port:       31315,
			AllowedIPs: []string{"127.0.0.1"},
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// DefaultTestnet returns the default node configuration for testnet.
func DefaultTestnet() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Testnet
	cfg.P2P.Port = 31314
	cfg.RPC.Port = 31316
	return cfg
}

// Default returns the default node configuration for the given network.
func Default(network NetworkType) *Config {
	switch network {
	case Testnet:
		return DefaultTestnet()
	default:
		return DefaultMainnet()
	}
}

// Profile returns the denomination profile described by the engine settings.
func (e EngineConfig) Profile() denom.Profile {
	return denom.Profile{
		Ideal:      e.Ideal,
		WantingPct: e.WantingPct,
		GoodPct:    e.GoodPct,
		ExcessPct:  e.ExcessPct,
	}
}
