package config

import (
	"fmt"
	"time"
)

// Validate checks runtime node config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Network != Mainnet && cfg.Network != Testnet {
		return fmt.Errorf("network must be %q or %q", Mainnet, Testnet)
	}
	if cfg.P2P.Port < 0 || cfg.P2P.Port > 65535 {
		return fmt.Errorf("p2p.port must be in range [0, 65535]")
	}
	if cfg.P2P.MaxPeers < 0 {
		return fmt.Errorf("p2p.maxpeers must not be negative")
	}
	if cfg.RPC.Enabled && (cfg.RPC.Port < 0 || cfg.RPC.Port > 65535) {
		return fmt.Errorf("rpc.port must be in range [0, 65535]")
	}

	switch cfg.Storage.Backend {
	case "":
		cfg.Storage.Backend = BackendBadger
	case BackendBadger, BackendBolt, BackendMemory:
	default:
		return fmt.Errorf("storage.backend must be %s, %s or %s", BackendBadger, BackendBolt, BackendMemory)
	}
	if cfg.Storage.Seal && cfg.Storage.Backend == BackendMemory {
		return fmt.Errorf("storage.seal requires a durable backend")
	}

	e := &cfg.Engine
	if err := positive("engine.maxduration", e.MaxDuration); err != nil {
		return err
	}
	if err := positive("engine.rollbacktimeout", e.RollbackTimeout); err != nil {
		return err
	}
	if err := positive("engine.sweepinterval", e.SweepInterval); err != nil {
		return err
	}
	if e.Retention < 0 {
		return fmt.Errorf("engine.retention must not be negative")
	}
	if e.MinConfidence < 0 || e.MinConfidence > 1 {
		return fmt.Errorf("engine.minconfidence must be in range [0, 1]")
	}
	if err := e.Profile().Validate(); err != nil {
		return fmt.Errorf("engine profile: %w", err)
	}
	return nil
}

func positive(field string, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%s must be positive", field)
	}
	return nil
}
