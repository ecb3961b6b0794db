// Tokenwire peer daemon.
//
// Usage:
//
//	tokenwired [--testnet --seal --rpc-port=...] Run node
//	tokenwired --help                      Show help
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/Klingon-tech/tokenwire/config"
	klog "github.com/Klingon-tech/tokenwire/internal/log"
	"github.com/Klingon-tech/tokenwire/internal/node"
	"github.com/Klingon-tech/tokenwire/internal/rpc"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Storage.Seal {
		if cfg.Passphrase, err = config.Passphrase(promptPassphrase); err != nil {
			return err
		}
	}

	n, err := node.New(cfg)
	if err != nil {
		return err
	}
	defer n.Stop()
	if err := n.Start(); err != nil {
		return err
	}

	if cfg.RPC.Enabled {
		srv := rpc.New(cfg.RPC.ListenAddr(), n, cfg.RPC)
		if err := srv.Start(); err != nil {
			return err
		}
		defer srv.Stop()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	klog.Node.Info().Msg("Shutdown signal received")
	return nil
}

// promptPassphrase reads the vault passphrase without echo.
func promptPassphrase() (string, error) {
	fmt.Fprint(os.Stderr, "Vault passphrase: ")
	p, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	return string(p), nil
}
