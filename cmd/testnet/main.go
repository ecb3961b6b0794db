// Command testnet boots a 2-node local network from scratch.
//
// Usage: go run ./cmd/testnet/
//
// It boots two in-process nodes with in-memory ledgers, connects them over
// libp2p, mints tokens on node-1 and runs a series of payments in both
// directions. It then verifies that both nodes committed every exchange and
// that no face value was created or lost. Ctrl+C for early shutdown.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Klingon-tech/tokenwire/config"
	"github.com/Klingon-tech/tokenwire/internal/exchange"
	klog "github.com/Klingon-tech/tokenwire/internal/log"
	"github.com/Klingon-tech/tokenwire/internal/node"
)

// issues are minted on node-1 before the first payment.
var issues = []uint64{188, 77, 35}

// payment is one exchange in the scripted run.
type payment struct {
	from, to int
	amount   uint64
}

var payments = []payment{
	{0, 1, 50},
	{0, 1, 23},
	{0, 1, 7},
	{1, 0, 21},
}

func main() {
	klog.Init("info", false, "")
	logger := klog.WithComponent("testnet")

	logger.Info().Msg("=== Tokenwire 2-Node Local Testnet ===")

	root, err := os.MkdirTemp("", "tokenwire-testnet-")
	if err != nil {
		logger.Fatal().Err(err).Msg("create data dir")
	}
	defer os.RemoveAll(root)

	// ── Phase 1: Build nodes ─────────────────────────────────────────────

	nodes := make([]*node.Node, 2)
	for i := range nodes {
		n, err := buildNode(filepath.Join(root, fmt.Sprintf("node-%d", i+1)))
		if err != nil {
			logger.Fatal().Err(err).Int("node", i+1).Msg("build node")
		}
		nodes[i] = n
	}
	defer cleanup(nodes...)

	// ── Phase 2: Start P2P + connect ─────────────────────────────────────

	for i, n := range nodes {
		if err := n.Start(); err != nil {
			logger.Fatal().Err(err).Int("node", i+1).Msg("start node")
		}
	}
	logger.Info().
		Str("node1_id", nodes[0].P2P().ID().String()[:16]+"...").
		Str("node2_id", nodes[1].P2P().ID().String()[:16]+"...").
		Msg("P2P nodes started")

	addrs := make([]string, len(nodes))
	for i, n := range nodes {
		a := n.P2P().Addrs()
		if len(a) == 0 {
			logger.Fatal().Int("node", i+1).Msg("node has no listen address")
		}
		addrs[i] = a[0]
	}

	// ── Phase 3: Signal handling ─────────────────────────────────────────

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info().Msg("Shutdown signal received")
		cancel()
	}()

	// ── Phase 4: Mint ────────────────────────────────────────────────────

	var supply uint64
	for _, amount := range issues {
		if _, err := nodes[0].Issue(amount, 0); err != nil {
			logger.Fatal().Err(err).Msg("issue tokens")
		}
		supply += amount
	}
	logger.Info().Uint64("supply", supply).Msg("Tokens minted on node-1")

	// ── Phase 5: Payments ────────────────────────────────────────────────

	var committed []*exchange.Transaction
	for _, p := range payments {
		if ctx.Err() != nil {
			logger.Info().Msg("Payments interrupted")
			break
		}
		payCtx, payCancel := context.WithTimeout(ctx, 30*time.Second)
		tx, err := nodes[p.from].PayPeer(payCtx, addrs[p.to], node.Payment{
			Amount:  p.amount,
			Purpose: "testnet",
		})
		payCancel()
		if err != nil {
			logger.Error().Err(err).
				Int("from", p.from+1).
				Int("to", p.to+1).
				Uint64("amount", p.amount).
				Msg("Payment failed")
			os.Exit(1)
		}
		committed = append(committed, tx)
		logger.Info().
			Str("tx_id", tx.ID).
			Int("from", p.from+1).
			Int("to", p.to+1).
			Uint64("amount", p.amount).
			Int("tokens", len(tx.SenderExoPak.Tokens)).
			Msg("Payment committed")
	}

	// ── Phase 6: Verification ────────────────────────────────────────────

	b1, err1 := nodes[0].Balance()
	b2, err2 := nodes[1].Balance()
	if err1 != nil || err2 != nil {
		logger.Fatal().AnErr("node1", err1).AnErr("node2", err2).Msg("read balances")
	}

	mismatched := 0
	for _, tx := range committed {
		remote, ok := nodes[counterpartOf(nodes, tx)].Engine().Get(tx.ID, exchange.RoleReceiver)
		if !ok || remote.State != exchange.StateCommitted {
			mismatched++
		}
	}

	logger.Info().
		Uint64("node1_balance", b1).
		Uint64("node2_balance", b2).
		Int("exchanges", len(committed)).
		Msg("Final ledger state")

	if b1+b2 == supply && mismatched == 0 && len(committed) == len(payments) {
		logger.Info().Msg("SUCCESS: Both nodes agree and supply is conserved")
		fmt.Println()
		fmt.Printf("  Exchanges:        %d\n", len(committed))
		fmt.Printf("  Supply:           %d\n", supply)
		fmt.Printf("  node-1 balance:   %d\n", b1)
		fmt.Printf("  node-2 balance:   %d\n", b2)
		fmt.Println()
	} else {
		logger.Error().
			Int("mismatched", mismatched).
			Uint64("supply", supply).
			Msg("FAILURE: Ledgers disagree between nodes!")
		os.Exit(1)
	}
}

// buildNode creates a node with an in-memory ledger listening on a random
// loopback port.
func buildNode(dataDir string) (*node.Node, error) {
	cfg := config.Default(config.Testnet)
	cfg.DataDir = dataDir
	cfg.Storage.Backend = config.BackendMemory
	cfg.P2P.ListenAddr = "127.0.0.1"
	cfg.P2P.Port = 0
	cfg.P2P.NoDiscover = true
	cfg.RPC.Enabled = false
	cfg.Log.Level = "info"
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return node.New(cfg)
}

// counterpartOf returns the index of the node that received tx.
func counterpartOf(nodes []*node.Node, tx *exchange.Transaction) int {
	for i, n := range nodes {
		if n.Owner() == tx.Context.ReceiverPublicKey {
			return i
		}
	}
	return 0
}

// cleanup stops all nodes.
func cleanup(nodes ...*node.Node) {
	for _, n := range nodes {
		if n != nil {
			n.Stop()
		}
	}
}
