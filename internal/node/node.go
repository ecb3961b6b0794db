// Package node provides a reusable token node that can be embedded in any
// binary (daemon, CLI). It wires the ledger, the exchange engine and the
// peer-to-peer transport together.
package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Klingon-tech/tokenwire/config"
	"github.com/Klingon-tech/tokenwire/internal/clock"
	"github.com/Klingon-tech/tokenwire/internal/exchange"
	"github.com/Klingon-tech/tokenwire/internal/ledger"
	klog "github.com/Klingon-tech/tokenwire/internal/log"
	"github.com/Klingon-tech/tokenwire/internal/p2p"
	"github.com/Klingon-tech/tokenwire/internal/storage"
	"github.com/Klingon-tech/tokenwire/pkg/crypto"
)

// Errors returned by the node.
var (
	ErrP2PDisabled       = errors.New("p2p networking is disabled")
	ErrInsufficientFunds = errors.New("insufficient spendable tokens")
	ErrUnexpectedPacket  = errors.New("unexpected packet")
)

// Option adjusts a node before it is wired.
type Option func(*Node)

// WithClock replaces the system clock used by the exchange engine.
func WithClock(c clock.Source) Option {
	return func(n *Node) { n.clock = c }
}

// Node is a fully-initialized token node.
type Node struct {
	cfg    *config.Config
	logger zerolog.Logger
	clock  clock.Source

	// Core
	db      storage.DB
	vault   storage.DB // nil unless storage.seal is set
	ledger  *ledger.Store
	engine  *exchange.Manager
	key     *crypto.PrivateKey
	owner   string
	notices *noticeCache

	// Tokens reserved by in-flight transactions, keyed by txID/role.
	pendingMu sync.Mutex
	pending   map[string]*pendingTx

	// Networking
	p2pNode *p2p.Node

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New creates and initializes a new Node. It performs all setup steps
// (logger, storage, key, ledger, engine, P2P) but does NOT start
// background goroutines or the network. Call Start() for that.
func New(cfg *config.Config, opts ...Option) (*Node, error) {
	// ── 1. Init logger ──────────────────────────────────────────────
	logFile := cfg.Log.File
	if logFile == "" {
		logsDir := cfg.LogsDir()
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			return nil, fmt.Errorf("creating logs dir: %w", err)
		}
		logFile = filepath.Join(logsDir, "tokenwire.log")
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger := klog.Node

	n := &Node{
		cfg:     cfg,
		logger:  logger,
		clock:   clock.System{},
		notices: newNoticeCache(),
		pending: make(map[string]*pendingTx),
	}
	for _, opt := range opts {
		opt(n)
	}

	logger.Info().
		Str("network", string(cfg.Network)).
		Str("storage", cfg.Storage.Backend).
		Bool("sealed", cfg.Storage.Seal).
		Msg("Starting Tokenwire Node")

	// ── 2. Open storage ─────────────────────────────────────────────
	if err := os.MkdirAll(cfg.NetworkDataDir(), 0755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	db, err := openDB(cfg.Storage.Backend, cfg.LedgerDir())
	if err != nil {
		return nil, fmt.Errorf("open ledger at %s: %w", cfg.LedgerDir(), err)
	}
	n.db = db
	if cfg.Storage.Seal {
		vault, err := openVault(cfg)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("open vault at %s: %w", cfg.VaultDir(), err)
		}
		n.vault = vault
	}
	n.ledger = ledger.NewStore(db, n.vault)
	logger.Info().Str("path", cfg.LedgerDir()).Msg("Ledger opened")

	// ── 3. Owner key ────────────────────────────────────────────────
	key, err := loadOwnerKey(cfg.KeyPath())
	if err != nil {
		n.closeStores()
		return nil, fmt.Errorf("load owner key %s: %w", cfg.KeyPath(), err)
	}
	n.key = key
	n.owner = key.OwnerID()
	logger.Info().Str("owner", shortKey(n.owner)).Msg("Owner key loaded")

	// ── 4. Exchange engine ──────────────────────────────────────────
	engine, err := exchange.NewManager(exchange.Config{
		Signer:             key,
		Verifier:           crypto.SchnorrVerifier{},
		Clock:              n.clock,
		Profile:            cfg.Engine.Profile(),
		DefaultMaxDuration: cfg.Engine.MaxDuration,
		RollbackTimeout:    cfg.Engine.RollbackTimeout,
		Telomeres:          n.ledger,
		RequireTelomeres:   cfg.Engine.RequireTelomere,
		MinTimeConfidence:  cfg.Engine.MinConfidence,
	})
	if err != nil {
		key.Zero()
		n.closeStores()
		return nil, fmt.Errorf("create exchange engine: %w", err)
	}
	n.engine = engine

	// ── 5. P2P ──────────────────────────────────────────────────────
	if cfg.P2P.Enabled {
		n.p2pNode = p2p.New(p2p.Config{
			ListenAddr: cfg.P2P.ListenAddr,
			Port:       cfg.P2P.Port,
			Seeds:      cfg.P2P.Seeds,
			MaxPeers:   cfg.P2P.MaxPeers,
			NoDiscover: cfg.P2P.NoDiscover,
			DB:         storage.NewPrefixDB(db, []byte("net/")),
			DHTServer:  cfg.P2P.DHTServer,
			NetworkID:  cfg.NetworkID(),
			DataDir:    cfg.NetworkDataDir(),
			Owner:      n.owner,
			Verifier:   engine.Verifier(),
		})
		n.p2pNode.SetExchangeHandler(n.HandleEnvelope)
		n.p2pNode.SetSpentHandler(func(from peer.ID, notice *p2p.SpentNotice) {
			n.notices.add(notice)
			logger.Debug().
				Str("from", from.String()).
				Str("tx_id", notice.TransactionID).
				Int("tokens", len(notice.TokenIDs)).
				Msg("Spent notice received")
		})
	}

	n.ctx, n.cancel = context.WithCancel(context.Background())
	n.group, n.ctx = errgroup.WithContext(n.ctx)
	return n, nil
}

// Start launches the network and the background sweeper.
func (n *Node) Start() error {
	if n.p2pNode != nil {
		if err := n.p2pNode.Start(); err != nil {
			return fmt.Errorf("start p2p: %w", err)
		}
		if n.cfg.P2P.ClearBans {
			for _, rec := range n.p2pNode.BanManager.BanList() {
				if id, err := peer.Decode(rec.ID); err == nil {
					n.p2pNode.BanManager.Unban(id)
				}
			}
			n.logger.Info().Msg("Peer bans cleared")
		}
	}

	n.group.Go(func() error {
		n.runSweeper(n.cfg.Engine.SweepInterval)
		return nil
	})

	balance, err := n.Balance()
	if err != nil {
		return fmt.Errorf("read balance: %w", err)
	}
	n.logger.Info().
		Str("owner", shortKey(n.owner)).
		Uint64("balance", balance).
		Bool("p2p", n.p2pNode != nil).
		Msg("Node started successfully")
	return nil
}

// Stop performs graceful shutdown in reverse order.
func (n *Node) Stop() {
	n.cancel()
	if err := n.group.Wait(); err != nil {
		n.logger.Warn().Err(err).Msg("Background task failed")
	}

	if n.p2pNode != nil {
		if err := n.p2pNode.Stop(); err != nil {
			n.logger.Warn().Err(err).Msg("P2P shutdown error")
		}
	}
	if n.key != nil {
		n.key.Zero()
	}
	n.closeStores()

	n.logger.Info().Msg("Goodbye!")
}

func (n *Node) closeStores() {
	if n.vault != nil {
		n.vault.Close()
	}
	if n.db != nil {
		n.db.Close()
	}
}

// Network returns the network this node runs on.
func (n *Node) Network() config.NetworkType { return n.cfg.Network }

// Clock returns the time source shared with the exchange engine.
func (n *Node) Clock() clock.Source { return n.clock }

// Owner returns this node's hex-encoded public key.
func (n *Node) Owner() string { return n.owner }

// Ledger returns the local ledger.
func (n *Node) Ledger() *ledger.Store { return n.ledger }

// Engine returns the exchange engine.
func (n *Node) Engine() *exchange.Manager { return n.engine }

// P2P returns the network node, or nil when networking is disabled.
func (n *Node) P2P() *p2p.Node { return n.p2pNode }

// Balance returns the face value of this node's spendable tokens.
func (n *Node) Balance() (uint64, error) {
	return n.ledger.Balance(n.owner, n.clock.NowMs())
}

// Connect dials a peer by multiaddr and returns its advertised owner key.
func (n *Node) Connect(ctx context.Context, addr string) (*p2p.Peer, error) {
	if n.p2pNode == nil {
		return nil, ErrP2PDisabled
	}
	return n.p2pNode.Connect(ctx, addr)
}

// runSweeper aborts overdue transactions until the node stops.
func (n *Node) runSweeper(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.Sweep()
		}
	}
}
