// Package p2p connects tokenwire nodes over libp2p: exchange streams carry
// transaction packets, GossipSub carries spent notices and the kad-dht
// replicates telomeres.
package p2p

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	klog "github.com/Klingon-tech/tokenwire/internal/log"
	"github.com/Klingon-tech/tokenwire/internal/storage"
	"github.com/Klingon-tech/tokenwire/pkg/crypto"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
)

// ErrNotStarted is returned by operations that need a running host.
var ErrNotStarted = errors.New("p2p node not started")

// Config holds P2P node configuration.
type Config struct {
	ListenAddr string
	Port       int
	Seeds      []string // full multiaddrs including /p2p/<id>
	MaxPeers   int      // 0 = no limit on discovered peers
	NoDiscover bool     // disables mDNS and the DHT
	DHTServer  bool

	// NetworkID isolates discovery namespaces and is checked in handshakes.
	NetworkID string

	DB       storage.DB      // peer and ban persistence; nil keeps both in memory
	DataDir  string          // holds the libp2p identity; empty = ephemeral
	Owner    string          // hex public key advertised in handshakes
	Verifier crypto.Verifier // spent notice signatures, Schnorr when nil
}

// Node is a libp2p host speaking the tokenwire protocols.
type Node struct {
	config   Config
	verifier crypto.Verifier
	ctx      context.Context
	cancel   context.CancelFunc

	host       host.Host
	pubsub     *pubsub.PubSub
	topicSpent *pubsub.Topic
	subSpent   *pubsub.Subscription
	dht        *dht.IpfsDHT // nil with NoDiscover
	connNotify *connNotifier

	mu              sync.RWMutex
	peers           map[peer.ID]*Peer
	exchangeHandler ExchangeHandler
	spentHandler    func(peer.ID, *SpentNotice)
	onPeerConnected func(peer.ID)

	BanManager *BanManager
	peerStore  *PeerStore // nil without Config.DB
}

// New prepares a node. Nothing touches the network until Start.
func New(cfg Config) *Node {
	n := &Node{
		config:   cfg,
		verifier: cfg.Verifier,
		peers:    make(map[peer.ID]*Peer),
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())
	if n.verifier == nil {
		n.verifier = crypto.SchnorrVerifier{}
	}
	if cfg.DB != nil {
		n.peerStore = NewPeerStore(cfg.DB)
	}
	return n
}

// Start brings up the libp2p host, joins the spent-notice topic and starts
// discovery. On failure everything opened so far is closed again.
func (n *Node) Start() (err error) {
	var store *BanStore
	if n.config.DB != nil {
		store = NewBanStore(n.config.DB)
	}
	n.BanManager = NewBanManager(store, n.DisconnectPeer)
	n.BanManager.LoadBans()

	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/%s/tcp/%d", n.config.ListenAddr, n.config.Port)),
		libp2p.ConnectionGater(&banGater{banMgr: n.BanManager}),
	}
	if n.config.DataDir != "" {
		key, err := loadOrCreateIdentity(filepath.Join(n.config.DataDir, identityFile))
		if err != nil {
			return fmt.Errorf("load p2p identity: %w", err)
		}
		opts = append(opts, libp2p.Identity(key))
	}
	if n.host, err = libp2p.New(opts...); err != nil {
		return fmt.Errorf("create libp2p host: %w", err)
	}
	defer func() {
		if err != nil {
			n.closeDHT()
			n.host.Close()
			n.host = nil
		}
	}()

	n.connNotify = &connNotifier{node: n}
	n.host.Network().Notify(n.connNotify)

	if !n.config.NoDiscover {
		if err := n.initDHT(); err != nil {
			return fmt.Errorf("init dht: %w", err)
		}
	}
	if n.pubsub, err = pubsub.NewGossipSub(n.ctx, n.host, pubsub.WithMaxMessageSize(maxNoticeSize)); err != nil {
		return fmt.Errorf("create pubsub: %w", err)
	}
	if n.topicSpent, err = n.pubsub.Join(TopicSpent); err != nil {
		return fmt.Errorf("join spent topic: %w", err)
	}
	if n.subSpent, err = n.topicSpent.Subscribe(); err != nil {
		return fmt.Errorf("subscribe spent: %w", err)
	}

	n.registerHandshakeHandler()
	n.registerExchangeHandler()

	go n.readLoop(n.subSpent, n.handleSpentMessage)
	go n.BanManager.RunPruneLoop(n.ctx.Done())
	n.startDiscovery()
	if n.peerStore != nil {
		go n.restorePeers()
		go n.runPersistLoop()
	}

	klog.P2P.Info().Str("id", n.host.ID().String()).Strs("addrs", n.Addrs()).Msg("P2P node started")
	return nil
}

// Stop saves the peer table and closes the host.
func (n *Node) Stop() error {
	n.persistPeers()
	n.cancel()
	if n.subSpent != nil {
		n.subSpent.Cancel()
	}
	if n.topicSpent != nil {
		n.topicSpent.Close()
	}
	n.closeDHT()
	if n.host == nil {
		return nil
	}
	return n.host.Close()
}

// Host returns the libp2p host, nil before Start.
func (n *Node) Host() host.Host { return n.host }

// SetPeerConnectedHandler registers fn to run for every new peer.
func (n *Node) SetPeerConnectedHandler(fn func(peer.ID)) { n.onPeerConnected = fn }

// Connect dials a peer by full multiaddr ("/ip4/.../tcp/.../p2p/<id>") and
// runs the handshake.
func (n *Node) Connect(ctx context.Context, addr string) (*Peer, error) {
	if n.host == nil {
		return nil, ErrNotStarted
	}
	info, err := peer.AddrInfoFromString(addr)
	if err != nil {
		return nil, fmt.Errorf("parse peer address: %w", err)
	}
	if err := n.host.Connect(ctx, *info); err != nil {
		return nil, fmt.Errorf("connect %s: %w", shortID(info.ID), err)
	}
	if _, err := n.Handshake(ctx, info.ID); err != nil {
		return nil, err
	}
	return n.Peer(info.ID), nil
}

// OwnerOf returns the owner key a peer advertised, running the handshake if
// it has not completed yet.
func (n *Node) OwnerOf(ctx context.Context, id peer.ID) (string, error) {
	if p := n.Peer(id); p != nil && p.Owner != "" {
		return p.Owner, nil
	}
	if n.host == nil {
		return "", ErrNotStarted
	}
	msg, err := n.Handshake(ctx, id)
	if err != nil {
		return "", err
	}
	return msg.Owner, nil
}

// DisconnectPeer drops every connection to id.
func (n *Node) DisconnectPeer(id peer.ID) error {
	if n.host == nil {
		return ErrNotStarted
	}
	n.removePeer(id)
	return n.host.Network().ClosePeer(id)
}

// ID returns this node's peer ID, empty before Start.
func (n *Node) ID() peer.ID {
	if n.host == nil {
		return ""
	}
	return n.host.ID()
}

// Addrs returns this node's dialable multiaddrs with the /p2p suffix.
func (n *Node) Addrs() []string {
	if n.host == nil {
		return nil
	}
	self := "/p2p/" + n.host.ID().String()
	addrs := make([]string, 0, len(n.host.Addrs()))
	for _, a := range n.host.Addrs() {
		addrs = append(addrs, a.String()+self)
	}
	return addrs
}

// readLoop hands every notice not sent by this node to handler.
func (n *Node) readLoop(sub *pubsub.Subscription, handler func(*pubsub.Message)) {
	for {
		msg, err := sub.Next(n.ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}
		handler(msg)
	}
}
