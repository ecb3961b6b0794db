package p2p

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Klingon-tech/tokenwire/internal/storage"
	"github.com/Klingon-tech/tokenwire/internal/wire"
	"github.com/Klingon-tech/tokenwire/pkg/crypto"
	"github.com/Klingon-tech/tokenwire/pkg/token"
	"github.com/libp2p/go-libp2p/core/peer"
)

// --- Helpers ---

// startTestNode creates, starts, and returns a P2P node on a random port.
func startTestNode(t *testing.T, mods ...func(*Config)) *Node {
	t.Helper()
	cfg := Config{ListenAddr: "127.0.0.1", Port: 0, NoDiscover: true, NetworkID: "test"}
	for _, m := range mods {
		m(&cfg)
	}
	n := New(cfg)
	if err := n.Start(); err != nil {
		t.Fatalf("start node: %v", err)
	}
	t.Cleanup(func() { n.Stop() })
	return n
}

// connectNodes connects node B to node A via direct libp2p connect.
func connectNodes(t *testing.T, a, b *Node) {
	t.Helper()
	aInfo := peer.AddrInfo{ID: a.host.ID(), Addrs: a.host.Addrs()}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.host.Connect(ctx, aInfo); err != nil {
		t.Fatalf("connect nodes: %v", err)
	}
	// Give GossipSub time to establish mesh.
	time.Sleep(200 * time.Millisecond)
}

// waitFor polls cond until it holds or the timeout passes.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// --- Node Lifecycle ---

func TestNode_NotStarted(t *testing.T) {
	n := New(Config{ListenAddr: "127.0.0.1", Port: 0})
	if n.ID() != "" || n.Addrs() != nil || n.Host() != nil {
		t.Error("unstarted node should expose no identity")
	}
	if n.PeerCount() != 0 {
		t.Error("unstarted node should have no peers")
	}

	ctx := context.Background()
	if _, err := n.SendEnvelope(ctx, peer.ID("x"), &wire.Envelope{}); !errors.Is(err, ErrNotStarted) {
		t.Errorf("SendEnvelope err = %v", err)
	}
	if err := n.PublishSpent(&SpentNotice{}); !errors.Is(err, ErrNotStarted) {
		t.Errorf("PublishSpent err = %v", err)
	}
	if _, err := n.LookupTelomere(ctx, "abc"); !errors.Is(err, ErrNoDHT) {
		t.Errorf("LookupTelomere err = %v", err)
	}
	if _, err := n.Connect(ctx, "/ip4/127.0.0.1/tcp/1"); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Connect err = %v", err)
	}
	if err := n.DisconnectPeer(peer.ID("x")); !errors.Is(err, ErrNotStarted) {
		t.Errorf("DisconnectPeer err = %v", err)
	}
	// Stop before Start is harmless.
	if err := n.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func TestNode_StartStop(t *testing.T) {
	n := New(Config{ListenAddr: "127.0.0.1", Port: 0, NoDiscover: true})
	if err := n.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if n.ID() == "" || len(n.Addrs()) == 0 {
		t.Error("started node should have an ID and addresses")
	}
	if n.BanManager == nil || n.connNotify == nil {
		t.Error("ban manager and notifier should be set after Start")
	}
	if err := n.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestNode_Rendezvous(t *testing.T) {
	if got := New(Config{NetworkID: "dev-1"}).rendezvous(); got != "tokenwire/dev-1" {
		t.Errorf("rendezvous = %q", got)
	}
	if got := New(Config{}).rendezvous(); got != dhtRendezvousFallback {
		t.Errorf("rendezvous = %q", got)
	}
}

func TestNode_PersistentIdentity(t *testing.T) {
	dir := t.TempDir()
	a := startTestNode(t, func(c *Config) { c.DataDir = dir })
	id := a.ID()
	a.Stop()

	b := startTestNode(t, func(c *Config) { c.DataDir = dir })
	if b.ID() != id {
		t.Errorf("peer ID changed across restarts: %s != %s", b.ID(), id)
	}
}

func TestNode_Start_CorruptIdentity(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, identityFile), []byte("not a key"), 0600); err != nil {
		t.Fatal(err)
	}
	n := New(Config{ListenAddr: "127.0.0.1", NoDiscover: true, DataDir: dir})
	if err := n.Start(); err == nil {
		n.Stop()
		t.Fatal("Start should fail with a corrupt identity file")
	}
	if n.Host() != nil {
		t.Error("host should not be left open after a failed Start")
	}
}

func TestPeerRecord_AddrInfo(t *testing.T) {
	self := startTestNode(t)
	rec := PeerRecord{
		ID:    self.ID().String(),
		Addrs: []string{"/ip4/127.0.0.1/tcp/4001", "garbage"},
	}
	info, ok := rec.addrInfo()
	if !ok || info.ID != self.ID() || len(info.Addrs) != 1 {
		t.Errorf("addrInfo = %+v, %v", info, ok)
	}
	if _, ok := (PeerRecord{ID: self.ID().String(), Addrs: []string{"garbage"}}).addrInfo(); ok {
		t.Error("record without usable addresses should not be dialable")
	}
	if _, ok := (PeerRecord{ID: "nope", Addrs: rec.Addrs}).addrInfo(); ok {
		t.Error("record with a bad peer ID should not be dialable")
	}
}

// --- Handshake ---

func TestTwoNodes_Handshake_LearnsOwner(t *testing.T) {
	nodeA := startTestNode(t, func(c *Config) { c.Owner = "owner-a" })
	nodeB := startTestNode(t, func(c *Config) { c.Owner = "owner-b" })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p, err := nodeB.Connect(ctx, nodeA.Addrs()[0])
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if p.Owner != "owner-a" || p.Version != ProtocolVersion {
		t.Errorf("peer = %+v", p)
	}

	waitFor(t, 2*time.Second, "inbound handshake", func() bool {
		q := nodeA.Peer(nodeB.ID())
		return q != nil && q.Owner == "owner-b"
	})

	owner, err := nodeA.OwnerOf(ctx, nodeB.ID())
	if err != nil || owner != "owner-b" {
		t.Errorf("OwnerOf = %q, %v", owner, err)
	}
}

func TestTwoNodes_Handshake_NetworkMismatch(t *testing.T) {
	nodeA := startTestNode(t, func(c *Config) { c.NetworkID = "net-a" })
	nodeB := startTestNode(t, func(c *Config) { c.NetworkID = "net-b" })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// Either side may hang up first, so the dialer sees a rejection or a
	// closed stream.
	if _, err := nodeB.Connect(ctx, nodeA.Addrs()[0]); err == nil {
		t.Fatal("Connect should fail across networks")
	}
	// The listener always reads the dialer's message before replying.
	waitFor(t, 2*time.Second, "listener ban", func() bool {
		return nodeA.BanManager.IsBanned(nodeB.ID())
	})
	waitFor(t, 2*time.Second, "disconnect", func() bool {
		return nodeA.Peer(nodeB.ID()) == nil
	})
}

// --- Exchange streams ---

func TestTwoNodes_Exchange(t *testing.T) {
	nodeA := startTestNode(t)
	nodeB := startTestNode(t)
	connectNodes(t, nodeA, nodeB)

	var from atomic.Value
	nodeA.SetExchangeHandler(func(p peer.ID, env *wire.Envelope) *wire.Envelope {
		from.Store(p)
		return &wire.Envelope{Kind: env.Kind.Reply(), TransactionID: env.TransactionID, Payload: env.Payload}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req := &wire.Envelope{Kind: wire.KindInitiation, TransactionID: "tx-1", Payload: []byte{1, 2, 3}}
	reply, err := nodeB.SendEnvelope(ctx, nodeA.ID(), req)
	if err != nil {
		t.Fatalf("SendEnvelope: %v", err)
	}
	if reply.Kind != wire.KindResponse || reply.TransactionID != "tx-1" || len(reply.Payload) != 3 {
		t.Errorf("reply = %+v", reply)
	}
	if got, _ := from.Load().(peer.ID); got != nodeB.ID() {
		t.Errorf("handler saw peer %s, want %s", got, nodeB.ID())
	}
}

func TestTwoNodes_Exchange_NoHandler(t *testing.T) {
	nodeA := startTestNode(t)
	nodeB := startTestNode(t)
	connectNodes(t, nodeA, nodeB)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reply, err := nodeB.SendEnvelope(ctx, nodeA.ID(), &wire.Envelope{Kind: wire.KindInitiation, TransactionID: "tx-2"})
	if err != nil {
		t.Fatalf("SendEnvelope: %v", err)
	}
	if reply.Kind != wire.KindError {
		t.Fatalf("reply kind = %s, want ERROR", reply.Kind)
	}
	msg, err := reply.Unwrap()
	if err != nil {
		t.Fatalf("Unwrap: %v", err)
	}
	if ep := msg.(*wire.ErrorPayload); ep.Message != ErrNoHandler.Error() {
		t.Errorf("error message = %q", ep.Message)
	}
}

func TestExchange_MalformedStreamPenalized(t *testing.T) {
	nodeA := startTestNode(t)
	nodeB := startTestNode(t)
	connectNodes(t, nodeA, nodeB)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := nodeB.host.NewStream(ctx, nodeA.ID(), ExchangeProtocol)
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	s.Write([]byte{0xff, 0xff, 0xff})
	s.CloseWrite()
	defer s.Close()

	waitFor(t, 2*time.Second, "penalty", func() bool {
		return nodeA.BanManager.Score(nodeB.ID()) == PenaltyMalformedEnvelope
	})
}

// --- Spent notices ---

func TestTwoNodes_SpentGossip(t *testing.T) {
	nodeA := startTestNode(t)
	nodeB := startTestNode(t)
	connectNodes(t, nodeA, nodeB)

	var received atomic.Pointer[SpentNotice]
	nodeB.SetSpentHandler(func(_ peer.ID, n *SpentNotice) {
		received.Store(n)
	})

	// Give mesh time to stabilize.
	time.Sleep(300 * time.Millisecond)

	key, _ := crypto.GenerateKey()
	notice, err := NewSpentNotice(key, "tx-9", []string{"tok-1"}, time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("NewSpentNotice: %v", err)
	}
	if err := nodeA.PublishSpent(notice); err != nil {
		t.Fatalf("PublishSpent: %v", err)
	}
	waitFor(t, 5*time.Second, "spent gossip", func() bool { return received.Load() != nil })
	if got := received.Load(); got.TransactionID != "tx-9" || got.TokenIDs[0] != "tok-1" {
		t.Errorf("received %+v", got)
	}

	// Unsigned notices are dropped and cost the relaying peer.
	bogus := *notice
	bogus.Signature = nil
	received.Store(nil)
	if err := nodeA.PublishSpent(&bogus); err != nil {
		t.Fatalf("PublishSpent: %v", err)
	}
	waitFor(t, 5*time.Second, "notice penalty", func() bool {
		return nodeB.BanManager.Score(nodeA.ID()) == PenaltyInvalidNotice
	})
	if received.Load() != nil {
		t.Error("invalid notice reached the handler")
	}
}

// --- Peer tracking ---

func TestConnNotifier_ConnectDisconnect(t *testing.T) {
	nodeA := startTestNode(t)
	nodeB := startTestNode(t)

	connected := make(chan peer.ID, 1)
	nodeA.SetPeerConnectedHandler(func(id peer.ID) { connected <- id })
	connectNodes(t, nodeA, nodeB)

	select {
	case id := <-connected:
		if id != nodeB.ID() {
			t.Errorf("connected callback for %s, want %s", id, nodeB.ID())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("peer connected callback not invoked")
	}
	if nodeA.Peer(nodeB.ID()) == nil || nodeB.Peer(nodeA.ID()) == nil {
		t.Fatal("both sides should track each other")
	}

	if err := nodeB.DisconnectPeer(nodeA.ID()); err != nil {
		t.Fatalf("DisconnectPeer: %v", err)
	}
	waitFor(t, 2*time.Second, "disconnect", func() bool { return nodeA.PeerCount() == 0 })
}

func TestNode_PeerPersistence(t *testing.T) {
	db := storage.NewMemory()
	nodeA := startTestNode(t, func(c *Config) { c.DB = db })
	nodeB := startTestNode(t, func(c *Config) { c.Owner = "owner-b" })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := nodeB.Connect(ctx, nodeA.Addrs()[0]); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, 2*time.Second, "inbound handshake", func() bool {
		p := nodeA.Peer(nodeB.ID())
		return p != nil && p.Owner != ""
	})

	nodeA.persistPeers()

	rec, err := NewPeerStore(db).Load(nodeB.ID())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rec.Owner != "owner-b" || len(rec.Addrs) == 0 {
		t.Errorf("persisted %+v", rec)
	}
}

// --- DHT ---

func TestTwoNodes_TelomereDHT(t *testing.T) {
	dhtServer := func(c *Config) {
		c.NoDiscover = false
		c.DHTServer = true
	}
	nodeA := startTestNode(t, dhtServer)
	nodeB := startTestNode(t, dhtServer)
	connectNodes(t, nodeA, nodeB)

	waitFor(t, 5*time.Second, "routing tables", func() bool {
		return nodeA.dht.RoutingTable().Size() > 0 && nodeB.dht.RoutingTable().Size() > 0
	})

	id, _ := token.NewTokenID("issue-1", 7, 1_700_000_000_000)
	tel, _ := token.NewTelomere(id, "alice")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := nodeA.PublishTelomere(ctx, tel); err != nil {
		t.Fatalf("PublishTelomere: %v", err)
	}

	tel.TransferOwnership("bob", "tx-1")
	if err := nodeA.PublishTelomere(ctx, tel); err != nil {
		t.Fatalf("PublishTelomere newer: %v", err)
	}

	got, err := nodeB.LookupTelomere(ctx, id.ID)
	if err != nil {
		t.Fatalf("LookupTelomere: %v", err)
	}
	if got.CurrentOwner != "bob" {
		t.Errorf("owner = %q, want bob", got.CurrentOwner)
	}
}
