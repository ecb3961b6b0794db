package p2p

import (
	"slices"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// Peer is a connected node as seen from this one.
type Peer struct {
	ID          peer.ID
	ConnectedAt time.Time
	Source      string // how it was found: "seed", "mdns", "dht"; empty for inbound
	Owner       string // hex public key, set by the handshake
	Version     uint32
}

// PeerCount returns the number of connected peers.
func (n *Node) PeerCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.peers)
}

// Peer returns a copy of the tracked peer, or nil.
func (n *Node) Peer(id peer.ID) *Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	p, ok := n.peers[id]
	if !ok {
		return nil
	}
	c := *p
	return &c
}

// PeerList returns copies of all connected peers, oldest connection first.
func (n *Node) PeerList() []*Peer {
	n.mu.RLock()
	out := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		c := *p
		out = append(out, &c)
	}
	n.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Peer) int { return a.ConnectedAt.Compare(b.ConnectedAt) })
	return out
}

// addPeer starts tracking id and reports whether it was new.
func (n *Node) addPeer(id peer.ID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.peers[id]; ok {
		return false
	}
	n.peers[id] = &Peer{ID: id, ConnectedAt: time.Now()}
	return true
}

// setSource records how id was found. The first source wins.
func (n *Node) setSource(id peer.ID, source string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if p, ok := n.peers[id]; ok && p.Source == "" {
		p.Source = source
	}
}

func (n *Node) removePeer(id peer.ID) {
	n.mu.Lock()
	delete(n.peers, id)
	n.mu.Unlock()
}
