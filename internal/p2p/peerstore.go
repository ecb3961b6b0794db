package p2p

import (
	"fmt"
	"time"

	klog "github.com/Klingon-tech/tokenwire/internal/log"
	"github.com/Klingon-tech/tokenwire/internal/storage"
	"github.com/Klingon-tech/tokenwire/pkg/types"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

const (
	peerKeyPrefix     = "peer/"
	staleThreshold    = 24 * time.Hour
	persistInterval   = 5 * time.Minute
	maxPersistedPeers = 500
)

// PeerRecord is what the node remembers about a peer between restarts.
type PeerRecord struct {
	_        struct{} `cbor:",toarray"`
	ID       string   // base58 peer ID
	Addrs    []string // multiaddrs as last reported by the peerstore
	LastSeen int64    // unix seconds
	Source   string   // "seed", "mdns" or "dht"
	Owner    string   // hex public key; empty before the handshake
}

func decodePeerRecord(data []byte) (PeerRecord, error) {
	var rec PeerRecord
	err := types.Cbor.Unmarshal(data, &rec)
	return rec, err
}

// PeerStore keeps peer records under the "peer/" prefix of the node DB.
type PeerStore struct {
	db *storage.PrefixDB
}

// NewPeerStore returns a PeerStore over db.
func NewPeerStore(db storage.DB) *PeerStore {
	return &PeerStore{db: storage.NewPrefixDB(db, []byte(peerKeyPrefix))}
}

// Save writes rec. Updates always go through; a previously unknown peer is
// dropped without error once maxPersistedPeers records are stored.
func (ps *PeerStore) Save(rec PeerRecord) error {
	key := []byte(rec.ID)
	known, err := ps.db.Has(key)
	if err != nil {
		return fmt.Errorf("peer store: %w", err)
	}
	if !known {
		if n, err := ps.Count(); err != nil || n >= maxPersistedPeers {
			return err
		}
	}
	data, err := types.Cbor.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("encode peer %s: %w", rec.ID, err)
	}
	return ps.db.Put(key, data)
}

// Load returns the record for id; a missing record wraps storage.ErrNotFound.
func (ps *PeerStore) Load(id peer.ID) (*PeerRecord, error) {
	data, err := ps.db.Get([]byte(id.String()))
	if err != nil {
		return nil, fmt.Errorf("peer %s: %w", shortID(id), err)
	}
	rec, err := decodePeerRecord(data)
	if err != nil {
		return nil, fmt.Errorf("decode peer %s: %w", shortID(id), err)
	}
	return &rec, nil
}

// LoadAll returns every decodable record.
func (ps *PeerStore) LoadAll() ([]PeerRecord, error) {
	var out []PeerRecord
	err := ps.db.ForEach(nil, func(_, value []byte) error {
		if rec, err := decodePeerRecord(value); err == nil {
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("peer store: %w", err)
	}
	return out, nil
}

func (ps *PeerStore) Delete(id peer.ID) error {
	return ps.db.Delete([]byte(id.String()))
}

// PruneStale drops records older than maxAge along with undecodable ones
// and returns how many went.
func (ps *PeerStore) PruneStale(maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	return ps.db.DeleteWhere(nil, func(_, value []byte) bool {
		rec, err := decodePeerRecord(value)
		return err != nil || rec.LastSeen < cutoff
	})
}

func (ps *PeerStore) Count() (int, error) {
	n := 0
	if err := ps.db.ForEach(nil, func(_, _ []byte) error { n++; return nil }); err != nil {
		return 0, fmt.Errorf("peer store: %w", err)
	}
	return n, nil
}

// persistPeers snapshots connected peers and their known addresses.
func (n *Node) persistPeers() {
	if n.peerStore == nil || n.host == nil {
		return
	}
	now := time.Now().Unix()
	saved := 0
	for _, p := range n.PeerList() {
		rec := PeerRecord{
			ID:       p.ID.String(),
			LastSeen: now,
			Source:   p.Source,
			Owner:    p.Owner,
		}
		for _, a := range n.host.Peerstore().Addrs(p.ID) {
			rec.Addrs = append(rec.Addrs, a.String())
		}
		if err := n.peerStore.Save(rec); err != nil {
			klog.P2P.Debug().Err(err).Str("peer", shortID(p.ID)).Msg("Persist peer failed")
			continue
		}
		saved++
	}
	if saved > 0 {
		klog.P2P.Debug().Int("peers", saved).Msg("Peer table saved")
	}
}

// restorePeers prunes stale records and redials the rest.
func (n *Node) restorePeers() {
	if _, err := n.peerStore.PruneStale(staleThreshold); err != nil {
		klog.P2P.Debug().Err(err).Msg("Prune peer records failed")
	}
	records, err := n.peerStore.LoadAll()
	if err != nil {
		klog.P2P.Warn().Err(err).Msg("Load peer records failed")
		return
	}
	for _, rec := range records {
		info, ok := rec.addrInfo()
		if !ok {
			continue
		}
		n.dial(info, rec.Source, peerConnectTimeout)
	}
}

// addrInfo turns a record back into something dialable.
func (rec PeerRecord) addrInfo() (peer.AddrInfo, bool) {
	id, err := peer.Decode(rec.ID)
	if err != nil {
		return peer.AddrInfo{}, false
	}
	info := peer.AddrInfo{ID: id}
	for _, s := range rec.Addrs {
		if a, err := multiaddr.NewMultiaddr(s); err == nil {
			info.Addrs = append(info.Addrs, a)
		}
	}
	return info, len(info.Addrs) > 0
}

func (n *Node) runPersistLoop() {
	ticker := time.NewTicker(persistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.persistPeers()
			n.peerStore.PruneStale(staleThreshold)
		}
	}
}
