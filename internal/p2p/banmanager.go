package p2p

import (
	"cmp"
	"slices"
	"strings"
	"sync"
	"time"

	klog "github.com/Klingon-tech/tokenwire/internal/log"
	"github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// Ban thresholds and durations.
const (
	BanThreshold = 100 // Score at which a peer gets banned.
	BanDuration  = 24 * time.Hour

	// ScoreDecayPerHour is forgiven from a peer's score for every full hour
	// without a new offense.
	ScoreDecayPerHour = 10

	banPruneInterval = 10 * time.Minute
)

// Penalty values for different offenses.
const (
	PenaltyMalformedEnvelope = 20  // Undecodable or oversized exchange stream.
	PenaltyInvalidPacket     = 25  // Packet failed validation or carried a forged proof.
	PenaltyInvalidNotice     = 20  // Spent notice with a bad signature.
	PenaltyInvalidRecord     = 10  // Telomere record that fails validation.
	PenaltyHandshakeFail     = 100 // Instant ban (network mismatch).
)

// offenseScore is a peer's running score and when it last changed.
type offenseScore struct {
	points int
	at     time.Time
}

// decayed returns the points left at now.
func (s offenseScore) decayed(now time.Time) int {
	hours := int(now.Sub(s.at) / time.Hour)
	return max(0, s.points-hours*ScoreDecayPerHour)
}

// BanManager scores peer misbehaviour and bans peers whose score reaches
// BanThreshold.
type BanManager struct {
	mu         sync.RWMutex
	scores     map[peer.ID]offenseScore
	bans       map[peer.ID]*BanRecord
	store      *BanStore           // nil disables persistence
	disconnect func(peer.ID) error // nil in unit tests
	now        func() time.Time
}

// NewBanManager creates a BanManager. store may be nil to keep bans in
// memory only; disconnect may be nil when banned peers need not be dropped.
func NewBanManager(store *BanStore, disconnect func(peer.ID) error) *BanManager {
	return &BanManager{
		scores:     make(map[peer.ID]offenseScore),
		bans:       make(map[peer.ID]*BanRecord),
		store:      store,
		disconnect: disconnect,
		now:        time.Now,
	}
}

// LoadBans restores unexpired persisted bans.
func (bm *BanManager) LoadBans() {
	if bm.store == nil {
		return
	}
	if n, err := bm.store.PruneExpired(); err == nil && n > 0 {
		klog.P2P.Debug().Int("pruned", n).Msg("Expired bans removed")
	}

	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.store.ForEach(func(rec *BanRecord) error {
		if id, err := peer.Decode(rec.ID); err == nil {
			bm.bans[id] = rec
		}
		return nil
	})
}

// RecordOffense adds penalty to the peer's decayed score and bans it once
// the total reaches BanThreshold. Offenses by an already banned peer are
// ignored.
func (bm *BanManager) RecordOffense(id peer.ID, penalty int, reason string) {
	now := bm.now()

	bm.mu.Lock()
	if bm.activeBan(id, now) != nil {
		bm.mu.Unlock()
		return
	}
	score := offenseScore{points: bm.scores[id].decayed(now) + penalty, at: now}
	ev := klog.P2P.Debug().
		Str("peer", shortID(id)).
		Int("penalty", penalty).
		Int("score", score.points).
		Str("reason", reason)
	if score.points < BanThreshold {
		bm.scores[id] = score
		bm.mu.Unlock()
		ev.Msg("Peer offense recorded")
		return
	}

	rec := &BanRecord{
		ID:        id.String(),
		Reason:    reason,
		Score:     score.points,
		BannedAt:  now.Unix(),
		ExpiresAt: now.Add(BanDuration).Unix(),
	}
	bm.bans[id] = rec
	delete(bm.scores, id)
	bm.mu.Unlock()

	klog.P2P.Warn().Str("peer", shortID(id)).Str("reason", reason).Int("score", rec.Score).Msg("Peer banned")
	if bm.store != nil {
		if err := bm.store.Put(rec); err != nil {
			klog.P2P.Warn().Err(err).Msg("Failed to persist ban")
		}
	}
	if bm.disconnect != nil {
		go bm.disconnect(id)
	}
}

// activeBan returns the unexpired ban on id. Callers hold bm.mu.
func (bm *BanManager) activeBan(id peer.ID, now time.Time) *BanRecord {
	rec, ok := bm.bans[id]
	if !ok || rec.expiredAt(now) {
		return nil
	}
	return rec
}

// Score returns the peer's current score after decay.
func (bm *BanManager) Score(id peer.ID) int {
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	return bm.scores[id].decayed(bm.now())
}

// IsBanned reports whether the peer is under an unexpired ban. Expired
// entries are left for the prune loop.
func (bm *BanManager) IsBanned(id peer.ID) bool {
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	return bm.activeBan(id, bm.now()) != nil
}

// Unban lifts a ban and clears the peer's score.
func (bm *BanManager) Unban(id peer.ID) {
	bm.mu.Lock()
	delete(bm.bans, id)
	delete(bm.scores, id)
	bm.mu.Unlock()

	if bm.store != nil {
		bm.store.Delete(id)
	}
}

// BanList returns the active bans, oldest first.
func (bm *BanManager) BanList() []BanRecord {
	now := bm.now()
	bm.mu.RLock()
	list := make([]BanRecord, 0, len(bm.bans))
	for _, rec := range bm.bans {
		if !rec.expiredAt(now) {
			list = append(list, *rec)
		}
	}
	bm.mu.RUnlock()

	slices.SortFunc(list, func(a, b BanRecord) int {
		if c := cmp.Compare(a.BannedAt, b.BannedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return list
}

// RunPruneLoop drops expired bans and fully decayed scores until done is
// closed.
func (bm *BanManager) RunPruneLoop(done <-chan struct{}) {
	ticker := time.NewTicker(banPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			bm.prune()
		}
	}
}

func (bm *BanManager) prune() {
	now := bm.now()
	bm.mu.Lock()
	for id, rec := range bm.bans {
		if rec.expiredAt(now) {
			delete(bm.bans, id)
		}
	}
	for id, s := range bm.scores {
		if s.decayed(now) == 0 {
			delete(bm.scores, id)
		}
	}
	bm.mu.Unlock()

	if bm.store != nil {
		bm.store.PruneExpired()
	}
}

func shortID(id peer.ID) string {
	s := id.String()
	if len(s) > 16 {
		return s[:16]
	}
	return s
}

// banGater is a libp2p ConnectionGater that refuses banned peers. Dials are
// checked by peer ID and inbound connections once the remote identity is
// authenticated.
type banGater struct {
	banMgr *BanManager
}

func (g *banGater) InterceptPeerDial(p peer.ID) bool { return !g.banMgr.IsBanned(p) }

func (g *banGater) InterceptAddrDial(peer.ID, ma.Multiaddr) bool { return true }

func (g *banGater) InterceptAccept(network.ConnMultiaddrs) bool { return true }

func (g *banGater) InterceptSecured(_ network.Direction, p peer.ID, _ network.ConnMultiaddrs) bool {
	return !g.banMgr.IsBanned(p)
}

func (g *banGater) InterceptUpgraded(network.Conn) (bool, control.DisconnectReason) {
	return true, 0
}
