package p2p

import (
	"crypto/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Klingon-tech/tokenwire/internal/storage"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

func generateTestPeerID(t *testing.T) peer.ID {
	t.Helper()
	priv, _, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		t.Fatalf("peer id from key: %v", err)
	}
	return id
}

func TestBanManager_ScoreAccumulation(t *testing.T) {
	bm := NewBanManager(nil, nil)
	id := peer.ID("test-peer")

	bm.RecordOffense(id, PenaltyMalformedEnvelope, "garbage 1")
	bm.RecordOffense(id, PenaltyInvalidPacket, "forged proof")
	if bm.IsBanned(id) {
		t.Error("peer should not be banned below threshold")
	}
	if got := bm.Score(id); got != PenaltyMalformedEnvelope+PenaltyInvalidPacket {
		t.Errorf("score = %d", got)
	}
}

func TestBanManager_ThresholdBan(t *testing.T) {
	var disconnected atomic.Int32
	bm := NewBanManager(nil, func(peer.ID) error {
		disconnected.Add(1)
		return nil
	})
	id := peer.ID("test-peer")

	for i := 0; i < 4; i++ {
		bm.RecordOffense(id, PenaltyInvalidPacket, "bad packet")
	}
	if !bm.IsBanned(id) {
		t.Fatal("peer should be banned at threshold")
	}
	if bm.Score(id) != 0 {
		t.Error("score should reset once banned")
	}

	deadline := time.Now().Add(time.Second)
	for disconnected.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if disconnected.Load() != 1 {
		t.Errorf("disconnect called %d times, want 1", disconnected.Load())
	}
}

func TestBanManager_InstantBan(t *testing.T) {
	bm := NewBanManager(nil, nil)
	id := peer.ID("test-peer")

	bm.RecordOffense(id, PenaltyHandshakeFail, "network mismatch")
	if !bm.IsBanned(id) {
		t.Error("peer should be banned after handshake fail")
	}
	if bm.IsBanned(peer.ID("unknown")) {
		t.Error("unknown peer should not be banned")
	}
}

func TestBanManager_UnbanAndList(t *testing.T) {
	bm := NewBanManager(nil, nil)
	bm.RecordOffense(peer.ID("peer-a"), PenaltyHandshakeFail, "bad")
	bm.RecordOffense(peer.ID("peer-b"), PenaltyHandshakeFail, "bad")
	// Offenses against a banned peer are ignored.
	bm.RecordOffense(peer.ID("peer-a"), PenaltyInvalidNotice, "bad notice")

	if got := len(bm.BanList()); got != 2 {
		t.Fatalf("expected 2 bans, got %d", got)
	}

	bm.Unban(peer.ID("peer-a"))
	if bm.IsBanned(peer.ID("peer-a")) {
		t.Error("peer should not be banned after Unban")
	}
	if got := len(bm.BanList()); got != 1 {
		t.Errorf("expected 1 ban, got %d", got)
	}
}

func TestBanManager_Persistence(t *testing.T) {
	store := NewBanStore(storage.NewMemory())
	bm := NewBanManager(store, nil)

	id := generateTestPeerID(t)
	bm.RecordOffense(id, PenaltyHandshakeFail, "network mismatch")

	bm2 := NewBanManager(store, nil)
	bm2.LoadBans()
	if !bm2.IsBanned(id) {
		t.Error("ban should survive reload from store")
	}
}

func TestBanStore_PruneExpired(t *testing.T) {
	db := storage.NewMemory()
	bs := NewBanStore(db)
	now := time.Now()
	expired, active := peer.ID("expired"), peer.ID("active")

	recs := []*BanRecord{
		{ID: expired.String(), Reason: "old", BannedAt: now.Add(-48 * time.Hour).Unix(), ExpiresAt: now.Add(-time.Hour).Unix()},
		{ID: active.String(), Reason: "new", BannedAt: now.Unix(), ExpiresAt: now.Add(time.Hour).Unix()},
		{ID: "permanent", Reason: "forever", BannedAt: now.Unix()},
	}
	for _, r := range recs {
		if err := bs.Put(r); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if err := db.Put([]byte(banKeyPrefix+"corrupt"), []byte{0xff, 0x00}); err != nil {
		t.Fatalf("Put corrupt: %v", err)
	}

	n, err := bs.PruneExpired()
	if err != nil {
		t.Fatalf("PruneExpired: %v", err)
	}
	if n != 2 {
		t.Errorf("pruned %d, want 2 (expired + corrupt)", n)
	}

	var left []string
	bs.ForEach(func(r *BanRecord) error {
		left = append(left, r.ID)
		return nil
	})
	if len(left) != 2 {
		t.Errorf("remaining = %v", left)
	}

	got, err := bs.Get(active)
	if err != nil || got.Reason != "new" {
		t.Errorf("Get(active) = %+v, %v", got, err)
	}
	if _, err := bs.Get(expired); err == nil {
		t.Error("expired record should be gone")
	}
}

func TestBanGater(t *testing.T) {
	bm := NewBanManager(nil, nil)
	g := &banGater{banMgr: bm}
	id := peer.ID("bad-peer")

	if !g.InterceptPeerDial(id) || !g.InterceptSecured(0, id, nil) {
		t.Fatal("should allow peer before ban")
	}

	bm.RecordOffense(id, PenaltyHandshakeFail, "bad")
	if g.InterceptPeerDial(id) {
		t.Error("should reject dial to banned peer")
	}
	if g.InterceptSecured(0, id, nil) {
		t.Error("should reject banned peer on secured connection")
	}
	if !g.InterceptAccept(nil) {
		t.Error("InterceptAccept should always allow")
	}
	if allow, reason := g.InterceptUpgraded(nil); !allow || reason != 0 {
		t.Errorf("InterceptUpgraded = %v, %d", allow, reason)
	}

	bm.Unban(id)
	if !g.InterceptPeerDial(id) {
		t.Error("should allow after unban")
	}
}

func TestBanManager_ScoreDecay(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	bm := NewBanManager(nil, nil)
	bm.now = func() time.Time { return now }
	id := peer.ID("flaky-peer")

	bm.RecordOffense(id, PenaltyInvalidPacket, "bad packet")
	bm.RecordOffense(id, PenaltyInvalidPacket, "bad packet")
	bm.RecordOffense(id, PenaltyInvalidPacket, "bad packet")
	if got := bm.Score(id); got != 75 {
		t.Fatalf("score = %d, want 75", got)
	}

	now = now.Add(3*time.Hour + 30*time.Minute)
	if got := bm.Score(id); got != 75-3*ScoreDecayPerHour {
		t.Errorf("score after 3.5h = %d, want %d", got, 75-3*ScoreDecayPerHour)
	}
	// 45 + 25 stays under the threshold that 75 + 25 would have reached.
	bm.RecordOffense(id, PenaltyInvalidPacket, "bad packet")
	if bm.IsBanned(id) {
		t.Error("decayed score should keep the peer under the threshold")
	}

	now = now.Add(24 * time.Hour)
	bm.prune()
	if got := bm.Score(id); got != 0 {
		t.Errorf("score after a day = %d, want 0", got)
	}
	if _, ok := bm.scores[id]; ok {
		t.Error("prune should drop fully decayed scores")
	}
}

func TestBanManager_ExpiryAndOrder(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	bm := NewBanManager(nil, nil)
	bm.now = func() time.Time { return now }

	bm.RecordOffense(peer.ID("second"), PenaltyHandshakeFail, "bad")
	now = now.Add(-time.Minute)
	bm.RecordOffense(peer.ID("first"), PenaltyHandshakeFail, "bad")
	now = now.Add(time.Minute)

	list := bm.BanList()
	if len(list) != 2 || list[0].ID != peer.ID("first").String() {
		t.Fatalf("BanList = %+v, want oldest first", list)
	}

	now = now.Add(BanDuration)
	if bm.IsBanned(peer.ID("second")) {
		t.Error("ban should lapse after BanDuration")
	}
	if got := len(bm.BanList()); got != 0 {
		t.Errorf("BanList after expiry = %d entries", got)
	}
	bm.prune()
	if len(bm.bans) != 0 {
		t.Errorf("prune left %d bans", len(bm.bans))
	}
}
