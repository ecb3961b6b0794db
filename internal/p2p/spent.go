package p2p

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	klog "github.com/Klingon-tech/tokenwire/internal/log"
	"github.com/Klingon-tech/tokenwire/pkg/crypto"
	"github.com/Klingon-tech/tokenwire/pkg/types"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
)

// maxNoticeSize bounds a gossiped spent notice.
const maxNoticeSize = 64 << 10

// ErrBadNotice is returned for spent notices that fail verification.
var ErrBadNotice = errors.New("invalid spent notice")

// SpentNotice announces that Spender handed TokenIDs to another owner in
// TransactionID. Peers use it to refuse tokens offered a second time.
type SpentNotice struct {
	_             struct{} `cbor:",toarray"`
	TokenIDs      []string
	TransactionID string
	Spender       string // hex public key
	TimestampMs   int64
	Signature     []byte
}

func (s *SpentNotice) digest() types.Hash {
	var ts [8]byte
	binary.LittleEndian.PutUint64(ts[:], uint64(s.TimestampMs))
	parts := [][]byte{[]byte("tokenwire/spent"), []byte(s.TransactionID), []byte(s.Spender), ts[:]}
	for _, id := range s.TokenIDs {
		parts = append(parts, []byte(id))
	}
	return crypto.HashParts(parts...)
}

// NewSpentNotice builds and signs a notice for tokenIDs.
func NewSpentNotice(signer crypto.Signer, txID string, tokenIDs []string, nowMs int64) (*SpentNotice, error) {
	s := &SpentNotice{
		TokenIDs:      tokenIDs,
		TransactionID: txID,
		Spender:       hex.EncodeToString(signer.PublicKey()),
		TimestampMs:   nowMs,
	}
	d := s.digest()
	sig, err := signer.Sign(d[:])
	if err != nil {
		return nil, fmt.Errorf("sign spent notice: %w", err)
	}
	s.Signature = sig
	return s, nil
}

// Verify checks the notice signature against Spender.
func (s *SpentNotice) Verify(v crypto.Verifier) error {
	if len(s.TokenIDs) == 0 || s.TransactionID == "" {
		return fmt.Errorf("%w: empty", ErrBadNotice)
	}
	pub, err := hex.DecodeString(s.Spender)
	if err != nil {
		return fmt.Errorf("%w: spender key: %v", ErrBadNotice, err)
	}
	d := s.digest()
	if !v.Verify(d[:], s.Signature, pub) {
		return fmt.Errorf("%w: signature", ErrBadNotice)
	}
	return nil
}

// SetSpentHandler registers a callback for verified spent notices.
func (n *Node) SetSpentHandler(fn func(from peer.ID, notice *SpentNotice)) {
	n.mu.Lock()
	n.spentHandler = fn
	n.mu.Unlock()
}

// PublishSpent gossips a spent notice.
func (n *Node) PublishSpent(notice *SpentNotice) error {
	if n.topicSpent == nil {
		return ErrNotStarted
	}
	data, err := types.Cbor.Marshal(notice)
	if err != nil {
		return fmt.Errorf("encode spent notice: %w", err)
	}
	return n.topicSpent.Publish(n.ctx, data)
}

func (n *Node) handleSpentMessage(msg *pubsub.Message) {
	defer func() {
		if r := recover(); r != nil {
			klog.P2P.Error().Interface("panic", r).Msg("Spent handler panicked")
		}
	}()

	from := msg.ReceivedFrom
	n.addPeer(from)

	var notice SpentNotice
	err := types.Cbor.Unmarshal(msg.Data, &notice)
	if err == nil {
		err = notice.Verify(n.verifier)
	}
	if err != nil {
		klog.P2P.Debug().Err(err).Str("peer", shortID(from)).Msg("Dropping spent notice")
		if n.BanManager != nil {
			n.BanManager.RecordOffense(from, PenaltyInvalidNotice, err.Error())
		}
		return
	}

	n.mu.RLock()
	fn := n.spentHandler
	n.mu.RUnlock()
	if fn != nil {
		fn(from, &notice)
	}
}
