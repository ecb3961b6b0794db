package node

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Klingon-tech/tokenwire/pkg/token"
)

// Buffer errors.
var (
	ErrNotOwner       = errors.New("token not owned by this node")
	ErrBufferMissing  = errors.New("no rounding buffer for token")
	ErrBufferTransfer = errors.New("buffer transfer refused")
)

// Issue mints tokens worth amount to this node, split into the largest
// denominations first. A positive ttl sets their expiry.
func (n *Node) Issue(amount uint64, ttl time.Duration) ([]*token.Token, error) {
	if amount == 0 {
		return nil, fmt.Errorf("issue amount must be positive")
	}
	now := n.clock.NowMs()
	issuance := uuid.NewString()
	denoms := decompose(amount)
	tokens := make([]*token.Token, 0, len(denoms))
	for i, d := range denoms {
		id, err := token.NewTokenID(issuance, uint64(i), now)
		if err != nil {
			return nil, err
		}
		t, err := token.New(id, d, n.owner)
		if err != nil {
			return nil, err
		}
		if ttl > 0 {
			t.WithExpiry(now + ttl.Milliseconds())
		}
		tokens = append(tokens, t)
	}
	if err := n.ledger.Mint(tokens, n.owner); err != nil {
		return nil, err
	}
	n.logger.Info().
		Str("issuance", issuance).
		Uint64("amount", amount).
		Int("tokens", len(tokens)).
		Msg("Tokens issued")
	return tokens, nil
}

// OpenBuffer starts a rounding buffer on a denomination-1 token this node
// owns.
func (n *Node) OpenBuffer(tokenID string) (*token.RoundingBuffer, error) {
	if rb, err := n.ledger.Buffer(tokenID); err != nil || rb != nil {
		return rb, err
	}
	base, err := n.ownedToken(tokenID)
	if err != nil {
		return nil, err
	}
	rb, err := token.NewRoundingBuffer(base)
	if err != nil {
		return nil, err
	}
	if err := n.ledger.PutBuffer(rb); err != nil {
		return nil, err
	}
	return rb, nil
}

// AddToBuffer adds a fractional amount to the buffer on tokenID. Whole
// units that overflow are minted as new denomination-1 tokens.
func (n *Node) AddToBuffer(tokenID string, amount float64, txID string) (*token.RoundingBuffer, []*token.Token, error) {
	rb, err := n.buffer(tokenID)
	if err != nil {
		return nil, nil, err
	}
	carry, err := rb.AddToBuffer(amount, txID)
	if err != nil {
		return nil, nil, err
	}
	return n.settleBuffers(carry, rb)
}

// RemoveFromBuffer subtracts amount from the buffer on tokenID.
func (n *Node) RemoveFromBuffer(tokenID string, amount float64, txID string) (*token.RoundingBuffer, error) {
	rb, err := n.buffer(tokenID)
	if err != nil {
		return nil, err
	}
	if !rb.RemoveFromBuffer(amount, txID) {
		return nil, fmt.Errorf("%w: cannot remove %v from %v", ErrBufferTransfer, amount, rb.Buffer())
	}
	if err := n.ledger.PutBuffer(rb); err != nil {
		return nil, err
	}
	return rb, nil
}

// TransferBuffer moves amount between two buffers held by this node.
func (n *Node) TransferBuffer(fromID, toID string, amount float64, txID string) (*token.RoundingBuffer, []*token.Token, error) {
	src, err := n.buffer(fromID)
	if err != nil {
		return nil, nil, err
	}
	dst, err := n.buffer(toID)
	if err != nil {
		return nil, nil, err
	}
	carry, ok := token.TransferBuffer(src, dst, amount, txID)
	if !ok {
		return nil, nil, fmt.Errorf("%w: cannot move %v from %v", ErrBufferTransfer, amount, src.Buffer())
	}
	if err := n.ledger.PutBuffer(src); err != nil {
		return nil, nil, err
	}
	return n.settleBuffers(carry, dst)
}

func (n *Node) settleBuffers(carry int64, rb *token.RoundingBuffer) (*token.RoundingBuffer, []*token.Token, error) {
	if err := n.ledger.PutBuffer(rb); err != nil {
		return nil, nil, err
	}
	if carry == 0 {
		return rb, nil, nil
	}
	minted, err := n.mintUnits(carry)
	if err != nil {
		return rb, nil, fmt.Errorf("mint buffer carry: %w", err)
	}
	return rb, minted, nil
}

func (n *Node) mintUnits(count int64) ([]*token.Token, error) {
	now := n.clock.NowMs()
	issuance := uuid.NewString()
	tokens := make([]*token.Token, 0, count)
	for i := int64(0); i < count; i++ {
		id, err := token.NewTokenID(issuance, uint64(i), now)
		if err != nil {
			return nil, err
		}
		t, err := token.New(id, token.D1, n.owner)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, n.ledger.Mint(tokens, n.owner)
}

func (n *Node) buffer(tokenID string) (*token.RoundingBuffer, error) {
	rb, err := n.ledger.Buffer(tokenID)
	if err != nil {
		return nil, err
	}
	if rb == nil {
		return nil, fmt.Errorf("%w: %s", ErrBufferMissing, tokenID)
	}
	return rb, nil
}

func (n *Node) ownedToken(tokenID string) (*token.Token, error) {
	t, err := n.ledger.Token(tokenID)
	if err != nil {
		return nil, err
	}
	tel, err := n.ledger.Telomere(tokenID)
	if err != nil {
		return nil, err
	}
	if t == nil || tel == nil || tel.CurrentOwner != n.owner {
		return nil, fmt.Errorf("%w: %s", ErrNotOwner, tokenID)
	}
	return t, nil
}
