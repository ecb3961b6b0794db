package token

import (
	"fmt"

	"github.com/Klingon-tech/tokenwire/pkg/crypto"
	"github.com/Klingon-tech/tokenwire/pkg/types"
)

// MaxHistory bounds the number of prior owner hashes a telomere retains.
const MaxHistory = 10

// GenesisOwner is the pseudo-owner hashed into every new telomere.
const GenesisOwner = "GENESIS"

// Telomere is the mutable ownership record of a token. Each transfer pushes
// the previous owner hash onto HashHistory (oldest first) and evicts from
// the front once MaxHistory is exceeded.
type Telomere struct {
	_                 struct{}     `cbor:",toarray"`
	TokenID           TokenID      `json:"tokenId"`
	CurrentOwner      string       `json:"currentOwner"`
	HashPreviousOwner types.Hash   `json:"hashPreviousOwner"`
	HashHistory       []types.Hash `json:"hashHistory"`
	LastTransactionID string       `json:"lastTransactionId,omitempty"`
}

// OwnershipProof is an auditable trail from the present owner back through
// prior owner hashes.
type OwnershipProof struct {
	TokenID        string   `json:"tokenId"`
	TimestampMs    int64    `json:"timestamp"`
	OwnershipChain []string `json:"ownershipChain"`
}

// HashOwner returns the 256-bit digest of an owner identifier.
func HashOwner(owner string) types.Hash {
	return crypto.HashString(owner)
}

// NewTelomere creates a genesis telomere owned by initialOwner.
func NewTelomere(id TokenID, initialOwner string) (*Telomere, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if initialOwner == "" {
		return nil, fmt.Errorf("%w: empty initial owner", ErrInvalidTelomere)
	}
	return &Telomere{
		TokenID:           id,
		CurrentOwner:      initialOwner,
		HashPreviousOwner: HashOwner(GenesisOwner),
		HashHistory:       []types.Hash{},
	}, nil
}

// TransferOwnership hands the token to newOwner. It fails without mutating
// the telomere when newOwner is empty or already the current owner.
func (t *Telomere) TransferOwnership(newOwner, transactionID string) error {
	if newOwner == "" {
		return fmt.Errorf("%w: empty new owner", ErrInvalidTransfer)
	}
	if newOwner == t.CurrentOwner {
		return fmt.Errorf("%w: new owner equals current owner", ErrInvalidTransfer)
	}

	t.HashHistory = append(t.HashHistory, t.HashPreviousOwner)
	if over := len(t.HashHistory) - MaxHistory; over > 0 {
		// Front-trim into a fresh slice so the evicted prefix can be collected.
		trimmed := make([]types.Hash, MaxHistory, MaxHistory+1)
		copy(trimmed, t.HashHistory[over:])
		t.HashHistory = trimmed
	}
	t.HashPreviousOwner = HashOwner(t.CurrentOwner)
	t.CurrentOwner = newOwner
	t.LastTransactionID = transactionID
	return nil
}

// VerifyPreviousOwnership reports whether candidate owned the token at some
// point still covered by the retained history.
func (t *Telomere) VerifyPreviousOwnership(candidate string) bool {
	h := HashOwner(candidate)
	if h == t.HashPreviousOwner {
		return true
	}
	for _, prev := range t.HashHistory {
		if prev == h {
			return true
		}
	}
	return false
}

// GenerateOwnershipProof returns [currentOwner, hashPreviousOwner, ...history].
func (t *Telomere) GenerateOwnershipProof(nowMs int64) OwnershipProof {
	chain := make([]string, 0, 2+len(t.HashHistory))
	chain = append(chain, t.CurrentOwner, t.HashPreviousOwner.String())
	for _, h := range t.HashHistory {
		chain = append(chain, h.String())
	}
	return OwnershipProof{
		TokenID:        t.TokenID.ID,
		TimestampMs:    nowMs,
		OwnershipChain: chain,
	}
}

// VerifyOwnershipProof checks that proof describes this telomere's chain.
func (t *Telomere) VerifyOwnershipProof(p OwnershipProof) bool {
	want := t.GenerateOwnershipProof(p.TimestampMs)
	if p.TokenID != want.TokenID || len(p.OwnershipChain) != len(want.OwnershipChain) {
		return false
	}
	for i := range want.OwnershipChain {
		if p.OwnershipChain[i] != want.OwnershipChain[i] {
			return false
		}
	}
	return true
}

// SupersededBy reports whether other is a later state of the same chain,
// i.e. this telomere's current owner appears in other's retained history.
func (t *Telomere) SupersededBy(other *Telomere) bool {
	if other.TokenID.ID != t.TokenID.ID || other.CurrentOwner == t.CurrentOwner && other.HashPreviousOwner == t.HashPreviousOwner {
		return false
	}
	return other.VerifyPreviousOwnership(t.CurrentOwner) && len(other.HashHistory) >= len(t.HashHistory)
}

// Validate checks the telomere invariants.
func (t *Telomere) Validate() error {
	if err := t.TokenID.Validate(); err != nil {
		return err
	}
	switch {
	case t.CurrentOwner == "":
		return fmt.Errorf("%w: empty current owner", ErrInvalidTelomere)
	case t.HashPreviousOwner.IsZero():
		return fmt.Errorf("%w: empty previous owner hash", ErrInvalidTelomere)
	case t.HashHistory == nil:
		return fmt.Errorf("%w: missing hash history", ErrInvalidTelomere)
	case len(t.HashHistory) > MaxHistory:
		return fmt.Errorf("%w: history length %d exceeds %d", ErrInvalidTelomere, len(t.HashHistory), MaxHistory)
	}
	return nil
}

// Clone returns a deep copy.
func (t *Telomere) Clone() *Telomere {
	c := *t
	c.HashHistory = append(make([]types.Hash, 0, len(t.HashHistory)), t.HashHistory...)
	return &c
}
