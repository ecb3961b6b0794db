package exchange

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/Klingon-tech/tokenwire/pkg/crypto"
	"github.com/Klingon-tech/tokenwire/pkg/token"
	"github.com/Klingon-tech/tokenwire/pkg/types"
)

// DefaultRollbackTimeout is how long a RetroPak holder waits for commit
// before replaying its rollback plan.
const DefaultRollbackTimeout = 30 * time.Second

// StepRestore restores tokens to their pre-transaction owner and status.
const StepRestore = "RESTORE"

// RollbackStep is one signed rollback instruction.
type RollbackStep struct {
	_     struct{}       `cbor:",toarray"`
	Type  string         `json:"type"`
	Data  []byte         `json:"data"`
	Proof types.HexBytes `json:"proof,omitempty"`
}

// RollbackPlan is the ordered set of steps a RetroPak holder replays.
type RollbackPlan struct {
	_         struct{}       `cbor:",toarray"`
	Steps     []RollbackStep `json:"steps"`
	TimeoutMs int64          `json:"timeoutMs"`
	Proof     types.HexBytes `json:"proof,omitempty"`
}

// RestoreEntry is the pre-transaction state of one token.
type RestoreEntry struct {
	_       struct{}     `cbor:",toarray"`
	TokenID string       `json:"tokenId"`
	Owner   string       `json:"owner"`
	Status  token.Status `json:"status"`
}

// TelomereSource looks up the telomere of a held token. It returns nil
// when the token has no known telomere.
type TelomereSource interface {
	Telomere(tokenID string) (*token.Telomere, error)
}

// Holdings is the token and telomere state a rollback replay mutates.
// Token returns nil when the token is not held.
type Holdings interface {
	TelomereSource
	Token(tokenID string) (*token.Token, error)
	PutToken(t *token.Token) error
	PutTelomere(t *token.Telomere) error
}

// buildRollbackPlan records the pre-transaction state of every token in
// pool as a single RESTORE step. When signer is nil the plan is left
// unsigned; the holder signs its own plan.
func buildRollbackPlan(txID, owner string, pool []*token.Token, timeout time.Duration, signer crypto.Signer) (RollbackPlan, error) {
	entries := make([]RestoreEntry, len(pool))
	for i, t := range pool {
		entries[i] = RestoreEntry{TokenID: t.Key(), Owner: owner, Status: token.StatusActive}
		if t.Status != token.StatusReserved {
			entries[i].Status = t.Status
		}
	}
	data, err := types.Cbor.Marshal(entries)
	if err != nil {
		return RollbackPlan{}, fmt.Errorf("%w: encode restore step: %v", ErrInternal, err)
	}
	plan := RollbackPlan{
		Steps:     []RollbackStep{{Type: StepRestore, Data: data}},
		TimeoutMs: timeout.Milliseconds(),
	}
	if signer == nil {
		return plan, nil
	}
	for i := range plan.Steps {
		digest := stepDigest(txID, &plan.Steps[i])
		if plan.Steps[i].Proof, err = signer.Sign(digest[:]); err != nil {
			return RollbackPlan{}, fmt.Errorf("%w: sign rollback step: %v", ErrInternal, err)
		}
	}
	digest := planDigest(txID, &plan)
	if plan.Proof, err = signer.Sign(digest[:]); err != nil {
		return RollbackPlan{}, fmt.Errorf("%w: sign rollback plan: %v", ErrInternal, err)
	}
	return plan, nil
}

func stepDigest(txID string, s *RollbackStep) types.Hash {
	return crypto.HashParts([]byte("tokenwire/rollback-step"), []byte(txID), []byte(s.Type), s.Data)
}

func planDigest(txID string, p *RollbackPlan) types.Hash {
	var timeout [8]byte
	binary.LittleEndian.PutUint64(timeout[:], uint64(p.TimeoutMs))
	parts := [][]byte{[]byte("tokenwire/rollback-plan"), []byte(txID), timeout[:]}
	for i := range p.Steps {
		parts = append(parts, p.Steps[i].Proof)
	}
	return crypto.HashParts(parts...)
}

// VerifyRollbackPlan checks every step proof and the plan proof against the
// holder's hex-encoded public key.
func VerifyRollbackPlan(txID string, p *RollbackPlan, v crypto.Verifier, holderKey string) error {
	pub, err := hex.DecodeString(holderKey)
	if err != nil {
		return fmt.Errorf("%w: holder key: %v", ErrValidationFailed, err)
	}
	for i := range p.Steps {
		d := stepDigest(txID, &p.Steps[i])
		if !v.Verify(d[:], p.Steps[i].Proof, pub) {
			return fmt.Errorf("%w: rollback step %d proof", ErrValidationFailed, i)
		}
	}
	d := planDigest(txID, p)
	if !v.Verify(d[:], p.Proof, pub) {
		return fmt.Errorf("%w: rollback plan proof", ErrValidationFailed)
	}
	return nil
}

// Replay applies a RetroPak's rollback plan to h. Tokens return to their
// recorded status. Telomeres that moved during the transaction are handed
// back to the recorded owner with a compensating transfer, so the chain
// keeps a record of the reversal. When v is non-nil the plan proofs are
// verified against holderKey first. Replay returns the number of tokens it
// changed and is safe to repeat.
func Replay(txID string, retro *RetroPak, h Holdings, v crypto.Verifier, holderKey string) (int, error) {
	if retro == nil {
		return 0, fmt.Errorf("%w: no retro packet", ErrValidationFailed)
	}
	if v != nil {
		if err := VerifyRollbackPlan(txID, &retro.Rollback, v, holderKey); err != nil {
			return 0, err
		}
	}

	restored := 0
	for i, step := range retro.Rollback.Steps {
		if step.Type != StepRestore {
			return restored, fmt.Errorf("%w: unknown rollback step %q at %d", ErrValidationFailed, step.Type, i)
		}
		var entries []RestoreEntry
		if err := types.Cbor.Unmarshal(step.Data, &entries); err != nil {
			return restored, fmt.Errorf("%w: decode rollback step %d: %v", ErrValidationFailed, i, err)
		}
		for _, e := range entries {
			changed, err := restoreOne(txID, e, h)
			if err != nil {
				return restored, err
			}
			if changed {
				restored++
			}
		}
	}
	return restored, nil
}

func restoreOne(txID string, e RestoreEntry, h Holdings) (bool, error) {
	changed := false

	tok, err := h.Token(e.TokenID)
	if err != nil {
		return false, fmt.Errorf("%w: load token %s: %v", ErrInternal, e.TokenID, err)
	}
	if tok != nil && tok.Status != e.Status {
		tok.Status = e.Status
		if err := h.PutToken(tok); err != nil {
			return false, fmt.Errorf("%w: store token %s: %v", ErrInternal, e.TokenID, err)
		}
		changed = true
	}

	tel, err := h.Telomere(e.TokenID)
	if err != nil {
		return changed, fmt.Errorf("%w: load telomere %s: %v", ErrInternal, e.TokenID, err)
	}
	if tel != nil && tel.CurrentOwner != e.Owner {
		if err := tel.TransferOwnership(e.Owner, txID+"/rollback"); err != nil {
			return changed, fmt.Errorf("%w: restore owner of %s: %v", ErrInternal, e.TokenID, err)
		}
		if err := h.PutTelomere(tel); err != nil {
			return changed, fmt.Errorf("%w: store telomere %s: %v", ErrInternal, e.TokenID, err)
		}
		changed = true
	}
	return changed, nil
}
