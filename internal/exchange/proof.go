package exchange

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/Klingon-tech/tokenwire/pkg/crypto"
	"github.com/Klingon-tech/tokenwire/pkg/types"
)

func exoDigest(p *ExoPak) types.Hash {
	if p == nil {
		return crypto.HashParts()
	}
	return p.Digest()
}

// commitmentDigest is what a party signs to commit to a transaction: the
// transaction id, its own role, the agreed amounts and both ExoPaks.
func commitmentDigest(tx *Transaction, role Role) types.Hash {
	var amounts [16]byte
	binary.LittleEndian.PutUint64(amounts[:8], tx.Context.Amount)
	binary.LittleEndian.PutUint64(amounts[8:], tx.Context.Constraints.ReverseAmount)
	sender := exoDigest(tx.SenderExoPak)
	receiver := exoDigest(tx.ReceiverExoPak)
	return crypto.HashParts(
		[]byte("tokenwire/commit"),
		[]byte(tx.ID),
		[]byte{byte(role)},
		amounts[:],
		sender[:],
		receiver[:],
	)
}

func atomicDigest(tx *Transaction) types.Hash {
	return crypto.HashParts(
		[]byte("tokenwire/atomic"),
		[]byte(tx.ID),
		tx.Proofs.SenderCommitment,
		tx.Proofs.ReceiverCommitment,
	)
}

func transactionDigest(tx *Transaction) types.Hash {
	commit := commitmentDigest(tx, tx.Role)
	atomic := atomicDigest(tx)
	return crypto.HashConcat(commit, atomic)
}

func partyKey(tx *Transaction, role Role) string {
	if role == RoleReceiver {
		return tx.Context.ReceiverPublicKey
	}
	return tx.Context.SenderPublicKey
}

// VerifyCommitmentProof reports whether proof is role's signature over this
// exact transaction. A proof made for any other transaction id, amount or
// packet set is rejected.
func VerifyCommitmentProof(v crypto.Verifier, proof []byte, tx *Transaction, role Role) bool {
	if tx == nil || len(proof) == 0 {
		return false
	}
	pub, err := hex.DecodeString(partyKey(tx, role))
	if err != nil || len(pub) == 0 {
		return false
	}
	d := commitmentDigest(tx, role)
	return v.Verify(d[:], proof, pub)
}

// VerifyAtomicProof checks the sender's signature binding both commitment
// proofs.
func VerifyAtomicProof(v crypto.Verifier, tx *Transaction) bool {
	pub, err := hex.DecodeString(tx.Context.SenderPublicKey)
	if err != nil || len(tx.Proofs.AtomicCommitment) == 0 {
		return false
	}
	d := atomicDigest(tx)
	return v.Verify(d[:], tx.Proofs.AtomicCommitment, pub)
}
