package token

import (
	"errors"
	"fmt"
	"testing"
)

func TestNewTelomere(t *testing.T) {
	tel, err := NewTelomere(mustID(t, "b", 1), "alice")
	if err != nil {
		t.Fatalf("NewTelomere: %v", err)
	}
	if tel.CurrentOwner != "alice" {
		t.Errorf("CurrentOwner = %q", tel.CurrentOwner)
	}
	if tel.HashPreviousOwner != HashOwner(GenesisOwner) {
		t.Error("genesis telomere should point at the GENESIS owner hash")
	}
	if len(tel.HashHistory) != 0 {
		t.Errorf("history length = %d, want 0", len(tel.HashHistory))
	}
	if err := tel.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
	if _, err := NewTelomere(mustID(t, "b", 1), ""); !errors.Is(err, ErrInvalidTelomere) {
		t.Errorf("empty owner err = %v", err)
	}
}

func TestTelomere_TransferOwnership(t *testing.T) {
	tel, _ := NewTelomere(mustID(t, "b", 1), "alice")
	if err := tel.TransferOwnership("bob", "tx-1"); err != nil {
		t.Fatalf("TransferOwnership: %v", err)
	}
	if tel.CurrentOwner != "bob" {
		t.Errorf("CurrentOwner = %q, want bob", tel.CurrentOwner)
	}
	if tel.HashPreviousOwner != HashOwner("alice") {
		t.Error("HashPreviousOwner should be the hash of the prior owner")
	}
	if len(tel.HashHistory) != 1 || tel.HashHistory[0] != HashOwner(GenesisOwner) {
		t.Errorf("history = %v, want [hash(GENESIS)]", tel.HashHistory)
	}
	if tel.LastTransactionID != "tx-1" {
		t.Errorf("LastTransactionID = %q", tel.LastTransactionID)
	}
	if !tel.VerifyPreviousOwnership("alice") {
		t.Error("alice should verify as a previous owner")
	}
	if tel.VerifyPreviousOwnership("mallory") {
		t.Error("mallory should not verify as a previous owner")
	}
}

func TestTelomere_TransferRejected(t *testing.T) {
	tel, _ := NewTelomere(mustID(t, "b", 1), "alice")
	before := tel.Clone()

	for _, owner := range []string{"", "alice"} {
		if err := tel.TransferOwnership(owner, "tx"); !errors.Is(err, ErrInvalidTransfer) {
			t.Errorf("TransferOwnership(%q) err = %v, want ErrInvalidTransfer", owner, err)
		}
	}
	if tel.CurrentOwner != before.CurrentOwner || tel.HashPreviousOwner != before.HashPreviousOwner ||
		len(tel.HashHistory) != len(before.HashHistory) || tel.LastTransactionID != before.LastTransactionID {
		t.Error("rejected transfer should leave the telomere unchanged")
	}
}

func TestTelomere_HistoryBounded(t *testing.T) {
	tel, _ := NewTelomere(mustID(t, "b", 1), "owner-0")
	for i := 1; i <= 25; i++ {
		if err := tel.TransferOwnership(fmt.Sprintf("owner-%d", i), fmt.Sprintf("tx-%d", i)); err != nil {
			t.Fatalf("transfer %d: %v", i, err)
		}
		if len(tel.HashHistory) > MaxHistory {
			t.Fatalf("history length %d exceeds %d", len(tel.HashHistory), MaxHistory)
		}
	}
	if len(tel.HashHistory) != MaxHistory {
		t.Errorf("history length = %d, want %d", len(tel.HashHistory), MaxHistory)
	}
	// After 25 transfers the previous owner is owner-24; history keeps
	// owner-14..owner-23 with the oldest first.
	if tel.HashPreviousOwner != HashOwner("owner-24") {
		t.Error("HashPreviousOwner should be owner-24")
	}
	if tel.HashHistory[0] != HashOwner("owner-14") || tel.HashHistory[MaxHistory-1] != HashOwner("owner-23") {
		t.Error("history should hold the most recent owners, oldest first")
	}
	if tel.VerifyPreviousOwnership("owner-3") {
		t.Error("evicted owner should no longer verify")
	}
	if !tel.VerifyPreviousOwnership("owner-14") {
		t.Error("retained owner should verify")
	}
	if err := tel.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestTelomere_OwnershipProof(t *testing.T) {
	tel, _ := NewTelomere(mustID(t, "b", 1), "alice")
	_ = tel.TransferOwnership("bob", "tx-1")
	_ = tel.TransferOwnership("carol", "tx-2")

	proof := tel.GenerateOwnershipProof(12345)
	if proof.TimestampMs != 12345 || proof.TokenID != tel.TokenID.ID {
		t.Errorf("proof header = %+v", proof)
	}
	want := []string{"carol", HashOwner("bob").String(), HashOwner(GenesisOwner).String(), HashOwner("alice").String()}
	if len(proof.OwnershipChain) != len(want) {
		t.Fatalf("chain length = %d, want %d", len(proof.OwnershipChain), len(want))
	}
	for i := range want {
		if proof.OwnershipChain[i] != want[i] {
			t.Errorf("chain[%d] = %s, want %s", i, proof.OwnershipChain[i], want[i])
		}
	}
	if !tel.VerifyOwnershipProof(proof) {
		t.Error("proof should verify against its telomere")
	}
	proof.OwnershipChain[0] = "mallory"
	if tel.VerifyOwnershipProof(proof) {
		t.Error("tampered proof should not verify")
	}
}

func TestTelomere_SupersededBy(t *testing.T) {
	old, _ := NewTelomere(mustID(t, "b", 1), "alice")
	newer := old.Clone()
	_ = newer.TransferOwnership("bob", "tx-1")

	if !old.SupersededBy(newer) {
		t.Error("post-transfer telomere should supersede the old one")
	}
	if newer.SupersededBy(old) {
		t.Error("old telomere should not supersede the newer one")
	}
	if old.SupersededBy(old.Clone()) {
		t.Error("identical telomere should not supersede itself")
	}
}

func TestTelomere_Validate(t *testing.T) {
	tel, _ := NewTelomere(mustID(t, "b", 1), "alice")
	bad := tel.Clone()
	bad.HashHistory = nil
	if err := bad.Validate(); !errors.Is(err, ErrInvalidTelomere) {
		t.Errorf("nil history err = %v", err)
	}
	bad = tel.Clone()
	bad.CurrentOwner = ""
	if err := bad.Validate(); !errors.Is(err, ErrInvalidTelomere) {
		t.Errorf("empty owner err = %v", err)
	}
}
