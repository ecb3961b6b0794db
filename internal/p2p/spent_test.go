package p2p

import (
	"errors"
	"testing"

	"github.com/Klingon-tech/tokenwire/pkg/crypto"
)

func TestSpentNotice_SignVerify(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	n, err := NewSpentNotice(key, "tx-1", []string{"a", "b"}, 1000)
	if err != nil {
		t.Fatalf("NewSpentNotice: %v", err)
	}
	if n.Spender != key.OwnerID() {
		t.Errorf("Spender = %s, want %s", n.Spender, key.OwnerID())
	}
	v := crypto.SchnorrVerifier{}
	if err := n.Verify(v); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	tampered := *n
	tampered.TokenIDs = []string{"a", "c"}
	if err := tampered.Verify(v); !errors.Is(err, ErrBadNotice) {
		t.Errorf("tampered ids err = %v", err)
	}

	other, _ := crypto.GenerateKey()
	tampered = *n
	tampered.Spender = other.OwnerID()
	if err := tampered.Verify(v); !errors.Is(err, ErrBadNotice) {
		t.Errorf("wrong spender err = %v", err)
	}

	tampered = *n
	tampered.TokenIDs = nil
	if err := tampered.Verify(v); !errors.Is(err, ErrBadNotice) {
		t.Errorf("empty notice err = %v", err)
	}
}
