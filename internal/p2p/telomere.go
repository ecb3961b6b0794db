package p2p

import (
	"context"
	"errors"
	"fmt"
	"strings"

	record "github.com/libp2p/go-libp2p-record"

	klog "github.com/Klingon-tech/tokenwire/internal/log"
	"github.com/Klingon-tech/tokenwire/pkg/token"
)

// Telomere record errors.
var (
	ErrNoDHT         = errors.New("dht not running")
	ErrInvalidRecord = errors.New("invalid telomere record")
)

// TelomereValidator validates telomere records stored in the DHT under
// TelomereNamespace and picks the newest among conflicting values.
type TelomereValidator struct{}

var _ record.Validator = TelomereValidator{}

// Validate checks that value is a well-formed telomere for the token named
// by key.
func (TelomereValidator) Validate(key string, value []byte) error {
	_, err := decodeTelomereRecord(key, value)
	return err
}

// Select returns the index of the value no other value supersedes. Ties
// resolve to the longest history, then the first seen.
func (TelomereValidator) Select(key string, values [][]byte) (int, error) {
	if len(values) == 0 {
		return 0, fmt.Errorf("%w: no values", ErrInvalidRecord)
	}
	tels := make([]*token.Telomere, len(values))
	for i, v := range values {
		t, err := decodeTelomereRecord(key, v)
		if err == nil {
			tels[i] = t
		}
	}

	best := -1
	for i, t := range tels {
		if t == nil {
			continue
		}
		if best < 0 || tels[best].SupersededBy(t) ||
			!t.SupersededBy(tels[best]) && len(t.HashHistory) > len(tels[best].HashHistory) {
			best = i
		}
	}
	if best < 0 {
		return 0, fmt.Errorf("%w: no valid values", ErrInvalidRecord)
	}
	return best, nil
}

func decodeTelomereRecord(key string, value []byte) (*token.Telomere, error) {
	id, ok := strings.CutPrefix(key, "/"+TelomereNamespace+"/")
	if !ok || id == "" {
		return nil, fmt.Errorf("%w: bad key %q", ErrInvalidRecord, key)
	}
	t, err := token.Decode[token.Telomere](value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if t.TokenID.ID != id {
		return nil, fmt.Errorf("%w: key names %s, record holds %s", ErrInvalidRecord, id, t.TokenID.ID)
	}
	return t, nil
}

// PublishTelomere stores the telomere in the DHT so other peers can check a
// token's current owner.
func (n *Node) PublishTelomere(ctx context.Context, t *token.Telomere) error {
	if n.dht == nil {
		return ErrNoDHT
	}
	data, err := token.Encode(t)
	if err != nil {
		return err
	}
	if err := n.dht.PutValue(ctx, TelomereKey(t.TokenID.ID), data); err != nil {
		return fmt.Errorf("put telomere %s: %w", t.TokenID.ID, err)
	}
	klog.P2P.Debug().Str("token", t.TokenID.ID).Str("owner", t.CurrentOwner).Msg("Telomere published")
	return nil
}

// LookupTelomere fetches the newest telomere the DHT holds for tokenID.
func (n *Node) LookupTelomere(ctx context.Context, tokenID string) (*token.Telomere, error) {
	if n.dht == nil {
		return nil, ErrNoDHT
	}
	key := TelomereKey(tokenID)
	data, err := n.dht.GetValue(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get telomere %s: %w", tokenID, err)
	}
	return decodeTelomereRecord(key, data)
}
