package exchange

import (
	"encoding/binary"
	"fmt"

	"github.com/Klingon-tech/tokenwire/pkg/crypto"
	"github.com/Klingon-tech/tokenwire/pkg/token"
	"github.com/Klingon-tech/tokenwire/pkg/types"
)

// PakStatus is the delivery status of a packet.
type PakStatus uint8

// Packet statuses.
const (
	PakCreated PakStatus = iota
	PakSent
	PakReceived
	PakCommitted
)

var pakStatusNames = [...]string{"CREATED", "SENT", "RECEIVED", "COMMITTED"}

// String returns the status name.
func (s PakStatus) String() string {
	if int(s) < len(pakStatusNames) {
		return pakStatusNames[s]
	}
	return fmt.Sprintf("PakStatus(%d)", uint8(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s PakStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *PakStatus) UnmarshalText(text []byte) error {
	for i, n := range pakStatusNames {
		if n == string(text) {
			*s = PakStatus(i)
			return nil
		}
	}
	return fmt.Errorf("unknown packet status %q", text)
}

// PacketKind distinguishes the two packet shapes.
type PacketKind uint8

// Packet kinds.
const (
	KindExo PacketKind = iota
	KindRetro
)

// Packet is the shape shared by ExoPak and RetroPak.
type Packet interface {
	Header() *Pak
	Kind() PacketKind
}

// Pak holds the fields common to every packet.
type Pak struct {
	ID       string            `json:"id"`
	Status   PakStatus         `json:"status"`
	Tokens   []*token.Token    `json:"tokens"`
	Proof    types.HexBytes    `json:"proof,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Digest binds the packet id and the identities of its tokens. It does not
// cover Status so it stays stable as the packet moves through the protocol.
func (p *Pak) Digest() types.Hash {
	if p == nil {
		return crypto.HashParts()
	}
	parts := make([][]byte, 0, 1+2*len(p.Tokens))
	parts = append(parts, []byte(p.ID))
	for _, t := range p.Tokens {
		var d [2]byte
		binary.LittleEndian.PutUint16(d[:], uint16(t.Denomination))
		parts = append(parts, []byte(t.Key()), d[:])
	}
	return crypto.HashParts(parts...)
}

// Sum returns the total face value of the packet's tokens.
func (p *Pak) Sum() uint64 {
	if p == nil {
		return 0
	}
	return token.Sum(p.Tokens)
}

// Seal records the digest as the packet proof.
func (p *Pak) Seal() {
	d := p.Digest()
	p.Proof = d.Bytes()
}

// Sealed reports whether Proof matches the current contents.
func (p *Pak) Sealed() bool {
	d := p.Digest()
	return len(p.Proof) == len(d) && types.Hash(p.Proof) == d
}

func (p *Pak) setTokenStatus(s token.Status) {
	for _, t := range p.Tokens {
		t.Status = s
	}
}

func (p Pak) clone() Pak {
	c := p
	c.Tokens = cloneTokens(p.Tokens)
	c.Proof = cloneBytes(p.Proof)
	if p.Metadata != nil {
		c.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// ExoPak is the bundle of tokens one side sends, together with the
// telomeres proving the sender owns them.
type ExoPak struct {
	Pak
	Telomeres []*token.Telomere `json:"telomeres,omitempty"`
}

// Header implements Packet.
func (p *ExoPak) Header() *Pak { return &p.Pak }

// Kind implements Packet.
func (p *ExoPak) Kind() PacketKind { return KindExo }

// Clone returns a deep copy. A nil receiver yields nil.
func (p *ExoPak) Clone() *ExoPak {
	if p == nil {
		return nil
	}
	c := &ExoPak{Pak: p.Pak.clone()}
	if p.Telomeres != nil {
		c.Telomeres = make([]*token.Telomere, len(p.Telomeres))
		for i, t := range p.Telomeres {
			c.Telomeres[i] = t.Clone()
		}
	}
	return c
}

// RetroPak is the bundle of tokens one side keeps, together with the
// signed instructions that restore its exposure if the exchange fails.
type RetroPak struct {
	Pak
	Rollback RollbackPlan `json:"rollbackInstructions"`
}

// Header implements Packet.
func (p *RetroPak) Header() *Pak { return &p.Pak }

// Kind implements Packet.
func (p *RetroPak) Kind() PacketKind { return KindRetro }

// Clone returns a deep copy. A nil receiver yields nil.
func (p *RetroPak) Clone() *RetroPak {
	if p == nil {
		return nil
	}
	c := &RetroPak{Pak: p.Pak.clone(), Rollback: p.Rollback}
	c.Rollback.Proof = cloneBytes(p.Rollback.Proof)
	c.Rollback.Steps = make([]RollbackStep, len(p.Rollback.Steps))
	for i, s := range p.Rollback.Steps {
		c.Rollback.Steps[i] = RollbackStep{Type: s.Type, Data: cloneBytes(s.Data), Proof: cloneBytes(s.Proof)}
	}
	return c
}

func cloneTokens(ts []*token.Token) []*token.Token {
	if ts == nil {
		return nil
	}
	out := make([]*token.Token, len(ts))
	for i, t := range ts {
		out[i] = t.Clone()
	}
	return out
}

// partition splits pool into the tokens named by selected, in selected's
// order, and the rest in pool order. Every token is cloned from pool.
func partition(pool, selected []*token.Token) (picked, kept []*token.Token) {
	byKey := make(map[string]*token.Token, len(pool))
	for _, t := range pool {
		byKey[t.Key()] = t
	}
	used := make(map[string]struct{}, len(selected))
	for _, s := range selected {
		t, ok := byKey[s.Key()]
		if !ok {
			continue
		}
		if _, dup := used[s.Key()]; dup {
			continue
		}
		used[s.Key()] = struct{}{}
		picked = append(picked, t.Clone())
	}
	for _, t := range pool {
		if _, ok := used[t.Key()]; !ok {
			kept = append(kept, t.Clone())
		}
	}
	return picked, kept
}
