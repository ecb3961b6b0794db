// Package token implements the tokenwire value-unit data model.
//
// A Token is a fixed-denomination unit identified by a TokenID. Its
// ownership is tracked by a Telomere, a hash-chained record that rotates
// with every transfer. A RoundingBuffer wraps a denomination-1 token and
// accumulates fractional remainders across transactions.
package token

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/Klingon-tech/tokenwire/pkg/crypto"
)

// Token errors.
var (
	ErrInvalidDenomination = errors.New("invalid denomination")
	ErrInvalidTokenID      = errors.New("invalid token id")
	ErrInvalidTransfer     = errors.New("invalid ownership transfer")
	ErrInvalidTelomere     = errors.New("invalid telomere")
	ErrNegativeAmount      = errors.New("negative amount")
	ErrAmountTooLarge      = errors.New("amount too large")
	ErrInsufficientBuffer  = errors.New("insufficient rounding buffer")
	ErrBufferOutOfRange    = errors.New("rounding buffer out of range")
	ErrInvalidStatus       = errors.New("invalid token status")
)

// Denomination is the face value of a token.
type Denomination uint16

// Allowed denominations. The set is closed.
const (
	D1   Denomination = 1
	D2   Denomination = 2
	D5   Denomination = 5
	D10  Denomination = 10
	D20  Denomination = 20
	D50  Denomination = 50
	D100 Denomination = 100
	D200 Denomination = 200
	D500 Denomination = 500
)

// Denominations lists every allowed denomination in ascending order.
var Denominations = [...]Denomination{D1, D2, D5, D10, D20, D50, D100, D200, D500}

// NumDenominations is the size of the closed denomination set.
const NumDenominations = len(Denominations)

// Valid reports whether d is in the closed denomination set.
func (d Denomination) Valid() bool {
	return d.Index() >= 0
}

// Index returns the position of d in Denominations, or -1.
func (d Denomination) Index() int {
	for i, v := range Denominations {
		if v == d {
			return i
		}
	}
	return -1
}

// ParseDenomination validates a raw value.
func ParseDenomination(v uint64) (Denomination, error) {
	if v > 500 || !Denomination(v).Valid() {
		return 0, fmt.Errorf("%w: %d", ErrInvalidDenomination, v)
	}
	return Denomination(v), nil
}

// Status is the lifecycle state of a token.
type Status uint8

// Token statuses.
const (
	StatusActive Status = iota
	StatusReserved
	StatusSpent
	StatusExpired
)

var statusNames = [...]string{"ACTIVE", "RESERVED", "SPENT", "EXPIRED"}

// String returns the status name.
func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	if int(s) >= len(statusNames) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidStatus, uint8(s))
	}
	return []byte(statusNames[s]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	name := strings.ToUpper(string(text))
	for i, n := range statusNames {
		if n == name {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrInvalidStatus, text)
}

// TokenID is the immutable identity of a token.
type TokenID struct {
	_              struct{} `cbor:",toarray"`
	ID             string   `json:"id"`
	IssuanceID     string   `json:"issuanceId"`
	SequenceNumber uint64   `json:"sequenceNumber"`
	CreationTimeMs int64    `json:"creationTimeMs"`
}

// NewTokenID derives a TokenID for the given issuance batch and sequence.
// ID = hex(BLAKE3(issuanceID || seq || creationTimeMs)).
func NewTokenID(issuanceID string, seq uint64, creationTimeMs int64) (TokenID, error) {
	if issuanceID == "" {
		return TokenID{}, fmt.Errorf("%w: empty issuance id", ErrInvalidTokenID)
	}
	if creationTimeMs <= 0 {
		return TokenID{}, fmt.Errorf("%w: creation time must be positive", ErrInvalidTokenID)
	}
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], seq)
	binary.LittleEndian.PutUint64(buf[8:], uint64(creationTimeMs))
	id := crypto.HashParts([]byte(issuanceID), buf[:])
	return TokenID{
		ID:             id.String(),
		IssuanceID:     issuanceID,
		SequenceNumber: seq,
		CreationTimeMs: creationTimeMs,
	}, nil
}

// String returns the canonical form "{issuanceId}-{sequence:06d}".
func (id TokenID) String() string {
	return fmt.Sprintf("%s-%06d", id.IssuanceID, id.SequenceNumber)
}

// Validate checks the identity invariants.
func (id TokenID) Validate() error {
	switch {
	case id.ID == "":
		return fmt.Errorf("%w: empty id", ErrInvalidTokenID)
	case id.IssuanceID == "":
		return fmt.Errorf("%w: empty issuance id", ErrInvalidTokenID)
	case id.CreationTimeMs <= 0:
		return fmt.Errorf("%w: creation time must be positive", ErrInvalidTokenID)
	}
	return nil
}

// Token is a value unit of fixed denomination.
type Token struct {
	_              struct{}     `cbor:",toarray"`
	ID             TokenID      `json:"tokenId"`
	Denomination   Denomination `json:"denomination"`
	CreationTimeMs int64        `json:"creationTimeMs"`
	Issuer         string       `json:"issuer"`
	Status         Status       `json:"status"`
	ExpiryTimeMs   *int64       `json:"expiryTimeMs,omitempty"`
}

// New constructs an ACTIVE token. It refuses denominations outside the
// closed set.
func New(id TokenID, denom Denomination, issuer string) (*Token, error) {
	if !denom.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDenomination, denom)
	}
	if err := id.Validate(); err != nil {
		return nil, err
	}
	return &Token{
		ID:             id,
		Denomination:   denom,
		CreationTimeMs: id.CreationTimeMs,
		Issuer:         issuer,
		Status:         StatusActive,
	}, nil
}

// WithExpiry sets the expiry time and returns t.
func (t *Token) WithExpiry(expiryMs int64) *Token {
	t.ExpiryTimeMs = &expiryMs
	return t
}

// Key returns the derived identifier used to index the token.
func (t *Token) Key() string {
	return t.ID.ID
}

// Value returns the face value as an integer amount.
func (t *Token) Value() uint64 {
	return uint64(t.Denomination)
}

// IsExpired reports whether an expiry is set and nowMs has reached it.
func (t *Token) IsExpired(nowMs int64) bool {
	return t.ExpiryTimeMs != nil && nowMs >= *t.ExpiryTimeMs
}

// Spendable reports whether the token can be offered in a new transaction.
func (t *Token) Spendable(nowMs int64) bool {
	return t.Status == StatusActive && !t.IsExpired(nowMs)
}

// Validate checks the token id and denomination.
func (t *Token) Validate() error {
	if err := t.ID.Validate(); err != nil {
		return err
	}
	if !t.Denomination.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidDenomination, t.Denomination)
	}
	return nil
}

// Clone returns a deep copy.
func (t *Token) Clone() *Token {
	c := *t
	if t.ExpiryTimeMs != nil {
		exp := *t.ExpiryTimeMs
		c.ExpiryTimeMs = &exp
	}
	return &c
}

// Sum returns the total face value of tokens.
func Sum(tokens []*Token) uint64 {
	var total uint64
	for _, t := range tokens {
		total += t.Value()
	}
	return total
}

// CountByDenomination tallies tokens per denomination.
func CountByDenomination(tokens []*Token) map[Denomination]int {
	counts := make(map[Denomination]int, NumDenominations)
	for _, t := range tokens {
		counts[t.Denomination]++
	}
	return counts
}
