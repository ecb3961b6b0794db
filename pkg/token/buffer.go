package token

import (
	"fmt"
	"math"
	"time"
)

// centsPerUnit is the resolution of the rounding buffer (two decimals).
const centsPerUnit = 100

// MaxBufferAmount is the largest amount a buffer operation accepts. Its
// cent value leaves headroom in int64 for the running total.
const MaxBufferAmount = float64(math.MaxInt64/2) / centsPerUnit

// Now returns the current wall-clock time in milliseconds. Tests may
// replace it.
var Now = func() int64 { return time.Now().UnixMilli() }

// RoundingBuffer wraps a denomination-1 token and accumulates fractional
// remainders across transactions. The buffer is held as integer cents in
// [0, 100) so repeated add/remove cycles never drift.
type RoundingBuffer struct {
	_                 struct{} `cbor:",toarray"`
	Base              Token    `json:"baseToken"`
	Cents             int64    `json:"afrondingsbufferCents"`
	LastUpdatedMs     int64    `json:"lastUpdatedTimeMs"`
	LastTransactionID *string  `json:"lastTransactionId,omitempty"`
}

// NewRoundingBuffer wraps base with an empty buffer.
func NewRoundingBuffer(base *Token) (*RoundingBuffer, error) {
	return RestoreRoundingBuffer(base, 0, Now(), nil)
}

// RestoreRoundingBuffer rebuilds a buffer from persisted state. A buffer
// value outside [0, 1) is refused.
func RestoreRoundingBuffer(base *Token, buffer float64, lastUpdatedMs int64, lastTxID *string) (*RoundingBuffer, error) {
	if base == nil {
		return nil, fmt.Errorf("%w: missing base token", ErrInvalidTokenID)
	}
	if base.Denomination != D1 {
		return nil, fmt.Errorf("%w: base token must be denomination 1, got %d", ErrInvalidDenomination, base.Denomination)
	}
	if math.IsNaN(buffer) || buffer < 0 || buffer >= 1 {
		return nil, fmt.Errorf("%w: %v", ErrBufferOutOfRange, buffer)
	}
	cents := toCents(buffer)
	if cents >= centsPerUnit {
		return nil, fmt.Errorf("%w: %v rounds to a whole unit", ErrBufferOutOfRange, buffer)
	}
	return &RoundingBuffer{
		Base:              *base.Clone(),
		Cents:             cents,
		LastUpdatedMs:     lastUpdatedMs,
		LastTransactionID: lastTxID,
	}, nil
}

// Buffer returns the accumulated fraction in [0, 1).
func (b *RoundingBuffer) Buffer() float64 {
	return float64(b.Cents) / centsPerUnit
}

// AddToBuffer adds amount to the buffer and returns the whole units that
// overflowed. The caller materializes the carry as new denomination-1 tokens.
func (b *RoundingBuffer) AddToBuffer(amount float64, transactionID string) (int64, error) {
	if err := checkAmount(amount); err != nil {
		return 0, err
	}
	carry := b.addCents(toCents(amount))
	b.touch(transactionID)
	return carry, nil
}

// RemoveFromBuffer subtracts amount from the buffer. It returns false and
// leaves the buffer untouched when amount is invalid or exceeds the buffer.
// The comparison is on the unrounded amount, so 0.504 does not fit in 0.50.
func (b *RoundingBuffer) RemoveFromBuffer(amount float64, transactionID string) bool {
	cents, ok := b.take(amount)
	if !ok {
		return false
	}
	b.Cents -= cents
	b.touch(transactionID)
	return true
}

// TransferBuffer moves amount from source to target. Either both buffers
// change or neither does. The returned carry is the whole units that
// overflowed in target.
func TransferBuffer(source, target *RoundingBuffer, amount float64, transactionID string) (int64, bool) {
	if source == nil || target == nil || source == target {
		return 0, false
	}
	cents, ok := source.take(amount)
	if !ok {
		return 0, false
	}
	source.Cents -= cents
	source.touch(transactionID)
	carry := target.addCents(cents)
	target.touch(transactionID)
	return carry, true
}

// Validate checks the base token and buffer range.
func (b *RoundingBuffer) Validate() error {
	if err := b.Base.Validate(); err != nil {
		return err
	}
	if b.Base.Denomination != D1 {
		return fmt.Errorf("%w: base token must be denomination 1", ErrInvalidDenomination)
	}
	switch {
	case b.Cents < 0 || b.Cents >= centsPerUnit:
		return fmt.Errorf("%w: %d cents", ErrBufferOutOfRange, b.Cents)
	case b.LastUpdatedMs <= 0:
		return fmt.Errorf("%w: last updated time must be positive", ErrBufferOutOfRange)
	case b.LastTransactionID != nil && *b.LastTransactionID == "":
		return fmt.Errorf("%w: empty last transaction id", ErrBufferOutOfRange)
	}
	return nil
}

func (b *RoundingBuffer) addCents(cents int64) int64 {
	total := b.Cents + cents
	b.Cents = total % centsPerUnit
	return total / centsPerUnit
}

func (b *RoundingBuffer) touch(transactionID string) {
	if transactionID != "" {
		id := transactionID
		b.LastTransactionID = &id
	}
	b.LastUpdatedMs = Now()
}

// take converts amount to cents if it can leave the buffer.
func (b *RoundingBuffer) take(amount float64) (int64, bool) {
	if checkAmount(amount) != nil || amount > b.Buffer() {
		return 0, false
	}
	cents := toCents(amount)
	return cents, cents <= b.Cents
}

// checkAmount rejects amounts that cannot be held as cents.
func checkAmount(amount float64) error {
	switch {
	case math.IsNaN(amount) || amount < 0:
		return fmt.Errorf("%w: %v", ErrNegativeAmount, amount)
	case amount > MaxBufferAmount:
		return fmt.Errorf("%w: %v", ErrAmountTooLarge, amount)
	}
	return nil
}

func toCents(amount float64) int64 {
	return int64(math.Round(amount * centsPerUnit))
}
