// Package denom classifies token portfolios per denomination and selects
// exact-sum token subsets that improve both parties' distributions.
package denom

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Klingon-tech/tokenwire/pkg/token"
)

// Status classifies how well a portfolio is stocked in one denomination.
type Status uint8

// Denomination statuses, ordered from scarce to abundant.
const (
	Lack    Status = 0
	Wanting Status = 1
	Good    Status = 2
	Excess  Status = 3
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case Lack:
		return "lack"
	case Wanting:
		return "wanting"
	case Good:
		return "good"
	case Excess:
		return "excess"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// ErrInvalidProfile is returned for thresholds that do not partition the
// count space monotonically.
var ErrInvalidProfile = errors.New("invalid denomination profile")

// Profile is the reference distribution a Clock is measured against.
// A count below WantingPct% of the ideal is Lack, below GoodPct% is
// Wanting, above ExcessPct% is Excess, and anything else is Good.
type Profile struct {
	Ideal      [token.NumDenominations]int
	WantingPct int
	GoodPct    int
	ExcessPct  int
}

// DefaultProfile is a wallet-sized ideal distribution.
func DefaultProfile() Profile {
	return Profile{
		//       1  2  5 10 20 50 100 200 500
		Ideal:      [token.NumDenominations]int{5, 5, 5, 5, 4, 3, 2, 1, 1},
		WantingPct: 50,
		GoodPct:    100,
		ExcessPct:  200,
	}
}

// Validate checks the thresholds are ordered and the ideals non-negative.
func (p Profile) Validate() error {
	if p.WantingPct <= 0 || p.WantingPct > p.GoodPct || p.GoodPct > p.ExcessPct {
		return fmt.Errorf("%w: thresholds %d/%d/%d must satisfy 0 < wanting <= good <= excess",
			ErrInvalidProfile, p.WantingPct, p.GoodPct, p.ExcessPct)
	}
	for i, v := range p.Ideal {
		if v < 0 {
			return fmt.Errorf("%w: negative ideal for denomination %d", ErrInvalidProfile, token.Denominations[i])
		}
	}
	return nil
}

// Classify maps a held count for denomination index i to a status. The
// result never decreases as count grows.
func (p Profile) Classify(i, count int) Status {
	ideal := p.Ideal[i]
	if ideal == 0 {
		if count == 0 {
			return Good
		}
		return Excess
	}
	scaled := count * 100
	switch {
	case scaled < ideal*p.WantingPct:
		return Lack
	case scaled < ideal*p.GoodPct:
		return Wanting
	case scaled > ideal*p.ExcessPct:
		return Excess
	default:
		return Good
	}
}

// Clock is the per-denomination status snapshot of one portfolio.
type Clock struct {
	profile Profile
	counts  [token.NumDenominations]int
	codes   [token.NumDenominations]Status
}

// NewClock returns a clock for an empty portfolio.
func NewClock(profile Profile) *Clock {
	c := &Clock{profile: profile}
	c.recompute()
	return c
}

// Update recomputes every status from counts. Denominations outside the
// closed set are ignored.
func (c *Clock) Update(counts map[token.Denomination]int) {
	c.counts = [token.NumDenominations]int{}
	for d, n := range counts {
		if i := d.Index(); i >= 0 {
			c.counts[i] = n
		}
	}
	c.recompute()
}

// UpdateFromTokens recomputes the clock from a portfolio. Only ACTIVE
// tokens count toward holdings.
func (c *Clock) UpdateFromTokens(tokens []*token.Token) {
	c.counts = [token.NumDenominations]int{}
	for _, t := range tokens {
		if t.Status != token.StatusActive {
			continue
		}
		if i := t.Denomination.Index(); i >= 0 {
			c.counts[i]++
		}
	}
	c.recompute()
}

func (c *Clock) recompute() {
	for i := range c.codes {
		c.codes[i] = c.profile.Classify(i, c.counts[i])
	}
}

// Status returns the status of denomination d.
func (c *Clock) Status(d token.Denomination) Status {
	i := d.Index()
	if i < 0 {
		return Lack
	}
	return c.codes[i]
}

// Codes returns all nine statuses in ascending denomination order.
func (c *Clock) Codes() [token.NumDenominations]Status {
	return c.codes
}

// Count returns the held count of denomination d as of the last update.
func (c *Clock) Count(d token.Denomination) int {
	i := d.Index()
	if i < 0 {
		return 0
	}
	return c.counts[i]
}

// Packed encodes the statuses as 2 bits per denomination, lowest
// denomination in the least significant bits.
func (c *Clock) Packed() uint32 {
	var v uint32
	for i, s := range c.codes {
		v |= uint32(s&0x3) << (2 * i)
	}
	return v
}

// FromPacked rebuilds a status-only clock from a packed value received
// from a peer. Counts are unknown and left at zero.
func FromPacked(v uint32) *Clock {
	c := &Clock{}
	for i := range c.codes {
		c.codes[i] = Status((v >> (2 * i)) & 0x3)
	}
	return c
}

// String renders the clock as "1:good 2:lack ...".
func (c *Clock) String() string {
	var sb strings.Builder
	for i, s := range c.codes {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%d:%s", token.Denominations[i], s)
	}
	return sb.String()
}
