package denom

import (
	"errors"
	"fmt"
	"sort"

	klog "github.com/Klingon-tech/tokenwire/internal/log"
	"github.com/Klingon-tech/tokenwire/pkg/token"
)

// Selection errors.
var (
	ErrInsufficientTokens = errors.New("insufficient tokens")
	ErrInvalidTarget      = errors.New("target must be positive")
)

// searchBudget caps the nodes explored after the first exact-sum selection
// has been found.
const searchBudget = 1 << 14

// Selection is the result of Select.
type Selection struct {
	Tokens []*token.Token
	Total  uint64
	Score  int
}

// Weights used when scoring a candidate selection. A token of denomination d
// contributes ownWeight(own[d]) + peerWeight(counterparty[d]).
func ownWeight(s Status) int {
	switch s {
	case Excess:
		return 2
	case Wanting:
		return -1
	case Lack:
		return -2
	default:
		return 0
	}
}

func peerWeight(s Status) int {
	switch s {
	case Lack:
		return 2
	case Wanting:
		return 1
	case Excess:
		return -1
	default:
		return 0
	}
}

// Select picks a subset of available whose denominations sum exactly to
// target. Among exact-sum subsets it prefers denominations own holds in
// excess and counterparty lacks, then fewer tokens. Either clock may be nil.
//
// The search runs over the nine denomination buckets, largest first,
// choosing how many tokens to take from each bucket. Unreachable
// (bucket, remaining) states are memoized so the walk stays polynomial in
// practice.
func Select(available []*token.Token, target uint64, own, counterparty *Clock) (*Selection, error) {
	if target == 0 {
		return nil, ErrInvalidTarget
	}

	var buckets [token.NumDenominations][]*token.Token
	var have uint64
	for _, t := range available {
		i := t.Denomination.Index()
		if i < 0 {
			continue
		}
		buckets[i] = append(buckets[i], t)
		have += t.Value()
	}
	if have < target {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientTokens, have, target)
	}
	for i := range buckets {
		sortBucket(buckets[i])
	}

	s := &searcher{buckets: &buckets, dead: make(map[deadKey]struct{})}
	for i := range buckets {
		d := token.Denominations[i]
		if own != nil {
			s.weight[i] += ownWeight(own.Status(d))
		}
		if counterparty != nil {
			s.weight[i] += peerWeight(counterparty.Status(d))
		}
		s.suffix[i] = uint64(len(buckets[i])) * uint64(d)
		if i > 0 {
			s.suffix[i] += s.suffix[i-1]
		}
	}

	s.walk(token.NumDenominations-1, target, 0, 0)
	if !s.found {
		return nil, fmt.Errorf("%w: no exact-sum subset for %d", ErrInsufficientTokens, target)
	}

	sel := &Selection{Total: target, Score: s.bestScore}
	for i, k := range s.best {
		sel.Tokens = append(sel.Tokens, buckets[i][:k]...)
	}
	klog.Denom.Debug().
		Uint64("target", target).
		Int("tokens", len(sel.Tokens)).
		Int("score", sel.Score).
		Int("states", len(s.dead)).
		Msg("Selection found")
	return sel, nil
}

// sortBucket orders tokens so the ones closest to expiry go first, then the
// oldest.
func sortBucket(ts []*token.Token) {
	sort.SliceStable(ts, func(a, b int) bool {
		ea, eb := ts[a].ExpiryTimeMs, ts[b].ExpiryTimeMs
		switch {
		case ea != nil && eb == nil:
			return true
		case ea == nil && eb != nil:
			return false
		case ea != nil && eb != nil && *ea != *eb:
			return *ea < *eb
		}
		return ts[a].CreationTimeMs < ts[b].CreationTimeMs
	})
}

type deadKey struct {
	bucket    int
	remaining uint64
}

type searcher struct {
	buckets *[token.NumDenominations][]*token.Token
	weight  [token.NumDenominations]int
	suffix  [token.NumDenominations]uint64 // value held in buckets 0..i
	dead    map[deadKey]struct{}

	pick      [token.NumDenominations]int
	best      [token.NumDenominations]int
	bestScore int
	bestCount int
	found     bool
	nodes     int
}

func (s *searcher) exhausted() bool {
	return s.found && s.nodes > searchBudget
}

// walk reports whether any exact-sum completion exists below (i, remaining).
func (s *searcher) walk(i int, remaining uint64, score, count int) bool {
	s.nodes++
	if remaining == 0 {
		s.record(score, count)
		return true
	}
	if i < 0 || remaining > s.suffix[i] {
		return false
	}
	key := deadKey{i, remaining}
	if _, ok := s.dead[key]; ok {
		return false
	}

	d := uint64(token.Denominations[i])
	maxTake := uint64(len(s.buckets[i]))
	if q := remaining / d; q < maxTake {
		maxTake = q
	}

	reachable := false
	for k := int(maxTake); k >= 0; k-- {
		if s.exhausted() {
			// Budget spent: the subtree was not fully explored, so it
			// must not be marked dead.
			return true
		}
		s.pick[i] = k
		if s.walk(i-1, remaining-uint64(k)*d, score+k*s.weight[i], count+k) {
			reachable = true
		}
	}
	s.pick[i] = 0
	if !reachable {
		s.dead[key] = struct{}{}
	}
	return reachable
}

func (s *searcher) record(score, count int) {
	if s.found && (score < s.bestScore || score == s.bestScore && count >= s.bestCount) {
		return
	}
	s.found = true
	s.bestScore = score
	s.bestCount = count
	s.best = s.pick
}
