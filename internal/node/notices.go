package node

import (
	"sync"
	"time"

	"github.com/Klingon-tech/tokenwire/internal/p2p"
)

// noticeTTL bounds how long a spent notice blocks a token. An owner who
// legitimately re-acquires a token can offer it again after this.
const noticeTTL = 24 * time.Hour

// noticeCache remembers which owner last announced spending each token.
type noticeCache struct {
	mu      sync.Mutex
	byToken map[string]*p2p.SpentNotice
}

func newNoticeCache() *noticeCache {
	return &noticeCache{byToken: make(map[string]*p2p.SpentNotice)}
}

// add records notice for each of its tokens, keeping the newest per token.
func (c *noticeCache) add(notice *p2p.SpentNotice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range notice.TokenIDs {
		if cur, ok := c.byToken[id]; ok && cur.TimestampMs > notice.TimestampMs {
			continue
		}
		c.byToken[id] = notice
	}
}

// spentBy reports whether owner announced spending tokenID.
func (c *noticeCache) spentBy(tokenID, owner string) (*p2p.SpentNotice, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.byToken[tokenID]
	if !ok || n.Spender != owner {
		return nil, false
	}
	return n, true
}

// prune drops notices older than the TTL and returns how many tokens were
// released.
func (c *noticeCache) prune(nowMs int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := nowMs - noticeTTL.Milliseconds()
	n := 0
	for id, notice := range c.byToken {
		if notice.TimestampMs < cutoff {
			delete(c.byToken, id)
			n++
		}
	}
	return n
}

func (c *noticeCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byToken)
}
