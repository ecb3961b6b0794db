package exchange

import (
	"sort"
	"sync"

	"github.com/Klingon-tech/tokenwire/pkg/token"
)

// regKey identifies one side's copy of a transaction. A single manager may
// hold both copies when it trades with itself.
type regKey struct {
	id   string
	role Role
}

// entry is a registered transaction and the replies already produced for
// it, so a repeated packet gets the same answer.
type entry struct {
	mu sync.Mutex
	tx *Transaction
	// pool is the full set of tokens this side put on the table.
	pool []*token.Token

	initiation   *Initiation
	response     *Response
	confirmation *Confirmation
	ack          *Acknowledgement
}

// Registry holds pending and completed transactions. The maps are guarded
// by mu; each entry carries its own lock so transitions on different
// transactions never contend. Lock order is entry, then registry.
type Registry struct {
	mu        sync.RWMutex
	pending   map[regKey]*entry
	completed map[regKey]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		pending:   make(map[regKey]*entry),
		completed: make(map[regKey]*entry),
	}
}

// add registers a new pending entry. It returns the existing entry and
// false when the key is already known.
func (r *Registry) add(e *entry) (*entry, bool) {
	k := regKey{e.tx.ID, e.tx.Role}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.pending[k]; ok {
		return existing, false
	}
	if existing, ok := r.completed[k]; ok {
		return existing, false
	}
	r.pending[k] = e
	return e, true
}

func (r *Registry) get(id string, role Role) *entry {
	k := regKey{id, role}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.pending[k]; ok {
		return e
	}
	return r.completed[k]
}

// complete moves an entry from pending to completed. Caller holds e.mu.
func (r *Registry) complete(e *entry) {
	k := regKey{e.tx.ID, e.tx.Role}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, k)
	r.completed[k] = e
}

func (r *Registry) pendingEntries() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entry, 0, len(r.pending))
	for _, e := range r.pending {
		out = append(out, e)
	}
	return out
}

func snapshot(entries []*entry) []*Transaction {
	out := make([]*Transaction, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.tx.Clone())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamps.CreatedAt != out[j].Timestamps.CreatedAt {
			return out[i].Timestamps.CreatedAt < out[j].Timestamps.CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Pending returns snapshots of all non-terminal transactions, oldest first.
func (r *Registry) Pending() []*Transaction {
	return snapshot(r.pendingEntries())
}

// Completed returns snapshots of all terminal transactions, oldest first.
func (r *Registry) Completed() []*Transaction {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.completed))
	for _, e := range r.completed {
		entries = append(entries, e)
	}
	r.mu.RUnlock()
	return snapshot(entries)
}

// Count returns the number of pending and completed transactions.
func (r *Registry) Count() (pending, completed int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pending), len(r.completed)
}

// Prune drops completed transactions finished before cutoffMs and returns
// how many were removed.
func (r *Registry) Prune(cutoffMs int64) int {
	r.mu.RLock()
	candidates := make(map[regKey]*entry, len(r.completed))
	for k, e := range r.completed {
		candidates[k] = e
	}
	r.mu.RUnlock()

	var stale []regKey
	for k, e := range candidates {
		e.mu.Lock()
		if e.tx.Timestamps.CompletedAt < cutoffMs {
			stale = append(stale, k)
		}
		e.mu.Unlock()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range stale {
		delete(r.completed, k)
	}
	return len(stale)
}
