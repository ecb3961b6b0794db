package storage

import "fmt"

// PrefixDB is a view of an inner DB restricted to keys under a fixed
// prefix. Keys passed in and handed out are relative to the prefix.
type PrefixDB struct {
	inner  DB
	prefix []byte
}

// NewPrefixDB returns a view of inner under prefix. Wrapping a PrefixDB
// flattens into a single view over the innermost DB.
func NewPrefixDB(inner DB, prefix []byte) *PrefixDB {
	if p, ok := inner.(*PrefixDB); ok {
		return &PrefixDB{inner: p.inner, prefix: p.key(prefix)}
	}
	return &PrefixDB{inner: inner, prefix: copyBytes(prefix)}
}

// Prefix returns the absolute key prefix of the view.
func (p *PrefixDB) Prefix() []byte { return copyBytes(p.prefix) }

func (p *PrefixDB) key(k []byte) []byte {
	out := make([]byte, 0, len(p.prefix)+len(k))
	return append(append(out, p.prefix...), k...)
}

func (p *PrefixDB) Get(key []byte) ([]byte, error) { return p.inner.Get(p.key(key)) }

func (p *PrefixDB) Put(key, value []byte) error { return p.inner.Put(p.key(key), value) }

func (p *PrefixDB) Delete(key []byte) error { return p.inner.Delete(p.key(key)) }

func (p *PrefixDB) Has(key []byte) (bool, error) { return p.inner.Has(p.key(key)) }

// ForEach iterates the view's keys under prefix with the view prefix
// stripped.
func (p *PrefixDB) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	n := len(p.prefix)
	return p.inner.ForEach(p.key(prefix), func(key, value []byte) error {
		return fn(key[n:], value)
	})
}

// DeleteWhere removes every record under prefix for which drop returns
// true, in one batch, and returns how many were removed.
func (p *PrefixDB) DeleteWhere(prefix []byte, drop func(key, value []byte) bool) (int, error) {
	var doomed [][]byte
	err := p.ForEach(prefix, func(key, value []byte) error {
		if drop(key, value) {
			doomed = append(doomed, copyBytes(key))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan %s%s: %w", p.prefix, prefix, err)
	}
	if len(doomed) == 0 {
		return 0, nil
	}
	b := p.NewBatch()
	for _, k := range doomed {
		if err := b.Delete(k); err != nil {
			return 0, err
		}
	}
	if err := b.Commit(); err != nil {
		return 0, fmt.Errorf("delete under %s%s: %w", p.prefix, prefix, err)
	}
	return len(doomed), nil
}

// Close is a no-op; the inner DB owns its lifecycle.
func (p *PrefixDB) Close() error { return nil }

// NewBatch returns a batch over the inner DB with keys rebased under the
// view prefix. It is atomic when the inner DB's batch is.
func (p *PrefixDB) NewBatch() Batch {
	return prefixBatch{view: p, inner: NewBatch(p.inner)}
}

type prefixBatch struct {
	view  *PrefixDB
	inner Batch
}

func (b prefixBatch) Put(key, value []byte) error { return b.inner.Put(b.view.key(key), value) }

func (b prefixBatch) Delete(key []byte) error { return b.inner.Delete(b.view.key(key)) }

func (b prefixBatch) Commit() error { return b.inner.Commit() }
