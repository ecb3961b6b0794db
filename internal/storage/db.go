// Package storage provides key-value storage backends for the token ledger.
package storage

import "errors"

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("key not found")

// DB is the interface for key-value storage.
type DB interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	Has(key []byte) (bool, error)
	// ForEach iterates over all keys with the given prefix in key order.
	// The callback receives a copy of the key and value.
	// Return a non-nil error from fn to stop iteration early.
	ForEach(prefix []byte, fn func(key, value []byte) error) error
	Close() error
}

// Batch collects writes that are applied together on Commit.
type Batch interface {
	Put(key, value []byte) error
	Delete(key []byte) error
	Commit() error
}

// Batcher is implemented by backends that can commit a Batch atomically.
type Batcher interface {
	NewBatch() Batch
}

// batchOp is one buffered write. A nil value means delete.
type batchOp struct {
	key   []byte
	value []byte
}

// opBatch buffers copies of writes and hands them to apply on Commit. The
// backends differ only in how apply makes them atomic.
type opBatch struct {
	ops   []batchOp
	apply func(ops []batchOp) error
}

func (b *opBatch) Put(key, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	b.ops = append(b.ops, batchOp{copyBytes(key), copyBytes(value)})
	return nil
}

func (b *opBatch) Delete(key []byte) error {
	b.ops = append(b.ops, batchOp{key: copyBytes(key)})
	return nil
}

func (b *opBatch) Commit() error {
	if len(b.ops) == 0 {
		return nil
	}
	if err := b.apply(b.ops); err != nil {
		return err
	}
	b.ops = nil
	return nil
}

// each runs put or del for every op in order, stopping at the first error.
func each(ops []batchOp, put func(k, v []byte) error, del func(k []byte) error) error {
	for _, op := range ops {
		var err error
		if op.value == nil {
			err = del(op.key)
		} else {
			err = put(op.key, op.value)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append(make([]byte, 0, len(b)), b...)
}

// NewBatch returns db's own batch when it has one. Otherwise writes are
// applied one by one on Commit and are not atomic.
func NewBatch(db DB) Batch {
	if b, ok := db.(Batcher); ok {
		return b.NewBatch()
	}
	return &opBatch{apply: func(ops []batchOp) error {
		return each(ops, db.Put, db.Delete)
	}}
}
