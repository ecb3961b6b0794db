package storage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	klog "github.com/Klingon-tech/tokenwire/internal/log"
)

// BadgerDB implements DB using Badger. It is the default ledger backend.
type BadgerDB struct {
	db *badger.DB
}

// NewBadger opens or creates a Badger database in the directory path.
func NewBadger(path string) (*BadgerDB, error) {
	logger := badgerLogger{klog.Storage.With().Str("path", path).Logger()}
	db, err := badger.Open(badger.DefaultOptions(path).WithLogger(logger))
	if err != nil {
		if isLockError(err) {
			return nil, fmt.Errorf("database at %s is locked by another process (is another tokenwired instance running?): %w", path, err)
		}
		return nil, fmt.Errorf("open database at %s: %w", path, err)
	}
	return &BadgerDB{db: db}, nil
}

func isLockError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "Cannot acquire directory lock") ||
		strings.Contains(msg, "resource temporarily unavailable")
}

// Get returns a copy of the value stored at key, or ErrNotFound.
func (b *BadgerDB) Get(key []byte) (val []byte, err error) {
	err = b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	return val, badgerErr("get", err)
}

func (b *BadgerDB) Put(key, value []byte) error {
	return badgerErr("put", b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	}))
}

func (b *BadgerDB) Delete(key []byte) error {
	return badgerErr("delete", b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	}))
}

func (b *BadgerDB) Has(key []byte) (bool, error) {
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		return err
	})
	switch err = badgerErr("has", err); {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// ForEach walks keys under prefix in order, passing copies to fn.
func (b *BadgerDB) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(item.KeyCopy(nil), v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BadgerDB) Close() error {
	return b.db.Close()
}

// badgerErr maps badger's missing-key error onto ErrNotFound and tags the
// rest with the operation.
func badgerErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return ErrNotFound
	default:
		return fmt.Errorf("badger %s: %w", op, err)
	}
}

// NewBatch creates a batch committed in a single update transaction.
func (b *BadgerDB) NewBatch() Batch {
	return &opBatch{apply: func(ops []batchOp) error {
		err := b.db.Update(func(txn *badger.Txn) error {
			return each(ops, txn.Set, txn.Delete)
		})
		if err != nil {
			return fmt.Errorf("badger batch: %w", err)
		}
		return nil
	}}
}

// badgerLogger routes badger's internal logging through zerolog. Badger is
// chatty at info level, so its info lines are logged at debug.
type badgerLogger struct {
	l zerolog.Logger
}

func (b badgerLogger) Errorf(format string, args ...interface{}) {
	b.l.Error().Msgf(strings.TrimSpace(format), args...)
}

func (b badgerLogger) Warningf(format string, args ...interface{}) {
	b.l.Warn().Msgf(strings.TrimSpace(format), args...)
}

func (b badgerLogger) Infof(format string, args ...interface{}) {
	b.l.Debug().Msgf(strings.TrimSpace(format), args...)
}

func (b badgerLogger) Debugf(format string, args ...interface{}) {
	b.l.Trace().Msgf(strings.TrimSpace(format), args...)
}
