package storage

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// ErrWrongPassphrase is returned when a sealed database is opened with a
// passphrase other than the one it was created with.
var ErrWrongPassphrase = errors.New("wrong passphrase")

const saltSize = 32

// sealedMetaKey holds the salt and KDF parameters in the clear.
// Format: salt(32) | memory(4) | iterations(4) | parallelism(1) | nonce(24) | sealed check
var sealedMetaKey = []byte("\x00sealed/meta")

var sealedCheck = []byte("tokenwire sealed ledger")

// SealParams holds Argon2id parameters.
type SealParams struct {
	Memory      uint32 // in KiB
	Iterations  uint32
	Parallelism uint8
}

// DefaultSealParams returns recommended Argon2id parameters.
func DefaultSealParams() SealParams {
	return SealParams{
		Memory:      64 * 1024, // 64 MB
		Iterations:  3,
		Parallelism: 4,
	}
}

// SealedDB encrypts every value of an inner DB with XChaCha20-Poly1305
// under a key derived from a passphrase with Argon2id. Keys stay in the
// clear so prefix iteration still works. Each value is bound to its key.
type SealedDB struct {
	inner DB
	key   []byte
}

// OpenSealed wraps inner. On first use it generates a salt and stores it
// with params; afterwards the stored parameters win and params is ignored.
func OpenSealed(inner DB, passphrase []byte, params SealParams) (*SealedDB, error) {
	meta, err := inner.Get(sealedMetaKey)
	switch {
	case errors.Is(err, ErrNotFound):
		return createSealed(inner, passphrase, params)
	case err != nil:
		return nil, fmt.Errorf("read seal metadata: %w", err)
	}

	header := saltSize + 4 + 4 + 1
	if len(meta) < header+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("seal metadata too short: %d bytes", len(meta))
	}
	salt := meta[:saltSize]
	stored := SealParams{
		Memory:      binary.LittleEndian.Uint32(meta[saltSize:]),
		Iterations:  binary.LittleEndian.Uint32(meta[saltSize+4:]),
		Parallelism: meta[saltSize+8],
	}
	s := &SealedDB{inner: inner, key: deriveSealKey(passphrase, salt, stored)}
	check, err := s.open(sealedMetaKey, meta[header:])
	if err != nil || !bytes.Equal(check, sealedCheck) {
		s.zero()
		return nil, ErrWrongPassphrase
	}
	return s, nil
}

func createSealed(inner DB, passphrase []byte, params SealParams) (*SealedDB, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	s := &SealedDB{inner: inner, key: deriveSealKey(passphrase, salt, params)}
	check, err := s.seal(sealedMetaKey, sealedCheck)
	if err != nil {
		s.zero()
		return nil, err
	}

	meta := make([]byte, 0, saltSize+9+len(check))
	meta = append(meta, salt...)
	meta = binary.LittleEndian.AppendUint32(meta, params.Memory)
	meta = binary.LittleEndian.AppendUint32(meta, params.Iterations)
	meta = append(meta, params.Parallelism)
	meta = append(meta, check...)
	if err := inner.Put(sealedMetaKey, meta); err != nil {
		s.zero()
		return nil, fmt.Errorf("write seal metadata: %w", err)
	}
	return s, nil
}

func deriveSealKey(passphrase, salt []byte, params SealParams) []byte {
	return argon2.IDKey(passphrase, salt, params.Iterations, params.Memory, params.Parallelism, chacha20poly1305.KeySize)
}

// seal returns nonce(24) | ciphertext with key as associated data.
func (s *SealedDB) seal(key, value []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(value)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, value, key), nil
}

func (s *SealedDB) open(key, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("sealed value for %x too short", key)
	}
	plain, err := aead.Open(nil, sealed[:aead.NonceSize()], sealed[aead.NonceSize():], key)
	if err != nil {
		return nil, fmt.Errorf("decrypt %x: %w", key, err)
	}
	return plain, nil
}

func (s *SealedDB) zero() {
	for i := range s.key {
		s.key[i] = 0
	}
}

// Get retrieves and decrypts a value by key.
func (s *SealedDB) Get(key []byte) ([]byte, error) {
	v, err := s.inner.Get(key)
	if err != nil {
		return nil, err
	}
	return s.open(key, v)
}

// Put encrypts and stores a key-value pair.
func (s *SealedDB) Put(key, value []byte) error {
	v, err := s.seal(key, value)
	if err != nil {
		return err
	}
	return s.inner.Put(key, v)
}

// Delete removes a key.
func (s *SealedDB) Delete(key []byte) error {
	return s.inner.Delete(key)
}

// Has checks if a key exists.
func (s *SealedDB) Has(key []byte) (bool, error) {
	return s.inner.Has(key)
}

// ForEach iterates over all keys with the given prefix, decrypting values.
func (s *SealedDB) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	return s.inner.ForEach(prefix, func(key, value []byte) error {
		if bytes.Equal(key, sealedMetaKey) {
			return nil
		}
		plain, err := s.open(key, value)
		if err != nil {
			return err
		}
		return fn(key, plain)
	})
}

// Close wipes the derived key and closes the inner database.
func (s *SealedDB) Close() error {
	s.zero()
	return s.inner.Close()
}

// NewBatch creates a batch that encrypts values on Put and delegates to the
// inner DB's batch when it has one.
func (s *SealedDB) NewBatch() Batch {
	return &sealedBatch{db: s, inner: NewBatch(s.inner)}
}

type sealedBatch struct {
	db    *SealedDB
	inner Batch
}

func (sb *sealedBatch) Put(key, value []byte) error {
	v, err := sb.db.seal(key, value)
	if err != nil {
		return err
	}
	return sb.inner.Put(key, v)
}

func (sb *sealedBatch) Delete(key []byte) error {
	return sb.inner.Delete(key)
}

func (sb *sealedBatch) Commit() error {
	return sb.inner.Commit()
}
