// Package ledger persists a party's tokens, telomeres, transactions and
// rollback packets, and applies the outcome of finished exchanges.
package ledger

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Klingon-tech/tokenwire/internal/exchange"
	klog "github.com/Klingon-tech/tokenwire/internal/log"
	"github.com/Klingon-tech/tokenwire/internal/storage"
	"github.com/Klingon-tech/tokenwire/pkg/crypto"
	"github.com/Klingon-tech/tokenwire/pkg/token"
	"github.com/Klingon-tech/tokenwire/pkg/types"
)

// Key prefixes for the ledger store.
var (
	prefixToken    = []byte("k/") // k/<tokenID> -> Token CBOR
	prefixOwner    = []byte("o/") // o/<owner>/<tokenID> -> empty (owner index)
	prefixTelomere = []byte("m/") // m/<tokenID> -> Telomere CBOR
	prefixTx       = []byte("x/") // x/<txID>/<role> -> Transaction CBOR
	prefixRetro    = []byte("r/") // r/<txID>/<role> -> RetroPak CBOR (vault)
	prefixBuffer   = []byte("w/") // w/<tokenID> -> RoundingBuffer CBOR
	prefixSpent    = []byte("s/") // s/<tokenID> -> txID
)

// Errors returned by the store.
var (
	ErrNotCommitted = errors.New("transaction not committed")
	ErrNoRetroPak   = errors.New("no rollback packet stored")
	ErrUnavailable  = errors.New("token not available")
)

// Store is a party's local ledger. Records live in db; RetroPaks live in
// vault, which is usually a sealed database.
type Store struct {
	// mu serialises read-modify-write sequences across keys.
	mu    sync.Mutex
	db    storage.DB
	vault storage.DB
}

// NewStore creates a ledger over db. When vault is nil RetroPaks are stored
// in db as well.
func NewStore(db, vault storage.DB) *Store {
	if vault == nil {
		vault = db
	}
	return &Store{db: db, vault: vault}
}

func key(prefix []byte, parts ...string) []byte {
	var b bytes.Buffer
	b.Write(prefix)
	for i, p := range parts {
		if i > 0 {
			b.WriteByte('/')
		}
		b.WriteString(p)
	}
	return b.Bytes()
}

func get[T any](db storage.DB, k []byte) (*T, error) {
	data, err := db.Get(k)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var v T
	if err := types.Cbor.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", k, err)
	}
	return &v, nil
}

func put(b storage.Batch, k []byte, v any) error {
	data, err := types.Cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", k, err)
	}
	return b.Put(k, data)
}

// Token returns a stored token, or nil when it is not held.
func (s *Store) Token(id string) (*token.Token, error) {
	t, err := get[token.Token](s.db, key(prefixToken, id))
	if err != nil {
		return nil, fmt.Errorf("ledger token: %w", err)
	}
	return t, nil
}

// PutToken stores a token.
func (s *Store) PutToken(t *token.Token) error {
	b := storage.NewBatch(s.db)
	if err := put(b, key(prefixToken, t.Key()), t); err != nil {
		return err
	}
	return b.Commit()
}

// Telomere returns a stored telomere, or nil when none is known.
func (s *Store) Telomere(id string) (*token.Telomere, error) {
	t, err := get[token.Telomere](s.db, key(prefixTelomere, id))
	if err != nil {
		return nil, fmt.Errorf("ledger telomere: %w", err)
	}
	return t, nil
}

// PutTelomere stores a telomere and moves the owner index to its current
// owner.
func (s *Store) PutTelomere(t *token.Telomere) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := storage.NewBatch(s.db)
	if err := s.putTelomere(b, t); err != nil {
		return err
	}
	return b.Commit()
}

func (s *Store) putTelomere(b storage.Batch, t *token.Telomere) error {
	if err := t.Validate(); err != nil {
		return err
	}
	id := t.TokenID.ID
	prev, err := s.Telomere(id)
	if err != nil {
		return err
	}
	if prev != nil && prev.CurrentOwner != t.CurrentOwner {
		if err := b.Delete(key(prefixOwner, prev.CurrentOwner, id)); err != nil {
			return err
		}
	}
	if err := b.Put(key(prefixOwner, t.CurrentOwner, id), []byte{}); err != nil {
		return err
	}
	return put(b, key(prefixTelomere, id), t)
}

// Mint stores freshly issued tokens and starts their telomeres at owner.
func (s *Store) Mint(tokens []*token.Token, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := storage.NewBatch(s.db)
	for _, t := range tokens {
		if err := t.Validate(); err != nil {
			return err
		}
		tel, err := token.NewTelomere(t.ID, owner)
		if err != nil {
			return err
		}
		if err := put(b, key(prefixToken, t.Key()), t); err != nil {
			return err
		}
		if err := b.Put(key(prefixOwner, owner, t.Key()), []byte{}); err != nil {
			return err
		}
		if err := put(b, key(prefixTelomere, t.Key()), tel); err != nil {
			return err
		}
	}
	if err := b.Commit(); err != nil {
		return fmt.Errorf("ledger mint: %w", err)
	}
	klog.Ledger.Debug().Int("tokens", len(tokens)).Str("owner", owner).Msg("Tokens minted")
	return nil
}

// Holdings returns every token whose telomere names owner, in any status,
// ordered by denomination then id.
func (s *Store) Holdings(owner string) ([]*token.Token, error) {
	prefix := key(prefixOwner, owner, "")
	var ids []string
	err := s.db.ForEach(prefix, func(k, _ []byte) error {
		ids = append(ids, string(k[len(prefix):]))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ledger holdings: %w", err)
	}
	out := make([]*token.Token, 0, len(ids))
	for _, id := range ids {
		t, err := s.Token(id)
		if err != nil {
			return nil, err
		}
		if t != nil {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Denomination != out[j].Denomination {
			return out[i].Denomination < out[j].Denomination
		}
		return out[i].Key() < out[j].Key()
	})
	return out, nil
}

// Spendable returns owner's ACTIVE, unexpired tokens.
func (s *Store) Spendable(owner string, nowMs int64) ([]*token.Token, error) {
	all, err := s.Holdings(owner)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, t := range all {
		if t.Spendable(nowMs) {
			out = append(out, t)
		}
	}
	return out, nil
}

// Balance returns the face value of owner's spendable tokens.
func (s *Store) Balance(owner string, nowMs int64) (uint64, error) {
	toks, err := s.Spendable(owner, nowMs)
	if err != nil {
		return 0, err
	}
	return token.Sum(toks), nil
}

// Reserve marks tokens RESERVED so no other exchange offers them. It fails
// with ErrUnavailable, changing nothing, if any token is not ACTIVE.
func (s *Store) Reserve(tokens []*token.Token) error {
	return s.setStatus(tokens, token.StatusActive, token.StatusReserved)
}

// Release returns RESERVED tokens to ACTIVE. Tokens in any other status
// are left alone.
func (s *Store) Release(tokens []*token.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := storage.NewBatch(s.db)
	for _, t := range tokens {
		cur, err := s.Token(t.Key())
		if err != nil {
			return err
		}
		if cur == nil || cur.Status != token.StatusReserved {
			continue
		}
		cur.Status = token.StatusActive
		if err := put(b, key(prefixToken, cur.Key()), cur); err != nil {
			return err
		}
	}
	return b.Commit()
}

func (s *Store) setStatus(tokens []*token.Token, from, to token.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := storage.NewBatch(s.db)
	for _, t := range tokens {
		cur, err := s.Token(t.Key())
		if err != nil {
			return err
		}
		if cur == nil || cur.Status != from {
			return fmt.Errorf("%w: %s", ErrUnavailable, t.ID)
		}
		cur.Status = to
		if err := put(b, key(prefixToken, cur.Key()), cur); err != nil {
			return err
		}
	}
	return b.Commit()
}

// PutTransaction stores one side's copy of a transaction.
func (s *Store) PutTransaction(tx *exchange.Transaction) error {
	b := storage.NewBatch(s.db)
	if err := put(b, txKey(tx.ID, tx.Role), tx); err != nil {
		return err
	}
	return b.Commit()
}

// Transaction returns a stored transaction copy, or nil.
func (s *Store) Transaction(id string, role exchange.Role) (*exchange.Transaction, error) {
	tx, err := get[exchange.Transaction](s.db, txKey(id, role))
	if err != nil {
		return nil, fmt.Errorf("ledger transaction: %w", err)
	}
	return tx, nil
}

// Transactions returns every stored transaction copy, oldest first.
func (s *Store) Transactions() ([]*exchange.Transaction, error) {
	var out []*exchange.Transaction
	err := s.db.ForEach(prefixTx, func(k, v []byte) error {
		var tx exchange.Transaction
		if err := types.Cbor.Unmarshal(v, &tx); err != nil {
			klog.Ledger.Warn().Str("key", string(k)).Err(err).Msg("Skipping corrupt transaction")
			return nil
		}
		out = append(out, &tx)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ledger transactions: %w", err)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamps.CreatedAt != out[j].Timestamps.CreatedAt {
			return out[i].Timestamps.CreatedAt < out[j].Timestamps.CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func txKey(id string, role exchange.Role) []byte {
	return key(prefixTx, id, role.String())
}

func retroKey(id string, role exchange.Role) []byte {
	return key(prefixRetro, id, role.String())
}

// PutRetroPak stores the RetroPak of one side of txID in the vault.
func (s *Store) PutRetroPak(txID string, role exchange.Role, retro *exchange.RetroPak) error {
	b := storage.NewBatch(s.vault)
	if err := put(b, retroKey(txID, role), retro); err != nil {
		return err
	}
	return b.Commit()
}

// RetroPak returns the stored RetroPak for role, or nil.
func (s *Store) RetroPak(txID string, role exchange.Role) (*exchange.RetroPak, error) {
	r, err := get[exchange.RetroPak](s.vault, retroKey(txID, role))
	if err != nil {
		return nil, fmt.Errorf("ledger retro packet: %w", err)
	}
	return r, nil
}

// MarkSpent records that tokenID left a holder in txID.
func (s *Store) MarkSpent(tokenID, txID string) error {
	return s.db.Put(key(prefixSpent, tokenID), []byte(txID))
}

// Spent returns the transaction that spent tokenID, if one is recorded.
func (s *Store) Spent(tokenID string) (string, bool, error) {
	v, err := s.db.Get(key(prefixSpent, tokenID))
	if errors.Is(err, storage.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("ledger spent: %w", err)
	}
	return string(v), true, nil
}

// PutBuffer stores a rounding buffer keyed by its base token.
func (s *Store) PutBuffer(rb *token.RoundingBuffer) error {
	if err := rb.Validate(); err != nil {
		return err
	}
	b := storage.NewBatch(s.db)
	if err := put(b, key(prefixBuffer, rb.Base.Key()), rb); err != nil {
		return err
	}
	return b.Commit()
}

// Buffer returns the rounding buffer backed by baseID, or nil.
func (s *Store) Buffer(baseID string) (*token.RoundingBuffer, error) {
	rb, err := get[token.RoundingBuffer](s.db, key(prefixBuffer, baseID))
	if err != nil {
		return nil, fmt.Errorf("ledger buffer: %w", err)
	}
	return rb, nil
}

// Buffers returns every stored rounding buffer.
func (s *Store) Buffers() ([]*token.RoundingBuffer, error) {
	var out []*token.RoundingBuffer
	err := s.db.ForEach(prefixBuffer, func(_, v []byte) error {
		var rb token.RoundingBuffer
		if err := types.Cbor.Unmarshal(v, &rb); err != nil {
			return err
		}
		out = append(out, &rb)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ledger buffers: %w", err)
	}
	return out, nil
}

// ApplyCommitted records the effects of a COMMITTED transaction for the
// side identified by self: outgoing tokens are spent and handed to the
// counterparty, incoming tokens become ACTIVE and owned by self, and kept
// tokens are released. The RetroPak is discarded.
func (s *Store) ApplyCommitted(tx *exchange.Transaction, self string) error {
	if tx.State != exchange.StateCommitted {
		return fmt.Errorf("%w: %s is %s", ErrNotCommitted, tx.ID, tx.State)
	}
	counterparty := tx.Context.SenderPublicKey
	if tx.Role == exchange.RoleSender {
		counterparty = tx.Context.ReceiverPublicKey
	}
	out, kept := tx.Own()
	in := tx.Incoming()

	s.mu.Lock()
	defer s.mu.Unlock()
	b := storage.NewBatch(s.db)

	if out != nil {
		for _, t := range out.Tokens {
			spent := t.Clone()
			spent.Status = token.StatusSpent
			if err := put(b, key(prefixToken, t.Key()), spent); err != nil {
				return err
			}
			if err := s.handOver(b, t, nil, counterparty, tx.ID); err != nil {
				return err
			}
			if err := b.Put(key(prefixSpent, t.Key()), []byte(tx.ID)); err != nil {
				return err
			}
		}
	}
	if in != nil {
		carried := make(map[string]*token.Telomere, len(in.Telomeres))
		for _, tel := range in.Telomeres {
			carried[tel.TokenID.ID] = tel
		}
		for _, t := range in.Tokens {
			got := t.Clone()
			got.Status = token.StatusActive
			if err := put(b, key(prefixToken, t.Key()), got); err != nil {
				return err
			}
			if err := s.handOver(b, t, carried[t.Key()], self, tx.ID); err != nil {
				return err
			}
			if err := b.Delete(key(prefixSpent, t.Key())); err != nil {
				return err
			}
		}
	}
	if kept != nil {
		for _, t := range kept.Tokens {
			cur, err := s.Token(t.Key())
			if err != nil {
				return err
			}
			if cur != nil && cur.Status == token.StatusReserved {
				cur.Status = token.StatusActive
				if err := put(b, key(prefixToken, t.Key()), cur); err != nil {
					return err
				}
			}
		}
	}
	if err := put(b, txKey(tx.ID, tx.Role), tx); err != nil {
		return err
	}
	if err := b.Commit(); err != nil {
		return fmt.Errorf("ledger apply %s: %w", tx.ID, err)
	}
	if err := s.vault.Delete(retroKey(tx.ID, tx.Role)); err != nil {
		klog.Ledger.Warn().Str("tx_id", tx.ID).Err(err).Msg("Failed to drop rollback packet")
	}

	var sent, received uint64
	if out != nil {
		sent = token.Sum(out.Tokens)
	}
	if in != nil {
		received = token.Sum(in.Tokens)
	}
	klog.Ledger.Info().
		Str("tx_id", tx.ID).
		Str("role", tx.Role.String()).
		Uint64("sent", sent).
		Uint64("received", received).
		Msg("Transaction applied")
	return nil
}

// handOver moves the telomere of t to newOwner. A telomere carried in the
// packet wins over the stored one; a token with neither gets a fresh one.
func (s *Store) handOver(b storage.Batch, t *token.Token, carried *token.Telomere, newOwner, txID string) error {
	var tel *token.Telomere
	if carried != nil {
		tel = carried.Clone()
	} else {
		stored, err := s.Telomere(t.Key())
		if err != nil {
			return err
		}
		tel = stored
	}
	if tel == nil {
		fresh, err := token.NewTelomere(t.ID, t.Issuer)
		if err != nil {
			return err
		}
		tel = fresh
	}
	if tel.CurrentOwner != newOwner {
		if err := tel.TransferOwnership(newOwner, txID); err != nil {
			return err
		}
	}
	return s.putTelomere(b, tel)
}

// Rollback replays the RetroPak stored for role against the ledger and
// discards it. When v is non-nil the plan proofs are checked against
// holderKey. It returns the number of tokens restored.
func (s *Store) Rollback(txID string, role exchange.Role, v crypto.Verifier, holderKey string) (int, error) {
	retro, err := s.RetroPak(txID, role)
	if err != nil {
		return 0, err
	}
	if retro == nil {
		return 0, fmt.Errorf("%w: %s/%s", ErrNoRetroPak, txID, role)
	}
	n, err := exchange.Replay(txID, retro, s, v, holderKey)
	if err != nil {
		return n, err
	}
	if err := s.vault.Delete(retroKey(txID, role)); err != nil {
		return n, fmt.Errorf("ledger drop retro packet: %w", err)
	}
	klog.Ledger.Warn().Str("tx_id", txID).Int("restored", n).Msg("Transaction rolled back")
	return n, nil
}
