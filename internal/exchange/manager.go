package exchange

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/tokenwire/internal/clock"
	"github.com/Klingon-tech/tokenwire/internal/denom"
	klog "github.com/Klingon-tech/tokenwire/internal/log"
	"github.com/Klingon-tech/tokenwire/pkg/crypto"
	"github.com/Klingon-tech/tokenwire/pkg/token"
)

// DefaultMaxDuration bounds a transaction when its context sets no limit.
const DefaultMaxDuration = 5 * time.Minute

// Abort reasons recorded in transaction metadata.
const (
	ReasonTimeout  = "timeout"
	ReasonRejected = "rejected"
)

// Config configures a Manager.
type Config struct {
	// Signer produces this party's commitment and rollback proofs. Required.
	Signer crypto.Signer
	// Verifier checks the peer's proofs. Defaults to Schnorr.
	Verifier crypto.Verifier
	// Clock supplies protocol time. Defaults to the system clock.
	Clock clock.Source
	// Profile is the ideal distribution used to build vector clocks.
	Profile denom.Profile
	// DefaultMaxDuration applies when a context sets no MaxDurationMs.
	DefaultMaxDuration time.Duration
	// RollbackTimeout is written into every rollback plan.
	RollbackTimeout time.Duration
	// Telomeres, when set, is consulted to prove ownership of offered tokens.
	Telomeres TelomereSource
	// RequireTelomeres rejects initiations that carry no ownership records.
	RequireTelomeres bool
	// MinTimeConfidence refuses to start or accept transactions while the
	// clock's confidence is below this value.
	MinTimeConfidence float64
}

// Manager runs the four-packet protocol for one party.
type Manager struct {
	cfg    Config
	pubKey string
	reg    *Registry
	logger zerolog.Logger
}

// NewManager creates a manager. It fills unset optional fields with defaults.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Signer == nil {
		return nil, errors.New("exchange: signer is required")
	}
	if cfg.Verifier == nil {
		cfg.Verifier = crypto.SchnorrVerifier{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.Profile == (denom.Profile{}) {
		cfg.Profile = denom.DefaultProfile()
	}
	if err := cfg.Profile.Validate(); err != nil {
		return nil, err
	}
	if cfg.DefaultMaxDuration <= 0 {
		cfg.DefaultMaxDuration = DefaultMaxDuration
	}
	if cfg.RollbackTimeout <= 0 {
		cfg.RollbackTimeout = DefaultRollbackTimeout
	}
	return &Manager{
		cfg:    cfg,
		pubKey: hex.EncodeToString(cfg.Signer.PublicKey()),
		reg:    NewRegistry(),
		logger: klog.Exchange,
	}, nil
}

// PublicKey returns this party's hex-encoded public key.
func (m *Manager) PublicKey() string { return m.pubKey }

// Registry exposes the transaction registry.
func (m *Manager) Registry() *Registry { return m.reg }

// Verifier returns the verifier used for peer proofs.
func (m *Manager) Verifier() crypto.Verifier { return m.cfg.Verifier }

// Clock returns the protocol time source.
func (m *Manager) Clock() clock.Source { return m.cfg.Clock }

// Profile returns the ideal distribution used for vector clocks.
func (m *Manager) Profile() denom.Profile { return m.cfg.Profile }

func (m *Manager) now() int64 { return m.cfg.Clock.NowMs() }

func (m *Manager) checkConfidence() error {
	if c := m.cfg.Clock.Confidence(); c < m.cfg.MinTimeConfidence {
		return fmt.Errorf("%w: time confidence %.2f below %.2f", ErrValidationFailed, c, m.cfg.MinTimeConfidence)
	}
	return nil
}

// Initiate opens a transaction as sender. senderTokens is the pool the
// receiver may select from; it must cover ctx.Amount.
func (m *Manager) Initiate(ctx Context, senderTokens []*token.Token, receiverKey string) (*Initiation, error) {
	if err := m.checkConfidence(); err != nil {
		return nil, err
	}
	now := m.now()

	if ctx.SenderPublicKey == "" {
		ctx.SenderPublicKey = m.pubKey
	} else if ctx.SenderPublicKey != m.pubKey {
		return nil, fmt.Errorf("%w: sender key does not match signer", ErrValidationFailed)
	}
	ctx.ReceiverPublicKey = receiverKey
	if err := validateContext(&ctx); err != nil {
		return nil, err
	}
	if err := validatePool(senderTokens, now); err != nil {
		return nil, fmt.Errorf("sender pool: %w", err)
	}
	if have := token.Sum(senderTokens); have < ctx.Amount {
		return nil, fmt.Errorf("%w: %w: pool holds %d, need %d",
			ErrValidationFailed, denom.ErrInsufficientTokens, have, ctx.Amount)
	}
	tels, err := m.ownedTelomeres(senderTokens, ctx.SenderPublicKey)
	if err != nil {
		return nil, err
	}

	maxDur := m.maxDuration(&ctx)
	ctx.Constraints.MaxDurationMs = maxDur.Milliseconds()

	pool := cloneTokens(senderTokens)
	own := denom.NewClock(m.cfg.Profile)
	own.UpdateFromTokens(pool)

	tx := &Transaction{
		ID:      uuid.NewString(),
		Role:    RoleSender,
		State:   StateInitiated,
		Context: ctx,
		Timestamps: Timestamps{
			CreatedAt:   now,
			InitiatedAt: now,
			TimeoutAt:   now + maxDur.Milliseconds(),
		},
		Metadata: map[string]string{},
	}
	if ctx.Purpose != "" {
		tx.Metadata[MetaPurpose] = ctx.Purpose
	}
	init := &Initiation{
		TransactionID:  tx.ID,
		Context:        ctx,
		SenderTokens:   cloneTokens(pool),
		ReceiverTokens: []*token.Token{},
		SenderClock:    own.Packed(),
		Telomeres:      tels,
		TimestampMs:    now,
	}
	if _, ok := m.reg.add(&entry{tx: tx, pool: pool, initiation: init}); !ok {
		return nil, fmt.Errorf("%w: duplicate transaction id %s", ErrInternal, tx.ID)
	}

	m.logger.Debug().
		Str("tx_id", tx.ID).
		Uint64("amount", ctx.Amount).
		Int("pool", len(pool)).
		Msg("Transaction initiated")
	return init, nil
}

// Respond answers an initiation as receiver. A rejection returns a
// response and records nothing. An acceptance selects the sender's tokens,
// builds both ExoPaks and RetroPaks and leaves the receiver's copy PREPARED.
// Repeating Respond for the same transaction returns the first response.
func (m *Manager) Respond(init *Initiation, receiverTokens []*token.Token, accept bool, reason string) (*Response, error) {
	if init == nil || init.TransactionID == "" {
		return nil, fmt.Errorf("%w: missing initiation", ErrValidationFailed)
	}
	now := m.now()
	if !accept {
		m.logger.Debug().Str("tx_id", init.TransactionID).Str("reason", reason).Msg("Transaction rejected")
		return &Response{
			TransactionID: init.TransactionID,
			Accepted:      false,
			Reason:        reason,
			TimestampMs:   now,
		}, nil
	}
	if e := m.reg.get(init.TransactionID, RoleReceiver); e != nil {
		return cachedResponse(e)
	}
	if err := m.checkConfidence(); err != nil {
		return nil, err
	}

	ctx := init.Context
	if err := validateContext(&ctx); err != nil {
		return nil, err
	}
	if ctx.ReceiverPublicKey != m.pubKey {
		return nil, fmt.Errorf("%w: initiation addressed to another key", ErrValidationFailed)
	}
	if err := validatePool(init.SenderTokens, now); err != nil {
		return nil, fmt.Errorf("sender pool: %w", err)
	}
	if err := m.checkInitiationTelomeres(init); err != nil {
		return nil, err
	}
	if err := validateTokens(receiverTokens, now, true); err != nil {
		return nil, fmt.Errorf("receiver pool: %w", err)
	}

	recvPool := cloneTokens(receiverTokens)
	senderClock := denom.FromPacked(init.SenderClock)
	recvClock := denom.NewClock(m.cfg.Profile)
	recvClock.UpdateFromTokens(recvPool)

	sel, err := denom.Select(init.SenderTokens, ctx.Amount, senderClock, recvClock)
	if err != nil {
		return nil, fmt.Errorf("%w: sender pool: %w", ErrValidationFailed, err)
	}
	senderPicked, senderKept := partition(init.SenderTokens, sel.Tokens)

	var recvPicked, recvKept []*token.Token
	if reverse := ctx.Constraints.ReverseAmount; reverse > 0 {
		rsel, err := denom.Select(recvPool, reverse, recvClock, senderClock)
		if err != nil {
			return nil, fmt.Errorf("%w: receiver pool: %w", ErrValidationFailed, err)
		}
		recvPicked, recvKept = partition(recvPool, rsel.Tokens)
	} else {
		_, recvKept = partition(recvPool, nil)
	}
	recvTels, err := m.ownedTelomeres(recvPicked, m.pubKey)
	if err != nil {
		return nil, err
	}

	senderExo := newExoPak(senderPicked, pickTelomeres(init.Telomeres, senderPicked))
	receiverExo := newExoPak(recvPicked, recvTels)

	senderPlan, err := buildRollbackPlan(init.TransactionID, ctx.SenderPublicKey, init.SenderTokens, m.cfg.RollbackTimeout, nil)
	if err != nil {
		return nil, err
	}
	recvPlan, err := buildRollbackPlan(init.TransactionID, m.pubKey, recvPool, m.cfg.RollbackTimeout, m.cfg.Signer)
	if err != nil {
		return nil, err
	}

	maxDur := m.maxDuration(&ctx)
	tx := &Transaction{
		ID:               init.TransactionID,
		Role:             RoleReceiver,
		State:            StateInitiated,
		Context:          ctx,
		SenderExoPak:     senderExo,
		ReceiverExoPak:   receiverExo,
		SenderRetroPak:   newRetroPak(senderKept, senderPlan),
		ReceiverRetroPak: newRetroPak(recvKept, recvPlan),
		Timestamps: Timestamps{
			CreatedAt:   now,
			InitiatedAt: init.TimestampMs,
			TimeoutAt:   now + maxDur.Milliseconds(),
		},
		Metadata: map[string]string{},
	}
	if ctx.Purpose != "" {
		tx.Metadata[MetaPurpose] = ctx.Purpose
	}
	if err := m.advance(tx, StatePreparing, StatePrepared); err != nil {
		return nil, err
	}
	tx.Timestamps.PreparedAt = now

	resp := &Response{
		TransactionID:  tx.ID,
		Accepted:       true,
		SenderExoPak:   senderExo.Clone(),
		ReceiverExoPak: receiverExo.Clone(),
		ReceiverClock:  recvClock.Packed(),
		TimestampMs:    now,
	}
	e := &entry{tx: tx, pool: recvPool, response: resp}
	if existing, ok := m.reg.add(e); !ok {
		return cachedResponse(existing)
	}

	m.logger.Debug().
		Str("tx_id", tx.ID).
		Int("sender_tokens", len(senderPicked)).
		Int("receiver_tokens", len(recvPicked)).
		Int("score", sel.Score).
		Msg("Transaction accepted")
	return resp, nil
}

func cachedResponse(e *entry) (*Response, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.response == nil {
		return nil, fmt.Errorf("%w: transaction %s already known", ErrInvalidState, e.tx.ID)
	}
	return e.response, nil
}

// ProcessResponse handles the receiver's answer as sender. A rejection
// aborts the transaction and returns ErrPeerRejected with no confirmation.
// An acceptance is checked against the offered pool; on success the
// transaction is PREPARED and the sender's commitment proof is returned.
func (m *Manager) ProcessResponse(resp *Response) (*Confirmation, error) {
	if resp == nil {
		return nil, fmt.Errorf("%w: missing response", ErrValidationFailed)
	}
	e := m.reg.get(resp.TransactionID, RoleSender)
	if e == nil {
		return nil, fmt.Errorf("%w: unknown transaction %s", ErrInvalidState, resp.TransactionID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	tx := e.tx

	if e.confirmation != nil && tx.State != StateAborted {
		return e.confirmation, nil
	}
	if tx.State == StateAborted && tx.Metadata[MetaAbortReason] == ReasonRejected && !resp.Accepted {
		return nil, fmt.Errorf("%w: %s", ErrPeerRejected, resp.Reason)
	}
	if tx.State != StateInitiated {
		return nil, fmt.Errorf("%w: transaction %s is %s", ErrInvalidState, tx.ID, tx.State)
	}

	now := m.now()
	if !resp.Accepted {
		if resp.Reason != "" {
			tx.Metadata["rejectReason"] = resp.Reason
		}
		m.abortLocked(e, ReasonRejected, now)
		return nil, fmt.Errorf("%w: %s", ErrPeerRejected, resp.Reason)
	}
	if now > tx.Timestamps.TimeoutAt {
		m.abortLocked(e, ReasonTimeout, now)
		return nil, fmt.Errorf("%w: response arrived after %d", ErrTimeout, tx.Timestamps.TimeoutAt)
	}
	if resp.SenderExoPak == nil || resp.ReceiverExoPak == nil {
		return nil, fmt.Errorf("%w: response is missing an exo packet", ErrValidationFailed)
	}
	if err := checkSelection(e.pool, resp.SenderExoPak, tx.Context.Amount); err != nil {
		return nil, fmt.Errorf("sender exo packet: %w", err)
	}
	if err := m.checkIncoming(resp.ReceiverExoPak, tx.Context.Constraints.ReverseAmount, tx.Context.ReceiverPublicKey, now); err != nil {
		return nil, fmt.Errorf("receiver exo packet: %w", err)
	}

	picked, kept := partition(e.pool, resp.SenderExoPak.Tokens)
	senderExo := resp.SenderExoPak.Clone()
	senderExo.Tokens = picked
	senderExo.setTokenStatus(token.StatusReserved)
	plan, err := buildRollbackPlan(tx.ID, tx.Context.SenderPublicKey, e.pool, m.cfg.RollbackTimeout, m.cfg.Signer)
	if err != nil {
		return nil, err
	}

	tx.SenderExoPak = senderExo
	tx.ReceiverExoPak = resp.ReceiverExoPak.Clone()
	tx.SenderRetroPak = newRetroPak(kept, plan)
	proof, err := m.sign(commitmentDigest(tx, RoleSender))
	if err != nil {
		tx.SenderExoPak, tx.ReceiverExoPak, tx.SenderRetroPak = nil, nil, nil
		return nil, err
	}
	if err := m.advance(tx, StatePreparing, StatePrepared); err != nil {
		return nil, err
	}
	tx.Proofs.SenderCommitment = proof
	tx.SenderExoPak.Status = PakSent
	tx.Timestamps.PreparedAt = now

	e.confirmation = &Confirmation{
		TransactionID:         tx.ID,
		SenderCommitmentProof: cloneBytes(proof),
		TimestampMs:           now,
	}
	return e.confirmation, nil
}

// ProcessConfirmation handles the sender's commitment proof as receiver.
// The receiver has no further round trip to wait on, so its copy commits
// immediately and the returned acknowledgement carries its own proof.
func (m *Manager) ProcessConfirmation(conf *Confirmation) (*Acknowledgement, error) {
	if conf == nil {
		return nil, fmt.Errorf("%w: missing confirmation", ErrValidationFailed)
	}
	e := m.reg.get(conf.TransactionID, RoleReceiver)
	if e == nil {
		return nil, fmt.Errorf("%w: unknown transaction %s", ErrInvalidState, conf.TransactionID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	tx := e.tx

	if e.ack != nil {
		return e.ack, nil
	}
	if tx.State != StatePrepared {
		return nil, fmt.Errorf("%w: transaction %s is %s", ErrInvalidState, tx.ID, tx.State)
	}
	now := m.now()
	if now > tx.Timestamps.TimeoutAt {
		m.abortLocked(e, ReasonTimeout, now)
		return nil, fmt.Errorf("%w: confirmation arrived after %d", ErrTimeout, tx.Timestamps.TimeoutAt)
	}
	if !VerifyCommitmentProof(m.cfg.Verifier, conf.SenderCommitmentProof, tx, RoleSender) {
		return nil, fmt.Errorf("%w: sender commitment proof", ErrValidationFailed)
	}
	proof, err := m.sign(commitmentDigest(tx, RoleReceiver))
	if err != nil {
		return nil, err
	}

	if err := m.transition(tx, StateCommitting); err != nil {
		return nil, err
	}
	tx.Proofs.SenderCommitment = cloneBytes(conf.SenderCommitmentProof)
	tx.Proofs.ReceiverCommitment = proof
	tx.SenderExoPak.Status = PakReceived
	tx.ReceiverExoPak.Status = PakSent
	tx.SenderExoPak.setTokenStatus(token.StatusActive)
	tx.ReceiverExoPak.setTokenStatus(token.StatusSpent)
	if err := m.transition(tx, StateCommitted); err != nil {
		return nil, err
	}
	tx.Timestamps.CommittedAt = now
	tx.Timestamps.CompletedAt = now
	m.reg.complete(e)

	e.ack = &Acknowledgement{
		TransactionID:           tx.ID,
		ReceiverCommitmentProof: cloneBytes(proof),
		TimestampMs:             now,
	}
	m.logger.Info().Str("tx_id", tx.ID).Str("role", tx.Role.String()).Msg("Transaction committed")
	return e.ack, nil
}

// Finalize handles the receiver's acknowledgement as sender, binding both
// commitment proofs into the atomic proof and committing the sender's copy.
func (m *Manager) Finalize(ack *Acknowledgement) (*Transaction, error) {
	if ack == nil {
		return nil, fmt.Errorf("%w: missing acknowledgement", ErrValidationFailed)
	}
	e := m.reg.get(ack.TransactionID, RoleSender)
	if e == nil {
		return nil, fmt.Errorf("%w: unknown transaction %s", ErrInvalidState, ack.TransactionID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	tx := e.tx

	if tx.State == StateCommitted {
		return tx.Clone(), nil
	}
	if tx.State != StatePrepared {
		return nil, fmt.Errorf("%w: transaction %s is %s", ErrInvalidState, tx.ID, tx.State)
	}
	if !VerifyCommitmentProof(m.cfg.Verifier, ack.ReceiverCommitmentProof, tx, RoleReceiver) {
		return nil, fmt.Errorf("%w: receiver commitment proof", ErrValidationFailed)
	}

	tx.Proofs.ReceiverCommitment = cloneBytes(ack.ReceiverCommitmentProof)
	atomic, err := m.sign(atomicDigest(tx))
	if err != nil {
		tx.Proofs.ReceiverCommitment = nil
		return nil, err
	}
	tx.Proofs.AtomicCommitment = atomic
	sig, err := m.sign(transactionDigest(tx))
	if err != nil {
		tx.Proofs.ReceiverCommitment, tx.Proofs.AtomicCommitment = nil, nil
		return nil, err
	}
	tx.Proofs.TransactionSignature = sig

	now := m.now()
	if err := m.transition(tx, StateCommitting); err != nil {
		return nil, err
	}
	tx.SenderExoPak.Status = PakCommitted
	tx.ReceiverExoPak.Status = PakCommitted
	tx.SenderExoPak.setTokenStatus(token.StatusSpent)
	tx.ReceiverExoPak.setTokenStatus(token.StatusActive)
	if err := m.transition(tx, StateCommitted); err != nil {
		return nil, err
	}
	tx.Timestamps.CommittedAt = now
	tx.Timestamps.CompletedAt = now
	m.reg.complete(e)

	m.logger.Info().Str("tx_id", tx.ID).Str("role", tx.Role.String()).Msg("Transaction committed")
	return tx.Clone(), nil
}

// Abort moves every non-terminal local copy of the transaction to ABORTED.
// It fails with ErrInvalidState when the id is unknown or already terminal.
func (m *Manager) Abort(id, reason string) error {
	now := m.now()
	aborted := false
	for _, role := range []Role{RoleSender, RoleReceiver} {
		e := m.reg.get(id, role)
		if e == nil {
			continue
		}
		e.mu.Lock()
		if !e.tx.State.IsTerminal() {
			m.abortLocked(e, reason, now)
			aborted = true
		}
		e.mu.Unlock()
	}
	if !aborted {
		return fmt.Errorf("%w: transaction %s is unknown or already terminal", ErrInvalidState, id)
	}
	return nil
}

// ExpireOverdue aborts every pending transaction whose deadline is before
// nowMs and returns snapshots of them. Callers replay the RetroPaks of the
// returned transactions to restore their holdings.
func (m *Manager) ExpireOverdue(nowMs int64) []*Transaction {
	var expired []*Transaction
	for _, e := range m.reg.pendingEntries() {
		e.mu.Lock()
		if !e.tx.State.IsTerminal() && nowMs > e.tx.Timestamps.TimeoutAt {
			m.abortLocked(e, ReasonTimeout, nowMs)
			expired = append(expired, e.tx.Clone())
		}
		e.mu.Unlock()
	}
	return expired
}

// GetTransaction returns a snapshot of the transaction, preferring the
// sender copy when this manager holds both.
func (m *Manager) GetTransaction(id string) (*Transaction, bool) {
	if tx, ok := m.Get(id, RoleSender); ok {
		return tx, true
	}
	return m.Get(id, RoleReceiver)
}

// Get returns a snapshot of one side's copy of a transaction.
func (m *Manager) Get(id string, role Role) (*Transaction, bool) {
	e := m.reg.get(id, role)
	if e == nil {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tx.Clone(), true
}

// VerifyCommitmentProof reports whether proof is role's commitment to tx.
func (m *Manager) VerifyCommitmentProof(proof []byte, tx *Transaction, role Role) bool {
	return VerifyCommitmentProof(m.cfg.Verifier, proof, tx, role)
}

// abortLocked moves e to ABORTED. Caller holds e.mu.
func (m *Manager) abortLocked(e *entry, reason string, now int64) {
	tx := e.tx
	from := tx.State
	if err := m.transition(tx, StateAborted); err != nil {
		return
	}
	if tx.Metadata == nil {
		tx.Metadata = map[string]string{}
	}
	tx.Metadata[MetaAbortReason] = reason
	tx.Timestamps.CompletedAt = now
	if exo, _ := tx.Own(); exo != nil {
		exo.setTokenStatus(token.StatusActive)
	}
	m.reg.complete(e)

	m.logger.Warn().
		Str("tx_id", tx.ID).
		Str("role", tx.Role.String()).
		Stringer("from", from).
		Str("reason", reason).
		Msg("Transaction aborted")
}

// transition moves tx one step forward or to ABORTED.
func (m *Manager) transition(tx *Transaction, to State) error {
	from := tx.State
	if from.IsTerminal() || (to != StateAborted && to != from+1) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, from, to)
	}
	tx.State = to
	m.logger.Debug().
		Str("tx_id", tx.ID).
		Str("role", tx.Role.String()).
		Stringer("from", from).
		Stringer("to", to).
		Msg("State transition")
	return nil
}

func (m *Manager) advance(tx *Transaction, states ...State) error {
	for _, s := range states {
		if err := m.transition(tx, s); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) sign(digest [32]byte) ([]byte, error) {
	sig, err := m.cfg.Signer.Sign(digest[:])
	if err != nil {
		return nil, fmt.Errorf("%w: sign: %v", ErrInternal, err)
	}
	return sig, nil
}

func (m *Manager) maxDuration(ctx *Context) time.Duration {
	if ctx.Constraints.MaxDurationMs > 0 {
		return time.Duration(ctx.Constraints.MaxDurationMs) * time.Millisecond
	}
	return m.cfg.DefaultMaxDuration
}

// ownedTelomeres loads the telomeres of tokens and checks owner holds each.
// It returns nil when no telomere source is configured.
func (m *Manager) ownedTelomeres(tokens []*token.Token, owner string) ([]*token.Telomere, error) {
	if m.cfg.Telomeres == nil || len(tokens) == 0 {
		return nil, nil
	}
	tels := make([]*token.Telomere, 0, len(tokens))
	for _, t := range tokens {
		tel, err := m.cfg.Telomeres.Telomere(t.Key())
		if err != nil {
			return nil, fmt.Errorf("%w: load telomere %s: %v", ErrInternal, t.ID, err)
		}
		if tel == nil {
			if m.cfg.RequireTelomeres {
				return nil, fmt.Errorf("%w: token %s has no telomere", ErrValidationFailed, t.ID)
			}
			continue
		}
		if tel.CurrentOwner != owner {
			return nil, fmt.Errorf("%w: token %s is owned by another key", ErrValidationFailed, t.ID)
		}
		tels = append(tels, tel.Clone())
	}
	return tels, nil
}

// checkInitiationTelomeres verifies that every offered token carries a
// telomere naming the sender as current owner.
func (m *Manager) checkInitiationTelomeres(init *Initiation) error {
	if len(init.Telomeres) == 0 {
		if m.cfg.RequireTelomeres {
			return fmt.Errorf("%w: initiation carries no telomeres", ErrValidationFailed)
		}
		return nil
	}
	return checkTelomeres(init.SenderTokens, init.Telomeres, init.Context.SenderPublicKey, m.cfg.RequireTelomeres)
}

// checkIncoming validates an ExoPak this side will receive.
func (m *Manager) checkIncoming(p *ExoPak, amount uint64, owner string, now int64) error {
	if !p.Sealed() {
		return fmt.Errorf("%w: packet proof does not match contents", ErrValidationFailed)
	}
	if p.Sum() != amount {
		return fmt.Errorf("%w: packet sums to %d, want %d", ErrValidationFailed, p.Sum(), amount)
	}
	if len(p.Tokens) == 0 {
		return nil
	}
	if err := validateTokens(p.Tokens, now, false); err != nil {
		return err
	}
	if len(p.Telomeres) == 0 && !m.cfg.RequireTelomeres {
		return nil
	}
	return checkTelomeres(p.Tokens, p.Telomeres, owner, m.cfg.RequireTelomeres)
}

func checkTelomeres(tokens []*token.Token, tels []*token.Telomere, owner string, requireAll bool) error {
	byID := make(map[string]*token.Telomere, len(tels))
	for _, tel := range tels {
		if err := tel.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrValidationFailed, err)
		}
		if tel.CurrentOwner != owner {
			return fmt.Errorf("%w: token %s is owned by another key", ErrValidationFailed, tel.TokenID)
		}
		byID[tel.TokenID.ID] = tel
	}
	if !requireAll {
		return nil
	}
	for _, t := range tokens {
		if _, ok := byID[t.Key()]; !ok {
			return fmt.Errorf("%w: token %s has no telomere", ErrValidationFailed, t.ID)
		}
	}
	return nil
}

func validateContext(ctx *Context) error {
	switch {
	case ctx.Amount == 0:
		return fmt.Errorf("%w: amount must be positive", ErrValidationFailed)
	case ctx.SenderPublicKey == "":
		return fmt.Errorf("%w: missing sender key", ErrValidationFailed)
	case ctx.ReceiverPublicKey == "":
		return fmt.Errorf("%w: missing receiver key", ErrValidationFailed)
	case ctx.Constraints.MaxDurationMs < 0:
		return fmt.Errorf("%w: negative max duration", ErrValidationFailed)
	}
	return nil
}

// validatePool checks that a pool offered for selection is non-empty,
// well-formed, unique and spendable.
func validatePool(tokens []*token.Token, now int64) error {
	if len(tokens) == 0 {
		return fmt.Errorf("%w: empty token pool", ErrValidationFailed)
	}
	return validateTokens(tokens, now, true)
}

// validateTokens checks well-formedness, uniqueness and expiry. With
// spendable set, every token must also be ACTIVE.
func validateTokens(tokens []*token.Token, now int64, spendable bool) error {
	seen := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		if t == nil {
			return fmt.Errorf("%w: nil token", ErrValidationFailed)
		}
		if err := t.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrValidationFailed, err)
		}
		if _, dup := seen[t.Key()]; dup {
			return fmt.Errorf("%w: token %s offered twice", ErrValidationFailed, t.ID)
		}
		seen[t.Key()] = struct{}{}
		if t.IsExpired(now) {
			return fmt.Errorf("%w: token %s expired", ErrValidationFailed, t.ID)
		}
		if spendable && t.Status != token.StatusActive {
			return fmt.Errorf("%w: token %s is %s", ErrValidationFailed, t.ID, t.Status)
		}
	}
	return nil
}

// checkSelection verifies that p draws only from pool, uses each token
// once and sums exactly to amount.
func checkSelection(pool []*token.Token, p *ExoPak, amount uint64) error {
	if !p.Sealed() {
		return fmt.Errorf("%w: packet proof does not match contents", ErrValidationFailed)
	}
	byKey := make(map[string]*token.Token, len(pool))
	for _, t := range pool {
		byKey[t.Key()] = t
	}
	used := make(map[string]struct{}, len(p.Tokens))
	for _, t := range p.Tokens {
		orig, ok := byKey[t.Key()]
		if !ok {
			return fmt.Errorf("%w: token %s was not offered", ErrValidationFailed, t.ID)
		}
		if orig.Denomination != t.Denomination {
			return fmt.Errorf("%w: token %s denomination changed", ErrValidationFailed, t.ID)
		}
		if _, dup := used[t.Key()]; dup {
			return fmt.Errorf("%w: token %s selected twice", ErrValidationFailed, t.ID)
		}
		used[t.Key()] = struct{}{}
	}
	if sum := p.Sum(); sum != amount {
		return fmt.Errorf("%w: selection sums to %d, want %d", ErrValidationFailed, sum, amount)
	}
	return nil
}

func newExoPak(tokens []*token.Token, tels []*token.Telomere) *ExoPak {
	if tokens == nil {
		tokens = []*token.Token{}
	}
	p := &ExoPak{
		Pak:       Pak{ID: uuid.NewString(), Status: PakCreated, Tokens: tokens},
		Telomeres: tels,
	}
	p.setTokenStatus(token.StatusReserved)
	p.Seal()
	return p
}

func newRetroPak(kept []*token.Token, plan RollbackPlan) *RetroPak {
	if kept == nil {
		kept = []*token.Token{}
	}
	return &RetroPak{
		Pak:      Pak{ID: uuid.NewString(), Status: PakCreated, Tokens: kept, Proof: cloneBytes(plan.Proof)},
		Rollback: plan,
	}
}

func pickTelomeres(tels []*token.Telomere, tokens []*token.Token) []*token.Telomere {
	if len(tels) == 0 {
		return nil
	}
	want := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		want[t.Key()] = struct{}{}
	}
	var out []*token.Telomere
	for _, tel := range tels {
		if _, ok := want[tel.TokenID.ID]; ok {
			out = append(out, tel.Clone())
		}
	}
	return out
}
