package node

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/Klingon-tech/tokenwire/internal/exchange"
	"github.com/Klingon-tech/tokenwire/internal/ledger"
	klog "github.com/Klingon-tech/tokenwire/internal/log"
	"github.com/Klingon-tech/tokenwire/internal/p2p"
	"github.com/Klingon-tech/tokenwire/internal/wire"
	"github.com/Klingon-tech/tokenwire/pkg/token"
)

// announceTimeout bounds publishing spent notices and telomeres.
const announceTimeout = 10 * time.Second

// Abort reasons recorded by the node.
const (
	reasonTransport = "transport"
	reasonInvalid   = "invalid"
	reasonBusy      = "tokens busy"
	reasonOperator  = "operator"
)

// Payment describes an outgoing transfer.
type Payment struct {
	Amount        uint64
	ReverseAmount uint64        // Tokens the receiver sends back in the same exchange
	Purpose       string        // Free-form note kept in transaction metadata
	MaxDuration   time.Duration // Zero uses engine.maxduration
}

// Sender delivers an envelope to the counterparty and returns its reply.
type Sender func(ctx context.Context, env *wire.Envelope) (*wire.Envelope, error)

// RemoteError is an error envelope returned by the counterparty.
type RemoteError struct {
	TransactionID string
	Message       string
}

func (e *RemoteError) Error() string {
	return "peer error: " + e.Message
}

type pendingTx struct {
	reserved []*token.Token
}

func pendingKey(id string, role exchange.Role) string {
	return id + "/" + role.String()
}

func (n *Node) track(id string, role exchange.Role, reserved []*token.Token) bool {
	n.pendingMu.Lock()
	defer n.pendingMu.Unlock()
	k := pendingKey(id, role)
	if _, ok := n.pending[k]; ok {
		return false
	}
	n.pending[k] = &pendingTx{reserved: reserved}
	return true
}

func (n *Node) untrack(id string, role exchange.Role) (*pendingTx, bool) {
	n.pendingMu.Lock()
	defer n.pendingMu.Unlock()
	k := pendingKey(id, role)
	p, ok := n.pending[k]
	delete(n.pending, k)
	return p, ok
}

// Pay sends p to a connected peer over the exchange protocol. The receiver
// key is learned from the peer's handshake.
func (n *Node) Pay(ctx context.Context, to peer.ID, p Payment) (*exchange.Transaction, error) {
	if n.p2pNode == nil {
		return nil, ErrP2PDisabled
	}
	receiver, err := n.p2pNode.OwnerOf(ctx, to)
	if err != nil {
		return nil, fmt.Errorf("learn owner of %s: %w", to, err)
	}
	send := func(ctx context.Context, env *wire.Envelope) (*wire.Envelope, error) {
		return n.p2pNode.SendEnvelope(ctx, to, env)
	}
	return n.PayVia(ctx, send, receiver, p)
}

// PayPeer dials the peer at addr and pays it.
func (n *Node) PayPeer(ctx context.Context, addr string, p Payment) (*exchange.Transaction, error) {
	remote, err := n.Connect(ctx, addr)
	if err != nil {
		return nil, err
	}
	return n.Pay(ctx, remote.ID, p)
}

// PayVia runs the sender side of an exchange with receiver over send.
//
// The whole spendable pool is reserved while the receiver selects from it.
// A rejection or an explicit peer error releases or rolls back the pool at
// once. A transport failure after the confirmation has been sent leaves the
// transaction PREPARED; the sweeper rolls it back once it times out.
func (n *Node) PayVia(ctx context.Context, send Sender, receiver string, p Payment) (*exchange.Transaction, error) {
	pool, err := n.ledger.Spendable(n.owner, n.clock.NowMs())
	if err != nil {
		return nil, err
	}
	if have := token.Sum(pool); have < p.Amount {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientFunds, have, p.Amount)
	}
	if err := n.ledger.Reserve(pool); err != nil {
		return nil, fmt.Errorf("reserve pool: %w", err)
	}

	xctx := exchange.Context{
		Amount:  p.Amount,
		Purpose: p.Purpose,
		Constraints: exchange.Constraints{
			MaxDurationMs: p.MaxDuration.Milliseconds(),
			ReverseAmount: p.ReverseAmount,
		},
	}
	init, err := n.engine.Initiate(xctx, pool, receiver)
	if err != nil {
		n.release(pool)
		return nil, err
	}
	id := init.TransactionID
	n.track(id, exchange.RoleSender, pool)
	logger := n.logger.With().Str("tx_id", id).Logger()

	// ── Initiation → Response ──
	reply, err := roundTrip(ctx, send, init, wire.KindResponse)
	if err != nil {
		n.abortSender(id, reasonTransport)
		return nil, fmt.Errorf("send initiation: %w", err)
	}
	conf, err := n.engine.ProcessResponse(reply.(*exchange.Response))
	if err != nil {
		if !errors.Is(err, exchange.ErrPeerRejected) && !errors.Is(err, exchange.ErrTimeout) {
			n.engine.Abort(id, reasonInvalid)
		}
		n.recover(id, exchange.RoleSender)
		return nil, err
	}

	tx, _ := n.engine.Get(id, exchange.RoleSender)
	if err := n.ledger.PutRetroPak(id, exchange.RoleSender, tx.SenderRetroPak); err != nil {
		n.abortSender(id, reasonInvalid)
		return nil, err
	}
	if err := n.ledger.PutTransaction(tx); err != nil {
		logger.Warn().Err(err).Msg("Failed to persist prepared transaction")
	}

	// ── Confirmation → Acknowledgement ──
	reply, err = roundTrip(ctx, send, conf, wire.KindAcknowledgement)
	if err != nil {
		var remote *RemoteError
		if errors.As(err, &remote) {
			n.abortSender(id, reasonInvalid)
		} else {
			logger.Warn().Err(err).Msg("Acknowledgement lost; awaiting timeout")
		}
		return nil, fmt.Errorf("send confirmation: %w", err)
	}
	final, err := n.engine.Finalize(reply.(*exchange.Acknowledgement))
	if err != nil {
		logger.Warn().Err(err).Msg("Acknowledgement refused; awaiting timeout")
		return nil, err
	}
	if err := n.ledger.ApplyCommitted(final, n.owner); err != nil {
		return nil, err
	}
	n.untrack(id, exchange.RoleSender)
	n.announce(final)
	return final, nil
}

// roundTrip wraps msg, sends it and decodes the reply, which must be of
// kind want for the same transaction.
func roundTrip(ctx context.Context, send Sender, msg any, want wire.Kind) (any, error) {
	env, err := wire.Wrap(msg)
	if err != nil {
		return nil, err
	}
	reply, err := send(ctx, env)
	if err != nil {
		return nil, err
	}
	if reply.TransactionID != env.TransactionID {
		return nil, fmt.Errorf("%w: reply for %s", ErrUnexpectedPacket, reply.TransactionID)
	}
	out, err := reply.Unwrap()
	if err != nil {
		return nil, err
	}
	if e, ok := out.(*wire.ErrorPayload); ok {
		return nil, &RemoteError{TransactionID: reply.TransactionID, Message: e.Message}
	}
	if reply.Kind != want {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrUnexpectedPacket, reply.Kind, want)
	}
	return out, nil
}

// HandleEnvelope serves one packet from a counterparty and returns the
// reply. It runs the receiver side of the exchange.
func (n *Node) HandleEnvelope(from peer.ID, env *wire.Envelope) *wire.Envelope {
	msg, err := env.Unwrap()
	if err != nil {
		n.penalize(from, p2p.PenaltyMalformedEnvelope, err)
		return wire.Error(env.TransactionID, err)
	}
	var reply any
	switch m := msg.(type) {
	case *exchange.Initiation:
		reply, err = n.handleInitiation(m)
	case *exchange.Confirmation:
		reply, err = n.handleConfirmation(m)
	default:
		err = fmt.Errorf("%w: %s", ErrUnexpectedPacket, env.Kind)
	}
	if err != nil {
		if errors.Is(err, exchange.ErrValidationFailed) {
			n.penalize(from, p2p.PenaltyInvalidPacket, err)
		}
		n.logger.Debug().Err(err).Str("tx_id", env.TransactionID).Str("kind", env.Kind.String()).Msg("Packet refused")
		return wire.Error(env.TransactionID, err)
	}
	out, err := wire.Wrap(reply)
	if err != nil {
		return wire.Error(env.TransactionID, err)
	}
	return out
}

func (n *Node) penalize(from peer.ID, penalty int, err error) {
	if n.p2pNode != nil && n.p2pNode.BanManager != nil && from != "" {
		n.p2pNode.BanManager.RecordOffense(from, penalty, err.Error())
	}
}

func (n *Node) handleInitiation(init *exchange.Initiation) (*exchange.Response, error) {
	id := init.TransactionID
	if _, ok := n.engine.Get(id, exchange.RoleReceiver); ok {
		// Repeated initiation: the engine returns its cached response.
		return n.engine.Respond(init, nil, true, "")
	}
	reason, err := n.admit(init)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		return n.engine.Respond(init, nil, false, reason)
	}

	var pool []*token.Token
	if init.Context.Constraints.ReverseAmount > 0 {
		spendable, err := n.ledger.Spendable(n.owner, n.clock.NowMs())
		if err != nil {
			return nil, err
		}
		if err := n.ledger.Reserve(spendable); err != nil {
			return n.engine.Respond(init, nil, false, reasonBusy)
		}
		pool = spendable
	}

	resp, err := n.engine.Respond(init, pool, true, "")
	if err != nil {
		n.release(pool)
		return nil, err
	}
	if !n.track(id, exchange.RoleReceiver, pool) {
		return resp, nil
	}
	tx, _ := n.engine.Get(id, exchange.RoleReceiver)
	if err := n.ledger.PutRetroPak(id, exchange.RoleReceiver, tx.ReceiverRetroPak); err != nil {
		n.engine.Abort(id, reasonInvalid)
		n.recover(id, exchange.RoleReceiver)
		return nil, err
	}
	if err := n.ledger.PutTransaction(tx); err != nil {
		n.logger.Warn().Err(err).Str("tx_id", id).Msg("Failed to persist prepared transaction")
	}
	return resp, nil
}

// admit applies the auto-accept policy and returns a rejection reason, or
// "" to accept. A malformed token list is an error, not a refusal.
func (n *Node) admit(init *exchange.Initiation) (string, error) {
	if slices.Contains(init.SenderTokens, nil) {
		return "", fmt.Errorf("%w: nil sender token", exchange.ErrValidationFailed)
	}
	if limit := n.cfg.Engine.AutoAccept; limit > 0 && init.Context.Amount > limit {
		return fmt.Sprintf("amount %d exceeds auto-accept limit %d", init.Context.Amount, limit), nil
	}
	sender := init.Context.SenderPublicKey
	for _, t := range init.SenderTokens {
		if notice, ok := n.notices.spentBy(t.Key(), sender); ok {
			return fmt.Sprintf("token %s already spent in %s", t.ID, notice.TransactionID), nil
		}
	}
	return "", nil
}

func (n *Node) handleConfirmation(conf *exchange.Confirmation) (*exchange.Acknowledgement, error) {
	id := conf.TransactionID
	ack, err := n.engine.ProcessConfirmation(conf)
	if err != nil {
		if errors.Is(err, exchange.ErrTimeout) {
			n.recover(id, exchange.RoleReceiver)
		}
		return nil, err
	}
	if _, ok := n.untrack(id, exchange.RoleReceiver); ok {
		tx, _ := n.engine.Get(id, exchange.RoleReceiver)
		if err := n.ledger.ApplyCommitted(tx, n.owner); err != nil {
			return nil, err
		}
		n.announce(tx)
	}
	return ack, nil
}

// abortSender aborts the sender copy of id and restores its pool.
func (n *Node) abortSender(id, reason string) {
	if err := n.engine.Abort(id, reason); err != nil && !errors.Is(err, exchange.ErrInvalidState) {
		n.logger.Warn().Err(err).Str("tx_id", id).Msg("Abort failed")
	}
	n.recover(id, exchange.RoleSender)
}

// recover restores holdings after an aborted transaction: the stored
// RetroPak is replayed when there is one, otherwise the reserved tokens
// are released.
func (n *Node) recover(id string, role exchange.Role) {
	p, _ := n.untrack(id, role)
	restored, err := n.ledger.Rollback(id, role, n.engine.Verifier(), n.owner)
	switch {
	case errors.Is(err, ledger.ErrNoRetroPak):
		if p != nil {
			n.release(p.reserved)
		}
	case err != nil:
		n.logger.Error().Err(err).Str("tx_id", id).Msg("Rollback failed")
	default:
		n.logger.Debug().Str("tx_id", id).Int("restored", restored).Msg("Holdings restored")
	}
	if tx, ok := n.engine.Get(id, role); ok {
		if err := n.ledger.PutTransaction(tx); err != nil {
			n.logger.Warn().Err(err).Str("tx_id", id).Msg("Failed to persist aborted transaction")
		}
	}
}

// Rollback aborts id if it is still in flight and restores the holdings
// it reserved. It returns the number of tokens restored. Committed
// transactions have no RetroPak and fail with ledger.ErrNoRetroPak.
func (n *Node) Rollback(id string) (int, error) {
	if err := n.engine.Abort(id, reasonOperator); err != nil && !errors.Is(err, exchange.ErrInvalidState) {
		return 0, err
	}
	var reserved []*token.Token
	restored, replayed := 0, false
	for _, role := range []exchange.Role{exchange.RoleSender, exchange.RoleReceiver} {
		if p, ok := n.untrack(id, role); ok {
			reserved = append(reserved, p.reserved...)
		}
		if tx, ok := n.engine.Get(id, role); ok {
			if err := n.ledger.PutTransaction(tx); err != nil {
				return restored, err
			}
		}
		k, err := n.ledger.Rollback(id, role, n.engine.Verifier(), n.owner)
		switch {
		case errors.Is(err, ledger.ErrNoRetroPak):
		case err != nil:
			return restored, err
		default:
			restored += k
			replayed = true
		}
	}
	if replayed {
		return restored, nil
	}
	if len(reserved) > 0 {
		n.release(reserved)
		return len(reserved), nil
	}
	return 0, fmt.Errorf("%w: %s", ledger.ErrNoRetroPak, id)
}

func (n *Node) release(tokens []*token.Token) {
	if len(tokens) == 0 {
		return
	}
	if err := n.ledger.Release(tokens); err != nil {
		n.logger.Error().Err(err).Int("tokens", len(tokens)).Msg("Failed to release tokens")
	}
}

// Sweep aborts overdue transactions, rolls back their holdings and prunes
// finished transactions and stale notices. It returns the number of
// transactions aborted.
func (n *Node) Sweep() int {
	defer klog.Benchmark("sweep")()
	now := n.clock.NowMs()
	expired := n.engine.ExpireOverdue(now)
	for _, tx := range expired {
		n.logger.Warn().
			Str("tx_id", tx.ID).
			Str("role", tx.Role.String()).
			Msg("Transaction timed out")
		n.recover(tx.ID, tx.Role)
	}
	if r := n.cfg.Engine.Retention; r > 0 {
		n.engine.Registry().Prune(now - r.Milliseconds())
	}
	n.notices.prune(now)
	return len(expired)
}

// announce publishes a spent notice for the tokens this side gave away and,
// when replication is on, the telomeres of the tokens it received.
func (n *Node) announce(tx *exchange.Transaction) {
	if n.p2pNode == nil {
		return
	}
	out, _ := tx.Own()
	in := tx.Incoming()

	if out != nil && len(out.Tokens) > 0 {
		notice, err := p2p.NewSpentNotice(n.key, tx.ID, tokenKeys(out.Tokens), n.clock.NowMs())
		if err == nil {
			err = n.p2pNode.PublishSpent(notice)
		}
		if err != nil && !errors.Is(err, p2p.ErrNotStarted) {
			n.logger.Warn().Err(err).Str("tx_id", tx.ID).Msg("Failed to publish spent notice")
		}
	}

	if !n.cfg.P2P.Replicate || in == nil || len(in.Tokens) == 0 {
		return
	}
	ids := tokenKeys(in.Tokens)
	n.group.Go(func() error {
		ctx, cancel := context.WithTimeout(n.ctx, announceTimeout)
		defer cancel()
		for _, id := range ids {
			tel, err := n.ledger.Telomere(id)
			if err != nil || tel == nil {
				continue
			}
			if err := n.p2pNode.PublishTelomere(ctx, tel); err != nil {
				n.logger.Debug().Err(err).Str("token", shortKey(id)).Msg("Telomere not replicated")
			}
		}
		return nil
	})
}
