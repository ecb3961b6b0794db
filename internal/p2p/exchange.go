package p2p

import (
	"context"
	"errors"
	"fmt"
	"time"

	klog "github.com/Klingon-tech/tokenwire/internal/log"
	"github.com/Klingon-tech/tokenwire/internal/wire"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

// exchangeTimeout bounds one envelope round trip on a stream.
const exchangeTimeout = 30 * time.Second

// ErrNoHandler is sent back when no exchange handler is registered.
var ErrNoHandler = errors.New("exchange handler not registered")

// ExchangeHandler answers an incoming envelope. Returning nil closes the
// stream without a reply.
type ExchangeHandler func(from peer.ID, env *wire.Envelope) *wire.Envelope

// SetExchangeHandler registers the callback serving ExchangeProtocol streams.
func (n *Node) SetExchangeHandler(fn ExchangeHandler) {
	n.mu.Lock()
	n.exchangeHandler = fn
	n.mu.Unlock()
}

func (n *Node) registerExchangeHandler() {
	n.host.SetStreamHandler(ExchangeProtocol, func(stream network.Stream) {
		defer stream.Close()

		remote := stream.Conn().RemotePeer()
		_ = stream.SetDeadline(time.Now().Add(exchangeTimeout))

		env, err := wire.Read(stream)
		if err != nil {
			klog.P2P.Debug().Err(err).Str("peer", shortID(remote)).Msg("Exchange read failed")
			if n.BanManager != nil {
				n.BanManager.RecordOffense(remote, PenaltyMalformedEnvelope, err.Error())
			}
			return
		}

		reply := n.serveEnvelope(remote, env)
		if reply == nil {
			return
		}
		if err := wire.Write(stream, reply); err != nil {
			klog.P2P.Debug().Err(err).Str("peer", shortID(remote)).Msg("Exchange reply failed")
		}
	})
}

// serveEnvelope dispatches to the registered handler, converting a panic
// into an error reply.
func (n *Node) serveEnvelope(from peer.ID, env *wire.Envelope) (reply *wire.Envelope) {
	n.mu.RLock()
	fn := n.exchangeHandler
	n.mu.RUnlock()
	if fn == nil {
		return wire.Error(env.TransactionID, ErrNoHandler)
	}

	defer func() {
		if r := recover(); r != nil {
			klog.P2P.Error().Interface("panic", r).Str("tx_id", env.TransactionID).Msg("Exchange handler panicked")
			reply = wire.Error(env.TransactionID, fmt.Errorf("internal error"))
		}
	}()
	return fn(from, env)
}

// SendEnvelope opens an exchange stream to id, writes env and waits for the
// peer's reply.
func (n *Node) SendEnvelope(ctx context.Context, id peer.ID, env *wire.Envelope) (*wire.Envelope, error) {
	if n.host == nil {
		return nil, ErrNotStarted
	}
	stream, err := n.host.NewStream(ctx, id, ExchangeProtocol)
	if err != nil {
		return nil, fmt.Errorf("open exchange stream: %w", err)
	}
	defer stream.Close()

	deadline := time.Now().Add(exchangeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = stream.SetDeadline(deadline)

	if err := wire.Write(stream, env); err != nil {
		stream.Reset()
		return nil, fmt.Errorf("write %s: %w", env.Kind, err)
	}
	stream.CloseWrite()

	reply, err := wire.Read(stream)
	if err != nil {
		return nil, fmt.Errorf("read reply to %s: %w", env.Kind, err)
	}
	return reply, nil
}
