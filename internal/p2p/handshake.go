package p2p

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	klog "github.com/Klingon-tech/tokenwire/internal/log"
	"github.com/Klingon-tech/tokenwire/pkg/types"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	// handshakeTimeout is the max time for a complete handshake exchange.
	handshakeTimeout = 10 * time.Second

	// maxHandshakeBytes limits handshake message size.
	maxHandshakeBytes = 4096
)

// ErrHandshakeRejected is returned when a peer's handshake is incompatible.
var ErrHandshakeRejected = errors.New("handshake rejected")

// HandshakeMessage is exchanged between peers to verify compatibility and
// learn the token owner key behind a peer ID.
type HandshakeMessage struct {
	_               struct{} `cbor:",toarray"`
	ProtocolVersion uint32
	NetworkID       string
	Owner           string
}

// registerHandshakeHandler sets up the stream handler for incoming handshakes.
func (n *Node) registerHandshakeHandler() {
	n.host.SetStreamHandler(HandshakeProtocol, func(stream network.Stream) {
		defer stream.Close()

		remote := stream.Conn().RemotePeer()
		_ = stream.SetReadDeadline(time.Now().Add(handshakeTimeout))

		var theirs HandshakeMessage
		if err := types.Cbor.Decode(io.LimitReader(stream, maxHandshakeBytes), &theirs); err != nil {
			klog.P2P.Debug().Err(err).Str("peer", shortID(remote)).Msg("Handshake read failed")
			return
		}

		ours := n.buildHandshakeMessage()
		if err := types.Cbor.Encode(stream, &ours); err != nil {
			klog.P2P.Debug().Err(err).Str("peer", shortID(remote)).Msg("Handshake write failed")
			return
		}

		n.acceptHandshake(remote, theirs)
	})
}

// Handshake runs the handshake with a connected peer (dialer side) and
// returns the peer's message.
func (n *Node) Handshake(ctx context.Context, id peer.ID) (*HandshakeMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	stream, err := n.host.NewStream(ctx, id, HandshakeProtocol)
	if err != nil {
		return nil, fmt.Errorf("open handshake stream: %w", err)
	}
	defer stream.Close()

	_ = stream.SetDeadline(time.Now().Add(handshakeTimeout))

	ours := n.buildHandshakeMessage()
	if err := types.Cbor.Encode(stream, &ours); err != nil {
		return nil, fmt.Errorf("send handshake: %w", err)
	}
	stream.CloseWrite()

	var theirs HandshakeMessage
	if err := types.Cbor.Decode(io.LimitReader(stream, maxHandshakeBytes), &theirs); err != nil {
		return nil, fmt.Errorf("read handshake: %w", err)
	}

	if !n.acceptHandshake(id, theirs) {
		return nil, fmt.Errorf("%w: %s", ErrHandshakeRejected, n.validateHandshake(theirs))
	}
	return &theirs, nil
}

// doHandshake runs Handshake in the background after an outbound connect.
func (n *Node) doHandshake(id peer.ID) {
	if _, err := n.Handshake(n.ctx, id); err != nil && !errors.Is(err, ErrHandshakeRejected) {
		klog.P2P.Debug().Err(err).Str("peer", shortID(id)).Msg("Handshake failed")
	}
}

// acceptHandshake records a compatible peer or bans an incompatible one.
func (n *Node) acceptHandshake(id peer.ID, msg HandshakeMessage) bool {
	if reason := n.validateHandshake(msg); reason != "" {
		klog.P2P.Warn().
			Str("peer", shortID(id)).
			Str("reason", reason).
			Msg("Handshake rejected, banning peer")
		if n.BanManager != nil {
			n.BanManager.RecordOffense(id, PenaltyHandshakeFail, reason)
		}
		n.DisconnectPeer(id)
		return false
	}

	n.mu.Lock()
	p, ok := n.peers[id]
	if !ok {
		p = &Peer{ID: id, ConnectedAt: time.Now()}
		n.peers[id] = p
	}
	p.Owner = msg.Owner
	p.Version = msg.ProtocolVersion
	n.mu.Unlock()

	klog.P2P.Debug().Str("peer", shortID(id)).Str("owner", msg.Owner).Msg("Handshake complete")
	return true
}

// validateHandshake checks a peer's handshake message for compatibility.
// Returns an empty string on success, or a reason string on failure.
func (n *Node) validateHandshake(msg HandshakeMessage) string {
	if msg.NetworkID != n.config.NetworkID {
		return fmt.Sprintf("network mismatch: peer=%q local=%q", msg.NetworkID, n.config.NetworkID)
	}
	if msg.ProtocolVersion < MinProtocolVersion {
		return fmt.Sprintf("protocol version too low: peer=%d min=%d",
			msg.ProtocolVersion, MinProtocolVersion)
	}
	return ""
}

// buildHandshakeMessage constructs our handshake message from node state.
func (n *Node) buildHandshakeMessage() HandshakeMessage {
	return HandshakeMessage{
		ProtocolVersion: ProtocolVersion,
		NetworkID:       n.config.NetworkID,
		Owner:           n.config.Owner,
	}
}
