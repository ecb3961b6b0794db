package p2p

import (
	"github.com/libp2p/go-libp2p/core/protocol"
)

// GossipSub topic names.
const (
	TopicSpent = "/tokenwire/spent/1.0.0"
)

// Stream protocols.
const (
	// ExchangeProtocol carries one exchange envelope per stream and its reply.
	ExchangeProtocol = protocol.ID("/tokenwire/exchange/1.0.0")

	// HandshakeProtocol is the stream protocol ID for peer compatibility checking.
	HandshakeProtocol = protocol.ID("/tokenwire/handshake/1.0.0")

	// ProtocolVersion is the current protocol version advertised during handshake.
	ProtocolVersion uint32 = 1

	// MinProtocolVersion is the minimum protocol version we accept from peers.
	MinProtocolVersion uint32 = 1
)

// TelomereNamespace is the DHT record namespace holding telomeres.
const TelomereNamespace = "tokenwire"

// TelomereKey returns the DHT record key for a token's telomere.
func TelomereKey(tokenID string) string {
	return "/" + TelomereNamespace + "/" + tokenID
}
