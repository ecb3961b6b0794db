// Package wire frames exchange packets for transport between peers.
package wire

import (
	"errors"
	"fmt"
	"io"

	"github.com/Klingon-tech/tokenwire/internal/exchange"
	"github.com/Klingon-tech/tokenwire/pkg/types"
)

// MaxEnvelopeSize bounds a single encoded envelope.
const MaxEnvelopeSize = 4 << 20

// Errors returned when framing packets.
var (
	ErrTooLarge    = errors.New("envelope too large")
	ErrUnknownKind = errors.New("unknown envelope kind")
)

// Kind identifies the packet carried by an envelope.
type Kind uint8

// Envelope kinds.
const (
	KindInitiation Kind = iota + 1
	KindResponse
	KindConfirmation
	KindAcknowledgement
	KindError
)

var kindNames = map[Kind]string{
	KindInitiation:      "INITIATION",
	KindResponse:        "RESPONSE",
	KindConfirmation:    "CONFIRMATION",
	KindAcknowledgement: "ACKNOWLEDGEMENT",
	KindError:           "ERROR",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Reply returns the kind a peer answers k with, or 0 when k ends the
// exchange.
func (k Kind) Reply() Kind {
	switch k {
	case KindInitiation:
		return KindResponse
	case KindResponse:
		return KindConfirmation
	case KindConfirmation:
		return KindAcknowledgement
	}
	return 0
}

// Envelope carries one encoded packet.
type Envelope struct {
	_             struct{} `cbor:",toarray"`
	Kind          Kind
	TransactionID string
	Payload       []byte
}

// ErrorPayload reports a failure to process the previous packet.
type ErrorPayload struct {
	_       struct{} `cbor:",toarray"`
	Message string
}

// Key identifies the envelope for duplicate detection.
func (e *Envelope) Key() string {
	return e.TransactionID + "/" + e.Kind.String()
}

// Wrap encodes an exchange packet or ErrorPayload into an envelope.
func Wrap(msg any) (*Envelope, error) {
	var kind Kind
	var id string
	switch m := msg.(type) {
	case *exchange.Initiation:
		kind, id = KindInitiation, m.TransactionID
	case *exchange.Response:
		kind, id = KindResponse, m.TransactionID
	case *exchange.Confirmation:
		kind, id = KindConfirmation, m.TransactionID
	case *exchange.Acknowledgement:
		kind, id = KindAcknowledgement, m.TransactionID
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, msg)
	}
	payload, err := types.Cbor.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", kind, err)
	}
	return &Envelope{Kind: kind, TransactionID: id, Payload: payload}, nil
}

// Error builds an error envelope for txID.
func Error(txID string, err error) *Envelope {
	payload, _ := types.Cbor.Marshal(&ErrorPayload{Message: err.Error()})
	return &Envelope{Kind: KindError, TransactionID: txID, Payload: payload}
}

// Unwrap decodes the payload into the packet type named by Kind. An error
// envelope decodes to *ErrorPayload.
func (e *Envelope) Unwrap() (any, error) {
	var msg any
	switch e.Kind {
	case KindInitiation:
		msg = &exchange.Initiation{}
	case KindResponse:
		msg = &exchange.Response{}
	case KindConfirmation:
		msg = &exchange.Confirmation{}
	case KindAcknowledgement:
		msg = &exchange.Acknowledgement{}
	case KindError:
		msg = &ErrorPayload{}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, e.Kind)
	}
	if err := types.Cbor.Unmarshal(e.Payload, msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", e.Kind, err)
	}
	return msg, nil
}

// Marshal encodes the envelope.
func (e *Envelope) Marshal() ([]byte, error) {
	data, err := types.Cbor.Marshal(e)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxEnvelopeSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	return data, nil
}

// Unmarshal decodes an envelope.
func Unmarshal(data []byte) (*Envelope, error) {
	if len(data) > MaxEnvelopeSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	var e Envelope
	if err := types.Cbor.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &e, nil
}

// Write writes one envelope to w.
func Write(w io.Writer, e *Envelope) error {
	data, err := e.Marshal()
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// Read reads one envelope from r, refusing anything over MaxEnvelopeSize.
func Read(r io.Reader) (*Envelope, error) {
	var e Envelope
	lr := &io.LimitedReader{R: r, N: MaxEnvelopeSize + 1}
	if err := types.Cbor.Decode(lr, &e); err != nil {
		if lr.N <= 0 {
			return nil, fmt.Errorf("%w: over %d bytes", ErrTooLarge, MaxEnvelopeSize)
		}
		return nil, fmt.Errorf("read envelope: %w", err)
	}
	return &e, nil
}
