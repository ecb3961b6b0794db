package types

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Cbor is the compact binary codec used for records, packets and wire
// envelopes. Encoding is deterministic (core deterministic encoding) so
// digests over encoded records are stable across nodes.
var Cbor = newCborHandler()

type cborHandler struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCborHandler() cborHandler {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor encoder options: %v", err))
	}
	dec, err := cbor.DecOptions{
		MaxArrayElements: 1 << 16,
		MaxMapPairs:      1 << 12,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("cbor decoder options: %v", err))
	}
	return cborHandler{enc: enc, dec: dec}
}

// Marshal encodes v.
func (c cborHandler) Marshal(v any) ([]byte, error) {
	return c.enc.Marshal(v)
}

// Unmarshal decodes data into v.
func (c cborHandler) Unmarshal(data []byte, v any) error {
	return c.dec.Unmarshal(data, v)
}

// Encode writes the encoding of v to w.
func (c cborHandler) Encode(w io.Writer, v any) error {
	return c.enc.NewEncoder(w).Encode(v)
}

// Decode reads a single encoded item from r into v.
func (c cborHandler) Decode(r io.Reader, v any) error {
	return c.dec.NewDecoder(r).Decode(v)
}
