package token

import (
	"encoding/json"
	"fmt"

	"github.com/Klingon-tech/tokenwire/pkg/types"
)

// Record is any value in the token data model that travels over the wire
// or into storage.
type Record interface {
	TokenID | Token | Telomere | RoundingBuffer
}

// Encode returns the compact binary encoding of v.
func Encode[T Record](v *T) ([]byte, error) {
	data, err := types.Cbor.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return data, nil
}

// Decode parses the compact binary encoding produced by Encode.
func Decode[T Record](data []byte) (*T, error) {
	v := new(T)
	if err := types.Cbor.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("decode %T: %w", v, err)
	}
	return v, nil
}

// EncodeJSON returns the human-readable encoding of v.
func EncodeJSON[T Record](v *T) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json %T: %w", v, err)
	}
	return data, nil
}

// DecodeJSON parses the human-readable encoding produced by EncodeJSON.
func DecodeJSON[T Record](data []byte) (*T, error) {
	v := new(T)
	if err := json.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("decode json %T: %w", v, err)
	}
	return v, nil
}
