package token

import (
	"reflect"
	"testing"
)

func populatedRecords(t *testing.T) (TokenID, Token, Telomere, RoundingBuffer) {
	t.Helper()
	id := mustID(t, "issuance-xyz", 77)
	tok := mustToken(t, D200, 77).WithExpiry(1_800_000_000_000)
	tok.Status = StatusReserved

	tel, _ := NewTelomere(id, "alice")
	_ = tel.TransferOwnership("bob", "tx-1")
	_ = tel.TransferOwnership("carol", "tx-2")

	buf, _ := NewRoundingBuffer(mustToken(t, D1, 3).WithExpiry(1_900_000_000_000))
	_, _ = buf.AddToBuffer(0.37, "tx-9")
	return id, *tok, *tel, *buf
}

func roundTrip[T Record](t *testing.T, name string, v T) {
	t.Helper()
	bin, err := Encode(&v)
	if err != nil {
		t.Fatalf("%s Encode: %v", name, err)
	}
	got, err := Decode[T](bin)
	if err != nil {
		t.Fatalf("%s Decode: %v", name, err)
	}
	if !reflect.DeepEqual(*got, v) {
		t.Errorf("%s binary round trip:\n got  %+v\n want %+v", name, *got, v)
	}

	js, err := EncodeJSON(&v)
	if err != nil {
		t.Fatalf("%s EncodeJSON: %v", name, err)
	}
	got, err = DecodeJSON[T](js)
	if err != nil {
		t.Fatalf("%s DecodeJSON: %v", name, err)
	}
	if !reflect.DeepEqual(*got, v) {
		t.Errorf("%s json round trip:\n got  %+v\n want %+v", name, *got, v)
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	id, tok, tel, buf := populatedRecords(t)
	roundTrip(t, "TokenID", id)
	roundTrip(t, "Token", tok)
	roundTrip(t, "Telomere", tel)
	roundTrip(t, "RoundingBuffer", buf)
}

func TestCodec_BinaryIsCompact(t *testing.T) {
	_, tok, _, _ := populatedRecords(t)
	bin, _ := Encode(&tok)
	js, _ := EncodeJSON(&tok)
	if len(bin) >= len(js) {
		t.Errorf("binary encoding (%d bytes) should be smaller than json (%d bytes)", len(bin), len(js))
	}
}

func TestDecode_Garbage(t *testing.T) {
	if _, err := Decode[Token]([]byte{0xff, 0x00}); err == nil {
		t.Error("Decode should reject garbage")
	}
	if _, err := DecodeJSON[Telomere]([]byte("{")); err == nil {
		t.Error("DecodeJSON should reject garbage")
	}
}
