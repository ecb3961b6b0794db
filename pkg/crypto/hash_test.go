package crypto

import (
	"testing"
)

func TestHash_KnownVectors(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  string
	}{
		{"empty input", []byte{}, "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262"},
		{"hello", []byte("hello"), "ea8f163db38682925e4491c5e58d4bb3506ef8c14eb78a86e908c5624a67200f"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Hash(tt.input).String(); got != tt.want {
				t.Errorf("Hash(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestHashString_MatchesHash(t *testing.T) {
	if HashString("GENESIS") != Hash([]byte("GENESIS")) {
		t.Error("HashString should hash the raw bytes")
	}
	if HashString("a") == HashString("b") {
		t.Error("different inputs should hash differently")
	}
}

func TestHashParts_BoundariesMatter(t *testing.T) {
	a := HashParts([]byte("ab"), []byte("c"))
	b := HashParts([]byte("a"), []byte("bc"))
	if a == b {
		t.Error("length prefixes should separate part boundaries")
	}
	if HashParts([]byte("ab"), []byte("c")) != a {
		t.Error("HashParts should be deterministic")
	}
}

func TestHashConcat_OrderMatters(t *testing.T) {
	a := Hash([]byte("a"))
	b := Hash([]byte("b"))
	if HashConcat(a, b) == HashConcat(b, a) {
		t.Error("HashConcat(a,b) should differ from HashConcat(b,a)")
	}
}
