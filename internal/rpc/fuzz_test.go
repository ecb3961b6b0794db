package rpc

import (
	"bytes"
	"testing"
)

func TestDecodeRequest(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode int // 0 = accepted
		wantID   bool
	}{
		{"valid", `{"jsonrpc":"2.0","method":"tx_get","params":{"id":"abc"},"id":7}`, 0, true},
		{"empty", ``, CodeParseError, false},
		{"whitespace", " \n\t", CodeParseError, false},
		{"truncated", `{"jsonrpc":"2.0"`, CodeParseError, false},
		{"array", `[1,2]`, CodeParseError, false},
		{"old version", `{"jsonrpc":"1.0","method":"node_getStatus","id":"x"}`, CodeInvalidRequest, true},
		{"no method", `{"jsonrpc":"2.0","id":3}`, CodeInvalidRequest, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rpcErr := decodeRequest([]byte(tt.body))
			code := 0
			if rpcErr != nil {
				code = rpcErr.Code
			}
			if code != tt.wantCode {
				t.Fatalf("code = %d, want %d", code, tt.wantCode)
			}
			if got := req != nil && req.ID != nil; got != tt.wantID {
				t.Errorf("id echoed = %v, want %v", got, tt.wantID)
			}
		})
	}
}

func TestDecodeRequest_TooLarge(t *testing.T) {
	body := bytes.Repeat([]byte(" "), maxBodySize+1)
	if _, rpcErr := decodeRequest(body); rpcErr == nil || rpcErr.Code != CodeInvalidRequest {
		t.Errorf("oversized body = %+v, want invalid request", rpcErr)
	}
}

// FuzzDecodeRequest checks that any accepted body names a method and
// declares version 2.0.
func FuzzDecodeRequest(f *testing.F) {
	f.Add([]byte(`{"jsonrpc":"2.0","method":"node_getStatus","params":null,"id":1}`))
	f.Add([]byte(`{"jsonrpc":"2.0","method":"payment_send","params":{"peer":"/ip4/1.2.3.4/tcp/1","amount":5},"id":"p"}`))
	f.Add([]byte(`{"jsonrpc":"2.0","method":"buffer_add","params":{"token_id":"t","amount":0.25},"id":null}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`null`))
	f.Add([]byte(`{"method":"","params":[]}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		req, rpcErr := decodeRequest(data)
		if rpcErr != nil {
			return
		}
		if req.JSONRPC != "2.0" || req.Method == "" {
			t.Fatalf("accepted %q as %+v", data, req)
		}
		if h, ok := methods[req.Method]; ok && h == nil {
			t.Fatalf("nil handler for %q", req.Method)
		}
	})
}
