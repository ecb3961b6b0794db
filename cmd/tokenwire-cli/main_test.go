package main

import (
	"flag"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/Klingon-tech/tokenwire/config"
)

func TestParseGlobals(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		rpcURL  string
		dataDir string
		network config.NetworkType
		rest    []string
		wantErr bool
	}{
		{"none", []string{"balance"}, "", config.DefaultDataDir(), config.Mainnet, []string{"balance"}, false},
		{"spaced", []string{"--datadir", "/tmp/x", "--network", "testnet", "txs"}, "", "/tmp/x", config.Testnet, []string{"txs"}, false},
		{"equals", []string{"--network=TESTNET", "--rpc=http://h:1", "clock"}, "http://h:1", config.DefaultDataDir(), config.Testnet, []string{"clock"}, false},
		{"stops at command", []string{"issue", "--datadir", "/d"}, "", config.DefaultDataDir(), config.Mainnet, []string{"issue", "--datadir", "/d"}, false},
		{"missing value", []string{"--rpc"}, "", "", "", nil, true},
		{"bad network", []string{"--network", "devnet", "txs"}, "", "", "", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, rest, err := parseGlobals(tt.args)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseGlobals: %v", err)
			}
			if g.rpcURL != tt.rpcURL || g.dataDir != tt.dataDir || g.network != tt.network {
				t.Errorf("globals = %+v", g)
			}
			if !reflect.DeepEqual(rest, tt.rest) {
				t.Errorf("rest = %v, want %v", rest, tt.rest)
			}
		})
	}
}

func TestEndpoint(t *testing.T) {
	dir := t.TempDir()
	if got := endpoint(dir, config.Testnet); got != "http://127.0.0.1:31316" {
		t.Errorf("default testnet endpoint = %q", got)
	}

	conf := "network = mainnet\nrpc.port = 4444\n"
	if err := os.WriteFile(filepath.Join(dir, "tokenwire.conf"), []byte(conf), 0644); err != nil {
		t.Fatal(err)
	}
	if got := endpoint(dir, config.Testnet); got != "http://127.0.0.1:4444" {
		t.Errorf("endpoint from file = %q", got)
	}
}

func TestSplitPositional(t *testing.T) {
	fs := flag.NewFlagSet("buffer add", flag.ContinueOnError)
	txID := fs.String("tx", "", "")
	got, err := splitPositional(fs, []string{"tok-1", "--tx", "abc", "0.35"})
	if err != nil {
		t.Fatalf("splitPositional: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"tok-1", "0.35"}) {
		t.Errorf("positional = %v", got)
	}
	if *txID != "abc" {
		t.Errorf("tx = %q, want abc", *txID)
	}
}

func TestParseFraction(t *testing.T) {
	tests := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{"0.35", 0.35, false},
		{"2", 2, false},
		{"0.5", 0.5, false},
		{"0.123", 0, true},
		{"-1", 0, true},
		{"abc", 0, true},
	}
	for _, tt := range tests {
		got, err := parseFraction(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseFraction(%q) err = %v", tt.in, err)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("parseFraction(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
