package log

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"WARN", zerolog.WarnLevel},
		{"trace", zerolog.TraceLevel},
		{"error", zerolog.ErrorLevel},
		{"off", zerolog.Disabled},
		{"", zerolog.InfoLevel},
		{"verbose", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestInit_FileGetsJSON(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first.log")
	second := filepath.Join(dir, "second.log")
	t.Cleanup(func() { Init("info", false, "") })

	if err := Init("info", true, first); err != nil {
		t.Fatalf("Init: %v", err)
	}
	Node.Info().Str("tx_id", "abc").Msg("Transaction committed")

	// Re-initializing switches files; later lines must not reach the first.
	if err := Init("info", true, second); err != nil {
		t.Fatalf("Init: %v", err)
	}
	RPC.Info().Msg("RPC server listening")

	data, err := os.ReadFile(first)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	line := string(data)
	if !strings.Contains(line, `"component":"node"`) || !strings.Contains(line, `"tx_id":"abc"`) {
		t.Errorf("first log = %s", line)
	}
	if strings.Contains(line, "RPC server listening") {
		t.Error("first log received lines after re-init")
	}

	data, err = os.ReadFile(second)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), `"component":"rpc"`) {
		t.Errorf("second log = %s", data)
	}
}

func TestInit_BadFile(t *testing.T) {
	if err := Init("info", false, filepath.Join(t.TempDir(), "missing", "x.log")); err == nil {
		t.Fatal("Init should fail when the log directory is missing")
	}
}
