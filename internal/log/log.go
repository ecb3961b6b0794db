// Package log provides structured, colored logging for tokenwire.
package log

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance.
var Logger zerolog.Logger

// Component loggers for different parts of the system.
var (
	Exchange zerolog.Logger
	Denom    zerolog.Logger
	Ledger   zerolog.Logger
	Storage  zerolog.Logger
	P2P      zerolog.Logger
	Node     zerolog.Logger
	RPC      zerolog.Logger
)

// logFile is the file opened by the last Init, closed when Init runs again.
var (
	fileMu  sync.Mutex
	logFile *os.File
)

func init() {
	Logger = newLogger(consoleWriter(os.Stdout), zerolog.InfoLevel)
	initComponentLoggers()
}

// Init initializes the logger with the given configuration.
// When file is non-empty, logs are written to both the console (colored or
// JSON depending on jsonOutput) and the file (always JSON for machine parsing).
func Init(level string, jsonOutput bool, file string) error {
	fileMu.Lock()
	defer fileMu.Unlock()

	var out io.Writer = os.Stdout
	if !jsonOutput {
		out = consoleWriter(os.Stdout)
	}

	var opened *os.File
	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		opened = f
		out = zerolog.MultiLevelWriter(out, f)
	}

	Logger = newLogger(out, parseLevel(level))
	initComponentLoggers()

	if logFile != nil {
		logFile.Close()
	}
	logFile = opened
	return nil
}

func consoleWriter(w io.Writer) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: "15:04:05",
	}
}

func newLogger(w io.Writer, lvl zerolog.Level) zerolog.Logger {
	return zerolog.New(w).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}

// parseLevel converts a string level to zerolog.Level. Unknown levels
// fall back to info.
func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "disabled", "off":
		return zerolog.Disabled
	case "":
		return zerolog.InfoLevel
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// initComponentLoggers initializes loggers for each component.
func initComponentLoggers() {
	Exchange = WithComponent("exchange")
	Denom = WithComponent("denom")
	Ledger = WithComponent("ledger")
	Storage = WithComponent("storage")
	P2P = WithComponent("p2p")
	Node = WithComponent("node")
	RPC = WithComponent("rpc")
}

// WithComponent returns a logger with a component field.
func WithComponent(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

// Benchmark times an operation and logs its duration at debug level when
// the returned function is called.
func Benchmark(name string) func() {
	start := time.Now()
	return func() {
		Logger.Debug().
			Str("operation", name).
			Dur("duration", time.Since(start)).
			Msg("benchmark")
	}
}
