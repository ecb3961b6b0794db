package node

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Klingon-tech/tokenwire/config"
	"github.com/Klingon-tech/tokenwire/internal/storage"
	"github.com/Klingon-tech/tokenwire/pkg/crypto"
	"github.com/Klingon-tech/tokenwire/pkg/token"
)

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// loadOwnerKey reads the owner key, creating it on first start.
func loadOwnerKey(path string) (*crypto.PrivateKey, error) {
	path = expandHome(path)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	return crypto.LoadKeyFile(path, true)
}

// openDB opens a database of the given backend rooted at dir. Bolt keeps a
// single file named after the directory.
func openDB(backend, dir string) (storage.DB, error) {
	switch backend {
	case config.BackendMemory:
		return storage.NewMemory(), nil
	case config.BackendBolt:
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
		return storage.NewBolt(filepath.Join(dir, filepath.Base(dir)+".db"))
	case config.BackendBadger, "":
		return storage.NewBadger(dir)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

// openVault opens the sealed RetroPak store next to the ledger.
func openVault(cfg *config.Config) (storage.DB, error) {
	inner, err := openDB(cfg.Storage.Backend, cfg.VaultDir())
	if err != nil {
		return nil, err
	}
	sealed, err := storage.OpenSealed(inner, []byte(cfg.Passphrase), storage.DefaultSealParams())
	if err != nil {
		inner.Close()
		return nil, err
	}
	return sealed, nil
}

// decompose splits amount into denominations, largest first.
func decompose(amount uint64) []token.Denomination {
	var out []token.Denomination
	for i := token.NumDenominations - 1; i >= 0 && amount > 0; i-- {
		d := token.Denominations[i]
		for amount >= uint64(d) {
			out = append(out, d)
			amount -= uint64(d)
		}
	}
	return out
}

// tokenKeys returns the index keys of tokens.
func tokenKeys(tokens []*token.Token) []string {
	keys := make([]string, len(tokens))
	for i, t := range tokens {
		keys[i] = t.Key()
	}
	return keys
}

func shortKey(k string) string {
	if len(k) > 16 {
		return k[:16] + "..."
	}
	return k
}
