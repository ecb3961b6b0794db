// derive_key.go prints the owner key and owner hash for a node key file.
// Usage: go run scripts/derive_key.go <keyfile>
package main

import (
	"fmt"
	"os"

	"github.com/Klingon-tech/tokenwire/pkg/crypto"
	"github.com/Klingon-tech/tokenwire/pkg/token"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: derive_key <keyfile>")
		os.Exit(1)
	}
	key, err := crypto.LoadKeyFile(os.Args[1], false)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer key.Zero()

	owner := key.OwnerID()
	fmt.Printf("owner=%s\n", owner)
	fmt.Printf("owner_hash=%s\n", token.HashOwner(owner).String())
}
