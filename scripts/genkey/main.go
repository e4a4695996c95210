// genkey generates the HMAC signing key a studio shares with the
// Training Control API.
//
// Usage (run from the repo root):
//
//	go run scripts/genkey/main.go
//
// Prints a base64-encoded 256-bit key to stdout. Set it as
// RENSHU_SIGNING_KEY (or the signing_key field of a profile in
// ~/.renshu/profiles.yaml) and register the same key for the studio id
// on the control plane. Tokens are minted locally from this key, so no
// network handshake is needed.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
)

func main() {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		fmt.Fprintf(os.Stderr, "error: generate key: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(base64.StdEncoding.EncodeToString(key))
}
