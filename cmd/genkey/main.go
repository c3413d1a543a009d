// Command genkey generates an Ed25519 service key. The seed goes into
// the service's SERVICE_KEY environment variable; the public key is
// what peers will see published in the state store.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

func main() {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}

	fmt.Printf("Service key / seed (base64): %s\n", base64.StdEncoding.EncodeToString(priv.Seed()))
	fmt.Printf("Public key (base64):         %s\n", base64.StdEncoding.EncodeToString(pub))
}
