package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/Oz-Networks/fxn-protocol-sdk/internal/crypto"
)

func main() {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}

	signer, err := crypto.NewSigner(priv)
	if err != nil {
		panic(err)
	}

	fmt.Printf("Address (base58):     %s\n", signer.Identity())
	fmt.Printf("Private key (base58): %s\n", crypto.EncodePrivateKey(priv))
	fmt.Println()
	fmt.Printf("AGENT_PRIVATE_KEY=%s\n", crypto.EncodePrivateKey(priv))
}
