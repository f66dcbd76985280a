package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Oz-Networks/fxn-protocol-sdk/internal/crypto"
	"github.com/Oz-Networks/fxn-protocol-sdk/internal/models"
)

func main() {
	privKey := flag.String("key", os.Getenv("AGENT_PRIVATE_KEY"), "Base58-encoded Ed25519 private key")
	bodyFile := flag.String("body", "", "File containing the JSON document (or use stdin)")
	verify := flag.Bool("verify", false, "Verify a signed payload instead of signing")
	flag.Parse()

	// Read body
	var body []byte
	var err error
	if *bodyFile != "" {
		body, err = os.ReadFile(*bodyFile)
	} else {
		body, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read body: %v\n", err)
		os.Exit(1)
	}

	if *verify {
		signer, err := verifyDocument(body)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Verification failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("OK: signed by %s\n", signer)
		return
	}

	if *privKey == "" {
		fmt.Fprintln(os.Stderr, "Usage: sign -key <private-key-base58> [-body <file>]")
		fmt.Fprintln(os.Stderr, "       sign -verify [-body <file>]")
		fmt.Fprintln(os.Stderr, "  Reads body from stdin if -body not specified")
		os.Exit(1)
	}

	priv, err := crypto.ParsePrivateKey(*privKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid private key: %v\n", err)
		os.Exit(1)
	}
	signer, err := crypto.NewSigner(priv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid private key: %v\n", err)
		os.Exit(1)
	}

	out, err := signDocument(signer, body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Signing failed: %v\n", err)
		os.Exit(1)
	}
	os.Stdout.Write(out)
}

// signDocument wraps body in a SignedPayload. The output is compact: the
// signature covers the data bytes exactly, so they must not be re-indented.
func signDocument(signer *crypto.Signer, body []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, body); err != nil {
		return nil, fmt.Errorf("body must be a JSON document: %w", err)
	}

	payload, err := signer.SignPayload(json.RawMessage(buf.Bytes()))
	if err != nil {
		return nil, err
	}

	out, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}

// verifyDocument checks a signed payload and returns the signer's address.
func verifyDocument(body []byte) (string, error) {
	var payload models.SignedPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("invalid payload: %w", err)
	}
	if err := crypto.VerifyPayload(&payload); err != nil {
		return "", err
	}
	return payload.PublicKey, nil
}
