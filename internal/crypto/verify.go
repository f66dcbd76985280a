package crypto

import (
	"crypto/ed25519"
	"fmt"

	"github.com/mr-tron/base58"

	"github.com/Oz-Networks/fxn-protocol-sdk/internal/models"
)

// ValidatePublicKey checks if a base58 address is a valid Ed25519 public key.
func ValidatePublicKey(address string) (ed25519.PublicKey, error) {
	decoded, err := base58.Decode(address)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base58 encoding", ErrInvalidPublicKey)
	}

	if len(decoded) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidPublicKey, ed25519.PublicKeySize, len(decoded))
	}

	return ed25519.PublicKey(decoded), nil
}

// VerifySignature verifies a base58 signature over data.
func VerifySignature(pubkey ed25519.PublicKey, data []byte, signatureB58 string) error {
	signature, err := base58.Decode(signatureB58)
	if err != nil {
		return fmt.Errorf("%w: invalid base58 encoding", ErrInvalidSignature)
	}

	if !ed25519.Verify(pubkey, data, signature) {
		return ErrInvalidSignature
	}

	return nil
}

// VerifyPayload checks that p.Signature is p.PublicKey's signature over p.Data.
func VerifyPayload(p *models.SignedPayload) error {
	if p == nil || len(p.Data) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidSignature)
	}
	pubkey, err := ValidatePublicKey(p.PublicKey)
	if err != nil {
		return err
	}
	return VerifySignature(pubkey, p.Data, p.Signature)
}
