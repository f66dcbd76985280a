package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"

	"github.com/Oz-Networks/fxn-protocol-sdk/internal/models"
)

var (
	ErrInvalidPublicKey  = errors.New("invalid Ed25519 public key")
	ErrInvalidPrivateKey = errors.New("invalid Ed25519 private key")
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrEmptyPayload      = errors.New("empty payload")
)

// SigningError means a payload could not be signed. Callers must not send
// the payload unsigned.
type SigningError struct {
	Op  string
	Err error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("signing failed (%s): %v", e.Op, e.Err)
}

func (e *SigningError) Unwrap() error {
	return e.Err
}

// IsSigningError checks if an error is a SigningError.
func IsSigningError(err error) bool {
	var se *SigningError
	return errors.As(err, &se)
}

// Signer holds the provider keypair.
type Signer struct {
	priv    ed25519.PrivateKey
	address string
}

// NewSigner creates a Signer from an Ed25519 private key.
func NewSigner(priv ed25519.PrivateKey) (*Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, &SigningError{
			Op:  "load key",
			Err: fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidPrivateKey, ed25519.PrivateKeySize, len(priv)),
		}
	}
	pub := priv.Public().(ed25519.PublicKey)
	return &Signer{priv: priv, address: base58.Encode(pub)}, nil
}

// GenerateSigner creates a Signer with a fresh random keypair.
func GenerateSigner() (*Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return NewSigner(priv)
}

// ParsePrivateKey decodes a base58 private key. Both the 64-byte secret key
// (seed followed by public key) and the bare 32-byte seed are accepted.
func ParsePrivateKey(encoded string) (ed25519.PrivateKey, error) {
	raw, err := base58.Decode(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base58 encoding", ErrInvalidPrivateKey)
	}

	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		priv := ed25519.NewKeyFromSeed(raw[:ed25519.SeedSize])
		if !priv.Public().(ed25519.PublicKey).Equal(ed25519.PublicKey(raw[ed25519.SeedSize:])) {
			return nil, fmt.Errorf("%w: public half does not match seed", ErrInvalidPrivateKey)
		}
		return priv, nil
	default:
		return nil, fmt.Errorf("%w: must be %d or %d bytes, got %d",
			ErrInvalidPrivateKey, ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
	}
}

// EncodePrivateKey returns the base58 form of a 64-byte secret key.
func EncodePrivateKey(priv ed25519.PrivateKey) string {
	return base58.Encode(priv)
}

// Identity returns the provider address (base58 public key).
func (s *Signer) Identity() string {
	return s.address
}

// PublicKey returns the raw public key.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.priv.Public().(ed25519.PublicKey)
}

// Sign returns the base58 signature of payload.
func (s *Signer) Sign(payload []byte) (string, error) {
	if len(payload) == 0 {
		return "", &SigningError{Op: "sign", Err: ErrEmptyPayload}
	}
	if len(s.priv) != ed25519.PrivateKeySize {
		return "", &SigningError{Op: "sign", Err: ErrInvalidPrivateKey}
	}
	return base58.Encode(ed25519.Sign(s.priv, payload)), nil
}

// SignPayload marshals doc and wraps it with a signature and the provider address.
func (s *Signer) SignPayload(doc any) (*models.SignedPayload, error) {
	if doc == nil {
		return nil, &SigningError{Op: "marshal", Err: ErrEmptyPayload}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, &SigningError{Op: "marshal", Err: err}
	}

	sig, err := s.Sign(data)
	if err != nil {
		return nil, err
	}

	return &models.SignedPayload{
		Data:      data,
		Signature: sig,
		PublicKey: s.address,
	}, nil
}
