package models

import "encoding/json"

// SignedPayload wraps an outbound document with the provider's signature.
// Signature covers the exact bytes of Data.
type SignedPayload struct {
	Data      json.RawMessage `json:"data"`
	Signature string          `json:"signature"`
	PublicKey string          `json:"pubkey"`
}

// Decode unmarshals the signed document into v.
func (p *SignedPayload) Decode(v any) error {
	return json.Unmarshal(p.Data, v)
}
