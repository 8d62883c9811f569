// Package wire defines the JSON payloads exchanged with the chat server and
// the identity export file format. Binary fields travel as standard base64,
// which encoding/json applies to []byte on its own.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"aithena-chat/client-core/internal/aeadbox"
)

var ErrMalformedEnvelope = errors.New("wire: malformed message envelope")

// Envelope is one encrypted message as the server stores and relays it. The
// server treats every field as opaque. EncryptedKey is present only when the
// message key is wrapped for the server's RSA key, and absent on pure
// end-to-end messages.
type Envelope struct {
	EncryptedContent []byte `json:"encrypted_content"`
	EncryptedKey     []byte `json:"encrypted_key,omitempty"`
	IV               []byte `json:"iv"`
	Tag              []byte `json:"tag"`
}

// FromBox lifts a sealed box into the wire shape.
func FromBox(box aeadbox.Box, wrappedKey []byte) *Envelope {
	return &Envelope{
		EncryptedContent: box.Ciphertext,
		EncryptedKey:     wrappedKey,
		IV:               box.Nonce,
		Tag:              box.Tag,
	}
}

// Box returns the AEAD components of the envelope.
func (e *Envelope) Box() aeadbox.Box {
	return aeadbox.Box{
		Ciphertext: e.EncryptedContent,
		Nonce:      e.IV,
		Tag:        e.Tag,
	}
}

// Encode serializes the envelope after checking it is structurally complete.
func (e *Envelope) Encode() ([]byte, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// DecodeEnvelope parses and validates a received envelope. An envelope with
// a wrong-sized IV or tag is rejected here so decryption never sees it.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := e.validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

func (e *Envelope) validate() error {
	if len(e.EncryptedContent) == 0 {
		return fmt.Errorf("%w: empty encrypted_content", ErrMalformedEnvelope)
	}
	// Client envelopes carry 12-byte IVs; the backend draws 16-byte IVs on
	// the envelopes it encrypts toward clients. Both directions must decode.
	if len(e.IV) != aeadbox.NonceSize && len(e.IV) != aeadbox.ServerNonceSize {
		return fmt.Errorf("%w: iv length %d", ErrMalformedEnvelope, len(e.IV))
	}
	if len(e.Tag) != aeadbox.TagSize {
		return fmt.Errorf("%w: tag length %d", ErrMalformedEnvelope, len(e.Tag))
	}
	return nil
}

// IdentityExport is the portable backup of a legacy RSA identity. Version 1
// is the only version; the type field guards against feeding arbitrary JSON
// into an import.
type IdentityExport struct {
	Version       int    `json:"version"`
	Type          string `json:"type"`
	PrivateKeyPEM string `json:"private_key_pem"`
	PublicKeyPEM  string `json:"public_key_pem"`
}

const identityExportType = "aithena_identity_export"

var ErrMalformedExport = errors.New("wire: malformed identity export")

func NewIdentityExport(privPEM, pubPEM string) *IdentityExport {
	return &IdentityExport{
		Version:       1,
		Type:          identityExportType,
		PrivateKeyPEM: privPEM,
		PublicKeyPEM:  pubPEM,
	}
}

func (x *IdentityExport) Encode() ([]byte, error) {
	return json.MarshalIndent(x, "", "  ")
}

func DecodeIdentityExport(data []byte) (*IdentityExport, error) {
	var x IdentityExport
	if err := json.Unmarshal(data, &x); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedExport, err)
	}
	if x.Type != identityExportType {
		return nil, fmt.Errorf("%w: unexpected type %q", ErrMalformedExport, x.Type)
	}
	if x.Version != 1 {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedExport, x.Version)
	}
	if x.PrivateKeyPEM == "" || x.PublicKeyPEM == "" {
		return nil, fmt.Errorf("%w: missing key material", ErrMalformedExport)
	}
	return &x, nil
}
