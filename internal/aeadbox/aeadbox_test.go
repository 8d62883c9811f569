package aeadbox

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key failed: %v", err)
	}
	plaintext := []byte("hello over an untrusted wire")

	box, err := Seal(plaintext, key)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if len(box.Nonce) != NonceSize || len(box.Tag) != TagSize {
		t.Fatalf("unexpected field sizes: nonce=%d tag=%d", len(box.Nonce), len(box.Tag))
	}

	got, err := Open(box, key)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatal("round trip mismatch")
	}
}

func TestSealDrawsFreshNonce(t *testing.T) {
	key, _ := GenerateKey()
	a, err := Seal([]byte("m"), key)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	b, err := Seal([]byte("m"), key)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if bytes.Equal(a.Nonce, b.Nonce) {
		t.Fatal("two seals must never share a nonce")
	}
}

func TestOpenFailsClosedOnTamper(t *testing.T) {
	key, _ := GenerateKey()
	box, err := Seal([]byte("original message"), key)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}

	tamper := func(mutate func(Box) Box) {
		t.Helper()
		got, err := Open(mutate(box), key)
		if !errors.Is(err, ErrAuthenticationFailed) {
			t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
		}
		if got != nil {
			t.Fatal("no plaintext may be returned on failure")
		}
	}

	tamper(func(b Box) Box {
		b.Tag = append([]byte(nil), b.Tag...)
		b.Tag[0] ^= 1
		return b
	})
	tamper(func(b Box) Box {
		b.Ciphertext = append([]byte(nil), b.Ciphertext...)
		b.Ciphertext[0] ^= 1
		return b
	})
	tamper(func(b Box) Box {
		b.Nonce = append([]byte(nil), b.Nonce...)
		b.Nonce[0] ^= 1
		return b
	})

	otherKey, _ := GenerateKey()
	if _, err := Open(box, otherKey); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed with wrong key, got %v", err)
	}
}

func TestOpenRejectsBadKeyLength(t *testing.T) {
	if _, err := Seal([]byte("m"), []byte("short")); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestLegacyFramingRoundTrip(t *testing.T) {
	key, _ := GenerateKey()
	box, err := Seal([]byte("legacy framed"), key)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	combined := JoinLegacy(box)
	split, err := SplitLegacy(combined)
	if err != nil {
		t.Fatalf("split failed: %v", err)
	}
	got, err := Open(split, key)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if !bytes.Equal(got, []byte("legacy framed")) {
		t.Fatal("legacy round trip mismatch")
	}

	if _, err := SplitLegacy([]byte("too short")); err == nil {
		t.Fatal("short input must be rejected")
	}
}

func TestOpenAcceptsServerLengthNonce(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key failed: %v", err)
	}
	plaintext := []byte("server to client payload")

	// The backend seals with a 16-byte IV. Reproduce its output shape.
	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatalf("cipher failed: %v", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, ServerNonceSize)
	if err != nil {
		t.Fatalf("gcm failed: %v", err)
	}
	nonce := make([]byte, ServerNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		t.Fatalf("nonce failed: %v", err)
	}
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	box := Box{
		Ciphertext: sealed[:len(sealed)-TagSize],
		Nonce:      nonce,
		Tag:        sealed[len(sealed)-TagSize:],
	}

	got, err := Open(box, key)
	if err != nil {
		t.Fatalf("open with server nonce failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatal("plaintext mismatch with server nonce")
	}
}

func TestOpenRejectsOddNonceLength(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key failed: %v", err)
	}
	box, err := Seal([]byte("payload"), key)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	box.Nonce = box.Nonce[:8]
	if _, err := Open(box, key); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
}
