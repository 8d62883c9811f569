package securestore

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	envelopeVersion = 1
	saltSize        = 16
	filePrefix      = "ATHSEC1\n"
)

var (
	ErrAuthFailed = errors.New("securestore authentication failed")
	ErrInvalid    = errors.New("securestore envelope is invalid")
	ErrLegacyData = errors.New("securestore legacy plaintext data")
)

// KDFParams are the argon2id cost parameters recorded in an envelope header.
type KDFParams struct {
	Time     uint32
	MemoryKB uint32
	Threads  uint8
}

// Bounds on header-supplied KDF parameters. Outside them the envelope is
// rejected as invalid instead of being fed to argon2, so a tampered header
// cannot turn decryption into a memory bomb or drop the cost to nothing.
const (
	kdfTimeMax     = 16
	kdfMemoryKBMin = 8 * 1024
	kdfMemoryKBMax = 1 << 20
	kdfThreadsMax  = 8
)

func defaultKDFParams() KDFParams {
	return KDFParams{Time: 2, MemoryKB: 64 * 1024, Threads: 1}
}

func (p KDFParams) valid() bool {
	return p.Time >= 1 && p.Time <= kdfTimeMax &&
		p.MemoryKB >= kdfMemoryKBMin && p.MemoryKB <= kdfMemoryKBMax &&
		p.Threads >= 1 && p.Threads <= kdfThreadsMax
}

func (p KDFParams) deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, p.Time, p.MemoryKB, p.Threads, chacha20poly1305.KeySize)
}

// Envelope is the encrypted-at-rest format for every value the file backend
// persists. KDF parameters travel with the ciphertext so they can be
// tightened later without breaking old files.
type Envelope struct {
	Version     uint32 `json:"version"`
	KDF         string `json:"kdf"`
	KDFTime     uint32 `json:"kdf_time"`
	KDFMemoryKB uint32 `json:"kdf_memory_kb"`
	KDFThreads  uint8  `json:"kdf_threads"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ciphertext"`
}

func (e *Envelope) kdfParams() KDFParams {
	return KDFParams{Time: e.KDFTime, MemoryKB: e.KDFMemoryKB, Threads: e.KDFThreads}
}

func Encrypt(passphrase string, plaintext []byte) ([]byte, error) {
	env, err := EncryptEnvelope(passphrase, plaintext)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return append([]byte(filePrefix), raw...), nil
}

// EncryptEnvelope seals plaintext with the current default KDF parameters.
func EncryptEnvelope(passphrase string, plaintext []byte) (*Envelope, error) {
	return EncryptEnvelopeWithParams(passphrase, plaintext, defaultKDFParams())
}

// EncryptEnvelopeWithParams seals plaintext under explicit argon2id costs,
// recording them in the header so decryption reads them back.
func EncryptEnvelopeWithParams(passphrase string, plaintext []byte, params KDFParams) (*Envelope, error) {
	if !params.valid() {
		return nil, ErrInvalid
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key := params.deriveKey(passphrase, salt)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	return &Envelope{
		Version:     envelopeVersion,
		KDF:         "argon2id",
		KDFTime:     params.Time,
		KDFMemoryKB: params.MemoryKB,
		KDFThreads:  params.Threads,
		Salt:        salt,
		Nonce:       nonce,
		Ciphertext:  ciphertext,
	}, nil
}

func Decrypt(passphrase string, data []byte) ([]byte, error) {
	if !strings.HasPrefix(string(data), filePrefix) {
		return nil, ErrLegacyData
	}
	data = data[len(filePrefix):]
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, ErrInvalid
	}
	return DecryptEnvelope(passphrase, &env)
}

// DecryptEnvelope derives the key from the KDF parameters the envelope
// itself recorded, so files written under older or stricter costs keep
// decrypting after the defaults move.
func DecryptEnvelope(passphrase string, env *Envelope) ([]byte, error) {
	if env == nil || env.Version != envelopeVersion || env.KDF != "argon2id" {
		return nil, ErrInvalid
	}
	if len(env.Salt) != saltSize || len(env.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, ErrInvalid
	}
	params := env.kdfParams()
	if !params.valid() {
		return nil, ErrInvalid
	}
	key := params.deriveKey(passphrase, env.Salt)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
