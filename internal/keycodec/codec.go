// Package keycodec serializes RSA key material to the PEM/PKCS1/PKCS8 wire
// formats the legacy server protocol and the identity export payloads expect.
// The ASN.1 structures are built and parsed explicitly so that a malformed
// input is reported with the field that broke, not a generic parse failure.
package keycodec

import (
	"crypto/rsa"
	encasn1 "encoding/asn1"
	"encoding/pem"
	"math/big"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

const (
	pemTypePublic  = "PUBLIC KEY"
	pemTypePrivate = "PRIVATE KEY"
)

var oidRSAEncryption = encasn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}

// EncodePublicKeyPEM renders an RSA public key as a SubjectPublicKeyInfo PEM
// block (rsaEncryption OID, modulus and exponent in the inner bit string).
func EncodePublicKeyPEM(pub *rsa.PublicKey) (string, error) {
	if pub == nil || pub.N == nil {
		return "", formatErr("modulus", "missing")
	}
	if pub.E <= 0 {
		return "", formatErr("exponent", "missing or non-positive")
	}

	var inner cryptobyte.Builder
	inner.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		addASN1Unsigned(b, pub.N)
		addASN1Unsigned(b, big.NewInt(int64(pub.E)))
	})
	keyDER, err := inner.Bytes()
	if err != nil {
		return "", formatErr("public key", err.Error())
	}

	var spki cryptobyte.Builder
	spki.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(oidRSAEncryption)
			b.AddASN1NULL()
		})
		b.AddASN1BitString(keyDER)
	})
	der, err := spki.Bytes()
	if err != nil {
		return "", formatErr("public key", err.Error())
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: pemTypePublic, Bytes: der})), nil
}

// DecodePublicKeyPEM parses a SubjectPublicKeyInfo PEM block back into an RSA
// public key.
func DecodePublicKeyPEM(pemText string) (*rsa.PublicKey, error) {
	der, err := decodePEM(pemText, pemTypePublic)
	if err != nil {
		return nil, err
	}

	input := cryptobyte.String(der)
	var spki, algo cryptobyte.String
	if !input.ReadASN1(&spki, asn1.SEQUENCE) || !input.Empty() {
		return nil, formatErr("public key", "not a SubjectPublicKeyInfo sequence")
	}
	if !spki.ReadASN1(&algo, asn1.SEQUENCE) {
		return nil, formatErr("algorithm", "missing algorithm identifier")
	}
	var oid encasn1.ObjectIdentifier
	if !algo.ReadASN1ObjectIdentifier(&oid) || !oid.Equal(oidRSAEncryption) {
		return nil, formatErr("algorithm", "not rsaEncryption")
	}
	var bits encasn1.BitString
	if !spki.ReadASN1BitString(&bits) {
		return nil, formatErr("public key", "missing subjectPublicKey bit string")
	}

	keyBytes := cryptobyte.String(bits.RightAlign())
	var rsaSeq cryptobyte.String
	if !keyBytes.ReadASN1(&rsaSeq, asn1.SEQUENCE) {
		return nil, formatErr("public key", "inner structure is not a sequence")
	}
	n := new(big.Int)
	if !rsaSeq.ReadASN1Integer(n) || n.Sign() <= 0 {
		return nil, formatErr("modulus", "missing or non-positive")
	}
	e := new(big.Int)
	if !rsaSeq.ReadASN1Integer(e) || e.Sign() <= 0 {
		return nil, formatErr("exponent", "missing or non-positive")
	}
	if !e.IsInt64() || e.Int64() > int64(int(^uint(0)>>1)) {
		return nil, formatErr("exponent", "out of range")
	}
	if !rsaSeq.Empty() {
		return nil, formatErr("public key", "trailing data after exponent")
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

// EncodePrivateKeyPEM renders an RSA private key as a PKCS8 PEM block
// wrapping the PKCS1 RSAPrivateKey structure, CRT parameters included.
func EncodePrivateKeyPEM(priv *rsa.PrivateKey) (string, error) {
	if priv == nil || priv.N == nil || priv.D == nil {
		return "", formatErr("private key", "missing modulus or private exponent")
	}
	if len(priv.Primes) < 2 {
		return "", formatErr("primes", "both primes required")
	}
	pkcs1, err := marshalPKCS1(priv)
	if err != nil {
		return "", err
	}

	var pkcs8 cryptobyte.Builder
	pkcs8.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		addASN1Unsigned(b, big.NewInt(0)) // version
		b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(oidRSAEncryption)
			b.AddASN1NULL()
		})
		b.AddASN1OctetString(pkcs1)
	})
	der, err := pkcs8.Bytes()
	if err != nil {
		return "", formatErr("private key", err.Error())
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: pemTypePrivate, Bytes: der})), nil
}

// DecodePrivateKeyPEM parses a PKCS8 PEM block back into an RSA private key
// and validates it.
func DecodePrivateKeyPEM(pemText string) (*rsa.PrivateKey, error) {
	der, err := decodePEM(pemText, pemTypePrivate)
	if err != nil {
		return nil, err
	}

	input := cryptobyte.String(der)
	var pkcs8 cryptobyte.String
	if !input.ReadASN1(&pkcs8, asn1.SEQUENCE) || !input.Empty() {
		return nil, formatErr("private key", "not a PKCS8 sequence")
	}
	version := new(big.Int)
	if !pkcs8.ReadASN1Integer(version) || version.Sign() != 0 {
		return nil, formatErr("version", "missing or unsupported")
	}
	var algo cryptobyte.String
	if !pkcs8.ReadASN1(&algo, asn1.SEQUENCE) {
		return nil, formatErr("algorithm", "missing algorithm identifier")
	}
	var oid encasn1.ObjectIdentifier
	if !algo.ReadASN1ObjectIdentifier(&oid) || !oid.Equal(oidRSAEncryption) {
		return nil, formatErr("algorithm", "not rsaEncryption")
	}
	var keyOctets cryptobyte.String
	if !pkcs8.ReadASN1(&keyOctets, asn1.OCTET_STRING) {
		return nil, formatErr("private key", "missing PKCS1 octet string")
	}
	return parsePKCS1(keyOctets)
}

func marshalPKCS1(priv *rsa.PrivateKey) ([]byte, error) {
	p, q := priv.Primes[0], priv.Primes[1]
	one := big.NewInt(1)
	dP := new(big.Int).Mod(priv.D, new(big.Int).Sub(p, one))
	dQ := new(big.Int).Mod(priv.D, new(big.Int).Sub(q, one))
	qInv := new(big.Int).ModInverse(q, p)
	if qInv == nil {
		return nil, formatErr("coefficient", "q has no inverse mod p")
	}

	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		addASN1Unsigned(b, big.NewInt(0)) // two-prime version
		for _, v := range []*big.Int{priv.N, big.NewInt(int64(priv.E)), priv.D, p, q, dP, dQ, qInv} {
			addASN1Unsigned(b, v)
		}
	})
	der, err := b.Bytes()
	if err != nil {
		return nil, formatErr("private key", err.Error())
	}
	return der, nil
}

func parsePKCS1(der cryptobyte.String) (*rsa.PrivateKey, error) {
	var seq cryptobyte.String
	if !der.ReadASN1(&seq, asn1.SEQUENCE) {
		return nil, formatErr("private key", "PKCS1 body is not a sequence")
	}
	version := new(big.Int)
	if !seq.ReadASN1Integer(version) || version.Sign() != 0 {
		return nil, formatErr("version", "missing or unsupported")
	}

	names := []string{"modulus", "exponent", "private exponent", "prime1", "prime2"}
	values := make([]*big.Int, len(names))
	for i, name := range names {
		values[i] = new(big.Int)
		if !seq.ReadASN1Integer(values[i]) || values[i].Sign() <= 0 {
			return nil, formatErr(name, "missing or non-positive")
		}
	}
	n, e, d, p, q := values[0], values[1], values[2], values[3], values[4]
	if !e.IsInt64() || e.Int64() > int64(int(^uint(0)>>1)) {
		return nil, formatErr("exponent", "out of range")
	}

	// CRT parameters are optional on parse; Precompute restores them. When
	// present they must be exactly three integers with nothing after.
	if !seq.Empty() {
		for _, name := range []string{"dP", "dQ", "qInv"} {
			v := new(big.Int)
			if !seq.ReadASN1Integer(v) || v.Sign() <= 0 {
				return nil, formatErr(name, "missing or non-positive")
			}
		}
		if !seq.Empty() {
			return nil, formatErr("private key", "trailing data after CRT parameters")
		}
	}
	priv := &rsa.PrivateKey{
		PublicKey: rsa.PublicKey{N: n, E: int(e.Int64())},
		D:         d,
		Primes:    []*big.Int{p, q},
	}
	if err := priv.Validate(); err != nil {
		return nil, formatErr("private key", "inconsistent key material")
	}
	priv.Precompute()
	return priv, nil
}

func addASN1Unsigned(b *cryptobyte.Builder, v *big.Int) {
	raw := BigIntBytes(v)
	b.AddASN1(asn1.INTEGER, func(b *cryptobyte.Builder) {
		b.AddBytes(raw)
	})
}

func decodePEM(pemText, wantType string) ([]byte, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, formatErr("pem", "no PEM block found")
	}
	if block.Type != wantType {
		return nil, formatErr("pem", "expected "+wantType+" header, got "+block.Type)
	}
	return block.Bytes, nil
}
