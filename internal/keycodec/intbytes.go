package keycodec

import "math/big"

// BigIntBytes converts an integer to the minimal big-endian encoding used for
// ASN.1 INTEGER content. Positive values whose most significant bit is set are
// prefixed with a zero byte so they stay unsigned-positive on the wire.
// Negative values (never expected for RSA fields) are encoded in two's
// complement rather than corrupted.
func BigIntBytes(v *big.Int) []byte {
	switch v.Sign() {
	case 0:
		return []byte{0}
	case 1:
		b := v.Bytes()
		if b[0]&0x80 != 0 {
			return append([]byte{0}, b...)
		}
		return b
	}

	// Two's complement: invert |v|-1 over the minimal byte width.
	abs := new(big.Int).Abs(v)
	abs.Sub(abs, big.NewInt(1))
	b := abs.Bytes()
	if len(b) == 0 {
		b = []byte{0}
	}
	for i := range b {
		b[i] = ^b[i]
	}
	if b[0]&0x80 == 0 {
		b = append([]byte{0xff}, b...)
	}
	return b
}

// BytesToBigInt interprets big-endian content bytes as an unsigned positive
// integer, tolerating the leading zero byte BigIntBytes may have added.
func BytesToBigInt(b []byte) *big.Int {
	return new(big.Int).SetBytes(b)
}
