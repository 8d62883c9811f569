package keycodec

import "fmt"

// KeyFormatError reports malformed PEM or ASN.1 key material. Field names the
// offending element when it is known. Regenerating or re-importing the key is
// the only recovery; retrying the same input will fail the same way.
type KeyFormatError struct {
	Field  string
	Reason string
}

func (e *KeyFormatError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("key format error: %s", e.Reason)
	}
	return fmt.Sprintf("key format error in %s: %s", e.Field, e.Reason)
}

func formatErr(field, reason string) *KeyFormatError {
	return &KeyFormatError{Field: field, Reason: reason}
}
