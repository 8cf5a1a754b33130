package model

import (
	"fmt"
	"strings"
)

const (
	// KeyScheme is the only addressing scheme supported by this store
	KeyScheme = "sha256"

	// KeyPrefix prepends every content key
	KeyPrefix = KeyScheme + ":"

	// DigestSizeHex is the length of the hex-encoded sha256 digest
	DigestSizeHex = 64

	// KeySizeHex is the total length of a well-formed content key
	KeySizeHex = len(KeyPrefix) + DigestSizeHex
)

// ContentKey addresses a node by the sha256 digest of its canonical bytes,
// formatted "sha256:<64 lowercase hex>".
type ContentKey string

// ParseContentKey validates a caller-supplied key string
func ParseContentKey(s string) (ContentKey, error) {
	k := ContentKey(s)
	if !k.IsValid() {
		return "", &BadKey{Value: s}
	}
	return k, nil
}

// MustParseContentKey validates a key string but panics if it is malformed
func MustParseContentKey(s string) ContentKey {
	k, err := ParseContentKey(s)
	if err != nil {
		panic(err.Error())
	}
	return k
}

// IsValid is a pure format check: scheme prefix plus 64 lowercase hex digits
func (k ContentKey) IsValid() bool {
	if len(k) != KeySizeHex || !strings.HasPrefix(string(k), KeyPrefix) {
		return false
	}
	for _, c := range k[len(KeyPrefix):] {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Digest returns the hex digest without the scheme prefix.
// The empty string is returned for malformed keys.
func (k ContentKey) Digest() string {
	if !k.IsValid() {
		return ""
	}
	return string(k[len(KeyPrefix):])
}

func (k ContentKey) String() string {
	return string(k)
}

// BadKey is an error returned when a key string is not a well-formed content key.
type BadKey struct {
	Value string
}

func (b *BadKey) Error() string {
	return fmt.Sprintf("%q is not a valid %s content key", b.Value, KeyScheme)
}
