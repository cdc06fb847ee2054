package natsstore

import (
	"fmt"
	"strings"

	"github.com/c360/querysync/errors"
)

// NATS KV keys are restricted to [-/_=.a-zA-Z0-9] with non-empty segments.
// Canonical query keys carry JSON punctuation, so storage keys are escaped
// character-by-character: legal characters pass through untouched and
// everything else becomes "=HH" (uppercase hex). Character-wise escaping
// preserves the prefix relation, which List relies on.

const escapeChar = '='

func isLegalKVChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_' || c == '/' || c == '.' || c == '=':
		return true
	default:
		return false
	}
}

// EncodeKey maps a storage key to a valid NATS KV key.
func EncodeKey(key string) (string, error) {
	if key == "" {
		return "", errors.WrapInvalid(errors.ErrInvalidKey, "natsstore", "EncodeKey", "key cannot be empty")
	}
	if strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/") || strings.Contains(key, "//") {
		return "", errors.WrapInvalid(errors.ErrInvalidKey, "natsstore", "EncodeKey",
			fmt.Sprintf("key %q has empty path segments", key))
	}

	var b strings.Builder
	b.Grow(len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		if isLegalKVChar(c) && c != escapeChar {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%c%02X", escapeChar, c)
	}
	return b.String(), nil
}

// DecodeKey reverses EncodeKey.
func DecodeKey(kvKey string) (string, error) {
	var b strings.Builder
	b.Grow(len(kvKey))
	for i := 0; i < len(kvKey); i++ {
		c := kvKey[i]
		if c != escapeChar {
			b.WriteByte(c)
			continue
		}
		if i+2 >= len(kvKey) {
			return "", errors.WrapInvalid(errors.ErrInvalidKey, "natsstore", "DecodeKey",
				fmt.Sprintf("truncated escape in %q", kvKey))
		}
		var decoded byte
		if _, err := fmt.Sscanf(kvKey[i+1:i+3], "%02X", &decoded); err != nil {
			return "", errors.WrapInvalid(err, "natsstore", "DecodeKey",
				fmt.Sprintf("bad escape in %q", kvKey))
		}
		b.WriteByte(decoded)
		i += 2
	}
	return b.String(), nil
}
