// Package querykey canonicalizes logical cache identifiers.
//
// A query key is either a plain string or an ordered sequence of primitive
// parts (strings, booleans, integers, floats, nested sequences). Two keys
// are equal iff their canonical forms are equal; the canonical form is the
// sole cache identity, with no implicit namespacing.
package querykey

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/c360/querysync/errors"
)

// Key is the immutable canonical form of a query identifier.
type Key struct {
	canonical string
}

// FromString builds a key from a plain string identifier.
func FromString(s string) (Key, error) {
	if s == "" {
		return Key{}, errors.WrapInvalid(errors.ErrInvalidKey, "querykey", "FromString", "key cannot be empty")
	}
	return From(s)
}

// From builds a key from an ordered sequence of primitive parts.
// Supported part types: string, bool, signed/unsigned integers, floats,
// and nested []any sequences of the same.
func From(parts ...any) (Key, error) {
	if len(parts) == 0 {
		return Key{}, errors.WrapInvalid(errors.ErrInvalidKey, "querykey", "From", "key cannot be empty")
	}

	normalized, err := normalizeParts(parts)
	if err != nil {
		return Key{}, err
	}

	// JSON array encoding is deterministic for the supported primitive
	// types and gives nested sequences a stable textual form.
	data, err := json.Marshal(normalized)
	if err != nil {
		return Key{}, errors.WrapInvalid(err, "querykey", "From", "encode key parts")
	}

	return Key{canonical: string(data)}, nil
}

// MustFrom is like From but panics on invalid parts. Intended for
// statically-known keys.
func MustFrom(parts ...any) Key {
	k, err := From(parts...)
	if err != nil {
		panic(err)
	}
	return k
}

func normalizeParts(parts []any) ([]any, error) {
	out := make([]any, len(parts))
	for i, p := range parts {
		n, err := normalizePart(p)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

func normalizePart(p any) (any, error) {
	switch v := p.(type) {
	case string, bool:
		return v, nil
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint:
		return uint64(v), nil
	case uint8:
		return uint64(v), nil
	case uint16:
		return uint64(v), nil
	case uint32:
		return uint64(v), nil
	case uint64:
		return v, nil
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	case []any:
		return normalizeParts(v)
	case []string:
		nested := make([]any, len(v))
		for i, s := range v {
			nested[i] = s
		}
		return nested, nil
	case Key:
		return v.canonical, nil
	default:
		return nil, errors.WrapInvalid(errors.ErrUnsupportedPart, "querykey", "From",
			fmt.Sprintf("part of type %T", p))
	}
}

// Canonical returns the stable textual form used as cache identity.
func (k Key) Canonical() string {
	return k.canonical
}

// String implements fmt.Stringer.
func (k Key) String() string {
	return k.canonical
}

// IsZero reports whether the key is the zero value.
func (k Key) IsZero() bool {
	return k.canonical == ""
}

// Equal reports whether two keys share the same canonical form.
func (k Key) Equal(other Key) bool {
	return k.canonical == other.canonical
}

// Hash returns a 64-bit FNV-1a hash of the canonical form, suitable for
// sharding and metric labels.
func (k Key) Hash() uint64 {
	h := fnv.New64a()
	h.Write([]byte(k.canonical))
	return h.Sum64()
}

// HasPrefix reports whether the leading parts of this key match all parts
// of prefix. A key is a prefix of itself.
func (k Key) HasPrefix(prefix Key) bool {
	if prefix.canonical == k.canonical {
		return true
	}
	// Canonical forms are JSON arrays: "[a,b,c]" has prefix "[a,b]" when
	// the shorter form's body is a leading run followed by a separator.
	body := strings.TrimSuffix(prefix.canonical, "]")
	return strings.HasPrefix(k.canonical, body+",")
}
