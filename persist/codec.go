// Package persist mirrors cache state to durable storage and hydrates it
// back at startup, implementing stale-while-revalidate for persisted
// entries.
package persist

import (
	"encoding/json"

	"github.com/c360/querysync/errors"
)

// Codec converts cached values to and from their stored JSON form. A codec
// is required for every persisted entry; the engine never guesses how to
// serialize user types.
type Codec struct {
	// Marshal serializes cached data for storage.
	Marshal func(data any) ([]byte, error)
	// Unmarshal rebuilds cached data from its stored form.
	Unmarshal func(raw []byte) (any, error)
}

// Valid reports whether both codec directions are present.
func (c Codec) Valid() bool {
	return c.Marshal != nil && c.Unmarshal != nil
}

// JSONCodec returns a codec that stores values as plain JSON and hydrates
// them as generic JSON values (map[string]any, []any, string, float64,
// bool, nil). Entries needing typed hydration supply their own codec.
func JSONCodec() Codec {
	return Codec{
		Marshal: json.Marshal,
		Unmarshal: func(raw []byte) (any, error) {
			var v any
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, errors.WrapInvalid(err, "persist", "Unmarshal", "decode JSON value")
			}
			return v, nil
		},
	}
}
