// Package codec centralizes the encoding of catalog records.
//
// Persisted records are self-describing: they store the codec name next to
// the payload so a catalog written with one codec can be read after the
// default changes.
package codec

import (
	"errors"
	"fmt"
)

// ErrUnknownCodec is returned when a record names a codec that is not built in.
var ErrUnknownCodec = errors.New("codec: unknown codec")

// Codec encodes/decodes values.
// Implementations must be safe for concurrent use.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// ByName returns a built-in codec by its stable name.
func ByName(name string) (Codec, bool) {
	switch name {
	case "json":
		return JSON{}, true
	case "go-json":
		return GoJSON{}, true
	default:
		return nil, false
	}
}

// Seal encodes v with c and prefixes the result with the codec name.
func Seal(c Codec, v any) ([]byte, error) {
	if c == nil {
		c = Default
	}
	payload, err := c.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec %s marshal failed: %w", c.Name(), err)
	}
	name := c.Name()
	out := make([]byte, 0, 1+len(name)+len(payload))
	out = append(out, byte(len(name)))
	out = append(out, name...)
	return append(out, payload...), nil
}

// Open decodes a record produced by Seal into v.
func Open(data []byte, v any) error {
	if len(data) == 0 || len(data) < 1+int(data[0]) {
		return fmt.Errorf("%w: truncated record", ErrUnknownCodec)
	}
	name := string(data[1 : 1+int(data[0])])
	c, ok := ByName(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
	return c.Unmarshal(data[1+int(data[0]):], v)
}
