// Package codec decodes application payloads into structured objects.
package codec

import (
	"github.com/pkg/errors"

	"github.com/brocaar/chirpstack-p2p/internal/codec/lds02"
)

// Type defines the codec type.
type Type string

// Available codec types.
const (
	None  Type = ""
	LDS02 Type = "lds02"
)

// Codec decodes the given application payload.
type Codec interface {
	Decode(fPort uint8, b []byte) (interface{}, error)
}

// NewCodec returns the codec for the given type. For None, nil is returned.
func NewCodec(t Type) (Codec, error) {
	switch t {
	case None, "none":
		return nil, nil
	case LDS02:
		return lds02.NewCodec(), nil
	default:
		return nil, errors.Errorf("unknown payload codec: %s", t)
	}
}
