// Package marshaler encodes and decodes the radio bridge messages. A
// concentrator speaks either protobuf or JSON, the type is detected from
// its uplinks and used for the downlinks sent back to it.
package marshaler

import (
	"bytes"

	"github.com/golang/protobuf/jsonpb"
	"github.com/golang/protobuf/proto"
	"github.com/pkg/errors"

	"github.com/brocaar/chirpstack-api/go/v3/gw"
)

// Type defines the marshaler type.
type Type int

// Marshaler types.
const (
	Protobuf Type = iota
	JSON
)

// String implements fmt.Stringer.
func (t Type) String() string {
	switch t {
	case Protobuf:
		return "protobuf"
	case JSON:
		return "json"
	default:
		return "unknown"
	}
}

// ContentType returns the content-type of the marshaled messages.
func (t Type) ContentType() string {
	if t == JSON {
		return "application/json"
	}
	return "application/octet-stream"
}

// ParseType returns the Type for the given name. An empty name maps to
// Protobuf.
func ParseType(s string) (Type, error) {
	switch s {
	case "", "protobuf":
		return Protobuf, nil
	case "json":
		return JSON, nil
	default:
		return Protobuf, errors.Errorf("unknown marshaler: %s", s)
	}
}

// detectType returns JSON when b holds a JSON object. A protobuf
// UplinkFrame never starts with '{', that would be a group of field 15.
func detectType(b []byte) Type {
	b = bytes.TrimLeft(b, " \t\r\n")
	if len(b) > 0 && b[0] == '{' {
		return JSON
	}
	return Protobuf
}

// UnmarshalUplinkFrame decodes an UplinkFrame and returns the detected
// marshaler type. Unknown JSON fields are ignored.
func UnmarshalUplinkFrame(b []byte, uf *gw.UplinkFrame) (Type, error) {
	t := detectType(b)

	var err error
	if t == JSON {
		m := jsonpb.Unmarshaler{AllowUnknownFields: true}
		err = m.Unmarshal(bytes.NewReader(b), uf)
	} else {
		err = proto.Unmarshal(b, uf)
	}

	return t, err
}

// MarshalDownlinkFrame encodes the DownlinkFrame with the given marshaler
// type. JSON output includes the fields with default values.
func MarshalDownlinkFrame(t Type, df gw.DownlinkFrame) ([]byte, error) {
	switch t {
	case Protobuf:
		return proto.Marshal(&df)
	case JSON:
		m := jsonpb.Marshaler{EmitDefaults: true}
		str, err := m.MarshalToString(&df)
		return []byte(str), err
	default:
		return nil, errors.Errorf("unknown marshaler: %d", t)
	}
}
