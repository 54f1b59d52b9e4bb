package frame

import (
	"encoding/binary"

	"github.com/brocaar/lorawan"
)

// MaxFOptsLen is the maximum length of the frame options.
const MaxFOptsLen = 15

const fhdrSize = 7

// FCtrl holds the frame control flags. The FOpts length is derived from
// MACPayload.FOpts.
type FCtrl struct {
	ADR       bool
	ADRACKReq bool
	ACK       bool
	FPending  bool
}

func (c FCtrl) byte(fOptsLen int) byte {
	b := byte(fOptsLen) & 0x0f
	if c.FPending {
		b |= 0x10
	}
	if c.ACK {
		b |= 0x20
	}
	if c.ADRACKReq {
		b |= 0x40
	}
	if c.ADR {
		b |= 0x80
	}
	return b
}

// MACPayload is the payload of a data frame.
type MACPayload struct {
	DevAddr    lorawan.DevAddr
	FCtrl      FCtrl
	FCnt       uint16
	FOpts      []byte
	FPort      *uint8
	FRMPayload []byte
}

// UnmarshalBinary decodes the MACPayload. When no bytes remain after the
// frame options, FPort is nil and FRMPayload is empty.
func (p *MACPayload) UnmarshalBinary(data []byte) error {
	if len(data) < fhdrSize {
		return ErrFOptsLengthTooLarge
	}

	// the receiver is left untouched on error
	fOptsLen := int(data[4] & 0x0f)
	if len(data) < fhdrSize+fOptsLen {
		return ErrFOptsLengthTooLarge
	}

	// DevAddr is little-endian on the wire
	for i := 0; i < len(p.DevAddr); i++ {
		p.DevAddr[len(p.DevAddr)-1-i] = data[i]
	}

	p.FCtrl = FCtrl{
		FPending:  data[4]&0x10 != 0,
		ACK:       data[4]&0x20 != 0,
		ADRACKReq: data[4]&0x40 != 0,
		ADR:       data[4]&0x80 != 0,
	}
	p.FCnt = binary.LittleEndian.Uint16(data[5:7])

	p.FOpts = nil
	if fOptsLen > 0 {
		p.FOpts = make([]byte, fOptsLen)
		copy(p.FOpts, data[fhdrSize:fhdrSize+fOptsLen])
	}

	p.FPort = nil
	p.FRMPayload = nil

	rest := data[fhdrSize+fOptsLen:]
	if len(rest) > 0 {
		fPort := rest[0]
		p.FPort = &fPort

		if len(rest) > 1 {
			p.FRMPayload = make([]byte, len(rest)-1)
			copy(p.FRMPayload, rest[1:])
		}
	}

	return nil
}

// MarshalBinary encodes the MACPayload. The port byte is omitted when FPort
// is nil and there is no FRMPayload.
func (p MACPayload) MarshalBinary() ([]byte, error) {
	if len(p.FOpts) > MaxFOptsLen {
		return nil, ErrFOptsLengthTooLarge
	}

	size := fhdrSize + len(p.FOpts)
	if p.FPort != nil || len(p.FRMPayload) > 0 {
		size += 1 + len(p.FRMPayload)
	}
	if size > MaxMACPayloadSize {
		return nil, ErrFrameTooLarge
	}

	out := make([]byte, fhdrSize, size)
	for i := 0; i < len(p.DevAddr); i++ {
		out[i] = p.DevAddr[len(p.DevAddr)-1-i]
	}
	out[4] = p.FCtrl.byte(len(p.FOpts))
	binary.LittleEndian.PutUint16(out[5:7], p.FCnt)
	out = append(out, p.FOpts...)

	if p.FPort != nil || len(p.FRMPayload) > 0 {
		var fPort uint8
		if p.FPort != nil {
			fPort = *p.FPort
		}
		out = append(out, fPort)
		out = append(out, p.FRMPayload...)
	}

	return out, nil
}
