package frame

import (
	"github.com/brocaar/lorawan"
)

const (
	joinRequestSize = 18
	joinAcceptSize  = 28
)

// DevNonce holds the dev-nonce in display (big-endian) order.
type DevNonce [2]byte

// JoinNonce holds the join-nonce in display (big-endian) order.
type JoinNonce [3]byte

// JoinRequestPayload is the payload of a join-request.
type JoinRequestPayload struct {
	JoinEUI  lorawan.EUI64
	DevEUI   lorawan.EUI64
	DevNonce DevNonce
}

// UnmarshalBinary decodes the join-request. It must be exactly 18 bytes.
func (p *JoinRequestPayload) UnmarshalBinary(data []byte) error {
	if len(data) != joinRequestSize {
		return ErrInvalidJoinRequestLength
	}

	reverseInto(p.JoinEUI[:], data[0:8])
	reverseInto(p.DevEUI[:], data[8:16])
	reverseInto(p.DevNonce[:], data[16:18])

	return nil
}

// MarshalBinary encodes the join-request.
func (p JoinRequestPayload) MarshalBinary() ([]byte, error) {
	out := make([]byte, joinRequestSize)
	reverseInto(out[0:8], p.JoinEUI[:])
	reverseInto(out[8:16], p.DevEUI[:])
	reverseInto(out[16:18], p.DevNonce[:])
	return out, nil
}

// JoinAcceptPayload is the payload of a join-accept. The CFList is always
// encoded, an all-zero CFList disables all extra channels.
type JoinAcceptPayload struct {
	JoinNonce  JoinNonce
	NetID      lorawan.NetID
	DevAddr    lorawan.DevAddr
	DLSettings byte
	RXDelay    byte
	CFList     [16]byte
}

// MarshalBinary encodes the join-accept into its 28 byte wire layout.
func (p JoinAcceptPayload) MarshalBinary() ([]byte, error) {
	out := make([]byte, joinAcceptSize)
	reverseInto(out[0:3], p.JoinNonce[:])
	reverseInto(out[3:6], p.NetID[:])
	reverseInto(out[6:10], p.DevAddr[:])
	out[10] = p.DLSettings
	out[11] = p.RXDelay
	copy(out[12:28], p.CFList[:])
	return out, nil
}

// reverseInto copies src into dst in reversed byte order.
func reverseInto(dst, src []byte) {
	for i := range src {
		dst[len(src)-1-i] = src[i]
	}
}
