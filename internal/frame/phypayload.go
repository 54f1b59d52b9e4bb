// Package frame implements the wire codecs of the LoRaWAN frames exchanged
// with the paired end-device.
package frame

import (
	"crypto/subtle"
	"encoding/binary"
	"fmt"

	"github.com/brocaar/lorawan"
	"github.com/pkg/errors"

	"github.com/brocaar/chirpstack-p2p/internal/crypto"
)

// Frame size bounds (MHDR + MACPayload + MIC).
const (
	MinPHYPayloadSize = 12
	MaxPHYPayloadSize = 64

	micSize = crypto.MICSize
)

// MaxMACPayloadSize is the largest MACPayload that fits in a frame.
const MaxMACPayloadSize = MaxPHYPayloadSize - 1 - micSize

// MType defines the message type. It is the complete MHDR byte, the RFU
// and major version bits must be zero.
type MType byte

// Supported message types.
const (
	JoinRequest         MType = 0x00
	JoinAccept          MType = 0x20
	UnconfirmedDataUp   MType = 0x40
	UnconfirmedDataDown MType = 0x60
	ConfirmedDataUp     MType = 0x80
	ConfirmedDataDown   MType = 0xA0
)

func (m MType) String() string {
	switch m {
	case JoinRequest:
		return "JoinRequest"
	case JoinAccept:
		return "JoinAccept"
	case UnconfirmedDataUp:
		return "UnconfirmedDataUp"
	case UnconfirmedDataDown:
		return "UnconfirmedDataDown"
	case ConfirmedDataUp:
		return "ConfirmedDataUp"
	case ConfirmedDataDown:
		return "ConfirmedDataDown"
	default:
		return fmt.Sprintf("MType(0x%02x)", byte(m))
	}
}

// IsData returns true for the data message types.
func (m MType) IsData() bool {
	switch m {
	case UnconfirmedDataUp, UnconfirmedDataDown, ConfirmedDataUp, ConfirmedDataDown:
		return true
	}
	return false
}

// IsUplink returns true for the data-up message types.
func (m MType) IsUplink() bool {
	return m == UnconfirmedDataUp || m == ConfirmedDataUp
}

func (m MType) valid() bool {
	return m == JoinRequest || m == JoinAccept || m.IsData()
}

// PHYPayload is the outer frame. The MACPayload is kept opaque, it is
// decoded by the caller depending on the MType.
type PHYPayload struct {
	MHDR       MType
	MACPayload []byte
	MIC        [micSize]byte
}

// UnmarshalBinary decodes the frame. It fails when the frame size is outside
// [MinPHYPayloadSize, MaxPHYPayloadSize] or when the message type is unknown.
func (p *PHYPayload) UnmarshalBinary(data []byte) error {
	if len(data) < MinPHYPayloadSize || len(data) > MaxPHYPayloadSize {
		return ErrLengthOutOfBounds
	}

	mType := MType(data[0])
	if !mType.valid() {
		return ErrUnsupportedMType
	}

	p.MHDR = mType
	p.MACPayload = make([]byte, len(data)-1-micSize)
	copy(p.MACPayload, data[1:len(data)-micSize])
	copy(p.MIC[:], data[len(data)-micSize:])

	return nil
}

// MarshalBinary encodes the frame.
func (p PHYPayload) MarshalBinary() ([]byte, error) {
	if len(p.MACPayload) > MaxMACPayloadSize {
		return nil, ErrFrameTooLarge
	}

	out := make([]byte, 0, 1+len(p.MACPayload)+micSize)
	out = append(out, byte(p.MHDR))
	out = append(out, p.MACPayload...)
	out = append(out, p.MIC[:]...)
	return out, nil
}

// dataMIC computes the MIC of a data frame for the given full frame-counter.
func (p PHYPayload) dataMIC(key lorawan.AES128Key, fCnt uint32) ([micSize]byte, error) {
	var mic [micSize]byte

	if !p.MHDR.IsData() {
		return mic, ErrNotDataFrame
	}
	if len(p.MACPayload) < 4 {
		return mic, ErrFOptsLengthTooLarge
	}
	if len(p.MACPayload) > MaxMACPayloadSize {
		return mic, ErrFrameTooLarge
	}

	b := make([]byte, crypto.BlockSize, crypto.BlockSize+1+len(p.MACPayload))
	b[0] = 0x49
	if !p.MHDR.IsUplink() {
		b[5] = 0x01
	}
	// DevAddr as on the wire
	copy(b[6:10], p.MACPayload[0:4])
	binary.LittleEndian.PutUint32(b[10:14], fCnt)
	b[15] = byte(1 + len(p.MACPayload))

	b = append(b, byte(p.MHDR))
	b = append(b, p.MACPayload...)

	return crypto.ComputeMIC(key, b), nil
}

// SetDataMIC sets the MIC of a data frame.
func (p *PHYPayload) SetDataMIC(key lorawan.AES128Key, fCnt uint32) error {
	mic, err := p.dataMIC(key, fCnt)
	if err != nil {
		return errors.Wrap(err, "calculate mic error")
	}
	p.MIC = mic
	return nil
}

// ValidateDataMIC returns true when the MIC of the data frame is valid for
// the given key and full frame-counter.
func (p PHYPayload) ValidateDataMIC(key lorawan.AES128Key, fCnt uint32) (bool, error) {
	mic, err := p.dataMIC(key, fCnt)
	if err != nil {
		return false, errors.Wrap(err, "calculate mic error")
	}
	return subtle.ConstantTimeCompare(mic[:], p.MIC[:]) == 1, nil
}

// joinMIC is computed over MHDR | MACPayload.
func (p PHYPayload) joinMIC(key lorawan.AES128Key) [micSize]byte {
	b := make([]byte, 0, 1+len(p.MACPayload))
	b = append(b, byte(p.MHDR))
	b = append(b, p.MACPayload...)
	return crypto.ComputeMIC(key, b)
}

// SetJoinMIC sets the MIC of a join-request or join-accept frame.
func (p *PHYPayload) SetJoinMIC(key lorawan.AES128Key) {
	p.MIC = p.joinMIC(key)
}

// ValidateJoinMIC returns true when the MIC of the join-request or
// join-accept frame is valid.
func (p PHYPayload) ValidateJoinMIC(key lorawan.AES128Key) bool {
	mic := p.joinMIC(key)
	return subtle.ConstantTimeCompare(mic[:], p.MIC[:]) == 1
}

// EncryptJoinAcceptPayload encrypts MACPayload | MIC of a join-accept. The
// inverse block transform is used, the end-device recovers the plaintext with
// the forward transform.
func (p *PHYPayload) EncryptJoinAcceptPayload(key lorawan.AES128Key) error {
	return p.transformJoinAccept(key, crypto.DecryptBlock)
}

// DecryptJoinAcceptPayload reverts EncryptJoinAcceptPayload, as the
// end-device does.
func (p *PHYPayload) DecryptJoinAcceptPayload(key lorawan.AES128Key) error {
	return p.transformJoinAccept(key, crypto.EncryptBlock)
}

func (p *PHYPayload) transformJoinAccept(key lorawan.AES128Key, f func(lorawan.AES128Key, [crypto.BlockSize]byte) [crypto.BlockSize]byte) error {
	if p.MHDR != JoinAccept {
		return ErrUnsupportedMType
	}

	b := make([]byte, 0, len(p.MACPayload)+micSize)
	b = append(b, p.MACPayload...)
	b = append(b, p.MIC[:]...)

	if len(b)%crypto.BlockSize != 0 {
		return errors.Errorf("join-accept payload and mic must be a multiple of %d bytes", crypto.BlockSize)
	}

	var block [crypto.BlockSize]byte
	for i := 0; i < len(b); i += crypto.BlockSize {
		copy(block[:], b[i:i+crypto.BlockSize])
		block = f(key, block)
		copy(b[i:], block[:])
	}

	p.MACPayload = b[:len(b)-micSize]
	copy(p.MIC[:], b[len(b)-micSize:])

	return nil
}
