// Package lds02 decodes the uplink payload of the Dragino LDS02 door
// sensor.
package lds02

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// PayloadSize is the size of the status payload.
const PayloadSize = 10

// ErrInvalidLength is returned for payloads not of PayloadSize bytes.
var ErrInvalidLength = errors.New("lds02: invalid payload length")

// Status holds the decoded door sensor status.
type Status struct {
	BatteryMV uint16 `json:"batteryMV"`
	DoorOpen  bool   `json:"doorOpen"`
	// total number of open events
	OpenCount uint32 `json:"openCount"`
	// duration of the last open event, in minutes
	LastOpenDuration uint32 `json:"lastOpenDuration"`
	Alarm            bool   `json:"alarm"`
}

// Decode decodes the given payload.
func Decode(b []byte) (Status, error) {
	if len(b) != PayloadSize {
		return Status{}, ErrInvalidLength
	}

	return Status{
		BatteryMV:        binary.BigEndian.Uint16(b[0:2]) & 0x3fff,
		DoorOpen:         b[0]&0x80 != 0,
		OpenCount:        uint24(b[3:6]),
		LastOpenDuration: uint24(b[6:9]),
		Alarm:            b[9]&0x01 != 0,
	}, nil
}

func uint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

// Codec decodes LDS02 payloads and logs door state changes.
type Codec struct {
	mu       sync.Mutex
	known    bool
	doorOpen bool
}

// NewCodec creates a new Codec.
func NewCodec() *Codec {
	return &Codec{}
}

// Decode decodes the payload, the port is ignored.
func (c *Codec) Decode(fPort uint8, b []byte) (interface{}, error) {
	s, err := Decode(b)
	if err != nil {
		return nil, err
	}

	if c.stateChanged(s.DoorOpen) {
		state := "closed"
		if s.DoorOpen {
			state = "opened"
		}
		log.WithFields(log.Fields{
			"battery_mv": s.BatteryMV,
			"open_count": s.OpenCount,
		}).Infof("codec/lds02: door %s", state)
	}

	return s, nil
}

func (c *Codec) stateChanged(open bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	changed := !c.known || c.doorOpen != open
	c.known = true
	c.doorOpen = open
	return changed
}
