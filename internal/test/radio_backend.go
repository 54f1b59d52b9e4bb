package test

import (
	"sync"

	"github.com/brocaar/chirpstack-api/go/v3/gw"
)

// RadioBackend is a test radio backend.
type RadioBackend struct {
	sync.Mutex

	rxPacketChan chan gw.UplinkFrame
	TXPackets    []gw.DownlinkFrame
	Closed       bool
}

// NewRadioBackend returns a new RadioBackend.
func NewRadioBackend() *RadioBackend {
	return &RadioBackend{
		rxPacketChan: make(chan gw.UplinkFrame, 100),
	}
}

// SendTXPacket method.
func (b *RadioBackend) SendTXPacket(df gw.DownlinkFrame) error {
	b.Lock()
	defer b.Unlock()
	b.TXPackets = append(b.TXPackets, df)
	return nil
}

// RXPacketChan method.
func (b *RadioBackend) RXPacketChan() chan gw.UplinkFrame {
	return b.rxPacketChan
}

// Close method.
func (b *RadioBackend) Close() error {
	b.Lock()
	defer b.Unlock()
	if !b.Closed {
		close(b.rxPacketChan)
		b.Closed = true
	}
	return nil
}
