// Package radio defines the interface of the radio bridge. A radio bridge
// forwards the frames received by the concentrator as gw.UplinkFrame and
// transmits the gw.DownlinkFrame messages it is given.
package radio

import "github.com/brocaar/chirpstack-api/go/v3/gw"

// Backend is the interface of a radio backend.
type Backend interface {
	SendTXPacket(gw.DownlinkFrame) error // send the given packet to the concentrator
	RXPacketChan() chan gw.UplinkFrame   // channel containing the received packets
	Close() error                        // close the radio backend
}
