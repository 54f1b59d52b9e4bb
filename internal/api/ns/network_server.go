// Package ns implements the subset of the ChirpStack network-server API that
// applies to a single paired device.
package ns

import (
	"context"

	"github.com/golang/protobuf/ptypes/empty"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/brocaar/chirpstack-api/go/v3/common"
	"github.com/brocaar/chirpstack-api/go/v3/ns"
	"github.com/brocaar/chirpstack-p2p/internal/config"
	"github.com/brocaar/chirpstack-p2p/internal/storage"
	"github.com/brocaar/lorawan"
)

// DeviceSessionGetter provides the identity and current session of the
// paired device.
type DeviceSessionGetter interface {
	DeviceIdentity() storage.DeviceIdentity
	DeviceSession() storage.DeviceSession
}

// NetworkServerAPI defines the network-server API. The methods that do not
// apply to a single paired device return codes.Unimplemented.
type NetworkServerAPI struct {
	ns.UnimplementedNetworkServerServiceServer

	device DeviceSessionGetter
}

// NewNetworkServerAPI returns a new NetworkServerAPI.
func NewNetworkServerAPI(d DeviceSessionGetter) *NetworkServerAPI {
	return &NetworkServerAPI{
		device: d,
	}
}

// GetVersion returns the ChirpStack P2P version.
func (n *NetworkServerAPI) GetVersion(ctx context.Context, req *empty.Empty) (*ns.GetVersionResponse, error) {
	return &ns.GetVersionResponse{
		Region:  common.Region_EU868,
		Version: config.Version,
	}, nil
}

// GetDeviceActivation returns the activation of the paired device. The
// LoRaWAN 1.0 NwkSKey is returned as all three network session keys.
func (n *NetworkServerAPI) GetDeviceActivation(ctx context.Context, req *ns.GetDeviceActivationRequest) (*ns.GetDeviceActivationResponse, error) {
	var devEUI lorawan.EUI64
	if len(req.DevEui) != len(devEUI) {
		return nil, status.Errorf(codes.InvalidArgument, "dev_eui must be exactly %d bytes", len(devEUI))
	}
	copy(devEUI[:], req.DevEui)

	if devEUI != n.device.DeviceIdentity().DevEUI {
		return nil, errToRPCError(storage.ErrDoesNotExist)
	}

	ds := n.device.DeviceSession()
	if ds.NwkSKey == (lorawan.AES128Key{}) {
		return nil, errToRPCError(ErrNotActivated)
	}

	return &ns.GetDeviceActivationResponse{
		DeviceActivation: &ns.DeviceActivation{
			DevEui:      devEUI[:],
			DevAddr:     ds.DevAddr[:],
			SNwkSIntKey: ds.NwkSKey[:],
			FNwkSIntKey: ds.NwkSKey[:],
			NwkSEncKey:  ds.NwkSKey[:],
			FCntUp:      ds.FCntUp,
			NFCntDown:   ds.FCntDown,
			AFCntDown:   ds.FCntDown,
		},
	}, nil
}
