package helpers

import (
	"github.com/gofrs/uuid"
	"github.com/pkg/errors"

	"github.com/brocaar/chirpstack-api/go/v3/common"
	"github.com/brocaar/chirpstack-api/go/v3/gw"
	"github.com/brocaar/lorawan"
)

// GatewayIDGetter provides a GatewayId getter interface.
type GatewayIDGetter interface {
	GetGatewayId() []byte
}

// UplinkIDGetter provides an UplinkId getter interface.
type UplinkIDGetter interface {
	GetUplinkId() []byte
}

// DownlinkIDGetter provides a DownlinkId getter interface.
type DownlinkIDGetter interface {
	GetDownlinkId() []byte
}

// GetGatewayID returns the typed gateway ID.
func GetGatewayID(v GatewayIDGetter) lorawan.EUI64 {
	var gatewayID lorawan.EUI64
	copy(gatewayID[:], v.GetGatewayId())
	return gatewayID
}

// GetUplinkID returns the typed uplink ID.
func GetUplinkID(v UplinkIDGetter) uuid.UUID {
	var id uuid.UUID
	copy(id[:], v.GetUplinkId())
	return id
}

// GetDownlinkID returns the typed downlink ID.
func GetDownlinkID(v DownlinkIDGetter) uuid.UUID {
	var id uuid.UUID
	copy(id[:], v.GetDownlinkId())
	return id
}

// SetDownlinkTXInfoModulation sets the DownlinkTXInfo modulation to the
// modulation of the given uplink, with inverted polarization. Only LoRa
// modulation is supported.
func SetDownlinkTXInfoModulation(txInfo *gw.DownlinkTXInfo, upTXInfo *gw.UplinkTXInfo) error {
	if upTXInfo.GetModulation() != common.Modulation_LORA {
		return errors.Errorf("unsupported modulation: %s", upTXInfo.GetModulation())
	}

	modInfo := upTXInfo.GetLoraModulationInfo()
	if modInfo == nil {
		return errors.New("lora_modulation_info must not be nil")
	}

	txInfo.Modulation = common.Modulation_LORA
	txInfo.ModulationInfo = &gw.DownlinkTXInfo_LoraModulationInfo{
		LoraModulationInfo: &gw.LoRaModulationInfo{
			Bandwidth:             modInfo.Bandwidth,
			SpreadingFactor:       modInfo.SpreadingFactor,
			CodeRate:              modInfo.CodeRate,
			PolarizationInversion: true,
		},
	}

	return nil
}
