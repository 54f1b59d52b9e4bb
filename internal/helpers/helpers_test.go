package helpers

import (
	"testing"

	"github.com/gofrs/uuid"
	"github.com/golang/protobuf/proto"
	"github.com/stretchr/testify/require"

	"github.com/brocaar/chirpstack-api/go/v3/common"
	"github.com/brocaar/chirpstack-api/go/v3/gw"
	"github.com/brocaar/lorawan"
)

func TestGetIDs(t *testing.T) {
	assert := require.New(t)

	upID, err := uuid.NewV4()
	assert.NoError(err)
	downID, err := uuid.NewV4()
	assert.NoError(err)

	rxInfo := gw.UplinkRXInfo{
		GatewayId: []byte{1, 2, 3, 4, 5, 6, 7, 8},
		UplinkId:  upID.Bytes(),
	}
	df := gw.DownlinkFrame{
		DownlinkId: downID.Bytes(),
	}

	assert.Equal(lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}, GetGatewayID(&rxInfo))
	assert.Equal(upID, GetUplinkID(&rxInfo))
	assert.Equal(downID, GetDownlinkID(&df))
	assert.Equal(lorawan.EUI64{}, GetGatewayID(&gw.UplinkRXInfo{}))
}

func TestSetDownlinkTXInfoModulation(t *testing.T) {
	tests := []struct {
		Name          string
		UplinkTXInfo  gw.UplinkTXInfo
		Expected      gw.DownlinkTXInfo
		ExpectedError string
	}{
		{
			Name: "lora",
			UplinkTXInfo: gw.UplinkTXInfo{
				Frequency:  868100000,
				Modulation: common.Modulation_LORA,
				ModulationInfo: &gw.UplinkTXInfo_LoraModulationInfo{
					LoraModulationInfo: &gw.LoRaModulationInfo{
						Bandwidth:       125,
						SpreadingFactor: 7,
						CodeRate:        "4/5",
					},
				},
			},
			Expected: gw.DownlinkTXInfo{
				Modulation: common.Modulation_LORA,
				ModulationInfo: &gw.DownlinkTXInfo_LoraModulationInfo{
					LoraModulationInfo: &gw.LoRaModulationInfo{
						Bandwidth:             125,
						SpreadingFactor:       7,
						CodeRate:              "4/5",
						PolarizationInversion: true,
					},
				},
			},
		},
		{
			Name: "fsk",
			UplinkTXInfo: gw.UplinkTXInfo{
				Modulation: common.Modulation_FSK,
			},
			ExpectedError: "unsupported modulation: FSK",
		},
		{
			Name: "lora without modulation info",
			UplinkTXInfo: gw.UplinkTXInfo{
				Modulation: common.Modulation_LORA,
			},
			ExpectedError: "lora_modulation_info must not be nil",
		},
	}

	for _, tst := range tests {
		t.Run(tst.Name, func(t *testing.T) {
			assert := require.New(t)

			var txInfo gw.DownlinkTXInfo
			err := SetDownlinkTXInfoModulation(&txInfo, &tst.UplinkTXInfo)
			if tst.ExpectedError != "" {
				assert.EqualError(err, tst.ExpectedError)
				return
			}
			assert.NoError(err)
			assert.True(proto.Equal(&tst.Expected, &txInfo))
		})
	}
}
