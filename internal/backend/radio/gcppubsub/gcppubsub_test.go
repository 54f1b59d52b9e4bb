package gcppubsub

import (
	"testing"

	"github.com/golang/protobuf/proto"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/brocaar/chirpstack-api/go/v3/gw"
	"github.com/brocaar/chirpstack-p2p/internal/backend/radio/marshaler"
	"github.com/brocaar/lorawan"
)

type BackendTestSuite struct {
	suite.Suite
	backend *Backend
}

func (ts *BackendTestSuite) SetupTest() {
	ts.backend = newBackend(marshaler.JSON)
	ts.backend.uplinkFrameChan = make(chan gw.UplinkFrame, 10)
}

func (ts *BackendTestSuite) TestHandleUplinkFrame() {
	assert := require.New(ts.T())
	gatewayID := lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}

	tests := []struct {
		Name          string
		UplinkFrame   gw.UplinkFrame
		ExpectedError string
	}{
		{
			Name:          "rx_info missing",
			UplinkFrame:   gw.UplinkFrame{},
			ExpectedError: "rx_info must not be nil",
		},
		{
			Name: "tx_info missing",
			UplinkFrame: gw.UplinkFrame{
				RxInfo: &gw.UplinkRXInfo{},
			},
			ExpectedError: "tx_info must not be nil",
		},
		{
			Name: "gateway id mismatch",
			UplinkFrame: gw.UplinkFrame{
				RxInfo: &gw.UplinkRXInfo{},
				TxInfo: &gw.UplinkTXInfo{},
			},
			ExpectedError: "gateway_id is not equal to expected gateway_id",
		},
		{
			Name: "valid",
			UplinkFrame: gw.UplinkFrame{
				PhyPayload: []byte{1, 2, 3},
				RxInfo: &gw.UplinkRXInfo{
					GatewayId: gatewayID[:],
				},
				TxInfo: &gw.UplinkTXInfo{
					Frequency: 868100000,
				},
			},
		},
	}

	for _, tst := range tests {
		ts.T().Run(tst.Name, func(t *testing.T) {
			assert := require.New(t)

			b, err := proto.Marshal(&tst.UplinkFrame)
			assert.NoError(err)

			err = ts.backend.handleUplinkFrame(gatewayID, b)
			if tst.ExpectedError != "" {
				assert.EqualError(err, tst.ExpectedError)
				return
			}
			assert.NoError(err)

			rec := <-ts.backend.RXPacketChan()
			assert.True(proto.Equal(&tst.UplinkFrame, &rec))
		})
	}

	assert.Equal(marshaler.Protobuf, ts.backend.getGatewayMarshaler(gatewayID))
}

func (ts *BackendTestSuite) TestHandleMessage() {
	gatewayID := lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}

	uf := gw.UplinkFrame{
		PhyPayload: []byte{1, 2, 3},
		RxInfo: &gw.UplinkRXInfo{
			GatewayId: gatewayID[:],
		},
		TxInfo: &gw.UplinkTXInfo{},
	}
	ufB, err := proto.Marshal(&uf)
	ts.Require().NoError(err)

	tests := []struct {
		Name          string
		Attributes    map[string]string
		ExpectedError string
		ExpectUplink  bool
	}{
		{
			Name:          "device id missing",
			Attributes:    map[string]string{"subFolder": "up"},
			ExpectedError: "message does not contain 'deviceId' attribute",
		},
		{
			Name:          "sub folder missing",
			Attributes:    map[string]string{"deviceId": "gw-0102030405060708"},
			ExpectedError: "message does not contain 'subFolder' attribute",
		},
		{
			Name:       "stats are ignored",
			Attributes: map[string]string{"deviceId": "gw-0102030405060708", "subFolder": "stats"},
		},
		{
			Name:         "uplink",
			Attributes:   map[string]string{"deviceId": "gw-0102030405060708", "subFolder": "up"},
			ExpectUplink: true,
		},
	}

	for _, tst := range tests {
		ts.T().Run(tst.Name, func(t *testing.T) {
			assert := require.New(t)

			err := ts.backend.handleMessage(tst.Attributes, ufB)
			if tst.ExpectedError != "" {
				assert.EqualError(err, tst.ExpectedError)
				return
			}
			assert.NoError(err)

			if tst.ExpectUplink {
				rec := <-ts.backend.RXPacketChan()
				assert.True(proto.Equal(&uf, &rec))
			} else {
				assert.Len(ts.backend.RXPacketChan(), 0)
			}
		})
	}
}

func (ts *BackendTestSuite) TestGatewayMarshalerDefault() {
	assert := require.New(ts.T())

	assert.Equal(marshaler.JSON, ts.backend.getGatewayMarshaler(lorawan.EUI64{8, 7, 6, 5, 4, 3, 2, 1}))
}

func TestBackend(t *testing.T) {
	suite.Run(t, new(BackendTestSuite))
}
