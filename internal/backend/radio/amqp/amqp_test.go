package amqp

import (
	"testing"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/brocaar/chirpstack-api/go/v3/gw"
	"github.com/brocaar/chirpstack-p2p/internal/backend/radio"
	"github.com/brocaar/chirpstack-p2p/internal/backend/radio/marshaler"
	"github.com/brocaar/chirpstack-p2p/internal/test"
	"github.com/brocaar/lorawan"
)

func TestValidateGatewayID(t *testing.T) {
	assert := require.New(t)

	gatewayID := lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}
	assert.NoError(validateGatewayID("gateway.0102030405060708.event.up", gatewayID))
	assert.EqualError(validateGatewayID("gateway.0807060504030201.event.up", gatewayID), "message gateway ID does not match routing-key gateway ID")
	assert.Error(validateGatewayID("gateway.event.up", gatewayID))
}

func TestGatewayMarshaler(t *testing.T) {
	assert := require.New(t)

	b := Backend{
		defaultMarshaler: marshaler.JSON,
		gatewayMarshaler: make(map[lorawan.EUI64]marshaler.Type),
	}

	gatewayID := lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}
	assert.Equal(marshaler.JSON, b.getGatewayMarshaler(gatewayID))

	b.setGatewayMarshaler(gatewayID, marshaler.Protobuf)
	assert.Equal(marshaler.Protobuf, b.getGatewayMarshaler(gatewayID))
}

type BackendTestSuite struct {
	suite.Suite

	gatewayID lorawan.EUI64
	backend   radio.Backend

	amqpConn        *amqp.Connection
	amqpChannel     *amqp.Channel
	amqpCommandChan <-chan amqp.Delivery
}

func (ts *BackendTestSuite) SetupSuite() {
	var err error
	assert := require.New(ts.T())

	conf := test.GetConfig()
	conf.Radio.AMQP.EventQueueName = "p2p_test_radio_events"
	conf.Radio.AMQP.EventRoutingKey = "gateway.*.event.*"
	conf.Radio.AMQP.CommandRoutingKeyTemplate = "gateway.{{ .GatewayID }}.command.{{ .CommandType }}"

	ts.gatewayID = lorawan.EUI64{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}

	ts.backend, err = NewBackend(conf)
	assert.NoError(err)

	ts.amqpConn, err = amqp.Dial(conf.Radio.AMQP.URL)
	assert.NoError(err)

	ts.amqpChannel, err = ts.amqpConn.Channel()
	assert.NoError(err)

	_, err = ts.amqpChannel.QueueDeclare(
		"p2p_test_radio_commands",
		true,
		false,
		false,
		false,
		nil,
	)
	assert.NoError(err)

	err = ts.amqpChannel.QueueBind(
		"p2p_test_radio_commands",
		"gateway.*.command.*",
		"amq.topic",
		false,
		nil,
	)
	assert.NoError(err)

	ts.amqpCommandChan, err = ts.amqpChannel.Consume(
		"p2p_test_radio_commands",
		"",
		true,
		false,
		false,
		false,
		nil,
	)
	assert.NoError(err)
}

func (ts *BackendTestSuite) TearDownSuite() {
	assert := require.New(ts.T())

	assert.NoError(ts.amqpConn.Close())
	assert.NoError(ts.backend.Close())
}

func (ts *BackendTestSuite) TestDownlinkCommand() {
	assert := require.New(ts.T())

	df := gw.DownlinkFrame{
		GatewayId: ts.gatewayID[:],
		Items: []*gw.DownlinkFrameItem{
			{
				PhyPayload: []byte{0x01, 0x02, 0x03, 0x04},
				TxInfo:     &gw.DownlinkTXInfo{},
			},
		},
	}
	assert.NoError(ts.backend.SendTXPacket(df))

	received := <-ts.amqpCommandChan
	assert.Equal("gateway.0102030405060708.command.down", received.RoutingKey)
	assert.Equal("application/octet-stream", received.ContentType)

	var receivedDF gw.DownlinkFrame
	assert.NoError(proto.Unmarshal(received.Body, &receivedDF))
	assert.True(proto.Equal(&df, &receivedDF))
}

func (ts *BackendTestSuite) TestUplinkEvent() {
	assert := require.New(ts.T())

	up := gw.UplinkFrame{
		PhyPayload: []byte{0x01, 0x02, 0x03, 0x04},
		RxInfo: &gw.UplinkRXInfo{
			GatewayId: ts.gatewayID[:],
		},
		TxInfo: &gw.UplinkTXInfo{
			Frequency: 868100000,
		},
	}
	b, err := proto.Marshal(&up)
	assert.NoError(err)

	err = ts.amqpChannel.Publish(
		"amq.topic",
		"gateway.0102030405060708.event.up",
		false,
		false,
		amqp.Publishing{
			ContentType: "application/octet-stream",
			Body:        b,
		},
	)
	assert.NoError(err)

	select {
	case upReceived := <-ts.backend.RXPacketChan():
		assert.True(proto.Equal(&up, &upReceived))
	case <-time.After(5 * time.Second):
		ts.T().Fatal("timeout waiting for uplink frame")
	}
}

func TestBackend(t *testing.T) {
	if test.GetConfig().Radio.AMQP.URL == "" {
		t.Skip("TEST_RABBITMQ_URL is not set")
	}

	suite.Run(t, new(BackendTestSuite))
}
