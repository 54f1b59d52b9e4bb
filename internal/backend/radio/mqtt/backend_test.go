package mqtt

import (
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang/protobuf/jsonpb"
	"github.com/golang/protobuf/proto"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/brocaar/chirpstack-api/go/v3/gw"
	"github.com/brocaar/chirpstack-p2p/internal/backend/radio"
	"github.com/brocaar/chirpstack-p2p/internal/backend/radio/marshaler"
	"github.com/brocaar/chirpstack-p2p/internal/test"
	"github.com/brocaar/lorawan"
)

type testMessage struct {
	topic   string
	payload []byte
}

func (m testMessage) Duplicate() bool   { return false }
func (m testMessage) Qos() byte         { return 0 }
func (m testMessage) Retained() bool    { return false }
func (m testMessage) Topic() string     { return m.topic }
func (m testMessage) MessageID() uint16 { return 0 }
func (m testMessage) Payload() []byte   { return m.payload }
func (m testMessage) Ack()              {}

func TestEventHandler(t *testing.T) {
	gatewayID := lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}
	up := gw.UplinkFrame{
		PhyPayload: []byte{0x40, 0x01, 0x02, 0x03, 0x04},
		TxInfo: &gw.UplinkTXInfo{
			Frequency: 868100000,
		},
		RxInfo: &gw.UplinkRXInfo{
			GatewayId: gatewayID[:],
			Rssi:      -60,
		},
	}

	t.Run("json uplink", func(t *testing.T) {
		assert := require.New(t)
		b := newBackend("gateway/+/event/+", 0, marshaler.Protobuf)

		m := jsonpb.Marshaler{}
		str, err := m.MarshalToString(&up)
		assert.NoError(err)

		go b.eventHandler(nil, testMessage{topic: "gateway/0102030405060708/event/up", payload: []byte(str)})

		select {
		case received := <-b.RXPacketChan():
			assert.True(proto.Equal(&up, &received))
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for uplink frame")
		}

		assert.Equal(marshaler.JSON, b.getGatewayMarshaler(gatewayID))
		assert.Equal(marshaler.Protobuf, b.getGatewayMarshaler(lorawan.EUI64{8, 7, 6, 5, 4, 3, 2, 1}))
	})

	t.Run("invalid uplinks are not forwarded", func(t *testing.T) {
		assert := require.New(t)
		b := newBackend("gateway/+/event/+", 0, marshaler.Protobuf)

		noRXInfo, err := proto.Marshal(&gw.UplinkFrame{
			PhyPayload: []byte{0x01},
			TxInfo:     &gw.UplinkTXInfo{},
		})
		assert.NoError(err)

		for _, msg := range []testMessage{
			{topic: "gateway/0102030405060708/event/up", payload: []byte{0xff, 0xff, 0xff}},
			{topic: "gateway/0102030405060708/event/up", payload: noRXInfo},
			{topic: "gateway/0102030405060708/event/stats", payload: []byte{}},
		} {
			b.eventHandler(nil, msg)
		}

		select {
		case <-b.RXPacketChan():
			t.Fatal("unexpected uplink frame")
		default:
		}
	})
}

type BackendTestSuite struct {
	suite.Suite

	backend    radio.Backend
	mqttClient paho.Client
	gatewayID  lorawan.EUI64
}

func (ts *BackendTestSuite) SetupSuite() {
	assert := require.New(ts.T())

	conf := test.GetConfig()
	conf.Radio.MQTT.EventTopic = "gateway/+/event/+"
	conf.Radio.MQTT.CommandTopicTemplate = "gateway/{{ .GatewayID }}/command/{{ .CommandType }}"

	ts.gatewayID = lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}

	opts := paho.NewClientOptions().AddBroker(conf.Radio.MQTT.Server)
	ts.mqttClient = paho.NewClient(opts)
	token := ts.mqttClient.Connect()
	token.Wait()
	assert.NoError(token.Error())

	var err error
	ts.backend, err = NewBackend(conf)
	assert.NoError(err)
}

func (ts *BackendTestSuite) TearDownSuite() {
	ts.mqttClient.Disconnect(0)
	ts.NoError(ts.backend.Close())
}

func (ts *BackendTestSuite) TestUplinkFrame() {
	assert := require.New(ts.T())

	up := gw.UplinkFrame{
		PhyPayload: []byte{0x40, 0x01, 0x02, 0x03, 0x04},
		TxInfo: &gw.UplinkTXInfo{
			Frequency: 868100000,
		},
		RxInfo: &gw.UplinkRXInfo{
			GatewayId: ts.gatewayID[:],
		},
	}
	b, err := proto.Marshal(&up)
	assert.NoError(err)

	token := ts.mqttClient.Publish("gateway/0102030405060708/event/up", 0, false, b)
	token.Wait()
	assert.NoError(token.Error())

	received := <-ts.backend.RXPacketChan()
	assert.True(proto.Equal(&up, &received))
}

func (ts *BackendTestSuite) TestSendTXPacket() {
	assert := require.New(ts.T())

	downChan := make(chan gw.DownlinkFrame)
	token := ts.mqttClient.Subscribe("gateway/0102030405060708/command/down", 0, func(c paho.Client, msg paho.Message) {
		var df gw.DownlinkFrame
		if err := proto.Unmarshal(msg.Payload(), &df); err != nil {
			panic(err)
		}
		downChan <- df
	})
	token.Wait()
	assert.NoError(token.Error())

	df := gw.DownlinkFrame{
		GatewayId: ts.gatewayID[:],
		Items: []*gw.DownlinkFrameItem{
			{
				PhyPayload: []byte{0x60, 0x01, 0x02, 0x03},
				TxInfo: &gw.DownlinkTXInfo{
					Frequency: 868100000,
				},
			},
		},
	}
	assert.NoError(ts.backend.SendTXPacket(df))

	received := <-downChan
	assert.True(proto.Equal(&df, &received))
}

func TestBackend(t *testing.T) {
	if test.GetConfig().Radio.MQTT.Server == "" {
		t.Skip("TEST_MQTT_SERVER is not set")
	}

	suite.Run(t, new(BackendTestSuite))
}
