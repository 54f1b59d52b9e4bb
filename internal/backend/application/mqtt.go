package application

import (
	"bytes"
	"context"
	"encoding/json"
	"text/template"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang/protobuf/jsonpb"
	"github.com/golang/protobuf/proto"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-api/go/v3/as/integration"
	"github.com/brocaar/chirpstack-p2p/internal/backend/radio/marshaler"
	"github.com/brocaar/chirpstack-p2p/internal/codec"
	"github.com/brocaar/chirpstack-p2p/internal/config"
	"github.com/brocaar/chirpstack-p2p/internal/logging"
	"github.com/brocaar/lorawan"
)

// MQTTBackend publishes the device events to a MQTT broker.
type MQTTBackend struct {
	conn          paho.Client
	qos           uint8
	eventTemplate *template.Template
	marshaler     marshaler.Type
	codec         codec.Codec
}

// NewMQTTBackend creates a new MQTTBackend.
func NewMQTTBackend(c config.Config) (*MQTTBackend, error) {
	conf := c.Application.MQTT

	b, err := newMQTTBackend(conf.EventTopicTemplate, conf.QOS, c.Application.Marshaler, codec.Type(c.Application.PayloadCodec))
	if err != nil {
		return nil, err
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(conf.Server)
	opts.SetUsername(conf.Username)
	opts.SetPassword(conf.Password)
	opts.SetCleanSession(conf.CleanSession)
	opts.SetClientID(conf.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(func(c paho.Client) {
		log.Info("backend/application: connected to mqtt broker")
	})
	opts.SetConnectionLostHandler(func(c paho.Client, err error) {
		log.WithError(err).Error("backend/application: mqtt connection error")
	})
	if conf.MaxReconnectInterval != 0 {
		opts.SetMaxReconnectInterval(conf.MaxReconnectInterval)
	}

	log.WithField("server", conf.Server).Info("backend/application: connecting to mqtt broker")
	b.conn = paho.NewClient(opts)
	for {
		if token := b.conn.Connect(); token.Wait() && token.Error() != nil {
			log.Errorf("backend/application: connecting to mqtt broker failed, will retry in 2s: %s", token.Error())
			time.Sleep(2 * time.Second)
		} else {
			break
		}
	}

	return b, nil
}

func newMQTTBackend(eventTopicTemplate string, qos uint8, marshalerName string, codecType codec.Type) (*MQTTBackend, error) {
	var err error
	b := MQTTBackend{
		qos: qos,
	}

	b.eventTemplate, err = template.New("event").Parse(eventTopicTemplate)
	if err != nil {
		return nil, errors.Wrap(err, "backend/application: parse event topic template error")
	}

	b.marshaler, err = marshaler.ParseType(marshalerName)
	if err != nil {
		return nil, errors.Wrap(err, "backend/application: parse marshaler error")
	}

	b.codec, err = codec.NewCodec(codecType)
	if err != nil {
		return nil, errors.Wrap(err, "backend/application: new codec error")
	}

	return &b, nil
}

// SendUplinkEvent publishes the uplink event. When a payload codec is
// configured, the decoded payload is added as object.
func (b *MQTTBackend) SendUplinkEvent(ctx context.Context, pl integration.UplinkEvent) error {
	if err := b.decodeObject(ctx, &pl); err != nil {
		return err
	}

	return b.publish(ctx, pl.DevEui, "up", &pl)
}

// decodeObject sets the ObjectJson field. Payloads the codec can not decode
// are published without object.
func (b *MQTTBackend) decodeObject(ctx context.Context, pl *integration.UplinkEvent) error {
	if b.codec == nil {
		return nil
	}

	obj, err := b.codec.Decode(uint8(pl.FPort), pl.Data)
	if err != nil {
		codecErrorCounter().Inc()
		log.WithError(err).WithFields(log.Fields{
			"f_port": pl.FPort,
			"ctx_id": ctx.Value(logging.ContextIDKey),
		}).Warning("backend/application: decode payload error")
		return nil
	}

	objJSON, err := json.Marshal(obj)
	if err != nil {
		return errors.Wrap(err, "marshal object error")
	}
	pl.ObjectJson = string(objJSON)

	return nil
}

// SendJoinEvent publishes the join event.
func (b *MQTTBackend) SendJoinEvent(ctx context.Context, pl integration.JoinEvent) error {
	return b.publish(ctx, pl.DevEui, "join", &pl)
}

// Close closes the backend.
func (b *MQTTBackend) Close() error {
	log.Info("backend/application: closing backend")
	b.conn.Disconnect(250)
	return nil
}

func (b *MQTTBackend) publish(ctx context.Context, devEUIB []byte, event string, msg proto.Message) error {
	var devEUI lorawan.EUI64
	copy(devEUI[:], devEUIB)

	topic, err := b.eventTopic(devEUI, event)
	if err != nil {
		return err
	}

	bb, err := b.marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal event error")
	}

	log.WithFields(log.Fields{
		"topic":  topic,
		"qos":    b.qos,
		"event":  event,
		"ctx_id": ctx.Value(logging.ContextIDKey),
	}).Info("backend/application: publishing event")

	mqttEventCounter(event).Inc()

	if token := b.conn.Publish(topic, b.qos, false, bb); token.Wait() && token.Error() != nil {
		return errors.Wrap(token.Error(), "publish event error")
	}
	return nil
}

func (b *MQTTBackend) eventTopic(devEUI lorawan.EUI64, event string) (string, error) {
	topic := bytes.NewBuffer(nil)
	if err := b.eventTemplate.Execute(topic, struct {
		DevEUI    lorawan.EUI64
		EventType string
	}{devEUI, event}); err != nil {
		return "", errors.Wrap(err, "execute event topic template error")
	}
	return topic.String(), nil
}

func (b *MQTTBackend) marshal(msg proto.Message) ([]byte, error) {
	switch b.marshaler {
	case marshaler.JSON:
		m := jsonpb.Marshaler{
			EmitDefaults: true,
		}
		str, err := m.MarshalToString(msg)
		return []byte(str), err
	default:
		return proto.Marshal(msg)
	}
}
