// Package mqtt implements a radio backend using the MQTT protocol, as used
// by the ChirpStack Gateway Bridge.
package mqtt

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"io/ioutil"
	"strings"
	"sync"
	"text/template"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-api/go/v3/gw"
	"github.com/brocaar/chirpstack-p2p/internal/backend/radio"
	"github.com/brocaar/chirpstack-p2p/internal/backend/radio/marshaler"
	"github.com/brocaar/chirpstack-p2p/internal/config"
	"github.com/brocaar/chirpstack-p2p/internal/helpers"
	"github.com/brocaar/lorawan"
)

// Backend implements a MQTT pub-sub radio backend.
type Backend struct {
	sync.RWMutex

	wg sync.WaitGroup

	rxPacketChan chan gw.UplinkFrame

	conn            paho.Client
	commandTemplate *template.Template
	eventTopic      string
	qos             uint8

	// marshaler used for gateways from which no event was received yet
	defaultMarshaler marshaler.Type
	gatewayMarshaler map[lorawan.EUI64]marshaler.Type
}

// NewBackend creates a new Backend.
func NewBackend(c config.Config) (radio.Backend, error) {
	conf := c.Radio.MQTT

	t, err := marshaler.ParseType(c.Radio.Marshaler)
	if err != nil {
		return nil, errors.Wrap(err, "backend/radio/mqtt: parse marshaler error")
	}

	b := newBackend(conf.EventTopic, conf.QOS, t)

	b.commandTemplate, err = template.New("command").Parse(conf.CommandTopicTemplate)
	if err != nil {
		return nil, errors.Wrap(err, "backend/radio/mqtt: parse command topic template error")
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(conf.Server)
	opts.SetUsername(conf.Username)
	opts.SetPassword(conf.Password)
	opts.SetCleanSession(conf.CleanSession)
	opts.SetClientID(conf.ClientID)
	opts.SetOnConnectHandler(b.onConnected)
	opts.SetConnectionLostHandler(b.onConnectionLost)
	opts.SetAutoReconnect(true)
	if conf.MaxReconnectInterval != 0 {
		opts.SetMaxReconnectInterval(conf.MaxReconnectInterval)
	}

	tlsconfig, err := newTLSConfig(conf.CACert, conf.TLSCert, conf.TLSKey)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"ca_cert":  conf.CACert,
			"tls_cert": conf.TLSCert,
			"tls_key":  conf.TLSKey,
		}).Fatal("backend/radio/mqtt: error loading mqtt certificate files")
	}
	if tlsconfig != nil {
		opts.SetTLSConfig(tlsconfig)
	}

	log.WithField("server", conf.Server).Info("backend/radio/mqtt: connecting to mqtt broker")
	b.conn = paho.NewClient(opts)
	for {
		if token := b.conn.Connect(); token.Wait() && token.Error() != nil {
			log.Errorf("backend/radio/mqtt: connecting to mqtt broker failed, will retry in 2s: %s", token.Error())
			time.Sleep(2 * time.Second)
		} else {
			break
		}
	}

	return b, nil
}

func newBackend(eventTopic string, qos uint8, t marshaler.Type) *Backend {
	return &Backend{
		rxPacketChan:     make(chan gw.UplinkFrame),
		eventTopic:       eventTopic,
		qos:              qos,
		defaultMarshaler: t,
		gatewayMarshaler: make(map[lorawan.EUI64]marshaler.Type),
	}
}

// Close closes the backend.
// Note that this closes the backend one-way (concentrator to backend).
// This makes it possible to perform a graceful shutdown (e.g. when there are
// still packets to send back to the device).
func (b *Backend) Close() error {
	log.Info("backend/radio/mqtt: closing backend")

	log.WithField("topic", b.eventTopic).Info("backend/radio/mqtt: unsubscribing from event topic")
	if token := b.conn.Unsubscribe(b.eventTopic); token.Wait() && token.Error() != nil {
		return errors.Wrapf(token.Error(), "backend/radio/mqtt: unsubscribe from %s error", b.eventTopic)
	}

	log.Info("backend/radio/mqtt: handling last messages")
	b.wg.Wait()
	close(b.rxPacketChan)
	return nil
}

// RXPacketChan returns the uplink-frame channel.
func (b *Backend) RXPacketChan() chan gw.UplinkFrame {
	return b.rxPacketChan
}

// SendTXPacket sends the given downlink-frame to the concentrator.
func (b *Backend) SendTXPacket(df gw.DownlinkFrame) error {
	gatewayID := helpers.GetGatewayID(&df)
	downID := helpers.GetDownlinkID(&df)
	t := b.getGatewayMarshaler(gatewayID)

	bb, err := marshaler.MarshalDownlinkFrame(t, df)
	if err != nil {
		return errors.Wrap(err, "backend/radio/mqtt: marshal downlink frame error")
	}

	topic := bytes.NewBuffer(nil)
	if err := b.commandTemplate.Execute(topic, struct {
		GatewayID   lorawan.EUI64
		CommandType string
	}{gatewayID, "down"}); err != nil {
		return errors.Wrap(err, "execute command topic template error")
	}

	log.WithFields(log.Fields{
		"topic":       topic.String(),
		"qos":         b.qos,
		"downlink_id": downID,
	}).Info("backend/radio/mqtt: publishing downlink frame")

	mqttCommandCounter("down").Inc()

	if token := b.conn.Publish(topic.String(), b.qos, false, bb); token.Wait() && token.Error() != nil {
		return errors.Wrap(token.Error(), "backend/radio/mqtt: publish downlink frame error")
	}
	return nil
}

func (b *Backend) eventHandler(c paho.Client, msg paho.Message) {
	b.wg.Add(1)
	defer b.wg.Done()

	parts := strings.Split(msg.Topic(), "/")
	typ := parts[len(parts)-1]

	switch typ {
	case "up":
		mqttEventCounter("up").Inc()
		b.rxPacketHandler(msg)
	default:
		log.WithFields(log.Fields{
			"topic": msg.Topic(),
			"type":  typ,
		}).Debug("backend/radio/mqtt: ignoring event")
	}
}

func (b *Backend) rxPacketHandler(msg paho.Message) {
	var uplinkFrame gw.UplinkFrame
	t, err := marshaler.UnmarshalUplinkFrame(msg.Payload(), &uplinkFrame)
	if err != nil {
		log.WithFields(log.Fields{
			"data_base64": base64.StdEncoding.EncodeToString(msg.Payload()),
		}).WithError(err).Error("backend/radio/mqtt: unmarshal uplink frame error")
		return
	}

	if uplinkFrame.TxInfo == nil {
		log.WithFields(log.Fields{
			"data_base64": base64.StdEncoding.EncodeToString(msg.Payload()),
		}).Error("backend/radio/mqtt: tx_info must not be nil")
		return
	}

	if uplinkFrame.RxInfo == nil {
		log.WithFields(log.Fields{
			"data_base64": base64.StdEncoding.EncodeToString(msg.Payload()),
		}).Error("backend/radio/mqtt: rx_info must not be nil")
		return
	}

	gatewayID := helpers.GetGatewayID(uplinkFrame.RxInfo)
	b.setGatewayMarshaler(gatewayID, t)

	log.WithFields(log.Fields{
		"gateway_id": gatewayID,
		"uplink_id":  helpers.GetUplinkID(uplinkFrame.RxInfo),
	}).Info("backend/radio/mqtt: uplink frame received")

	b.rxPacketChan <- uplinkFrame
}

func (b *Backend) onConnected(c paho.Client) {
	mqttConnectCounter().Inc()
	log.Info("backend/radio/mqtt: connected to mqtt server")

	for {
		log.WithFields(log.Fields{
			"topic": b.eventTopic,
			"qos":   b.qos,
		}).Info("backend/radio/mqtt: subscribing to event topic")
		if token := c.Subscribe(b.eventTopic, b.qos, b.eventHandler); token.Wait() && token.Error() != nil {
			log.WithFields(log.Fields{
				"topic": b.eventTopic,
				"qos":   b.qos,
			}).Errorf("backend/radio/mqtt: subscribe error: %s", token.Error())
			time.Sleep(time.Second)
			continue
		}
		break
	}
}

func (b *Backend) onConnectionLost(c paho.Client, reason error) {
	mqttDisconnectCounter().Inc()
	log.Errorf("backend/radio/mqtt: mqtt connection error: %s", reason)
}

func (b *Backend) setGatewayMarshaler(gatewayID lorawan.EUI64, t marshaler.Type) {
	b.Lock()
	defer b.Unlock()

	b.gatewayMarshaler[gatewayID] = t
}

func (b *Backend) getGatewayMarshaler(gatewayID lorawan.EUI64) marshaler.Type {
	b.RLock()
	defer b.RUnlock()

	t, ok := b.gatewayMarshaler[gatewayID]
	if !ok {
		return b.defaultMarshaler
	}
	return t
}

func newTLSConfig(cafile, certFile, certKeyFile string) (*tls.Config, error) {
	if cafile == "" && certFile == "" && certKeyFile == "" {
		return nil, nil
	}

	tlsConfig := &tls.Config{}

	// Import trusted certificates from CAfile.pem.
	if cafile != "" {
		cacert, err := ioutil.ReadFile(cafile)
		if err != nil {
			log.WithError(err).Error("backend/radio/mqtt: could not load ca certificate")
			return nil, err
		}
		certpool := x509.NewCertPool()
		certpool.AppendCertsFromPEM(cacert)

		tlsConfig.RootCAs = certpool // RootCAs = certs used to verify server cert.
	}

	// Import certificate and the key
	if certFile != "" && certKeyFile != "" {
		kp, err := tls.LoadX509KeyPair(certFile, certKeyFile)
		if err != nil {
			log.WithError(err).Error("backend/radio/mqtt: could not load mqtt tls key-pair")
			return nil, err
		}
		tlsConfig.Certificates = []tls.Certificate{kp}
	}

	return tlsConfig, nil
}
