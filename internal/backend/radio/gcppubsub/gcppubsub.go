// Package gcppubsub implements a radio backend using Google Cloud Pub/Sub,
// for concentrators connected through Cloud IoT Core.
package gcppubsub

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/api/option"

	"github.com/brocaar/chirpstack-api/go/v3/gw"
	"github.com/brocaar/chirpstack-p2p/internal/backend/radio"
	"github.com/brocaar/chirpstack-p2p/internal/backend/radio/marshaler"
	"github.com/brocaar/chirpstack-p2p/internal/config"
	"github.com/brocaar/chirpstack-p2p/internal/helpers"
	"github.com/brocaar/lorawan"
)

const uplinkSubscriptionTmpl = "%s-chirpstack-p2p"

// Backend implements a Google Cloud Pub/Sub radio backend.
type Backend struct {
	sync.RWMutex
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	client             *pubsub.Client
	downlinkTopic      *pubsub.Topic
	uplinkTopic        *pubsub.Topic
	uplinkSubscription *pubsub.Subscription

	uplinkFrameChan  chan gw.UplinkFrame
	defaultMarshaler marshaler.Type
	gatewayMarshaler map[lorawan.EUI64]marshaler.Type
}

// NewBackend creates a new Backend.
func NewBackend(c config.Config) (radio.Backend, error) {
	conf := c.Radio.GCPPubSub

	t, err := marshaler.ParseType(c.Radio.Marshaler)
	if err != nil {
		return nil, errors.Wrap(err, "backend/radio/gcp_pub_sub: parse marshaler error")
	}

	b := newBackend(t)

	var o []option.ClientOption
	if conf.CredentialsFile != "" {
		o = append(o, option.WithCredentialsFile(conf.CredentialsFile))
	}

	log.Info("backend/radio/gcp_pub_sub: setting up client")
	b.client, err = pubsub.NewClient(b.ctx, conf.ProjectID, o...)
	if err != nil {
		return nil, errors.Wrap(err, "backend/radio/gcp_pub_sub: new pubsub client error")
	}

	log.WithField("topic", conf.DownlinkTopicName).Info("backend/radio/gcp_pub_sub: setup downlink topic")
	b.downlinkTopic = b.client.Topic(conf.DownlinkTopicName)
	ok, err := b.downlinkTopic.Exists(b.ctx)
	if err != nil {
		return nil, errors.Wrap(err, "backend/radio/gcp_pub_sub: topic exists error")
	}
	if !ok {
		return nil, fmt.Errorf("backend/radio/gcp_pub_sub: downlink topic '%s' does not exist", conf.DownlinkTopicName)
	}

	log.WithField("topic", conf.UplinkTopicName).Info("backend/radio/gcp_pub_sub: setup uplink topic")
	b.uplinkTopic = b.client.Topic(conf.UplinkTopicName)
	ok, err = b.uplinkTopic.Exists(b.ctx)
	if err != nil {
		return nil, errors.Wrap(err, "backend/radio/gcp_pub_sub: topic exists error")
	}
	if !ok {
		return nil, fmt.Errorf("backend/radio/gcp_pub_sub: uplink topic '%s' does not exist", conf.UplinkTopicName)
	}

	upSubName := fmt.Sprintf(uplinkSubscriptionTmpl, conf.UplinkTopicName)

	log.WithField("subscription", upSubName).Info("backend/radio/gcp_pub_sub: check if uplink subscription exists")
	b.uplinkSubscription = b.client.Subscription(upSubName)
	ok, err = b.uplinkSubscription.Exists(b.ctx)
	if err != nil {
		return nil, errors.Wrap(err, "backend/radio/gcp_pub_sub: subscription exists error")
	}

	if !ok {
		log.WithField("subscription", upSubName).Info("backend/radio/gcp_pub_sub: create uplink subscription")
		b.uplinkSubscription, err = b.client.CreateSubscription(b.ctx, upSubName, pubsub.SubscriptionConfig{
			Topic:             b.uplinkTopic,
			RetentionDuration: conf.UplinkRetentionDuration,
		})
		if err != nil {
			return nil, errors.Wrap(err, "backend/radio/gcp_pub_sub: create subscription error")
		}
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.receiveLoop()
	}()

	return b, nil
}

func newBackend(t marshaler.Type) *Backend {
	b := Backend{
		uplinkFrameChan:  make(chan gw.UplinkFrame),
		defaultMarshaler: t,
		gatewayMarshaler: make(map[lorawan.EUI64]marshaler.Type),
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())
	return &b
}

// SendTXPacket publishes the given downlink-frame as "down" command.
func (b *Backend) SendTXPacket(df gw.DownlinkFrame) error {
	gatewayID := helpers.GetGatewayID(&df)
	downID := helpers.GetDownlinkID(&df)
	t := b.getGatewayMarshaler(gatewayID)

	bb, err := marshaler.MarshalDownlinkFrame(t, df)
	if err != nil {
		return errors.Wrap(err, "backend/radio/gcp_pub_sub: marshal downlink frame error")
	}

	return b.publishCommand(log.Fields{
		"downlink_id": downID,
	}, gatewayID, "down", bb)
}

// RXPacketChan returns the uplink-frame channel.
func (b *Backend) RXPacketChan() chan gw.UplinkFrame {
	return b.uplinkFrameChan
}

// Close stops receiving and closes the backend.
func (b *Backend) Close() error {
	log.Info("backend/radio/gcp_pub_sub: closing backend")
	b.cancel()
	b.wg.Wait()
	close(b.uplinkFrameChan)
	return b.client.Close()
}

func (b *Backend) receiveLoop() {
	for {
		err := b.uplinkSubscription.Receive(b.ctx, b.receiveFunc)
		if err != nil && b.ctx.Err() == nil {
			log.WithError(err).Error("backend/radio/gcp_pub_sub: receive error")
			time.Sleep(2 * time.Second)
			continue
		}
		return
	}
}

func (b *Backend) receiveFunc(ctx context.Context, msg *pubsub.Message) {
	msg.Ack()

	if err := b.handleMessage(msg.Attributes, msg.Data); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"attributes":  msg.Attributes,
			"data_base64": base64.StdEncoding.EncodeToString(msg.Data),
		}).Error("backend/radio/gcp_pub_sub: handle received message error")
	}
}

// handleMessage handles a message using the Cloud IoT Core attributes:
// deviceId holds "gw-" + gateway ID, subFolder the event type.
func (b *Backend) handleMessage(attributes map[string]string, data []byte) error {
	deviceID, ok := attributes["deviceId"]
	if !ok {
		return errors.New("message does not contain 'deviceId' attribute")
	}

	typ, ok := attributes["subFolder"]
	if !ok {
		return errors.New("message does not contain 'subFolder' attribute")
	}

	var gatewayID lorawan.EUI64
	if err := gatewayID.UnmarshalText([]byte(strings.TrimPrefix(deviceID, "gw-"))); err != nil {
		return errors.Wrap(err, "unmarshal gateway id error")
	}

	gcpEventCounter(typ).Inc()

	switch typ {
	case "up":
		return b.handleUplinkFrame(gatewayID, data)
	default:
		log.WithFields(log.Fields{
			"gateway_id": gatewayID,
			"type":       typ,
		}).Debug("backend/radio/gcp_pub_sub: ignoring event")
	}

	return nil
}

func (b *Backend) handleUplinkFrame(gatewayID lorawan.EUI64, data []byte) error {
	var uplinkFrame gw.UplinkFrame
	t, err := marshaler.UnmarshalUplinkFrame(data, &uplinkFrame)
	if err != nil {
		return errors.Wrap(err, "unmarshal error")
	}

	b.setGatewayMarshaler(gatewayID, t)

	if uplinkFrame.RxInfo == nil {
		return errors.New("rx_info must not be nil")
	}

	if uplinkFrame.TxInfo == nil {
		return errors.New("tx_info must not be nil")
	}

	// the gateway_id must match the id of the registered device
	if !bytes.Equal(uplinkFrame.RxInfo.GatewayId, gatewayID[:]) {
		return errors.New("gateway_id is not equal to expected gateway_id")
	}

	log.WithFields(log.Fields{
		"gateway_id": gatewayID,
		"uplink_id":  helpers.GetUplinkID(uplinkFrame.RxInfo),
	}).Info("backend/radio/gcp_pub_sub: uplink event received")

	b.uplinkFrameChan <- uplinkFrame

	return nil
}

func (b *Backend) publishCommand(fields log.Fields, gatewayID lorawan.EUI64, command string, data []byte) error {
	start := time.Now()

	res := b.downlinkTopic.Publish(b.ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"deviceId":  "gw-" + gatewayID.String(),
			"subFolder": command,
		},
	})
	if _, err := res.Get(b.ctx); err != nil {
		return errors.Wrap(err, "get publish result error")
	}

	fields["duration"] = time.Since(start)
	fields["gateway_id"] = gatewayID
	fields["command"] = command

	log.WithFields(fields).Info("backend/radio/gcp_pub_sub: message published")

	gcpCommandCounter(command).Inc()

	return nil
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
