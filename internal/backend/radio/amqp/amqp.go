// Package amqp implements a radio backend using AMQP (RabbitMQ).
package amqp

import (
	"bytes"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"github.com/brocaar/chirpstack-api/go/v3/gw"
	"github.com/brocaar/chirpstack-p2p/internal/backend/radio"
	"github.com/brocaar/chirpstack-p2p/internal/backend/radio/marshaler"
	"github.com/brocaar/chirpstack-p2p/internal/config"
	"github.com/brocaar/chirpstack-p2p/internal/helpers"
	"github.com/brocaar/lorawan"
)

const exchange = "amq.topic"

var gatewayIDRegexp = regexp.MustCompile(`([0-9a-fA-F]{16})`)

// Backend implements an AMQP radio backend.
type Backend struct {
	conn   *amqp.Connection
	chPool *pool

	eventQueueName    string
	eventRoutingKey   string
	commandRoutingKey *template.Template

	uplinkFrameChan chan gw.UplinkFrame

	defaultMarshaler    marshaler.Type
	gatewayMarshalerMux sync.RWMutex
	gatewayMarshaler    map[lorawan.EUI64]marshaler.Type
}

// NewBackend creates a new Backend.
func NewBackend(c config.Config) (radio.Backend, error) {
	var err error
	conf := c.Radio.AMQP

	t, err := marshaler.ParseType(c.Radio.Marshaler)
	if err != nil {
		return nil, errors.Wrap(err, "backend/radio/amqp: parse marshaler error")
	}

	b := Backend{
		eventQueueName:   conf.EventQueueName,
		eventRoutingKey:  conf.EventRoutingKey,
		defaultMarshaler: t,
		gatewayMarshaler: make(map[lorawan.EUI64]marshaler.Type),
		uplinkFrameChan:  make(chan gw.UplinkFrame),
	}

	b.commandRoutingKey, err = template.New("command").Parse(conf.CommandRoutingKeyTemplate)
	if err != nil {
		return nil, errors.Wrap(err, "backend/radio/amqp: parse command routing-key template error")
	}

	log.Info("backend/radio/amqp: connecting to AMQP server")
	b.conn, err = amqp.Dial(conf.URL)
	if err != nil {
		return nil, errors.Wrap(err, "backend/radio/amqp: dial amqp server error")
	}

	b.chPool, err = newPool(10, b.conn)
	if err != nil {
		b.conn.Close()
		return nil, errors.Wrap(err, "backend/radio/amqp: new amqp channel pool error")
	}

	if err := b.setupQueue(); err != nil {
		b.Close()
		return nil, errors.Wrap(err, "backend/radio/amqp: setup queue error")
	}

	go b.eventLoop()

	return &b, nil
}

// SendTXPacket publishes the given downlink-frame as "down" command.
func (b *Backend) SendTXPacket(df gw.DownlinkFrame) error {
	gatewayID := helpers.GetGatewayID(&df)
	downID := helpers.GetDownlinkID(&df)
	t := b.getGatewayMarshaler(gatewayID)

	bb, err := marshaler.MarshalDownlinkFrame(t, df)
	if err != nil {
		return errors.Wrap(err, "backend/radio/amqp: marshal downlink frame error")
	}

	return b.publishCommand(log.Fields{
		"downlink_id": downID,
	}, gatewayID, "down", t, bb)
}

// RXPacketChan returns the uplink-frame channel.
func (b *Backend) RXPacketChan() chan gw.UplinkFrame {
	return b.uplinkFrameChan
}

// Close closes the backend. The uplink-frame channel is closed once the
// event loop has stopped.
func (b *Backend) Close() error {
	log.Info("backend/radio/amqp: closing backend")
	b.chPool.close()
	return b.conn.Close()
}

func (b *Backend) publishCommand(fields log.Fields, gatewayID lorawan.EUI64, command string, t marshaler.Type, data []byte) error {
	ch, err := b.chPool.get()
	if err != nil {
		return errors.Wrap(err, "get amqp channel from pool error")
	}
	defer ch.close()

	templateCtx := struct {
		GatewayID   lorawan.EUI64
		CommandType string
	}{gatewayID, command}
	topic := bytes.NewBuffer(nil)
	if err := b.commandRoutingKey.Execute(topic, templateCtx); err != nil {
		return errors.Wrap(err, "execute command topic error")
	}

	fields["gateway_id"] = gatewayID
	fields["command"] = command
	fields["routing_key"] = topic.String()

	log.WithFields(fields).Info("backend/radio/amqp: publishing command")
	amqpCommandCounter(command).Inc()

	err = ch.ch.Publish(
		exchange,
		topic.String(),
		false,
		false,
		amqp.Publishing{
			ContentType: t.ContentType(),
			Body:        data,
		},
	)
	if err != nil {
		ch.markUnusable()
		return errors.Wrap(err, "publish message error")
	}

	return nil
}

func (b *Backend) setupQueue() error {
	ch, err := b.chPool.get()
	if err != nil {
		return errors.Wrap(err, "open channel error")
	}
	defer ch.close()

	_, err = ch.ch.QueueDeclare(
		b.eventQueueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return errors.Wrap(err, "declare queue error")
	}

	err = ch.ch.QueueBind(
		b.eventQueueName,
		b.eventRoutingKey,
		exchange,
		false,
		nil,
	)
	if err != nil {
		return errors.Wrap(err, "bind queue error")
	}

	return nil
}

func (b *Backend) eventLoop() {
	defer close(b.uplinkFrameChan)

	for {
		err := func() error {
			// borrow amqp channel from the pool
			ch, err := b.chPool.get()
			if err != nil {
				return errors.Wrap(err, "get amqp channel from pool error")
			}
			defer ch.close()

			log.Info("backend/radio/amqp: start consuming radio events")

			// get message channel
			msgs, err := ch.ch.Consume(
				b.eventQueueName,
				"",
				true,
				false,
				false,
				false,
				nil,
			)
			if err != nil {
				ch.markUnusable()
				return errors.Wrap(err, "register consumer error")
			}

			// iterate over messages in message channel
			for msg := range msgs {
				b.handleEvent(msg)
			}

			return nil
		}()
		if err != nil {
			// if errClosed, the channel pool was closed and we can break out
			// of the loop
			if errors.Cause(err) == errClosed {
				break
			}

			// in case of any other error, print log and start over again
			// (in the loop).
			log.WithError(err).Error("backend/radio/amqp: event loop error")
			time.Sleep(time.Second)
		}
	}
}

func (b *Backend) handleEvent(msg amqp.Delivery) {
	var err error

	routing := strings.Split(msg.RoutingKey, ".")
	typ := routing[len(routing)-1]

	switch typ {
	case "up":
		amqpEventCounter("up").Inc()
		err = b.handleUplinkFrame(msg)
	default:
		log.WithFields(log.Fields{
			"routing_key": msg.RoutingKey,
			"type":        typ,
		}).Debug("backend/radio/amqp: ignoring event")
	}

	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"type":        typ,
			"routing_key": msg.RoutingKey,
		}).Error("backend/radio/amqp: handle event error")
	}
}

func (b *Backend) handleUplinkFrame(msg amqp.Delivery) error {
	var uplinkFrame gw.UplinkFrame
	t, err := marshaler.UnmarshalUplinkFrame(msg.Body, &uplinkFrame)
	if err != nil {
		return errors.Wrap(err, "unmarshal error")
	}

	if uplinkFrame.RxInfo == nil {
		return errors.New("rx_info must not be nil")
	}

	if uplinkFrame.TxInfo == nil {
		return errors.New("tx_info must not be nil")
	}

	gatewayID := helpers.GetGatewayID(uplinkFrame.GetRxInfo())
	if err := validateGatewayID(msg.RoutingKey, gatewayID); err != nil {
		return errors.Wrap(err, "validate gateway ID error")
	}

	b.setGatewayMarshaler(gatewayID, t)

	log.WithFields(log.Fields{
		"gateway_id": gatewayID,
		"uplink_id":  helpers.GetUplinkID(uplinkFrame.GetRxInfo()),
	}).Info("backend/radio/amqp: uplink event received")

	b.uplinkFrameChan <- uplinkFrame

	return nil
}

func (b *Backend) setGatewayMarshaler(gatewayID lorawan.EUI64, t marshaler.Type) {
	b.gatewayMarshalerMux.Lock()
	defer b.gatewayMarshalerMux.Unlock()

	b.gatewayMarshaler[gatewayID] = t
}

func (b *Backend) getGatewayMarshaler(gatewayID lorawan.EUI64) marshaler.Type {
	b.gatewayMarshalerMux.RLock()
	defer b.gatewayMarshalerMux.RUnlock()

	t, ok := b.gatewayMarshaler[gatewayID]
	if !ok {
		return b.defaultMarshaler
	}
	return t
}

func validateGatewayID(routingKey string, gatewayID lorawan.EUI64) error {
	idStr := gatewayIDRegexp.FindString(routingKey)

	var id lorawan.EUI64
	if err := id.UnmarshalText([]byte(idStr)); err != nil {
		return errors.Wrap(err, "unmarshal gateway id error")
	}

	if gatewayID != id {
		return errors.New("message gateway ID does not match routing-key gateway ID")
	}

	return nil
}
