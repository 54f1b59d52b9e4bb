// Package azureservicebus implements a radio backend using Azure Service Bus
// queues, for concentrators connected through Azure IoT Hub with the events
// routed to a Service Bus queue.
package azureservicebus

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	servicebus "github.com/Azure/azure-service-bus-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-api/go/v3/gw"
	"github.com/brocaar/chirpstack-p2p/internal/backend/radio"
	"github.com/brocaar/chirpstack-p2p/internal/backend/radio/marshaler"
	"github.com/brocaar/chirpstack-p2p/internal/config"
	"github.com/brocaar/chirpstack-p2p/internal/helpers"
	"github.com/brocaar/lorawan"
)

// Message properties.
const (
	deviceIDProperty  = "iothub-connection-device-id"
	eventProperty     = "event"
	gatewayIDProperty = "gateway_id"
	commandProperty   = "command"
)

// Backend implements an Azure Service Bus radio backend.
type Backend struct {
	sync.RWMutex
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	eventsQueue   *servicebus.Queue
	commandsQueue *servicebus.Queue

	uplinkFrameChan  chan gw.UplinkFrame
	defaultMarshaler marshaler.Type
	gatewayMarshaler map[lorawan.EUI64]marshaler.Type
}

// NewBackend creates a new Backend.
func NewBackend(c config.Config) (radio.Backend, error) {
	conf := c.Radio.AzureServiceBus

	t, err := marshaler.ParseType(c.Radio.Marshaler)
	if err != nil {
		return nil, errors.Wrap(err, "backend/radio/azure_service_bus: parse marshaler error")
	}

	b := newBackend(t)

	log.WithField("queue", conf.EventsQueueName).Info("backend/radio/azure_service_bus: setup events queue")
	b.eventsQueue, err = newQueue(conf.EventsConnectionString, conf.EventsQueueName)
	if err != nil {
		return nil, errors.Wrap(err, "backend/radio/azure_service_bus: setup events queue error")
	}

	log.WithField("queue", conf.CommandsQueueName).Info("backend/radio/azure_service_bus: setup commands queue")
	b.commandsQueue, err = newQueue(conf.CommandsConnectionString, conf.CommandsQueueName)
	if err != nil {
		return nil, errors.Wrap(err, "backend/radio/azure_service_bus: setup commands queue error")
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

func newQueue(connStr, name string) (*servicebus.Queue, error) {
	ns, err := servicebus.NewNamespace(servicebus.NamespaceWithConnectionString(connStr))
	if err != nil {
		return nil, errors.Wrap(err, "new namespace error")
	}

	q, err := ns.NewQueue(name)
	if err != nil {
		return nil, errors.Wrap(err, "new queue error")
	}

	return q, nil
}

// SendTXPacket sends the given downlink-frame as "down" command.
func (b *Backend) SendTXPacket(df gw.DownlinkFrame) error {
	gatewayID := helpers.GetGatewayID(&df)
	downID := helpers.GetDownlinkID(&df)
	t := b.getGatewayMarshaler(gatewayID)

	bb, err := marshaler.MarshalDownlinkFrame(t, df)
	if err != nil {
		return errors.Wrap(err, "backend/radio/azure_service_bus: marshal downlink frame error")
	}

	return b.publishCommand(log.Fields{
		"downlink_id": downID,
	}, gatewayID, "down", bb)
}

// RXPacketChan returns the uplink-frame channel.
func (b *Backend) RXPacketChan() chan gw.UplinkFrame {
	return b.uplinkFrameChan
}

// Close stops receiving and closes the queues.
func (b *Backend) Close() error {
	log.Info("backend/radio/azure_service_bus: closing backend")
	b.cancel()
	b.wg.Wait()
	close(b.uplinkFrameChan)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := b.eventsQueue.Close(ctx); err != nil {
		return errors.Wrap(err, "close events queue error")
	}
	if err := b.commandsQueue.Close(ctx); err != nil {
		return errors.Wrap(err, "close commands queue error")
	}
	return nil
}

func (b *Backend) receiveLoop() {
	for {
		err := b.eventsQueue.Receive(b.ctx, servicebus.HandlerFunc(b.receiveFunc))
		if err != nil && b.ctx.Err() == nil {
			log.WithError(err).Error("backend/radio/azure_service_bus: receive error")
			time.Sleep(2 * time.Second)
			continue
		}
		return
	}
}

func (b *Backend) receiveFunc(ctx context.Context, msg *servicebus.Message) error {
	if err := b.handleMessage(msg.UserProperties, msg.Data); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"properties":  msg.UserProperties,
			"data_base64": base64.StdEncoding.EncodeToString(msg.Data),
		}).Error("backend/radio/azure_service_bus: handle received message error")
	}

	// invalid messages are completed too, redelivery would not fix them
	return msg.Complete(ctx)
}

// handleMessage handles a message routed from IoT Hub: the device id holds
// "eui-" + gateway ID, the event property the event type.
func (b *Backend) handleMessage(properties map[string]interface{}, data []byte) error {
	deviceID, ok := properties[deviceIDProperty].(string)
	if !ok {
		return fmt.Errorf("message does not contain '%s' property", deviceIDProperty)
	}

	typ, ok := properties[eventProperty].(string)
	if !ok {
		return fmt.Errorf("message does not contain '%s' property", eventProperty)
	}

	var gatewayID lorawan.EUI64
	if err := gatewayID.UnmarshalText([]byte(strings.TrimPrefix(deviceID, "eui-"))); err != nil {
		return errors.Wrap(err, "unmarshal gateway id error")
	}

	azureEventCounter(typ).Inc()

	switch typ {
	case "up":
		return b.handleUplinkFrame(gatewayID, data)
	default:
		log.WithFields(log.Fields{
			"gateway_id": gatewayID,
			"type":       typ,
		}).Debug("backend/radio/azure_service_bus: ignoring event")
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

	// the gateway_id must match the id of the IoT Hub device
	if !bytes.Equal(uplinkFrame.RxInfo.GatewayId, gatewayID[:]) {
		return errors.New("gateway_id is not equal to expected gateway_id")
	}

	log.WithFields(log.Fields{
		"gateway_id": gatewayID,
		"uplink_id":  helpers.GetUplinkID(uplinkFrame.RxInfo),
	}).Info("backend/radio/azure_service_bus: uplink event received")

	select {
	case b.uplinkFrameChan <- uplinkFrame:
	case <-b.ctx.Done():
	}

	return nil
}

func (b *Backend) publishCommand(fields log.Fields, gatewayID lorawan.EUI64, command string, data []byte) error {
	start := time.Now()

	msg := servicebus.NewMessage(data)
	msg.UserProperties = map[string]interface{}{
		gatewayIDProperty: gatewayID.String(),
		commandProperty:   command,
	}

	if err := b.commandsQueue.Send(b.ctx, msg); err != nil {
		return errors.Wrap(err, "send command error")
	}

	fields["duration"] = time.Since(start)
	fields["gateway_id"] = gatewayID
	fields["command"] = command

	log.WithFields(fields).Info("backend/radio/azure_service_bus: command sent")

	azureCommandCounter(command).Inc()

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
