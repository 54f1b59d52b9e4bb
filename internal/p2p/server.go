// Package p2p connects the radio backend, the protocol engine, the
// device-session store and the application backend.
package p2p

import (
	"context"
	"encoding/base64"
	"io"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/golang/protobuf/ptypes"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-api/go/v3/as/integration"
	"github.com/brocaar/chirpstack-api/go/v3/gw"
	"github.com/brocaar/chirpstack-p2p/internal/backend/application"
	"github.com/brocaar/chirpstack-p2p/internal/backend/radio"
	"github.com/brocaar/chirpstack-p2p/internal/engine"
	"github.com/brocaar/chirpstack-p2p/internal/helpers"
	"github.com/brocaar/chirpstack-p2p/internal/logging"
	"github.com/brocaar/chirpstack-p2p/internal/storage"
)

type uplinkFrameKey struct{}

// Options holds the server options.
type Options struct {
	JoinEnabled bool

	// ResetOnFirstFrame allows the frame-counter of the first frame
	// received after start to reset the uplink frame-counter.
	ResetOnFirstFrame bool

	// TXPower (dBm) of the downlinks.
	TXPower int

	JoinAcceptDelay time.Duration
	DataDelay       time.Duration

	// NonceSource overrides the join-nonce source of the engine.
	NonceSource io.Reader
}

// Server represents a server handling the uplinks of the paired device.
type Server struct {
	wg sync.WaitGroup
	mu sync.Mutex

	radio       radio.Backend
	application application.Backend
	engine      *engine.Engine
	opts        Options

	received bool
}

// NewServer creates a new server.
func NewServer(r radio.Backend, a application.Backend, p engine.Persister, id storage.DeviceIdentity, ds storage.DeviceSession, opts Options) *Server {
	if a == nil {
		a = &application.NopBackend{}
	}

	s := Server{
		radio:       r,
		application: a,
		opts:        opts,
	}

	s.engine = engine.New(id, ds, engine.Options{
		JoinEnabled:     opts.JoinEnabled,
		Emitter:         &s,
		Persister:       p,
		Deliverer:       &s,
		JoinNotifier:    &s,
		NonceSource:     opts.NonceSource,
		JoinAcceptDelay: opts.JoinAcceptDelay,
		DownlinkDelay:   opts.DataDelay,
	})

	return &s
}

// Start starts the server.
func (s *Server) Start() error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.handleRXPackets()
	}()
	return nil
}

// Stop closes the radio backend and waits for the server to complete the
// pending packets.
func (s *Server) Stop() error {
	if err := s.radio.Close(); err != nil {
		return errors.Wrap(err, "close radio backend error")
	}
	log.Info("p2p: waiting for pending actions to complete")
	s.wg.Wait()
	return nil
}

// handleRXPackets consumes the received packets one by one, the engine is
// not safe for concurrent use.
func (s *Server) handleRXPackets() {
	for uf := range s.radio.RXPacketChan() {
		if err := s.HandleUplinkFrame(context.Background(), uf); err != nil {
			log.WithFields(log.Fields{
				"data_base64": base64.StdEncoding.EncodeToString(uf.PhyPayload),
			}).WithError(err).Error("p2p: processing uplink frame error")
		}
	}
}

// DeviceIdentity returns the identity of the paired device.
func (s *Server) DeviceIdentity() storage.DeviceIdentity {
	return s.engine.DeviceIdentity()
}

// DeviceSession returns a copy of the current device-session. It is safe to
// call while frames are being handled.
func (s *Server) DeviceSession() storage.DeviceSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.DeviceSession()
}

// HandleUplinkFrame hands a single uplink frame to the engine.
func (s *Server) HandleUplinkFrame(ctx context.Context, uf gw.UplinkFrame) error {
	if uf.RxInfo == nil || uf.TxInfo == nil {
		return errors.New("rx_info and tx_info must not be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, err := logging.NewContextWithID(ctx)
	if err != nil {
		return errors.Wrap(err, "new context id error")
	}
	ctx = context.WithValue(ctx, uplinkFrameKey{}, &uf)

	allowFCntReset := s.opts.ResetOnFirstFrame && !s.received
	s.received = true

	log.WithFields(log.Fields{
		"gateway_id":       helpers.GetGatewayID(uf.RxInfo),
		"uplink_id":        helpers.GetUplinkID(uf.RxInfo),
		"rssi":             uf.RxInfo.Rssi,
		"allow_fcnt_reset": allowFCntReset,
		"ctx_id":           ctx.Value(logging.ContextIDKey),
	}).Debug("p2p: handling uplink frame")

	s.engine.HandleUplink(ctx, uf.PhyPayload, int(uf.RxInfo.Rssi), allowFCntReset)
	return nil
}

// EmitFrame sends the given frame through the concentrator which received
// the uplink, with the given delay relative to the uplink.
func (s *Server) EmitFrame(ctx context.Context, b []byte, delay time.Duration) error {
	uf, err := uplinkFrameFromContext(ctx)
	if err != nil {
		return err
	}

	downID, err := uuid.NewV4()
	if err != nil {
		return errors.Wrap(err, "new uuid error")
	}

	txInfo := gw.DownlinkTXInfo{
		Frequency: uf.TxInfo.Frequency,
		Power:     int32(s.opts.TXPower),
		Board:     uf.RxInfo.Board,
		Antenna:   uf.RxInfo.Antenna,
		Timing:    gw.DownlinkTiming_DELAY,
		TimingInfo: &gw.DownlinkTXInfo_DelayTimingInfo{
			DelayTimingInfo: &gw.DelayTimingInfo{
				Delay: ptypes.DurationProto(delay),
			},
		},
		Context: uf.RxInfo.Context,
	}
	if err := helpers.SetDownlinkTXInfoModulation(&txInfo, uf.TxInfo); err != nil {
		return errors.Wrap(err, "set modulation error")
	}

	df := gw.DownlinkFrame{
		DownlinkId: downID.Bytes(),
		GatewayId:  uf.RxInfo.GatewayId,
		Items: []*gw.DownlinkFrameItem{
			{
				PhyPayload: b,
				TxInfo:     &txInfo,
			},
		},
	}

	log.WithFields(log.Fields{
		"gateway_id":  helpers.GetGatewayID(uf.RxInfo),
		"downlink_id": downID,
		"delay":       delay,
		"ctx_id":      ctx.Value(logging.ContextIDKey),
	}).Info("p2p: sending downlink frame")

	if err := s.radio.SendTXPacket(df); err != nil {
		return errors.Wrap(err, "send downlink frame error")
	}
	return nil
}

// DeliverPayload publishes the decrypted payload as uplink event.
func (s *Server) DeliverPayload(ctx context.Context, fPort uint8, b []byte) error {
	uf, err := uplinkFrameFromContext(ctx)
	if err != nil {
		return err
	}

	id := s.engine.DeviceIdentity()
	ds := s.engine.DeviceSession()

	return s.application.SendUplinkEvent(ctx, integration.UplinkEvent{
		DevEui: id.DevEUI[:],
		RxInfo: []*gw.UplinkRXInfo{uf.RxInfo},
		TxInfo: uf.TxInfo,
		FCnt:   ds.FCntUp,
		FPort:  uint32(fPort),
		Data:   b,
	})
}

// NotifyJoined publishes the join event.
func (s *Server) NotifyJoined(ctx context.Context, ds storage.DeviceSession) error {
	uf, err := uplinkFrameFromContext(ctx)
	if err != nil {
		return err
	}

	id := s.engine.DeviceIdentity()

	return s.application.SendJoinEvent(ctx, integration.JoinEvent{
		DevEui:  id.DevEUI[:],
		DevAddr: ds.DevAddr[:],
		RxInfo:  []*gw.UplinkRXInfo{uf.RxInfo},
		TxInfo:  uf.TxInfo,
	})
}

func uplinkFrameFromContext(ctx context.Context) (*gw.UplinkFrame, error) {
	uf, ok := ctx.Value(uplinkFrameKey{}).(*gw.UplinkFrame)
	if !ok {
		return nil, errors.New("no uplink frame in context")
	}
	return uf, nil
}
