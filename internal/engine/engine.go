// Package engine implements the LoRaWAN protocol engine for a single paired
// end-device: the OTAA join handshake and the authenticated data exchange
// with frame-counter tracking.
package engine

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-p2p/internal/frame"
	"github.com/brocaar/chirpstack-p2p/internal/logging"
	"github.com/brocaar/chirpstack-p2p/internal/storage"
)

// ErrAbort is used to abort the flow without error
var ErrAbort = errors.New("nothing to do")

// Default response delays, relative to the reception of the uplink.
const (
	DefaultJoinAcceptDelay = 5 * time.Second
	DefaultDownlinkDelay   = time.Second
)

// Emitter transmits a frame after the given delay, counted from the
// reception of the triggering uplink.
type Emitter interface {
	EmitFrame(ctx context.Context, b []byte, delay time.Duration) error
}

// Persister durably stores the device-session.
type Persister interface {
	SaveDeviceSession(ctx context.Context, ds storage.DeviceSession) error
}

// Deliverer receives the decrypted application payloads.
type Deliverer interface {
	DeliverPayload(ctx context.Context, fPort uint8, b []byte) error
}

// JoinNotifier is notified after each successful join.
type JoinNotifier interface {
	NotifyJoined(ctx context.Context, ds storage.DeviceSession) error
}

// Options holds the engine options. Nil collaborators are skipped.
type Options struct {
	JoinEnabled bool

	Emitter      Emitter
	Persister    Persister
	Deliverer    Deliverer
	JoinNotifier JoinNotifier

	// NonceSource is used to generate the join-nonce. It defaults to
	// crypto/rand.
	NonceSource io.Reader

	JoinAcceptDelay time.Duration
	DownlinkDelay   time.Duration
}

// Engine handles the frames of one paired end-device. It is not safe for
// concurrent use, frames must be handled one at a time.
type Engine struct {
	identity storage.DeviceIdentity
	session  storage.DeviceSession
	opts     Options
}

// New creates a new Engine.
func New(identity storage.DeviceIdentity, session storage.DeviceSession, opts Options) *Engine {
	if opts.NonceSource == nil {
		opts.NonceSource = rand.Reader
	}
	if opts.JoinAcceptDelay == 0 {
		opts.JoinAcceptDelay = DefaultJoinAcceptDelay
	}
	if opts.DownlinkDelay == 0 {
		opts.DownlinkDelay = DefaultDownlinkDelay
	}

	return &Engine{
		identity: identity,
		session:  session,
		opts:     opts,
	}
}

// DeviceIdentity returns the identity of the paired device.
func (e *Engine) DeviceIdentity() storage.DeviceIdentity {
	return e.identity
}

// DeviceSession returns a copy of the current device-session.
func (e *Engine) DeviceSession() storage.DeviceSession {
	return e.session
}

// HandleUplink handles a single received frame. Malformed, misaddressed or
// unauthenticated frames are dropped; drops are logged and counted but not
// returned. When allowFCntReset is set, a data frame with frame-counter 0
// is accepted as the start of a new counter sequence.
func (e *Engine) HandleUplink(ctx context.Context, b []byte, rssi int, allowFCntReset bool) {
	var phy frame.PHYPayload
	if err := phy.UnmarshalBinary(b); err != nil {
		e.logDrop(ctx, dropError{reason: "decode", err: err})
		return
	}

	uplinkCounter(phy.MHDR.String()).Inc()

	var err error
	switch {
	case phy.MHDR == frame.JoinRequest:
		if !e.opts.JoinEnabled {
			err = dropError{reason: "join_disabled", err: errors.New("join is disabled")}
			break
		}
		err = e.handleJoinRequest(ctx, phy)
	case phy.MHDR.IsData():
		err = e.handleData(ctx, phy, rssi, allowFCntReset)
	default:
		err = dropError{reason: "mtype", err: fmt.Errorf("unexpected mtype: %s", phy.MHDR)}
	}

	if err != nil && err != ErrAbort {
		e.logDrop(ctx, err)
	}
}

func (e *Engine) logDrop(ctx context.Context, err error) {
	reason := "error"
	if de, ok := err.(dropError); ok {
		reason = de.reason
	}

	uplinkDroppedCounter(reason).Inc()

	log.WithError(err).WithFields(log.Fields{
		"dev_eui": e.identity.DevEUI,
		"reason":  reason,
		"ctx_id":  ctx.Value(logging.ContextIDKey),
	}).Debug("engine: uplink dropped")
}

func (e *Engine) emit(ctx context.Context, kind string, b []byte, delay time.Duration) {
	downlinkCounter(kind).Inc()

	if e.opts.Emitter == nil {
		return
	}

	if err := e.opts.Emitter.EmitFrame(ctx, b, delay); err != nil {
		e.logCallbackError(ctx, "emit", err)
	}
}

func (e *Engine) persist(ctx context.Context) {
	if e.opts.Persister == nil {
		return
	}

	if err := e.opts.Persister.SaveDeviceSession(ctx, e.session); err != nil {
		e.logCallbackError(ctx, "persist", err)
	}
}

func (e *Engine) logCallbackError(ctx context.Context, callback string, err error) {
	callbackErrorCounter(callback).Inc()

	log.WithError(err).WithFields(log.Fields{
		"dev_eui":  e.identity.DevEUI,
		"callback": callback,
		"ctx_id":   ctx.Value(logging.ContextIDKey),
	}).Error("engine: callback error")
}

// dropError is returned by the flow steps when the frame must be dropped.
type dropError struct {
	reason string
	err    error
}

func (e dropError) Error() string {
	return e.reason + ": " + e.err.Error()
}

// Cause implements the github.com/pkg/errors causer interface.
func (e dropError) Cause() error {
	return e.err
}
