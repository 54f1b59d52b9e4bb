package engine

import (
	"context"
	"io"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-p2p/internal/crypto"
	"github.com/brocaar/chirpstack-p2p/internal/frame"
	"github.com/brocaar/chirpstack-p2p/internal/logging"
	"github.com/brocaar/chirpstack-p2p/internal/storage"
	"github.com/brocaar/lorawan"
)

// joinNetID is the NetID announced in the join-accept. There is no real
// network, it is all zero.
var joinNetID = lorawan.NetID{0x00, 0x00, 0x00}

// Join-accept radio parameters.
const (
	joinDLSettings = 0x00
	joinRXDelay    = 0x01
)

type joinContext struct {
	ctx    context.Context
	engine *Engine

	PHYPayload         frame.PHYPayload
	JoinRequestPayload frame.JoinRequestPayload
	JoinNonce          frame.JoinNonce
	DeviceSession      storage.DeviceSession
	JoinAccept         []byte
}

func (e *Engine) handleJoinRequest(ctx context.Context, phy frame.PHYPayload) error {
	jctx := joinContext{
		ctx:        ctx,
		engine:     e,
		PHYPayload: phy,
	}

	for _, f := range []func() error{
		jctx.decodeJoinRequestPayload,
		jctx.validateDeviceIdentity,
		jctx.validateMIC,
		jctx.generateJoinNonce,
		jctx.createDeviceSession,
		jctx.createJoinAccept,
		jctx.sendJoinAccept,
		jctx.saveDeviceSession,
		jctx.notifyJoined,
	} {
		if err := f(); err != nil {
			return err
		}
	}

	return nil
}

func (ctx *joinContext) decodeJoinRequestPayload() error {
	if err := ctx.JoinRequestPayload.UnmarshalBinary(ctx.PHYPayload.MACPayload); err != nil {
		return dropError{reason: "decode", err: err}
	}
	return nil
}

func (ctx *joinContext) validateDeviceIdentity() error {
	id := ctx.engine.identity
	if ctx.JoinRequestPayload.JoinEUI != id.JoinEUI || ctx.JoinRequestPayload.DevEUI != id.DevEUI {
		return dropError{
			reason: "unknown_device",
			err:    errors.Errorf("unknown device (join_eui: %s, dev_eui: %s)", ctx.JoinRequestPayload.JoinEUI, ctx.JoinRequestPayload.DevEUI),
		}
	}
	return nil
}

func (ctx *joinContext) validateMIC() error {
	if !ctx.PHYPayload.ValidateJoinMIC(ctx.engine.identity.AppKey) {
		return dropError{reason: "mic", err: frame.ErrInvalidMIC}
	}
	return nil
}

func (ctx *joinContext) generateJoinNonce() error {
	if _, err := io.ReadFull(ctx.engine.opts.NonceSource, ctx.JoinNonce[:]); err != nil {
		return errors.Wrap(err, "read join-nonce error")
	}
	return nil
}

func (ctx *joinContext) createDeviceSession() error {
	appKey := ctx.engine.identity.AppKey
	devNonce := ctx.JoinRequestPayload.DevNonce

	ctx.DeviceSession = storage.DeviceSession{
		// the paired device keeps its address
		DevAddr:  ctx.engine.session.DevAddr,
		NwkSKey:  crypto.DeriveSessionKey(crypto.NwkSKey, appKey, ctx.JoinNonce, joinNetID, devNonce),
		AppSKey:  crypto.DeriveSessionKey(crypto.AppSKey, appKey, ctx.JoinNonce, joinNetID, devNonce),
		FCntUp:   0,
		FCntDown: 0,
	}

	return nil
}

func (ctx *joinContext) createJoinAccept() error {
	jaPL := frame.JoinAcceptPayload{
		JoinNonce:  ctx.JoinNonce,
		NetID:      joinNetID,
		DevAddr:    ctx.DeviceSession.DevAddr,
		DLSettings: joinDLSettings,
		RXDelay:    joinRXDelay,
	}

	b, err := jaPL.MarshalBinary()
	if err != nil {
		return errors.Wrap(err, "marshal join-accept payload error")
	}

	phy := frame.PHYPayload{
		MHDR:       frame.JoinAccept,
		MACPayload: b,
	}
	phy.SetJoinMIC(ctx.engine.identity.AppKey)

	if err := phy.EncryptJoinAcceptPayload(ctx.engine.identity.AppKey); err != nil {
		return errors.Wrap(err, "encrypt join-accept error")
	}

	ctx.JoinAccept, err = phy.MarshalBinary()
	if err != nil {
		return errors.Wrap(err, "marshal join-accept error")
	}

	return nil
}

func (ctx *joinContext) sendJoinAccept() error {
	ctx.engine.session = ctx.DeviceSession
	joinCounter().Inc()

	log.WithFields(log.Fields{
		"dev_eui":   ctx.engine.identity.DevEUI,
		"dev_addr":  ctx.DeviceSession.DevAddr,
		"dev_nonce": ctx.JoinRequestPayload.DevNonce[:],
		"ctx_id":    ctx.ctx.Value(logging.ContextIDKey),
	}).Info("engine: join-request accepted")

	ctx.engine.emit(ctx.ctx, "join_accept", ctx.JoinAccept, ctx.engine.opts.JoinAcceptDelay)
	return nil
}

func (ctx *joinContext) saveDeviceSession() error {
	ctx.engine.persist(ctx.ctx)
	return nil
}

func (ctx *joinContext) notifyJoined() error {
	if ctx.engine.opts.JoinNotifier == nil {
		return nil
	}

	if err := ctx.engine.opts.JoinNotifier.NotifyJoined(ctx.ctx, ctx.engine.session); err != nil {
		ctx.engine.logCallbackError(ctx.ctx, "notify_joined", err)
	}
	return nil
}
