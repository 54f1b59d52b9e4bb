package engine

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-p2p/internal/crypto"
	"github.com/brocaar/chirpstack-p2p/internal/frame"
	"github.com/brocaar/chirpstack-p2p/internal/logging"
	"github.com/brocaar/lorawan"
)

// Link-check answer parameters.
const (
	linkCheckMarginOffset = 120 // assumed demodulation floor (dBm)
	linkCheckGwCnt        = 1
)

type dataContext struct {
	ctx    context.Context
	engine *Engine

	RSSI           int
	AllowFCntReset bool

	PHYPayload frame.PHYPayload
	MACPayload frame.MACPayload
	FCnt       uint32

	Replay    bool
	LinkCheck bool
	Dirty     bool
}

func (e *Engine) handleData(ctx context.Context, phy frame.PHYPayload, rssi int, allowFCntReset bool) error {
	dctx := dataContext{
		ctx:            ctx,
		engine:         e,
		RSSI:           rssi,
		AllowFCntReset: allowFCntReset,
		PHYPayload:     phy,
	}

	for _, f := range []func() error{
		dctx.decodeMACPayload,
		dctx.validateDevAddr,
		dctx.validateMICAndGetFullFCnt,
		dctx.validateFCnt,
		dctx.decryptFRMPayload,
		dctx.detectLinkCheckReq,
		dctx.sendResponse,
		dctx.saveDeviceSession,
		dctx.deliverPayload,
	} {
		if err := f(); err != nil {
			return err
		}
	}

	return nil
}

func (ctx *dataContext) decodeMACPayload() error {
	if err := ctx.MACPayload.UnmarshalBinary(ctx.PHYPayload.MACPayload); err != nil {
		return dropError{reason: "decode", err: err}
	}
	return nil
}

func (ctx *dataContext) validateDevAddr() error {
	if ctx.MACPayload.DevAddr != ctx.engine.session.DevAddr {
		return dropError{
			reason: "unknown_dev_addr",
			err:    errors.Errorf("unknown dev_addr: %s", ctx.MACPayload.DevAddr),
		}
	}
	return nil
}

// validateMICAndGetFullFCnt restores the 32 bit frame-counter from the 16 bit
// value on the wire. The candidates are tried in order, the first one for
// which the MIC validates is used.
func (ctx *dataContext) validateMICAndGetFullFCnt() error {
	fCntUp := ctx.engine.session.FCntUp
	sameHigh := (fCntUp & 0xffff0000) | uint32(ctx.MACPayload.FCnt)

	candidates := []uint32{sameHigh, sameHigh + (1 << 16)}
	if ctx.AllowFCntReset {
		candidates = append(candidates, 0)
	}

	for _, fCnt := range candidates {
		ok, err := ctx.PHYPayload.ValidateDataMIC(ctx.engine.session.NwkSKey, fCnt)
		if err != nil {
			return dropError{reason: "mic", err: err}
		}
		if ok {
			ctx.FCnt = fCnt
			return nil
		}
	}

	return dropError{reason: "mic", err: frame.ErrInvalidMIC}
}

func (ctx *dataContext) validateFCnt() error {
	ds := &ctx.engine.session

	if ctx.FCnt == 0 && ctx.AllowFCntReset {
		ds.FCntUp = 0
		ctx.Dirty = true
	}

	if ctx.FCnt < ds.FCntUp {
		return dropError{
			reason: "stale_f_cnt",
			err:    errors.Errorf("stale frame-counter (f_cnt: %d, f_cnt_up: %d)", ctx.FCnt, ds.FCntUp),
		}
	}

	if ctx.FCnt == ds.FCntUp && ds.FCntUp != 0 {
		ctx.Replay = true
		replayCounter().Inc()
		return nil
	}

	ds.FCntUp = ctx.FCnt
	ctx.Dirty = true

	return nil
}

// decryptFRMPayload always uses the AppSKey, also for port 0.
func (ctx *dataContext) decryptFRMPayload() error {
	if len(ctx.MACPayload.FRMPayload) == 0 {
		return nil
	}

	crypto.ApplyKeystream(
		ctx.engine.session.AppSKey,
		ctx.PHYPayload.MHDR.IsUplink(),
		ctx.MACPayload.DevAddr,
		ctx.FCnt,
		ctx.MACPayload.FRMPayload,
	)

	return nil
}

func (ctx *dataContext) detectLinkCheckReq() error {
	if len(ctx.MACPayload.FOpts) > 0 && ctx.MACPayload.FOpts[0] == byte(lorawan.LinkCheckReq) {
		ctx.LinkCheck = true
	}

	if ctx.MACPayload.FPort != nil && *ctx.MACPayload.FPort == 0 &&
		len(ctx.MACPayload.FRMPayload) > 0 && ctx.MACPayload.FRMPayload[0] == byte(lorawan.LinkCheckReq) {
		ctx.LinkCheck = true
	}

	log.WithFields(log.Fields{
		"dev_eui":    ctx.engine.identity.DevEUI,
		"dev_addr":   ctx.MACPayload.DevAddr,
		"mtype":      ctx.PHYPayload.MHDR,
		"f_cnt":      ctx.FCnt,
		"replay":     ctx.Replay,
		"link_check": ctx.LinkCheck,
		"ctx_id":     ctx.ctx.Value(logging.ContextIDKey),
	}).Info("engine: uplink frame received")

	return nil
}

func (ctx *dataContext) sendResponse() error {
	confirmed := ctx.PHYPayload.MHDR == frame.ConfirmedDataUp
	if !confirmed && !ctx.LinkCheck {
		return nil
	}

	ds := &ctx.engine.session
	ds.FCntDown++
	ctx.Dirty = true

	macPL := frame.MACPayload{
		DevAddr: ds.DevAddr,
		FCtrl: frame.FCtrl{
			ACK: confirmed,
		},
		FCnt: uint16(ds.FCntDown),
	}

	kind := "ack"
	if ctx.LinkCheck {
		kind = "link_check_ans"

		b, err := lorawan.MACCommand{
			CID: lorawan.LinkCheckAns,
			Payload: &lorawan.LinkCheckAnsPayload{
				Margin: linkCheckMargin(ctx.RSSI),
				GwCnt:  linkCheckGwCnt,
			},
		}.MarshalBinary()
		if err != nil {
			return errors.Wrap(err, "marshal link-check answer error")
		}
		macPL.FOpts = b
	}

	b, err := macPL.MarshalBinary()
	if err != nil {
		return errors.Wrap(err, "marshal mac-payload error")
	}

	// there is no FRMPayload to encrypt
	phy := frame.PHYPayload{
		MHDR:       frame.UnconfirmedDataDown,
		MACPayload: b,
	}
	if err := phy.SetDataMIC(ds.NwkSKey, ds.FCntDown); err != nil {
		return errors.Wrap(err, "set mic error")
	}

	b, err = phy.MarshalBinary()
	if err != nil {
		return errors.Wrap(err, "marshal phypayload error")
	}

	ctx.engine.emit(ctx.ctx, kind, b, ctx.engine.opts.DownlinkDelay)
	return nil
}

func (ctx *dataContext) saveDeviceSession() error {
	if ctx.Dirty {
		ctx.engine.persist(ctx.ctx)
	}
	return nil
}

func (ctx *dataContext) deliverPayload() error {
	if ctx.Replay || ctx.MACPayload.FPort == nil || *ctx.MACPayload.FPort == 0 {
		return nil
	}

	if ctx.engine.opts.Deliverer == nil {
		return nil
	}

	if err := ctx.engine.opts.Deliverer.DeliverPayload(ctx.ctx, *ctx.MACPayload.FPort, ctx.MACPayload.FRMPayload); err != nil {
		ctx.engine.logCallbackError(ctx.ctx, "deliver", err)
	}

	return nil
}

// linkCheckMargin returns the demodulation margin, clamped to [0, 255].
func linkCheckMargin(rssi int) uint8 {
	m := rssi + linkCheckMarginOffset
	if m < 0 {
		return 0
	}
	if m > 255 {
		return 255
	}
	return uint8(m)
}
