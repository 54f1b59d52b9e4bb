package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-p2p/internal/logging"
	"github.com/brocaar/lorawan"
)

// DeviceIdentity holds the provisioned (immutable) identity of the paired
// end-device.
type DeviceIdentity struct {
	DevEUI  lorawan.EUI64     `json:"devEUI"`
	JoinEUI lorawan.EUI64     `json:"joinEUI"`
	AppKey  lorawan.AES128Key `json:"appKey"`
}

// DeviceSession defines a device-session.
type DeviceSession struct {
	DevAddr  lorawan.DevAddr   `json:"devAddr"`
	AppSKey  lorawan.AES128Key `json:"appSKey"`
	NwkSKey  lorawan.AES128Key `json:"nwkSKey"`
	FCntUp   uint32            `json:"fCntUp"`
	FCntDown uint32            `json:"fCntDown"`
}

// DeviceSessionRecord is the device-session as stored by a Backend. The
// session-keys are wrapped when a KEK has been configured.
type DeviceSessionRecord struct {
	DevEUI     lorawan.EUI64
	DevAddr    lorawan.DevAddr
	AppSKey    []byte
	NwkSKey    []byte
	KeyWrapped bool
	FCntUp     uint32
	FCntDown   uint32
	UpdatedAt  time.Time
}

// Backend defines the interface of a device-session storage backend.
type Backend interface {
	// SaveDeviceSessionRecord creates or replaces the device-session record.
	SaveDeviceSessionRecord(ctx context.Context, r DeviceSessionRecord) error

	// GetDeviceSessionRecord returns the device-session record or
	// ErrDoesNotExist.
	GetDeviceSessionRecord(ctx context.Context, devEUI lorawan.EUI64) (DeviceSessionRecord, error)

	// DeleteDeviceSessionRecord deletes the device-session record.
	DeleteDeviceSessionRecord(ctx context.Context, devEUI lorawan.EUI64) error

	// Ping checks the connection to the backend.
	Ping(ctx context.Context) error

	// Close closes the backend.
	Close() error
}

// SaveDeviceSession persists the device-session of the paired device.
// The counters are written with a granularity of 1 << shift, a call
// that only changes counters within the last written bucket is a no-op.
func (s *Store) SaveDeviceSession(ctx context.Context, ds DeviceSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.last != nil && !s.mustWrite(*s.last, ds) {
		storeSaveCounter("skipped").Inc()
		return nil
	}

	r, err := s.toRecord(ds)
	if err != nil {
		return err
	}

	if err := s.backend.SaveDeviceSessionRecord(ctx, r); err != nil {
		return errors.Wrap(err, "save device-session record error")
	}

	last := ds
	s.last = &last
	storeSaveCounter("written").Inc()

	log.WithFields(log.Fields{
		"dev_eui":    s.devEUI,
		"dev_addr":   ds.DevAddr,
		"f_cnt_up":   ds.FCntUp,
		"f_cnt_down": ds.FCntDown,
		"ctx_id":     ctx.Value(logging.ContextIDKey),
	}).Info("storage: device-session saved")

	return nil
}

// GetDeviceSession returns the device-session of the paired device. As
// counter updates within a bucket are not written, the returned FCntDown is
// moved to the start of the next bucket so that no downlink frame-counter is
// used twice.
func (s *Store) GetDeviceSession(ctx context.Context) (DeviceSession, error) {
	r, err := s.backend.GetDeviceSessionRecord(ctx, s.devEUI)
	if err != nil {
		return DeviceSession{}, err
	}

	ds, err := s.fromRecord(r)
	if err != nil {
		return DeviceSession{}, err
	}

	s.mu.Lock()
	last := ds
	s.last = &last
	s.mu.Unlock()

	if s.shift > 0 {
		ds.FCntDown = ((ds.FCntDown >> s.shift) + 1) << s.shift
	}

	log.WithFields(log.Fields{
		"dev_eui":    s.devEUI,
		"dev_addr":   ds.DevAddr,
		"f_cnt_up":   ds.FCntUp,
		"f_cnt_down": ds.FCntDown,
	}).Info("storage: device-session restored")

	return ds, nil
}

// DeleteDeviceSession removes the device-session of the paired device.
func (s *Store) DeleteDeviceSession(ctx context.Context) error {
	if err := s.backend.DeleteDeviceSessionRecord(ctx, s.devEUI); err != nil {
		return err
	}

	s.mu.Lock()
	s.last = nil
	s.mu.Unlock()

	log.WithFields(log.Fields{
		"dev_eui": s.devEUI,
		"ctx_id":  ctx.Value(logging.ContextIDKey),
	}).Info("storage: device-session deleted")

	return nil
}

// mustWrite returns true when ds differs from the last written session
// in more than counter increments within the current buckets.
func (s *Store) mustWrite(last, ds DeviceSession) bool {
	if last.DevAddr != ds.DevAddr || last.AppSKey != ds.AppSKey || last.NwkSKey != ds.NwkSKey {
		return true
	}

	if ds.FCntUp < last.FCntUp || ds.FCntDown < last.FCntDown {
		return true
	}

	return ds.FCntUp>>s.shift != last.FCntUp>>s.shift ||
		ds.FCntDown>>s.shift != last.FCntDown>>s.shift
}

func (s *Store) toRecord(ds DeviceSession) (DeviceSessionRecord, error) {
	r := DeviceSessionRecord{
		DevEUI:    s.devEUI,
		DevAddr:   ds.DevAddr,
		FCntUp:    ds.FCntUp,
		FCntDown:  ds.FCntDown,
		UpdatedAt: time.Now().UTC(),
	}

	var err error
	if r.AppSKey, err = s.wrapKey(ds.AppSKey); err != nil {
		return r, errors.Wrap(err, "wrap AppSKey error")
	}
	if r.NwkSKey, err = s.wrapKey(ds.NwkSKey); err != nil {
		return r, errors.Wrap(err, "wrap NwkSKey error")
	}
	r.KeyWrapped = s.kek != nil

	return r, nil
}

func (s *Store) fromRecord(r DeviceSessionRecord) (DeviceSession, error) {
	ds := DeviceSession{
		DevAddr:  r.DevAddr,
		FCntUp:   r.FCntUp,
		FCntDown: r.FCntDown,
	}

	var err error
	if ds.AppSKey, err = s.unwrapKey(r.AppSKey, r.KeyWrapped); err != nil {
		return ds, errors.Wrap(err, "unwrap AppSKey error")
	}
	if ds.NwkSKey, err = s.unwrapKey(r.NwkSKey, r.KeyWrapped); err != nil {
		return ds, errors.Wrap(err, "unwrap NwkSKey error")
	}

	return ds, nil
}
