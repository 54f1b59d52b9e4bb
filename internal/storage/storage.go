package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"sync"

	keywrap "github.com/NickBall/go-aes-key-wrap"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-p2p/internal/config"
	"github.com/brocaar/lorawan"
)

// Store persists the device-session of the paired device on top of a
// Backend.
type Store struct {
	backend Backend
	devEUI  lorawan.EUI64
	shift   uint
	kek     cipher.Block

	mu   sync.Mutex
	last *DeviceSession
}

// StoreOptions holds the Store options.
type StoreOptions struct {
	// FCntPersistShift sets the counter write granularity to
	// 1 << FCntPersistShift. Use 0 to write every counter change.
	FCntPersistShift uint

	// KEK (hex encoded, 16, 24 or 32 bytes) enables wrapping of the
	// session-keys at rest.
	KEK string
}

// NewStore creates a new Store for the given device.
func NewStore(b Backend, devEUI lorawan.EUI64, opts StoreOptions) (*Store, error) {
	if opts.FCntPersistShift > 16 {
		return nil, errors.New("f_cnt_persist_shift must be <= 16")
	}

	s := Store{
		backend: b,
		devEUI:  devEUI,
		shift:   opts.FCntPersistShift,
	}

	if opts.KEK != "" {
		kek, err := hex.DecodeString(opts.KEK)
		if err != nil {
			return nil, errors.Wrap(err, "decode kek error")
		}

		s.kek, err = aes.NewCipher(kek)
		if err != nil {
			return nil, errors.Wrap(err, "new kek cipher error")
		}
	}

	return &s, nil
}

// Backend returns the underlying storage backend.
func (s *Store) Backend() Backend {
	return s.backend
}

func (s *Store) wrapKey(key lorawan.AES128Key) ([]byte, error) {
	if s.kek == nil {
		return append([]byte{}, key[:]...), nil
	}

	return keywrap.Wrap(s.kek, key[:])
}

func (s *Store) unwrapKey(b []byte, wrapped bool) (lorawan.AES128Key, error) {
	var key lorawan.AES128Key

	if wrapped {
		if s.kek == nil {
			return key, ErrKEKRequired
		}

		var err error
		b, err = keywrap.Unwrap(s.kek, b)
		if err != nil {
			return key, errors.Wrap(err, "unwrap key error")
		}
	}

	if len(b) != len(key) {
		return key, errors.Errorf("expected %d key bytes, got %d", len(key), len(b))
	}

	copy(key[:], b)
	return key, nil
}

// NewBackend returns the storage backend configured in c.
func NewBackend(c config.Config) (Backend, error) {
	log.WithField("type", c.Storage.Type).Info("storage: setting up storage backend")

	switch c.Storage.Type {
	case "", "memory":
		return NewMemoryBackend(), nil
	case "redis":
		return NewRedisBackend(c)
	case "postgresql":
		return NewPostgresBackend(c)
	default:
		return nil, errors.Errorf("unknown storage type: %s", c.Storage.Type)
	}
}
