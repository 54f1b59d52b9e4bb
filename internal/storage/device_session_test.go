package storage

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/brocaar/lorawan"
)

// countingBackend wraps a Backend and counts the saves.
type countingBackend struct {
	Backend
	saves int
}

func (b *countingBackend) SaveDeviceSessionRecord(ctx context.Context, r DeviceSessionRecord) error {
	b.saves++
	return b.Backend.SaveDeviceSessionRecord(ctx, r)
}

type StoreTestSuite struct {
	suite.Suite

	backend *countingBackend
	devEUI  lorawan.EUI64
	ds      DeviceSession
}

func (ts *StoreTestSuite) SetupTest() {
	ts.backend = &countingBackend{Backend: NewMemoryBackend()}
	ts.devEUI = lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}
	ts.ds = DeviceSession{
		DevAddr:  lorawan.DevAddr{1, 2, 3, 4},
		AppSKey:  lorawan.AES128Key{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		NwkSKey:  lorawan.AES128Key{16, 15, 14, 13, 12, 11, 10, 9, 8, 7, 6, 5, 4, 3, 2, 1},
		FCntUp:   10,
		FCntDown: 5,
	}
}

func (ts *StoreTestSuite) TestWithoutWriteLimiting() {
	assert := require.New(ts.T())
	ctx := context.Background()

	s, err := NewStore(ts.backend, ts.devEUI, StoreOptions{})
	assert.NoError(err)

	_, err = s.GetDeviceSession(ctx)
	assert.Equal(ErrDoesNotExist, err)

	assert.NoError(s.SaveDeviceSession(ctx, ts.ds))
	ts.ds.FCntUp++
	assert.NoError(s.SaveDeviceSession(ctx, ts.ds))
	assert.Equal(2, ts.backend.saves)

	ds, err := s.GetDeviceSession(ctx)
	assert.NoError(err)
	assert.Equal(ts.ds, ds)

	r, err := ts.backend.GetDeviceSessionRecord(ctx, ts.devEUI)
	assert.NoError(err)
	assert.False(r.KeyWrapped)
	assert.Equal(ts.ds.AppSKey[:], r.AppSKey)

	assert.NoError(s.DeleteDeviceSession(ctx))
	_, err = s.GetDeviceSession(ctx)
	assert.Equal(ErrDoesNotExist, err)
}

func (ts *StoreTestSuite) TestWriteLimiting() {
	ctx := context.Background()

	s, err := NewStore(ts.backend, ts.devEUI, StoreOptions{FCntPersistShift: 7})
	ts.Require().NoError(err)
	ts.Require().NoError(s.SaveDeviceSession(ctx, ts.ds))

	ts.T().Run("counter change within bucket", func(t *testing.T) {
		assert := require.New(t)
		ds := ts.ds
		ds.FCntUp = 127
		ds.FCntDown = 100
		assert.NoError(s.SaveDeviceSession(ctx, ds))
		assert.Equal(1, ts.backend.saves)
	})

	ts.T().Run("uplink counter enters next bucket", func(t *testing.T) {
		assert := require.New(t)
		ds := ts.ds
		ds.FCntUp = 128
		assert.NoError(s.SaveDeviceSession(ctx, ds))
		assert.Equal(2, ts.backend.saves)
	})

	ts.T().Run("downlink counter enters next bucket", func(t *testing.T) {
		assert := require.New(t)
		ds := ts.ds
		ds.FCntUp = 128
		ds.FCntDown = 130
		assert.NoError(s.SaveDeviceSession(ctx, ds))
		assert.Equal(3, ts.backend.saves)
	})

	ts.T().Run("counter reset", func(t *testing.T) {
		assert := require.New(t)
		ds := ts.ds
		ds.FCntUp = 0
		ds.FCntDown = 130
		assert.NoError(s.SaveDeviceSession(ctx, ds))
		assert.Equal(4, ts.backend.saves)
	})

	ts.T().Run("new session keys", func(t *testing.T) {
		assert := require.New(t)
		ds := ts.ds
		ds.FCntUp = 0
		ds.FCntDown = 130
		ds.AppSKey = lorawan.AES128Key{}
		assert.NoError(s.SaveDeviceSession(ctx, ds))
		assert.Equal(5, ts.backend.saves)
	})

	ts.T().Run("restore moves the downlink counter to the next bucket", func(t *testing.T) {
		assert := require.New(t)
		ds, err := s.GetDeviceSession(ctx)
		assert.NoError(err)
		assert.Equal(uint32(0), ds.FCntUp)
		assert.Equal(uint32(256), ds.FCntDown)

		// the restored counter is in a new bucket and must be written
		assert.NoError(s.SaveDeviceSession(ctx, ds))
		assert.Equal(6, ts.backend.saves)
	})
}

func (ts *StoreTestSuite) TestSaveMetrics() {
	assert := require.New(ts.T())
	ctx := context.Background()

	s, err := NewStore(ts.backend, ts.devEUI, StoreOptions{FCntPersistShift: 7})
	assert.NoError(err)

	written := testutil.ToFloat64(storeSaveCounter("written"))
	skipped := testutil.ToFloat64(storeSaveCounter("skipped"))

	assert.NoError(s.SaveDeviceSession(ctx, ts.ds))
	ts.ds.FCntUp++
	assert.NoError(s.SaveDeviceSession(ctx, ts.ds))

	assert.Equal(written+1, testutil.ToFloat64(storeSaveCounter("written")))
	assert.Equal(skipped+1, testutil.ToFloat64(storeSaveCounter("skipped")))
}

func (ts *StoreTestSuite) TestKeyWrapping() {
	assert := require.New(ts.T())
	ctx := context.Background()

	s, err := NewStore(ts.backend, ts.devEUI, StoreOptions{KEK: "000102030405060708090a0b0c0d0e0f"})
	assert.NoError(err)
	assert.NoError(s.SaveDeviceSession(ctx, ts.ds))

	r, err := ts.backend.GetDeviceSessionRecord(ctx, ts.devEUI)
	assert.NoError(err)
	assert.True(r.KeyWrapped)
	assert.Len(r.AppSKey, 24)
	assert.Len(r.NwkSKey, 24)

	ds, err := s.GetDeviceSession(ctx)
	assert.NoError(err)
	assert.Equal(ts.ds, ds)

	// a store without kek can't read the wrapped keys
	s2, err := NewStore(ts.backend, ts.devEUI, StoreOptions{})
	assert.NoError(err)
	_, err = s2.GetDeviceSession(ctx)
	assert.Error(err)
}

func (ts *StoreTestSuite) TestInvalidOptions() {
	assert := require.New(ts.T())

	_, err := NewStore(ts.backend, ts.devEUI, StoreOptions{KEK: "zz"})
	assert.Error(err)

	_, err = NewStore(ts.backend, ts.devEUI, StoreOptions{KEK: "0102"})
	assert.Error(err)

	_, err = NewStore(ts.backend, ts.devEUI, StoreOptions{FCntPersistShift: 17})
	assert.Error(err)
}

func TestStore(t *testing.T) {
	suite.Run(t, new(StoreTestSuite))
}
