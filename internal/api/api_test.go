package api

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	nsPB "github.com/brocaar/chirpstack-api/go/v3/ns"
	"github.com/brocaar/chirpstack-p2p/internal/storage"
	"github.com/brocaar/chirpstack-p2p/internal/test"
	"github.com/brocaar/lorawan"
)

type testDevice struct {
	identity storage.DeviceIdentity
	session  storage.DeviceSession
}

func (d testDevice) DeviceIdentity() storage.DeviceIdentity {
	return d.identity
}

func (d testDevice) DeviceSession() storage.DeviceSession {
	return d.session
}

func TestAPIServer(t *testing.T) {
	assert := require.New(t)

	devEUI := lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}
	d := testDevice{
		identity: storage.DeviceIdentity{DevEUI: devEUI},
		session: storage.DeviceSession{
			DevAddr: lorawan.DevAddr{1, 2, 3, 4},
			NwkSKey: lorawan.AES128Key{1, 2, 3, 4, 5, 6, 7, 8, 1, 2, 3, 4, 5, 6, 7, 8},
			FCntUp:  3,
		},
	}

	gs, err := newServer(test.GetConfig(), d)
	assert.NoError(err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NoError(err)
	go gs.Serve(ln)
	defer gs.Stop()

	conn, err := grpc.Dial(ln.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	assert.NoError(err)
	defer conn.Close()

	t.Run("health", func(t *testing.T) {
		assert := require.New(t)

		resp, err := grpc_health_v1.NewHealthClient(conn).Check(context.Background(), &grpc_health_v1.HealthCheckRequest{})
		assert.NoError(err)
		assert.Equal(grpc_health_v1.HealthCheckResponse_SERVING, resp.Status)
	})

	t.Run("GetDeviceActivation", func(t *testing.T) {
		assert := require.New(t)
		client := nsPB.NewNetworkServerServiceClient(conn)

		resp, err := client.GetDeviceActivation(context.Background(), &nsPB.GetDeviceActivationRequest{
			DevEui: devEUI[:],
		})
		assert.NoError(err)
		assert.Equal([]byte{1, 2, 3, 4}, resp.DeviceActivation.DevAddr)
		assert.EqualValues(3, resp.DeviceActivation.FCntUp)

		_, err = client.GetDeviceActivation(context.Background(), &nsPB.GetDeviceActivationRequest{
			DevEui: []byte{8, 7, 6, 5, 4, 3, 2, 1},
		})
		assert.Equal(codes.NotFound, status.Code(err))
	})

	t.Run("unimplemented", func(t *testing.T) {
		assert := require.New(t)
		client := nsPB.NewNetworkServerServiceClient(conn)

		_, err := client.GetServiceProfile(context.Background(), &nsPB.GetServiceProfileRequest{})
		assert.Equal(codes.Unimplemented, status.Code(err))
	})
}

func TestSetupWithoutBind(t *testing.T) {
	assert := require.New(t)

	c := test.GetConfig()
	c.API.Bind = ""
	assert.NoError(Setup(c, testDevice{}))
}
