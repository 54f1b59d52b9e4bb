// Package api starts the gRPC API server.
package api

import (
	"crypto/tls"
	"crypto/x509"
	"io/ioutil"
	"net"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_logrus "github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus"
	grpc_ctxtags "github.com/grpc-ecosystem/go-grpc-middleware/tags"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	nsPB "github.com/brocaar/chirpstack-api/go/v3/ns"
	"github.com/brocaar/chirpstack-p2p/internal/api/ns"
	"github.com/brocaar/chirpstack-p2p/internal/config"
	"github.com/brocaar/chirpstack-p2p/internal/logging"
)

// Setup configures and starts the API server. Nothing is started when no
// bind address is configured.
func Setup(c config.Config, d ns.DeviceSessionGetter) error {
	if c.API.Bind == "" {
		return nil
	}

	log.WithFields(log.Fields{
		"bind":     c.API.Bind,
		"ca_cert":  c.API.CACert,
		"tls_cert": c.API.TLSCert,
		"tls_key":  c.API.TLSKey,
	}).Info("api: starting api server")

	gs, err := newServer(c, d)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", c.API.Bind)
	if err != nil {
		return errors.Wrap(err, "start api listener error")
	}
	go func() {
		if err := gs.Serve(ln); err != nil {
			log.WithError(err).Error("api: serve error")
		}
	}()

	return nil
}

func newServer(c config.Config, d ns.DeviceSessionGetter) (*grpc.Server, error) {
	opts := gRPCLoggingServerOptions()
	if c.API.TLSCert != "" && c.API.TLSKey != "" {
		creds, err := getTransportCredentials(c.API.TLSCert, c.API.TLSKey, c.API.CACert)
		if err != nil {
			return nil, err
		}
		opts = append(opts, grpc.Creds(creds))
	}

	gs := grpc.NewServer(opts...)
	nsPB.RegisterNetworkServerServiceServer(gs, ns.NewNetworkServerAPI(d))

	healthServer := health.NewServer()
	healthServer.SetServingStatus("ns.NetworkServerService", grpc_health_v1.HealthCheckResponse_SERVING)
	grpc_health_v1.RegisterHealthServer(gs, healthServer)

	grpc_prometheus.Register(gs)

	return gs, nil
}

func gRPCLoggingServerOptions() []grpc.ServerOption {
	logrusEntry := log.NewEntry(log.StandardLogger())
	logrusOpts := []grpc_logrus.Option{
		grpc_logrus.WithLevels(grpc_logrus.DefaultCodeToLevel),
	}

	return []grpc.ServerOption{
		grpc_middleware.WithUnaryServerChain(
			grpc_ctxtags.UnaryServerInterceptor(grpc_ctxtags.WithFieldExtractor(grpc_ctxtags.CodeGenRequestFieldExtractor)),
			grpc_logrus.UnaryServerInterceptor(logrusEntry, logrusOpts...),
			logging.UnaryServerCtxIDInterceptor,
			grpc_prometheus.UnaryServerInterceptor,
		),
		grpc_middleware.WithStreamServerChain(
			grpc_ctxtags.StreamServerInterceptor(grpc_ctxtags.WithFieldExtractor(grpc_ctxtags.CodeGenRequestFieldExtractor)),
			grpc_logrus.StreamServerInterceptor(logrusEntry, logrusOpts...),
			grpc_prometheus.StreamServerInterceptor,
		),
	}
}

func getTransportCredentials(tlsCert, tlsKey, caCert string) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(tlsCert, tlsKey)
	if err != nil {
		return nil, errors.Wrap(err, "load key-pair error")
	}

	var caCertPool *x509.CertPool
	if caCert != "" {
		rawCaCert, err := ioutil.ReadFile(caCert)
		if err != nil {
			return nil, errors.Wrap(err, "load ca cert error")
		}

		caCertPool = x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(rawCaCert) {
			return nil, errors.New("append ca certificate error")
		}

		return credentials.NewTLS(&tls.Config{
			Certificates: []tls.Certificate{cert},
			ClientCAs:    caCertPool,
			ClientAuth:   tls.RequireAndVerifyClientCert,
		}), nil
	}

	return credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{cert},
	}), nil
}
