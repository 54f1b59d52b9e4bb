package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/brocaar/chirpstack-p2p/internal/api"
	"github.com/brocaar/chirpstack-p2p/internal/backend/application"
	"github.com/brocaar/chirpstack-p2p/internal/backend/radio"
	"github.com/brocaar/chirpstack-p2p/internal/backend/radio/amqp"
	"github.com/brocaar/chirpstack-p2p/internal/backend/radio/azureservicebus"
	"github.com/brocaar/chirpstack-p2p/internal/backend/radio/gcppubsub"
	"github.com/brocaar/chirpstack-p2p/internal/backend/radio/mqtt"
	"github.com/brocaar/chirpstack-p2p/internal/config"
	"github.com/brocaar/chirpstack-p2p/internal/monitoring"
	"github.com/brocaar/chirpstack-p2p/internal/p2p"
	"github.com/brocaar/chirpstack-p2p/internal/storage"
	"github.com/brocaar/lorawan"
)

var (
	storageBackend     storage.Backend
	store              *storage.Store
	radioBackend       radio.Backend
	applicationBackend application.Backend
	deviceSession      storage.DeviceSession
	server             *p2p.Server
)

func run(cmd *cobra.Command, args []string) error {
	tasks := []func() error{
		setLogLevel,
		setSyslog,
		printStartMessage,
		setupStorage,
		setupMonitoring,
		loadDeviceSession,
		setupRadio,
		setupApplication,
		startServer,
		setupAPI,
	}

	for _, t := range tasks {
		if err := t(); err != nil {
			log.Fatal(err)
		}
	}

	sigChan := make(chan os.Signal, 1)
	exitChan := make(chan struct{})
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	log.WithField("signal", <-sigChan).Info("signal received")
	go func() {
		log.Warning("stopping chirpstack-p2p")
		if err := server.Stop(); err != nil {
			log.Fatal(err)
		}
		if err := applicationBackend.Close(); err != nil {
			log.Fatal(err)
		}
		if err := storageBackend.Close(); err != nil {
			log.Fatal(err)
		}
		exitChan <- struct{}{}
	}()
	select {
	case <-exitChan:
	case s := <-sigChan:
		log.WithField("signal", s).Info("signal received, stopping immediately")
	}

	return nil
}

func setLogLevel() error {
	log.SetLevel(log.Level(uint8(config.C.General.LogLevel)))
	return nil
}

func printStartMessage() error {
	log.WithFields(log.Fields{
		"version":  version,
		"dev_eui":  config.C.Device.DevEUI,
		"join_eui": config.C.Device.JoinEUI,
		"storage":  config.C.Storage.Type,
		"radio":    config.C.Radio.Type,
	}).Info("starting ChirpStack P2P")
	return nil
}

func setupStorage() error {
	var err error
	storageBackend, err = storage.NewBackend(config.C)
	if err != nil {
		return errors.Wrap(err, "setup storage backend error")
	}

	store, err = storage.NewStore(storageBackend, config.C.Device.DevEUI, storage.StoreOptions{
		FCntPersistShift: config.C.Storage.FCntPersistShift,
		KEK:              config.C.Storage.KEK,
	})
	if err != nil {
		return errors.Wrap(err, "setup device-session store error")
	}

	return nil
}

func setupMonitoring() error {
	if err := monitoring.Setup(config.C, storageBackend); err != nil {
		return errors.Wrap(err, "setup monitoring error")
	}
	return nil
}

// loadDeviceSession restores the stored device-session. When there is none,
// the session from the configuration is used.
func loadDeviceSession() error {
	ds, err := store.GetDeviceSession(context.Background())
	if err == nil {
		deviceSession = ds
		return nil
	}
	if errors.Cause(err) != storage.ErrDoesNotExist {
		return errors.Wrap(err, "get device-session error")
	}

	deviceSession = configDeviceSession(config.C)

	if deviceSession.NwkSKey == (lorawan.AES128Key{}) && !config.C.Device.JoinEnabled {
		log.Warning("no device-session and join is disabled, all frames will be dropped")
	}

	return nil
}

func configDeviceSession(c config.Config) storage.DeviceSession {
	return storage.DeviceSession{
		DevAddr:  c.Device.DevAddr,
		AppSKey:  c.Device.Session.AppSKey,
		NwkSKey:  c.Device.Session.NwkSKey,
		FCntUp:   c.Device.Session.FCntUp,
		FCntDown: c.Device.Session.FCntDown,
	}
}

func setupRadio() error {
	var err error

	switch config.C.Radio.Type {
	case "mqtt":
		radioBackend, err = mqtt.NewBackend(config.C)
	case "amqp":
		radioBackend, err = amqp.NewBackend(config.C)
	case "gcp_pub_sub":
		radioBackend, err = gcppubsub.NewBackend(config.C)
	case "azure_service_bus":
		radioBackend, err = azureservicebus.NewBackend(config.C)
	default:
		return errors.Errorf("unexpected radio backend type: %s", config.C.Radio.Type)
	}

	if err != nil {
		return errors.Wrap(err, "setup radio backend error")
	}
	return nil
}

func setupApplication() error {
	if !config.C.Application.Enabled {
		applicationBackend = &application.NopBackend{}
		return nil
	}

	b, err := application.NewMQTTBackend(config.C)
	if err != nil {
		return errors.Wrap(err, "setup application backend error")
	}
	applicationBackend = b

	return nil
}

func startServer() error {
	server = p2p.NewServer(
		radioBackend,
		applicationBackend,
		store,
		storage.DeviceIdentity{
			DevEUI:  config.C.Device.DevEUI,
			JoinEUI: config.C.Device.JoinEUI,
			AppKey:  config.C.Device.AppKey,
		},
		deviceSession,
		p2p.Options{
			JoinEnabled:       config.C.Device.JoinEnabled,
			ResetOnFirstFrame: config.C.Device.ResetOnFirstFrame,
			TXPower:           config.C.Radio.TXPower,
			JoinAcceptDelay:   config.C.Radio.JoinAcceptDelay,
			DataDelay:         config.C.Radio.DataDelay,
		},
	)

	if err := server.Start(); err != nil {
		return errors.Wrap(err, "start server error")
	}
	return nil
}

func setupAPI() error {
	if err := api.Setup(config.C, server); err != nil {
		return errors.Wrap(err, "setup api error")
	}
	return nil
}
