// Package test contains the shared test configuration and test backends.
package test

import (
	"os"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-p2p/internal/config"
)

// GetConfig returns the test configuration. The external services are
// configured using the TEST_* environment variables, a service is left
// unconfigured when its variable is not set.
func GetConfig() config.Config {
	log.SetLevel(log.ErrorLevel)

	var c config.Config
	c.Storage.Type = "memory"

	c.Redis.KeyPrefix = "test:"
	if v := os.Getenv("TEST_REDIS_SERVERS"); v != "" {
		c.Redis.Servers = strings.Split(v, ",")
	}

	c.PostgreSQL.DSN = os.Getenv("TEST_POSTGRES_DSN")
	c.PostgreSQL.Automigrate = true

	c.Radio.MQTT.Server = os.Getenv("TEST_MQTT_SERVER")
	c.Radio.MQTT.CleanSession = true
	c.Radio.AMQP.URL = os.Getenv("TEST_RABBITMQ_URL")

	c.Application.MQTT.Server = os.Getenv("TEST_MQTT_SERVER")
	c.Application.MQTT.CleanSession = true

	return c
}
