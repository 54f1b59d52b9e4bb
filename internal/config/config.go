package config

import (
	"time"

	"github.com/brocaar/lorawan"
)

// Version defines the ChirpStack P2P version.
var Version string

// Config defines the configuration structure.
type Config struct {
	General struct {
		LogLevel    int  `mapstructure:"log_level"`
		LogToSyslog bool `mapstructure:"log_to_syslog"`
	} `mapstructure:"general"`

	Device struct {
		DevEUI            lorawan.EUI64     `mapstructure:"dev_eui"`
		JoinEUI           lorawan.EUI64     `mapstructure:"join_eui"`
		AppKey            lorawan.AES128Key `mapstructure:"app_key"`
		DevAddr           lorawan.DevAddr   `mapstructure:"dev_addr"`
		JoinEnabled       bool              `mapstructure:"join_enabled"`
		ResetOnFirstFrame bool              `mapstructure:"reset_on_first_frame"`

		Session struct {
			AppSKey  lorawan.AES128Key `mapstructure:"app_s_key"`
			NwkSKey  lorawan.AES128Key `mapstructure:"nwk_s_key"`
			FCntUp   uint32            `mapstructure:"f_cnt_up"`
			FCntDown uint32            `mapstructure:"f_cnt_down"`
		} `mapstructure:"session"`
	} `mapstructure:"device"`

	Storage struct {
		Type             string `mapstructure:"type"`
		KEK              string `mapstructure:"kek"`
		FCntPersistShift uint   `mapstructure:"f_cnt_persist_shift"`
	} `mapstructure:"storage"`

	Redis struct {
		Servers    []string `mapstructure:"servers"`
		Cluster    bool     `mapstructure:"cluster"`
		MasterName string   `mapstructure:"master_name"`
		PoolSize   int      `mapstructure:"pool_size"`
		Password   string   `mapstructure:"password"`
		Database   int      `mapstructure:"database"`
		TLSEnabled bool     `mapstructure:"tls_enabled"`
		KeyPrefix  string   `mapstructure:"key_prefix"`
	} `mapstructure:"redis"`

	PostgreSQL struct {
		DSN                string `mapstructure:"dsn"`
		Automigrate        bool   `mapstructure:"automigrate"`
		MaxOpenConnections int    `mapstructure:"max_open_connections"`
		MaxIdleConnections int    `mapstructure:"max_idle_connections"`
	} `mapstructure:"postgresql"`

	Radio struct {
		Type            string        `mapstructure:"type"`
		Marshaler       string        `mapstructure:"marshaler"`
		JoinAcceptDelay time.Duration `mapstructure:"join_accept_delay"`
		DataDelay       time.Duration `mapstructure:"data_delay"`
		TXPower         int           `mapstructure:"tx_power"`

		MQTT struct {
			MQTTConfig           `mapstructure:",squash"`
			EventTopic           string `mapstructure:"event_topic"`
			CommandTopicTemplate string `mapstructure:"command_topic_template"`
		} `mapstructure:"mqtt"`

		AMQP struct {
			URL                       string `mapstructure:"url"`
			EventQueueName            string `mapstructure:"event_queue_name"`
			EventRoutingKey           string `mapstructure:"event_routing_key"`
			CommandRoutingKeyTemplate string `mapstructure:"command_routing_key_template"`
		} `mapstructure:"amqp"`

		GCPPubSub struct {
			CredentialsFile         string        `mapstructure:"credentials_file"`
			ProjectID               string        `mapstructure:"project_id"`
			UplinkTopicName         string        `mapstructure:"uplink_topic_name"`
			DownlinkTopicName       string        `mapstructure:"downlink_topic_name"`
			UplinkRetentionDuration time.Duration `mapstructure:"uplink_retention_duration"`
		} `mapstructure:"gcp_pub_sub"`

		AzureServiceBus struct {
			EventsConnectionString   string `mapstructure:"events_connection_string"`
			EventsQueueName          string `mapstructure:"events_queue_name"`
			CommandsConnectionString string `mapstructure:"commands_connection_string"`
			CommandsQueueName        string `mapstructure:"commands_queue_name"`
		} `mapstructure:"azure_service_bus"`
	} `mapstructure:"radio"`

	Application struct {
		Enabled      bool   `mapstructure:"enabled"`
		Marshaler    string `mapstructure:"marshaler"`
		PayloadCodec string `mapstructure:"payload_codec"`

		MQTT struct {
			MQTTConfig         `mapstructure:",squash"`
			EventTopicTemplate string `mapstructure:"event_topic_template"`
		} `mapstructure:"mqtt"`
	} `mapstructure:"application"`

	API struct {
		Bind    string `mapstructure:"bind"`
		CACert  string `mapstructure:"ca_cert"`
		TLSCert string `mapstructure:"tls_cert"`
		TLSKey  string `mapstructure:"tls_key"`
	} `mapstructure:"api"`

	Monitoring struct {
		Bind                         string `mapstructure:"bind"`
		PrometheusEndpoint           bool   `mapstructure:"prometheus_endpoint"`
		PrometheusAPITimingHistogram bool   `mapstructure:"prometheus_api_timing_histogram"`
		HealthcheckEndpoint          bool   `mapstructure:"healthcheck_endpoint"`
	} `mapstructure:"monitoring"`
}

// MQTTConfig holds the MQTT client configuration shared by the radio and
// application backends.
type MQTTConfig struct {
	Server               string        `mapstructure:"server"`
	Username             string        `mapstructure:"username"`
	Password             string        `mapstructure:"password"`
	QOS                  uint8         `mapstructure:"qos"`
	CleanSession         bool          `mapstructure:"clean_session"`
	ClientID             string        `mapstructure:"client_id"`
	CACert               string        `mapstructure:"ca_cert"`
	TLSCert              string        `mapstructure:"tls_cert"`
	TLSKey               string        `mapstructure:"tls_key"`
	MaxReconnectInterval time.Duration `mapstructure:"max_reconnect_interval"`
}

// C holds the global configuration.
var C Config
