package application

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ec = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backend_application_mqtt_event_count",
		Help: "The number of events published by the MQTT application backend (per event type).",
	}, []string{"event"})

	cec = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backend_application_codec_error_count",
		Help: "The number of payloads the payload codec failed to decode.",
	})
)

func mqttEventCounter(e string) prometheus.Counter {
	return ec.With(prometheus.Labels{"event": e})
}

func codecErrorCounter() prometheus.Counter {
	return cec
}
