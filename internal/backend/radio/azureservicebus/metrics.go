package azureservicebus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ec = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backend_radio_azure_service_bus_event_count",
		Help: "The number of received events by the Azure Service Bus radio backend (per event type).",
	}, []string{"event"})

	cc = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backend_radio_azure_service_bus_command_count",
		Help: "The number of sent commands by the Azure Service Bus radio backend (per command).",
	}, []string{"command"})
)

func azureEventCounter(e string) prometheus.Counter {
	return ec.With(prometheus.Labels{"event": e})
}

func azureCommandCounter(c string) prometheus.Counter {
	return cc.With(prometheus.Labels{"command": c})
}
