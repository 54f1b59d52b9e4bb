package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	uc = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_uplink_count",
		Help: "The number of decoded uplink frames (per mtype).",
	}, []string{"mtype"})

	udc = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_uplink_dropped_count",
		Help: "The number of dropped uplink frames (per reason).",
	}, []string{"reason"})

	jc = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_join_count",
		Help: "The number of accepted join-requests.",
	})

	rc = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_replay_count",
		Help: "The number of replayed uplink frames.",
	})

	dc = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_downlink_count",
		Help: "The number of emitted downlink frames (per kind).",
	}, []string{"kind"})

	cec = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_callback_error_count",
		Help: "The number of collaborator errors (per callback).",
	}, []string{"callback"})
)

func uplinkCounter(mType string) prometheus.Counter {
	return uc.With(prometheus.Labels{"mtype": mType})
}

func uplinkDroppedCounter(reason string) prometheus.Counter {
	return udc.With(prometheus.Labels{"reason": reason})
}

func joinCounter() prometheus.Counter {
	return jc
}

func replayCounter() prometheus.Counter {
	return rc
}

func downlinkCounter(kind string) prometheus.Counter {
	return dc.With(prometheus.Labels{"kind": kind})
}

func callbackErrorCounter(callback string) prometheus.Counter {
	return cec.With(prometheus.Labels{"callback": callback})
}
