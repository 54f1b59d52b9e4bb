package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sc = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storage_device_session_save_count",
		Help: "The number of device-session saves (per result: written or skipped).",
	}, []string{"result"})

	bc = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storage_backend_query_count",
		Help: "The number of storage backend queries (per backend and operation).",
	}, []string{"backend", "operation"})
)

func storeSaveCounter(r string) prometheus.Counter {
	return sc.With(prometheus.Labels{"result": r})
}

func backendQueryCounter(b, op string) prometheus.Counter {
	return bc.With(prometheus.Labels{"backend": b, "operation": op})
}
