package monitoring

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const healthCheckTimeout = 5 * time.Second

// Pinger checks the connection to a dependency, e.g. the storage backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

type healthCheckHandler struct {
	pinger Pinger
}

func (h healthCheckHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		if err := h.pinger.Ping(ctx); err != nil {
			log.WithError(err).Error("monitoring: healthcheck error")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(errors.Wrap(err, "storage ping error").Error()))
			return
		}
	}

	w.WriteHeader(http.StatusOK)
}
