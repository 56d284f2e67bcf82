package monitoring

import (
	"errors"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter serves the metrics of a gatherer on /metrics.
type Exporter struct {
	listener net.Listener
	server   *http.Server
}

// ExportPrometheusMetrics launches the prometheus exporter on the given
// address. The returned Exporter must be closed by the caller.
func ExportPrometheusMetrics(listen string,
	gatherer prometheus.Gatherer) (*Exporter, error) {

	l, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		gatherer, promhttp.HandlerOpts{},
	))

	e := &Exporter{
		listener: l,
		server:   &http.Server{Handler: mux},
	}

	go func() {
		err := e.server.Serve(l)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Prometheus exporter stopped: %v", err)
		}
	}()

	log.Infof("Prometheus exporter started on %v/metrics", l.Addr())

	return e, nil
}

// Addr returns the address the exporter listens on.
func (e *Exporter) Addr() net.Addr {
	return e.listener.Addr()
}

// Close stops the exporter.
func (e *Exporter) Close() error {
	return e.server.Close()
}
