// Package instrument exports Prometheus counters for relays and the
// directory, and serves them on a /metrics endpoint.
package instrument

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	circuitsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pqtor_relay_circuits_created_total",
			Help: "Number of circuits created by CREATE2",
		},
	)
	circuitsDestroyed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pqtor_relay_circuits_destroyed_total",
			Help: "Number of circuits torn down",
		},
		[]string{"reason"},
	)
	openCircuits = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pqtor_relay_open_circuits",
			Help: "Number of circuits currently open",
		},
	)
	cells = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pqtor_relay_cells_total",
			Help: "Number of cells processed",
		},
		[]string{"direction", "command"},
	)
	handshakeFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pqtor_relay_handshake_failures_total",
			Help: "Number of failed PQ-NTOR server handshakes",
		},
	)
	extendFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pqtor_relay_extend_failures_total",
			Help: "Number of EXTEND2 requests that could not reach the next hop",
		},
	)
	streamsOpened = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pqtor_relay_exit_streams_total",
			Help: "Number of exit streams connected",
		},
	)
	directoryRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pqtor_directory_requests_total",
			Help: "Number of directory HTTP requests",
		},
		[]string{"path", "code"},
	)
	registrations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pqtor_directory_registrations_total",
			Help: "Number of accepted relay registrations",
		},
	)
)

func init() {
	prometheus.MustRegister(circuitsCreated)
	prometheus.MustRegister(circuitsDestroyed)
	prometheus.MustRegister(openCircuits)
	prometheus.MustRegister(cells)
	prometheus.MustRegister(handshakeFailures)
	prometheus.MustRegister(extendFailures)
	prometheus.MustRegister(streamsOpened)
	prometheus.MustRegister(directoryRequests)
	prometheus.MustRegister(registrations)
}

func CircuitCreated() {
	circuitsCreated.Inc()
	openCircuits.Inc()
}

func CircuitDestroyed(reason string) {
	circuitsDestroyed.With(prometheus.Labels{"reason": reason}).Inc()
	openCircuits.Dec()
}

// Cell counts a cell travelling in direction ("in", "out", "forward",
// "backward").
func Cell(direction, command string) {
	cells.With(prometheus.Labels{"direction": direction, "command": command}).Inc()
}

func HandshakeFailed() {
	handshakeFailures.Inc()
}

func ExtendFailed() {
	extendFailures.Inc()
}

func StreamOpened() {
	streamsOpened.Inc()
}

func DirectoryRequest(path string, code int) {
	directoryRequests.With(prometheus.Labels{"path": path, "code": strconv.Itoa(code)}).Inc()
}

func Registration() {
	registrations.Inc()
}

// Handler returns the /metrics handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes the registered metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen metrics %s", addr)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "serve metrics")
	}
	return nil
}
