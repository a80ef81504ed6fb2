// Package server exposes the node's HTTP surface: the query endpoint,
// readiness and metrics.
package server

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tessera-db/tessera/pkg/query"
	"github.com/tessera-db/tessera/pkg/querier"
	"github.com/tessera-db/tessera/pkg/segment"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config for the HTTP server.
type Config struct {
	HTTPListenAddress string        `yaml:"http_listen_address"`
	HTTPListenPort    int           `yaml:"http_listen_port"`
	ReadTimeout       time.Duration `yaml:"http_server_read_timeout"`
	WriteTimeout      time.Duration `yaml:"http_server_write_timeout"`
	IdleTimeout       time.Duration `yaml:"http_server_idle_timeout"`
}

// RegisterFlags adds the flags required to config this to the given FlagSet.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.HTTPListenAddress, "server.http-listen-address", "", "HTTP server listen address.")
	f.IntVar(&cfg.HTTPListenPort, "server.http-listen-port", 3500, "HTTP server listen port.")
	f.DurationVar(&cfg.ReadTimeout, "server.http-read-timeout", 30*time.Second, "Read timeout for HTTP server.")
	f.DurationVar(&cfg.WriteTimeout, "server.http-write-timeout", 5*time.Minute, "Write timeout for HTTP server.")
	f.DurationVar(&cfg.IdleTimeout, "server.http-idle-timeout", 2*time.Minute, "Idle timeout for HTTP server.")
}

// queryRequest is the body of POST /tessera/v1/query. Segments, when set,
// pins execution to exactly those descriptors instead of resolving the
// intervals against the timeline.
type queryRequest struct {
	query.Query
	Segments []segment.Descriptor `json:"segments,omitempty"`
}

// queryResponse is the envelope returned for every query.
type queryResponse struct {
	Rows            []query.Row          `json:"rows"`
	MissingSegments []segment.Descriptor `json:"missingSegments,omitempty"`
	CPUTimeNs       int64                `json:"cpuTimeNs"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server routes HTTP requests to the querier.
type Server struct {
	cfg    Config
	logger log.Logger
	q      *querier.Querier
	router *mux.Router
	http   *http.Server
}

func New(cfg Config, q *querier.Querier, reg *prometheus.Registry, logger log.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		logger: logger,
		q:      q,
		router: mux.NewRouter(),
	}

	s.router.Path("/tessera/v1/query").Methods(http.MethodPost).HandlerFunc(s.queryHandler)
	s.router.Path("/ready").Methods(http.MethodGet).HandlerFunc(s.readyHandler)
	s.router.Path("/metrics").Methods(http.MethodGet).Handler(
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}),
	)

	s.http = &http.Server{
		Addr:         net.JoinHostPort(cfg.HTTPListenAddress, fmt.Sprintf("%d", cfg.HTTPListenPort)),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves HTTP until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	level.Info(s.logger).Log("msg", "server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) readyHandler(w http.ResponseWriter, _ *http.Request) {
	http.Error(w, "ready", http.StatusOK)
}

func (s *Server) queryHandler(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, errors.Wrap(err, "decoding query"))
		return
	}

	var (
		runner query.Runner
		err    error
	)
	if len(req.Segments) > 0 {
		runner, err = s.q.RunnerForSegments(&req.Query, req.Segments)
	} else {
		runner, err = s.q.RunnerForIntervals(&req.Query, req.Query.Intervals)
	}
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx := r.Context()
	if timeout, ok := req.Query.Context.Timeout(); ok && timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp := query.NewResponseContext()
	it, err := runner.Run(ctx, &req.Query, resp)
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	rows, err := query.CollectRows(it)
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	if rows == nil {
		rows = []query.Row{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(queryResponse{
		Rows:            rows,
		MissingSegments: resp.MissingSegments(),
		CPUTimeNs:       resp.CPU.Total().Nanoseconds(),
	}); err != nil {
		level.Error(s.logger).Log("msg", "failed to write query response", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	level.Warn(s.logger).Log("msg", "query request failed", "status", status, "err", err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: err.Error()})
}
