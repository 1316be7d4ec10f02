// Package admin serves the operator HTTP surface: health and metrics probes,
// runtime profiling, and read-only JSON views over executions. It is a
// process-local convenience, not the client transport API.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/cascadeflow/cascade/orchestrator"
	"github.com/cascadeflow/cascade/store"
	"github.com/cascadeflow/cascade/telemetry"
)

// DefaultPort is used when Options.Port is zero.
const DefaultPort = 3001

const shutdownGrace = 30 * time.Second

// defaultListLimit pages the root-execution listing when the request does
// not name a limit.
const defaultListLimit = 50

type (
	// Options configures the admin server.
	Options struct {
		// Service is the control plane the read endpoints delegate to.
		Service *orchestrator.Service
		// Port is the listen port. Defaults to DefaultPort.
		Port int
		// Pingers are the dependencies surfaced by GET /healthz.
		Pingers []health.Pinger
		// Logger emits structured logs. Defaults to a noop.
		Logger telemetry.Logger
	}

	// Server is the admin HTTP server.
	Server struct {
		svc     *orchestrator.Service
		port    int
		pingers []health.Pinger
		logger  telemetry.Logger
	}
)

// New validates the options and returns a server ready to start.
func New(opts Options) (*Server, error) {
	if opts.Service == nil {
		return nil, errors.New("admin: Options.Service is required")
	}
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	return &Server{
		svc:     opts.Service,
		port:    opts.Port,
		pingers: opts.Pingers,
		logger:  opts.Logger,
	}, nil
}

// Handler builds the admin mux. ctx carries the process log context the
// request logging middleware stamps onto every request.
func (s *Server) Handler(ctx context.Context) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", health.Handler(health.NewChecker(s.pingers...)))
	r.Handle("/metrics", promhttp.Handler())
	// Mount /debug to toggle debug logs at runtime and /debug/pprof for
	// profiling.
	debug.MountDebugLogEnabler(chiMux{r})
	debug.MountPprofHandlers(chiMux{r})

	r.Get("/executions/{id}", s.getExecution)
	r.Get("/executions/{id}/tree", s.getExecutionTree)
	r.Get("/flows/{flowID}/executions", s.listRootExecutions)

	var h http.Handler = r
	h = debug.HTTP()(h)
	h = log.HTTP(ctx)(h)
	return h
}

// Start serves the admin surface until ctx ends, then drains connections
// with a grace period. The listener's terminal error lands on errc.
func (s *Server) Start(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: 60 * time.Second,
	}
	wg.Add(1)
	go func() {
		defer wg.Done()

		go func() {
			s.logger.Info(ctx, "admin server listening", "addr", srv.Addr)
			errc <- srv.ListenAndServe()
		}()

		<-ctx.Done()
		s.logger.Info(ctx, "shutting down admin server", "addr", srv.Addr)
		sdCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(sdCtx); err != nil {
			s.logger.Error(ctx, err, "admin server shutdown")
		}
	}()
}

// getExecution serves GET /executions/{id}.
func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) {
	row, err := s.svc.GetExecutionDetails(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, r, row)
}

// getExecutionTree serves GET /executions/{id}/tree with the BFS-flattened
// tree rooted at the execution.
func (s *Server) getExecutionTree(w http.ResponseWriter, r *http.Request) {
	entries, err := s.svc.GetExecutionsTree(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, r, entries)
}

// listRootExecutions serves GET /flows/{flowID}/executions. The optional
// limit and after (RFC 3339) query parameters page newest-first.
func (s *Server) listRootExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := defaultListLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	var after *time.Time
	if v := q.Get("after"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "after must be an RFC 3339 timestamp", http.StatusBadRequest)
			return
		}
		after = &ts
	}
	rows, err := s.svc.GetRootExecutions(r.Context(), chi.URLParam(r, "flowID"), limit, after)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, r, rows)
}

func (s *Server) respondJSON(w http.ResponseWriter, r *http.Request, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error(r.Context(), err, "encode admin response", "path", r.URL.Path)
	}
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	s.logger.Error(r.Context(), err, "admin read failed", "path", r.URL.Path)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

// chiMux adapts a chi router to the muxer interface the clue debug mounts
// expect.
type chiMux struct{ r chi.Router }

func (m chiMux) Handle(pattern string, h http.Handler) {
	m.r.Handle(pattern, h)
}

func (m chiMux) HandleFunc(pattern string, h func(http.ResponseWriter, *http.Request)) {
	m.r.HandleFunc(pattern, h)
}

func (m chiMux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.r.ServeHTTP(w, r)
}
