// Package server exposes chat turns and the current code over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/cchalm/codesmith/internal/ai"
	"github.com/cchalm/codesmith/internal/chat"
	"github.com/cchalm/codesmith/internal/codestore"
	"github.com/cchalm/codesmith/internal/telemetry"
)

// SessionHeader carries the chat session id. It is echoed on every modify-code response
const SessionHeader = "X-Session-ID"

// maxBodyBytes bounds request bodies; image uploads arrive base64 encoded
const maxBodyBytes = 20 << 20

// Config holds the HTTP-level settings
type Config struct {
	AllowedOrigin  string
	ImageModel     string
	ImageMaxTokens int64
	// SessionIdleTimeout is how long a session may sit idle before it is dropped. Zero keeps sessions forever
	SessionIdleTimeout time.Duration
	ShutdownTimeout    time.Duration
}

// Deps are the collaborators of a Server. Persister, Metrics and Gatherer may be nil
type Deps struct {
	Registry  *chat.Registry
	Slot      *codestore.Slot
	Persister *codestore.Persister
	Backend   ai.Backend
	Metrics   *telemetry.Metrics
	Gatherer  prometheus.Gatherer
	Logger    zerolog.Logger
}

type Server struct {
	cfg       Config
	registry  *chat.Registry
	slot      *codestore.Slot
	persister *codestore.Persister
	backend   ai.Backend
	metrics   *telemetry.Metrics
	gatherer  prometheus.Gatherer
	logger    zerolog.Logger

	modifyCode *validator
	saveCode   *validator
	image      *validator
}

func New(deps Deps, cfg Config) (*Server, error) {
	if cfg.AllowedOrigin == "" {
		cfg.AllowedOrigin = "*"
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		cfg:       cfg,
		registry:  deps.Registry,
		slot:      deps.Slot,
		persister: deps.Persister,
		backend:   deps.Backend,
		metrics:   deps.Metrics,
		gatherer:  deps.Gatherer,
		logger:    deps.Logger.With().Str("component", "server").Logger(),
	}

	var err error
	if s.modifyCode, err = loadValidator("modify_code.json"); err != nil {
		return nil, err
	}
	if s.saveCode, err = loadValidator("save_code.json"); err != nil {
		return nil, err
	}
	if s.image, err = loadValidator("image.json"); err != nil {
		return nil, err
	}
	return s, nil
}

// Handler returns the routed handler with CORS and request metrics applied
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/modify-code", s.handleModifyCode)
	mux.HandleFunc("GET /api/save-code", s.handleGetCode)
	mux.HandleFunc("POST /api/save-code", s.handleSaveCode)
	mux.HandleFunc("POST /api/proxy-to-anthropic", s.handleImage)
	mux.HandleFunc("GET /api/code/events", s.handleCodeEvents)
	mux.HandleFunc("GET /api/sessions/{id}/transcript", s.handleTranscript)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return s.instrument(s.cors(mux))
}

// Run serves on addr until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No write timeout: modify-code responses stream for as long as the model does
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	var wg conc.WaitGroup
	if s.cfg.SessionIdleTimeout > 0 {
		wg.Go(func() { s.sweepSessions(sweepCtx) })
	}

	serveErr := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("http server listening")
		serveErr <- srv.ListenAndServe()
	}()

	var err error
	select {
	case err = <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	case <-ctx.Done():
		s.logger.Info().Msg("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout())
		defer cancel()
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			err = fmt.Errorf("failed to shut down http server: %w", serr)
		}
	}

	stopSweep()
	wg.Wait()
	if s.persister != nil {
		s.persister.Wait()
	}
	return err
}

func (s *Server) shutdownTimeout() time.Duration {
	if s.cfg.ShutdownTimeout > 0 {
		return s.cfg.ShutdownTimeout
	}
	return 15 * time.Second
}

func (s *Server) sweepSessions(ctx context.Context) {
	ticker := time.NewTicker(max(s.cfg.SessionIdleTimeout/2, time.Second))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.registry.Sweep(s.cfg.SessionIdleTimeout)
		}
	}
}

// cors answers preflight requests and decorates API responses
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", s.cfg.AllowedOrigin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+SessionHeader)
			h.Set("Access-Control-Expose-Headers", SessionHeader)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// instrument counts requests by route pattern and status
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		defer func() {
			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			status := rec.status
			if status == 0 {
				status = http.StatusOK
			}
			s.metrics.HTTPRequest(route, strconv.Itoa(status))
			s.logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Dur("duration", time.Since(start)).
				Msg("http request")
		}()
		next.ServeHTTP(rec, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	return sr.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer's Flush
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}
