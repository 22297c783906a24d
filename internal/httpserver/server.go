// Package httpserver serves the operational endpoints: liveness, readiness,
// Prometheus metrics and a JSON status dump.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	logx "smsmaster/pkg/logx"
)

const checkTimeout = 2 * time.Second

// Check reports whether one dependency is ready.
type Check func(ctx context.Context) error

type Config struct {
	Addr        string
	ReadTimeout time.Duration
	// Pprof mounts net/http/pprof under /debug. Keep Addr on loopback when set.
	Pprof bool
}

type namedCheck struct {
	name string
	fn   Check
}

type Server struct {
	cfg Config
	log logx.Logger

	mu     sync.Mutex
	checks []namedCheck
	status func(ctx context.Context) any
	srv    *http.Server
	ln     net.Listener
	done   chan struct{}
}

func New(cfg Config, log logx.Logger) *Server {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	return &Server{cfg: cfg, log: log}
}

// AddCheck registers a readiness check. Checks run in registration order.
func (s *Server) AddCheck(name string, fn Check) {
	s.mu.Lock()
	s.checks = append(s.checks, namedCheck{name: name, fn: fn})
	s.mu.Unlock()
}

// SetStatus installs the /status payload builder.
func (s *Server) SetStatus(fn func(ctx context.Context) any) {
	s.mu.Lock()
	s.status = fn
	s.mu.Unlock()
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		text(w, http.StatusOK, "OK")
	})
	r.Get("/readyz", s.readyz)
	r.Get("/status", s.statusHandler)
	r.Handle("/metrics", promhttp.Handler())
	if s.cfg.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

type readiness struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	checks := append([]namedCheck(nil), s.checks...)
	s.mu.Unlock()

	out := readiness{Status: "ok", Checks: map[string]string{}}
	code := http.StatusOK
	for _, c := range checks {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.fn(ctx)
		cancel()
		if err != nil {
			s.log.Warn("readiness check failed", logx.String("check", c.name), logx.Err(err))
			out.Checks[c.name] = err.Error()
			out.Status = "unavailable"
			code = http.StatusServiceUnavailable
			continue
		}
		out.Checks[c.name] = "ok"
	}
	writeJSON(w, code, out)
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	fn := s.status
	s.mu.Unlock()
	if fn == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "status not configured"})
		return
	}
	writeJSON(w, http.StatusOK, fn(r.Context()))
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("request_id", middleware.GetReqID(r.Context())),
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("duration", time.Since(start)),
		)
	})
}

// Start binds the listener and serves in the background. A bind error is
// returned directly.
func (s *Server) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Router(),
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
	}
	done := make(chan struct{})
	s.srv, s.ln, s.done = srv, ln, done

	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server failed", logx.Err(err))
		}
	}()
	s.log.Info("http server listening", logx.String("addr", ln.Addr().String()))
	return nil
}

// Addr is the bound address, useful with port 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, done := s.srv, s.done
	s.srv, s.ln, s.done = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	select {
	case <-done:
	case <-ctx.Done():
	}
	return err
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func text(w http.ResponseWriter, code int, s string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(s))
}
