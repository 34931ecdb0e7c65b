// Package status serves a small read-only HTTP view of the running host:
// liveness, the scheduler's task table, persisted run history and
// (optionally) net/http/pprof.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"sync"
	"time"

	"cronhost/internal/runtime/supervisor"
	"cronhost/internal/storage"
	"cronhost/internal/task/scheduler"
	logx "cronhost/pkg/logx"
)

const defaultAddr = "127.0.0.1:8089"

// Config controls the status server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - If binding to a non-loopback address, set Token or enable AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Source is the part of the scheduler the server reads.
type Source interface {
	IsStarted() bool
	Snapshot() scheduler.Snapshot
}

type Server struct {
	cfg   Config
	log   logx.Logger
	src   Source
	store storage.Store // nil when history is off

	mu   sync.Mutex
	sup  *supervisor.Supervisor
	addr string
}

func New(cfg Config, src Source, store storage.Store, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = defaultAddr
	}
	return &Server{cfg: cfg, src: src, store: store, log: log.With(logx.String("comp", "status"))}
}

func (s *Server) Enabled() bool { return s.cfg.Enabled }

// Addr returns the bound listen address once the server is serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start launches the server under its own supervisor. It refuses a
// non-loopback bind without a token unless AllowInsecure is set.
func (s *Server) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}
	if !s.cfg.AllowInsecure && s.cfg.Token == "" && !isLoopbackAddr(s.cfg.Addr) {
		return fmt.Errorf("status: non-loopback addr %q requires token or allow_insecure", s.cfg.Addr)
	}
	if s.cfg.AllowInsecure && s.cfg.Token == "" && !isLoopbackAddr(s.cfg.Addr) {
		s.log.Warn("status server running without token on non-loopback addr (insecure)", logx.String("addr", s.cfg.Addr))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}
	// Status is optional observability; never hard-kill the app.
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log), supervisor.WithCancelOnError(false))
	s.sup.GoRestart("status.serve", s.serveOnce, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

func (s *Server) serveOnce(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	served := make(chan struct{})
	defer close(served)
	go func() {
		select {
		case <-ctx.Done():
		case <-served:
			return
		}
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("status server started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", s.cfg.Token != ""), logx.Bool("pprof", s.cfg.Pprof))
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("status server exited unexpectedly")
	}
	return err
}

// Handler returns the routing table, wrapped in token auth.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /tasks", s.handleTasks)
	mux.HandleFunc("GET /tasks/{name}/runs", s.handleRuns)
	if s.cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", hpprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)
	}
	return withAuth(s.cfg.Token, mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if !s.src.IsStarted() {
		http.Error(w, "scheduler not running", http.StatusServiceUnavailable)
		return
	}
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleTasks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.src.Snapshot())
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "run history disabled", http.StatusNotFound)
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	runs, err := s.store.RecentRuns(r.Context(), r.PathValue("name"), limit)
	if err != nil {
		s.log.Warn("run history read failed", logx.Err(err))
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []storage.RunRecord{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h.ServeHTTP(w, r)
			return
		}
		unauthorized(w)
	})
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// empty host means all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
