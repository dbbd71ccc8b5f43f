// Package status serves a small operational HTTP surface: liveness, the
// pipeline source states as JSON, and optionally net/http/pprof.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	logx "ttbot/pkg/logx"
)

// Config controls the status server.
//
// Binding to a non-loopback address requires Token or AllowInsecure.
type Config struct {
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration // 0 so /debug/pprof/profile can run its full window
	IdleTimeout  time.Duration
}

const DefaultAddr = "127.0.0.1:6061"

var ErrInsecureBind = errors.New("status: non-loopback addr requires token or allow_insecure")

type Server struct {
	cfg     Config
	log     logx.Logger
	snap    func() any
	started time.Time

	mu   sync.Mutex
	addr string
}

// New returns a server reporting snap() under /status.
func New(cfg Config, snap func() any, log logx.Logger) *Server {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, log: log, snap: snap, started: time.Now()}
}

// Addr is the bound address once Serve is listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.withAuth(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	mux.HandleFunc("/status", s.withAuth(s.handleStatus))
	if s.cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", s.withAuth(hpprof.Index))
		mux.HandleFunc("/debug/pprof/cmdline", s.withAuth(hpprof.Cmdline))
		mux.HandleFunc("/debug/pprof/profile", s.withAuth(hpprof.Profile))
		mux.HandleFunc("/debug/pprof/symbol", s.withAuth(hpprof.Symbol))
		mux.HandleFunc("/debug/pprof/trace", s.withAuth(hpprof.Trace))
	}
	return mux
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	body := struct {
		Started time.Time `json:"started"`
		Uptime  string    `json:"uptime"`
		Sources any       `json:"sources"`
	}{
		Started: s.started,
		Uptime:  time.Since(s.started).Round(time.Second).String(),
	}
	if s.snap != nil {
		body.Sources = s.snap()
	}
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(body); err != nil {
		s.log.Debug("status encode failed", logx.Err(err))
	}
}

// Serve listens and serves until ctx ends. It returns nil after a clean
// shutdown, so it fits supervisor.GoRestart.
func (s *Server) Serve(ctx context.Context) error {
	addr := strings.TrimSpace(s.cfg.Addr)
	if !s.cfg.AllowInsecure && s.cfg.Token == "" && !IsLoopback(addr) {
		return ErrInsecureBind
	}
	if s.cfg.Token == "" && !IsLoopback(addr) {
		s.log.Warn("status server running without token on non-loopback addr", logx.String("addr", addr))
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	s.log.Info("status server started", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", s.cfg.Pprof), logx.Bool("token_set", s.cfg.Token != ""))

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(sctx)
		cancel()
	}()

	err = srv.Serve(ln)
	if ctx.Err() != nil {
		<-done
		return nil
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("status server exited unexpectedly")
	}
	return err
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func (s *Server) withAuth(h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(s.cfg.Token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			got = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		}
		if got != tok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

// IsLoopback reports whether a host:port binds only to loopback. An empty
// host means all interfaces.
func IsLoopback(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
