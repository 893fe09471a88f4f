package debugserver

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

	"github.com/m-mizutani/goerr/v2"

	"birthdaybot/internal/runtime/supervisor"
	logx "birthdaybot/pkg/logx"
)

const DefaultAddr = "127.0.0.1:6060"

// Config controls the optional debug HTTP server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - If binding to a non-loopback address, set Token or enable AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
}

// StatusFunc returns a JSON-encodable snapshot served at /debug/status.
type StatusFunc func() any

// Server serves /healthz, /debug/status and /debug/pprof/.
type Server struct {
	cfg    Config
	status StatusFunc
	log    logx.Logger

	mu   sync.Mutex
	sup  *supervisor.Supervisor
	addr string
}

func New(cfg Config, status StatusFunc, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	return &Server{cfg: cfg, status: status, log: log}
}

func (s *Server) Enabled() bool { return s.cfg.Enabled }

// Addr is the bound listen address while serving, otherwise "".
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start serves in the background until ctx is done or Stop. It is a no-op when
// disabled or already running.
func (s *Server) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}
	// Safety: prevent accidental public exposure without auth.
	if !s.cfg.AllowInsecure && s.cfg.Token == "" && !isLoopbackAddr(s.cfg.Addr) {
		return goerr.New("debug server refused to start: non-loopback addr requires token or allow_insecure",
			goerr.V("addr", s.cfg.Addr))
	}
	if s.cfg.Token == "" && !isLoopbackAddr(s.cfg.Addr) {
		s.log.Warn("debug server running without token on non-loopback addr (insecure)", logx.String("addr", s.cfg.Addr))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}
	// Optional observability; never take the app down.
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log), supervisor.WithCancelOnError(false))
	s.sup.GoRestart("http.serve", s.serveOnce, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
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
	err := sup.Stop(ctx)
	s.log.Info("debug server stopped")
	return err
}

func (s *Server) serveOnce(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return goerr.Wrap(err, "debug server listen", goerr.V("addr", s.cfg.Addr))
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       time.Minute,
	}

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	s.log.Info("debug server started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", s.cfg.Token != ""))

	err = srv.Serve(ln)

	s.mu.Lock()
	s.addr = ""
	s.mu.Unlock()
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("debug server exited unexpectedly")
	}
	return err
}

// Handler returns the routed, authenticated handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(s.cfg.Token, h) }

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/debug/status", wrap(func(w http.ResponseWriter, _ *http.Request) {
		var body any
		if s.status != nil {
			body = s.status()
		}
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(body); err != nil {
			s.log.Debug("status encode failed", logx.Err(err))
		}
	}))
	mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
	mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
	mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
	mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
	mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))
	return mux
}

// withAuth accepts "Authorization: Bearer <token>" or "?token=<token>". An empty token
// disables auth.
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h(w, r)
			return
		}
		unauthorized(w)
	}
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
