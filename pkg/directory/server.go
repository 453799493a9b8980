package directory

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"pqtor/pkg/instrument"
)

// MaxRequestBody caps POST /register bodies.
const MaxRequestBody = 4096

const readHeaderTimeout = 10 * time.Second

// Server serves the registry over HTTP.
type Server struct {
	reg *Registry
	log *zap.Logger
}

// NewServer returns a directory server for reg.
func NewServer(reg *Registry, log *zap.Logger) *Server {
	return &Server{reg: reg, log: log}
}

// Handler returns the directory HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRelays)
	mux.HandleFunc("/relays", s.handleRelays)
	mux.HandleFunc("/register", s.handleRegister)
	return instrumented(mux)
}

// Serve accepts directory requests on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	return serveHTTP(ctx, ln, s.Handler())
}

func (s *Server) handleRelays(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" && r.URL.Path != "/relays" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	body, err := json.Marshal(s.reg.List())
	if err != nil {
		s.log.Error("encode relay list", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if r.ContentLength < 0 {
		http.Error(w, "Content-Length required", http.StatusBadRequest)
		return
	}
	if r.ContentLength > MaxRequestBody {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBody+1))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if len(body) > MaxRequestBody {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	var router Router
	if err := json.Unmarshal(body, &router); err != nil {
		s.log.Warn("rejected registration", zap.String("remote", r.RemoteAddr), zap.Error(err))
		http.Error(w, errors.Cause(err).Error(), http.StatusBadRequest)
		return
	}

	added, err := s.reg.Upsert(&router)
	if err != nil {
		// The in-memory registry is updated; only persistence failed.
		s.log.Error("persist registry", zap.Error(err))
	}
	instrument.Registration()
	s.log.Info("registered relay",
		zap.String("name", router.Name),
		zap.String("role", router.Role),
		zap.String("addr", router.Addr()),
		zap.Bool("new", added),
	)
	w.Header().Set("Content-Type", "application/json")
	io.WriteString(w, `{"status":"ok"}`)
}

func methodNotAllowed(w http.ResponseWriter, allow string) {
	w.Header().Set("Allow", allow)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.code = code
	sr.ResponseWriter.WriteHeader(code)
}

func instrumented(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sr := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		h.ServeHTTP(sr, r)
		instrument.DirectoryRequest(pathLabel(r.URL.Path), sr.code)
	})
}

func pathLabel(path string) string {
	switch path {
	case "/", "/relays", "/register":
		return path
	}
	return "other"
}

// serveHTTP runs an HTTP server on ln and shuts it down when ctx is done.
func serveHTTP(ctx context.Context, ln net.Listener, h http.Handler) error {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}
