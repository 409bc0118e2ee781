package emulator

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/peterje/devrepl/internal/models"
)

const shutdownTimeout = 5 * time.Second

type Server struct {
	mux *http.ServeMux
	dev *Device
}

func NewServer(dev *Device) *Server {
	s := &Server{
		mux: http.NewServeMux(),
		dev: dev,
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	// WebREPL clients connect to the root path.
	s.mux.Handle("/", s.dev)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	v := s.dev.cfg.Version
	writeJSON(w, http.StatusOK, models.HealthResponse{
		Status:   "ok",
		Sessions: s.dev.Sessions(),
		Version:  fmt.Sprintf("%d.%d.%d", v[0], v[1], v[2]),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("emulator: encode response")
	}
}

// ListenAndServe serves until ctx is cancelled. tlsCfg may be nil for a
// plain ws:// endpoint.
func (s *Server) ListenAndServe(ctx context.Context, addr string, tlsCfg *tls.Config) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln, tlsCfg)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener, tlsCfg *tls.Config) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	scheme := "ws"
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
		scheme = "wss"
	}
	log.Info().Str("url", fmt.Sprintf("%s://%s/", scheme, ln.Addr())).Msg("emulator listening")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.dev.Close(); err != nil {
		log.Debug().Err(err).Msg("emulator: close sessions")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
