package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"rsi-engine/internal/logger"
)

// Server is the HTTP listener of the query API.
type Server struct {
	srv *http.Server
	d   Deps
}

func NewServer(addr string, d Deps) *Server {
	if d.Log == nil {
		d.Log = logger.Discard()
	}
	d.Log = d.Log.With("component", "api")
	return &Server{
		d: d,
		srv: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(d),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Serve listens on the configured address and blocks until Shutdown.
// It returns nil after a graceful shutdown.
func (s *Server) Serve() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ln)
}

// ServeListener is Serve on an existing listener.
func (s *Server) ServeListener(ln net.Listener) error {
	s.d.Log.Info("query API listening", "addr", ln.Addr().String(),
		"routes", "/rsi-data, /rsi-data/{token}, /rsi-data/{token}/peek, /healthz, /metrics, /ws")
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
// Hijacked websocket connections are not waited for.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
