package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Qadosh7/Taco/pkg/log"
)

// Server wraps the relay's HTTP surface in an http.Server with an
// explicit start/stop lifecycle.
type Server struct {
	server *http.Server
	tls    *TLSConfig
}

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type NewServerOptions struct {
	Port  int
	TLS   *TLSConfig
	Relay *Relay
}

func NewServer(opts NewServerOptions) *Server {
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: opts.Relay.Router(),
	}
	return &Server{
		server: server,
		tls:    opts.TLS,
	}
}

// Start starts the server and blocks until it closes.
func (s *Server) Start() {
	var listenAndServe func() error
	if s.tls != nil {
		log.Info("Relay server listening on %s with TLS", s.server.Addr)
		listenAndServe = func() error {
			return s.server.ListenAndServeTLS(s.tls.CertFile, s.tls.KeyFile)
		}
	} else {
		log.Info("Relay server listening on %s", s.server.Addr)
		listenAndServe = s.server.ListenAndServe
	}
	if err := listenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			log.Info("Relay server closed")
			return
		}
		log.Error("Relay server error: %v", err)
	}
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
