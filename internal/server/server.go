// Package server runs the API listener alongside the optional metrics
// listener and InfluxDB pusher, and shuts them down together.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/StevenMolina22/events-api/internal/config"
	"github.com/StevenMolina22/events-api/internal/logging"
	"github.com/StevenMolina22/events-api/internal/metrics"
)

// Server owns the process's listeners.
type Server struct {
	cfg *config.Config
	log zerolog.Logger

	api     net.Listener
	metrics net.Listener
}

// Listen binds the API address, and the metrics port when enabled. Binding
// happens before anything is served so an occupied port fails fast.
func Listen(cfg *config.Config) (*Server, error) {
	s := &Server{cfg: cfg, log: logging.Component("server")}
	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", cfg.Addr(), err)
	}
	s.api = ln
	if cfg.MetricsEnabled {
		addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.MetricsPort))
		mln, err := net.Listen("tcp", addr)
		if err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("bind metrics %s: %w", addr, err)
		}
		s.metrics = mln
	}
	return s, nil
}

// Addr is the bound API address.
func (s *Server) Addr() net.Addr { return s.api.Addr() }

// MetricsAddr is the bound metrics address, or nil when disabled.
func (s *Server) MetricsAddr() net.Addr {
	if s.metrics == nil {
		return nil
	}
	return s.metrics.Addr()
}

// Close releases the listeners of a server that was never run.
func (s *Server) Close() error {
	var errs []error
	errs = append(errs, s.api.Close())
	if s.metrics != nil {
		errs = append(errs, s.metrics.Close())
	}
	return errors.Join(errs...)
}

// Run serves handler until ctx is cancelled or a listener fails, then
// gives in-flight requests up to the shutdown timeout.
func (s *Server) Run(ctx context.Context, handler http.Handler) error {
	g, gctx := errgroup.WithContext(ctx)

	servers := []*http.Server{s.newHTTPServer(handler)}
	listeners := []net.Listener{s.api}
	if s.metrics != nil {
		servers = append(servers, s.newHTTPServer(metrics.Mux()))
		listeners = append(listeners, s.metrics)
	}

	for i := range servers {
		srv, ln := servers[i], listeners[i]
		g.Go(func() error {
			s.log.Info().Str("addr", ln.Addr().String()).Msg("listening")
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve %s: %w", ln.Addr(), err)
			}
			return nil
		})
	}

	if s.cfg.InfluxURL != "" {
		g.Go(func() error {
			metrics.StartInfluxPusher(gctx, s.cfg.InfluxURL, s.cfg.InfluxToken, s.cfg.InfluxOrg, s.cfg.InfluxBucket, s.cfg.InfluxInterval)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		s.log.Info().Msg("shutting down, waiting for in-flight requests")
		timeout := s.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		sctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			errs = append(errs, srv.Shutdown(sctx))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

func (s *Server) newHTTPServer(h http.Handler) *http.Server {
	return &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}
}
