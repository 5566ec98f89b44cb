// Package serverutil runs the HTTP listeners the three processes carry:
// the ingest's transcoder-callback endpoints, the edge's viewer surface,
// and the transcoder's metrics port. Run owns the listen/serve/shutdown
// lifecycle so the binaries only assemble a handler and an address.
package serverutil

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"ridgecast-live/internal/lifecycle"
)

// TLSConfig names certificate and key files for a TLS listener.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// Config controls one listener's runtime behaviour.
type Config struct {
	// Name tags this listener's log lines ("handoff", "viewer",
	// "metrics").
	Name   string
	Server *http.Server
	TLS    TLSConfig
	// ShutdownTimeout bounds graceful shutdown once cancellation
	// arrives; DefaultShutdownTimeout when zero.
	ShutdownTimeout time.Duration
	// Ready, if set, receives the bound address once the listener is
	// accepting. Binding port 0 and reading the address back is how the
	// tests (and a co-located dev profile) avoid fixed ports.
	Ready  chan<- net.Addr
	Logger *slog.Logger
}

// DefaultShutdownTimeout bounds graceful shutdown when the owning
// context is cancelled.
const DefaultShutdownTimeout = 10 * time.Second

// Run starts cfg.Server and blocks until it stops. Cancellation of ctx
// triggers a graceful shutdown bounded by ShutdownTimeout; the shutdown
// cause is reported in lifecycle terms so the log line distinguishes a
// parent-driven stop from a deadline.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Server == nil {
		return errors.New("serverutil: server is required")
	}
	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		return errors.New("serverutil: TLS cert file and key file must both be provided")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Name != "" {
		logger = logger.With("listener", cfg.Name)
	}
	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("serverutil: listen %s: %w", cfg.Server.Addr, err)
	}
	if cfg.TLS.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("serverutil: load TLS key pair: %w", err)
		}
		tlsCfg := cfg.Server.TLSConfig
		if tlsCfg == nil {
			tlsCfg = &tls.Config{}
		} else {
			tlsCfg = tlsCfg.Clone()
		}
		tlsCfg.Certificates = append([]tls.Certificate{cert}, tlsCfg.Certificates...)
		cfg.Server.TLSConfig = tlsCfg
		ln = tls.NewListener(ln, tlsCfg)
	}

	logger.Info("listener started", "addr", ln.Addr().String(), "tls", cfg.TLS.CertFile != "")
	if cfg.Ready != nil {
		cfg.Ready <- ln.Addr()
	}

	// Bridge the caller's context into the repo's cancellation primitive
	// so the shutdown log carries a CancelReason instead of a bare
	// ctx.Err.
	lc, handler := lifecycle.New()
	defer handler.Cancel()
	go func() {
		select {
		case <-ctx.Done():
			handler.Cancel()
		case <-lc.Done():
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- cfg.Server.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-lc.Done():
		logger.Info("listener shutting down", "reason", lc.Reason().String(), "timeout", timeout)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	shutdownErr := cfg.Server.Shutdown(shutdownCtx)

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-shutdownCtx.Done():
		if shutdownErr != nil {
			return shutdownErr
		}
		return shutdownCtx.Err()
	}
	return shutdownErr
}
