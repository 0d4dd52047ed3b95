// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// HTTPServer wraps http.Server with the lifecycle the daemon expects:
// bind immediately so the address is known, serve until the context is
// cancelled, then drain in-flight requests before returning.
type HTTPServer struct {
	listener net.Listener
	server   *http.Server
	logger   *slog.Logger
	ready    chan struct{}
}

// NewHTTPServer binds the listen address. Serving starts with Serve.
func NewHTTPServer(listen string, handler http.Handler, logger *slog.Logger) (*HTTPServer, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	listener, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, fmt.Errorf("gateway: binding %s: %w", listen, err)
	}
	return &HTTPServer{
		listener: listener,
		server: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
		ready:  make(chan struct{}),
	}, nil
}

// Addr returns the bound address, useful when listening on port 0.
func (s *HTTPServer) Addr() string {
	return s.listener.Addr().String()
}

// Ready is closed once Serve is accepting connections.
func (s *HTTPServer) Ready() <-chan struct{} {
	return s.ready
}

// Serve blocks until the context is cancelled, then shuts down
// gracefully with a drain window.
func (s *HTTPServer) Serve(ctx context.Context) error {
	errs := make(chan error, 1)
	go func() {
		close(s.ready)
		errs <- s.server.Serve(s.listener)
	}()
	s.logger.Info("listening", "addr", s.Addr())

	select {
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("gateway: serving: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("gateway: shutting down: %w", err)
	}
	s.logger.Info("stopped", "addr", s.Addr())
	return nil
}
