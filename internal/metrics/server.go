// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server serves the daemon's /metrics endpoint for operator-only
// observability. It listens on the address given to NewServer; the
// daemon's default metricsHost is loopback (127.0.0.1).
type Server struct {
	httpSrv *http.Server
	ln      net.Listener
}

// NewServer builds a registry carrying this package's Collector plus
// the standard Go/process collectors, and binds it to addr (e.g.
// "127.0.0.1:9090"). addr is not checked to be a loopback address.
func NewServer(addr string) (*Server, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(NewCollector())

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind metrics listener on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return &Server{
		httpSrv: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		ln:      ln,
	}, nil
}

// Addr returns the bound address, useful when addr was passed as
// "127.0.0.1:0" for a test-assigned port.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Serve blocks until the listener is closed.
func (s *Server) Serve() error {
	err := s.httpSrv.Serve(s.ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
