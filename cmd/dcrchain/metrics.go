// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metricsServer serves the prometheus metrics registered by the chain state
// manager and the transaction pool over http.
type metricsServer struct {
	srv *http.Server
}

// startMetricsServer starts serving metrics on the provided listen address.
func startMetricsServer(listen string) (*metricsServer, error) {
	listener, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		dchnLog.Infof("Metrics server listening on %s", listener.Addr())
		err := srv.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			dchnLog.Errorf("Metrics server: %v", err)
		}
	}()
	return &metricsServer{srv: srv}, nil
}

// Stop shuts the server down.  It is safe to call on a nil server.
func (s *metricsServer) Stop() {
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.srv.Shutdown(ctx)
}
