// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/urfave/negroni/v3"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/livekit/protocol/logger"

	"github.com/dTelecom/call-sfu/pkg/config"
	"github.com/dTelecom/call-sfu/pkg/routing"
	"github.com/dTelecom/call-sfu/pkg/rtc"
)

const shutdownTimeout = 5 * time.Second

type CallServer struct {
	config     *config.Config
	node       *routing.LocalNode
	bus        routing.Bus
	pool       *rtc.WorkerPool
	matcher    *MatchMaker
	expiry     *ExpiryListener
	handler    *SignalHandler
	httpServer *http.Server
	promServer *http.Server
	running    atomic.Bool
	doneChan   chan struct{}
	closedChan chan struct{}
}

func NewCallServer(
	conf *config.Config,
	node *routing.LocalNode,
	bus routing.Bus,
	pool *rtc.WorkerPool,
	matcher *MatchMaker,
	expiry *ExpiryListener,
	handler *SignalHandler,
	rtcService *RTCService,
) *CallServer {
	s := &CallServer{
		config:     conf,
		node:       node,
		bus:        bus,
		pool:       pool,
		matcher:    matcher,
		expiry:     expiry,
		handler:    handler,
		doneChan:   make(chan struct{}),
		closedChan: make(chan struct{}),
	}

	middlewares := []negroni.Handler{
		// always the first
		negroni.NewRecovery(),
		cors.New(cors.Options{
			AllowOriginFunc: func(origin string) bool {
				return true
			},
			AllowedHeaders: []string{"*"},
		}),
		negroni.HandlerFunc(RemoveDoubleSlashes),
	}

	mux := http.NewServeMux()
	mux.Handle("/signal", rtcService)
	mux.HandleFunc("/healthz", s.healthCheck)
	if conf.PrometheusPort == 0 {
		mux.Handle("/metrics", promhttp.Handler())
	} else {
		s.promServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", conf.PrometheusPort),
			Handler: promhttp.Handler(),
		}
	}

	s.httpServer = &http.Server{
		Handler: configureMiddlewares(mux, middlewares...),
	}
	return s
}

func (s *CallServer) Node() *routing.LocalNode {
	return s.node
}

func (s *CallServer) IsRunning() bool {
	return s.running.Load()
}

func (s *CallServer) Start() error {
	if s.running.Load() {
		return errors.New("already running")
	}
	ctx := context.Background()

	addresses := s.config.BindAddresses
	if len(addresses) == 0 {
		addresses = []string{""}
	}
	// ensure we could listen before bringing anything up
	listeners := make([]net.Listener, 0, len(addresses))
	for _, addr := range addresses {
		ln, err := net.Listen("tcp", net.JoinHostPort(addr, fmt.Sprint(s.config.Port)))
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			return err
		}
		listeners = append(listeners, ln)
	}

	for _, start := range []func() error{
		func() error { return s.pool.Start(ctx) },
		s.bus.Start,
		func() error { return s.expiry.Start(ctx) },
	} {
		if err := start(); err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			return err
		}
	}
	s.matcher.Start()

	var eg errgroup.Group
	for _, ln := range listeners {
		ln := ln
		eg.Go(func() error {
			return s.httpServer.Serve(ln)
		})
	}
	if s.promServer != nil {
		eg.Go(s.promServer.ListenAndServe)
	}
	go func() {
		if err := eg.Wait(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorw("could not serve", err)
		}
	}()
	go s.statsWorker()

	logger.Infow("starting call-sfu server",
		"port", s.config.Port,
		"bindAddresses", addresses,
		"nodeID", s.node.NodeID(),
		"nodeIP", s.node.NodeIP(),
		"workers", s.config.SFU.NumWorkers,
	)
	s.running.Store(true)

	<-s.doneChan

	// stop accepting sockets first, then drain the flows behind them
	s.node.SetState(routing.NodeStateShuttingDown)
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	_ = s.httpServer.Shutdown(shutdownCtx)
	if s.promServer != nil {
		_ = s.promServer.Shutdown(shutdownCtx)
	}

	s.handler.Stop()
	s.matcher.Stop()
	s.expiry.Stop()
	s.bus.Stop()
	s.pool.Close()

	s.running.Store(false)
	close(s.closedChan)
	return nil
}

func (s *CallServer) Stop() {
	if !s.running.Load() {
		return
	}
	select {
	case <-s.doneChan:
	default:
		close(s.doneChan)
	}
	<-s.closedChan
}

func (s *CallServer) statsWorker() {
	ticker := time.NewTicker(config.StatsUpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.doneChan:
			return
		case <-ticker.C:
			s.node.UpdateNodeStats()
		}
	}
}

func (s *CallServer) healthCheck(w http.ResponseWriter, _ *http.Request) {
	status := http.StatusOK
	if s.node.State() != routing.NodeStateServing {
		status = http.StatusServiceUnavailable
	}

	stats := s.node.Stats()
	body, err := json.Marshal(map[string]interface{}{
		"nodeId": s.node.NodeID(),
		"state":  s.node.State(),
		"stats":  &stats,
	})
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func configureMiddlewares(handler http.Handler, middlewares ...negroni.Handler) *negroni.Negroni {
	n := negroni.New()
	for _, m := range middlewares {
		n.Use(m)
	}
	n.UseHandler(handler)
	return n
}
