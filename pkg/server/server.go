// Copyright 2016 TiKV Project Authors.
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

package server

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/AutoMQ/acceptor/pkg/acceptor"
	"github.com/AutoMQ/acceptor/pkg/conn"
	"github.com/AutoMQ/acceptor/pkg/server/config"
	"github.com/AutoMQ/acceptor/pkg/ticket"
	"github.com/AutoMQ/acceptor/pkg/util/logutil"
)

const (
	_shutdownStatusTimeout = time.Second * 5 // timeout when shutdown status server
	_statusReadTimeout     = time.Second * 5 // read header timeout of status server
)

// ErrServerClosed is returned by Start after the server has been closed.
var ErrServerClosed = errors.New("server closed")

// Server drives an acceptor.Server and exposes its status over HTTP.
type Server struct {
	started atomic.Bool // server status, true for started
	closed  atomic.Bool // true once Close has been called

	cfg *config.Config // Server configuration

	ctx        context.Context    // main context
	loopCtx    context.Context    // loop context
	loopCancel context.CancelFunc // loop cancel
	loopWg     sync.WaitGroup     // loop wait group

	core       *acceptor.Server
	dispatcher acceptor.Dispatcher
	registry   *prometheus.Registry
	tickets    *ticket.Tickets // nil if TLS is disabled
	snapshot   snapshot        // core state readable from any goroutine

	statusServer *http.Server
	statusAddr   net.Addr
	statusWg     sync.WaitGroup

	lg *zap.Logger // logger
}

// NewServer creates a stopped server with given configuration.
// The configuration should have been adjusted and validated.
func NewServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Server, error) {
	s := &Server{
		cfg: cfg,
		ctx: ctx,
		lg:  logger,
	}

	connCfg := conn.Config{
		IdleTimeout:      cfg.Conn.IdleTimeout,
		StepTimeout:      cfg.Conn.StepTimeout,
		PollInterval:     cfg.Conn.PollInterval,
		WriteTimeout:     cfg.Conn.WriteTimeout,
		HandshakeTimeout: cfg.Conn.HandshakeTimeout,
		BufferSize:       cfg.Conn.BufferSize,
		Status:           cfg.Conn.Status,
		Body:             []byte(cfg.Conn.Body),
	}
	if cfg.TLS.Enable {
		tlsCfg, err := s.newTLSConfig()
		if err != nil {
			return nil, errors.Wrap(err, "new tls config")
		}
		connCfg.TLS = tlsCfg
	}

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := acceptor.NewMetrics(s.registry)
	if err != nil {
		return nil, errors.Wrap(err, "new metrics")
	}

	headers, err := cfg.Acceptor.Headers()
	if err != nil {
		return nil, errors.Wrap(err, "parse default headers")
	}

	dispatcher, err := acceptor.NewDispatcher(ctx, cfg.Acceptor.Dispatch, acceptor.WorkerConfig{
		Limit:    cfg.Acceptor.WorkerLimit,
		PoolSize: cfg.Acceptor.WorkerPoolSize,
	}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "new dispatcher")
	}
	s.dispatcher = dispatcher

	s.core = acceptor.NewServer(acceptor.Config{
		Port:           cfg.Acceptor.Port,
		BindAddress:    cfg.Acceptor.BindAddress,
		MaxConnections: cfg.Acceptor.MaxConnections,
		SweepInterval:  cfg.Acceptor.SweepInterval,
	}, conn.Factory(connCfg, logger), dispatcher, metrics, logger)
	for _, h := range headers {
		s.core.SetDefaultHeader(h.Name, h.Value)
	}
	s.snapshot.update(s.core)

	return s, nil
}

func (s *Server) newTLSConfig() (*tls.Config, error) {
	logger := s.lg
	cfg := s.cfg.TLS

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		logger.Error("failed to load key pair", zap.String("cert-file", cfg.CertFile), zap.String("key-file", cfg.KeyFile), zap.Error(err))
		return nil, errors.Wrap(err, "load key pair")
	}
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	s.tickets = ticket.New(ticket.Config{Lifetime: cfg.TicketLifetime}, logger)
	if !s.tickets.Enable(tlsCfg) {
		logger.Warn("session ticket keys unavailable, fall back to default session tickets")
	}
	return tlsCfg, nil
}

// Start starts the server
func (s *Server) Start() error {
	logger := s.lg
	if s.closed.Load() {
		return ErrServerClosed
	}
	if s.started.Swap(true) {
		logger.Warn("server already started")
		return nil
	}

	if err := s.core.Start(); err != nil {
		s.started.Store(false)
		return errors.Wrap(err, "start acceptor")
	}
	if err := s.startStatus(); err != nil {
		s.core.Stop()
		s.started.Store(false)
		return errors.Wrap(err, "start status server")
	}
	s.snapshot.update(s.core)
	s.startLoop(s.ctx)

	return nil
}

func (s *Server) startLoop(ctx context.Context) {
	s.loopCtx, s.loopCancel = context.WithCancel(ctx)

	s.loopWg.Add(1)
	go s.driveLoop()
}

// driveLoop is the only goroutine touching the core once the server started.
func (s *Server) driveLoop() {
	logger := s.lg
	defer logutil.LogPanicAndExit(logger)
	defer s.loopWg.Done()

	budget := s.cfg.Acceptor.LoopBudget
	for {
		select {
		case <-s.loopCtx.Done():
			logger.Info("server is closed, stop driver loop")
			return
		default:
		}
		s.core.Loop(budget)
		s.snapshot.update(s.core)
	}
}

// Addr returns the address connections are accepted on, or nil if the server never started.
func (s *Server) Addr() net.Addr {
	return s.core.Addr()
}

// StatusAddr returns the address of the status endpoint, or nil if it is disabled.
func (s *Server) StatusAddr() net.Addr {
	return s.statusAddr
}

// Context returns the context of server.
func (s *Server) Context() context.Context {
	return s.ctx
}

// Registry returns the registry holding the server metrics.
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

// IsClosed checks whether server is closed or not.
func (s *Server) IsClosed() bool {
	return !s.started.Load()
}

// Close closes the server.
func (s *Server) Close() {
	if !s.started.Swap(false) {
		// server is already closed
		s.closed.Store(true)
		return
	}
	s.closed.Store(true)

	logger := s.lg
	logger.Info("closing server")

	s.loopCancel()
	s.loopWg.Wait()

	s.stopCore()
	s.dispatcher.Close()
	s.snapshot.update(s.core)
	s.stopStatus()

	logger.Info("server closed")
}

func (s *Server) stopCore() {
	logger := s.lg
	timeout := s.cfg.Acceptor.ShutdownTimeout
	if timeout == 0 {
		s.core.Stop()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.core.Shutdown(ctx); err != nil {
		logger.Warn("connections aborted on shutdown", zap.Duration("shutdown-timeout", timeout), zap.Error(err))
	}
}
