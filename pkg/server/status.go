package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/AutoMQ/acceptor/pkg/acceptor"
)

// Status is the body of GET /status.
type Status struct {
	Running  bool   `json:"running"`
	Dispatch string `json:"dispatch"`
	Capacity int    `json:"capacity"`
	Occupied int    `json:"occupied"`
	Pending  bool   `json:"pending"`
	Addr     string `json:"addr,omitempty"`
	TLS      bool   `json:"tls"`
	// TicketKeys is the number of session ticket keys able to decrypt tickets.
	TicketKeys int `json:"ticketKeys,omitempty"`
}

// snapshot mirrors the core state. It is written by the goroutine driving the core.
type snapshot struct {
	running  atomic.Bool
	pending  atomic.Bool
	capacity atomic.Int64
	occupied atomic.Int64
}

func (sn *snapshot) update(core *acceptor.Server) {
	sn.running.Store(core.IsRunning())
	sn.pending.Store(core.Pending())
	sn.capacity.Store(int64(core.Capacity()))
	sn.occupied.Store(int64(core.Occupied()))
}

// Status returns the latest known state of the server.
func (s *Server) Status() Status {
	st := Status{
		Running:  s.snapshot.running.Load(),
		Dispatch: s.dispatcher.Name(),
		Capacity: int(s.snapshot.capacity.Load()),
		Occupied: int(s.snapshot.occupied.Load()),
		Pending:  s.snapshot.pending.Load(),
		TLS:      s.cfg.TLS.Enable,
	}
	if addr := s.core.Addr(); addr != nil {
		st.Addr = addr.String()
	}
	if s.tickets != nil {
		st.TicketKeys = s.tickets.KeyCount()
	}
	return st
}

func (s *Server) startStatus() error {
	logger := s.lg
	addr := s.cfg.Status.Addr
	if addr == "" {
		logger.Info("status server disabled")
		return nil
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}
	s.statusAddr = listener.Addr()
	s.statusServer = &http.Server{
		Handler:           s.statusHandler(),
		ReadHeaderTimeout: _statusReadTimeout,
		ErrorLog:          zap.NewStdLog(logger),
	}

	s.statusWg.Add(1)
	go s.serveStatus(listener)
	return nil
}

func (s *Server) serveStatus(listener net.Listener) {
	logger := s.lg.With(zap.String("listener-addr", listener.Addr().String()))
	defer s.statusWg.Done()

	logger.Info("status server started")
	if err := s.statusServer.Serve(listener); err != nil && err != http.ErrServerClosed {
		logger.Error("status server failed", zap.Error(err))
	}
}

func (s *Server) stopStatus() {
	logger := s.lg
	if s.statusServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), _shutdownStatusTimeout)
	defer cancel()
	if err := s.statusServer.Shutdown(ctx); err != nil {
		logger.Warn("failed to shutdown status server", zap.Error(err))
	}
	s.statusWg.Wait()
}

func (s *Server) statusHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/status", s.handleStatus)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		ErrorLog: zap.NewStdLog(s.lg),
	}))
	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Status()); err != nil {
		s.lg.Warn("failed to write status", zap.Error(err))
	}
}
