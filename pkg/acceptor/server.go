package acceptor

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const _defaultSweepInterval = time.Millisecond

// Config is the configuration of a Server.
type Config struct {
	Port           uint16
	BindAddress    string
	MaxConnections int
	// SweepInterval is the pause between two close sweeps during shutdown.
	SweepInterval time.Duration
}

// Server accepts connections into a fixed number of slots.
//
// Except for IsRunning and SetDefaultHeader, methods must be called from a single goroutine,
// the one driving Loop.
type Server struct {
	cfg Config

	running  atomic.Bool
	listener *listener

	slots  *slotPool
	gate   *gate
	poller *poller
	// admissions holds the listener handed to each slot's occupant, indexed like slots.
	admissions []*admissionListener

	headers    *Header
	newConn    NewConnFunc
	dispatcher Dispatcher
	metrics    *Metrics

	lg *zap.Logger
}

// NewServer creates a stopped server. It panics if cfg.MaxConnections is not positive.
func NewServer(cfg Config, newConn NewConnFunc, dispatcher Dispatcher, metrics *Metrics, logger *zap.Logger) *Server {
	if cfg.MaxConnections <= 0 {
		panic("max connections must be positive")
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = _defaultSweepInterval
	}
	metrics.setCapacity(cfg.MaxConnections)
	return &Server{
		cfg:        cfg,
		slots:      newSlotPool(cfg.MaxConnections),
		admissions: make([]*admissionListener, cfg.MaxConnections),
		gate:       newGate(),
		poller:     newPoller(cfg.MaxConnections),
		headers:    NewHeader(),
		newConn:    newConn,
		dispatcher: dispatcher,
		metrics:    metrics,
		lg:         logger.With(zap.String("dispatch", dispatcher.Name())),
	}
}

// Start binds the listener. It is a no-op if the server is already running.
// On failure the listener is left unbound and Start may be called again.
func (s *Server) Start() error {
	logger := s.lg
	if s.running.Load() {
		return nil
	}

	l, err := listen(s.cfg.BindAddress, s.cfg.Port, s.cfg.MaxConnections)
	if err != nil {
		logger.Error("failed to set up listener", zap.String("bind-address", s.cfg.BindAddress),
			zap.Uint16("port", s.cfg.Port), zap.Error(err))
		return errors.Wrap(err, "set up listener")
	}
	s.listener = l
	s.running.Store(true)
	logger.Info("server started", zap.String("addr", l.Addr().String()), zap.Int("max-connections", s.cfg.MaxConnections))
	return nil
}

// IsRunning reports whether the listener is bound.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Addr returns the bound listener address, or nil if the server is not running.
func (s *Server) Addr() net.Addr {
	if !s.running.Load() || s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// SetDefaultHeader adds or overwrites a header handed to connections admitted from now on.
func (s *Server) SetDefaultHeader(name, value string) {
	s.headers.Set(name, value)
}

// DefaultHeaders returns a copy of the default headers.
func (s *Server) DefaultHeaders() *Header {
	return s.headers.Clone()
}

// Capacity returns the number of slots.
func (s *Server) Capacity() int {
	return s.slots.capacity()
}

// Occupied returns the number of slots owning a connection.
func (s *Server) Occupied() int {
	return s.slots.occupied()
}

// Pending reports whether an inbound connection is waiting for a free slot.
func (s *Server) Pending() bool {
	return s.gate.raised()
}

// Loop runs one scheduling round: it reclaims terminated connections, admits at most one
// connection, and waits up to budget for the listener or a connection socket to become ready.
// It returns what is left of budget.
func (s *Server) Loop(budget time.Duration) time.Duration {
	if !s.running.Load() {
		time.Sleep(budget)
		return 0
	}
	logger := s.lg
	start := time.Now()

	free, reclaimed := s.slots.reclaim()
	if reclaimed > 0 {
		s.metrics.reclaimed(reclaimed)
		logger.Debug("reclaimed terminated connections", zap.Int("count", reclaimed))
	}

	s.poller.reset()
	s.slots.each(func(_ int, c Conn) {
		s.dispatcher.Step(c)
		if !c.IsTerminated() {
			// wake up on abrupt peer closure
			s.poller.watchExcept(c.Fd())
		}
	})

	deadline := start.Add(budget)
	admitted := false
	if s.gate.raised() && free >= 0 {
		s.startConnection(free, deadline)
		admitted = true
		// the slot just consumed may hide another one freed in the same round
		free = s.slots.findFree()
	}

	// the backlog still holds the connection of an admission whose accept is in flight
	lfd := s.listener.Fd()
	if !s.gate.raised() && !s.acceptInFlight() {
		s.poller.watchRead(lfd)
	}

	n, err := s.poller.wait(time.Until(deadline))
	if err != nil {
		logger.Warn("failed to poll sockets", zap.Error(err))
		time.Sleep(time.Until(deadline))
	}

	if n > 0 && s.poller.readable(lfd) {
		switch {
		case free < 0:
			if s.gate.raise() {
				s.metrics.deferred()
				logger.Debug("no free slot, admission deferred")
			}
		case !admitted:
			s.startConnection(free, deadline)
		default:
			// one admission per round, the connection stays in the backlog until the next one
		}
	}
	s.metrics.setOccupied(s.slots.occupied())

	remaining := budget - time.Since(start)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// startConnection admits a connection into slot idx. On failure the slot is rolled back.
// It waits until deadline at most for the connection to take its socket from the backlog.
func (s *Server) startConnection(idx int, deadline time.Time) {
	logger := s.lg
	s.gate.clear()

	c := s.newConn()
	s.slots.install(idx, c)
	al := newAdmissionListener(s.listener)
	s.admissions[idx] = al
	c.Initialize(al, s.headers.Clone())

	if err := s.dispatcher.Dispatch(c, s.gate.signal()); err != nil {
		s.slots.release(idx)
		s.admissions[idx] = nil
		reason := ReasonAccept
		if s.dispatcher.Name() == ModeWorker {
			reason = ReasonDispatch
		}
		s.metrics.failed(reason)
		logger.Warn("failed to start connection", zap.Int("slot", idx), zap.String("reason", reason), zap.Error(err))
		return
	}
	s.metrics.admitted()
	al.wait(deadline)
	logger.Debug("connection admitted", zap.Int("slot", idx), zap.Int("fd", c.Fd()))
}

// acceptInFlight reports whether a live connection has not returned from its listener Accept yet.
func (s *Server) acceptInFlight() bool {
	inFlight := false
	s.slots.each(func(idx int, c Conn) {
		if al := s.admissions[idx]; al != nil && !al.accepted() && !c.IsTerminated() {
			inFlight = true
		}
	})
	return inFlight
}

// Stop closes every connection, waiting as long as it takes for each of them to
// acknowledge, then tears down the listener. It is a no-op if the server is not running.
func (s *Server) Stop() {
	_ = s.Shutdown(context.Background())
}

// Shutdown is like Stop, but once ctx is done the remaining connections are aborted
// and ctx.Err() is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	logger := s.lg
	if !s.running.Swap(false) {
		return nil
	}
	logger.Info("start to stop server", zap.Int("occupied", s.slots.occupied()))

	var err error
	for sweep := 0; ; sweep++ {
		open := s.sweep()
		if open == 0 {
			break
		}
		if ctx.Err() != nil {
			err = ctx.Err()
			forced := s.abortAll()
			s.metrics.forced(forced)
			logger.Warn("shutdown deadline reached, connections aborted", zap.Int("count", forced), zap.Int("sweeps", sweep))
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(s.cfg.SweepInterval):
		}
	}
	s.gate.clear()
	s.metrics.setOccupied(0)

	if cerr := s.listener.close(); cerr != nil {
		logger.Warn("failed to close listener", zap.Error(cerr))
	}
	logger.Info("server stopped", zap.Error(err))
	return err
}

// sweep asks every connection to close and drops those which did. It returns the number still open.
func (s *Server) sweep() int {
	open := 0
	s.slots.each(func(idx int, c Conn) {
		c.Close()
		if c.IsClosed() {
			s.slots.drop(idx)
			return
		}
		open++
	})
	return open
}

func (s *Server) abortAll() int {
	n := 0
	s.slots.each(func(idx int, _ Conn) {
		s.slots.release(idx)
		n++
	})
	return n
}
