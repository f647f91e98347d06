package acceptor

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

var errFakeAccept = errors.New("fake accept failure")

// fakeConn accepts a real socket and otherwise does what the test tells it to.
type fakeConn struct {
	ln      Listener
	headers *Header

	failAccept bool
	// closeAfter is the number of Close calls needed before the connection reports closed.
	closeAfter int32

	mu  sync.Mutex
	rwc net.Conn
	fd  atomic.Int64

	terminated atomic.Bool
	closed     atomic.Bool
	aborted    atomic.Bool
	closeCalls atomic.Int32
	steps      atomic.Int32

	serving chan struct{}
	done    chan struct{}
	yielded atomic.Bool
}

func newFakeConn() *fakeConn {
	c := &fakeConn{
		closeAfter: 1,
		serving:    make(chan struct{}),
		done:       make(chan struct{}),
	}
	c.fd.Store(-1)
	return c
}

func (c *fakeConn) Initialize(ln Listener, headers *Header) {
	c.ln = ln
	c.headers = headers
}

func (c *fakeConn) Accept() error {
	if c.failAccept {
		c.terminated.Store(true)
		return errFakeAccept
	}
	rwc, err := c.ln.Accept()
	if err != nil {
		c.terminated.Store(true)
		return err
	}
	raw, err := rwc.(syscall.Conn).SyscallConn()
	if err != nil {
		_ = rwc.Close()
		c.terminated.Store(true)
		return err
	}
	_ = raw.Control(func(fd uintptr) {
		c.fd.Store(int64(fd))
	})
	c.mu.Lock()
	c.rwc = rwc
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Step() {
	c.steps.Add(1)
}

func (c *fakeConn) Serve(ctx context.Context, pending <-chan struct{}) {
	close(c.serving)
	defer c.release()
	select {
	case <-ctx.Done():
	case <-pending:
		c.yielded.Store(true)
	case <-c.done:
	}
}

// finish makes the connection report terminated, ending Serve if it runs.
func (c *fakeConn) finish() {
	close(c.done)
	c.release()
}

func (c *fakeConn) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rwc != nil {
		_ = c.rwc.Close()
	}
	c.fd.Store(-1)
	c.closed.Store(true)
	c.terminated.Store(true)
}

func (c *fakeConn) IsTerminated() bool {
	return c.terminated.Load()
}

func (c *fakeConn) Close() {
	if c.closeCalls.Add(1) >= c.closeAfter {
		c.release()
	}
}

func (c *fakeConn) IsClosed() bool {
	return c.closed.Load()
}

func (c *fakeConn) Abort() {
	c.aborted.Store(true)
	c.release()
}

func (c *fakeConn) Fd() int {
	return int(c.fd.Load())
}

// fakeFactory records every connection it creates.
type fakeFactory struct {
	mu      sync.Mutex
	conns   []*fakeConn
	prepare func(i int, c *fakeConn)
}

func (f *fakeFactory) newConn() Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := newFakeConn()
	if f.prepare != nil {
		f.prepare(len(f.conns), c)
	}
	f.conns = append(f.conns, c)
	return c
}

func (f *fakeFactory) created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *fakeFactory) conn(i int) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[i]
}

func newTestServer(t *testing.T, n int, dispatcher Dispatcher, metrics *Metrics) (*Server, *fakeFactory) {
	f := &fakeFactory{}
	cfg := Config{
		BindAddress:    "127.0.0.1",
		MaxConnections: n,
	}
	s := NewServer(cfg, f.newConn, dispatcher, metrics, zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel)))
	return s, f
}

func startTestServer(t *testing.T, s *Server) {
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
}

// dial opens a client connection to s, closed when the test ends.
func dial(t *testing.T, s *Server) net.Conn {
	c, err := net.DialTimeout("tcp", s.Addr().String(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.Close()
	})
	return c
}

// loopUntil drives s until cond holds, failing the test after a few seconds.
func loopUntil(t *testing.T, s *Server, cond func() bool) {
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached while looping")
		}
		s.Loop(10 * time.Millisecond)
	}
}
