package conn

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/bytedance/gopkg/lang/mcache"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/AutoMQ/acceptor/pkg/acceptor"
	"github.com/AutoMQ/acceptor/pkg/util/traceutil"
)

// ErrClosed is returned by Accept when the connection was closed before it accepted anything.
var ErrClosed = errors.New("connection closed")

const (
	stateNew int32 = iota
	stateOpen
	stateClosing
	stateClosed
)

var (
	_headTerminator = []byte("\r\n\r\n")
	_connClose      = []byte("connection: close")
)

// Config is the configuration of a Conn.
type Config struct {
	// IdleTimeout closes a connection which received nothing for this long. Zero disables it.
	IdleTimeout time.Duration
	// StepTimeout bounds the read performed by one Step.
	StepTimeout time.Duration
	// PollInterval bounds each read of the Serve loop.
	PollInterval time.Duration
	// WriteTimeout bounds writing one response.
	WriteTimeout time.Duration
	// HandshakeTimeout bounds the TLS handshake performed by Accept.
	HandshakeTimeout time.Duration
	// BufferSize is the largest request head accepted.
	BufferSize int

	Status int
	Body   []byte

	// TLS enables TLS when not nil.
	TLS *tls.Config
}

// Conn answers every request head it receives with a fixed response carrying the
// default headers. It does not parse requests beyond locating the end of each head.
type Conn struct {
	cfg     Config
	ln      acceptor.Listener
	headers *acceptor.Header

	// mu guards state transitions racing between the server goroutine and a worker.
	mu      sync.Mutex
	state   atomic.Int32
	fd      atomic.Int64
	serving bool

	rwc        net.Conn
	closeOnce  sync.Once
	buf        []byte
	n          int
	lastActive time.Time

	lg *zap.Logger
}

// New creates a connection waiting to be initialized and accepted.
func New(cfg Config, logger *zap.Logger) *Conn {
	c := &Conn{cfg: cfg, lg: logger}
	c.fd.Store(-1)
	return c
}

// Factory returns a constructor usable by acceptor.NewServer.
func Factory(cfg Config, logger *zap.Logger) acceptor.NewConnFunc {
	return func() acceptor.Conn {
		return New(cfg, logger)
	}
}

func (c *Conn) Initialize(ln acceptor.Listener, headers *acceptor.Header) {
	c.ln = ln
	c.headers = headers
}

func (c *Conn) Accept() error {
	rwc, err := c.ln.Accept()
	if err != nil {
		c.mu.Lock()
		c.state.Store(stateClosed)
		c.mu.Unlock()
		return errors.Wrap(err, "accept from listener")
	}

	fd, err := socketFd(rwc)
	if err == nil && c.cfg.TLS != nil {
		rwc, err = c.handshake(rwc)
	}
	if err != nil {
		_ = rwc.Close()
		c.mu.Lock()
		c.state.Store(stateClosed)
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Load() != stateNew {
		_ = rwc.Close()
		return ErrClosed
	}
	c.rwc = rwc
	c.buf = mcache.Malloc(c.cfg.BufferSize)
	c.n = 0
	c.lastActive = time.Now()
	c.lg = c.lg.With(zap.String("remote-addr", rwc.RemoteAddr().String()))
	c.fd.Store(int64(fd))
	c.state.Store(stateOpen)
	c.lg.Debug("connection accepted", zap.Int("fd", fd))
	return nil
}

func (c *Conn) handshake(rwc net.Conn) (net.Conn, error) {
	tlsConn := tls.Server(rwc, c.cfg.TLS)
	ctx := context.Background()
	if c.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
		defer cancel()
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return rwc, errors.Wrap(err, "tls handshake")
	}
	c.lg.Debug("tls handshake done", zap.Bool("resumed", tlsConn.ConnectionState().DidResume))
	return tlsConn, nil
}

func socketFd(rwc net.Conn) (int, error) {
	sc, ok := rwc.(syscall.Conn)
	if !ok {
		return -1, errors.Errorf("connection %T exposes no socket", rwc)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, errors.Wrap(err, "get raw connection")
	}
	fd := -1
	err = raw.Control(func(s uintptr) {
		fd = int(s)
	})
	if err != nil {
		return -1, errors.Wrap(err, "get socket descriptor")
	}
	return fd, nil
}

// Step reads what is available within StepTimeout and answers complete request heads.
func (c *Conn) Step() {
	if c.state.Load() != stateOpen {
		return
	}
	err := c.readOnce(c.cfg.StepTimeout)
	if !c.handleReadError(err) {
		c.release()
	}
}

// Serve reads and answers requests until the connection is closed, the peer goes away,
// the connection idles out, or ctx is done. After a poll interval without input, a
// pending admission makes the connection give its slot up.
func (c *Conn) Serve(ctx context.Context, pending <-chan struct{}) {
	c.mu.Lock()
	if c.state.Load() != stateOpen {
		c.mu.Unlock()
		return
	}
	c.serving = true
	c.mu.Unlock()
	defer c.release()

	logger := traceutil.Logger(ctx, c.lg)
	for c.state.Load() == stateOpen {
		select {
		case <-ctx.Done():
			logger.Debug("stop serving connection", zap.Error(ctx.Err()))
			return
		default:
		}

		err := c.readOnce(c.cfg.PollInterval)
		// nothing arrived for a whole poll interval, a partial head included
		if isTimeout(err) {
			select {
			case <-pending:
				logger.Info("idle connection yields its slot to a pending one")
				return
			default:
			}
		}
		if !c.handleReadError(err) {
			return
		}
	}
}

// readOnce reads once with the given deadline and answers every complete request head.
func (c *Conn) readOnce(timeout time.Duration) error {
	if err := c.rwc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	// Close may have interrupted the read before the deadline above was set
	if c.state.Load() != stateOpen {
		return errClosing
	}
	n, err := c.rwc.Read(c.buf[c.n:])
	if n > 0 {
		c.n += n
		c.lastActive = time.Now()
		if rerr := c.respond(); rerr != nil {
			return rerr
		}
	}
	return err
}

// handleReadError reports whether the connection should stay open.
func (c *Conn) handleReadError(err error) bool {
	logger := c.lg
	switch {
	case err == nil:
		return c.state.Load() == stateOpen
	case isTimeout(err):
		if c.cfg.IdleTimeout > 0 && time.Since(c.lastActive) > c.cfg.IdleTimeout {
			logger.Debug("connection idle timeout", zap.Duration("idle-timeout", c.cfg.IdleTimeout))
			return false
		}
		return c.state.Load() == stateOpen
	case errors.Is(err, io.EOF):
		logger.Debug("connection closed by peer")
		return false
	case errors.Is(err, errCloseRequested), errors.Is(err, errClosing):
		return false
	default:
		if c.state.Load() == stateOpen {
			logger.Warn("connection failed", zap.Error(err))
		}
		return false
	}
}

var (
	errClosing        = errors.New("connection closing")
	errCloseRequested = errors.New("close requested by client")
	errHeadTooLarge   = errors.New("request head too large")
)

// respond answers every complete request head in the buffer and compacts it.
func (c *Conn) respond() error {
	for {
		idx := bytes.Index(c.buf[:c.n], _headTerminator)
		if idx < 0 {
			if c.n == len(c.buf) {
				return errHeadTooLarge
			}
			return nil
		}
		keepAlive := !bytes.Contains(bytes.ToLower(c.buf[:idx]), _connClose)
		if err := c.writeResponse(keepAlive); err != nil {
			return errors.Wrap(err, "write response")
		}
		end := idx + len(_headTerminator)
		copy(c.buf, c.buf[end:c.n])
		c.n -= end
		if !keepAlive {
			return errCloseRequested
		}
	}
}

func (c *Conn) writeResponse(keepAlive bool) error {
	w := mcache.Malloc(0, 512)
	defer mcache.Free(w)

	b := append(w, "HTTP/1.1 "...)
	b = strconv.AppendInt(b, int64(c.cfg.Status), 10)
	b = append(b, ' ')
	b = append(b, http.StatusText(c.cfg.Status)...)
	b = append(b, "\r\n"...)
	c.headers.Each(func(name, value string) {
		b = append(b, name...)
		b = append(b, ": "...)
		b = append(b, value...)
		b = append(b, "\r\n"...)
	})
	b = append(b, "Content-Length: "...)
	b = strconv.AppendInt(b, int64(len(c.cfg.Body)), 10)
	b = append(b, "\r\n"...)
	if !keepAlive {
		b = append(b, "Connection: close\r\n"...)
	}
	b = append(b, "\r\n"...)
	b = append(b, c.cfg.Body...)

	if c.cfg.WriteTimeout > 0 {
		if err := c.rwc.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
			return err
		}
	}
	_, err := c.rwc.Write(b)
	return err
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsTerminated reports whether the connection is finished.
func (c *Conn) IsTerminated() bool {
	return c.state.Load() == stateClosed
}

// Close requests the connection to close. If a Serve loop owns the socket, the loop
// is interrupted and finishes the close itself, so IsClosed may turn true only later.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state.Load() {
	case stateClosed:
		return
	case stateNew:
		c.state.Store(stateClosed)
		return
	}
	if c.serving {
		c.state.Store(stateClosing)
		_ = c.rwc.SetReadDeadline(time.Now())
		return
	}
	c.releaseLocked()
}

// IsClosed reports whether the socket is closed.
func (c *Conn) IsClosed() bool {
	return c.state.Load() == stateClosed
}

// Abort closes the socket right away. A running Serve loop still frees the buffer when it returns.
func (c *Conn) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state.Load() {
	case stateClosed:
		return
	case stateNew:
		c.state.Store(stateClosed)
		return
	}
	if c.serving {
		c.state.Store(stateClosing)
		c.closeSocket()
		return
	}
	c.releaseLocked()
}

// Fd returns the socket descriptor, or -1.
func (c *Conn) Fd() int {
	return int(c.fd.Load())
}

func (c *Conn) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseLocked()
}

func (c *Conn) releaseLocked() {
	if c.state.Load() == stateClosed {
		return
	}
	c.closeSocket()
	if c.buf != nil {
		mcache.Free(c.buf)
		c.buf = nil
	}
	c.fd.Store(-1)
	c.serving = false
	c.lg.Debug("connection closed")
	c.state.Store(stateClosed)
}

func (c *Conn) closeSocket() {
	c.closeOnce.Do(func() {
		if err := c.rwc.Close(); err != nil {
			c.lg.Debug("failed to close socket", zap.Error(err))
		}
	})
}
