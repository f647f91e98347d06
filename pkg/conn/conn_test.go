package conn

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/AutoMQ/acceptor/pkg/acceptor"
	"github.com/AutoMQ/acceptor/pkg/util/testutil/tlsutil"
)

const _request = "GET / HTTP/1.1\r\nHost: localhost\r\n\r\n"

func testConfig() Config {
	return Config{
		IdleTimeout:  5 * time.Second,
		StepTimeout:  time.Millisecond,
		PollInterval: 10 * time.Millisecond,
		WriteTimeout: time.Second,
		BufferSize:   1024,
		Status:       http.StatusOK,
		Body:         []byte("hello"),
	}
}

// driver runs an acceptor.Server on its own goroutine, the way pkg/server does.
type driver struct {
	s       *acceptor.Server
	metrics *acceptor.Metrics
	stop    chan struct{}
	done    chan struct{}
}

func startDriver(t *testing.T, cfg Config, mode string, n int, headers ...string) *driver {
	re := require.New(t)
	logger := zap.NewNop()

	metrics, err := acceptor.NewMetrics(prometheus.NewRegistry())
	re.NoError(err)
	dispatcher, err := acceptor.NewDispatcher(context.Background(), mode, acceptor.WorkerConfig{Limit: n}, logger)
	re.NoError(err)

	s := acceptor.NewServer(acceptor.Config{BindAddress: "127.0.0.1", MaxConnections: n},
		Factory(cfg, logger), dispatcher, metrics, logger)
	for i := 0; i+1 < len(headers); i += 2 {
		s.SetDefaultHeader(headers[i], headers[i+1])
	}
	re.NoError(s.Start())

	d := &driver{s: s, metrics: metrics, stop: make(chan struct{}), done: make(chan struct{})}
	addr := s.Addr().String()
	go func() {
		defer close(d.done)
		for {
			select {
			case <-d.stop:
				d.s.Stop()
				return
			default:
			}
			d.s.Loop(5 * time.Millisecond)
		}
	}()
	t.Cleanup(func() {
		close(d.stop)
		<-d.done
		dispatcher.Close()
	})
	t.Logf("server listening on %s", addr)
	return d
}

func (d *driver) addr() string {
	return d.s.Addr().String()
}

func (d *driver) occupied() int {
	return int(testutil.ToFloat64(d.metrics.SlotsOccupied))
}

func dial(t *testing.T, addr string) net.Conn {
	c, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.Close()
	})
	return c
}

func roundTrip(t *testing.T, c net.Conn, br *bufio.Reader, req string) (*http.Response, string) {
	re := require.New(t)
	re.NoError(c.SetDeadline(time.Now().Add(3 * time.Second)))
	_, err := io.WriteString(c, req)
	re.NoError(err)
	resp, err := http.ReadResponse(br, nil)
	re.NoError(err)
	body, err := io.ReadAll(resp.Body)
	re.NoError(err)
	re.NoError(resp.Body.Close())
	return resp, string(body)
}

// waitClosed reads until the server closes or resets the connection.
func waitClosed(t *testing.T, c net.Conn) {
	re := require.New(t)
	re.NoError(c.SetReadDeadline(time.Now().Add(3 * time.Second)))
	_, err := io.Copy(io.Discard, c)
	re.False(isTimeout(err), "connection still open")
}

func TestResponse(t *testing.T) {
	t.Parallel()

	for _, mode := range []string{acceptor.ModeCooperative, acceptor.ModeWorker} {
		mode := mode
		t.Run(mode, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			d := startDriver(t, testConfig(), mode, 2, "Server", "acceptor", "X-Frame-Options", "DENY")
			c := dial(t, d.addr())

			want := "HTTP/1.1 200 OK\r\n" +
				"Server: acceptor\r\n" +
				"X-Frame-Options: DENY\r\n" +
				"Content-Length: 5\r\n" +
				"\r\n" +
				"hello"
			re.NoError(c.SetDeadline(time.Now().Add(3 * time.Second)))
			_, err := io.WriteString(c, _request)
			re.NoError(err)
			got := make([]byte, len(want))
			_, err = io.ReadFull(c, got)
			re.NoError(err)
			re.Equal(want, string(got))

			// keep-alive
			br := bufio.NewReader(c)
			resp, body := roundTrip(t, c, br, _request)
			re.Equal(http.StatusOK, resp.StatusCode)
			re.Equal("hello", body)
			re.Equal(1, d.occupied())
		})
	}
}

func TestPipelinedRequests(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	d := startDriver(t, testConfig(), acceptor.ModeCooperative, 1)
	c := dial(t, d.addr())
	br := bufio.NewReader(c)

	re.NoError(c.SetDeadline(time.Now().Add(3 * time.Second)))
	_, err := io.WriteString(c, strings.Repeat(_request, 3))
	re.NoError(err)
	for i := 0; i < 3; i++ {
		resp, err := http.ReadResponse(br, nil)
		re.NoError(err)
		body, err := io.ReadAll(resp.Body)
		re.NoError(err)
		re.Equal("hello", string(body))
	}
}

func TestConnectionClose(t *testing.T) {
	t.Parallel()

	for _, mode := range []string{acceptor.ModeCooperative, acceptor.ModeWorker} {
		mode := mode
		t.Run(mode, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			d := startDriver(t, testConfig(), mode, 1)
			c := dial(t, d.addr())
			br := bufio.NewReader(c)

			resp, body := roundTrip(t, c, br, "GET / HTTP/1.1\r\nHost: localhost\r\nConnection: Close\r\n\r\n")
			re.True(resp.Close)
			re.Equal("hello", body)
			waitClosed(t, c)
			re.Eventually(func() bool { return d.occupied() == 0 }, 3*time.Second, 5*time.Millisecond)
		})
	}
}

func TestPeerClose(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	d := startDriver(t, testConfig(), acceptor.ModeCooperative, 1)
	c := dial(t, d.addr())
	re.Eventually(func() bool { return d.occupied() == 1 }, 3*time.Second, 5*time.Millisecond)

	re.NoError(c.Close())
	re.Eventually(func() bool { return d.occupied() == 0 }, 3*time.Second, 5*time.Millisecond)

	// the slot is usable again
	c2 := dial(t, d.addr())
	_, body := roundTrip(t, c2, bufio.NewReader(c2), _request)
	re.Equal("hello", body)
}

func TestIdleTimeout(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		mode string
		sent string
	}{
		{name: "silent cooperative", mode: acceptor.ModeCooperative},
		{name: "silent worker", mode: acceptor.ModeWorker},
		{name: "partial head cooperative", mode: acceptor.ModeCooperative, sent: "G"},
		{name: "partial head worker", mode: acceptor.ModeWorker, sent: "GET / HTTP/1.1\r\nHost: loc"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			cfg := testConfig()
			cfg.IdleTimeout = 50 * time.Millisecond
			d := startDriver(t, cfg, tt.mode, 1)
			c := dial(t, d.addr())

			start := time.Now()
			if tt.sent != "" {
				_, err := io.WriteString(c, tt.sent)
				re.NoError(err)
			}
			waitClosed(t, c)
			re.GreaterOrEqual(time.Since(start), cfg.IdleTimeout)
			re.Eventually(func() bool { return d.occupied() == 0 }, 3*time.Second, 5*time.Millisecond)
		})
	}
}

func TestHeadTooLarge(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	cfg := testConfig()
	cfg.BufferSize = 64
	d := startDriver(t, cfg, acceptor.ModeCooperative, 1)
	c := dial(t, d.addr())

	_, err := io.WriteString(c, "GET /"+strings.Repeat("a", 128))
	re.NoError(err)
	waitClosed(t, c)
}

func TestIdleWorkerYields(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	d := startDriver(t, testConfig(), acceptor.ModeWorker, 1)
	first := dial(t, d.addr())
	_, body := roundTrip(t, first, bufio.NewReader(first), _request)
	re.Equal("hello", body)

	// the second connection waits for the slot, the idle first one gives it up
	second := dial(t, d.addr())
	waitClosed(t, first)
	_, body = roundTrip(t, second, bufio.NewReader(second), _request)
	re.Equal("hello", body)
}

func TestIdleWorkersKeepSlots(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	d := startDriver(t, testConfig(), acceptor.ModeWorker, 2)
	first := dial(t, d.addr())
	firstReader := bufio.NewReader(first)
	_, body := roundTrip(t, first, firstReader, _request)
	re.Equal("hello", body)

	second := dial(t, d.addr())
	secondReader := bufio.NewReader(second)
	_, body = roundTrip(t, second, secondReader, _request)
	re.Equal("hello", body)

	// both stay idle for several poll intervals and keep their slots
	time.Sleep(100 * time.Millisecond)
	re.Equal(2, d.occupied())
	re.Zero(testutil.ToFloat64(d.metrics.AdmissionDeferrals))
	re.Equal(float64(2), testutil.ToFloat64(d.metrics.Admissions))

	_, body = roundTrip(t, first, firstReader, _request)
	re.Equal("hello", body)
	_, body = roundTrip(t, second, secondReader, _request)
	re.Equal("hello", body)
}

func TestTLS(t *testing.T) {
	t.Parallel()

	for _, mode := range []string{acceptor.ModeCooperative, acceptor.ModeWorker} {
		mode := mode
		t.Run(mode, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			cfg := testConfig()
			cfg.HandshakeTimeout = 3 * time.Second
			cfg.TLS = &tls.Config{Certificates: []tls.Certificate{tlsutil.SelfSigned(t)}}
			d := startDriver(t, cfg, mode, 1, "Strict-Transport-Security", "max-age=300")

			c, err := tls.DialWithDialer(&net.Dialer{Timeout: time.Second}, "tcp", d.addr(),
				&tls.Config{InsecureSkipVerify: true}) //nolint:gosec
			re.NoError(err)
			defer c.Close()

			resp, body := roundTrip(t, c, bufio.NewReader(c), _request)
			re.Equal("hello", body)
			re.Equal("max-age=300", resp.Header.Get("Strict-Transport-Security"))
		})
	}
}

// stubListener hands out connections from a net.Listener without blocking.
type stubListener struct {
	l *net.TCPListener
}

func (s stubListener) Accept() (net.Conn, error) {
	_ = s.l.SetDeadline(time.Now().Add(100 * time.Millisecond))
	c, err := s.l.Accept()
	if isTimeout(err) {
		return nil, acceptor.ErrNoPendingConnection
	}
	return c, err
}

func (s stubListener) Addr() net.Addr {
	return s.l.Addr()
}

func newStubListener(t *testing.T) stubListener {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = l.Close()
	})
	return stubListener{l: l.(*net.TCPListener)}
}

func TestAcceptEmptyBacklog(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	c := New(testConfig(), zap.NewNop())
	c.Initialize(newStubListener(t), acceptor.NewHeader())
	re.Equal(-1, c.Fd())
	re.False(c.IsTerminated())

	err := c.Accept()
	re.ErrorIs(err, acceptor.ErrNoPendingConnection)
	re.True(c.IsTerminated())
	re.True(c.IsClosed())
	re.Equal(-1, c.Fd())
}

func TestCloseBeforeAccept(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	ln := newStubListener(t)
	client := dial(t, ln.Addr().String())

	c := New(testConfig(), zap.NewNop())
	c.Initialize(ln, acceptor.NewHeader())
	c.Close()
	re.True(c.IsClosed())

	re.ErrorIs(c.Accept(), ErrClosed)
	waitClosed(t, client)
}

func TestCloseAndAbort(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		close func(c *Conn)
	}{
		{"close", (*Conn).Close},
		{"abort", (*Conn).Abort},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			ln := newStubListener(t)
			client := dial(t, ln.Addr().String())

			c := New(testConfig(), zap.NewNop())
			c.Initialize(ln, acceptor.NewHeader())
			re.NoError(c.Accept())
			re.GreaterOrEqual(c.Fd(), 0)

			tt.close(c)
			re.True(c.IsClosed())
			re.True(c.IsTerminated())
			re.Equal(-1, c.Fd())
			waitClosed(t, client)

			// repeated calls are no-ops
			c.Close()
			c.Abort()
			c.Step()
		})
	}
}

func TestCloseWhileServing(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		close func(c *Conn)
	}{
		{"close", (*Conn).Close},
		{"abort", (*Conn).Abort},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			ln := newStubListener(t)
			client := dial(t, ln.Addr().String())

			cfg := testConfig()
			cfg.PollInterval = time.Hour
			c := New(cfg, zap.NewNop())
			c.Initialize(ln, acceptor.NewHeader())
			re.NoError(c.Accept())

			done := make(chan struct{})
			go func() {
				defer close(done)
				c.Serve(context.Background(), nil)
			}()
			_, body := roundTrip(t, client, bufio.NewReader(client), _request)
			re.Equal("hello", body)

			tt.close(c)
			select {
			case <-done:
			case <-time.After(3 * time.Second):
				t.Fatal("serve loop did not stop")
			}
			re.True(c.IsClosed())
			waitClosed(t, client)
		})
	}
}

func TestServeContextDone(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	ln := newStubListener(t)
	client := dial(t, ln.Addr().String())

	c := New(testConfig(), zap.NewNop())
	c.Initialize(ln, acceptor.NewHeader())
	re.NoError(c.Accept())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.Serve(ctx, nil)
	re.True(c.IsTerminated())
	waitClosed(t, client)
}
