package acceptor

import (
	"context"
	"net"
	"sync"
	"time"
)

// Listener hands out pending inbound connections. Accept never blocks; it returns
// ErrNoPendingConnection when the backlog is empty.
type Listener interface {
	Accept() (net.Conn, error)
	Addr() net.Addr
}

// admissionListener is the Listener handed to one admitted connection.
// It records when the connection's first Accept returned.
type admissionListener struct {
	Listener
	once sync.Once
	done chan struct{}
}

func newAdmissionListener(l Listener) *admissionListener {
	return &admissionListener{Listener: l, done: make(chan struct{})}
}

func (l *admissionListener) Accept() (net.Conn, error) {
	defer l.once.Do(func() {
		close(l.done)
	})
	return l.Listener.Accept()
}

func (l *admissionListener) accepted() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// wait blocks until Accept returned or deadline passed.
func (l *admissionListener) wait(deadline time.Time) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-l.done:
	case <-timer.C:
	}
}

// Conn is the per-connection protocol logic owned by a slot.
// The server never inspects its internals.
type Conn interface {
	// Initialize is called once, right after the Conn is installed into a slot.
	// headers is a private snapshot of the server's default headers.
	Initialize(ln Listener, headers *Header)

	// Accept takes one connection from the listener. After a failed Accept
	// the connection reports terminated.
	Accept() error

	// Step performs one bounded unit of work. Used by the cooperative dispatcher only,
	// and must not block indefinitely.
	Step()

	// Serve runs the connection until it terminates. Used by the worker dispatcher only.
	// pending receives a value when an inbound connection is waiting for a free slot.
	Serve(ctx context.Context, pending <-chan struct{})

	// IsTerminated reports whether the connection is finished and its slot can be reclaimed.
	IsTerminated() bool

	// Close requests a graceful close. It may need to be called more than once
	// before IsClosed reports true.
	Close()
	IsClosed() bool

	// Fd returns the socket descriptor, or -1 if there is none.
	Fd() int
}

// aborter is implemented by connections that can be released forcibly.
type aborter interface {
	Abort()
}

// NewConnFunc creates a new, uninitialized Conn.
type NewConnFunc func() Conn

// destroy releases everything a connection holds.
func destroy(c Conn) {
	if a, ok := c.(aborter); ok {
		a.Abort()
		return
	}
	c.Close()
}
