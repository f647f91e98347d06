//go:build linux || darwin

package acceptor

import (
	"net"
	"os"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var (
	// ErrNoPendingConnection is returned by Listener.Accept when the backlog is empty.
	ErrNoPendingConnection = errors.New("no pending connection")
	// ErrListenerClosed is returned by Listener.Accept after the listener is torn down.
	ErrListenerClosed = errors.New("listener closed")
)

// listener is a non-blocking TCP listening socket with an explicit backlog.
type listener struct {
	fd   atomic.Int64
	addr *net.TCPAddr
}

// listen creates, binds and puts a socket into the listening state.
// On any failure the socket is closed.
func listen(bindAddress string, port uint16, backlog int) (*listener, error) {
	ip := net.ParseIP(bindAddress)
	if ip == nil {
		return nil, errors.Errorf("invalid bind address `%s`", bindAddress)
	}
	family, sa := sockaddr(ip, port)

	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, errors.Wrap(os.NewSyscallError("socket", err), "create socket")
	}
	unix.CloseOnExec(fd)

	addr, err := setupSocket(fd, sa, backlog)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	l := &listener{addr: addr}
	l.fd.Store(int64(fd))
	return l, nil
}

func setupSocket(fd int, sa unix.Sockaddr, backlog int) (*net.TCPAddr, error) {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return nil, errors.Wrap(os.NewSyscallError("setsockopt", err), "set SO_REUSEADDR")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, errors.Wrap(os.NewSyscallError("setnonblock", err), "set non-blocking")
	}
	if err := unix.Bind(fd, sa); err != nil {
		return nil, errors.Wrap(os.NewSyscallError("bind", err), "bind socket")
	}
	if err := unix.Listen(fd, backlog); err != nil {
		return nil, errors.Wrap(os.NewSyscallError("listen", err), "listen on socket")
	}
	bound, err := unix.Getsockname(fd)
	if err != nil {
		return nil, errors.Wrap(os.NewSyscallError("getsockname", err), "get bound address")
	}
	return tcpAddr(bound), nil
}

func sockaddr(ip net.IP, port uint16) (int, unix.Sockaddr) {
	if ip4 := ip.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: int(port)}
		copy(sa.Addr[:], ip4)
		return unix.AF_INET, sa
	}
	sa := &unix.SockaddrInet6{Port: int(port)}
	copy(sa.Addr[:], ip.To16())
	return unix.AF_INET6, sa
}

func tcpAddr(sa unix.Sockaddr) *net.TCPAddr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), sa.Addr[:]...)), Port: sa.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), sa.Addr[:]...)), Port: sa.Port}
	default:
		return &net.TCPAddr{}
	}
}

// Accept takes one connection from the backlog without blocking.
// It may be called from worker goroutines.
func (l *listener) Accept() (net.Conn, error) {
	fd := int(l.fd.Load())
	if fd < 0 {
		return nil, ErrListenerClosed
	}

	nfd, _, err := unix.Accept(fd)
	if err != nil {
		switch err {
		case unix.EAGAIN:
			return nil, ErrNoPendingConnection
		case unix.EBADF, unix.EINVAL:
			return nil, ErrListenerClosed
		default:
			return nil, errors.Wrap(os.NewSyscallError("accept", err), "accept connection")
		}
	}
	unix.CloseOnExec(nfd)
	if err := unix.SetNonblock(nfd, true); err != nil {
		_ = unix.Close(nfd)
		return nil, errors.Wrap(os.NewSyscallError("setnonblock", err), "set accepted socket non-blocking")
	}

	// net.FileConn dups the descriptor, the accepted one is closed right after.
	f := os.NewFile(uintptr(nfd), "accepted")
	c, err := net.FileConn(f)
	_ = f.Close()
	if err != nil {
		return nil, errors.Wrap(err, "wrap accepted socket")
	}
	return c, nil
}

func (l *listener) Addr() net.Addr {
	return l.addr
}

// Fd returns the listening descriptor, or -1 once closed.
func (l *listener) Fd() int {
	return int(l.fd.Load())
}

func (l *listener) close() error {
	fd := int(l.fd.Swap(-1))
	if fd < 0 {
		return nil
	}
	return os.NewSyscallError("close", unix.Close(fd))
}
