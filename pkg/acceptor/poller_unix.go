//go:build linux || darwin

package acceptor

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

const (
	_readEvents   = unix.POLLIN
	_exceptEvents = unix.POLLPRI // POLLERR and POLLHUP are always reported
)

// poller is a level-triggered readiness multiplexer over a set of descriptors.
// The descriptor set is rebuilt before every wait.
type poller struct {
	fds  []unix.PollFd
	poll func(fds []unix.PollFd, timeout int) (int, error)
}

func newPoller(capacity int) *poller {
	return &poller{
		fds:  make([]unix.PollFd, 0, capacity+1),
		poll: unix.Poll,
	}
}

func (p *poller) reset() {
	p.fds = p.fds[:0]
}

// watchRead adds fd to the read-readiness set.
func (p *poller) watchRead(fd int) {
	p.fds = append(p.fds, unix.PollFd{Fd: int32(fd), Events: _readEvents})
}

// watchExcept adds fd to the exceptional-condition set.
func (p *poller) watchExcept(fd int) {
	if fd < 0 {
		return
	}
	p.fds = append(p.fds, unix.PollFd{Fd: int32(fd), Events: _exceptEvents})
}

// wait blocks for at most timeout and returns the number of ready descriptors.
// An interrupted wait reports nothing ready.
func (p *poller) wait(timeout time.Duration) (int, error) {
	n, err := p.poll(p.fds, timeoutMillis(timeout))
	if err == unix.EINTR {
		return 0, nil
	}
	if err != nil {
		return 0, os.NewSyscallError("poll", err)
	}
	return n, nil
}

// readable reports whether fd was watched for reading and is ready.
func (p *poller) readable(fd int) bool {
	for _, pfd := range p.fds {
		if int(pfd.Fd) != fd || pfd.Events&_readEvents == 0 {
			continue
		}
		return pfd.Revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP) != 0
	}
	return false
}

// timeoutMillis rounds up so that a short positive budget still waits.
func timeoutMillis(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	ms := int((d + time.Millisecond - 1) / time.Millisecond)
	if ms < 0 {
		return 0
	}
	return ms
}
