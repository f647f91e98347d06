package acceptor

// gate records that an inbound connection is waiting in the listener backlog
// for a free slot.
//
// The signal channel has a capacity of one and never carries the connection itself,
// it only wakes a worker that waits for capacity. Slot availability is always
// re-derived from the slot array.
type gate struct {
	pending bool
	ch      chan struct{}
}

func newGate() *gate {
	return &gate{ch: make(chan struct{}, 1)}
}

// raise marks a connection as pending and notifies a waiting worker.
// It returns false if the gate is already raised.
func (g *gate) raise() bool {
	if g.pending {
		return false
	}
	g.pending = true
	select {
	case g.ch <- struct{}{}:
	default:
	}
	return true
}

// clear lowers the gate and drains the signal channel.
func (g *gate) clear() {
	g.pending = false
	select {
	case <-g.ch:
	default:
	}
}

func (g *gate) raised() bool {
	return g.pending
}

func (g *gate) signal() <-chan struct{} {
	return g.ch
}
