package acceptor

// slotPool is a fixed array of connection slots, addressed by index.
// It is only ever touched from the goroutine driving the Server.
type slotPool struct {
	slots []Conn
}

func newSlotPool(n int) *slotPool {
	return &slotPool{slots: make([]Conn, n)}
}

// reclaim destroys every occupant which reports terminated, and returns the lowest free index (-1 if none).
// It also returns how many slots were reclaimed.
func (p *slotPool) reclaim() (free int, reclaimed int) {
	free = -1
	for i, c := range p.slots {
		if c != nil && c.IsTerminated() {
			destroy(c)
			p.slots[i] = nil
			reclaimed++
		}
		if p.slots[i] == nil && free == -1 {
			free = i
		}
	}
	return
}

// findFree returns the lowest free index, or -1.
func (p *slotPool) findFree() int {
	for i, c := range p.slots {
		if c == nil {
			return i
		}
	}
	return -1
}

func (p *slotPool) install(idx int, c Conn) {
	if p.slots[idx] != nil {
		panic("internal error: slot is already occupied")
	}
	p.slots[idx] = c
}

// release destroys the occupant of a slot, if any, and marks it empty.
func (p *slotPool) release(idx int) {
	if c := p.slots[idx]; c != nil {
		destroy(c)
		p.slots[idx] = nil
	}
}

// drop marks a slot empty without touching its occupant.
func (p *slotPool) drop(idx int) {
	p.slots[idx] = nil
}

// each calls fn for every occupied slot, in index order.
func (p *slotPool) each(fn func(idx int, c Conn)) {
	for i, c := range p.slots {
		if c != nil {
			fn(i, c)
		}
	}
}

func (p *slotPool) occupied() int {
	n := 0
	for _, c := range p.slots {
		if c != nil {
			n++
		}
	}
	return n
}

func (p *slotPool) capacity() int {
	return len(p.slots)
}
