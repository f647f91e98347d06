package acceptor

import (
	"sync"
)

// Header is an ordered name -> value mapping attached to every admitted connection.
// Setting an existing name overwrites its value in place; names are never removed.
// It is safe for concurrent use.
type Header struct {
	mu     sync.RWMutex
	names  []string
	values map[string]string
}

// NewHeader creates an empty Header.
func NewHeader() *Header {
	return &Header{values: make(map[string]string)}
}

// Set adds a header, or overwrites the value of an existing one keeping its position.
func (h *Header) Set(name, value string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.values == nil {
		h.values = make(map[string]string)
	}
	if _, ok := h.values[name]; !ok {
		h.names = append(h.names, name)
	}
	h.values[name] = value
}

// Get returns the value of the named header.
func (h *Header) Get(name string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	v, ok := h.values[name]
	return v, ok
}

// Len returns the number of headers.
func (h *Header) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.names)
}

// Each calls fn for every header in insertion order.
func (h *Header) Each(fn func(name, value string)) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, name := range h.names {
		fn(name, h.values[name])
	}
}

// Clone returns an independent copy. Later changes to h are not visible in the copy.
func (h *Header) Clone() *Header {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c := &Header{
		names:  make([]string, len(h.names)),
		values: make(map[string]string, len(h.values)),
	}
	copy(c.names, h.names)
	for k, v := range h.values {
		c.values[k] = v
	}
	return c
}
