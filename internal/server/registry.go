package server

import (
	"net"
	"sync"

	"github.com/dcrodman/tapserver/internal/core/client"
)

// registry is a concurrency-safe collection of every client known to the
// server, keyed by connection so that a socket can only be added once.
//
// Other goroutines only ever add to it. Newly added clients are parked on a
// pending list until the bridge loop collects them, and only the loop
// removes clients, which keeps the loop's view of who is active consistent
// with the order in which it processed their traffic.
type registry struct {
	sync.Mutex
	clients map[net.Conn]*client.Client
	pending []*client.Client
	// Zero means unlimited.
	max int
	// Signalled (without blocking) whenever a client is added.
	wake chan struct{}
}

func newRegistry(max int) *registry {
	return &registry{
		clients: make(map[net.Conn]*client.Client),
		max:     max,
		wake:    make(chan struct{}, 1),
	}
}

func (r *registry) add(c *client.Client) error {
	r.Lock()
	if _, ok := r.clients[c.Conn()]; ok {
		r.Unlock()
		return ErrAlreadyRegistered
	}
	if r.max > 0 && len(r.clients) >= r.max {
		r.Unlock()
		return ErrServerFull
	}
	r.clients[c.Conn()] = c
	r.pending = append(r.pending, c)
	r.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
	return nil
}

// takePending returns the clients added since the last call.
func (r *registry) takePending() []*client.Client {
	r.Lock()
	defer r.Unlock()
	if len(r.pending) == 0 {
		return nil
	}
	p := r.pending
	r.pending = nil
	return p
}

func (r *registry) remove(c *client.Client) {
	r.Lock()
	if r.clients[c.Conn()] == c {
		delete(r.clients, c.Conn())
	}
	r.Unlock()
}

// drain empties the registry and returns the clients that were still
// pending, which have not been seen by a bridge loop.
func (r *registry) drain() []*client.Client {
	r.Lock()
	defer r.Unlock()
	p := r.pending
	r.pending = nil
	r.clients = make(map[net.Conn]*client.Client)
	return p
}

func (r *registry) len() int {
	r.Lock()
	defer r.Unlock()
	return len(r.clients)
}
