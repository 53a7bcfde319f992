package ws

import (
	"sync"
)

// room is the local membership of one broadcast group. mu is held for the
// whole of a delivery so every member sees deliveries in the same order and
// a join or leave lands strictly before or after a delivery.
type room struct {
	mu    sync.Mutex
	conns map[string]Conn
}

func newRoom() *room { return &room{conns: map[string]Conn{}} }

func (r *room) add(c Conn) {
	r.mu.Lock()
	r.conns[c.ID()] = c
	r.mu.Unlock()
}

// remove reports whether c was a member.
func (r *room) remove(c Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c.ID()]; !ok {
		return false
	}
	delete(r.conns, c.ID())
	return true
}

func (r *room) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// broadcast queues msg on every member and returns the ones that could not
// take it.
func (r *room) broadcast(msg []byte) []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	var failed []Conn
	for _, c := range r.conns {
		if err := c.Send(msg); err != nil {
			failed = append(failed, c)
		}
	}
	return failed
}
