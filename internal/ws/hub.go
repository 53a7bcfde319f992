package ws

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Conn is a live subscriber the hub delivers frames to.
type Conn interface {
	ID() string
	// Send queues a frame without blocking.
	Send(msg []byte) error
	Close() error
}

// Hub keeps the local member set per broadcast group and relays broadcasts
// through the backbone so members attached to other processes get them too.
type Hub struct {
	mu       sync.RWMutex
	rooms    map[string]*room // group -> *room
	backbone Backbone
}

// NewHub builds a hub whose backbone delivers into it.
func NewHub(newBackbone func(deliver DeliverFunc) Backbone) *Hub {
	h := &Hub{rooms: make(map[string]*room)}
	h.backbone = newBackbone(h.deliver)
	return h
}

// Join attaches the process to the group's backbone traffic and then adds c
// to the local members. Frames broadcast before Join returns are not
// guaranteed to reach c.
func (h *Hub) Join(ctx context.Context, group string, c Conn) error {
	if err := h.backbone.Attach(ctx, group); err != nil {
		return err
	}
	h.mu.Lock()
	r, ok := h.rooms[group]
	if !ok {
		r = newRoom()
		h.rooms[group] = r
	}
	r.add(c)
	h.mu.Unlock()
	return nil
}

// Leave removes c from the group. Leaving a group c is not in is a no-op.
func (h *Hub) Leave(group string, c Conn) {
	if h.remove(group, c) {
		h.backbone.Detach(group)
	}
}

// remove reports whether c was a member of group.
func (h *Hub) remove(group string, c Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[group]
	if !ok {
		return false
	}
	removed := r.remove(c)
	if r.size() == 0 {
		delete(h.rooms, group)
	}
	return removed
}

// Broadcast publishes payload to every member of group on every process.
func (h *Hub) Broadcast(ctx context.Context, group string, payload []byte) error {
	return h.backbone.Publish(ctx, group, payload)
}

// Members returns the number of local members of group.
func (h *Hub) Members(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if r, ok := h.rooms[group]; ok {
		return r.size()
	}
	return 0
}

func (h *Hub) Close() error { return h.backbone.Close() }

// deliver hands a backbone frame to the local members of group. Members that
// cannot keep up are dropped and closed.
func (h *Hub) deliver(group string, payload []byte) {
	h.mu.RLock()
	r, ok := h.rooms[group]
	h.mu.RUnlock()
	if !ok {
		return
	}
	for _, c := range r.broadcast(payload) {
		zap.L().Warn("ws.member_dropped", zap.String("group", group), zap.String("conn", c.ID()))
		if h.remove(group, c) {
			// deliver may run on the backbone's reader, which Detach
			// can wait for.
			go h.backbone.Detach(group)
		}
		_ = c.Close()
	}
}
