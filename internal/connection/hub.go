package connection

import (
	"context"
	"sync"
)

// Publisher reports a user's client connectivity. It is implemented by Hub
// and RedisBus and fed by the presence socket and the connectivity endpoint.
type Publisher interface {
	Publish(ctx context.Context, userID string, connected bool) error
}

// Source hands out a Reachability for one user.
type Source interface {
	For(userID string) Reachability
}

// Hub is an in-process Publisher and Source. It remembers each user's last
// known state so a monitor started while the client is already offline
// begins its countdown immediately.
type Hub struct {
	mu    sync.Mutex
	next  int
	subs  map[string]map[int]func(bool)
	state map[string]bool
}

func NewHub() *Hub {
	return &Hub{
		subs:  map[string]map[int]func(bool){},
		state: map[string]bool{},
	}
}

func (h *Hub) Publish(ctx context.Context, userID string, connected bool) error {
	h.mu.Lock()
	h.state[userID] = connected
	fns := make([]func(bool), 0, len(h.subs[userID]))
	for _, fn := range h.subs[userID] {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(connected)
	}
	return nil
}

// Connected returns the last published state for userID.
func (h *Hub) Connected(userID string) (connected, known bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	connected, known = h.state[userID]
	return connected, known
}

func (h *Hub) For(userID string) Reachability {
	return hubReachability{hub: h, userID: userID}
}

type hubReachability struct {
	hub    *Hub
	userID string
}

func (r hubReachability) Subscribe(onChange func(bool)) (func(), error) {
	h := r.hub
	h.mu.Lock()
	id := h.next
	h.next++
	if h.subs[r.userID] == nil {
		h.subs[r.userID] = map[int]func(bool){}
	}
	h.subs[r.userID][id] = onChange
	connected, known := h.state[r.userID]
	h.mu.Unlock()

	if known && !connected {
		onChange(false)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[r.userID], id)
			if len(h.subs[r.userID]) == 0 {
				delete(h.subs, r.userID)
			}
		})
	}, nil
}
