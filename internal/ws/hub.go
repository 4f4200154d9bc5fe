package ws

import (
	"context"
	"sync"
)

// AllApps subscribes to events of every application.
const AllApps = "*"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans deployment events out to subscribers keyed by application name.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	done      chan struct{}
	closeOnce sync.Once
}

type message struct {
	app     string
	payload []byte
}

type subscription struct {
	app    string
	client Subscriber
}

// NewHub starts a hub. It runs until ctx is cancelled or Close is called.
func NewHub(ctx context.Context) *Hub {
	ctx, cancel := context.WithCancel(ctx)
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, 64),
		done:      make(chan struct{}),
	}
	go func() {
		<-ctx.Done()
		h.Close()
	}()
	go h.run(cancel)
	return h
}

func (h *Hub) run(cancel context.CancelFunc) {
	defer cancel()
	defer h.closeAll()
	for {
		select {
		case <-h.done:
			return
		case sub := <-h.register:
			if _, ok := h.clients[sub.app]; !ok {
				h.clients[sub.app] = make(map[Subscriber]struct{})
			}
			h.clients[sub.app][sub.client] = struct{}{}
		case sub := <-h.unreg:
			h.drop(sub.app, sub.client)
		case msg := <-h.broadcast:
			h.deliver(msg.app, msg.payload)
			if msg.app != AllApps {
				h.deliver(AllApps, msg.payload)
			}
		}
	}
}

func (h *Hub) deliver(app string, payload []byte) {
	for c := range h.clients[app] {
		if err := c.Send(payload); err != nil {
			c.Close()
			h.drop(app, c)
		}
	}
}

func (h *Hub) drop(app string, c Subscriber) {
	clients, ok := h.clients[app]
	if !ok {
		return
	}
	delete(clients, c)
	if len(clients) == 0 {
		delete(h.clients, app)
	}
}

func (h *Hub) closeAll() {
	for app, clients := range h.clients {
		for c := range clients {
			c.Close()
		}
		delete(h.clients, app)
	}
}

// Register adds a client to an application stream, or to every stream with AllApps.
func (h *Hub) Register(app string, client Subscriber) {
	select {
	case h.register <- subscription{app: app, client: client}:
	case <-h.done:
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(app string, client Subscriber) {
	select {
	case h.unreg <- subscription{app: app, client: client}:
	case <-h.done:
	}
}

// Broadcast queues payload for the application's subscribers. It drops the
// message rather than block when the hub is saturated or stopped.
func (h *Hub) Broadcast(app string, payload []byte) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.broadcast <- message{app: app, payload: payload}:
		return true
	case <-h.done:
		return false
	default:
		return false
	}
}

// Close stops the hub and disconnects every subscriber.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}
