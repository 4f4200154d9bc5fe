package proxy

import (
	"context"
	"maps"
	"sync"
)

// Memory is an in-process proxy registry.
type Memory struct {
	mu        sync.Mutex
	hosts     map[string]HostRecord
	listeners map[string]ListenerRecord
	upstreams map[string]UpstreamRecord
	nodes     map[string]map[string]string
}

// NewMemory constructs an empty registry.
func NewMemory() *Memory {
	return &Memory{
		hosts:     make(map[string]HostRecord),
		listeners: make(map[string]ListenerRecord),
		upstreams: make(map[string]UpstreamRecord),
		nodes:     make(map[string]map[string]string),
	}
}

// WireHost stores a host.
func (m *Memory) WireHost(_ context.Context, host HostRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hosts[host.Hostname] = host
	return nil
}

// WireListener stores a listener.
func (m *Memory) WireListener(_ context.Context, listener ListenerRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners[listener.Name] = listener
	return nil
}

// RegisterUpstream stores an upstream.
func (m *Memory) RegisterUpstream(_ context.Context, upstream UpstreamRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upstreams[upstream.Name] = upstream
	return nil
}

// GetRegisteredNodes returns the nodes added for upstream.
func (m *Memory) GetRegisteredNodes(_ context.Context, upstream string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := maps.Clone(m.nodes[upstream])
	if out == nil {
		out = map[string]string{}
	}
	return out, nil
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error {
	return nil
}

// AddNode registers an endpoint, standing in for the discovery sidekick.
func (m *Memory) AddNode(upstream, node, endpoint string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nodes[upstream] == nil {
		m.nodes[upstream] = make(map[string]string)
	}
	m.nodes[upstream][node] = endpoint
}

// Host returns a wired host.
func (m *Memory) Host(hostname string) (HostRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hosts[hostname]
	return h, ok
}

// Listener returns a wired listener.
func (m *Memory) Listener(name string) (ListenerRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listeners[name]
	return l, ok
}

// Upstream returns a registered upstream.
func (m *Memory) Upstream(name string) (UpstreamRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.upstreams[name]
	return u, ok
}
