// Package nodes hosts device-node RPC: capability registration,
// permission/foreground gating, and invoke dispatch over the gateway
// bridge.
package nodes

import (
	"sync"
	"time"
)

// Descriptor is a connected node's published surface.
type Descriptor struct {
	NodeID       string          `json:"nodeId"`
	Name         string          `json:"name,omitempty"`
	Platform     string          `json:"platform,omitempty"` // "ios", "android", "macos", ...
	Capabilities []string        `json:"caps"`
	Permissions  map[string]bool `json:"permissions,omitempty"` // capability → granted
	Foreground   bool            `json:"foreground"`
	ConnectedAt  int64           `json:"connectedAtMs"`
}

// HasCapability reports whether the node published a capability.
func (d *Descriptor) HasCapability(cap string) bool {
	for _, c := range d.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Registry tracks connected nodes.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*Descriptor
	now   func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{nodes: make(map[string]*Descriptor), now: time.Now}
}

// Connect registers or replaces a node descriptor.
func (r *Registry) Connect(d Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d.ConnectedAt = r.now().UnixMilli()
	r.nodes[d.NodeID] = &d
}

// Disconnect removes a node.
func (r *Registry) Disconnect(nodeID string) {
	r.mu.Lock()
	delete(r.nodes, nodeID)
	r.mu.Unlock()
}

// Get returns a copy of a node's descriptor.
func (r *Registry) Get(nodeID string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.nodes[nodeID]
	if !ok {
		return Descriptor{}, false
	}
	return *d, true
}

// List returns all connected nodes.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.nodes))
	for _, d := range r.nodes {
		out = append(out, *d)
	}
	return out
}

// SetForeground updates a node's scene phase.
func (r *Registry) SetForeground(nodeID string, fg bool) {
	r.mu.Lock()
	if d, ok := r.nodes[nodeID]; ok {
		d.Foreground = fg
	}
	r.mu.Unlock()
}

// SetPermission records a capability's permission status.
func (r *Registry) SetPermission(nodeID, cap string, granted bool) {
	r.mu.Lock()
	if d, ok := r.nodes[nodeID]; ok {
		if d.Permissions == nil {
			d.Permissions = make(map[string]bool)
		}
		d.Permissions[cap] = granted
	}
	r.mu.Unlock()
}
