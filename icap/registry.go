package icap

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// PeerCounter tracks open requests per peer IP. It is safe for concurrent
// use.
type PeerCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

// Enter takes a slot for ip. It reports false, without taking a slot, when
// max > 0 and ip already holds max slots.
func (c *PeerCounter) Enter(ip string, max int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = make(map[string]int)
	}
	if max > 0 && c.counts[ip] >= max {
		return false
	}
	c.counts[ip]++
	return true
}

// Leave releases a slot taken by Enter.
func (c *PeerCounter) Leave(ip string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts[ip] <= 1 {
		delete(c.counts, ip)
		return
	}
	c.counts[ip]--
}

// Count returns the slots held by ip.
func (c *PeerCounter) Count(ip string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[ip]
}

type registration struct {
	path  string
	svc   Service
	cfg   *ServiceConfig
	peers PeerCounter
}

// Registry maps service paths to services and owns their per-peer
// counters. Register services before serving: the map itself is not
// guarded, so registration must not run concurrently with requests.
type Registry struct {
	services map[string]*registration
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{services: make(map[string]*registration)}
}

// Register adds svc under path. A leading slash is ignored.
func (r *Registry) Register(path string, svc Service) error {
	path = strings.TrimPrefix(path, "/")
	if path == "" || path == "*" {
		return fmt.Errorf("icap: invalid service path %q", path)
	}
	if _, dup := r.services[path]; dup {
		return fmt.Errorf("icap: service path %q already registered", path)
	}
	cfg := svc.Config()
	if cfg == nil {
		return fmt.Errorf("icap: service %q has no config", path)
	}
	if cfg.Name == "" {
		cfg.Name = path
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	r.services[path] = &registration{path: path, svc: svc, cfg: cfg}
	return nil
}

// Lookup returns the service registered under path.
func (r *Registry) Lookup(path string) (Service, bool) {
	reg, ok := r.services[path]
	if !ok {
		return nil, false
	}
	return reg.svc, true
}

// SupportsPreview implements PreviewResolver.
func (r *Registry) SupportsPreview(path string) bool {
	if r == nil {
		return false
	}
	reg, ok := r.services[path]
	return ok && reg.cfg.SupportsPreview()
}

// Active returns the number of requests ip has open against the service at
// path.
func (r *Registry) Active(path, ip string) int {
	reg, ok := r.services[path]
	if !ok {
		return 0
	}
	return reg.peers.Count(ip)
}

// Paths returns the registered paths in sorted order.
func (r *Registry) Paths() []string {
	paths := make([]string, 0, len(r.services))
	for p := range r.services {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func (r *Registry) lookup(path string) (*registration, bool) {
	if r == nil {
		return nil, false
	}
	reg, ok := r.services[path]
	return reg, ok
}
