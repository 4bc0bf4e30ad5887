// Package registry keeps track of the open devices by ID and maintains a
// register cache for each of them.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mrf-timing/mrfaccess/pkg/memaccess"
)

var ErrDuplicateDevice = errors.New("device ID is already in use")

type Registry struct {
	mu      sync.Mutex
	devices map[string]memaccess.ConsistentMemoryAccess
	caches  map[string]*Cache
}

func New() *Registry {
	return &Registry{
		devices: make(map[string]memaccess.ConsistentMemoryAccess),
		caches:  make(map[string]*Cache),
	}
}

// Register adds a device under id and creates its cache.
func (r *Registry) Register(id string, dev memaccess.ConsistentMemoryAccess) error {
	if id == "" {
		return errors.New("device ID must not be empty")
	}
	if dev == nil {
		return fmt.Errorf("device %q is nil", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[id]; ok {
		return fmt.Errorf("cannot register %q: %w", id, ErrDuplicateDevice)
	}
	r.devices[id] = dev
	r.caches[id] = NewCache(dev)
	return nil
}

func (r *Registry) Device(id string) (memaccess.ConsistentMemoryAccess, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[id]
	return dev, ok
}

func (r *Registry) Cache(id string) (*Cache, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.caches[id]
	return c, ok
}

// IDs returns the registered device IDs in sorted order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
