package registry

import (
	"sync"

	"github.com/mrf-timing/mrfaccess/pkg/memaccess"
)

// Cache remembers the first value read from each register. It serves as the
// source of initial values, so it is never invalidated by writes.
type Cache struct {
	access memaccess.MemoryAccess

	mu       sync.Mutex
	values16 map[uint32]uint16
	values32 map[uint32]uint32
}

func NewCache(access memaccess.MemoryAccess) *Cache {
	return &Cache{
		access:   access,
		values16: make(map[uint32]uint16),
		values32: make(map[uint32]uint32),
	}
}

// ReadUInt16 returns the cached value of a register, reading it from the
// device first if necessary. The device read happens without holding the
// lock, so concurrent misses may read twice; the value stored first wins.
func (c *Cache) ReadUInt16(address uint32) (uint16, error) {
	c.mu.Lock()
	v, ok := c.values16[address]
	c.mu.Unlock()
	if ok {
		return v, nil
	}
	v, err := memaccess.ReadUInt16(c.access, address)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cached, ok := c.values16[address]; ok {
		return cached, nil
	}
	c.values16[address] = v
	return v, nil
}

// ReadUInt32 is the 32-bit form of ReadUInt16. Both widths are cached
// separately.
func (c *Cache) ReadUInt32(address uint32) (uint32, error) {
	c.mu.Lock()
	v, ok := c.values32[address]
	c.mu.Unlock()
	if ok {
		return v, nil
	}
	v, err := memaccess.ReadUInt32(c.access, address)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cached, ok := c.values32[address]; ok {
		return cached, nil
	}
	c.values32[address] = v
	return v, nil
}

// TryCacheUInt16 reads a register into the cache and ignores errors.
func (c *Cache) TryCacheUInt16(address uint32) {
	c.ReadUInt16(address)
}

func (c *Cache) TryCacheUInt32(address uint32) {
	c.ReadUInt32(address)
}

// SnapshotUInt16 returns a copy of the cached 16-bit registers.
func (c *Cache) SnapshotUInt16() map[uint32]uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[uint32]uint16, len(c.values16))
	for a, v := range c.values16 {
		out[a] = v
	}
	return out
}

func (c *Cache) SnapshotUInt32() map[uint32]uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[uint32]uint32, len(c.values32))
	for a, v := range c.values32 {
		out[a] = v
	}
	return out
}
