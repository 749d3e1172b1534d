package cache

import (
	"encoding/binary"
	"math"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// PredictionCache stores prediction outputs keyed by a hash of their inputs.
type PredictionCache interface {
	// Get retrieves the outputs stored for key.
	Get(key uint64) (map[string][]float32, bool)
	// Put stores outputs for key.
	Put(key uint64, outputs map[string][]float32)
	// Size returns the number of items in the cache.
	Size() int
}

// Key hashes an input map. Names are visited in sorted order, each followed
// by its value count and the bit patterns of its values, so equal maps hash
// equally regardless of iteration order.
func Key(inputs map[string][]float32) uint64 {
	names := make([]string, 0, len(inputs))
	for name := range inputs {
		names = append(names, name)
	}
	sort.Strings(names)

	d := xxhash.New()
	var buf [8]byte
	for _, name := range names {
		_, _ = d.WriteString(name)
		vals := inputs[name]
		binary.LittleEndian.PutUint64(buf[:], uint64(len(vals)))
		_, _ = d.Write(buf[:])
		for _, v := range vals {
			binary.LittleEndian.PutUint32(buf[:4], math.Float32bits(v))
			_, _ = d.Write(buf[:4])
		}
	}
	return d.Sum64()
}

// MapCache is an in-memory PredictionCache. When capacity is positive the
// oldest entries are evicted first.
type MapCache struct {
	mu       sync.RWMutex
	data     map[uint64]map[string][]float32
	order    []uint64
	capacity int
}

// NewMapCache creates a cache holding at most capacity entries; zero or
// less means unbounded.
func NewMapCache(capacity int) *MapCache {
	return &MapCache{
		data:     make(map[uint64]map[string][]float32),
		capacity: capacity,
	}
}

func (c *MapCache) Get(key uint64) (map[string][]float32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Return copy to avoid modification of cached value
	if v, ok := c.data[key]; ok {
		return clone(v), true
	}
	return nil, false
}

func (c *MapCache) Put(key uint64, outputs map[string][]float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.data[key]; !ok {
		c.order = append(c.order, key)
	}
	c.data[key] = clone(outputs)
	for c.capacity > 0 && len(c.order) > c.capacity {
		delete(c.data, c.order[0])
		c.order = c.order[1:]
	}
}

func (c *MapCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

func clone(m map[string][]float32) map[string][]float32 {
	out := make(map[string][]float32, len(m))
	for k, v := range m {
		out[k] = append([]float32(nil), v...)
	}
	return out
}
