// Package embedding turns text into fixed-dimension, L2-normalized
// vectors, with a bounded cache so repeated intents and capability
// descriptions are embedded once per process lifetime.
package embedding

import (
	"context"
	"fmt"
	"math"
	"sync"
)

// DefaultDimension is the vector width used when none is configured,
// matching common sentence-embedding models.
const DefaultDimension = 768

// DefaultCacheCapacity is the bounded cache's default entry count.
const DefaultCacheCapacity = 1000

// cacheKeyPrefixLen is how many leading runes of the input text key the
// cache, per the spec's "first 200 characters" rule.
const cacheKeyPrefixLen = 200

// Backend produces raw (pre-normalization) embedding vectors for text.
// Swappable so the engine is never wired to one specific inference API.
type Backend interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// Engine embeds text and batches of text, caching results for the
// process's lifetime. A Backend failure during Embed/EmbedBatch is
// returned to the caller; the engine never substitutes a zero vector.
type Engine struct {
	backend Backend
	cache   *fifoCache
}

// New constructs an Engine. cacheCapacity <= 0 uses DefaultCacheCapacity.
func New(backend Backend, cacheCapacity int) *Engine {
	if cacheCapacity <= 0 {
		cacheCapacity = DefaultCacheCapacity
	}
	return &Engine{backend: backend, cache: newFIFOCache(cacheCapacity)}
}

// Embed returns text's embedding vector, normalizing to unit length when
// normalize is true. Identical text returns a cached, identical result
// for the remainder of the process's lifetime.
func (e *Engine) Embed(ctx context.Context, text string, normalize bool) ([]float32, error) {
	key := cacheKey(text)
	if v, ok := e.cache.get(key); ok {
		return v, nil
	}

	raw, err := e.backend.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding: backend failed: %w", err)
	}

	vec := raw
	if normalize {
		vec = normalizeVec(raw)
	}
	e.cache.put(key, vec)
	return vec, nil
}

// EmbedBatch embeds every text in texts, stopping at the first backend
// failure.
func (e *Engine) EmbedBatch(ctx context.Context, texts []string, normalize bool) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t, normalize)
		if err != nil {
			return nil, fmt.Errorf("embedding: batch item %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// Dimension returns the backend's vector width.
func (e *Engine) Dimension() int {
	return e.backend.Dimension()
}

func cacheKey(text string) string {
	r := []rune(text)
	if len(r) > cacheKeyPrefixLen {
		r = r[:cacheKeyPrefixLen]
	}
	return string(r)
}

func normalizeVec(v []float32) []float32 {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	norm := math.Sqrt(sumSq)
	if norm == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// fifoCache is a bounded, first-inserted-evicted cache keyed on string
// prefixes. Modeled on the teacher's bounded in-memory maps (relay's
// TokenStore, peermanager's connection maps): a mutex-guarded map plus an
// insertion-ordered queue of keys to know what to evict first.
type fifoCache struct {
	mu       sync.Mutex
	capacity int
	data     map[string][]float32
	order    []string
}

func newFIFOCache(capacity int) *fifoCache {
	return &fifoCache{
		capacity: capacity,
		data:     make(map[string][]float32, capacity),
	}
}

func (c *fifoCache) get(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok
}

func (c *fifoCache) put(key string, v []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.data[key]; exists {
		c.data[key] = v
		return
	}
	if len(c.order) >= c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.data, oldest)
	}
	c.data[key] = v
	c.order = append(c.order, key)
}
