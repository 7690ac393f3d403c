// Package gradient implements the capability-level gradient table: the
// node's view of which capability lives how far away, reached through
// which next hop.
package gradient

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/llama-farm/atmosphere/internal/embedding"
)

// DefaultCapacity bounds the table's size; the spec's default of 1,000
// entries.
const DefaultCapacity = 1000

// DefaultTTL is how long an entry survives without being refreshed.
const DefaultTTL = 300 * time.Second

// MaxGossipHops bounds how far a capability travels before export_for_gossip
// drops it.
const MaxGossipHops = 5

// Entry is one gradient table row: a capability reachable from this
// node, along with the route confidence implied by its hop count.
type Entry struct {
	CapabilityID    string
	Label           string
	Vector          []float32
	Hops            int
	NextHop         string
	Via             string // originating peer ID, preserved across re-gossip
	EstimatedLatency time.Duration
	LastUpdate      time.Time
}

// Confidence returns 0.95^hops, the hop-penalty decay used both for
// ranking and for eviction scoring.
func (e Entry) Confidence() float64 {
	c := 1.0
	for i := 0; i < e.Hops; i++ {
		c *= 0.95
	}
	return c
}

func (e Entry) ageMinutes(now time.Time) float64 {
	return now.Sub(e.LastUpdate).Minutes()
}

// evictionScore is confidence / (1 + age_minutes); the lowest score is
// evicted first when the table is at capacity.
func (e Entry) evictionScore(now time.Time) float64 {
	return e.Confidence() / (1 + e.ageMinutes(now))
}

// Match is a candidate route returned by FindBestRoute.
type Match struct {
	Entry         Entry
	Similarity    float64
	Adjusted      float64 // Similarity * Confidence
}

// Table is the concurrent-safe gradient table.
type Table struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	entries  map[string]Entry

	dirty  bool
	order  []string // capability IDs in the same row order as matrix
	matrix *mat.Dense
	dim    int
}

// New constructs an empty gradient table. capacity <= 0 uses
// DefaultCapacity; ttl <= 0 uses DefaultTTL.
func New(capacity int, ttl time.Duration, dim int) *Table {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Table{
		capacity: capacity,
		ttl:      ttl,
		entries:  make(map[string]Entry),
		dim:      dim,
	}
}

// Update adopts a new route for capID iff it has strictly fewer hops
// than the existing entry, or the same hops via the same next hop (which
// only refreshes the timestamp). Returns whether the table changed.
func (t *Table) Update(capID, label string, vector []float32, hops int, nextHop, via string, latency time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	existing, ok := t.entries[capID]
	if ok {
		if hops >= existing.Hops && !(hops == existing.Hops && nextHop == existing.NextHop) {
			return false
		}
		if hops == existing.Hops && nextHop == existing.NextHop {
			existing.LastUpdate = now
			t.entries[capID] = existing
			return true
		}
	}

	t.entries[capID] = Entry{
		CapabilityID:     capID,
		Label:            label,
		Vector:           vector,
		Hops:             hops,
		NextHop:          nextHop,
		Via:              via,
		EstimatedLatency: latency,
		LastUpdate:       now,
	}
	t.dirty = true
	t.evictIfFullLocked(now)
	return true
}

// evictIfFullLocked must be called with mu held.
func (t *Table) evictIfFullLocked(now time.Time) {
	if len(t.entries) <= t.capacity {
		return
	}
	var worstID string
	var worstScore float64
	first := true
	for id, e := range t.entries {
		score := e.evictionScore(now)
		if first || score < worstScore {
			worstID, worstScore, first = id, score, false
		}
	}
	if worstID != "" {
		delete(t.entries, worstID)
		t.dirty = true
	}
}

// Remove deletes a capability entry outright.
func (t *Table) Remove(capID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[capID]; ok {
		delete(t.entries, capID)
		t.dirty = true
	}
}

// InvalidateNode drops every entry whose next hop is nodeID, called when
// that peer is lost.
func (t *Table) InvalidateNode(nodeID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, e := range t.entries {
		if e.NextHop == nodeID {
			delete(t.entries, id)
			removed++
		}
	}
	if removed > 0 {
		t.dirty = true
	}
	return removed
}

// PruneExpired removes entries whose TTL has elapsed.
func (t *Table) PruneExpired() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	removed := 0
	for id, e := range t.entries {
		if now.Sub(e.LastUpdate) > t.ttl {
			delete(t.entries, id)
			removed++
		}
	}
	if removed > 0 {
		t.dirty = true
	}
	return removed
}

// FindBestRoute rebuilds the similarity matrix if dirty, ranks entries by
// similarity*confidence, and returns the top match if it clears minScore.
func (t *Table) FindBestRoute(intentVec []float32, minScore float64) (Match, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.dirty {
		t.rebuildLocked()
	}
	if len(t.order) == 0 {
		return Match{}, false
	}

	scores := embedding.Mv(intentVec, t.matrix)

	var best Match
	found := false
	for i, capID := range t.order {
		e := t.entries[capID]
		adjusted := scores[i] * e.Confidence()
		better := !found || adjusted > best.Adjusted
		if found && adjusted == best.Adjusted {
			// Ties: higher raw similarity, then fewer hops, then lower origin node ID.
			switch {
			case scores[i] != best.Similarity:
				better = scores[i] > best.Similarity
			case e.Hops != best.Entry.Hops:
				better = e.Hops < best.Entry.Hops
			default:
				better = e.Via < best.Entry.Via
			}
		}
		if better {
			best = Match{Entry: e, Similarity: scores[i], Adjusted: adjusted}
			found = true
		}
	}
	if !found || best.Adjusted < minScore {
		return Match{}, false
	}
	return best, true
}

func (t *Table) rebuildLocked() {
	order := make([]string, 0, len(t.entries))
	vectors := make([][]float32, 0, len(t.entries))
	for id, e := range t.entries {
		order = append(order, id)
		vectors = append(vectors, e.Vector)
	}
	t.order = order
	t.matrix = embedding.BuildMatrix(vectors, t.dim)
	t.dirty = false
}

// ExportForGossip returns non-expired entries with hops <= maxHops,
// suitable for inclusion in an outgoing announcement. maxHops <= 0 uses
// MaxGossipHops.
func (t *Table) ExportForGossip(maxHops int) []Entry {
	if maxHops <= 0 {
		maxHops = MaxGossipHops
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		if e.Hops > maxHops {
			continue
		}
		if now.Sub(e.LastUpdate) > t.ttl {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Len reports the current entry count (test/metrics use).
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
