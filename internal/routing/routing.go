// Package routing implements the transport-level routing table: the
// node's view of the best way to reach a destination node over a given
// transport kind.
package routing

import (
	"math"
	"sync"
	"time"
)

// Kind identifies a transport substrate a route runs over.
type Kind string

const (
	KindLAN    Kind = "lan"
	KindRelay  Kind = "relay"
	KindLibP2P Kind = "libp2p"
)

// DefaultStaleness is how long a route is trusted without a refresh.
const DefaultStaleness = 5 * time.Minute

// costReplaceFactor allows a slightly worse-cost route to replace an
// existing one if it is more recently confirmed, matching the spec's
// "new.cost <= 1.1 x existing.cost AND more recent" rule.
const costReplaceFactor = 1.1

// DefaultDegradeFactor is how much a route's reliability is multiplied
// by on each observed send failure, matching the original
// implementation's per-destination reliability decay on repeated send
// failure (distinct from the health-probe-driven reliability updates).
const DefaultDegradeFactor = 0.7

// minReliability floors reliability so Cost never divides by zero and a
// degraded route can still recover once sends succeed again.
const minReliability = 0.1

// Entry is one (destination, transport) routing table row.
type Entry struct {
	Destination      string
	Transport        Kind
	NextHop          string
	Hops             int
	Latency          time.Duration
	Reliability      float64 // 0..1
	BandwidthEstimate float64
	LastUpdate       time.Time
	Capabilities     []string
}

// Cost computes (0.6*min(1, lat_ms/1000) + 0.4*min(1, hops/10)) / max(0.1, reliability).
func (e Entry) Cost() float64 {
	latTerm := math.Min(1, float64(e.Latency.Milliseconds())/1000.0)
	hopTerm := math.Min(1, float64(e.Hops)/10.0)
	reliability := math.Max(0.1, e.Reliability)
	return (0.6*latTerm + 0.4*hopTerm) / reliability
}

func (e Entry) isStale(now time.Time, staleness time.Duration) bool {
	return now.Sub(e.LastUpdate) > staleness
}

// key uniquely identifies a routing table row.
type key struct {
	dest      string
	transport Kind
}

// Table is the concurrent-safe transport-level routing table.
type Table struct {
	mu        sync.Mutex
	staleness time.Duration
	entries   map[key]Entry
}

// New constructs an empty routing table. staleness <= 0 uses DefaultStaleness.
func New(staleness time.Duration) *Table {
	if staleness <= 0 {
		staleness = DefaultStaleness
	}
	return &Table{staleness: staleness, entries: make(map[key]Entry)}
}

// Upsert inserts or replaces the (destination, transport) entry per the
// replacement rule: a new route replaces the existing one iff its cost
// is strictly lower, or its cost is within 1.1x and it is more recent;
// otherwise only the existing entry's timestamp is bumped. Returns
// whether the table changed.
func (t *Table) Upsert(e Entry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key{dest: e.Destination, transport: e.Transport}
	existing, ok := t.entries[k]
	if !ok {
		t.entries[k] = e
		return true
	}

	newCost := e.Cost()
	existingCost := existing.Cost()
	if newCost < existingCost || (newCost <= costReplaceFactor*existingCost && e.LastUpdate.After(existing.LastUpdate)) {
		t.entries[k] = e
		return true
	}

	if e.LastUpdate.After(existing.LastUpdate) {
		existing.LastUpdate = e.LastUpdate
		t.entries[k] = existing
	}
	return false
}

// GetBestRoute scans all transports to dest and returns the
// lowest-cost, non-stale entry.
func (t *Table) GetBestRoute(dest string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	var best Entry
	found := false
	for k, e := range t.entries {
		if k.dest != dest {
			continue
		}
		if e.isStale(now, t.staleness) {
			continue
		}
		if !found || e.Cost() < best.Cost() {
			best, found = e, true
		}
	}
	return best, found
}

// RemovePeer deletes every entry whose next hop is peerID.
func (t *Table) RemovePeer(peerID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for k, e := range t.entries {
		if e.NextHop == peerID {
			delete(t.entries, k)
			removed++
		}
	}
	return removed
}

// CleanupStale removes every entry older than the configured staleness.
func (t *Table) CleanupStale() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	removed := 0
	for k, e := range t.entries {
		if e.isStale(now, t.staleness) {
			delete(t.entries, k)
			removed++
		}
	}
	return removed
}

// DegradeReliability penalizes the (dest, transport) entry's reliability
// by factor (<=0 uses DefaultDegradeFactor) after an observed send
// failure on that route, without removing it -- a still-connected but
// increasingly unreliable transport naturally loses GetBestRoute's
// preference instead of being torn down outright. Returns false if no
// such entry exists yet.
func (t *Table) DegradeReliability(dest string, transport Kind, factor float64, now time.Time) bool {
	if factor <= 0 {
		factor = DefaultDegradeFactor
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key{dest: dest, transport: transport}
	e, ok := t.entries[k]
	if !ok {
		return false
	}
	e.Reliability = math.Max(minReliability, e.Reliability*factor)
	e.LastUpdate = now
	t.entries[k] = e
	return true
}

// Len reports the current entry count.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
