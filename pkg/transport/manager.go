package transport

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/llama-farm/atmosphere/internal/routing"
	"github.com/llama-farm/atmosphere/internal/telemetry"
)

// RouteSource asks the routing table for the lowest-cost non-stale route
// to a peer so Send can pick the best currently-connected transport.
type RouteSource interface {
	GetBestRoute(destination string) (routing.Entry, bool)
}

// Manager runs every registered transport concurrently per peer, using
// the routing table to pick the best connected transport for each send
// and falling back to the next-best on failure -- "connect ALL, use
// BEST, failover INSTANT" per the transport manager's design.
type Manager struct {
	transports map[Kind]Transport
	routes     RouteSource

	mu        sync.RWMutex
	connected map[string]map[Kind]bool // peerID -> set of transports currently connected

	dispatch Dispatcher
	metrics  *telemetry.Metrics
}

// SetMetrics attaches a metrics sink; nil (the default) disables
// recording entirely, so tests and callers that don't care about
// telemetry pay nothing for it.
func (m *Manager) SetMetrics(metrics *telemetry.Metrics) {
	m.metrics = metrics
}

// Dispatcher demultiplexes inbound bytes by their wire tag: "gossip"
// payloads go to C4, RPC-shaped messages go to the application executor,
// unknown types are dropped with a debug log.
type Dispatcher interface {
	HandleGossip(ctx context.Context, from string, payload []byte)
	HandleRPC(ctx context.Context, from string, msgType string, raw []byte)
}

// NewManager constructs a Manager over the given transports, keyed by Kind.
func NewManager(routes RouteSource, dispatch Dispatcher, transports ...Transport) *Manager {
	m := &Manager{
		transports: make(map[Kind]Transport, len(transports)),
		routes:     routes,
		connected:  make(map[string]map[Kind]bool),
		dispatch:   dispatch,
	}
	for _, t := range transports {
		m.transports[t.Kind()] = t
	}
	return m
}

// Start starts every registered transport, wiring their events back into
// the manager's peer-connection bookkeeping and message demultiplexer.
func (m *Manager) Start(ctx context.Context) error {
	for kind, t := range m.transports {
		kind := kind
		events := Events{
			OnPeerConnected: func(peerID string) {
				m.markConnected(peerID, kind, true)
			},
			OnPeerDisconnected: func(peerID string) {
				m.markConnected(peerID, kind, false)
			},
			OnMessage: func(peerID string, data []byte) {
				m.demux(ctx, peerID, data)
			},
		}
		if err := t.Start(ctx, events); err != nil {
			return fmt.Errorf("transport: start %s: %w", kind, err)
		}
	}
	return nil
}

// Stop stops every registered transport.
func (m *Manager) Stop() error {
	var firstErr error
	for kind, t := range m.transports {
		if err := t.Stop(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("transport: stop %s: %w", kind, err)
		}
	}
	return firstErr
}

func (m *Manager) markConnected(peerID string, kind Kind, connected bool) {
	m.mu.Lock()
	set, ok := m.connected[peerID]
	if !ok {
		set = make(map[Kind]bool)
		m.connected[peerID] = set
	}
	if connected {
		set[kind] = true
	} else {
		delete(set, kind)
	}
	count := 0
	for _, peerSet := range m.connected {
		if peerSet[kind] {
			count++
		}
	}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ConnectedPeers.WithLabelValues(string(kind)).Set(float64(count))
	}
}

// ConnectedKinds returns which transports currently have a live
// connection to peerID.
func (m *Manager) ConnectedKinds(peerID string) []Kind {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Kind, 0, len(m.connected[peerID]))
	for k := range m.connected[peerID] {
		out = append(out, k)
	}
	return out
}

// Connect attempts every registered transport concurrently for peerID and
// keeps whichever succeed.
func (m *Manager) Connect(ctx context.Context, peerID string, hints EndpointHints) {
	var wg sync.WaitGroup
	for kind, t := range m.transports {
		if !t.IsAvailable() {
			continue
		}
		wg.Add(1)
		go func(kind Kind, t Transport) {
			defer wg.Done()
			if err := t.Connect(ctx, peerID, hints); err != nil {
				slog.Debug("transport: connect failed", "transport", kind, "peer", peerID, "error", err)
			}
		}(kind, t)
	}
	wg.Wait()
}

// reliabilityDegrader is implemented by a RouteSource that also tracks
// send-failure-driven reliability decay (internal/routing.Table does).
type reliabilityDegrader interface {
	DegradeReliability(dest string, transport routing.Kind, factor float64, now time.Time) bool
}

// Send picks the lowest-cost non-stale route's transport and sends on it;
// on failure it degrades that route's reliability and retries on each
// other currently-connected transport before surfacing an error.
func (m *Manager) Send(ctx context.Context, peerID string, data []byte) error {
	order := m.transportOrder(peerID)
	if len(order) == 0 {
		return fmt.Errorf("transport: no connected transport to %s", peerID)
	}

	var lastErr error
	for _, kind := range order {
		t, ok := m.transports[kind]
		if !ok {
			continue
		}
		start := time.Now()
		err := t.Send(ctx, peerID, data)
		m.recordSend(kind, start, err)
		if err != nil {
			lastErr = err
			if degrader, ok := m.routes.(reliabilityDegrader); ok {
				degrader.DegradeReliability(peerID, routing.Kind(kind), 0, time.Now())
			}
			continue
		}
		return nil
	}
	return fmt.Errorf("transport: all transports failed for %s: %w", peerID, lastErr)
}

func (m *Manager) recordSend(kind Kind, start time.Time, err error) {
	if m.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.metrics.TransportSendTotal.WithLabelValues(string(kind), result).Inc()
	m.metrics.TransportSendDurationSeconds.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
}

// transportOrder returns the peer's connected transports ordered by the
// routing table's preferred transport first, then any remaining
// connected transports.
func (m *Manager) transportOrder(peerID string) []Kind {
	connected := m.ConnectedKinds(peerID)
	if len(connected) == 0 {
		return nil
	}

	preferred := Kind("")
	if m.routes != nil {
		if entry, ok := m.routes.GetBestRoute(peerID); ok {
			preferred = Kind(entry.Transport)
		}
	}

	order := make([]Kind, 0, len(connected))
	seen := make(map[Kind]bool, len(connected))
	if preferred != "" {
		for _, k := range connected {
			if k == preferred {
				order = append(order, k)
				seen[k] = true
			}
		}
	}
	for _, k := range connected {
		if !seen[k] {
			order = append(order, k)
		}
	}
	return order
}

// Broadcast sends data on every available transport.
func (m *Manager) Broadcast(ctx context.Context, data []byte) error {
	var firstErr error
	for kind, t := range m.transports {
		if !t.IsAvailable() {
			continue
		}
		if err := t.Broadcast(ctx, data); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("transport: broadcast on %s: %w", kind, err)
		}
	}
	return firstErr
}

func (m *Manager) demux(ctx context.Context, peerID string, data []byte) {
	if m.dispatch == nil {
		return
	}
	msgType, ok := peekMessageType(data)
	if !ok {
		slog.Debug("transport: dropping undecodable message", "peer", peerID)
		return
	}
	switch msgType {
	case "gossip", "announce":
		m.dispatch.HandleGossip(ctx, peerID, data)
	case "chat_request", "llm_request", "route_request":
		m.dispatch.HandleRPC(ctx, peerID, msgType, data)
	default:
		slog.Debug("transport: dropping unknown message type", "peer", peerID, "type", msgType)
	}
}

// RouteUpdater is the subset of the routing table a health probe loop
// needs to feed measured latency/reliability back in.
type RouteUpdater interface {
	Upsert(e routing.Entry) bool
}

// HealthProbe is a periodic liveness check run per (peer, connected
// transport) pair, per spec.md §4.6's health-monitoring paragraph: it
// measures round-trip latency without tearing down degraded links, and
// folds the result into the routing table's cost function so routing
// naturally drifts away from a transport that is still connected but
// slow or unreliable.
type HealthProbe struct {
	Interval time.Duration
	Probe    func(ctx context.Context, peerID string, kind Kind) (latencyMs float64, ok bool)
}

// RunHealthProbes probes every currently-connected (peer, transport)
// pair on HealthProbe.Interval until ctx is cancelled, upserting a
// routing entry for each result: a successful probe refreshes latency
// and nudges reliability up, a failed probe degrades it, both without
// ever removing the route outright (CleanupStale handles that based on
// LastUpdate age).
func (m *Manager) RunHealthProbes(ctx context.Context, hp HealthProbe, routes RouteUpdater) {
	if hp.Probe == nil || hp.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(hp.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeAllConnected(ctx, hp, routes)
		}
	}
}

func (m *Manager) probeAllConnected(ctx context.Context, hp HealthProbe, routes RouteUpdater) {
	m.mu.RLock()
	snapshot := make(map[string][]Kind, len(m.connected))
	for peerID, kinds := range m.connected {
		for kind := range kinds {
			snapshot[peerID] = append(snapshot[peerID], kind)
		}
	}
	m.mu.RUnlock()

	for peerID, kinds := range snapshot {
		for _, kind := range kinds {
			latencyMs, ok := hp.Probe(ctx, peerID, kind)
			var prior routing.Entry
			var hadRoute bool
			if m.routes != nil {
				prior, hadRoute = m.routes.GetBestRoute(peerID)
			}
			reliability := 0.5
			if hadRoute && prior.Transport == routing.Kind(kind) {
				reliability = prior.Reliability
			}
			if ok {
				reliability = math.Min(1, reliability+0.1)
			} else {
				reliability = math.Max(0.1, reliability-0.3)
			}
			entry := routing.Entry{
				Destination: peerID,
				Transport:   routing.Kind(kind),
				NextHop:     peerID,
				Latency:     time.Duration(latencyMs) * time.Millisecond,
				Reliability: reliability,
				LastUpdate:  time.Now(),
			}
			if hadRoute && prior.Transport == routing.Kind(kind) {
				entry.Hops = prior.Hops
				entry.Capabilities = prior.Capabilities
			}
			routes.Upsert(entry)

			if m.metrics != nil {
				m.metrics.RouteReliability.WithLabelValues(peerID, string(kind)).Set(reliability)
				m.metrics.RouteLatencySeconds.WithLabelValues(peerID, string(kind)).Set(entry.Latency.Seconds())
			}
		}
	}
}
