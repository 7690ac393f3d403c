// Package node assembles components C1-C6 into one running mesh node:
// it owns the single instance of every shared table and cache the spec
// requires (gradient table, routing table, nonce cache, device
// registry, embedding cache) and wires each component's constructor-
// injected collaborator interfaces, rather than letting them reach for
// global state.
//
// Grounded on the teacher's internal/daemon.Server composition root
// (Start(ctx)/Shutdown(ctx), a sync.WaitGroup tracking every background
// loop, systemd watchdog integration) generalized from an HTTP/RPC
// daemon to a mesh node with no externally-facing server of its own.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/llama-farm/atmosphere/internal/config"
	"github.com/llama-farm/atmosphere/internal/embedding"
	"github.com/llama-farm/atmosphere/internal/executor"
	"github.com/llama-farm/atmosphere/internal/gossip"
	"github.com/llama-farm/atmosphere/internal/gradient"
	"github.com/llama-farm/atmosphere/internal/identity"
	"github.com/llama-farm/atmosphere/internal/meshkey"
	"github.com/llama-farm/atmosphere/internal/registry"
	"github.com/llama-farm/atmosphere/internal/routing"
	"github.com/llama-farm/atmosphere/internal/semrouter"
	"github.com/llama-farm/atmosphere/internal/telemetry"
	"github.com/llama-farm/atmosphere/internal/trigger"
	"github.com/llama-farm/atmosphere/internal/watchdog"
	"github.com/llama-farm/atmosphere/pkg/transport"
	"github.com/llama-farm/atmosphere/pkg/transport/lan"
	"github.com/llama-farm/atmosphere/pkg/transport/libp2p"
	"github.com/llama-farm/atmosphere/pkg/transport/relay"
)

// Version is the atmosphere node build version, recorded on the
// atmosphere_info metric. Overridden at link time via -ldflags in
// release builds.
var Version = "dev"

// maxStaleRoutesPerTick bounds how many routing table entries the
// routing_table watchdog check may prune in a single 30s tick before it
// is treated as a sign of a stuck gossip/routing loop rather than
// ordinary aging.
const maxStaleRoutesPerTick = 50

// Node owns every long-lived table, cache, and background task for one
// mesh participant.
type Node struct {
	cfg      config.NodeConfig
	identity *identity.Identity
	mesh     *meshkey.MeshIdentity // nil until this node has joined or founded a mesh

	embedder      *embedding.Engine
	gradientTable *gradient.Table
	routingTable  *routing.Table
	capRouter     *semrouter.Router
	triggers      *trigger.Dispatcher
	executors     *executor.Registry
	devices       *registry.Registry

	transports *transport.Manager
	gossipEng  *gossip.Engine
	metrics    *telemetry.Metrics
	metricsSrv *http.Server

	listenPort int

	mu        sync.Mutex
	endpoints gossip.Endpoints

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New assembles a node from its configuration and identity. The mesh
// identity may be nil for a node that has not yet joined or founded a
// mesh; join/found flows attach it afterward via SetMesh.
func New(cfg config.NodeConfig, id *identity.Identity) (*Node, error) {
	embedder := embedding.New(embedding.NewHashBackend(cfg.Embedding.Dimension), cfg.Embedding.CacheCapacity)

	gradientTable := gradient.New(gradient.DefaultCapacity, gradient.DefaultTTL, embedder.Dimension())
	routingTable := routing.New(cfg.Routing.Staleness)

	capRouter := semrouter.New(id.NodeID(), embedder, gradientTable, cfg.Router.MatchThreshold, cfg.Router.MinRouteThreshold)

	devices, err := registry.Open(devicesPath(cfg))
	if err != nil {
		return nil, fmt.Errorf("node: open device registry: %w", err)
	}

	n := &Node{
		cfg:           cfg,
		identity:      id,
		embedder:      embedder,
		gradientTable: gradientTable,
		routingTable:  routingTable,
		capRouter:     capRouter,
		triggers:      trigger.New(semanticFallback{capRouter}, trigger.DefaultQueueCapacity),
		executors:     executor.NewRegistry(),
		devices:       devices,
		listenPort:    cfg.Transport.ListenPort,
	}

	transports, err := n.buildTransports()
	if err != nil {
		return nil, err
	}
	n.transports = transport.NewManager(routingTable, dispatcher{n}, transports...)

	n.gossipEng = gossip.New(
		id.NodeID(),
		gossip.Config{
			AnnounceInterval: cfg.Gossip.AnnounceInterval,
			NonceCacheTTL:    cfg.Gossip.NonceCacheTTL,
			MaxCapabilities:  cfg.Gossip.MaxCapabilities,
		},
		gradientTable,
		routingTable,
		localCapsSource{capRouter},
		endpointSource{n},
		resourceSource{},
		endpointLearner{n},
		broadcaster{n},
	)

	if cfg.Telemetry.Metrics.Enabled {
		n.metrics = telemetry.NewMetrics(Version, runtime.Version())
		n.transports.SetMetrics(n.metrics)
		n.gossipEng.SetMetrics(n.metrics)
	}

	return n, nil
}

// MetricsHandler returns the Prometheus handler for this node's metrics,
// or nil if telemetry.metrics.enabled is false in configuration. The
// caller mounts it wherever it likes (e.g. under /metrics).
func (n *Node) MetricsHandler() http.Handler {
	if n.metrics == nil {
		return nil
	}
	return n.metrics.Handler()
}

func devicesPath(cfg config.NodeConfig) string {
	return cfg.StateDir + "/devices.json"
}

// SetMesh attaches the mesh this node belongs to, once founded or
// joined. Gossip and routing do not depend on mesh membership directly,
// but transports use it (e.g. the relay handshake's mesh_id).
func (n *Node) SetMesh(mesh *meshkey.MeshIdentity) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.mesh = mesh
}

func (n *Node) meshID() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.mesh == nil {
		return ""
	}
	return n.mesh.ID
}

// buildTransports constructs the LAN, relay, and (if enabled) libp2p
// transports per cfg.Transport. Relay is only constructed when a URL is
// configured; libp2p only when explicitly enabled.
func (n *Node) buildTransports() ([]transport.Transport, error) {
	var transports []transport.Transport

	if n.cfg.Transport.LAN.IsEnabled() {
		transports = append(transports, lan.New(n.identity.NodeID(), n.meshID(), n.listenPort, n.capabilityLabels))
	}

	if n.cfg.Transport.Relay.URL != "" {
		relayCfg := relay.Config{
			URL:        n.cfg.Transport.Relay.URL,
			MeshID:     n.meshID(),
			NodeName:   n.identity.Name,
			FECEnabled: n.cfg.Transport.Relay.FECEnabled,
		}
		transports = append(transports, relay.New(relayCfg, n.identity, n.capabilityLabels))
	}

	if n.cfg.Transport.LibP2P.Enabled {
		transports = append(transports, libp2p.New(libp2p.Config{
			ListenAddrs: []string{fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", n.listenPort+1)},
			MeshID:      n.meshID(),
		}))
	}

	if len(transports) == 0 {
		return nil, fmt.Errorf("node: no transport enabled in configuration")
	}
	return transports, nil
}

func (n *Node) capabilityLabels() []string {
	caps := n.capRouter.LocalCapabilities()
	labels := make([]string, len(caps))
	for i, c := range caps {
		labels[i] = c.Label
	}
	return labels
}

// RegisterCapability embeds and stores a local capability and binds its
// handler tag to the executor that will run it.
func (n *Node) RegisterCapability(ctx context.Context, label, description, handlerTag string, models []string, constraints map[string]string, h executor.Handler) error {
	if _, err := n.capRouter.RegisterCapability(ctx, label, description, handlerTag, models, constraints); err != nil {
		return err
	}
	n.executors.Register(handlerTag, h)
	return nil
}

// Start brings every background task up: transports, the gossip
// announce loop, the trigger dispatcher workers, and the health probe
// loop, then signals systemd readiness.
func (n *Node) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	n.refreshEndpoints()

	if err := n.transports.Start(runCtx); err != nil {
		return fmt.Errorf("node: start transports: %w", err)
	}

	n.gossipEng.Start(runCtx)
	n.triggers.Run(runCtx)

	if n.metrics != nil && n.cfg.Telemetry.Metrics.ListenAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", n.metrics.Handler())
		n.metricsSrv = &http.Server{Addr: n.cfg.Telemetry.Metrics.ListenAddress, Handler: mux}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("node: metrics server failed", "error", err)
			}
		}()
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.transports.RunHealthProbes(runCtx, transport.HealthProbe{
			Interval: 30 * time.Second,
			Probe:    n.probeTransport,
		}, n.routingTable)
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		watchdog.Run(runCtx, watchdog.Config{Interval: 30 * time.Second}, []watchdog.HealthCheck{
			watchdog.StaleEntryCheck("routing_table", n.routingTable.CleanupStale, maxStaleRoutesPerTick),
		})
	}()

	if err := watchdog.Ready(); err != nil {
		slog.Warn("node: sd_notify READY failed", "error", err)
	}
	return nil
}

// probeTransport times a Send of a minimal ping envelope to peerID
// through the transport manager, which picks the transport itself (the
// kind argument is not used); a Send error counts as probe failure
// (health degrades without tearing the connection down).
func (n *Node) probeTransport(ctx context.Context, peerID string, _ transport.Kind) (float64, bool) {
	start := time.Now()
	if err := n.transports.Send(ctx, peerID, []byte(`{"type":"ping"}`)); err != nil {
		return 0, false
	}
	return float64(time.Since(start).Milliseconds()), true
}

// Shutdown signals systemd that the node is stopping, cancels every
// background task, and waits (bounded by ctx) for them to drain.
func (n *Node) Shutdown(ctx context.Context) error {
	if err := watchdog.Stopping(); err != nil {
		slog.Warn("node: sd_notify STOPPING failed", "error", err)
	}

	n.gossipEng.Stop()
	n.triggers.Stop()
	if n.metricsSrv != nil {
		_ = n.metricsSrv.Close()
	}
	if n.cancel != nil {
		n.cancel()
	}

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("node: shutdown grace period expired with background tasks still draining")
	}

	if err := n.transports.Stop(); err != nil {
		return fmt.Errorf("node: stop transports: %w", err)
	}
	return n.devices.Save()
}

// refreshEndpoints recomputes this node's advertised endpoint snapshot
// from its local non-loopback addresses.
func (n *Node) refreshEndpoints() {
	var ips []string
	if addrs, err := net.InterfaceAddrs(); err == nil {
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok || ipNet.IP.IsLoopback() || ipNet.IP.To4() == nil {
				continue
			}
			ips = append(ips, ipNet.IP.String())
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.endpoints = gossip.Endpoints{
		NodeID:      n.identity.NodeID(),
		LocalIPs:    ips,
		LocalPort:   n.listenPort,
		RelayURL:    n.cfg.Transport.Relay.URL,
		LastUpdated: float64(time.Now().Unix()),
	}
}

// --- gossip.Engine collaborator adapters ---

type localCapsSource struct{ r *semrouter.Router }

func (s localCapsSource) LocalCapabilities() []gossip.EnvelopeCapability {
	caps := s.r.LocalCapabilities()
	out := make([]gossip.EnvelopeCapability, len(caps))
	for i, c := range caps {
		out[i] = gossip.EnvelopeCapability{
			ID:          c.ID,
			Label:       c.Label,
			Description: c.Description,
			Vector:      c.Vector,
			Local:       true,
			Hops:        0,
			Models:      c.ModelStrings(),
			Constraints: c.Constraints,
		}
	}
	return out
}

type endpointSource struct{ n *Node }

func (s endpointSource) CurrentEndpoints() *gossip.Endpoints {
	s.n.mu.Lock()
	defer s.n.mu.Unlock()
	ep := s.n.endpoints
	return &ep
}

// resourceSource reports no resource snapshot: CPU/memory/battery
// introspection has no grounding anywhere in the example corpus, and
// spec.md treats the Resources field as strictly optional, so this
// node omits it rather than fabricate numbers from bare runtime stats.
type resourceSource struct{}

func (resourceSource) CurrentResources() *gossip.Resources { return nil }

type endpointLearner struct{ n *Node }

func (l endpointLearner) LearnEndpoint(nodeID string, ep *gossip.Endpoints) {
	if ep == nil || nodeID == l.n.identity.NodeID() {
		return
	}
	hints := transport.EndpointHints{}
	if len(ep.LocalIPs) > 0 {
		hints["host"] = ep.LocalIPs[0]
		hints["port"] = ep.LocalPort
	}
	if ep.RelayURL != "" {
		hints["relay_url"] = ep.RelayURL
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	l.n.transports.Connect(ctx, nodeID, hints)
}

type broadcaster struct{ n *Node }

func (b broadcaster) Broadcast(ctx context.Context, data []byte) error {
	return b.n.transports.Broadcast(ctx, data)
}

// --- transport.Dispatcher adapter ---

type dispatcher struct{ n *Node }

func (d dispatcher) HandleGossip(ctx context.Context, _ string, payload []byte) {
	d.n.gossipEng.HandleInbound(ctx, payload)
}

func (d dispatcher) HandleRPC(ctx context.Context, from, msgType string, raw []byte) {
	d.n.handleRPC(ctx, from, msgType, raw)
}

// --- trigger.SemanticFallback adapter ---

type semanticFallback struct{ r *semrouter.Router }

func (s semanticFallback) RouteIntentText(ctx context.Context, text string) (string, bool) {
	result, err := s.r.Route(ctx, text)
	if err != nil || result.Action == semrouter.ActionNoMatch {
		return "", false
	}
	return result.CapabilityID, true
}
