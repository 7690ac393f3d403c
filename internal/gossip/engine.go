package gossip

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/llama-farm/atmosphere/internal/gradient"
	"github.com/llama-farm/atmosphere/internal/routing"
	"github.com/llama-farm/atmosphere/internal/telemetry"
)

// LocalCapabilitySource supplies the node's own (hops=0) capability
// entries for inclusion in outgoing announcements.
type LocalCapabilitySource interface {
	LocalCapabilities() []EnvelopeCapability
}

// EndpointSource supplies the node's current endpoint snapshot.
type EndpointSource interface {
	CurrentEndpoints() *Endpoints
}

// ResourceSource supplies the node's current resource snapshot. Optional;
// a nil return omits the field.
type ResourceSource interface {
	CurrentResources() *Resources
}

// EndpointLearner merges a peer's endpoint snapshot into the transport
// layer's peer registry, potentially triggering a (re)connect attempt.
type EndpointLearner interface {
	LearnEndpoint(nodeID string, ep *Endpoints)
}

// Broadcaster hands envelope bytes to every healthy transport.
type Broadcaster interface {
	Broadcast(ctx context.Context, data []byte) error
}

// Config tunes the gossip engine's timing and limits.
type Config struct {
	AnnounceInterval time.Duration
	NonceCacheTTL    time.Duration
	MaxCapabilities  int
}

// DefaultConfig returns the spec's default timing.
func DefaultConfig() Config {
	return Config{
		AnnounceInterval: DefaultAnnounceInterval,
		NonceCacheTTL:    DefaultNonceCacheTTL,
		MaxCapabilities:  DefaultMaxCapabilities,
	}
}

// Engine builds, broadcasts, and processes gossip announcements, feeding
// the gradient and routing tables (C3) from what it learns.
type Engine struct {
	nodeID string
	cfg    Config

	gradientTable *gradient.Table
	routingTable  *routing.Table
	localCaps     LocalCapabilitySource
	endpoints     EndpointSource
	resources     ResourceSource
	learner       EndpointLearner
	broadcaster   Broadcaster

	nonces *nonceCache

	metrics *telemetry.Metrics

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// SetMetrics attaches a metrics sink; nil disables recording.
func (e *Engine) SetMetrics(metrics *telemetry.Metrics) {
	e.metrics = metrics
}

// New constructs a gossip engine wired to the node's capability source,
// tables, and transport manager.
func New(nodeID string, cfg Config, gradientTable *gradient.Table, routingTable *routing.Table, localCaps LocalCapabilitySource, endpoints EndpointSource, resources ResourceSource, learner EndpointLearner, broadcaster Broadcaster) *Engine {
	if cfg.AnnounceInterval <= 0 {
		cfg.AnnounceInterval = DefaultAnnounceInterval
	}
	if cfg.MaxCapabilities <= 0 {
		cfg.MaxCapabilities = DefaultMaxCapabilities
	}
	return &Engine{
		nodeID:        nodeID,
		cfg:           cfg,
		gradientTable: gradientTable,
		routingTable:  routingTable,
		localCaps:     localCaps,
		endpoints:     endpoints,
		resources:     resources,
		learner:       learner,
		broadcaster:   broadcaster,
		nonces:        newNonceCache(cfg.NonceCacheTTL),
	}
}

// Start launches the periodic announcement loop. It stops cleanly when
// ctx is canceled; callers should wait on Wait afterward.
func (e *Engine) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(1)
	go e.announceLoop(runCtx)
}

// Stop cancels the announcement loop and waits for it to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *Engine) announceLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.AnnounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.announceOnce(ctx); err != nil {
				slog.Warn("gossip: announcement failed", "error", err)
			}
		}
	}
}

// BuildAnnouncement assembles one outgoing envelope: up to MaxCapabilities
// local entries, then remaining slots from the gradient table's
// gossip-eligible exports, then endpoints and an optional resource
// snapshot.
func (e *Engine) BuildAnnouncement() (*Envelope, error) {
	nonce, err := NewNonce()
	if err != nil {
		return nil, err
	}

	caps := make([]EnvelopeCapability, 0, e.cfg.MaxCapabilities)
	if e.localCaps != nil {
		for _, c := range e.localCaps.LocalCapabilities() {
			if len(caps) >= e.cfg.MaxCapabilities {
				break
			}
			caps = append(caps, c)
		}
	}
	if len(caps) < e.cfg.MaxCapabilities && e.gradientTable != nil {
		for _, entry := range e.gradientTable.ExportForGossip(gradient.MaxGossipHops) {
			if len(caps) >= e.cfg.MaxCapabilities {
				break
			}
			var via *string
			if entry.Via != "" {
				v := entry.Via
				via = &v
			}
			caps = append(caps, EnvelopeCapability{
				ID:                 entry.CapabilityID,
				Label:              entry.Label,
				Vector:             entry.Vector,
				Local:              false,
				Hops:               entry.Hops,
				Via:                via,
				EstimatedLatencyMs: float64(entry.EstimatedLatency.Milliseconds()),
			})
		}
	}

	env := &Envelope{
		Type:         "announce",
		From:         e.nodeID,
		Capabilities: caps,
		Timestamp:    float64(time.Now().UnixNano()) / 1e9,
		TTL:          MaxTTL,
		Nonce:        nonce,
	}
	if e.endpoints != nil {
		env.Endpoints = e.endpoints.CurrentEndpoints()
	}
	if e.resources != nil {
		env.Resources = e.resources.CurrentResources()
	}
	return env, nil
}

func (e *Engine) announceOnce(ctx context.Context) error {
	env, err := e.BuildAnnouncement()
	if err != nil {
		return err
	}
	return e.broadcastEnvelope(ctx, env)
}

func (e *Engine) broadcastEnvelope(ctx context.Context, env *Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.GossipEnvelopesTotal.WithLabelValues("outbound").Inc()
	}
	if e.broadcaster == nil {
		return nil
	}
	return e.broadcaster.Broadcast(ctx, data)
}
