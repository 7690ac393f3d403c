package gossip

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/llama-farm/atmosphere/internal/routing"
)

// GossipReject is the reason an inbound envelope was dropped. Rejections
// are never fatal — the inbound path logs and drops, never propagating
// the error to the router.
type GossipReject string

const (
	RejectClockSkew GossipReject = "clock_skew"
	RejectReplay    GossipReject = "replay"
)

// HandleInbound runs the full inbound processing pipeline on a received
// envelope: replay/clock check, endpoint learning, routing-table
// learning, gradient learning, and (if TTL permits) re-broadcast.
// Rejections are logged and the envelope is dropped; no error crosses
// into the router.
func (e *Engine) HandleInbound(ctx context.Context, data []byte) {
	env, err := Unmarshal(data)
	if err != nil {
		slog.Warn("gossip: dropping malformed envelope", "error", err)
		return
	}
	if e.metrics != nil {
		e.metrics.GossipEnvelopesTotal.WithLabelValues("inbound").Inc()
	}

	if reject := e.replayCheck(env); reject != "" {
		slog.Debug("gossip: rejecting envelope", "reason", reject, "from", env.From)
		return
	}

	e.learnEndpoints(env)
	e.learnRoutes(env)
	e.learnGradient(env)
	e.forward(ctx, env)
}

// replayCheck enforces the clock-skew and nonce-replay rules. Returns a
// non-empty GossipReject if the envelope should be dropped; otherwise
// records the nonce.
func (e *Engine) replayCheck(env *Envelope) GossipReject {
	now := float64(time.Now().UnixNano()) / 1e9
	skew := now - env.Timestamp
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew*float64(time.Second)) > e.cfg.NonceCacheTTL {
		return RejectClockSkew
	}
	if e.nonces.CheckAndRecord(env.Nonce) {
		return RejectReplay
	}
	return ""
}

func (e *Engine) learnEndpoints(env *Envelope) {
	if e.learner == nil || env.Endpoints == nil {
		return
	}
	e.learner.LearnEndpoint(env.From, env.Endpoints)
}

// learnRoutes applies the routing-table learning rule: a direct route to
// the announcer (hops=1), plus a multi-hop route to each carried
// capability's via node (hops = cap.hops + 1, next_hop = announcer).
func (e *Engine) learnRoutes(env *Envelope) {
	if e.routingTable == nil {
		return
	}
	kind := routing.KindRelay
	if env.Endpoints != nil && len(env.Endpoints.LocalIPs) > 0 {
		kind = routing.KindLAN
	}
	now := time.Now()

	e.routingTable.Upsert(routing.Entry{
		Destination: env.From,
		Transport:   kind,
		NextHop:     env.From,
		Hops:        1,
		Reliability: 1.0,
		LastUpdate:  now,
	})

	for _, c := range env.Capabilities {
		if c.Local || c.Via == nil {
			continue
		}
		e.routingTable.Upsert(routing.Entry{
			Destination: *c.Via,
			Transport:   kind,
			NextHop:     env.From,
			Hops:        c.Hops + 1,
			Reliability: 1.0,
			LastUpdate:  now,
		})
	}
}

// learnGradient applies the gradient-table learning rule for each
// carried capability.
func (e *Engine) learnGradient(env *Envelope) {
	if e.gradientTable == nil {
		return
	}
	for _, c := range env.Capabilities {
		latency := time.Duration(c.EstimatedLatencyMs * float64(time.Millisecond))
		if c.Local {
			e.gradientTable.Update(c.ID, c.Label, c.Vector, 1, env.From, env.From, latency)
			continue
		}
		via := env.From
		if c.Via != nil {
			via = *c.Via
		}
		e.gradientTable.Update(c.ID, c.Label, c.Vector, c.Hops+1, env.From, via, latency)
	}
}

// forward decrements TTL and increments the hop count of non-local
// capabilities, then re-broadcasts — the distance-vector propagation
// step. The nonce and original from_node are preserved unchanged.
func (e *Engine) forward(ctx context.Context, env *Envelope) {
	if env.TTL <= 1 {
		return
	}
	fwd := *env
	fwd.TTL = env.TTL - 1
	fwd.Capabilities = make([]EnvelopeCapability, len(env.Capabilities))
	for i, c := range env.Capabilities {
		if !c.Local {
			c.Hops++
		}
		fwd.Capabilities[i] = c
	}

	if err := e.broadcastEnvelope(ctx, &fwd); err != nil {
		slog.Warn("gossip: forward broadcast failed", "error", err, "from", fmt.Sprint(env.From))
	}
}
