// Package semrouter implements the capability router: registration of
// local capabilities and routing of intent text to either local
// processing or a remote peer via the gradient table.
package semrouter

import (
	"context"
	"fmt"
	"sort"

	"github.com/llama-farm/atmosphere/internal/capability"
	"github.com/llama-farm/atmosphere/internal/embedding"
	"github.com/llama-farm/atmosphere/internal/gradient"
)

// DefaultMatchThreshold is the minimum local cosine similarity that
// counts as a confident local match.
const DefaultMatchThreshold = 0.75

// DefaultMinRouteThreshold is the minimum adjusted score (remote) or raw
// similarity (local fallback) accepted before returning NO_MATCH.
const DefaultMinRouteThreshold = 0.50

// Action is the routing decision returned by Route.
type Action string

const (
	ActionProcessLocal Action = "PROCESS_LOCAL"
	ActionForward      Action = "FORWARD"
	ActionNoMatch      Action = "NO_MATCH"
)

// RouteResult is the outcome of routing one intent. CapabilityID is
// populated for every PROCESS_LOCAL and FORWARD result (from
// Capability.ID for a local match, from the gradient table entry for a
// forwarded one) and is empty for NO_MATCH.
type RouteResult struct {
	Action        Action
	Capability    *capability.Capability
	CapabilityID  string
	Score         float64
	AdjustedScore float64
	Hops          int
	NextHop       string
	ViaNode       string
	Reason        string
}

// Router registers local capabilities and routes intents across the
// local capability set and the gradient table.
type Router struct {
	nodeID             string
	embedder           *embedding.Engine
	gradientTable      *gradient.Table
	matchThreshold     float64
	minRouteThreshold  float64

	caps map[string]*capability.Capability
}

// New constructs a capability router. thresholds of 0 use the spec
// defaults.
func New(nodeID string, embedder *embedding.Engine, gradientTable *gradient.Table, matchThreshold, minRouteThreshold float64) *Router {
	if matchThreshold <= 0 {
		matchThreshold = DefaultMatchThreshold
	}
	if minRouteThreshold <= 0 {
		minRouteThreshold = DefaultMinRouteThreshold
	}
	return &Router{
		nodeID:            nodeID,
		embedder:          embedder,
		gradientTable:     gradientTable,
		matchThreshold:    matchThreshold,
		minRouteThreshold: minRouteThreshold,
		caps:              make(map[string]*capability.Capability),
	}
}

// RegisterCapability embeds the description once, stores the capability,
// and emits a gradient-table self-entry at hops=0 so this node's own
// capabilities are treated symmetrically with remote ones.
func (r *Router) RegisterCapability(ctx context.Context, label, description, handler string, models []string, constraints map[string]string) (*capability.Capability, error) {
	vec, err := r.embedder.Embed(ctx, description, true)
	if err != nil {
		return nil, fmt.Errorf("semrouter: embed capability description: %w", err)
	}

	c := &capability.Capability{
		ID:          capability.ID(r.nodeID, label),
		Label:       label,
		Description: description,
		Vector:      vec,
		HandlerTag:  handler,
		Constraints: constraints,
	}
	for _, m := range models {
		ref, err := capability.NewModelRef(m)
		if err != nil {
			return nil, err
		}
		c.Models = append(c.Models, ref)
	}

	r.caps[c.ID] = c
	if r.gradientTable != nil {
		r.gradientTable.Update(c.ID, c.Label, c.Vector, 0, r.nodeID, r.nodeID, 0)
	}
	return c, nil
}

// LocalCapabilities returns a snapshot of registered capabilities,
// sorted by ID for deterministic iteration.
func (r *Router) LocalCapabilities() []*capability.Capability {
	out := make([]*capability.Capability, 0, len(r.caps))
	for _, c := range r.caps {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Route embeds intentText and applies the local/remote/fallback decision
// chain. Remote candidates tie-break by raw similarity, then fewer hops,
// then lexicographic origin node ID (see gradient.Table.FindBestRoute);
// a remote match must beat the best local similarity strictly.
func (r *Router) Route(ctx context.Context, intentText string) (RouteResult, error) {
	intentVec, err := r.embedder.Embed(ctx, intentText, true)
	if err != nil {
		return RouteResult{}, fmt.Errorf("semrouter: embed intent: %w", err)
	}

	localCap, localSim := r.bestLocalMatch(intentVec)
	if localCap != nil && localSim >= r.matchThreshold {
		return RouteResult{
			Action: ActionProcessLocal, Capability: localCap, CapabilityID: localCap.ID,
			Score: localSim, AdjustedScore: localSim, Reason: "local match",
		}, nil
	}

	var remoteMatch gradient.Match
	haveRemote := false
	if r.gradientTable != nil {
		m, ok := r.gradientTable.FindBestRoute(intentVec, r.minRouteThreshold)
		if ok {
			remoteMatch, haveRemote = m, true
		}
	}

	if haveRemote && (localCap == nil || remoteMatch.Adjusted > localSim) {
		return RouteResult{
			Action:        ActionForward,
			CapabilityID:  remoteMatch.Entry.CapabilityID,
			Score:         remoteMatch.Similarity,
			AdjustedScore: remoteMatch.Adjusted,
			Hops:          remoteMatch.Entry.Hops,
			NextHop:       remoteMatch.Entry.NextHop,
			ViaNode:       remoteMatch.Entry.Via,
			Reason:        "remote match",
		}, nil
	}

	if localCap != nil && localSim >= r.minRouteThreshold {
		return RouteResult{
			Action: ActionProcessLocal, Capability: localCap, CapabilityID: localCap.ID,
			Score: localSim, AdjustedScore: localSim, Reason: "below threshold",
		}, nil
	}

	return RouteResult{Action: ActionNoMatch, Reason: "no match"}, nil
}

func (r *Router) bestLocalMatch(intentVec []float32) (*capability.Capability, float64) {
	var best *capability.Capability
	var bestSim float64
	first := true
	for _, c := range r.LocalCapabilities() {
		sim := float64(embedding.Cos(intentVec, c.Vector))
		if first || sim > bestSim {
			best, bestSim, first = c, sim, false
		}
	}
	return best, bestSim
}
