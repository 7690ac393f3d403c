// Package fastrouter implements the fast project router: a
// pre-computed, indexed lookup over thousands of "projects" (named,
// described units of capability) that must route a prompt in single-
// digit milliseconds without re-embedding the whole corpus per query.
package fastrouter

import (
	"context"
	"fmt"
	"strings"

	"github.com/llama-farm/atmosphere/internal/embedding"
)

// Project is one routable unit: a namespace/name pair with descriptive
// metadata used to build its embedding and its secondary-index entries.
type Project struct {
	Namespace    string
	Name         string
	Domain       string
	Topics       []string
	Description  string
	Capabilities []string
	Models       []string
	Hosts        []string
}

// Path returns the project's explicit "namespace/name" address.
func (p Project) Path() string {
	return fmt.Sprintf("%s/%s", p.Namespace, p.Name)
}

// embedText concatenates the fields used to build the project's vector,
// per the spec's {domain, topics, description, name} order.
func (p Project) embedText() string {
	return strings.Join([]string{p.Domain, strings.Join(p.Topics, " "), p.Description, p.Name}, " ")
}

// RouteMode distinguishes how a prompt was resolved to a project.
type RouteMode string

const (
	ModeExplicitPath RouteMode = "explicit_path"
	ModeNameOnly     RouteMode = "name_only"
	ModeSemantic     RouteMode = "semantic"
)

// RouteResult is the outcome of routing one prompt.
type RouteResult struct {
	Project  *Project
	Mode     RouteMode
	Score    float64
	Fallback bool // true when the final semantic score is below 0.3
}

// domainKeywordBoost is the small static per-domain keyword map used to
// give semantic routing a quick integer-weighted nudge before the
// embedding similarity ranking.
var domainKeywordBoost = map[string][]string{
	"vision":  {"image", "photo", "picture", "visual", "detect", "camera"},
	"audio":   {"speech", "voice", "audio", "sound", "transcribe"},
	"code":    {"code", "function", "debug", "compile", "refactor"},
	"chat":    {"chat", "conversation", "assistant", "talk"},
	"device":  {"light", "thermostat", "sensor", "switch", "device"},
}

// keywordBoostWeight is the per-hit weight applied to a project's domain
// keyword score: 0.1 x hits.
const keywordBoostWeight = 0.1

// fallbackScoreThreshold marks a semantic match as low-confidence.
const fallbackScoreThreshold = 0.3

// Router holds the project set, its secondary indexes, and the cached
// embedding matrix.
type Router struct {
	embedder *embedding.Engine
	cache    *vectorCache

	byPath       map[string]*Project
	byNameFirst  map[string]*Project // first match wins, per spec's name-only rule
	byDomain     map[string][]*Project
	byTopic      map[string][]*Project
	byCapability map[string][]*Project
}

// New constructs a fast router over the given projects, building its
// secondary indexes and embedding matrix (from cache if the path set is
// unchanged, otherwise freshly computed).
func New(ctx context.Context, embedder *embedding.Engine, projects []Project, cachePath string) (*Router, error) {
	r := &Router{
		embedder:     embedder,
		byPath:       make(map[string]*Project, len(projects)),
		byNameFirst:  make(map[string]*Project),
		byDomain:     make(map[string][]*Project),
		byTopic:      make(map[string][]*Project),
		byCapability: make(map[string][]*Project),
	}

	stored := make([]*Project, len(projects))
	paths := make([]string, len(projects))
	for i := range projects {
		p := projects[i]
		stored[i] = &p
		paths[i] = p.Path()

		r.byPath[p.Path()] = stored[i]
		if _, exists := r.byNameFirst[p.Name]; !exists {
			r.byNameFirst[p.Name] = stored[i]
		}
		r.byDomain[p.Domain] = append(r.byDomain[p.Domain], stored[i])
		for _, t := range p.Topics {
			r.byTopic[t] = append(r.byTopic[t], stored[i])
		}
		for _, c := range p.Capabilities {
			r.byCapability[c] = append(r.byCapability[c], stored[i])
		}
	}

	cache, err := loadOrBuildCache(ctx, embedder, cachePath, paths, stored)
	if err != nil {
		return nil, err
	}
	r.cache = cache
	return r, nil
}

// RouteExplicit resolves an explicit "namespace/name" path in O(1).
func (r *Router) RouteExplicit(path string) (*Project, bool) {
	p, ok := r.byPath[path]
	return p, ok
}

// RouteByName resolves a bare project name to its first registered match.
func (r *Router) RouteByName(name string) (*Project, bool) {
	p, ok := r.byNameFirst[name]
	return p, ok
}

// Route dispatches a prompt by the rules: explicit "namespace/name"
// paths resolve directly, bare names resolve to their first match, and
// everything else ("auto"/"default"/empty/free text) is routed
// semantically against the last user turn.
func (r *Router) Route(ctx context.Context, target string, lastUserTurn string) (RouteResult, error) {
	if strings.Contains(target, "/") {
		if p, ok := r.RouteExplicit(target); ok {
			return RouteResult{Project: p, Mode: ModeExplicitPath, Score: 1.0}, nil
		}
	}
	if target != "" && target != "auto" && target != "default" {
		if p, ok := r.RouteByName(target); ok {
			return RouteResult{Project: p, Mode: ModeNameOnly, Score: 1.0}, nil
		}
	}
	return r.routeSemantic(ctx, lastUserTurn)
}

func (r *Router) routeSemantic(ctx context.Context, prompt string) (RouteResult, error) {
	if r.cache == nil || len(r.cache.paths) == 0 {
		return RouteResult{}, fmt.Errorf("fastrouter: no projects indexed")
	}

	qVec, err := r.embedder.Embed(ctx, prompt, true)
	if err != nil {
		return RouteResult{}, fmt.Errorf("fastrouter: embed prompt: %w", err)
	}

	scores := embedding.Mv(qVec, r.cache.matrix)
	hits := keywordHits(prompt)

	bestIdx := -1
	var bestScore float64
	for i, path := range r.cache.paths {
		p := r.byPath[path]
		score := scores[i] + keywordBoostWeight*float64(hits[p.Domain])
		if bestIdx == -1 || score > bestScore {
			bestIdx, bestScore = i, score
		}
	}
	if bestIdx == -1 {
		return RouteResult{}, fmt.Errorf("fastrouter: no candidates scored")
	}

	best := r.byPath[r.cache.paths[bestIdx]]
	return RouteResult{
		Project:  best,
		Mode:     ModeSemantic,
		Score:    bestScore,
		Fallback: bestScore < fallbackScoreThreshold,
	}, nil
}

// keywordHits counts, per domain, how many of that domain's keywords
// appear in prompt (case-insensitive substring match).
func keywordHits(prompt string) map[string]int {
	lower := strings.ToLower(prompt)
	hits := make(map[string]int, len(domainKeywordBoost))
	for domain, words := range domainKeywordBoost {
		for _, w := range words {
			if strings.Contains(lower, w) {
				hits[domain]++
			}
		}
	}
	return hits
}
