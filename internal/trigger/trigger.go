// Package trigger implements event-driven intent dispatch: capability
// handlers register trigger definitions that fire an intent string when
// an event occurs, which is then throttled, resolved to one or more
// handlers, and queued for async processing by priority.
package trigger

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"
)

// Definition names an event a capability can fire, the template used to
// build the generated intent text, and its dispatch policy.
type Definition struct {
	CapabilityID string
	Event        string
	Template     string        // "{key}" placeholders substituted from the firing payload
	RouteHint    string        // exact "capability:<id>" or a type glob like "agent/*"
	Priority     int           // selects the priority queue, clamped to 0..NumPriorities-1
	Throttle     time.Duration // minimum interval between two firings of the same (capability_id, event) pair
}

// Intent is the dispatchable unit built from a fired Definition.
type Intent struct {
	Text     string
	Priority int
	Payload  map[string]any
	Source   Definition
	FiredAt  time.Time
}

// Handler processes a dispatched intent. Handlers must be idempotent:
// exactly-once delivery is not guaranteed, since gossip re-propagation
// can correlate the same underlying event across nodes.
type Handler interface {
	HandleIntent(ctx context.Context, intent Intent) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, intent Intent) error

func (f HandlerFunc) HandleIntent(ctx context.Context, intent Intent) error { return f(ctx, intent) }

// SemanticFallback is consulted when hint-based resolution finds no
// handler; in production pkg/node satisfies it with an adapter around
// internal/semrouter.Router.
type SemanticFallback interface {
	RouteIntentText(ctx context.Context, text string) (capabilityID string, ok bool)
}

// DefaultQueueCapacity bounds each per-priority channel.
const DefaultQueueCapacity = 256

// NumPriorities is the number of distinct priority buckets: 0 (lowest)
// through NumPriorities-1 (highest).
const NumPriorities = 4

// job pairs a resolved handler with the intent it must process.
type job struct {
	handler Handler
	intent  Intent
}

// patternSub is a glob-matched subscriber consulted after hint and
// semantic-fallback resolution.
type patternSub struct {
	glob    string
	handler Handler
}

// Dispatcher throttles, resolves, and queues fired triggers for
// asynchronous processing by a fixed set of priority-ordered workers.
type Dispatcher struct {
	mu          sync.Mutex
	lastFired   map[string]time.Time // keyed by "capabilityID\x00event"
	exact       map[string]Handler   // "capability:<id>" -> handler
	globs       map[string]Handler   // "agent/*" style hints -> handler
	patternSubs []patternSub
	global      []Handler
	fallback    SemanticFallback

	queues [NumPriorities]chan job
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New constructs a Dispatcher with bounded per-priority queues.
func New(fallback SemanticFallback, queueCapacity int) *Dispatcher {
	if queueCapacity <= 0 {
		queueCapacity = DefaultQueueCapacity
	}
	d := &Dispatcher{
		lastFired: make(map[string]time.Time),
		exact:     make(map[string]Handler),
		globs:     make(map[string]Handler),
		fallback:  fallback,
	}
	for i := range d.queues {
		d.queues[i] = make(chan job, queueCapacity)
	}
	return d
}

// RegisterExact binds a handler to an exact "capability:<id>" hint.
func (d *Dispatcher) RegisterExact(capabilityID string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.exact["capability:"+capabilityID] = h
}

// RegisterGlob binds a handler to a type glob hint such as "agent/*".
func (d *Dispatcher) RegisterGlob(glob string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.globs[glob] = h
}

// Subscribe registers a pattern-matched handler consulted after hint and
// semantic-fallback resolution, whether or not those found a handler.
func (d *Dispatcher) Subscribe(glob string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.patternSubs = append(d.patternSubs, patternSub{glob: glob, handler: h})
}

// SubscribeGlobal registers a handler that receives every dispatched
// intent regardless of hint or pattern.
func (d *Dispatcher) SubscribeGlobal(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.global = append(d.global, h)
}

// Fire throttles, builds, resolves, and enqueues jobs for def with the
// given payload. It returns false without error if the trigger was
// throttled, and the count of handlers successfully enqueued.
func (d *Dispatcher) Fire(ctx context.Context, def Definition, payload map[string]any, now time.Time) (fired bool, enqueued int, err error) {
	key := def.CapabilityID + "\x00" + def.Event
	d.mu.Lock()
	if last, ok := d.lastFired[key]; ok && def.Throttle > 0 && now.Sub(last) < def.Throttle {
		d.mu.Unlock()
		return false, 0, nil
	}
	d.lastFired[key] = now
	d.mu.Unlock()

	intent := Intent{
		Text:     formatTemplate(def.Template, payload),
		Priority: def.Priority,
		Payload:  payload,
		Source:   def,
		FiredAt:  now,
	}
	n, err := d.resolveAndEnqueue(ctx, intent)
	return true, n, err
}

// resolveAndEnqueue applies the spec's resolution order -- exact/glob
// hint, then semantic-router fallback, then pattern subscribers, then
// global subscribers -- and enqueues one job per resolved handler.
func (d *Dispatcher) resolveAndEnqueue(ctx context.Context, intent Intent) (int, error) {
	var handlers []Handler

	if h, ok := d.resolveHint(intent.Source.RouteHint); ok {
		handlers = append(handlers, h)
	} else if d.fallback != nil {
		if capID, ok := d.fallback.RouteIntentText(ctx, intent.Text); ok {
			d.mu.Lock()
			h, ok := d.exact["capability:"+capID]
			d.mu.Unlock()
			if ok {
				handlers = append(handlers, h)
			}
		}
	}

	d.mu.Lock()
	for _, s := range d.patternSubs {
		if globMatch(s.glob, intent.Text) {
			handlers = append(handlers, s.handler)
		}
	}
	handlers = append(handlers, d.global...)
	d.mu.Unlock()

	var firstErr error
	enqueued := 0
	for _, h := range handlers {
		if err := d.enqueue(job{handler: h, intent: intent}); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		enqueued++
	}
	return enqueued, firstErr
}

func (d *Dispatcher) resolveHint(hint string) (Handler, bool) {
	if hint == "" {
		return nil, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if h, ok := d.exact[hint]; ok {
		return h, true
	}
	for glob, h := range d.globs {
		if globMatch(glob, hint) {
			return h, true
		}
	}
	return nil, false
}

func (d *Dispatcher) enqueue(j job) error {
	idx := j.intent.Priority
	if idx < 0 {
		idx = 0
	}
	if idx >= NumPriorities {
		idx = NumPriorities - 1
	}
	select {
	case d.queues[idx] <- j:
		return nil
	default:
		return fmt.Errorf("trigger: priority %d queue full", idx)
	}
}

// Run starts one worker goroutine per priority bucket, each draining its
// own queue and invoking the resolved handler, until ctx is canceled.
// The workers run independently: a backlog in a higher bucket does not
// hold back a lower one.
func (d *Dispatcher) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	for i := NumPriorities - 1; i >= 0; i-- {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
}

func (d *Dispatcher) worker(ctx context.Context, priority int) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-d.queues[priority]:
			_ = j.handler.HandleIntent(ctx, j.intent)
		}
	}
}

// Stop cancels all workers and waits for them to drain.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

func formatTemplate(template string, payload map[string]any) string {
	out := template
	for k, v := range payload {
		out = strings.ReplaceAll(out, "{"+k+"}", fmt.Sprintf("%v", v))
	}
	return out
}

// globMatch matches pattern against name using path.Match semantics,
// which is sufficient for the "agent/*" style hints the spec uses.
func globMatch(pattern, name string) bool {
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}
