package trigger

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recordingHandler struct {
	mu    sync.Mutex
	texts []string
}

func (r *recordingHandler) HandleIntent(_ context.Context, intent Intent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, intent.Text)
	return nil
}

func (r *recordingHandler) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.texts)
}

type fakeFallback struct {
	capID string
	ok    bool
}

func (f fakeFallback) RouteIntentText(context.Context, string) (string, bool) {
	return f.capID, f.ok
}

func TestFireThrottlesRepeatedFiring(t *testing.T) {
	d := New(nil, 8)
	h := &recordingHandler{}
	d.RegisterExact("cap-a", h)

	def := Definition{CapabilityID: "cap-a", Event: "low_battery", Template: "battery low", RouteHint: "capability:cap-a", Throttle: time.Minute}
	now := time.Unix(1000, 0)

	fired, n, err := d.Fire(context.Background(), def, nil, now)
	if err != nil || !fired || n != 1 {
		t.Fatalf("first fire: fired=%v n=%d err=%v", fired, n, err)
	}

	fired, _, err = d.Fire(context.Background(), def, nil, now.Add(10*time.Second))
	if err != nil || fired {
		t.Fatalf("expected second fire within throttle window to be dropped, got fired=%v err=%v", fired, err)
	}

	fired, n, err = d.Fire(context.Background(), def, nil, now.Add(2*time.Minute))
	if err != nil || !fired || n != 1 {
		t.Fatalf("third fire after throttle window: fired=%v n=%d err=%v", fired, n, err)
	}
}

func TestFireResolvesExactHintBeforeFallback(t *testing.T) {
	d := New(fakeFallback{capID: "wrong", ok: true}, 8)
	exact := &recordingHandler{}
	d.RegisterExact("cap-a", exact)

	def := Definition{CapabilityID: "cap-a", Event: "e", Template: "hello", RouteHint: "capability:cap-a"}
	_, n, err := d.Fire(context.Background(), def, nil, time.Unix(1, 0))
	if err != nil || n != 1 {
		t.Fatalf("Fire: n=%d err=%v", n, err)
	}

	d.Run(context.Background())
	defer d.Stop()
	deadline := time.After(time.Second)
	for exact.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("handler was never invoked")
		default:
		}
	}
}

func TestFireFallsBackToSemanticRouterWhenNoHint(t *testing.T) {
	resolved := &recordingHandler{}
	d := New(fakeFallback{capID: "cap-b", ok: true}, 8)
	d.RegisterExact("cap-b", resolved)

	def := Definition{CapabilityID: "cap-a", Event: "e", Template: "need help"}
	_, n, err := d.Fire(context.Background(), def, nil, time.Unix(1, 0))
	if err != nil || n != 1 {
		t.Fatalf("Fire: n=%d err=%v", n, err)
	}
}

func TestFireDispatchesToPatternAndGlobalSubscribers(t *testing.T) {
	d := New(nil, 8)
	pattern := &recordingHandler{}
	global := &recordingHandler{}
	d.Subscribe("agent/*", pattern)
	d.SubscribeGlobal(global)

	def := Definition{CapabilityID: "cap-a", Event: "e", Template: "agent/online"}
	_, n, err := d.Fire(context.Background(), def, nil, time.Unix(1, 0))
	if err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected pattern + global subscriber both enqueued, got %d", n)
	}
}

func TestTemplateSubstitutesPayloadFields(t *testing.T) {
	got := formatTemplate("battery at {level}%", map[string]any{"level": 12})
	if got != "battery at 12%" {
		t.Fatalf("unexpected formatted text: %q", got)
	}
}

func TestRunProcessesQueuedIntentsAcrossPriorities(t *testing.T) {
	d := New(nil, 8)
	h := &recordingHandler{}
	d.RegisterExact("cap-a", h)

	for i := 0; i < 3; i++ {
		def := Definition{CapabilityID: "cap-a", Event: "e", Template: "tick", RouteHint: "capability:cap-a", Priority: i}
		if _, _, err := d.Fire(context.Background(), def, nil, time.Unix(int64(i), 0)); err != nil {
			t.Fatalf("Fire: %v", err)
		}
	}

	d.Run(context.Background())
	defer d.Stop()

	deadline := time.Now().Add(time.Second)
	for h.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if h.count() != 3 {
		t.Fatalf("expected all 3 intents processed, got %d", h.count())
	}
}
