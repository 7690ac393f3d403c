package semrouter

import (
	"context"
	"testing"
	"time"

	"github.com/llama-farm/atmosphere/internal/embedding"
	"github.com/llama-farm/atmosphere/internal/gradient"
)

func TestRegisterCapabilityAddsGradientSelfEntry(t *testing.T) {
	eng := embedding.New(embedding.NewHashBackend(32), 10)
	grad := gradient.New(10, time.Minute, 32)
	r := New("node-a", eng, grad, 0, 0)

	_, err := r.RegisterCapability(context.Background(), "chat", "general purpose chat assistant", "chat-handler", nil, nil)
	if err != nil {
		t.Fatalf("RegisterCapability: %v", err)
	}
	if grad.Len() != 1 {
		t.Fatalf("expected gradient self-entry, got %d entries", grad.Len())
	}
}

func TestRouteProcessLocalAboveMatchThreshold(t *testing.T) {
	eng := embedding.New(embedding.NewHashBackend(32), 10)
	grad := gradient.New(10, time.Minute, 32)
	r := New("node-a", eng, grad, 0, 0)

	ctx := context.Background()
	if _, err := r.RegisterCapability(ctx, "weather", "weather forecast lookup service", "weather-handler", nil, nil); err != nil {
		t.Fatalf("RegisterCapability: %v", err)
	}

	result, err := r.Route(ctx, "weather forecast lookup service")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if result.Action != ActionProcessLocal {
		t.Fatalf("expected PROCESS_LOCAL for near-identical text, got %s (score=%f)", result.Action, result.Score)
	}
}

func TestRouteNoMatchWhenNothingRegistered(t *testing.T) {
	eng := embedding.New(embedding.NewHashBackend(32), 10)
	grad := gradient.New(10, time.Minute, 32)
	r := New("node-a", eng, grad, 0, 0)

	result, err := r.Route(context.Background(), "anything at all")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if result.Action != ActionNoMatch {
		t.Fatalf("expected NO_MATCH with empty capability set, got %s", result.Action)
	}
}

func TestRouteForwardsToBetterRemoteMatch(t *testing.T) {
	eng := embedding.New(embedding.NewHashBackend(32), 10)
	grad := gradient.New(10, time.Minute, 32)
	r := New("node-a", eng, grad, 0.99, 0.1) // near-impossible local threshold

	ctx := context.Background()
	// weak local capability, unrelated text
	if _, err := r.RegisterCapability(ctx, "misc", "totally unrelated filler capability text", "misc-handler", nil, nil); err != nil {
		t.Fatalf("RegisterCapability: %v", err)
	}

	vec, err := eng.Embed(ctx, "image generation diffusion model", true)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	grad.Update("peer-b:image", "image generation diffusion model", vec, 1, "peer-b", "peer-b", 0)

	result, err := r.Route(ctx, "image generation diffusion model")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if result.Action != ActionForward {
		t.Fatalf("expected FORWARD to remote match, got %s", result.Action)
	}
	if result.NextHop != "peer-b" {
		t.Fatalf("expected next hop peer-b, got %s", result.NextHop)
	}
}
