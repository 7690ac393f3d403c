package capability

import (
	"testing"

	"github.com/ipfs/go-cid"
)

func TestIDFormat(t *testing.T) {
	got := ID("node123", "chat")
	want := "node123:chat"
	if got != want {
		t.Fatalf("got %s want %s", got, want)
	}
}

func TestNewModelRefDeterministic(t *testing.T) {
	a, err := NewModelRef("llama3-8b-instruct")
	if err != nil {
		t.Fatalf("NewModelRef: %v", err)
	}
	b, err := NewModelRef("llama3-8b-instruct")
	if err != nil {
		t.Fatalf("NewModelRef: %v", err)
	}
	if !a.Equals(b) {
		t.Fatalf("expected identical CIDs for identical model identifier")
	}
}

func TestModelStringsRoundTrip(t *testing.T) {
	ref, err := NewModelRef("stable-diffusion-xl")
	if err != nil {
		t.Fatalf("NewModelRef: %v", err)
	}
	c := Capability{Models: []cid.Cid{ref}}
	strs := c.ModelStrings()
	if len(strs) != 1 || strs[0] != ref.String() {
		t.Fatalf("ModelStrings mismatch: %v", strs)
	}
}
