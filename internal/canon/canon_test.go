package canon

import (
	"testing"
)

func TestMarshalSortsMapKeys(t *testing.T) {
	v := map[string]interface{}{
		"zebra": 1,
		"alpha": 2,
		"mid":   map[string]interface{}{"z": 1, "a": 2},
	}
	got, err := Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"alpha":2,"mid":{"a":2,"z":1},"zebra":1}`
	if string(got) != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestMarshalStable(t *testing.T) {
	type payload struct {
		Caps map[string]interface{} `json:"caps"`
		ID   string                 `json:"id"`
	}
	p := payload{ID: "node:1", Caps: map[string]interface{}{"b": 1, "a": 2}}

	first, err := Marshal(p)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	second, err := Marshal(p)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(first) != string(second) {
		t.Fatalf("serialize->serialize not stable: %s vs %s", first, second)
	}
}

func TestMarshalSortedStrings(t *testing.T) {
	in := []string{"vision", "chat", "llm"}
	out := MarshalSortedStrings(in)
	want := []string{"chat", "llm", "vision"}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("index %d: got %s want %s", i, out[i], want[i])
		}
	}
	// input slice must not be mutated
	if in[0] != "vision" {
		t.Fatalf("input slice mutated: %v", in)
	}
}
