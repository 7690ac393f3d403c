package validate

import "testing"

func TestCapabilityLabelAcceptsDNSLabel(t *testing.T) {
	if err := CapabilityLabel("image-classify"); err != nil {
		t.Fatalf("expected valid label, got %v", err)
	}
}

func TestCapabilityLabelRejectsEmpty(t *testing.T) {
	if err := CapabilityLabel(""); err == nil {
		t.Fatalf("expected error for empty label")
	}
}

func TestCapabilityLabelRejectsSlash(t *testing.T) {
	if err := CapabilityLabel("agent/chat"); err == nil {
		t.Fatalf("expected error for label containing a slash")
	}
}

func TestMeshNameRejectsUppercase(t *testing.T) {
	if err := MeshName("Home-Mesh"); err == nil {
		t.Fatalf("expected error for uppercase mesh name")
	}
}
