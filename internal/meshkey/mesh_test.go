package meshkey

import (
	"crypto/ed25519"
	"crypto/rand"
	"path/filepath"
	"testing"
)

func TestCreateMeshFounderSharePlusPending(t *testing.T) {
	founderPub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	mesh, founderShare, pending, err := CreateMesh("test-mesh", 3, 5, "node-1", founderPub, []string{"chat"}, "hw-hash")
	if err != nil {
		t.Fatalf("CreateMesh: %v", err)
	}
	if len(mesh.Founders) != 1 || mesh.Founders[0].ShareIndex != 1 {
		t.Fatalf("expected one founder with share index 1, got %+v", mesh.Founders)
	}
	if founderShare.Index != 1 {
		t.Fatalf("expected founder share index 1, got %d", founderShare.Index)
	}
	if len(pending) != 4 {
		t.Fatalf("expected 4 pending shares, got %d", len(pending))
	}
	if mesh.ID == "" || len(mesh.ID) != 16 {
		t.Fatalf("unexpected mesh ID: %q", mesh.ID)
	}
}

func TestCreateMeshReconstructMasterKey(t *testing.T) {
	founderPub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	mesh, founderShare, pending, err := CreateMesh("test-mesh", 3, 5, "node-1", founderPub, nil, "hw")
	if err != nil {
		t.Fatalf("CreateMesh: %v", err)
	}

	subset := append([]Share{founderShare}, pending[:2]...)
	priv, err := ReconstructMasterKey(subset)
	if err != nil {
		t.Fatalf("ReconstructMasterKey: %v", err)
	}
	if !priv.Public().(ed25519.PublicKey).Equal(mesh.MasterPublicKey) {
		t.Fatalf("reconstructed key does not match mesh master public key")
	}
}

func TestMeshSaveLoadRoundTrip(t *testing.T) {
	founderPub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	mesh, founderShare, _, err := CreateMesh("test-mesh", 2, 3, "node-1", founderPub, []string{"vision"}, "hw")
	if err != nil {
		t.Fatalf("CreateMesh: %v", err)
	}

	dir := t.TempDir()
	meshPath := filepath.Join(dir, "mesh.json")
	if err := mesh.Save(meshPath); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := LoadMesh(meshPath)
	if err != nil {
		t.Fatalf("LoadMesh: %v", err)
	}
	if loaded.ID != mesh.ID || !loaded.MasterPublicKey.Equal(mesh.MasterPublicKey) {
		t.Fatalf("loaded mesh identity does not match original")
	}
	if len(loaded.Founders) != 1 || loaded.Founders[0].NodeID != "node-1" {
		t.Fatalf("founders not round-tripped: %+v", loaded.Founders)
	}

	sharePath := filepath.Join(dir, "mesh.secrets")
	if err := SaveShare(sharePath, founderShare); err != nil {
		t.Fatalf("SaveShare: %v", err)
	}
	loadedShare, err := LoadShare(sharePath)
	if err != nil {
		t.Fatalf("LoadShare: %v", err)
	}
	if loadedShare.Index != founderShare.Index || loadedShare.Value.Cmp(founderShare.Value) != 0 {
		t.Fatalf("share not round-tripped correctly")
	}
}
