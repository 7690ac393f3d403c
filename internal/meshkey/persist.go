package meshkey

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"os"

	"github.com/llama-farm/atmosphere/internal/identity"
)

// Save writes the mesh's public metadata to path (mesh.json). No secret
// material is present in this file; it may be world-readable.
func (m *MeshIdentity) Save(path string) error {
	disk := onDiskMesh{
		ID:              m.ID,
		Name:            m.Name,
		MasterPublicKey: base64.StdEncoding.EncodeToString(m.MasterPublicKey),
		Threshold:       m.Threshold,
		TotalShares:     m.TotalShares,
		Founders:        m.Founders,
	}
	data, err := json.MarshalIndent(disk, "", "  ")
	if err != nil {
		return fmt.Errorf("meshkey: marshal mesh identity: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("meshkey: save mesh identity to %s: %w", path, err)
	}
	return nil
}

// LoadMesh reads mesh.json.
func LoadMesh(path string) (*MeshIdentity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("meshkey: read mesh identity from %s: %w", path, err)
	}
	var disk onDiskMesh
	if err := json.Unmarshal(data, &disk); err != nil {
		return nil, fmt.Errorf("meshkey: unmarshal mesh identity from %s: %w", path, err)
	}
	pub, err := base64.StdEncoding.DecodeString(disk.MasterPublicKey)
	if err != nil {
		return nil, fmt.Errorf("meshkey: malformed master public key in %s: %w", path, err)
	}
	return &MeshIdentity{
		ID:              disk.ID,
		Name:            disk.Name,
		MasterPublicKey: pub,
		Threshold:       disk.Threshold,
		TotalShares:     disk.TotalShares,
		Founders:        disk.Founders,
	}, nil
}

// secretsOnDisk mirrors mesh.secrets' wire shape: the local node's Shamir
// share of the mesh master key.
type secretsOnDisk struct {
	ShareIndex int    `json:"share_index"`
	ShareValue string `json:"share_value"` // decimal big.Int
}

// SaveShare persists this node's local Shamir share to path (mesh.secrets)
// with owner-only permissions, alongside the node's own signing keypair
// which already lives in identity.json.
func SaveShare(path string, share Share) error {
	disk := secretsOnDisk{
		ShareIndex: share.Index,
		ShareValue: share.Value.String(),
	}
	data, err := json.MarshalIndent(disk, "", "  ")
	if err != nil {
		return fmt.Errorf("meshkey: marshal share: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("meshkey: save share to %s: %w", path, err)
	}
	return nil
}

// LoadShare reads a previously-saved local Shamir share, refusing to
// proceed if file permissions have been loosened.
func LoadShare(path string) (Share, error) {
	if err := identity.CheckKeyFilePermissions(path); err != nil {
		return Share{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Share{}, fmt.Errorf("meshkey: read share from %s: %w", path, err)
	}
	var disk secretsOnDisk
	if err := json.Unmarshal(data, &disk); err != nil {
		return Share{}, fmt.Errorf("meshkey: unmarshal share from %s: %w", path, err)
	}
	value, ok := new(big.Int).SetString(disk.ShareValue, 10)
	if !ok {
		return Share{}, fmt.Errorf("meshkey: malformed share value in %s", path)
	}
	return Share{Index: disk.ShareIndex, Value: value}, nil
}
