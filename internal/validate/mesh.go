package validate

import (
	"fmt"
	"regexp"
)

// meshNameRe matches DNS-label-style mesh names: 1-63 lowercase
// alphanumeric or hyphens, starting and ending with alphanumeric.
var meshNameRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// MeshName checks that a mesh name is DNS-label safe.
func MeshName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidMeshName)
	}
	if !meshNameRe.MatchString(name) {
		return fmt.Errorf("%w: %q must be 1-63 lowercase alphanumeric characters or hyphens, starting and ending with alphanumeric", ErrInvalidMeshName, name)
	}
	return nil
}
