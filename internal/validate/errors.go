package validate

import "errors"

var (
	// ErrInvalidCapabilityLabel is returned when a capability label does
	// not match the DNS-label format (1-63 lowercase alphanumeric +
	// hyphens), which keeps labels safe for use in gradient/routing keys
	// and gossip envelope JSON.
	ErrInvalidCapabilityLabel = errors.New("invalid capability label")

	// ErrInvalidMeshName is returned when a mesh name does not match the
	// DNS-label format.
	ErrInvalidMeshName = errors.New("invalid mesh name")
)
