package topology

import "errors"

var (
	// ErrUnsupportedArchitecture is returned for model types without a weight mapping.
	ErrUnsupportedArchitecture = errors.New("topology: unsupported architecture")

	// ErrMissingWeight is returned when a required tensor is absent.
	ErrMissingWeight = errors.New("topology: missing weight")

	// ErrInvalidTopology is returned when weights and spaces do not fit together.
	ErrInvalidTopology = errors.New("topology: invalid topology")

	// ErrUnknownSpace is returned for a space or head group name the topology does not define.
	ErrUnknownSpace = errors.New("topology: unknown space")
)
