package cluster

import (
	"errors"
	"fmt"
)

var (
	// ErrClusterDisabled is returned by operations that require an
	// enabled cluster when CLUSTER_ENABLED is false.
	ErrClusterDisabled = errors.New("cluster disabled")

	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnknownPriority is returned for a priority outside high/normal/low.
	ErrUnknownPriority = errors.New("unknown priority")

	// ErrUnknownChannel is returned for an event channel outside the
	// fixed set.
	ErrUnknownChannel = errors.New("unknown event channel")
)

// DimensionError reports an embedding whose length does not match the
// index's declared dimensionality.
type DimensionError struct {
	Want int
	Got  int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("embedding dimension mismatch: want %d, got %d", e.Want, e.Got)
}
