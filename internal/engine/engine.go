// Package engine drives containers for the reconciler: ensuring a
// network exists, creating and removing labeled containers, and
// reporting their running state. The reconciler never restarts a
// container in place; self-healing is always remove-then-create.
package engine

import "context"

// LabelService and LabelVersion are set on every container the engine
// creates so ListByLabels can rediscover them.
const (
	LabelService = "engine.service"
	LabelVersion = "engine.version"
)

// ContainerRef identifies a created or listed container.
type ContainerRef struct {
	ID   string
	Name string
}

// CreateSpec describes a container to create and start.
type CreateSpec struct {
	Service      string
	Version      string
	Image        string
	InternalPort int
	Env          map[string]string
	Command      []string
}

// Engine is the minimal container lifecycle surface the reconciler needs.
// Implementations must make Remove idempotent: removing an already-gone
// container is not an error.
type Engine interface {
	// EnsureNetwork creates the shared network if it does not already exist.
	EnsureNetwork(ctx context.Context) error

	// CreateAndStart creates a container from spec, starts it with restart
	// policy off, and returns its id/name.
	CreateAndStart(ctx context.Context, spec CreateSpec) (ContainerRef, error)

	// Remove deletes a container. force kills it first if still running.
	// A not-found container is treated as already removed.
	Remove(ctx context.Context, containerID string, force bool) error

	// ListByLabels returns all containers (running or not) matching the
	// given label selector, e.g. {LabelService: "web"}.
	ListByLabels(ctx context.Context, labels map[string]string) ([]ContainerRef, error)

	// IsRunning reports whether a container is currently running.
	IsRunning(ctx context.Context, containerID string) bool

	// Available reports whether the engine's backend is reachable.
	Available(ctx context.Context) bool
}

// BaseURL returns the intra-network HTTP base URL for a container,
// reachable by any other container on the same engine network.
func BaseURL(containerName string, internalPort int) string {
	return httpBase(containerName, internalPort)
}
