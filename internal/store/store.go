// Package store persists services, versions, instances, and the event
// trail. It has no knowledge of routing or rollout state — those are
// runtime-only and live in internal/registry.
package store

import "github.com/cuemby/dsr/internal/types"

// Store is the persistence surface the reconciler, rollout coordinator,
// and CLI/API layer use. Implementations must serialize concurrent
// writers internally; callers issue independent reads and writes without
// external transactions.
type Store interface {
	// GetOrCreateService returns the service with the given name,
	// creating it if it does not exist.
	GetOrCreateService(name string) (*types.Service, error)
	GetServiceByName(name string) (*types.Service, error)
	ListServices() ([]*types.Service, error)
	// DeleteService removes a service and cascades to its versions and
	// their instances.
	DeleteService(id string) error

	// UpsertVersion creates or updates the (service, version) row. The
	// pair (service_id, version) is unique.
	UpsertVersion(v *types.Version) (*types.Version, error)
	GetVersion(serviceName, version string) (*types.Version, error)
	GetVersionByID(id string) (*types.Version, error)
	// ListVersions returns all versions, or only those of serviceName
	// when non-empty.
	ListVersions(serviceName string) ([]*types.Version, error)
	SetVersionState(id string, state types.VersionState) error
	SetVersionWeight(id string, weight int) error
	SetVersionReplicas(id string, replicas int) error
	// DeleteVersion removes a version and cascades to its instances.
	DeleteVersion(id string) error

	ListInstances(versionID string) ([]*types.Instance, error)
	InsertInstance(versionID, containerID, containerName string, status types.InstanceStatus) (*types.Instance, error)
	UpdateInstanceHealth(containerID string, status types.InstanceStatus, latencyMs float64) error
	BumpRestartCount(containerID string) error
	DeleteInstance(containerID string) error

	LogEvent(level types.EventLevel, message, service, version string) error
	LatestEvents(limit int) ([]*types.Event, error)

	Close() error
}
