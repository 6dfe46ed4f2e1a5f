// Package types defines the persisted domain model: services, versions,
// instances, and the audit event trail. Runtime-only entities (route
// targets, rollout status) are not part of this package — they are owned
// by the registry and never written to the store. See internal/registry.
package types

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ServiceNameRE matches a DNS-safe service identifier.
var ServiceNameRE = regexp.MustCompile(`^[a-z][a-z0-9-]{0,62}$`)

// VersionLabelRE matches a version label unique within a service.
var VersionLabelRE = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,63}$`)

// ValidateServiceName rejects anything that is not DNS-safe.
func ValidateServiceName(name string) error {
	if !ServiceNameRE.MatchString(name) {
		return fmt.Errorf("invalid service name %q: must match %s", name, ServiceNameRE.String())
	}
	return nil
}

// ValidateVersionLabel rejects anything outside the allowed version grammar.
func ValidateVersionLabel(version string) error {
	if !VersionLabelRE.MatchString(version) {
		return fmt.Errorf("invalid version label %q: must match %s", version, VersionLabelRE.String())
	}
	return nil
}

// ValidateHealthPath keeps health_path a plain absolute path so the
// reconciler can never be turned into an open SSRF proxy.
func ValidateHealthPath(path string) error {
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("health_path %q must start with '/'", path)
	}
	if strings.Contains(path, "://") || strings.Contains(path, "..") {
		return fmt.Errorf("health_path %q must be a simple absolute path (no scheme, no '..')", path)
	}
	return nil
}

// Service is a logical name identifying a set of versions. Its identity
// is immutable once created and it has no fields of its own beyond name
// and creation time — everything interesting lives on its versions.
type Service struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// VersionState is the lifecycle stage of a Version.
type VersionState string

const (
	VersionActive    VersionState = "active"
	VersionCandidate VersionState = "candidate"
	VersionRetired   VersionState = "retired"
)

// Version is one deployable revision of a service.
type Version struct {
	ID              string
	ServiceID       string
	ServiceName     string
	Label           string
	Image           string
	InternalPort    int
	HealthPath      string
	DesiredReplicas int
	RouteWeight     int
	State           VersionState
	CreatedAt       time.Time
}

// InstanceStatus is the observed state of a running container.
type InstanceStatus string

const (
	InstanceStarting InstanceStatus = "starting"
	InstanceUp       InstanceStatus = "up"
	InstanceDown     InstanceStatus = "down"
)

// Instance is a running container of a version.
type Instance struct {
	ID            string
	VersionID     string
	ContainerID   string
	ContainerName string
	Status        InstanceStatus
	LastHealthTS  time.Time
	LastLatencyMs float64
	RestartCount  int
	CreatedAt     time.Time
}

// EventLevel classifies an audit Event's severity.
type EventLevel string

const (
	EventInfo  EventLevel = "INFO"
	EventWarn  EventLevel = "WARN"
	EventError EventLevel = "ERROR"
)

// Event is an append-only audit record.
type Event struct {
	ID        string
	Timestamp time.Time
	Level     EventLevel
	Service   string
	Version   string
	Message   string
}
