package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/dsr/internal/types"
)

// MemStore is an in-memory Store used by the reconciler, rollout, api,
// gateway, and events tests so they never touch a BoltDB file on disk.
type MemStore struct {
	mu        sync.Mutex
	services  map[string]*types.Service
	versions  map[string]*types.Version
	instances map[string]*types.Instance
	events    []*types.Event
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		services:  make(map[string]*types.Service),
		versions:  make(map[string]*types.Version),
		instances: make(map[string]*types.Instance),
	}
}

func (s *MemStore) Close() error { return nil }

func (s *MemStore) GetOrCreateService(name string) (*types.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, svc := range s.services {
		if svc.Name == name {
			cp := *svc
			return &cp, nil
		}
	}
	svc := &types.Service{ID: uuid.New().String(), Name: name, CreatedAt: time.Now().UTC()}
	s.services[svc.ID] = svc
	cp := *svc
	return &cp, nil
}

func (s *MemStore) GetServiceByName(name string) (*types.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, svc := range s.services {
		if svc.Name == name {
			cp := *svc
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("service not found: %s", name)
}

func (s *MemStore) ListServices() ([]*types.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Service, 0, len(s.services))
	for _, svc := range s.services {
		cp := *svc
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemStore) DeleteService(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for vid, v := range s.versions {
		if v.ServiceID != id {
			continue
		}
		s.deleteInstancesForVersionLocked(vid)
		delete(s.versions, vid)
	}
	delete(s.services, id)
	return nil
}

func (s *MemStore) UpsertVersion(v *types.Version) (*types.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.versions {
		if existing.ServiceID == v.ServiceID && existing.Label == v.Label {
			out := *v
			out.ID = existing.ID
			out.CreatedAt = existing.CreatedAt
			s.versions[out.ID] = &out
			cp := out
			return &cp, nil
		}
	}

	out := *v
	out.ID = uuid.New().String()
	out.CreatedAt = time.Now().UTC()
	s.versions[out.ID] = &out
	cp := out
	return &cp, nil
}

func (s *MemStore) GetVersion(serviceName, version string) (*types.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.versions {
		if v.ServiceName == serviceName && v.Label == version {
			cp := *v
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemStore) GetVersionByID(id string) (*types.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[id]
	if !ok {
		return nil, fmt.Errorf("version not found: %s", id)
	}
	cp := *v
	return &cp, nil
}

func (s *MemStore) ListVersions(serviceName string) ([]*types.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Version
	for _, v := range s.versions {
		if serviceName == "" || v.ServiceName == serviceName {
			cp := *v
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) SetVersionState(id string, state types.VersionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[id]
	if !ok {
		return fmt.Errorf("version not found: %s", id)
	}
	v.State = state
	return nil
}

func (s *MemStore) SetVersionWeight(id string, weight int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[id]
	if !ok {
		return fmt.Errorf("version not found: %s", id)
	}
	v.RouteWeight = weight
	return nil
}

func (s *MemStore) SetVersionReplicas(id string, replicas int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[id]
	if !ok {
		return fmt.Errorf("version not found: %s", id)
	}
	v.DesiredReplicas = replicas
	return nil
}

func (s *MemStore) DeleteVersion(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteInstancesForVersionLocked(id)
	delete(s.versions, id)
	return nil
}

func (s *MemStore) deleteInstancesForVersionLocked(versionID string) {
	for id, inst := range s.instances {
		if inst.VersionID == versionID {
			delete(s.instances, id)
		}
	}
}

func (s *MemStore) ListInstances(versionID string) ([]*types.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Instance
	for _, inst := range s.instances {
		if inst.VersionID == versionID {
			cp := *inst
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) InsertInstance(versionID, containerID, containerName string, status types.InstanceStatus) (*types.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst := &types.Instance{
		ID:            uuid.New().String(),
		VersionID:     versionID,
		ContainerID:   containerID,
		ContainerName: containerName,
		Status:        status,
		CreatedAt:     time.Now().UTC(),
	}
	s.instances[inst.ID] = inst
	cp := *inst
	return &cp, nil
}

func (s *MemStore) UpdateInstanceHealth(containerID string, status types.InstanceStatus, latencyMs float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, err := s.findByContainerIDLocked(containerID)
	if err != nil {
		return err
	}
	inst.Status = status
	inst.LastHealthTS = time.Now().UTC()
	inst.LastLatencyMs = latencyMs
	return nil
}

func (s *MemStore) BumpRestartCount(containerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, err := s.findByContainerIDLocked(containerID)
	if err != nil {
		return err
	}
	inst.RestartCount++
	return nil
}

func (s *MemStore) DeleteInstance(containerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, inst := range s.instances {
		if inst.ContainerID == containerID {
			delete(s.instances, id)
			return nil
		}
	}
	return nil
}

func (s *MemStore) findByContainerIDLocked(containerID string) (*types.Instance, error) {
	for _, inst := range s.instances {
		if inst.ContainerID == containerID {
			return inst, nil
		}
	}
	return nil, fmt.Errorf("instance not found for container %s", containerID)
}

func (s *MemStore) LogEvent(level types.EventLevel, message, service, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, &types.Event{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Level:     level,
		Service:   service,
		Version:   version,
		Message:   message,
	})
	return nil
}

func (s *MemStore) LatestEvents(limit int) ([]*types.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.events)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*types.Event, n)
	for i := 0; i < n; i++ {
		ev := *s.events[len(s.events)-1-i]
		out[i] = &ev
	}
	return out, nil
}

var _ Store = (*MemStore)(nil)
