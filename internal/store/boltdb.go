package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/dsr/internal/types"
)

var (
	bucketServices  = []byte("services")
	bucketVersions  = []byte("versions")
	bucketInstances = []byte("instances")
	bucketEvents    = []byte("events")
)

// BoltStore implements Store on top of a single BoltDB file, one bucket
// per entity, JSON-encoded values keyed by ID.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if needed) a BoltDB file at path. If path
// exists and is a directory, the database file is placed inside it as
// dsr.db; parent directories are created as needed.
func NewBoltStore(path string) (*BoltStore, error) {
	resolved, err := resolveDBPath(path)
	if err != nil {
		return nil, err
	}

	db, err := bolt.Open(resolved, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database at %s: %w", resolved, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketServices, bucketVersions, bucketInstances, bucketEvents} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func resolveDBPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve db path %s: %w", path, err)
	}

	if info, err := os.Stat(abs); err == nil && info.IsDir() {
		abs = filepath.Join(abs, "dsr.db")
	}

	parent := filepath.Dir(abs)
	if parent != "" {
		if err := os.MkdirAll(parent, 0755); err != nil {
			return "", fmt.Errorf("create db parent dir %s: %w", parent, err)
		}
	}

	return abs, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// --- services ---

func (s *BoltStore) GetOrCreateService(name string) (*types.Service, error) {
	if existing, err := s.GetServiceByName(name); err == nil && existing != nil {
		return existing, nil
	}

	svc := &types.Service{
		ID:        uuid.New().String(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(svc)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketServices).Put([]byte(svc.ID), data)
	})
	if err != nil {
		return nil, fmt.Errorf("create service %s: %w", name, err)
	}
	return svc, nil
}

func (s *BoltStore) GetServiceByName(name string) (*types.Service, error) {
	var found *types.Service
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServices).ForEach(func(k, v []byte) error {
			var svc types.Service
			if err := json.Unmarshal(v, &svc); err != nil {
				return err
			}
			if svc.Name == name {
				found = &svc
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("service not found: %s", name)
	}
	return found, nil
}

func (s *BoltStore) ListServices() ([]*types.Service, error) {
	var out []*types.Service
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServices).ForEach(func(k, v []byte) error {
			var svc types.Service
			if err := json.Unmarshal(v, &svc); err != nil {
				return err
			}
			out = append(out, &svc)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) DeleteService(id string) error {
	versions, err := s.ListVersions("")
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		for _, v := range versions {
			if v.ServiceID != id {
				continue
			}
			if err := deleteInstancesForVersion(tx, v.ID); err != nil {
				return err
			}
			if err := tx.Bucket(bucketVersions).Delete([]byte(v.ID)); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketServices).Delete([]byte(id))
	})
}

// --- versions ---

func (s *BoltStore) UpsertVersion(v *types.Version) (*types.Version, error) {
	existing, _ := s.GetVersion(v.ServiceName, v.Label)

	out := *v
	if existing != nil {
		out.ID = existing.ID
		out.CreatedAt = existing.CreatedAt
	} else {
		out.ID = uuid.New().String()
		out.CreatedAt = time.Now().UTC()
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(&out)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketVersions).Put([]byte(out.ID), data)
	})
	if err != nil {
		return nil, fmt.Errorf("upsert version %s/%s: %w", v.ServiceName, v.Label, err)
	}
	return &out, nil
}

func (s *BoltStore) GetVersion(serviceName, version string) (*types.Version, error) {
	versions, err := s.ListVersions(serviceName)
	if err != nil {
		return nil, err
	}
	for _, v := range versions {
		if v.Label == version {
			return v, nil
		}
	}
	return nil, nil
}

func (s *BoltStore) GetVersionByID(id string) (*types.Version, error) {
	var v types.Version
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketVersions).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("version not found: %s", id)
		}
		return json.Unmarshal(data, &v)
	})
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *BoltStore) ListVersions(serviceName string) ([]*types.Version, error) {
	var out []*types.Version
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVersions).ForEach(func(k, v []byte) error {
			var ver types.Version
			if err := json.Unmarshal(v, &ver); err != nil {
				return err
			}
			if serviceName == "" || ver.ServiceName == serviceName {
				out = append(out, &ver)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) SetVersionState(id string, state types.VersionState) error {
	return s.mutateVersion(id, func(v *types.Version) { v.State = state })
}

func (s *BoltStore) SetVersionWeight(id string, weight int) error {
	return s.mutateVersion(id, func(v *types.Version) { v.RouteWeight = weight })
}

func (s *BoltStore) SetVersionReplicas(id string, replicas int) error {
	return s.mutateVersion(id, func(v *types.Version) { v.DesiredReplicas = replicas })
}

func (s *BoltStore) mutateVersion(id string, mutate func(*types.Version)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVersions)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("version not found: %s", id)
		}
		var v types.Version
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		mutate(&v)
		updated, err := json.Marshal(&v)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), updated)
	})
}

func (s *BoltStore) DeleteVersion(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := deleteInstancesForVersion(tx, id); err != nil {
			return err
		}
		return tx.Bucket(bucketVersions).Delete([]byte(id))
	})
}

func deleteInstancesForVersion(tx *bolt.Tx, versionID string) error {
	b := tx.Bucket(bucketInstances)
	var toDelete [][]byte
	err := b.ForEach(func(k, v []byte) error {
		var inst types.Instance
		if err := json.Unmarshal(v, &inst); err != nil {
			return err
		}
		if inst.VersionID == versionID {
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range toDelete {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// --- instances ---

func (s *BoltStore) ListInstances(versionID string) ([]*types.Instance, error) {
	var out []*types.Instance
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstances).ForEach(func(k, v []byte) error {
			var inst types.Instance
			if err := json.Unmarshal(v, &inst); err != nil {
				return err
			}
			if inst.VersionID == versionID {
				out = append(out, &inst)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) InsertInstance(versionID, containerID, containerName string, status types.InstanceStatus) (*types.Instance, error) {
	inst := &types.Instance{
		ID:            uuid.New().String(),
		VersionID:     versionID,
		ContainerID:   containerID,
		ContainerName: containerName,
		Status:        status,
		CreatedAt:     time.Now().UTC(),
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(inst)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketInstances).Put([]byte(inst.ID), data)
	})
	if err != nil {
		return nil, fmt.Errorf("insert instance for container %s: %w", containerID, err)
	}
	return inst, nil
}

func (s *BoltStore) UpdateInstanceHealth(containerID string, status types.InstanceStatus, latencyMs float64) error {
	return s.mutateInstanceByContainerID(containerID, func(inst *types.Instance) {
		inst.Status = status
		inst.LastHealthTS = time.Now().UTC()
		inst.LastLatencyMs = latencyMs
	})
}

func (s *BoltStore) BumpRestartCount(containerID string) error {
	return s.mutateInstanceByContainerID(containerID, func(inst *types.Instance) {
		inst.RestartCount++
	})
}

func (s *BoltStore) DeleteInstance(containerID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		key, err := findInstanceKey(b, containerID)
		if err != nil {
			return err
		}
		if key == nil {
			return nil
		}
		return b.Delete(key)
	})
}

func (s *BoltStore) mutateInstanceByContainerID(containerID string, mutate func(*types.Instance)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		key, err := findInstanceKey(b, containerID)
		if err != nil {
			return err
		}
		if key == nil {
			return fmt.Errorf("instance not found for container %s", containerID)
		}
		var inst types.Instance
		if err := json.Unmarshal(b.Get(key), &inst); err != nil {
			return err
		}
		mutate(&inst)
		data, err := json.Marshal(&inst)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func findInstanceKey(b *bolt.Bucket, containerID string) ([]byte, error) {
	var key []byte
	err := b.ForEach(func(k, v []byte) error {
		var inst types.Instance
		if err := json.Unmarshal(v, &inst); err != nil {
			return err
		}
		if inst.ContainerID == containerID {
			key = append([]byte(nil), k...)
		}
		return nil
	})
	return key, err
}

// --- events ---

func (s *BoltStore) LogEvent(level types.EventLevel, message, service, version string) error {
	ev := &types.Event{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Level:     level,
		Service:   service,
		Version:   version,
		Message:   message,
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketEvents).Put(eventKey(ev.Timestamp, ev.ID), data)
	})
}

func (s *BoltStore) LatestEvents(limit int) ([]*types.Event, error) {
	var out []*types.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Last(); k != nil && (limit <= 0 || len(out) < limit); k, v = c.Prev() {
			var ev types.Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			out = append(out, &ev)
		}
		return nil
	})
	return out, err
}

// eventKey sorts lexicographically by timestamp so the bucket's natural
// cursor order is chronological. The fractional seconds are fixed-width
// (RFC3339Nano would drop trailing zeros and break that ordering).
func eventKey(ts time.Time, id string) []byte {
	return []byte(ts.UTC().Format("2006-01-02T15:04:05.000000000Z07:00") + "|" + id)
}

var _ Store = (*BoltStore)(nil)
