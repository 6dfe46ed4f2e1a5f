package engine

import (
	"context"
	"fmt"
	"sync"
)

// FakeEngine is an in-memory Engine used by reconciler and rollout tests.
// It never touches a real container runtime.
type FakeEngine struct {
	mu         sync.Mutex
	containers map[string]fakeContainer
	seq        int
	down       bool
}

type fakeContainer struct {
	ref     ContainerRef
	service string
	version string
	running bool
}

// NewFakeEngine returns an empty fake engine, available by default.
func NewFakeEngine() *FakeEngine {
	return &FakeEngine{containers: make(map[string]fakeContainer)}
}

// SetAvailable toggles Available()'s return value, simulating an
// unreachable engine backend.
func (f *FakeEngine) SetAvailable(available bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = !available
}

func (f *FakeEngine) Available(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.down
}

func (f *FakeEngine) EnsureNetwork(ctx context.Context) error {
	return nil
}

func (f *FakeEngine) CreateAndStart(ctx context.Context, spec CreateSpec) (ContainerRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return ContainerRef{}, fmt.Errorf("fake engine is unavailable")
	}
	f.seq++
	id := fmt.Sprintf("fake-%d", f.seq)
	name := fmt.Sprintf("dsr-%s-%s-%06d", spec.Service, spec.Version, f.seq)
	ref := ContainerRef{ID: id, Name: name}
	f.containers[id] = fakeContainer{ref: ref, service: spec.Service, version: spec.Version, running: true}
	return ref, nil
}

func (f *FakeEngine) Remove(ctx context.Context, containerID string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, containerID)
	return nil
}

func (f *FakeEngine) ListByLabels(ctx context.Context, labels map[string]string) ([]ContainerRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var refs []ContainerRef
	for _, c := range f.containers {
		if svc, ok := labels[LabelService]; ok && svc != c.service {
			continue
		}
		if ver, ok := labels[LabelVersion]; ok && ver != c.version {
			continue
		}
		refs = append(refs, c.ref)
	}
	return refs, nil
}

func (f *FakeEngine) IsRunning(ctx context.Context, containerID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	return ok && c.running
}

// StopContainer marks a container as no longer running without removing
// its record, simulating a crash the reconciler must notice.
func (f *FakeEngine) StopContainer(containerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[containerID]; ok {
		c.running = false
		f.containers[containerID] = c
	}
}

var _ Engine = (*FakeEngine)(nil)
