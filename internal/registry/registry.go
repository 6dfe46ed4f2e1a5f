// Package registry holds the runtime-only state shared between the
// reconciler, the rollout coordinator, and the gateway: current routing
// targets, rolling health counters, round-robin cursors, and in-flight
// rollout status. None of it is persisted — on restart the reconciler
// rebuilds routing from the store and health counters start cold.
package registry

import (
	"sync"
	"time"
)

// RouteTarget is one backend the gateway can send traffic to.
type RouteTarget struct {
	Service   string
	Version   string
	BaseURL   string
	Weight    int
	LatencyMs float64
}

// RolloutState is the lifecycle stage of a rollout.
type RolloutState string

const (
	RolloutRunning RolloutState = "running"
	RolloutPaused  RolloutState = "paused"
	RolloutDone    RolloutState = "done"
	RolloutFailed  RolloutState = "failed"
)

// RolloutStatus is the observable state of an in-progress or finished rollout.
type RolloutStatus struct {
	ID        string
	Service   string
	ToVersion string
	State     RolloutState
	Message   string
	StartedAt time.Time
	UpdatedAt time.Time
}

// State is the in-memory registry. All access goes through a single mutex
// with short critical sections; callers never get a reference into the
// registry's own maps or slices, only copies.
type State struct {
	mu sync.Mutex

	lastStatus map[string]bool      // container_id -> last healthy
	failCounts map[string]int       // container_id -> consecutive fails
	routing    map[string][]RouteTarget
	rrIndex    map[string]int
	rollouts   map[string]*RolloutStatus
}

// New returns an empty registry.
func New() *State {
	return &State{
		lastStatus: make(map[string]bool),
		failCounts: make(map[string]int),
		routing:    make(map[string][]RouteTarget),
		rrIndex:    make(map[string]int),
		rollouts:   make(map[string]*RolloutStatus),
	}
}

// SetTargets replaces the routing table for a service.
func (s *State) SetTargets(service string, targets []RouteTarget) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]RouteTarget, len(targets))
	copy(cp, targets)
	s.routing[service] = cp
}

// GetTargets returns a snapshot copy of a service's routing table.
func (s *State) GetTargets(service string) []RouteTarget {
	s.mu.Lock()
	defer s.mu.Unlock()
	targets := s.routing[service]
	cp := make([]RouteTarget, len(targets))
	copy(cp, targets)
	return cp
}

// MarkHealth records a probe outcome for a container and returns the
// previous health (nil if this is the first observation) plus the
// current consecutive-failure count.
func (s *State) MarkHealth(containerID string, healthy bool) (prev *bool, failCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.lastStatus[containerID]; ok {
		prevCopy := v
		prev = &prevCopy
	}

	if healthy {
		s.lastStatus[containerID] = true
		s.failCounts[containerID] = 0
		return prev, 0
	}

	s.lastStatus[containerID] = false
	s.failCounts[containerID]++
	return prev, s.failCounts[containerID]
}

// Forget drops all health bookkeeping for a container, e.g. after it has
// been replaced during self-heal.
func (s *State) Forget(containerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lastStatus, containerID)
	delete(s.failCounts, containerID)
}

// NextIndex advances and returns a round-robin cursor for key, wrapping
// modulo n. Returns 0 for n <= 0 without advancing the cursor.
func (s *State) NextIndex(key string, n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 {
		return 0
	}
	i := s.rrIndex[key] % n
	s.rrIndex[key] = (i + 1) % n
	return i
}

// UpsertRollout stores or updates a rollout's status, stamping UpdatedAt.
func (s *State) UpsertRollout(st *RolloutStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.UpdatedAt = time.Now().UTC()
	if st.StartedAt.IsZero() {
		st.StartedAt = st.UpdatedAt
	}
	cp := *st
	s.rollouts[st.ID] = &cp
}

// GetRollout returns a copy of a rollout's status, or nil if unknown.
func (s *State) GetRollout(rolloutID string) *RolloutStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.rollouts[rolloutID]
	if !ok {
		return nil
	}
	cp := *st
	return &cp
}

// ListRollouts returns a snapshot copy of all known rollouts.
func (s *State) ListRollouts() []*RolloutStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*RolloutStatus, 0, len(s.rollouts))
	for _, st := range s.rollouts {
		cp := *st
		out = append(out, &cp)
	}
	return out
}
