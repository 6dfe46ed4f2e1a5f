// Package rollout drives a weighted shift of traffic from a service's
// active version(s) to a new candidate, either one step at a time or
// fully automatically in a background goroutine.
package rollout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/dsr/internal/log"
	"github.com/cuemby/dsr/internal/metrics"
	"github.com/cuemby/dsr/internal/registry"
	"github.com/cuemby/dsr/internal/store"
	"github.com/cuemby/dsr/internal/types"
)

// Strategy distinguishes a multi-step canary from the degenerate
// single-step blue-green case. Both use the same step-schedule engine;
// blue-green simply forces canary_weight to 0 and a single step of 100.
type Strategy string

const (
	StrategyCanary    Strategy = "canary"
	StrategyBlueGreen Strategy = "blue-green"
)

// Plan is the immutable-ish configuration plus mutable progress cursor
// for one in-flight rollout.
type Plan struct {
	Service        string
	ToVersion      string
	Strategy       Strategy
	CanaryWeight   int
	StepPercent    int
	StepIntervalS  int
	Auto           bool
	MaxWaitS       int
	Steps          []int
	StepIndex      int
}

// StartOptions are the caller-supplied inputs to Start.
type StartOptions struct {
	Service         string
	ToVersion       string
	Image           string
	InternalPort    int
	HealthPath      string
	Replicas        int
	Strategy        Strategy
	CanaryWeight    int
	StepPercent     int
	StepIntervalS   int
	Auto            bool
	MaxWaitS        int
}

// Coordinator tracks in-flight rollout plans. Runtime status lives in
// the registry; the Coordinator only holds the step schedule needed to
// drive Continue/auto progression.
type Coordinator struct {
	store    store.Store
	registry *registry.State
	logger   zerolog.Logger

	mu    sync.Mutex
	plans map[string]*Plan
}

// New builds a Coordinator.
func New(st store.Store, reg *registry.State) *Coordinator {
	return &Coordinator{
		store:    st,
		registry: reg,
		logger:   log.WithComponent("rollout"),
		plans:    make(map[string]*Plan),
	}
}

// Start creates the candidate version, rebalances sibling active
// versions, and registers a rollout plan. If opts.Auto, a background
// goroutine drives the rollout to completion; otherwise the caller must
// call Continue for each step.
func (c *Coordinator) Start(ctx context.Context, opts StartOptions) (string, error) {
	canaryWeight := clamp(opts.CanaryWeight, 0, 100)
	stepPercent := clamp(opts.StepPercent, 1, 100)
	stepInterval := opts.StepIntervalS
	if stepInterval < 1 {
		stepInterval = 1
	}
	replicas := opts.Replicas
	if replicas < 1 {
		replicas = 1
	}
	maxWait := opts.MaxWaitS
	if maxWait < 1 {
		maxWait = 120
	}

	strategy := opts.Strategy
	if strategy == "" {
		strategy = StrategyCanary
	}
	steps := buildSteps(canaryWeight, stepPercent)
	if strategy == StrategyBlueGreen {
		canaryWeight = 0
		steps = []int{100}
	}

	svc, err := c.store.GetOrCreateService(opts.Service)
	if err != nil {
		return "", fmt.Errorf("get or create service %s: %w", opts.Service, err)
	}

	candidate, err := c.store.UpsertVersion(&types.Version{
		ServiceID:       svc.ID,
		ServiceName:     opts.Service,
		Label:           opts.ToVersion,
		Image:           opts.Image,
		InternalPort:    opts.InternalPort,
		HealthPath:      opts.HealthPath,
		DesiredReplicas: replicas,
		RouteWeight:     canaryWeight,
		State:           types.VersionCandidate,
	})
	if err != nil {
		return "", fmt.Errorf("create candidate version: %w", err)
	}

	if err := c.rebalanceSiblingActives(opts.Service, candidate.ID, 100-canaryWeight); err != nil {
		return "", fmt.Errorf("rebalance active versions: %w", err)
	}

	rolloutID := uuid.New().String()
	state := registry.RolloutRunning
	if !opts.Auto {
		state = registry.RolloutPaused
	}
	message := fmt.Sprintf("Created candidate %s with weight %d%%", opts.ToVersion, canaryWeight)

	c.registry.UpsertRollout(&registry.RolloutStatus{
		ID:        rolloutID,
		Service:   opts.Service,
		ToVersion: opts.ToVersion,
		State:     state,
		Message:   message,
	})
	_ = c.store.LogEvent(types.EventInfo, message, opts.Service, opts.ToVersion)

	plan := &Plan{
		Service:       opts.Service,
		ToVersion:     opts.ToVersion,
		Strategy:      strategy,
		CanaryWeight:  canaryWeight,
		StepPercent:   stepPercent,
		StepIntervalS: stepInterval,
		Auto:          opts.Auto,
		MaxWaitS:      maxWait,
		Steps:         steps,
	}

	c.mu.Lock()
	c.plans[rolloutID] = plan
	c.mu.Unlock()

	if opts.Auto {
		go c.runAuto(rolloutID)
	}

	return rolloutID, nil
}

// buildSteps returns the weight schedule canary_weight, +step_percent,
// ..., always ending exactly at 100.
func buildSteps(canaryWeight, stepPercent int) []int {
	steps := []int{}
	for w := canaryWeight; w < 100; w += stepPercent {
		steps = append(steps, w)
	}
	if len(steps) == 0 || steps[len(steps)-1] != 100 {
		steps = append(steps, 100)
	}
	return steps
}

// Continue advances a rollout by exactly one step. It is a no-op that
// returns the current status if the rollout is already done or failed.
func (c *Coordinator) Continue(ctx context.Context, rolloutID string) (*registry.RolloutStatus, error) {
	c.mu.Lock()
	plan, ok := c.plans[rolloutID]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown rollout %s", rolloutID)
	}

	st := c.registry.GetRollout(rolloutID)
	if st == nil {
		return nil, fmt.Errorf("unknown rollout %s", rolloutID)
	}
	if st.State == registry.RolloutDone || st.State == registry.RolloutFailed {
		return st, nil
	}

	if !c.waitCandidateHealthy(ctx, plan) {
		return c.fail(plan, st), nil
	}

	c.mu.Lock()
	if plan.StepIndex+1 < len(plan.Steps) {
		plan.StepIndex++
	} else {
		plan.StepIndex = len(plan.Steps) - 1
	}
	weight := plan.Steps[plan.StepIndex]
	done := plan.StepIndex == len(plan.Steps)-1
	c.mu.Unlock()

	if err := c.applyWeight(plan.Service, plan.ToVersion, weight); err != nil {
		return nil, fmt.Errorf("apply weight %d%%: %w", weight, err)
	}
	metrics.RolloutStepsTotal.WithLabelValues(plan.Service).Inc()

	if done {
		st.State = registry.RolloutDone
		st.Message = "Rollout completed."
	} else {
		st.State = registry.RolloutPaused
		st.Message = fmt.Sprintf("Applied weight %d%%.", weight)
	}
	c.registry.UpsertRollout(st)
	_ = c.store.LogEvent(types.EventInfo, st.Message, plan.Service, plan.ToVersion)

	if done {
		c.finalize(plan)
		metrics.RolloutsTotal.WithLabelValues(string(registry.RolloutDone)).Inc()
	}

	return c.registry.GetRollout(rolloutID), nil
}

func (c *Coordinator) runAuto(rolloutID string) {
	ctx := context.Background()

	c.mu.Lock()
	plan, ok := c.plans[rolloutID]
	c.mu.Unlock()
	st := c.registry.GetRollout(rolloutID)
	if !ok || st == nil {
		return
	}

	if !c.waitCandidateHealthy(ctx, plan) {
		c.fail(plan, st)
		metrics.RolloutsTotal.WithLabelValues(string(registry.RolloutFailed)).Inc()
		return
	}

	for idx, weight := range plan.Steps {
		c.mu.Lock()
		plan.StepIndex = idx
		c.mu.Unlock()

		if err := c.applyWeight(plan.Service, plan.ToVersion, weight); err != nil {
			c.logger.Error().Err(err).Str("rollout_id", rolloutID).Msg("failed to apply rollout weight")
			return
		}
		metrics.RolloutStepsTotal.WithLabelValues(plan.Service).Inc()

		st.State = registry.RolloutRunning
		st.Message = fmt.Sprintf("Applied weight %d%%", weight)
		c.registry.UpsertRollout(st)
		_ = c.store.LogEvent(types.EventInfo, st.Message, plan.Service, plan.ToVersion)

		if weight >= 100 {
			st.State = registry.RolloutDone
			st.Message = "Rollout completed."
			c.registry.UpsertRollout(st)
			_ = c.store.LogEvent(types.EventInfo, st.Message, plan.Service, plan.ToVersion)
			c.finalize(plan)
			metrics.RolloutsTotal.WithLabelValues(string(registry.RolloutDone)).Inc()
			return
		}

		time.Sleep(time.Duration(plan.StepIntervalS) * time.Second)
	}
}

func (c *Coordinator) fail(plan *Plan, st *registry.RolloutStatus) *registry.RolloutStatus {
	st.State = registry.RolloutFailed
	st.Message = "Candidate did not become healthy in time"
	c.registry.UpsertRollout(st)
	_ = c.store.LogEvent(types.EventError, st.Message, plan.Service, plan.ToVersion)
	return st
}

// waitCandidateHealthy polls the store every 2s (bounded by max_wait_s)
// until the candidate has at least desired_replicas instances, all up.
func (c *Coordinator) waitCandidateHealthy(ctx context.Context, plan *Plan) bool {
	deadline := time.Now().Add(time.Duration(plan.MaxWaitS) * time.Second)

	for time.Now().Before(deadline) {
		v, err := c.store.GetVersion(plan.Service, plan.ToVersion)
		if err != nil || v == nil {
			return false
		}
		instances, err := c.store.ListInstances(v.ID)
		if err != nil {
			return false
		}
		if len(instances) > 0 && len(instances) >= v.DesiredReplicas && allUp(instances) {
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(2 * time.Second):
		}
	}
	return false
}

func allUp(instances []*types.Instance) bool {
	for _, inst := range instances {
		if inst.Status != types.InstanceUp {
			return false
		}
	}
	return true
}

// applyWeight sets the candidate's weight and rebalances sibling active
// versions to absorb the remainder.
func (c *Coordinator) applyWeight(service, toVersion string, newWeight int) error {
	newWeight = clamp(newWeight, 0, 100)

	v, err := c.store.GetVersion(service, toVersion)
	if err != nil {
		return err
	}
	if v == nil {
		return fmt.Errorf("version %s/%s not found", service, toVersion)
	}
	if err := c.store.SetVersionWeight(v.ID, newWeight); err != nil {
		return err
	}

	return c.rebalanceSiblingActives(service, v.ID, 100-newWeight)
}

// rebalanceSiblingActives proportionally scales every active version of
// service (other than excludeID) so their weights sum to targetTotal.
// The last version in the set absorbs the rounding remainder so the sum
// is always exact.
func (c *Coordinator) rebalanceSiblingActives(service, excludeID string, targetTotal int) error {
	targetTotal = clamp(targetTotal, 0, 100)

	all, err := c.store.ListVersions(service)
	if err != nil {
		return err
	}

	var actives []*types.Version
	for _, v := range all {
		if v.State == types.VersionActive && v.ID != excludeID {
			actives = append(actives, v)
		}
	}
	if len(actives) == 0 {
		return nil
	}
	if len(actives) == 1 {
		return c.store.SetVersionWeight(actives[0].ID, targetTotal)
	}

	curTotal := 0
	for _, v := range actives {
		if v.RouteWeight > 0 {
			curTotal += v.RouteWeight
		}
	}
	if curTotal == 0 {
		curTotal = 1
	}

	assigned := 0
	for i, v := range actives {
		var w int
		if i == len(actives)-1 {
			w = targetTotal - assigned
			if w < 0 {
				w = 0
			}
		} else {
			weight := v.RouteWeight
			if weight < 0 {
				weight = 0
			}
			w = targetTotal * weight / curTotal
			w = clamp(w, 0, targetTotal)
			assigned += w
		}
		if err := c.store.SetVersionWeight(v.ID, w); err != nil {
			return err
		}
	}
	return nil
}

// finalize promotes the candidate to active and retires every other
// active version of the service, zeroing their weight and replicas.
func (c *Coordinator) finalize(plan *Plan) {
	v, err := c.store.GetVersion(plan.Service, plan.ToVersion)
	if err != nil || v == nil {
		return
	}
	_ = c.store.SetVersionState(v.ID, types.VersionActive)

	siblings, err := c.store.ListVersions(plan.Service)
	if err != nil {
		return
	}
	for _, s := range siblings {
		if s.ID == v.ID {
			continue
		}
		if s.State == types.VersionActive {
			_ = c.store.SetVersionState(s.ID, types.VersionRetired)
			_ = c.store.SetVersionWeight(s.ID, 0)
			_ = c.store.SetVersionReplicas(s.ID, 0)
		}
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
