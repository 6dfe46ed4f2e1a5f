// Package reconciler runs the single long-lived loop that aligns actual
// container state with desired state, probes health, self-heals failed
// instances, and rebuilds the routing table each tick.
package reconciler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/cuemby/dsr/internal/alert"
	"github.com/cuemby/dsr/internal/config"
	"github.com/cuemby/dsr/internal/engine"
	"github.com/cuemby/dsr/internal/health"
	"github.com/cuemby/dsr/internal/log"
	"github.com/cuemby/dsr/internal/metrics"
	"github.com/cuemby/dsr/internal/registry"
	"github.com/cuemby/dsr/internal/store"
	"github.com/cuemby/dsr/internal/types"
)

// Reconciler owns the tick loop. One instance runs per process.
type Reconciler struct {
	store    store.Store
	registry *registry.State
	engine   engine.Engine
	notifier *alert.Notifier
	logger   zerolog.Logger

	pollInterval time.Duration
	failThresh   int

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New builds a reconciler. cfg.PollIntervalS is floored to 1 second and
// cfg.FailThreshold is floored to 1 consecutive failure.
func New(st store.Store, reg *registry.State, eng engine.Engine, notifier *alert.Notifier, cfg config.Config) *Reconciler {
	poll := cfg.PollIntervalS
	if poll < 1 {
		poll = 1
	}
	fail := cfg.FailThreshold
	if fail < 1 {
		fail = 1
	}
	return &Reconciler{
		store:        st,
		registry:     reg,
		engine:       eng,
		notifier:     notifier,
		logger:       log.WithComponent("reconciler"),
		pollInterval: time.Duration(poll) * time.Second,
		failThresh:   fail,
	}
}

// Start begins the tick loop in its own goroutine. Calling Start twice
// without an intervening Stop is a no-op.
func (r *Reconciler) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	go r.loop()
}

// Stop signals the loop to exit and blocks until it has returned.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	done := r.doneCh
	r.mu.Unlock()

	<-done
}

func (r *Reconciler) loop() {
	defer close(r.doneCh)

	_ = r.store.LogEvent(types.EventInfo, "Reconciler started", "", "")
	r.logger.Info().Msg("reconciler started")

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			timer := metrics.NewTimer()
			if err := r.Tick(context.Background()); err != nil {
				metrics.ReconciliationErrorsTotal.Inc()
				_ = r.store.LogEvent(types.EventError, fmt.Sprintf("Reconciler tick failed: %v", err), "", "")
				r.logger.Error().Err(err).Msg("reconciler tick failed")
			}
			timer.ObserveDuration(metrics.ReconciliationDuration)
			metrics.ReconciliationTicksTotal.Inc()
		case <-r.stopCh:
			r.logger.Info().Msg("reconciler stopped")
			return
		}
	}
}

// Tick runs one reconciliation pass: align replicas, probe and
// self-heal, rebuild routing, in that strict order. Errors from
// individual versions are aggregated and returned together; the loop
// continues to the next version regardless.
func (r *Reconciler) Tick(ctx context.Context) error {
	all, err := r.store.ListVersions("")
	if err != nil {
		return fmt.Errorf("list versions: %w", err)
	}

	versions := make([]*types.Version, 0, len(all))
	for _, v := range all {
		if v.State == types.VersionActive || v.State == types.VersionCandidate {
			versions = append(versions, v)
		}
	}

	var result *multierror.Error

	for _, v := range versions {
		if err := r.alignReplicas(ctx, v); err != nil {
			result = multierror.Append(result, fmt.Errorf("align replicas for %s/%s: %w", v.ServiceName, v.Label, err))
		}
	}

	for _, v := range versions {
		if err := r.probeAndSelfHeal(ctx, v); err != nil {
			result = multierror.Append(result, fmt.Errorf("probe %s/%s: %w", v.ServiceName, v.Label, err))
		}
	}

	if err := r.rebuildRouting(versions); err != nil {
		result = multierror.Append(result, fmt.Errorf("rebuild routing: %w", err))
	}

	return result.ErrorOrNil()
}

// alignReplicas scales a version's running containers to desired_replicas.
// A not-running engine makes this a no-op rather than an error.
func (r *Reconciler) alignReplicas(ctx context.Context, v *types.Version) error {
	if !r.engine.Available(ctx) {
		return nil
	}

	instances, err := r.store.ListInstances(v.ID)
	if err != nil {
		return fmt.Errorf("list instances: %w", err)
	}

	var running []*types.Instance
	for _, inst := range instances {
		if r.engine.IsRunning(ctx, inst.ContainerID) {
			running = append(running, inst)
		}
	}

	if extra := len(running) - v.DesiredReplicas; extra > 0 {
		sort.Slice(running, func(i, j int) bool { return running[i].CreatedAt.Before(running[j].CreatedAt) })
		for i := len(running) - 1; i >= len(running)-extra; i-- {
			inst := running[i]
			_ = r.engine.Remove(ctx, inst.ContainerID, true)
			_ = r.store.DeleteInstance(inst.ContainerID)
			r.registry.Forget(inst.ContainerID)
		}
		running = running[:len(running)-extra]
	}

	for _, inst := range instances {
		if !r.engine.IsRunning(ctx, inst.ContainerID) {
			_ = r.store.DeleteInstance(inst.ContainerID)
			r.registry.Forget(inst.ContainerID)
		}
	}

	missing := v.DesiredReplicas - len(running)
	for i := 0; i < missing; i++ {
		if err := r.createReplica(ctx, v); err != nil {
			return err
		}
	}

	return nil
}

func (r *Reconciler) createReplica(ctx context.Context, v *types.Version) error {
	ref, err := r.engine.CreateAndStart(ctx, engine.CreateSpec{
		Service:      v.ServiceName,
		Version:      v.Label,
		Image:        v.Image,
		InternalPort: v.InternalPort,
	})
	if err != nil {
		return fmt.Errorf("create container: %w", err)
	}
	if _, err := r.store.InsertInstance(v.ID, ref.ID, ref.Name, types.InstanceStarting); err != nil {
		return fmt.Errorf("insert instance %s: %w", ref.Name, err)
	}
	return nil
}

// probeAndSelfHeal probes every instance of a version, records the
// transition, and replaces an instance once its consecutive failures
// reach the configured threshold.
func (r *Reconciler) probeAndSelfHeal(ctx context.Context, v *types.Version) error {
	instances, err := r.store.ListInstances(v.ID)
	if err != nil {
		return fmt.Errorf("list instances: %w", err)
	}

	var result *multierror.Error

	for _, inst := range instances {
		url := engine.BaseURL(inst.ContainerName, v.InternalPort) + v.HealthPath

		timer := metrics.NewTimer()
		res := health.Probe(ctx, url, health.DefaultTimeout)
		timer.ObserveDuration(metrics.ProbeDuration)
		if !res.Healthy {
			metrics.ProbeFailuresTotal.Inc()
		}

		status := types.InstanceDown
		if res.Healthy {
			status = types.InstanceUp
		}
		if err := r.store.UpdateInstanceHealth(inst.ContainerID, status, res.LatencyMs); err != nil {
			result = multierror.Append(result, fmt.Errorf("update health for %s: %w", inst.ContainerName, err))
			continue
		}

		prev, failCount := r.registry.MarkHealth(inst.ContainerID, res.Healthy)
		r.reportTransition(v, inst, prev, res)

		if !res.Healthy && failCount >= r.failThresh {
			if err := r.selfHeal(ctx, v, inst, failCount, res.Reason); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}

	return result.ErrorOrNil()
}

func (r *Reconciler) reportTransition(v *types.Version, inst *types.Instance, prev *bool, res health.Result) {
	if prev == nil {
		return
	}
	switch {
	case *prev && !res.Healthy:
		_ = r.store.LogEvent(types.EventWarn, fmt.Sprintf("Instance became unhealthy: %s", res.Reason), v.ServiceName, v.Label)
		if r.notifier.Send(alert.DownSubject(v.ServiceName, v.Label, inst.ContainerName), alert.Body(v.ServiceName, v.Label, inst.ContainerName, false, res.Reason)) {
			r.logger.Info().Str("instance", inst.ContainerName).Msg("sent down alert")
		}
	case !*prev && res.Healthy:
		_ = r.store.LogEvent(types.EventInfo, "Instance recovered", v.ServiceName, v.Label)
		if r.notifier.Send(alert.RecoveredSubject(v.ServiceName, v.Label, inst.ContainerName), alert.Body(v.ServiceName, v.Label, inst.ContainerName, true, "Recovered")) {
			r.logger.Info().Str("instance", inst.ContainerName).Msg("sent recovered alert")
		}
	}
}

func (r *Reconciler) selfHeal(ctx context.Context, v *types.Version, inst *types.Instance, failCount int, reason string) error {
	_ = r.store.LogEvent(types.EventError, fmt.Sprintf("Self-healing: replacing container after %d failed checks (%s)", failCount, reason), v.ServiceName, v.Label)
	metrics.SelfHealsTotal.WithLabelValues(v.ServiceName, v.Label).Inc()

	_ = r.store.BumpRestartCount(inst.ContainerID)
	_ = r.engine.Remove(ctx, inst.ContainerID, true)
	_ = r.store.DeleteInstance(inst.ContainerID)
	r.registry.Forget(inst.ContainerID)

	if err := r.createReplica(ctx, v); err != nil {
		return fmt.Errorf("self-heal replace for %s: %w", inst.ContainerName, err)
	}
	return nil
}

// rebuildRouting replaces each service's routing table with one
// RouteTarget per up instance of a weighted version.
func (r *Reconciler) rebuildRouting(versions []*types.Version) error {
	byService := make(map[string][]registry.RouteTarget)
	seenServices := make(map[string]bool)

	for _, v := range versions {
		seenServices[v.ServiceName] = true
		if v.RouteWeight <= 0 {
			continue
		}

		instances, err := r.store.ListInstances(v.ID)
		if err != nil {
			return fmt.Errorf("list instances for %s/%s: %w", v.ServiceName, v.Label, err)
		}

		for _, inst := range instances {
			if inst.Status != types.InstanceUp {
				continue
			}
			byService[v.ServiceName] = append(byService[v.ServiceName], registry.RouteTarget{
				Service:   v.ServiceName,
				Version:   v.Label,
				BaseURL:   engine.BaseURL(inst.ContainerName, v.InternalPort),
				Weight:    v.RouteWeight,
				LatencyMs: inst.LastLatencyMs,
			})
		}
	}

	for service := range seenServices {
		r.registry.SetTargets(service, byService[service])
	}

	return nil
}
