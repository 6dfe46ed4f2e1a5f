package rollout

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/dsr/internal/registry"
	"github.com/cuemby/dsr/internal/store"
	"github.com/cuemby/dsr/internal/types"
)

func newFixture() (*Coordinator, store.Store, *registry.State) {
	st := store.NewMemStore()
	reg := registry.New()
	return New(st, reg), st, reg
}

func TestBuildSteps_EndsAt100(t *testing.T) {
	steps := buildSteps(10, 30)
	assert.Equal(t, []int{10, 40, 70, 100}, steps)
}

func TestBuildSteps_ExactMultipleStillEndsAt100(t *testing.T) {
	steps := buildSteps(50, 50)
	assert.Equal(t, []int{50, 100}, steps)
}

func TestStart_CreatesCandidateAndRebalancesSiblings(t *testing.T) {
	c, st, reg := newFixture()
	ctx := context.Background()

	svc, err := st.GetOrCreateService("web")
	require.NoError(t, err)
	_, err = st.UpsertVersion(&types.Version{
		ServiceID: svc.ID, ServiceName: "web", Label: "v1",
		State: types.VersionActive, RouteWeight: 100, DesiredReplicas: 2,
	})
	require.NoError(t, err)

	rolloutID, err := c.Start(ctx, StartOptions{
		Service:       "web",
		ToVersion:     "v2",
		Image:         "web:v2",
		InternalPort:  8080,
		HealthPath:    "/healthz",
		Replicas:      2,
		Strategy:      StrategyCanary,
		CanaryWeight:  10,
		StepPercent:   30,
		StepIntervalS: 1,
		Auto:          false,
		MaxWaitS:      5,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, rolloutID)

	candidate, err := st.GetVersion("web", "v2")
	require.NoError(t, err)
	assert.Equal(t, types.VersionCandidate, candidate.State)
	assert.Equal(t, 10, candidate.RouteWeight)

	v1, err := st.GetVersion("web", "v1")
	require.NoError(t, err)
	assert.Equal(t, 90, v1.RouteWeight)

	status := reg.GetRollout(rolloutID)
	require.NotNil(t, status)
	assert.Equal(t, registry.RolloutPaused, status.State)
}

func TestBlueGreen_SingleStepForcesZeroCanaryWeight(t *testing.T) {
	c, st, _ := newFixture()
	ctx := context.Background()

	svc, err := st.GetOrCreateService("api")
	require.NoError(t, err)
	_, err = st.UpsertVersion(&types.Version{
		ServiceID: svc.ID, ServiceName: "api", Label: "v1",
		State: types.VersionActive, RouteWeight: 100, DesiredReplicas: 1,
	})
	require.NoError(t, err)

	rolloutID, err := c.Start(ctx, StartOptions{
		Service:       "api",
		ToVersion:     "v2",
		Replicas:      1,
		Strategy:      StrategyBlueGreen,
		CanaryWeight:  50,
		StepPercent:   10,
		StepIntervalS: 1,
		MaxWaitS:      5,
	})
	require.NoError(t, err)

	c.mu.Lock()
	plan := c.plans[rolloutID]
	c.mu.Unlock()
	require.NotNil(t, plan)
	assert.Equal(t, []int{100}, plan.Steps)
	assert.Equal(t, 0, plan.CanaryWeight)
}

func TestContinue_NoopOnDoneRollout(t *testing.T) {
	c, _, reg := newFixture()
	reg.UpsertRollout(&registry.RolloutStatus{ID: "r1", Service: "web", ToVersion: "v2", State: registry.RolloutDone})

	c.mu.Lock()
	c.plans["r1"] = &Plan{Service: "web", ToVersion: "v2", Steps: []int{100}, StepIndex: 0}
	c.mu.Unlock()

	st, err := c.Continue(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, registry.RolloutDone, st.State)
}

func TestContinue_FailsWhenCandidateNeverHealthy(t *testing.T) {
	c, st, reg := newFixture()
	ctx := context.Background()

	svc, err := st.GetOrCreateService("web")
	require.NoError(t, err)
	_, err = st.UpsertVersion(&types.Version{
		ServiceID: svc.ID, ServiceName: "web", Label: "v2",
		State: types.VersionCandidate, RouteWeight: 10, DesiredReplicas: 1,
	})
	require.NoError(t, err)

	rolloutID := "r2"
	reg.UpsertRollout(&registry.RolloutStatus{ID: rolloutID, Service: "web", ToVersion: "v2", State: registry.RolloutPaused})
	c.mu.Lock()
	c.plans[rolloutID] = &Plan{Service: "web", ToVersion: "v2", Steps: []int{10, 100}, MaxWaitS: 0}
	c.mu.Unlock()

	got, err := c.Continue(ctx, rolloutID)
	require.NoError(t, err)
	assert.Equal(t, registry.RolloutFailed, got.State)
}

func TestRebalanceSiblingActives_ProportionalWithRemainder(t *testing.T) {
	c, st, _ := newFixture()

	svc, err := st.GetOrCreateService("web")
	require.NoError(t, err)
	a, err := st.UpsertVersion(&types.Version{ServiceID: svc.ID, ServiceName: "web", Label: "v1", State: types.VersionActive, RouteWeight: 60})
	require.NoError(t, err)
	b, err := st.UpsertVersion(&types.Version{ServiceID: svc.ID, ServiceName: "web", Label: "v0", State: types.VersionActive, RouteWeight: 40})
	require.NoError(t, err)
	_, err = st.UpsertVersion(&types.Version{ServiceID: svc.ID, ServiceName: "web", Label: "v2", State: types.VersionCandidate, RouteWeight: 0})
	require.NoError(t, err)

	err = c.rebalanceSiblingActives("web", "exclude-none", 70)
	require.NoError(t, err)

	av, err := st.GetVersionByID(a.ID)
	require.NoError(t, err)
	bv, err := st.GetVersionByID(b.ID)
	require.NoError(t, err)
	assert.Equal(t, 70, av.RouteWeight+bv.RouteWeight)
}

func TestFinalize_PromotesAndRetiresSiblings(t *testing.T) {
	c, st, _ := newFixture()

	svc, err := st.GetOrCreateService("web")
	require.NoError(t, err)
	oldV, err := st.UpsertVersion(&types.Version{ServiceID: svc.ID, ServiceName: "web", Label: "v1", State: types.VersionActive, RouteWeight: 0})
	require.NoError(t, err)
	_, err = st.UpsertVersion(&types.Version{ServiceID: svc.ID, ServiceName: "web", Label: "v2", State: types.VersionCandidate, RouteWeight: 100})
	require.NoError(t, err)

	c.finalize(&Plan{Service: "web", ToVersion: "v2"})

	newV, err := st.GetVersion("web", "v2")
	require.NoError(t, err)
	assert.Equal(t, types.VersionActive, newV.State)

	retired, err := st.GetVersionByID(oldV.ID)
	require.NoError(t, err)
	assert.Equal(t, types.VersionRetired, retired.State)
	assert.Equal(t, 0, retired.RouteWeight)
	assert.Equal(t, 0, retired.DesiredReplicas)
}
