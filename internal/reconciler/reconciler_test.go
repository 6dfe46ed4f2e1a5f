package reconciler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/dsr/internal/alert"
	"github.com/cuemby/dsr/internal/config"
	"github.com/cuemby/dsr/internal/engine"
	"github.com/cuemby/dsr/internal/registry"
	"github.com/cuemby/dsr/internal/store"
	"github.com/cuemby/dsr/internal/types"
)

func newFixture(t *testing.T, failThreshold int) (*Reconciler, store.Store, *engine.FakeEngine, *registry.State, *types.Version) {
	t.Helper()
	st := store.NewMemStore()
	reg := registry.New()
	eng := engine.NewFakeEngine()
	notifier := alert.New(config.Config{})
	rec := New(st, reg, eng, notifier, config.Config{PollIntervalS: 60, FailThreshold: failThreshold})

	svc, err := st.GetOrCreateService("web")
	require.NoError(t, err)
	v, err := st.UpsertVersion(&types.Version{
		ServiceID:       svc.ID,
		ServiceName:     "web",
		Label:           "v1",
		Image:           "web:v1",
		InternalPort:    8080,
		HealthPath:      "/health",
		DesiredReplicas: 2,
		RouteWeight:     100,
		State:           types.VersionActive,
	})
	require.NoError(t, err)
	return rec, st, eng, reg, v
}

func TestTick_AlignReplicas_CreatesMissing(t *testing.T) {
	rec, st, _, _, v := newFixture(t, 1)

	require.NoError(t, rec.Tick(context.Background()))

	instances, err := st.ListInstances(v.ID)
	require.NoError(t, err)
	assert.Len(t, instances, 2)
}

func TestTick_AlignReplicas_RemovesExtra(t *testing.T) {
	rec, st, eng, _, v := newFixture(t, 1)

	require.NoError(t, rec.Tick(context.Background()))
	require.NoError(t, st.SetVersionReplicas(v.ID, 1))
	require.NoError(t, rec.Tick(context.Background()))

	instances, err := st.ListInstances(v.ID)
	require.NoError(t, err)
	assert.Len(t, instances, 1)

	refs, err := eng.ListByLabels(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, refs, 1)
}

func TestTick_EngineUnavailable_SkipsAlignWithoutError(t *testing.T) {
	rec, st, eng, _, v := newFixture(t, 1)
	eng.SetAvailable(false)

	require.NoError(t, rec.Tick(context.Background()))

	instances, err := st.ListInstances(v.ID)
	require.NoError(t, err)
	assert.Empty(t, instances)
}

func TestTick_RebuildsRoutingForUpInstancesOnly(t *testing.T) {
	// Fail threshold 2 so a single unhealthy probe records Down without
	// immediately self-healing the instance out from under this assertion.
	rec, st, _, reg, v := newFixture(t, 2)

	require.NoError(t, rec.Tick(context.Background()))

	// No instance has been probed healthy yet (unresolvable DNS host), so
	// the routing table must stay empty even though instances exist.
	targets := reg.GetTargets("web")
	assert.Empty(t, targets)

	instances, err := st.ListInstances(v.ID)
	require.NoError(t, err)
	for _, inst := range instances {
		assert.Equal(t, types.InstanceDown, inst.Status)
	}
}

func TestTick_SelfHealsAfterFailThreshold(t *testing.T) {
	rec, st, _, reg, v := newFixture(t, 1)

	// With fail threshold 1, a single tick both creates the two replicas
	// (against an unresolvable host, so they probe unhealthy) and
	// immediately self-heals them by replacing each with a fresh replica.
	require.NoError(t, rec.Tick(context.Background()))

	instances, err := st.ListInstances(v.ID)
	require.NoError(t, err)
	require.Len(t, instances, 2)

	events, err := st.LatestEvents(10)
	require.NoError(t, err)
	foundSelfHeal := false
	for _, ev := range events {
		if ev.Level == types.EventError && ev.Service == "web" {
			foundSelfHeal = true
		}
	}
	assert.True(t, foundSelfHeal, "expected a self-heal ERROR event to be logged")

	// The replacement containers are fresh, so their health bookkeeping
	// in the registry must not carry over from the replaced ones.
	for _, inst := range instances {
		prev, failCount := reg.MarkHealth(inst.ContainerID, true)
		assert.Nil(t, prev)
		assert.Equal(t, 0, failCount)
	}
}
