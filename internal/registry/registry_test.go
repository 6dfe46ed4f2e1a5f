package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkHealth_FirstObservationHasNilPrev(t *testing.T) {
	s := New()
	prev, failCount := s.MarkHealth("c1", true)
	assert.Nil(t, prev)
	assert.Equal(t, 0, failCount)
}

func TestMarkHealth_TracksConsecutiveFailures(t *testing.T) {
	s := New()
	s.MarkHealth("c1", true)

	_, fc := s.MarkHealth("c1", false)
	assert.Equal(t, 1, fc)
	_, fc = s.MarkHealth("c1", false)
	assert.Equal(t, 2, fc)

	prev, fc := s.MarkHealth("c1", true)
	require.NotNil(t, prev)
	assert.False(t, *prev)
	assert.Equal(t, 0, fc)
}

func TestForget_ClearsBookkeeping(t *testing.T) {
	s := New()
	s.MarkHealth("c1", false)
	s.Forget("c1")

	prev, fc := s.MarkHealth("c1", false)
	assert.Nil(t, prev)
	assert.Equal(t, 1, fc)
}

func TestNextIndex_WrapsModuloN(t *testing.T) {
	s := New()
	seen := []int{
		s.NextIndex("k", 3),
		s.NextIndex("k", 3),
		s.NextIndex("k", 3),
		s.NextIndex("k", 3),
	}
	assert.Equal(t, []int{0, 1, 2, 0}, seen)
}

func TestNextIndex_ZeroOrNegativeNIsNoOp(t *testing.T) {
	s := New()
	assert.Equal(t, 0, s.NextIndex("k", 0))
	assert.Equal(t, 0, s.NextIndex("k", -1))
	// Cursor must not have advanced.
	assert.Equal(t, 0, s.NextIndex("k", 2))
}

func TestGetTargets_ReturnsCopyNotReference(t *testing.T) {
	s := New()
	s.SetTargets("web", []RouteTarget{{Service: "web", Version: "v1", Weight: 100}})

	got := s.GetTargets("web")
	got[0].Weight = 0

	again := s.GetTargets("web")
	assert.Equal(t, 100, again[0].Weight)
}

func TestGetTargets_UnknownServiceReturnsEmpty(t *testing.T) {
	s := New()
	assert.Empty(t, s.GetTargets("missing"))
}

func TestRollout_UpsertGetList(t *testing.T) {
	s := New()
	assert.Nil(t, s.GetRollout("r1"))

	s.UpsertRollout(&RolloutStatus{ID: "r1", Service: "web", ToVersion: "v2", State: RolloutRunning})
	got := s.GetRollout("r1")
	require.NotNil(t, got)
	assert.Equal(t, RolloutRunning, got.State)
	assert.False(t, got.StartedAt.IsZero())

	// Mutating the returned copy must not affect the registry's state.
	got.State = RolloutFailed
	again := s.GetRollout("r1")
	assert.Equal(t, RolloutRunning, again.State)

	list := s.ListRollouts()
	require.Len(t, list, 1)
	assert.Equal(t, "r1", list[0].ID)
}
