package snapshot

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/mocap-obstacles/internal/geom"
	"github.com/banshee-data/mocap-obstacles/internal/kinematics"
	"github.com/banshee-data/mocap-obstacles/internal/registry"
)

var stamp = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func pose(x float64) geom.Pose {
	return geom.Pose{Position: r3.Vec{X: x}, Orientation: geom.IdentityQuaternion()}
}

func scenarioRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New(registry.Config{
		Entities:       []string{"A", "B"},
		SphereRadii:    map[string]float64{"A": 0.2},
		BoxDimensions:  map[string][]float64{"B": {0.3, 0.3, 0.3}},
		StaticEntities: []string{"A"},
	})
	require.NoError(t, err)
	return reg
}

func TestBuild_StaticAndDynamicScenario(t *testing.T) {
	t.Parallel()

	reg := scenarioRegistry(t)
	b := NewBuilder(reg, OrderSorted, "world")

	res := kinematics.Result{
		Positions:  map[string]geom.Pose{"A": pose(1), "B": pose(2)},
		Velocities: map[string]geom.Twist{},
	}
	snap := b.Build(7, stamp, res)
	require.NoError(t, snap.Validate())

	want := &Snapshot{
		Seq:     7,
		Stamp:   stamp,
		FrameID: "world",
		All: []ObjectRecord{
			{ID: 0, Name: "A", Category: registry.Static, Pose: pose(1), Shape: registry.SphereShape(0.2)},
			{ID: 1, Name: "B", Category: registry.Dynamic, Pose: pose(2), Shape: registry.BoxShape(0.3, 0.3, 0.3)},
		},
		Static: []ObjectRecord{
			{ID: 0, Name: "A", Category: registry.Static, Pose: pose(1), Shape: registry.SphereShape(0.2)},
		},
		Dynamic: []ObjectRecord{
			{ID: 1, Name: "B", Category: registry.Dynamic, Pose: pose(2), Shape: registry.BoxShape(0.3, 0.3, 0.3)},
		},
	}
	if diff := cmp.Diff(want, snap); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
	// No twist for B because the adapter returned none.
	assert.Nil(t, snap.Dynamic[0].Twist)
}

func TestBuild_AttachesTwistWhenAvailable(t *testing.T) {
	t.Parallel()

	b := NewBuilder(scenarioRegistry(t), OrderSorted, "world")
	tw := geom.Twist{Linear: r3.Vec{X: 0.5}}
	snap := b.Build(1, stamp, kinematics.Result{
		Positions:  map[string]geom.Pose{"A": pose(1), "B": pose(2)},
		Velocities: map[string]geom.Twist{"B": tw},
	})

	rec, ok := snap.Find("B")
	require.True(t, ok)
	require.NotNil(t, rec.Twist)
	assert.Equal(t, tw, *rec.Twist)

	rec, ok = snap.Find("A")
	require.True(t, ok)
	assert.Nil(t, rec.Twist)
}

func TestBuild_OnlyPositionsAppear(t *testing.T) {
	t.Parallel()

	b := NewBuilder(scenarioRegistry(t), OrderSorted, "world")
	// A velocity without a position must not create an object.
	snap := b.Build(1, stamp, kinematics.Result{
		Positions:  map[string]geom.Pose{"A": pose(1)},
		Velocities: map[string]geom.Twist{"B": {}},
	})

	assert.Len(t, snap.All, 1)
	_, ok := snap.Find("B")
	assert.False(t, ok)
}

func TestBuild_UnclassifiedGetsDefaultSphere(t *testing.T) {
	t.Parallel()

	b := NewBuilder(scenarioRegistry(t), OrderSorted, "world")
	snap := b.Build(1, stamp, kinematics.Result{Positions: map[string]geom.Pose{"robot2/arm": pose(3)}})

	require.Len(t, snap.Dynamic, 1)
	assert.Equal(t, registry.DefaultSphere(), snap.Dynamic[0].Shape)
}

func TestBuild_EmptyResult(t *testing.T) {
	t.Parallel()

	snap := NewBuilder(scenarioRegistry(t), OrderSorted, "world").Build(1, stamp, kinematics.Result{})
	assert.Empty(t, snap.All)
	assert.NotNil(t, snap.Static)
	assert.NotNil(t, snap.Dynamic)
	assert.NoError(t, snap.Validate())
}

func TestBuild_SortedIDs(t *testing.T) {
	t.Parallel()

	reg, err := registry.New(registry.Config{Entities: []string{"x"}})
	require.NoError(t, err)
	b := NewBuilder(reg, OrderSorted, "world")

	positions := map[string]geom.Pose{"delta": pose(4), "alpha": pose(1), "charlie": pose(3), "bravo": pose(2)}
	for i := 0; i < 5; i++ {
		snap := b.Build(uint64(i), stamp, kinematics.Result{Positions: positions})
		for id, rec := range snap.All {
			assert.Equal(t, id, rec.ID)
		}
		assert.Equal(t, "alpha", snap.All[0].Name)
		assert.Equal(t, "delta", snap.All[3].Name)
	}

	// Ids shift when the observed set changes.
	delete(positions, "alpha")
	snap := b.Build(9, stamp, kinematics.Result{Positions: positions})
	rec, _ := snap.Find("bravo")
	assert.Equal(t, 0, rec.ID)
}

func TestBuild_ArbitraryOrderStillSequential(t *testing.T) {
	t.Parallel()

	reg, err := registry.New(registry.Config{Entities: []string{"x"}})
	require.NoError(t, err)
	b := NewBuilder(reg, OrderArbitrary, "world")

	snap := b.Build(1, stamp, kinematics.Result{Positions: map[string]geom.Pose{"a": pose(1), "b": pose(2), "c": pose(3)}})
	ids := make([]int, 0, len(snap.All))
	names := make([]string, 0, len(snap.All))
	for _, r := range snap.All {
		ids = append(ids, r.ID)
		names = append(names, r.Name)
	}
	assert.Equal(t, []int{0, 1, 2}, ids)
	sort.Strings(names)
	assert.Equal(t, []string{"a", "b", "c"}, names)
}

// TestBuild_PartitionProperty checks the partition invariant over random
// entity sets and static lists.
func TestBuild_PartitionProperty(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 200; round++ {
		n := rng.Intn(30)
		var entities, static []string
		positions := make(map[string]geom.Pose, n)
		for i := 0; i < n; i++ {
			name := fmt.Sprintf("e%d", i)
			entities = append(entities, name)
			if rng.Intn(3) == 0 {
				static = append(static, name)
			}
			if rng.Intn(4) != 0 {
				positions[name] = pose(float64(i))
			}
		}
		entities = append(entities, "anchor")

		reg, err := registry.New(registry.Config{Entities: entities, StaticEntities: static})
		require.NoError(t, err)
		order := OrderSorted
		if rng.Intn(2) == 0 {
			order = OrderArbitrary
		}
		snap := NewBuilder(reg, order, "world").Build(uint64(round), stamp, kinematics.Result{Positions: positions})

		require.NoError(t, snap.Validate())
		require.Len(t, snap.All, len(positions))
		require.Equal(t, len(snap.All), len(snap.Static)+len(snap.Dynamic))

		staticSet := map[string]bool{}
		for _, s := range static {
			staticSet[s] = true
		}
		for _, r := range snap.Static {
			assert.True(t, staticSet[r.Name], "%s in static list but not configured static", r.Name)
		}
		for _, r := range snap.Dynamic {
			assert.False(t, staticSet[r.Name], "%s in dynamic list but configured static", r.Name)
		}
	}
}

func TestValidate_DetectsBrokenPartition(t *testing.T) {
	t.Parallel()

	rec := ObjectRecord{ID: 0, Name: "A", Category: registry.Static}
	tests := []struct {
		name string
		snap Snapshot
	}{
		{"missing from partitions", Snapshot{All: []ObjectRecord{rec}}},
		{"in both", Snapshot{All: []ObjectRecord{rec, {ID: 1}}, Static: []ObjectRecord{rec}, Dynamic: []ObjectRecord{rec}}},
		{"wrong partition", Snapshot{All: []ObjectRecord{rec}, Dynamic: []ObjectRecord{rec}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.snap.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrPartition))
		})
	}
}

func TestParseOrder(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Order{"": OrderSorted, "sorted": OrderSorted, "arbitrary": OrderArbitrary} {
		got, err := ParseOrder(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		assert.NotEmpty(t, got.String())
	}
	_, err := ParseOrder("random")
	assert.Error(t, err)
}
