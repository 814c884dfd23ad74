package boxing

import (
	"sync/atomic"
	"testing"

	"github.com/gomlx/boxing/types/boxerr"
	"github.com/gomlx/boxing/types/shapes"
	"github.com/gomlx/boxing/types/shardy"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func alwaysFeasible(_, _ *shardy.PlacedDistribution, _ shapes.Shape) error { return nil }

func TestRegister(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("a", alwaysFeasible, executeIdentity))

	err := r.Register("a", alwaysFeasible, executeIdentity)
	require.ErrorIs(t, err, boxerr.ErrConfiguration)
	assert.Contains(t, err.Error(), "registered twice")

	require.ErrorIs(t, r.Register("", alwaysFeasible, executeIdentity), boxerr.ErrConfiguration)
	require.ErrorIs(t, r.Register("b", nil, executeIdentity), boxerr.ErrConfiguration)
	require.ErrorIs(t, r.Register("b", alwaysFeasible, nil), boxerr.ErrConfiguration)
	require.NoError(t, r.Register("b", alwaysFeasible, executeIdentity))

	r.Freeze()
	r.Freeze()
	assert.True(t, r.Frozen())
	err = r.Register("c", alwaysFeasible, executeIdentity)
	require.ErrorIs(t, err, boxerr.ErrConfiguration)
	assert.Contains(t, err.Error(), "frozen")
	assert.Equal(t, []string{"a", "b"}, r.Names())
}

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry()
	assert.False(t, r.Frozen())
	assert.Equal(t, []string{RuleIdentity, RuleNaiveSToS, RuleNaiveBToS, RuleNaiveSToB, RuleNaivePToB,
		RuleNaivePToS, RuleNaiveBToP, RuleNDExchange}, r.Names())

	// Each call builds a new registry, and using it freezes it.
	_ = newSingleContext(t, r)
	assert.True(t, r.Frozen())
	assert.False(t, DefaultRegistry().Frozen())
}

func TestRegistrationOrder(t *testing.T) {
	mesh := makeMesh("solo", shardy.CPU, []int{1})
	logical := shapes.Make(dtypes.Float32, 3)
	src := describe(logical, place(mesh, shardy.Split(0)))
	dst := describe(logical, place(mesh, shardy.Broadcast()))

	for _, order := range [][]string{{"first", "second"}, {"second", "first"}} {
		var calls atomic.Int32
		counting := func(_, _ *shardy.PlacedDistribution, _ shapes.Shape) error {
			calls.Add(1)
			return nil
		}
		r := NewRegistry()
		for _, name := range order {
			require.NoError(t, r.Register(name, counting, executeIdentity))
		}
		// Fresh contexts, with empty caches, reach the same decision.
		for range 3 {
			c := newSingleContext(t, r)
			for range 5 {
				assert.Equal(t, order[0], must.M1(c.RuleFor(src, dst)).Name)
			}
		}
		// One evaluation per context: the first rule is feasible, and decisions are cached.
		assert.Equal(t, int32(3), calls.Load())
	}

	// Overlapping built-in rules: S->S on 1-D meshes is also accepted by nd-exchange, registered later.
	c := newSingleContext(t, nil)
	splitRows := describe(shapes.Make(dtypes.Float32, 4, 4), place(mesh, shardy.Split(0)))
	splitCols := describe(shapes.Make(dtypes.Float32, 4, 4), place(mesh, shardy.Split(1)))
	require.NoError(t, checkNDExchange(splitRows.Placement(), splitCols.Placement(), splitRows.Shape()))
	assert.Equal(t, RuleNaiveSToS, must.M1(c.RuleFor(splitRows, splitCols)).Name)
}
