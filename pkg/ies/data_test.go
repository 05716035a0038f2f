package ies

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valentin-krasontovitsch/ert/internal/common/ierrors"
	"github.com/valentin-krasontovitsch/ert/internal/mask"
	"github.com/valentin-krasontovitsch/ert/internal/matrixutil"
)

func TestInitUpdateStoresA0OnFirstCall(t *testing.T) {
	d := NewData(DefaultConfig())

	ensMask := mask.FromIndices(4, 0, 1, 2, 3)
	obsMask := mask.FromIndices(3, 0, 1, 2)

	a := matrixutil.NewDense(2, 4)
	a.Set(0, 0, 1.0)
	a.Set(1, 3, 2.0)
	e0 := matrixutil.NewDense(3, 4)
	e0.Set(0, 0, 0.5)

	require.NoError(t, d.InitUpdate(ensMask, obsMask, a, e0))

	require.NotNil(t, d.A0())
	assert.Equal(t, 1.0, d.A0().At(0, 0))
	assert.Equal(t, 2.0, d.A0().At(1, 3))
	assert.Equal(t, 3, d.ObsMask0().Count())
}

func TestInitUpdateA0IsWriteOnce(t *testing.T) {
	d := NewData(DefaultConfig())

	ensMask := mask.FromIndices(2, 0, 1)
	obsMask := mask.FromIndices(2, 0, 1)

	a := matrixutil.NewDense(1, 2)
	a.Set(0, 0, 1.0)
	a.Set(0, 1, 2.0)
	e0 := matrixutil.NewDense(2, 2)

	require.NoError(t, d.InitUpdate(ensMask, obsMask, a, e0))
	require.NotNil(t, d.A0())

	// A second InitUpdate call, even with a changed A, must not touch
	// the stored A0 (spec.md §4.1.3's "stored once" guarantee).
	changed := matrixutil.NewDense(1, 2)
	changed.Set(0, 0, 99.0)
	changed.Set(0, 1, 98.0)
	require.NoError(t, d.InitUpdate(ensMask, obsMask, changed, e0))

	assert.Equal(t, 1.0, d.A0().At(0, 0))
	assert.Equal(t, 2.0, d.A0().At(0, 1))
}

func TestInitUpdateAbortsOnDroppedRealization(t *testing.T) {
	d := NewData(DefaultConfig())

	ensMask := mask.FromIndices(3, 0, 1, 2)
	obsMask := mask.FromIndices(2, 0, 1)

	a := matrixutil.NewDense(1, 3)
	e0 := matrixutil.NewDense(2, 3)
	require.NoError(t, d.InitUpdate(ensMask, obsMask, a, e0))

	dropped := mask.FromIndices(3, 0, 2) // realization 1 vanished
	err := d.InitUpdate(dropped, obsMask, a, e0)
	require.Error(t, err)
	_, ok := err.(*ierrors.ErrInvalidState)
	assert.True(t, ok, "expected *ierrors.ErrInvalidState, got %T", err)

	// The rejected call must not have mutated the stored mask.
	assert.Equal(t, 3, d.EnsMask().Count())
}

func TestInitUpdateWidensObsMask0AndAugmentsE(t *testing.T) {
	d := NewData(DefaultConfig())

	ensMask := mask.FromIndices(2, 0, 1)
	initialObs := mask.FromIndices(3, 0, 1) // obs index 2 starts inactive

	a := matrixutil.NewDense(1, 2)
	e0 := matrixutil.NewDense(2, 2)
	e0.Set(0, 0, 1.1)
	e0.Set(0, 1, 1.2)
	e0.Set(1, 0, 2.1)
	e0.Set(1, 1, 2.2)

	require.NoError(t, d.InitUpdate(ensMask, initialObs, a, e0))
	assert.Equal(t, 2, d.ObsMask0().Count())

	// Row 2 (inactive so far) should still be sentinel-filled.
	for j := 0; j < 2; j++ {
		assert.True(t, math.IsNaN(d.E().At(2, j)))
	}

	widenedObs := mask.FromIndices(3, 0, 1, 2)
	e1 := matrixutil.NewDense(3, 2)
	e1.Set(0, 0, 1.1)
	e1.Set(0, 1, 1.2)
	e1.Set(1, 0, 2.1)
	e1.Set(1, 1, 2.2)
	e1.Set(2, 0, 3.1)
	e1.Set(2, 1, 3.2)

	require.NoError(t, d.InitUpdate(ensMask, widenedObs, a, e1))

	assert.Equal(t, 3, d.ObsMask0().Count())
	assert.True(t, d.ObsMask0().Get(2))
	assert.Equal(t, 3.1, d.E().At(2, 0))
	assert.Equal(t, 3.2, d.E().At(2, 1))
	// The rows stored at the first call are untouched by the augment.
	assert.Equal(t, 1.1, d.E().At(0, 0))
	assert.Equal(t, 2.2, d.E().At(1, 1))
}

func TestInitUpdateObsMaskNeverExceedsObsMask0(t *testing.T) {
	d := NewData(DefaultConfig())

	ensMask := mask.FromIndices(2, 0, 1)
	obsMask := mask.FromIndices(2, 0, 1)
	a := matrixutil.NewDense(1, 2)
	e0 := matrixutil.NewDense(2, 2)

	require.NoError(t, d.InitUpdate(ensMask, obsMask, a, e0))

	shrunk := mask.FromIndices(2, 0)
	require.NoError(t, d.InitUpdate(ensMask, shrunk, a, e0))

	assert.True(t, d.ObsMask().Implies(d.ObsMask0()))
}

func TestDataCloseWithoutLogPathIsNoop(t *testing.T) {
	d := NewData(DefaultConfig())
	assert.NoError(t, d.Close())
}
