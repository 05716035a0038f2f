package ies

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/valentin-krasontovitsch/ert/internal/mask"
	"github.com/valentin-krasontovitsch/ert/internal/matrixutil"
)

func newIdentityR(n int) *mat.Dense {
	return matrixutil.Identity(n)
}

func TestUpdateAReducesToStdEnKF(t *testing.T) {
	const ensSize = 10
	const obsSize = 3
	const stateSize = 2

	a := matrixutil.NewDense(stateSize, ensSize)
	for i := 0; i < stateSize; i++ {
		for j := 0; j < ensSize; j++ {
			a.Set(i, j, float64(i+1)+0.1*float64(j))
		}
	}

	s := matrixutil.NewDense(obsSize, ensSize)
	for i := 0; i < obsSize; i++ {
		for j := 0; j < ensSize; j++ {
			s.Set(i, j, float64(i+1)*0.5+0.05*float64(j*j%7))
		}
	}

	r := newIdentityR(obsSize)

	e := matrixutil.NewDense(obsSize, ensSize)
	for i := 0; i < obsSize; i++ {
		for j := 0; j < ensSize; j++ {
			e.Set(i, j, 0.01*float64((i+2*j)%5-2))
		}
	}

	observed := []float64{1.0, 2.0, 3.0}
	d := matrixutil.NewDense(obsSize, ensSize)
	for i := 0; i < obsSize; i++ {
		for j := 0; j < ensSize; j++ {
			d.Set(i, j, observed[i]+e.At(i, j)-s.At(i, j))
		}
	}

	config := Config{
		Inversion:     InversionExact,
		Truncation:    1.0,
		MaxStepLength: 1.0,
		MinStepLength: 1.0,
		DecStepLength: 2.5,
		AAProjection:  false,
	}
	data := NewData(config)
	ensMask := mask.FromIndices(ensSize, allIndices(ensSize)...)
	obsMask := mask.FromIndices(obsSize, allIndices(obsSize)...)
	require.NoError(t, data.InitUpdate(ensMask, obsMask, a, e))

	aCopy := matrixutil.NewDense(stateSize, ensSize)
	aCopy.Copy(a)

	require.NoError(t, UpdateA(config, data, aCopy, s, r, e, d, nil))

	// Reference, computed independently of UpdateA: X = I + Y0^T*C^-1*(D-Y)
	// with C = Y0*Y0^T + (N-1)*R is exactly the classical stochastic
	// EnKF gain spec.md §4.1.4 names. With W0=0 and gamma=1 (this test's
	// config), step 6 sets W1 = X, and step 7 folds that back through
	// the same Pi*c anomaly operator used to build Y0 in the first
	// place, giving A1 = A0*(I + X*Pi*c).
	c := 1.0 / math.Sqrt(float64(ensSize-1))
	pi := matrixutil.CenteringOperator(ensSize)
	y0 := matrixutil.NewDense(obsSize, ensSize)
	y0.Mul(s, pi)
	y0.Scale(c, y0)

	yyT := matrixutil.NewDense(obsSize, obsSize)
	yyT.Mul(y0, y0.T())
	cMat := matrixutil.NewDense(obsSize, obsSize)
	cMat.Scale(float64(ensSize-1), r)
	cMat.Add(cMat, yyT)

	tMat, ok := matrixutil.CholeskySolve(matrixutil.ToSymDense(cMat), y0)
	require.True(t, ok)

	diff := matrixutil.NewDense(obsSize, ensSize)
	diff.Sub(d, s)
	gain := matrixutil.NewDense(ensSize, ensSize)
	gain.Mul(tMat.T(), diff)
	xStd := matrixutil.Identity(ensSize)
	xStd.Add(xStd, gain)

	xPi := matrixutil.NewDense(ensSize, ensSize)
	xPi.Mul(xStd, pi)
	xPi.Scale(c, xPi)
	step := matrixutil.Identity(ensSize)
	step.Add(step, xPi)

	expected := matrixutil.NewDense(stateSize, ensSize)
	expected.Mul(a, step)

	assert.LessOrEqual(t, matrixutil.MaxAbsDiff(aCopy, expected), 5e-6)
}

func TestUpdateANoopOnSingleRealization(t *testing.T) {
	config := DefaultConfig()
	data := NewData(config)
	a := matrixutil.NewDense(2, 1)
	a.Set(0, 0, 3.0)
	a.Set(1, 0, 4.0)
	s := matrixutil.NewDense(2, 1)
	r := matrixutil.Identity(2)
	e := matrixutil.NewDense(2, 1)
	d := matrixutil.NewDense(2, 1)

	before := matrixutil.NewDense(2, 1)
	before.Copy(a)

	ensMask := mask.FromIndices(1, 0)
	obsMask := mask.FromIndices(2, 0, 1)
	require.NoError(t, data.InitUpdate(ensMask, obsMask, a, e))
	require.NoError(t, UpdateA(config, data, a, s, r, e, d, nil))

	assert.Equal(t, 0.0, matrixutil.MaxAbsDiff(a, before))
}

func TestUpdateANoopOnZeroObservations(t *testing.T) {
	config := DefaultConfig()
	data := NewData(config)
	a := matrixutil.NewDense(2, 4)
	for j := 0; j < 4; j++ {
		a.Set(0, j, float64(j))
		a.Set(1, j, float64(j)*2)
	}

	before := matrixutil.NewDense(2, 4)
	before.Copy(a)

	// active_obs == 0: UpdateA must return A unchanged without touching
	// data's iteration counter or mask reconciliation.
	empty := &mat.Dense{}
	require.NoError(t, UpdateA(config, data, a, empty, empty, empty, empty, nil))

	assert.Equal(t, 0.0, matrixutil.MaxAbsDiff(a, before))
	assert.Equal(t, 0, data.IterationNr())
}

func TestUpdateANoopOnRankZero(t *testing.T) {
	const ensSize = 5
	const obsSize = 2
	const stateSize = 2

	// Every realization predicts the same measurement, so S*Pi (and
	// therefore Y0) is identically zero: its truncated SVD has rank 0
	// for any of the subspace variants.
	s := matrixutil.NewDense(obsSize, ensSize)
	for i := 0; i < obsSize; i++ {
		for j := 0; j < ensSize; j++ {
			s.Set(i, j, float64(i+1))
		}
	}
	r := newIdentityR(obsSize)
	e := matrixutil.NewDense(obsSize, ensSize)
	d := matrixutil.NewDense(obsSize, ensSize)

	for _, variant := range []InversionVariant{InversionSubspaceExactR, InversionSubspaceEER, InversionSubspaceRE} {
		config := Config{
			Inversion:     variant,
			Truncation:    1.0,
			MaxStepLength: 1.0,
			MinStepLength: 1.0,
			DecStepLength: 2.5,
		}
		data := NewData(config)
		a := matrixutil.NewDense(stateSize, ensSize)
		for i := 0; i < stateSize; i++ {
			for j := 0; j < ensSize; j++ {
				a.Set(i, j, float64(i+1)+0.1*float64(j))
			}
		}
		before := matrixutil.NewDense(stateSize, ensSize)
		before.Copy(a)

		ensMask := mask.FromIndices(ensSize, allIndices(ensSize)...)
		obsMask := mask.FromIndices(obsSize, allIndices(obsSize)...)
		require.NoError(t, data.InitUpdate(ensMask, obsMask, a, e))

		require.NoError(t, UpdateA(config, data, a, s, r, e, d, nil))

		assert.Equal(t, 0.0, matrixutil.MaxAbsDiff(a, before), "variant %s", variant)
		assert.Equal(t, 0, data.IterationNr(), "variant %s must not advance the iteration counter on rank 0", variant)
	}
}

func TestStepLengthSchedule(t *testing.T) {
	config := Config{MaxStepLength: 1.0, MinStepLength: 0.3, DecStepLength: 2.5}
	assert.Equal(t, 1.0, config.StepLength(1))
	g2 := config.StepLength(2)
	assert.Greater(t, g2, config.MinStepLength)
	assert.Less(t, g2, config.MaxStepLength)
}

func allIndices(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
