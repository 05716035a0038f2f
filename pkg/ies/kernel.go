package ies

import (
	"math"
	"math/rand"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/valentin-krasontovitsch/ert/internal/mask"
	"github.com/valentin-krasontovitsch/ert/internal/matrixutil"
)

// UpdateA implements the IES subspace update equation (spec.md §4.1.2):
// it refines the ensemble A in place against the predicted measurements
// S, the measurement error covariance R, the observation perturbations
// E and the perturbed innovation D, and folds the result into data.W
// for use by the next outer iteration.
//
// Preconditions, per the public contract: A is active_state x
// active_ens; S, E, D are active_obs x active_ens; R is active_obs x
// active_obs; data.EnsMask()/data.ObsMask() have already been set by a
// prior call to data.InitUpdate for this iteration. rng is accepted for
// forward compatibility with randomized subspace schemes; the four
// variants implemented here are deterministic and do not draw from it.
func UpdateA(config Config, data *Data, A, S, R, E, D *mat.Dense, rng *rand.Rand) error {
	_ = rng
	if err := config.Validate(); err != nil {
		return err
	}

	activeObs, activeEns := S.Dims()
	if activeObs == 0 {
		// "If active_obs == 0 the function returns A unchanged."
		return nil
	}
	if activeEns == 1 {
		// "If active_ens_size == 1 the update is a no-op."
		return nil
	}

	stateSize, _ := A.Dims()

	stdDev := diagSqrt(R)
	sScaled := cloneScaledRows(S, stdDev)
	eScaled := cloneScaledRows(E, stdDev)
	dScaled := cloneScaledRows(D, stdDev)

	c := 1.0 / math.Sqrt(float64(activeEns-1))
	pi := matrixutil.CenteringOperator(activeEns)

	y0 := matrixutil.NewDense(activeObs, activeEns)
	y0.Mul(sScaled, pi)
	y0.Scale(c, y0)
	// Centering rows that are constant across the ensemble leaves only
	// rounding residue in Y0; treat that as exactly zero so the rank-0
	// check in the inversion variants sees it.
	if mat.Norm(y0, 2) <= matrixutil.SingularValueFloor*c*mat.Norm(sScaled, 2) {
		y0.Zero()
	}

	innovation, predicted := dScaled, sScaled
	if config.AAProjection && stateSize < activeEns && config.Inversion == InversionExact {
		// Restrict D and Y to the ensemble-index subspace the state
		// anomalies A*Pi can actually resolve, per spec.md §4.1.2 step 3.
		aAnomalies := matrixutil.NewDense(stateSize, activeEns)
		aAnomalies.Mul(A, pi)
		aAnomalies.Scale(c, aAnomalies)

		if _, _, vA, rank := matrixutil.TruncatedSVD(aAnomalies, 1.0); rank > 0 {
			proj := matrixutil.NewDense(activeEns, activeEns)
			proj.Mul(vA, vA.T())

			projD := matrixutil.NewDense(activeObs, activeEns)
			projD.Mul(dScaled, proj)
			projS := matrixutil.NewDense(activeObs, activeEns)
			projS.Mul(sScaled, proj)

			innovation, predicted = projD, projS
			y0.Mul(predicted, pi)
			y0.Scale(c, y0)
		}
	}

	t, err := makeX(config, y0, eScaled, R, activeObs, activeEns)
	if err != nil {
		if rzErr, ok := err.(*rankZeroError); ok {
			data.logger().WithFields(log.Fields{
				"variant":    rzErr.variant,
				"active_ens": activeEns,
				"active_obs": activeObs,
			}).Warnf("ies: truncated SVD collapsed to rank 0, returning ensemble unchanged")
			return nil
		}
		return err
	}

	diff := matrixutil.NewDense(activeObs, activeEns)
	diff.Sub(innovation, predicted)
	gain := matrixutil.NewDense(activeEns, activeEns)
	gain.Mul(t.T(), diff)

	xFull := matrixutil.Identity(activeEns)
	xFull.Add(xFull, gain)

	k := data.IncIterationNr()
	gamma := config.StepLength(k)

	ensMask := data.EnsMask()
	wFull := data.W()
	activeIdx := ensMask.Indices()
	if len(activeIdx) != activeEns {
		return &activeEnsembleMismatchError{maskActive: len(activeIdx), columns: activeEns}
	}

	for ii, i := range activeIdx {
		for jj, j := range activeIdx {
			prev := wFull.At(i, j)
			next := (1-gamma)*prev + gamma*xFull.At(ii, jj)
			wFull.Set(i, j, next)
		}
	}

	activeBools := boolsFromMask(ensMask)
	wActive := matrixutil.SelectRows(matrixutil.SelectColumns(wFull, activeBools), activeBools)

	wPi := matrixutil.NewDense(activeEns, activeEns)
	wPi.Mul(wActive, pi)
	wPi.Scale(c, wPi)

	step := matrixutil.Identity(activeEns)
	step.Add(step, wPi)

	next := matrixutil.NewDense(stateSize, activeEns)
	next.Mul(data.A0(), step)
	A.Copy(next)

	data.logger().WithFields(log.Fields{
		"gamma":      gamma,
		"active_ens": activeEns,
		"active_obs": activeObs,
	}).Debugf("ies update applied")

	return nil
}

// makeX forms the active_obs x active_ens matrix T (spec.md §4.1.2 step
// 4) for the configured inversion variant; the caller's gain is
// T^T * (D - Y).
func makeX(config Config, y0, eScaled, r *mat.Dense, activeObs, activeEns int) (*mat.Dense, error) {
	switch config.Inversion {
	case InversionExact:
		return exactInversionX(y0, r, activeEns)
	case InversionSubspaceExactR:
		return subspaceInversionX(config, y0, r, activeObs, activeEns)
	case InversionSubspaceEER:
		return subspaceInversionX(config, y0, sampleCovariance(eScaled), activeObs, activeEns)
	case InversionSubspaceRE:
		return subspaceInversionXFromAugmented(config, y0, eScaled, activeObs, activeEns)
	default:
		return nil, &unknownInversionError{config.Inversion}
	}
}

// exactInversionX solves C*T = Y0 via Cholesky (C = Y0*Y0^T + (N-1)*R),
// matching the literal STD-EnKF formula of spec.md §4.1.4.
func exactInversionX(y0, r *mat.Dense, activeEns int) (*mat.Dense, error) {
	activeObs, _ := y0.Dims()

	yyT := matrixutil.NewDense(activeObs, activeObs)
	yyT.Mul(y0, y0.T())

	c := matrixutil.NewDense(activeObs, activeObs)
	c.Scale(float64(activeEns-1), r)
	c.Add(c, yyT)

	t, ok := matrixutil.CholeskySolve(matrixutil.ToSymDense(c), y0)
	if !ok {
		return nil, &svdBreakdownError{variant: InversionExact, activeObs: activeObs}
	}
	return t, nil
}

// subspaceInversionX implements the Evensen/Sakov-Oke subspace
// pseudo-inversion scheme: truncate the SVD of Y0, sandwich the
// observation-error covariance in the truncated subspace, regularize by
// eigendecomposition, and map back through V0 to the active_obs x
// active_ens matrix the caller treats as T.
func subspaceInversionX(config Config, y0, covariance *mat.Dense, activeObs, activeEns int) (*mat.Dense, error) {
	u0, sigma0, v0, rank := matrixutil.TruncatedSVD(y0, config.Truncation)
	if rank == 0 {
		return nil, &rankZeroError{variant: config.Inversion}
	}

	x1 := pseudoInverseTimesUT(sigma0, u0)

	lambdaTmp := matrixutil.NewDense(rank, activeObs)
	lambdaTmp.Mul(x1, covariance)
	lambda := matrixutil.NewDense(rank, rank)
	lambda.Mul(lambdaTmp, x1.T())

	theta, z, ok := matrixutil.EigenSym(matrixutil.ToSymDense(lambda))
	if !ok {
		return nil, &svdBreakdownError{variant: config.Inversion, activeObs: activeObs}
	}

	x2 := regularizedMap(z, theta, x1)

	t := matrixutil.NewDense(activeObs, activeEns)
	t.Mul(x2.T(), v0.T())
	return t, nil
}

// subspaceInversionXFromAugmented implements InversionSubspaceRE: the
// SVD runs on [Y0 | sqrt(N-1)*E] so the observation-error covariance is
// folded into the decomposition itself rather than supplied separately;
// the eigenvalue problem collapses to the identity, the standard
// "square-root" simplification for this variant.
func subspaceInversionXFromAugmented(config Config, y0, eScaled *mat.Dense, activeObs, activeEns int) (*mat.Dense, error) {
	augmented := augmentWithE(y0, eScaled, activeEns)

	u0, sigma0, _, rank := matrixutil.TruncatedSVD(augmented, config.Truncation)
	if rank == 0 {
		return nil, &rankZeroError{variant: config.Inversion}
	}

	x1 := pseudoInverseTimesUT(sigma0, u0)
	x2 := regularizedMap(matrixutil.Identity(rank), ones(rank), x1)

	y0InSubspace := matrixutil.NewDense(rank, activeEns)
	y0InSubspace.Mul(u0.T(), y0)

	t := matrixutil.NewDense(activeObs, activeEns)
	t.Mul(x2.T(), y0InSubspace)
	return t, nil
}

func pseudoInverseTimesUT(sigma []float64, u0 *mat.Dense) *mat.Dense {
	rows, rank := u0.Dims()
	x1 := matrixutil.NewDense(rank, rows)
	for i := 0; i < rank; i++ {
		inv := 1.0 / sigma[i]
		for j := 0; j < rows; j++ {
			x1.Set(i, j, inv*u0.At(j, i))
		}
	}
	return x1
}

// regularizedMap builds Z*(I+Theta)^-1*Z^T*X1 for an eigendecomposition
// Lambda = Z*diag(theta)*Z^T.
func regularizedMap(z *mat.Dense, theta []float64, x1 *mat.Dense) *mat.Dense {
	rank := len(theta)
	inv := mat.NewDiagDense(rank, nil)
	for i, th := range theta {
		inv.SetDiag(i, 1.0/(1.0+th))
	}

	zInv := matrixutil.NewDense(rank, rank)
	zInv.Mul(z, inv)
	zInvZt := matrixutil.NewDense(rank, rank)
	zInvZt.Mul(zInv, z.T())

	_, cols := x1.Dims()
	x2 := matrixutil.NewDense(rank, cols)
	x2.Mul(zInvZt, x1)
	return x2
}

func ones(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1.0
	}
	return out
}

func sampleCovariance(eScaled *mat.Dense) *mat.Dense {
	rows, cols := eScaled.Dims()
	cov := matrixutil.NewDense(rows, rows)
	cov.Mul(eScaled, eScaled.T())
	cov.Scale(1.0/float64(cols-1), cov)
	return cov
}

// augmentWithE builds [Y0 | sqrt(N-1)*E], the horizontal concatenation
// spec.md §4.1.2's SUBSPACE_RE variant SVDs.
func augmentWithE(y0, eScaled *mat.Dense, activeEns int) *mat.Dense {
	rows, cols := y0.Dims()
	scale := math.Sqrt(float64(activeEns - 1))
	aug := matrixutil.NewDense(rows, 2*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			aug.Set(i, j, y0.At(i, j))
			aug.Set(i, cols+j, scale*eScaled.At(i, j))
		}
	}
	return aug
}

func diagSqrt(r *mat.Dense) []float64 {
	n, _ := r.Dims()
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = math.Sqrt(r.At(i, i))
	}
	return out
}

func cloneScaledRows(m *mat.Dense, stdDev []float64) *mat.Dense {
	rows, cols := m.Dims()
	out := matrixutil.NewDense(rows, cols)
	out.Copy(m)
	matrixutil.ScaleRows(out, stdDev)
	return out
}

func boolsFromMask(m mask.Mask) []bool {
	out := make([]bool, m.Size())
	for _, i := range m.Indices() {
		out[i] = true
	}
	return out
}
