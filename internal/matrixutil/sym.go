package matrixutil

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/valentin-krasontovitsch/ert/internal/common/ierrors"
)

// ToSymDense packages a square matrix known (by construction) to be
// symmetric as a *mat.SymDense, reading only its upper triangle — the
// shape needed by CholeskySolve and EigenSym.
func ToSymDense(m *mat.Dense) *mat.SymDense {
	n, cols := m.Dims()
	if n != cols {
		panic(&ierrors.ErrInvalidArgument{
			Name:    "m",
			Value:   fmt.Sprintf("%dx%d", n, cols),
			Message: "expected a square matrix for symmetric conversion",
		})
	}
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, m.At(i, j))
		}
	}
	return sym
}
