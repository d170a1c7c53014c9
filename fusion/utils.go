package fusion

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// solveDamped solves (JtJ + lambda*I) dp = g for the 2-vector step dp.
// Cholesky is used first; the pseudo-inverse covers the rare case where
// factorization fails on a numerically singular system.
func solveDamped(jtj *mat.SymDense, g *mat.VecDense, lambda float64) ([2]float64, bool) {
	a := mat.NewSymDense(2, nil)
	a.CopySym(jtj)
	a.SetSym(0, 0, a.At(0, 0)+lambda)
	a.SetSym(1, 1, a.At(1, 1)+lambda)

	var chol mat.Cholesky
	if chol.Factorize(a) {
		var x mat.VecDense
		if err := chol.SolveVecTo(&x, g); err == nil {
			step := [2]float64{x.AtVec(0), x.AtVec(1)}
			if isFinite(step[0]) && isFinite(step[1]) {
				return step, true
			}
		}
	}

	inv, rank := pinv(a)
	if rank == 0 {
		return [2]float64{}, false
	}
	var x mat.VecDense
	x.MulVec(inv, g)
	step := [2]float64{x.AtVec(0), x.AtVec(1)}
	return step, isFinite(step[0]) && isFinite(step[1])
}

// hdop computes sqrt(trace((JtJ)^+)) for the unit line-of-sight rows of j.
// Rank-deficient geometry reports HDOPMax.
func hdop(j *mat.Dense) float64 {
	var g mat.Dense
	g.Mul(j.T(), j)
	inv, rank := pinv(&g)
	if rank < 2 {
		return HDOPMax
	}
	v := math.Sqrt(inv.At(0, 0) + inv.At(1, 1))
	if !isFinite(v) || v > HDOPMax {
		return HDOPMax
	}
	return v
}

// pinv computes the pseudo-inverse via SVD and returns it with the numerical rank.
func pinv(a mat.Matrix) (*mat.Dense, int) {
	r, c := a.Dims()

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		return mat.NewDense(c, r, nil), 0
	}

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	s := svd.Values(nil)

	maxS := 0.0
	if len(s) > 0 {
		maxS = s[0]
	}
	// Standard tolerance: eps * max(rows, cols) * max singular value.
	tol := 1e-15 * float64(max(r, c)) * maxS

	rank := 0
	sigInv := mat.NewDense(len(s), len(s), nil)
	for i, val := range s {
		if val > tol && val > 0 {
			sigInv.Set(i, i, 1.0/val)
			rank++
		}
	}

	// V * Sigma^+ * U^T
	var tmp, res mat.Dense
	tmp.Mul(&v, sigInv)
	res.Mul(&tmp, u.T())
	return &res, rank
}
