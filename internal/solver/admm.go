package solver

import (
	"context"
	"fmt"
	"math"

	"github.com/flowtrading/auction-engine/internal/model"

	"gonum.org/v1/gonum/mat"
)

// Settings declares the termination tolerances and iteration budget of
// the ADMM engine. Zero values fall back to the defaults.
type Settings struct {
	// MaxIter caps the number of ADMM iterations.
	MaxIter int
	// EpsAbs and EpsRel are the absolute and relative components of the
	// primal and dual stopping criteria.
	EpsAbs float64
	EpsRel float64
	// Rho is the base step penalty; equality rows are penalised
	// eqRhoScale times harder, which is what makes the clearing
	// constraints converge tightly.
	Rho float64
	// Sigma regularises the KKT system.
	Sigma float64
	// Alpha is the over-relaxation parameter.
	Alpha float64
}

func (s Settings) withDefaults() Settings {
	if s.MaxIter == 0 {
		s.MaxIter = 50000
	}
	if s.EpsAbs == 0 {
		s.EpsAbs = 1e-8
	}
	if s.EpsRel == 0 {
		s.EpsRel = 1e-8
	}
	if s.Rho == 0 {
		s.Rho = 0.1
	}
	if s.Sigma == 0 {
		s.Sigma = 1e-6
	}
	if s.Alpha == 0 {
		s.Alpha = 1.6
	}
	return s
}

const eqRhoScale = 1e3

// solution carries the primal point and the duals of every row.
type solution struct {
	x     []float64 // length program.n
	y     []float64 // length program.m
	iters int
}

// solve runs operator-splitting ADMM on the assembled programme:
//
//	min ½ vᵀPv + qᵀv   s.t.  l <= Av <= u
//
// following the standard iteration: a regularised KKT solve for the
// primal candidate, over-relaxation, projection of the auxiliary
// variable onto [l, u], and a scaled dual update. The context deadline
// is observed between iterations; hitting it is a numerical failure.
func (p *Program) solve(ctx context.Context, settings Settings) (*solution, error) {
	s := settings.withDefaults()

	for i := 0; i < p.m; i++ {
		if p.l[i] > p.u[i] {
			return nil, fmt.Errorf("%w: row %d has bounds [%g, %g]", model.ErrInfeasible, i, p.l[i], p.u[i])
		}
	}
	if p.Empty() {
		return &solution{x: make([]float64, p.n), y: make([]float64, p.m)}, nil
	}

	n, m := p.n, p.m

	rho := make([]float64, m)
	for i := range rho {
		if p.eq[i] {
			rho[i] = s.Rho * eqRhoScale
		} else {
			rho[i] = s.Rho
		}
	}

	// K = P + σI + Aᵀ diag(ρ) A, factored once.
	k := mat.NewSymDense(n, nil)
	for j := 0; j < n; j++ {
		k.SetSym(j, j, p.pdiag[j]+s.Sigma)
	}
	for i := 0; i < m; i++ {
		for j1 := 0; j1 < n; j1++ {
			aij1 := p.a.At(i, j1)
			if aij1 == 0 {
				continue
			}
			for j2 := j1; j2 < n; j2++ {
				aij2 := p.a.At(i, j2)
				if aij2 == 0 {
					continue
				}
				k.SetSym(j1, j2, k.At(j1, j2)+rho[i]*aij1*aij2)
			}
		}
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(k); !ok {
		return nil, fmt.Errorf("%w: KKT factorisation failed", model.ErrNumericalFailure)
	}

	x := mat.NewVecDense(n, nil)
	z := make([]float64, m)
	y := make([]float64, m)

	rhs := mat.NewVecDense(n, nil)
	xt := mat.NewVecDense(n, nil)
	zt := make([]float64, m)
	ax := make([]float64, m)

	checkEvery := 25

	for iter := 0; iter < s.MaxIter; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrNumericalFailure, err)
		}

		// rhs = σx − q + Aᵀ(ρ∘z − y)
		for j := 0; j < n; j++ {
			rhs.SetVec(j, s.Sigma*x.AtVec(j)-p.q[j])
		}
		for i := 0; i < m; i++ {
			w := rho[i]*z[i] - y[i]
			if w == 0 {
				continue
			}
			for j := 0; j < n; j++ {
				if aij := p.a.At(i, j); aij != 0 {
					rhs.SetVec(j, rhs.AtVec(j)+aij*w)
				}
			}
		}

		if err := chol.SolveVecTo(xt, rhs); err != nil {
			return nil, fmt.Errorf("%w: KKT solve: %v", model.ErrNumericalFailure, err)
		}

		// z̃ = A x̃
		for i := 0; i < m; i++ {
			sum := 0.0
			for j := 0; j < n; j++ {
				if aij := p.a.At(i, j); aij != 0 {
					sum += aij * xt.AtVec(j)
				}
			}
			zt[i] = sum
		}

		// Over-relaxed primal and dual updates.
		for j := 0; j < n; j++ {
			x.SetVec(j, s.Alpha*xt.AtVec(j)+(1-s.Alpha)*x.AtVec(j))
		}
		for i := 0; i < m; i++ {
			relaxed := s.Alpha*zt[i] + (1-s.Alpha)*z[i]
			znew := clamp(relaxed+y[i]/rho[i], p.l[i], p.u[i])
			y[i] += rho[i] * (relaxed - znew)
			z[i] = znew
		}

		if (iter+1)%checkEvery != 0 {
			continue
		}

		// Residuals: rprim = ‖Ax − z‖∞, rdual = ‖Px + q + Aᵀy‖∞.
		rprim, axNorm, zNorm := 0.0, 0.0, 0.0
		for i := 0; i < m; i++ {
			sum := 0.0
			for j := 0; j < n; j++ {
				if aij := p.a.At(i, j); aij != 0 {
					sum += aij * x.AtVec(j)
				}
			}
			ax[i] = sum
			rprim = math.Max(rprim, math.Abs(sum-z[i]))
			axNorm = math.Max(axNorm, math.Abs(sum))
			zNorm = math.Max(zNorm, math.Abs(z[i]))
		}

		rdual, pxNorm, atyNorm, qNorm := 0.0, 0.0, 0.0, 0.0
		for j := 0; j < n; j++ {
			px := p.pdiag[j] * x.AtVec(j)
			aty := 0.0
			for i := 0; i < m; i++ {
				if aij := p.a.At(i, j); aij != 0 {
					aty += aij * y[i]
				}
			}
			rdual = math.Max(rdual, math.Abs(px+p.q[j]+aty))
			pxNorm = math.Max(pxNorm, math.Abs(px))
			atyNorm = math.Max(atyNorm, math.Abs(aty))
			qNorm = math.Max(qNorm, math.Abs(p.q[j]))
		}

		if math.IsNaN(rprim) || math.IsNaN(rdual) {
			return nil, fmt.Errorf("%w: diverged at iteration %d", model.ErrNumericalFailure, iter+1)
		}

		epsPrim := s.EpsAbs + s.EpsRel*math.Max(axNorm, zNorm)
		epsDual := s.EpsAbs + s.EpsRel*math.Max(math.Max(pxNorm, atyNorm), qNorm)
		if rprim <= epsPrim && rdual <= epsDual {
			out := &solution{x: make([]float64, n), y: make([]float64, m), iters: iter + 1}
			for j := 0; j < n; j++ {
				out.x[j] = x.AtVec(j)
			}
			copy(out.y, y)
			return out, nil
		}
	}

	return nil, fmt.Errorf("%w: no convergence in %d iterations", model.ErrNumericalFailure, s.MaxIter)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
