package solver

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/flowtrading/auction-engine/internal/model"

	"gonum.org/v1/gonum/mat"
)

// Program is the assembled quadratic programme for one batch, in the
// minimisation form
//
//	min ½ vᵀ diag(P) v + qᵀ v   s.t.  l <= A v <= u
//
// where v stacks one free trade variable per portfolio followed by one
// slack variable per demand-curve segment. Equality rows (product
// clearing, demand linkage) have l = u = 0; box rows bound individual
// slack variables. Maximising gains from trade is recovered by negating
// the objective, so diag(P) >= 0 by weak monotonicity.
type Program struct {
	// Deterministic orderings, sorted by canonical id string.
	Portfolios []model.PortfolioID
	Demands    []model.DemandID
	Products   []model.ProductID

	// segs[i] are the segments of Demands[i], in curve order.
	segs [][]segment

	// Column layout: len(Portfolios) portfolio variables, then segment
	// variables grouped by demand.
	n int
	// Row layout: len(Products) clearing rows, len(Demands) linkage
	// rows, then one box row per bounded segment variable.
	m int

	pdiag []float64
	q     []float64
	a     *mat.Dense
	l     []float64
	u     []float64

	// eq[i] is true for rows with l = u (used for per-row penalties).
	eq []bool

	basis  map[model.PortfolioID]model.ProductGroup
	groups map[model.PortfolioID]model.DemandGroup
}

// BuildProgram assembles the QP for the gathered book at the given batch
// duration in seconds. A non-positive duration defaults to one second,
// making rates and quantities coincide.
func BuildProgram(input *model.SolverInput, delta float64) (*Program, error) {
	if delta <= 0 {
		delta = 1
	}
	p := &Program{
		basis:  make(map[model.PortfolioID]model.ProductGroup, len(input.Portfolios)),
		groups: make(map[model.PortfolioID]model.DemandGroup, len(input.Portfolios)),
	}

	// A demand participates only if some portfolio names it and a curve
	// exists. A portfolio participates only with both maps non-empty
	// AND at least one live curve behind its demand map: without a
	// linkage row its trade variable would be unconstrained and could
	// manufacture offsetting volume from nothing.
	referenced := make(map[model.DemandID]bool)
	productSet := make(map[model.ProductID]bool)
	for id, pf := range input.Portfolios {
		if len(pf.DemandGroup) == 0 || len(pf.Basis) == 0 {
			continue
		}
		live := false
		for d := range pf.DemandGroup {
			if _, ok := input.Demands[d]; ok {
				live = true
			}
		}
		if !live {
			continue
		}
		p.Portfolios = append(p.Portfolios, id)
		p.basis[id] = pf.Basis
		p.groups[id] = pf.DemandGroup
		for d := range pf.DemandGroup {
			if _, ok := input.Demands[d]; ok {
				referenced[d] = true
			}
		}
		for q := range pf.Basis {
			productSet[q] = true
		}
	}
	sort.Slice(p.Portfolios, func(i, j int) bool {
		return p.Portfolios[i].String() < p.Portfolios[j].String()
	})

	for d := range referenced {
		p.Demands = append(p.Demands, d)
	}
	sort.Slice(p.Demands, func(i, j int) bool {
		return p.Demands[i].String() < p.Demands[j].String()
	})
	for q := range productSet {
		p.Products = append(p.Products, q)
	}
	sort.Slice(p.Products, func(i, j int) bool {
		return p.Products[i].String() < p.Products[j].String()
	})

	// Disaggregate the curves.
	nseg := 0
	p.segs = make([][]segment, len(p.Demands))
	for i, d := range p.Demands {
		curve := input.Demands[d]
		segs, err := segments(curve, delta)
		if err != nil {
			return nil, fmt.Errorf("demand %s: %w", d, err)
		}
		p.segs[i] = segs
		nseg += len(segs)
	}

	p.n = len(p.Portfolios) + nseg

	nbox := 0
	for _, segs := range p.segs {
		for _, s := range segs {
			if !math.IsInf(s.lo, 0) || !math.IsInf(s.hi, 0) {
				nbox++
			}
		}
	}
	p.m = len(p.Products) + len(p.Demands) + nbox

	p.pdiag = make([]float64, p.n)
	p.q = make([]float64, p.n)
	p.l = make([]float64, p.m)
	p.u = make([]float64, p.m)
	p.eq = make([]bool, p.m)
	if p.n == 0 || p.m == 0 {
		return p, nil
	}
	p.a = mat.NewDense(p.m, p.n, nil)

	prodRow := make(map[model.ProductID]int, len(p.Products))
	for i, q := range p.Products {
		prodRow[q] = i
		p.eq[i] = true
	}
	demRow := make(map[model.DemandID]int, len(p.Demands))
	for i, d := range p.Demands {
		demRow[d] = len(p.Products) + i
		p.eq[len(p.Products)+i] = true
	}

	// Portfolio columns: clearing and linkage coefficients.
	for col, id := range p.Portfolios {
		for q, w := range p.basis[id] {
			p.a.Set(prodRow[q], col, p.a.At(prodRow[q], col)+w)
		}
		for d, w := range p.groups[id] {
			if row, ok := demRow[d]; ok {
				p.a.Set(row, col, p.a.At(row, col)+w)
			}
		}
	}

	// Segment columns: objective terms, linkage coefficient, box row.
	col := len(p.Portfolios)
	box := len(p.Products) + len(p.Demands)
	for i, d := range p.Demands {
		row := demRow[d]
		for _, s := range p.segs[i] {
			// Maximise Σ intercept*y + slope/2*y²  ⇒  minimise the negation.
			p.pdiag[col] = -s.slope
			p.q[col] = -s.intercept
			p.a.Set(row, col, -1)
			if !math.IsInf(s.lo, 0) || !math.IsInf(s.hi, 0) {
				p.a.Set(box, col, 1)
				p.l[box] = s.lo
				p.u[box] = s.hi
				box++
			}
			col++
		}
	}

	return p, nil
}

// Empty reports whether there is nothing to optimise.
func (p *Program) Empty() bool { return p.n == 0 || p.m == 0 }

// Names used by the LP/MPS exports and diagnostics. All are derived from
// ids only, so exports are byte-stable across runs for the same input.

func hexID(s fmt.Stringer) string {
	return strings.ReplaceAll(s.String(), "-", "")
}

// VarNames returns the column names: x_<portfolio> then y_<demand>_<k>.
func (p *Program) VarNames() []string {
	names := make([]string, 0, p.n)
	for _, id := range p.Portfolios {
		names = append(names, "x_"+hexID(id))
	}
	for i, d := range p.Demands {
		for k := range p.segs[i] {
			names = append(names, fmt.Sprintf("y_%s_%d", hexID(d), k))
		}
	}
	return names
}

// RowNames returns the equality-row names: p_<product> then d_<demand>.
// Box rows are expressed as variable bounds in both export formats and
// carry no names.
func (p *Program) RowNames() []string {
	names := make([]string, 0, len(p.Products)+len(p.Demands))
	for _, q := range p.Products {
		names = append(names, "p_"+hexID(q))
	}
	for _, d := range p.Demands {
		names = append(names, "d_"+hexID(d))
	}
	return names
}
