package solver

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
)

// The assembled programme can be exported to the two standard formats
// for diagnostic use. Both writers emit variables, rows and coefficients
// in the programme's deterministic order, so the output is byte-stable
// across runs for the same input.

func ftoa(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// signed renders a coefficient as an explicitly signed LP term.
func signed(v float64) string {
	if v < 0 {
		return "- " + ftoa(-v)
	}
	return "+ " + ftoa(v)
}

// bounds returns the per-variable bounds in column order. Portfolio
// variables are free; segment variables carry their box bounds.
func (p *Program) bounds() ([]float64, []float64) {
	lo := make([]float64, p.n)
	hi := make([]float64, p.n)
	for j := 0; j < len(p.Portfolios); j++ {
		lo[j] = math.Inf(-1)
		hi[j] = math.Inf(1)
	}
	col := len(p.Portfolios)
	for i := range p.Demands {
		for _, s := range p.segs[i] {
			lo[col] = s.lo
			hi[col] = s.hi
			col++
		}
	}
	return lo, hi
}

// nEqRows is the number of named equality rows (clearing + linkage);
// the remaining rows of A are box rows exported as variable bounds.
func (p *Program) nEqRows() int { return len(p.Products) + len(p.Demands) }

// WriteLP serialises the programme in CPLEX LP format, in the maximised
// gains-from-trade orientation.
func (p *Program) WriteLP(w io.Writer) error {
	bw := bufio.NewWriter(w)
	names := p.VarNames()
	rows := p.RowNames()
	lo, hi := p.bounds()

	fmt.Fprintln(bw, "\\ flow trading batch quadratic programme")
	fmt.Fprintln(bw, "Maximize")
	fmt.Fprint(bw, " obj:")
	for j, name := range names {
		if c := -p.q[j]; c != 0 {
			fmt.Fprintf(bw, " %s %s", signed(c), name)
		}
	}
	quad := false
	for j := range names {
		if p.pdiag[j] != 0 {
			quad = true
			break
		}
	}
	if quad {
		fmt.Fprint(bw, " + [")
		for j, name := range names {
			if d := -p.pdiag[j]; d != 0 {
				fmt.Fprintf(bw, " %s %s^2", signed(d), name)
			}
		}
		fmt.Fprint(bw, " ] / 2")
	}
	fmt.Fprintln(bw)

	fmt.Fprintln(bw, "Subject To")
	for i, row := range rows {
		fmt.Fprintf(bw, " %s:", row)
		for j, name := range names {
			if a := p.a.At(i, j); a != 0 {
				fmt.Fprintf(bw, " %s %s", signed(a), name)
			}
		}
		fmt.Fprintln(bw, " = 0")
	}

	fmt.Fprintln(bw, "Bounds")
	for j, name := range names {
		switch {
		case math.IsInf(lo[j], -1) && math.IsInf(hi[j], 1):
			fmt.Fprintf(bw, " %s free\n", name)
		case math.IsInf(lo[j], -1):
			fmt.Fprintf(bw, " %s <= %s\n", name, ftoa(hi[j]))
		case math.IsInf(hi[j], 1):
			fmt.Fprintf(bw, " %s >= %s\n", name, ftoa(lo[j]))
		default:
			fmt.Fprintf(bw, " %s <= %s <= %s\n", ftoa(lo[j]), name, ftoa(hi[j]))
		}
	}
	fmt.Fprintln(bw, "End")
	return bw.Flush()
}

// WriteMPS serialises the programme in free MPS format with an OBJSENSE
// of MAX and the quadratic diagonal in a QUADOBJ section.
func (p *Program) WriteMPS(w io.Writer) error {
	bw := bufio.NewWriter(w)
	names := p.VarNames()
	rows := p.RowNames()
	lo, hi := p.bounds()

	fmt.Fprintln(bw, "NAME flowtrade")
	fmt.Fprintln(bw, "OBJSENSE")
	fmt.Fprintln(bw, "    MAX")
	fmt.Fprintln(bw, "ROWS")
	fmt.Fprintln(bw, " N obj")
	for _, row := range rows {
		fmt.Fprintf(bw, " E %s\n", row)
	}

	fmt.Fprintln(bw, "COLUMNS")
	for j, name := range names {
		if c := -p.q[j]; c != 0 {
			fmt.Fprintf(bw, "    %s obj %s\n", name, ftoa(c))
		}
		for i, row := range rows {
			if a := p.a.At(i, j); a != 0 {
				fmt.Fprintf(bw, "    %s %s %s\n", name, row, ftoa(a))
			}
		}
	}

	fmt.Fprintln(bw, "RHS")

	fmt.Fprintln(bw, "BOUNDS")
	for j, name := range names {
		switch {
		case math.IsInf(lo[j], -1) && math.IsInf(hi[j], 1):
			fmt.Fprintf(bw, " FR BND %s\n", name)
		default:
			if math.IsInf(lo[j], -1) {
				fmt.Fprintf(bw, " MI BND %s\n", name)
			} else {
				fmt.Fprintf(bw, " LO BND %s %s\n", name, ftoa(lo[j]))
			}
			if math.IsInf(hi[j], 1) {
				fmt.Fprintf(bw, " PL BND %s\n", name)
			} else {
				fmt.Fprintf(bw, " UP BND %s %s\n", name, ftoa(hi[j]))
			}
		}
	}

	quad := false
	for j := range names {
		if p.pdiag[j] != 0 {
			quad = true
			break
		}
	}
	if quad {
		fmt.Fprintln(bw, "QUADOBJ")
		for j, name := range names {
			if d := -p.pdiag[j]; d != 0 {
				fmt.Fprintf(bw, "    %s %s %s\n", name, name, ftoa(d))
			}
		}
	}

	fmt.Fprintln(bw, "ENDATA")
	return bw.Flush()
}
