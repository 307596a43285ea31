// Package solver turns a gathered bid book into a convex quadratic
// programme, solves it with an ADMM engine, and attributes the
// primal/dual solution back to portfolios and products.
//
// All arithmetic is float64. Money never leaves this package un-rounded;
// downstream consumers (settlement) convert to decimal.
package solver

import (
	"fmt"
	"math"

	"github.com/flowtrading/auction-engine/internal/model"
)

// segment is one differentiable piece of a demand curve, translated so
// that its slack variable y spans zero: lo <= 0 <= hi. The marginal
// price at slack y is intercept + slope*y, with slope <= 0 by weak
// monotonicity. Bounds and slope are already scaled by the batch
// duration; intercept is a per-unit price and needs no scaling.
type segment struct {
	lo, hi    float64
	slope     float64
	intercept float64
}

// utility integrates the marginal price from 0 to y:
//
//	U(y) = intercept*y + slope/2 * y^2
func (s segment) utility(y float64) float64 {
	return s.intercept*y + s.slope/2*y*y
}

// segments converts a demand curve into its QP pieces for a batch of
// the given duration (in seconds). Piecewise-linear curves use their
// breakpoint hull as the declared domain; constant curves use their
// min/max rates, nil meaning unbounded on that side.
func segments(curve model.DemandCurve, delta float64) ([]segment, error) {
	if curve.IsPwl() {
		lo, hi := curve.Domain()
		return pwlSegments(curve.Pwl, lo, hi, delta)
	}
	c := curve.Constant
	min, max := c.Min(), c.Max()
	if !(min <= 0 && 0 <= max) {
		return nil, fmt.Errorf("%w: rate domain [%g, %g] must contain 0", model.ErrInvalidCurve, min, max)
	}
	return []segment{{
		lo:        min * delta,
		hi:        max * delta,
		slope:     0,
		intercept: c.Price,
	}}, nil
}

// pwlSegments emits one segment per breakpoint pair, clipped to the
// declared domain [lo, hi]. Interior collinear breakpoints are merged
// first. If the domain exceeds the breakpoint hull, virtual endpoints
// extending the terminal segments' slopes are inserted before scaling,
// which preserves weak monotonicity.
func pwlSegments(points []model.Point, lo, hi float64, delta float64) ([]segment, error) {
	if len(points) == 0 {
		return nil, fmt.Errorf("%w: empty point list", model.ErrInvalidCurve)
	}
	if !(lo <= 0 && 0 <= hi) {
		return nil, fmt.Errorf("%w: domain [%g, %g] must contain 0", model.ErrInvalidCurve, lo, hi)
	}

	// Merge again after extension: virtual endpoints are collinear with
	// the terminal segments by construction.
	pts := mergeCollinear(extendToDomain(mergeCollinear(points), lo, hi))

	var out []segment
	for i := 1; i < len(pts); i++ {
		prev, next := pts[i-1], pts[i]
		if next.Rate < prev.Rate || (next.Rate == prev.Rate && next.Price > prev.Price) {
			return nil, fmt.Errorf("%w: points out of order", model.ErrInvalidCurve)
		}
		if next.Price > prev.Price {
			return nil, fmt.Errorf("%w: price must weakly decrease", model.ErrInvalidCurve)
		}
		if next.Rate == prev.Rate {
			// Vertical pieces carry no tradeable quantity.
			continue
		}

		// Translate the piece minimally so it contains rate 0.
		translate := math.Max(prev.Rate, 0) + math.Min(next.Rate, 0)
		q0 := prev.Rate - translate
		q1 := next.Rate - translate

		m := (next.Price - prev.Price) / (next.Rate - prev.Rate)
		// Price of the translated piece at y = 0.
		c := prev.Price - m*q0

		// Clip to the declared domain, in translated coordinates.
		q0 = math.Max(q0, lo-translate)
		q1 = math.Min(q1, hi-translate)
		if q0 >= q1 {
			continue
		}

		out = append(out, segment{
			lo:        q0 * delta,
			hi:        q1 * delta,
			slope:     m / delta,
			intercept: c,
		})
	}
	if len(out) == 0 {
		// The whole curve collapsed to a point; treat it as a pinned
		// zero-trade demand by a single degenerate bound.
		out = append(out, segment{lo: 0, hi: 0, slope: 0, intercept: pts[0].Price})
	}
	return out, nil
}

// mergeCollinear removes interior breakpoints that lie on the line
// through their neighbors, reducing the number of QP variables.
func mergeCollinear(points []model.Point) []model.Point {
	if len(points) < 3 {
		return points
	}
	out := make([]model.Point, 0, len(points))
	out = append(out, points[0])
	for i := 1; i < len(points)-1; i++ {
		if collinear(out[len(out)-1], points[i], points[i+1]) {
			continue
		}
		out = append(out, points[i])
	}
	out = append(out, points[len(points)-1])
	return out
}

func collinear(a, b, c model.Point) bool {
	return (c.Rate-a.Rate)*(b.Price-a.Price) == (b.Rate-a.Rate)*(c.Price-a.Price)
}

// extendToDomain inserts virtual endpoints when the declared domain is
// wider than the breakpoint hull, extrapolating at the terminal slope.
// A single-point curve extends flat in both directions.
func extendToDomain(points []model.Point, lo, hi float64) []model.Point {
	out := points
	first, last := points[0], points[len(points)-1]

	if lo < first.Rate {
		slope := 0.0
		if len(points) > 1 {
			second := points[1]
			slope = (second.Price - first.Price) / (second.Rate - first.Rate)
		}
		head := model.Point{Rate: lo, Price: first.Price + slope*(lo-first.Rate)}
		out = append([]model.Point{head}, out...)
	}
	if hi > last.Rate {
		slope := 0.0
		if len(points) > 1 {
			penultimate := points[len(points)-2]
			slope = (last.Price - penultimate.Price) / (last.Rate - penultimate.Rate)
		}
		out = append(out, model.Point{Rate: hi, Price: last.Price + slope*(hi-last.Rate)})
	}
	return out
}
