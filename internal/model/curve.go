package model

import (
	"encoding/json"
	"fmt"
	"math"
)

// Point is a breakpoint of a piecewise-linear demand curve: the marginal
// price a bidder assigns to trading at the given signed rate.
type Point struct {
	Rate  float64 `json:"rate"`
	Price float64 `json:"price"`
}

// ConstantCurve is a flat demand curve: a single price over an optional
// rate interval. Nil bounds denote the appropriately signed infinity.
type ConstantCurve struct {
	MinRate *float64 `json:"min_rate"`
	MaxRate *float64 `json:"max_rate"`
	Price   float64  `json:"price"`
}

// Min returns the lower rate bound, -Inf when unbounded.
func (c ConstantCurve) Min() float64 {
	if c.MinRate == nil {
		return math.Inf(-1)
	}
	return *c.MinRate
}

// Max returns the upper rate bound, +Inf when unbounded.
func (c ConstantCurve) Max() float64 {
	if c.MaxRate == nil {
		return math.Inf(1)
	}
	return *c.MaxRate
}

// DemandCurve is the tagged variant of the two supported curve forms.
// Exactly one of Pwl and Constant is set.
//
// The JSON encoding is an untagged union: a piecewise-linear curve
// serialises as an array of points, a constant curve as an object.
type DemandCurve struct {
	Pwl      []Point
	Constant *ConstantCurve
}

// IsPwl reports whether the curve is in piecewise-linear form.
func (c DemandCurve) IsPwl() bool { return c.Pwl != nil }

// Domain returns the rate interval the curve is declared over.
// For a piecewise-linear curve this is the breakpoint hull.
func (c DemandCurve) Domain() (float64, float64) {
	if c.IsPwl() {
		return c.Pwl[0].Rate, c.Pwl[len(c.Pwl)-1].Rate
	}
	return c.Constant.Min(), c.Constant.Max()
}

// MarshalJSON encodes the curve as its untagged union form.
func (c DemandCurve) MarshalJSON() ([]byte, error) {
	if c.IsPwl() {
		return json.Marshal(c.Pwl)
	}
	if c.Constant != nil {
		return json.Marshal(c.Constant)
	}
	return nil, fmt.Errorf("%w: neither form set", ErrInvalidCurve)
}

// UnmarshalJSON decodes either union form and validates the result.
func (c *DemandCurve) UnmarshalJSON(data []byte) error {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '[':
			var points []Point
			if err := json.Unmarshal(data, &points); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidCurve, err)
			}
			*c = DemandCurve{Pwl: points}
		default:
			var constant ConstantCurve
			if err := json.Unmarshal(data, &constant); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidCurve, err)
			}
			*c = DemandCurve{Constant: &constant}
		}
		return c.Validate()
	}
	return c.Validate()
}

// Validate checks the curve against the validity predicates:
//
// Piecewise-linear form: non-empty, all coordinates finite, strictly
// increasing in rate, weakly decreasing in price, and the rate domain
// must cover zero.
//
// Constant form: min_rate <= 0 <= max_rate (where finite), and
// min_rate <= max_rate. The price must be finite.
func (c DemandCurve) Validate() error {
	if c.IsPwl() {
		if len(c.Pwl) == 0 {
			return fmt.Errorf("%w: empty point list", ErrInvalidCurve)
		}
		prev := Point{Rate: math.Inf(-1), Price: math.Inf(1)}
		for i, pt := range c.Pwl {
			if math.IsNaN(pt.Rate) || math.IsNaN(pt.Price) {
				return fmt.Errorf("%w: NaN coordinate at point %d", ErrInvalidCurve, i)
			}
			if math.IsInf(pt.Rate, 0) || math.IsInf(pt.Price, 0) {
				return fmt.Errorf("%w: infinite coordinate at point %d", ErrInvalidCurve, i)
			}
			if i > 0 {
				if pt.Rate <= prev.Rate {
					return fmt.Errorf("%w: rates must strictly increase at point %d", ErrInvalidCurve, i)
				}
				if pt.Price > prev.Price {
					return fmt.Errorf("%w: prices must weakly decrease at point %d", ErrInvalidCurve, i)
				}
			}
			prev = pt
		}
		lo, hi := c.Pwl[0].Rate, c.Pwl[len(c.Pwl)-1].Rate
		if lo > 0 || hi < 0 {
			return fmt.Errorf("%w: rate domain [%g, %g] must contain 0", ErrInvalidCurve, lo, hi)
		}
		return nil
	}

	if c.Constant == nil {
		return fmt.Errorf("%w: neither form set", ErrInvalidCurve)
	}
	cc := c.Constant
	if math.IsNaN(cc.Price) || math.IsInf(cc.Price, 0) {
		return fmt.Errorf("%w: price must be finite", ErrInvalidCurve)
	}
	min, max := cc.Min(), cc.Max()
	if math.IsNaN(min) || math.IsNaN(max) {
		return fmt.Errorf("%w: NaN rate bound", ErrInvalidCurve)
	}
	if min > max {
		return fmt.Errorf("%w: min_rate %g exceeds max_rate %g", ErrInvalidCurve, min, max)
	}
	if min > 0 || max < 0 {
		return fmt.Errorf("%w: rate domain [%g, %g] must contain 0", ErrInvalidCurve, min, max)
	}
	return nil
}
