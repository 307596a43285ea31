package solver

import (
	"context"
	"math"
	"time"

	"github.com/flowtrading/auction-engine/internal/model"
)

// Outcome is the attributed result of one batch solve.
type Outcome struct {
	Portfolios map[model.PortfolioID]model.PortfolioOutcome
	Products   map[model.ProductID]model.ProductOutcome

	// Iterations is the number of ADMM iterations the engine reported,
	// recorded for metrics.
	Iterations int
}

// Solve gathers the programme for the input at the given batch duration,
// runs the ADMM engine, and extracts per-portfolio trades and
// per-product clearing prices from the primal/dual solution.
//
// Empty submissions solve trivially with all-zero outcomes. The caller's
// context deadline bounds the solve; expiry surfaces as a numerical
// failure and no outcome is returned.
func Solve(ctx context.Context, input *model.SolverInput, delta time.Duration, settings Settings) (*Outcome, error) {
	out := &Outcome{
		Portfolios: make(map[model.PortfolioID]model.PortfolioOutcome),
		Products:   make(map[model.ProductID]model.ProductOutcome),
	}
	if input.Empty() {
		return out, nil
	}

	seconds := delta.Seconds()
	if seconds <= 0 {
		seconds = 1
	}

	prog, err := BuildProgram(input, seconds)
	if err != nil {
		return nil, err
	}
	if prog.Empty() {
		return out, nil
	}

	sol, err := prog.solve(ctx, settings)
	if err != nil {
		return nil, err
	}
	out.Iterations = sol.iters

	// Product clearing prices are the equality-row duals.
	prices := make(map[model.ProductID]float64, len(prog.Products))
	volume := make(map[model.ProductID]float64, len(prog.Products))
	for i, q := range prog.Products {
		prices[q] = sol.y[i]
		volume[q] = 0
	}

	for col, id := range prog.Portfolios {
		quantity := sol.x[col]
		rate := quantity / seconds
		price := 0.0
		for q, w := range prog.basis[id] {
			price += w * prices[q]
			volume[q] += math.Abs(w * quantity)
		}
		out.Portfolios[id] = model.PortfolioOutcome{Rate: rate, Price: price}
	}

	// One-sided traded volume per product; the net is zero at clearing
	// so the sum of absolute contributions double-counts.
	for _, q := range prog.Products {
		out.Products[q] = model.ProductOutcome{
			Rate:  volume[q] / 2 / seconds,
			Price: prices[q],
		}
	}

	return out, nil
}
