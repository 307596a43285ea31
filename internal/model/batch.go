package model

import "time"

// PortfolioOutcome is a solved portfolio's share of a batch: the trade
// rate and the marginal price of its resolved basis.
type PortfolioOutcome struct {
	Rate  float64 `json:"rate"`
	Price float64 `json:"price"`
}

// ProductOutcome is a solved product's share of a batch. Rate is the
// one-sided traded volume (the net across the book is zero at clearing);
// Price is the Lagrange multiplier of the product's clearing constraint.
type ProductOutcome struct {
	Rate  float64 `json:"rate"`
	Price float64 `json:"price"`
}

// BatchRecord is the append-only record of one solved batch. Inserting a
// new batch closes the previously open one at the new ValidFrom.
type BatchRecord struct {
	ID                BatchID                           `json:"id"`
	PortfolioOutcomes map[PortfolioID]PortfolioOutcome  `json:"portfolio_outcomes"`
	ProductOutcomes   map[ProductID]ProductOutcome      `json:"product_outcomes"`
	Settled           bool                              `json:"settled"`
	TimeUnit          time.Duration                     `json:"time_unit"`
	Interval
}

// PortfolioOutcomeRow is a paged history row of a portfolio's outcomes.
type PortfolioOutcomeRow struct {
	Outcome PortfolioOutcome `json:"value"`
	Interval
}

// ProductOutcomeRow is a paged history row of a product's outcomes.
type ProductOutcomeRow struct {
	Outcome ProductOutcome `json:"value"`
	Interval
}

// SolverPortfolio is a portfolio as the solver sees it: the verbatim
// demand map and the basis resolved through the product hierarchy.
type SolverPortfolio struct {
	DemandGroup DemandGroup
	Basis       ProductGroup
}

// SolverInput is the live book gathered at a target instant.
type SolverInput struct {
	Demands    map[DemandID]DemandCurve
	Portfolios map[PortfolioID]SolverPortfolio
}

// Empty reports whether there is nothing to solve.
func (in *SolverInput) Empty() bool {
	return in == nil || len(in.Demands) == 0 || len(in.Portfolios) == 0
}

// RangeQuery selects a page of lifetime rows, newest first. Before and
// After bound valid_from exclusively and inclusively respectively; Limit
// caps the page size.
type RangeQuery struct {
	Before *time.Time
	After  *time.Time
	Limit  int
}

// More, when non-nil on a page response, is the Before cursor for the
// next page.
type More = *time.Time
