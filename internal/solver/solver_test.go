package solver

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/flowtrading/auction-engine/internal/model"
)

const tol = 1e-3

// twoSidedInput builds the canonical two-sided book: bidder A offers at
// a flat 10, bidder B bids a declining curve from 15 to 5, both through
// portfolios on the same product.
func twoSidedInput() (*model.SolverInput, model.PortfolioID, model.PortfolioID, model.ProductID) {
	d1 := model.NewDemandID()
	d2 := model.NewDemandID()
	p1 := model.NewPortfolioID()
	p2 := model.NewPortfolioID()
	x := model.NewProductID()

	input := &model.SolverInput{
		Demands: map[model.DemandID]model.DemandCurve{
			d1: {Constant: &model.ConstantCurve{Price: 10}},
			d2: {Pwl: []model.Point{{Rate: 0, Price: 15}, {Rate: 10, Price: 5}}},
		},
		Portfolios: map[model.PortfolioID]model.SolverPortfolio{
			p1: {
				DemandGroup: model.DemandGroup{d1: 1},
				Basis:       model.ProductGroup{x: 1},
			},
			p2: {
				DemandGroup: model.DemandGroup{d2: 1},
				Basis:       model.ProductGroup{x: 1},
			},
		},
	}
	return input, p1, p2, x
}

func TestSolve_TwoSidedClearing(t *testing.T) {
	input, p1, p2, x := twoSidedInput()

	out, err := Solve(context.Background(), input, time.Second, Settings{})
	if err != nil {
		t.Fatalf("solve failed: %v", err)
	}

	product := out.Products[x]
	if math.Abs(product.Price-10) > tol {
		t.Errorf("product price = %g, want 10", product.Price)
	}
	if math.Abs(product.Rate-5) > tol {
		t.Errorf("product volume rate = %g, want 5", product.Rate)
	}
	if math.Abs(out.Portfolios[p1].Rate-(-5)) > tol {
		t.Errorf("P1 rate = %g, want -5", out.Portfolios[p1].Rate)
	}
	if math.Abs(out.Portfolios[p2].Rate-5) > tol {
		t.Errorf("P2 rate = %g, want +5", out.Portfolios[p2].Rate)
	}
	if math.Abs(out.Portfolios[p1].Price-10) > tol {
		t.Errorf("P1 marginal price = %g, want 10", out.Portfolios[p1].Price)
	}
}

func TestSolve_Empty(t *testing.T) {
	input := &model.SolverInput{
		Demands:    map[model.DemandID]model.DemandCurve{},
		Portfolios: map[model.PortfolioID]model.SolverPortfolio{},
	}
	out, err := Solve(context.Background(), input, time.Second, Settings{})
	if err != nil {
		t.Fatalf("empty submissions must solve trivially: %v", err)
	}
	if len(out.Portfolios) != 0 || len(out.Products) != 0 {
		t.Errorf("expected all-zero outcomes, got %+v", out)
	}
}

func TestSolve_NoCross(t *testing.T) {
	// Seller asks 20, buyer bids up to 15: no trade should occur.
	d1 := model.NewDemandID()
	d2 := model.NewDemandID()
	p1 := model.NewPortfolioID()
	p2 := model.NewPortfolioID()
	x := model.NewProductID()
	min := -10.0
	max := 10.0

	input := &model.SolverInput{
		Demands: map[model.DemandID]model.DemandCurve{
			d1: {Constant: &model.ConstantCurve{MinRate: &min, MaxRate: &max, Price: 20}},
			d2: {Pwl: []model.Point{{Rate: 0, Price: 15}, {Rate: 10, Price: 5}}},
		},
		Portfolios: map[model.PortfolioID]model.SolverPortfolio{
			p1: {DemandGroup: model.DemandGroup{d1: 1}, Basis: model.ProductGroup{x: 1}},
			p2: {DemandGroup: model.DemandGroup{d2: 1}, Basis: model.ProductGroup{x: 1}},
		},
	}

	out, err := Solve(context.Background(), input, time.Second, Settings{})
	if err != nil {
		t.Fatalf("solve failed: %v", err)
	}
	if math.Abs(out.Portfolios[p1].Rate) > tol || math.Abs(out.Portfolios[p2].Rate) > tol {
		t.Errorf("uncrossed book must not trade: p1=%g p2=%g",
			out.Portfolios[p1].Rate, out.Portfolios[p2].Rate)
	}
}

func TestSolve_ClearingInvariant(t *testing.T) {
	// Three portfolios over two products with mixed weights; whatever
	// the trades, each product must net to zero.
	d1 := model.NewDemandID()
	d2 := model.NewDemandID()
	d3 := model.NewDemandID()
	p1 := model.NewPortfolioID()
	p2 := model.NewPortfolioID()
	p3 := model.NewPortfolioID()
	x := model.NewProductID()
	y := model.NewProductID()

	input := &model.SolverInput{
		Demands: map[model.DemandID]model.DemandCurve{
			d1: {Pwl: []model.Point{{Rate: -8, Price: 12}, {Rate: 8, Price: 4}}},
			d2: {Pwl: []model.Point{{Rate: -5, Price: 14}, {Rate: 5, Price: 6}}},
			d3: {Pwl: []model.Point{{Rate: -6, Price: 11}, {Rate: 6, Price: 5}}},
		},
		Portfolios: map[model.PortfolioID]model.SolverPortfolio{
			p1: {DemandGroup: model.DemandGroup{d1: 1}, Basis: model.ProductGroup{x: 1, y: 0.5}},
			p2: {DemandGroup: model.DemandGroup{d2: 1}, Basis: model.ProductGroup{x: -1}},
			p3: {DemandGroup: model.DemandGroup{d3: 1}, Basis: model.ProductGroup{y: 1}},
		},
	}

	out, err := Solve(context.Background(), input, time.Second, Settings{})
	if err != nil {
		t.Fatalf("solve failed: %v", err)
	}

	netX := 1*out.Portfolios[p1].Rate + (-1)*out.Portfolios[p2].Rate
	netY := 0.5*out.Portfolios[p1].Rate + 1*out.Portfolios[p3].Rate
	if math.Abs(netX) > tol {
		t.Errorf("product x nets to %g, want 0", netX)
	}
	if math.Abs(netY) > tol {
		t.Errorf("product y nets to %g, want 0", netY)
	}
}

func TestSolve_DeltaInvariance(t *testing.T) {
	input, p1, p2, x := twoSidedInput()

	out1, err := Solve(context.Background(), input, time.Second, Settings{})
	if err != nil {
		t.Fatalf("solve delta=1s failed: %v", err)
	}
	out2, err := Solve(context.Background(), input, 2*time.Second, Settings{})
	if err != nil {
		t.Fatalf("solve delta=2s failed: %v", err)
	}

	// Rates and prices are per-unit-time quantities; the batch duration
	// must not change them.
	if math.Abs(out1.Portfolios[p1].Rate-out2.Portfolios[p1].Rate) > tol {
		t.Errorf("P1 rate varies with delta: %g vs %g",
			out1.Portfolios[p1].Rate, out2.Portfolios[p1].Rate)
	}
	if math.Abs(out1.Portfolios[p2].Rate-out2.Portfolios[p2].Rate) > tol {
		t.Errorf("P2 rate varies with delta: %g vs %g",
			out1.Portfolios[p2].Rate, out2.Portfolios[p2].Rate)
	}
	if math.Abs(out1.Products[x].Price-out2.Products[x].Price) > tol {
		t.Errorf("price varies with delta: %g vs %g",
			out1.Products[x].Price, out2.Products[x].Price)
	}
}

func TestSolve_SharedDemandLinkage(t *testing.T) {
	// Two portfolios feed the same demand; the linkage constraint sums
	// their trades into one curve.
	d1 := model.NewDemandID()
	d2 := model.NewDemandID()
	pa := model.NewPortfolioID()
	pb := model.NewPortfolioID()
	pc := model.NewPortfolioID()
	x := model.NewProductID()
	y := model.NewProductID()

	input := &model.SolverInput{
		Demands: map[model.DemandID]model.DemandCurve{
			d1: {Pwl: []model.Point{{Rate: 0, Price: 15}, {Rate: 10, Price: 5}}},
			d2: {Constant: &model.ConstantCurve{Price: 10}},
		},
		Portfolios: map[model.PortfolioID]model.SolverPortfolio{
			pa: {DemandGroup: model.DemandGroup{d1: 1}, Basis: model.ProductGroup{x: 1}},
			pb: {DemandGroup: model.DemandGroup{d1: 1}, Basis: model.ProductGroup{y: 1}},
			pc: {DemandGroup: model.DemandGroup{d2: 1}, Basis: model.ProductGroup{x: 1, y: 1}},
		},
	}

	out, err := Solve(context.Background(), input, time.Second, Settings{})
	if err != nil {
		t.Fatalf("solve failed: %v", err)
	}

	// The shared curve absorbs pa+pb (its slack runs to the 10-unit
	// bound), while pc holds a 10/bundle reservation: the bundle price
	// splits 5/5 and pc sells 5 of each leg.
	combined := out.Portfolios[pa].Rate + out.Portfolios[pb].Rate
	if math.Abs(combined-10) > tol {
		t.Errorf("combined rate through shared demand = %g, want 10", combined)
	}
	if math.Abs(out.Portfolios[pc].Rate-(-5)) > tol {
		t.Errorf("pc rate = %g, want -5", out.Portfolios[pc].Rate)
	}
	if math.Abs(out.Products[x].Price-5) > tol || math.Abs(out.Products[y].Price-5) > tol {
		t.Errorf("prices = %g, %g, want 5, 5",
			out.Products[x].Price, out.Products[y].Price)
	}
}

func TestSolve_Timeout(t *testing.T) {
	input, _, _, _ := twoSidedInput()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Solve(ctx, input, time.Second, Settings{})
	if err == nil {
		t.Fatal("cancelled context must fail the solve")
	}
}

func TestBuildProgram_InactiveSkipped(t *testing.T) {
	// A portfolio with an empty basis and a demand no portfolio names
	// both stay out of the programme.
	d1 := model.NewDemandID()
	orphan := model.NewDemandID()
	p1 := model.NewPortfolioID()
	p2 := model.NewPortfolioID()
	p3 := model.NewPortfolioID()
	x := model.NewProductID()

	input := &model.SolverInput{
		Demands: map[model.DemandID]model.DemandCurve{
			d1:     {Constant: &model.ConstantCurve{Price: 10}},
			orphan: {Constant: &model.ConstantCurve{Price: 99}},
		},
		Portfolios: map[model.PortfolioID]model.SolverPortfolio{
			p1: {DemandGroup: model.DemandGroup{d1: 1}, Basis: model.ProductGroup{x: 1}},
			p2: {DemandGroup: model.DemandGroup{d1: 1}, Basis: model.ProductGroup{}},
			// No live curve behind its demand map: must not become an
			// unconstrained trade variable.
			p3: {DemandGroup: model.DemandGroup{model.NewDemandID(): 1}, Basis: model.ProductGroup{x: 1}},
		},
	}

	prog, err := BuildProgram(input, 1)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if len(prog.Portfolios) != 1 {
		t.Errorf("expected 1 active portfolio, got %d", len(prog.Portfolios))
	}
	if len(prog.Demands) != 1 {
		t.Errorf("expected 1 referenced demand, got %d", len(prog.Demands))
	}
}
