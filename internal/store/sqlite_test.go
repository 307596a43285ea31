package store

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/flowtrading/auction-engine/internal/model"
)

func newSQLite(t *testing.T) (*SQLiteStore, context.Context) {
	t.Helper()
	s, err := NewSQLiteStore("", true)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, context.Background()
}

func TestSQLite_CreateIfMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "book.db")

	if _, err := NewSQLiteStore(path, false); err == nil {
		t.Error("missing file without create_if_missing should fail")
	}

	s, err := NewSQLiteStore(path, true)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	s.Close()

	// Reopening the existing file without create is fine.
	s, err = NewSQLiteStore(path, false)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	s.Close()
}

func TestSQLite_DemandRoundTrip(t *testing.T) {
	s, ctx := newSQLite(t)
	id := model.NewDemandID()
	bidder := model.NewBidderID()
	curve := &model.DemandCurve{Pwl: []model.Point{{Rate: 0, Price: 15}, {Rate: 10, Price: 5}}}

	if err := s.CreateDemand(ctx, id, bidder, curve, []byte(`{"note":"x"}`), at(0)); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateDemand(ctx, id, bidder, curve, nil, at(1)); err == nil {
		t.Error("duplicate demand id should be rejected")
	}

	rec, err := s.GetDemand(ctx, id, at(5))
	if err != nil {
		t.Fatal(err)
	}
	if rec.BidderID != bidder {
		t.Errorf("bidder = %s, want %s", rec.BidderID, bidder)
	}
	if rec.Curve == nil || !rec.Curve.IsPwl() || rec.Curve.Pwl[0].Price != 15 {
		t.Errorf("curve mangled: %+v", rec.Curve)
	}

	// Replace then delete; history shows three rows, newest open null.
	if err := s.SetCurve(ctx, id, &model.DemandCurve{Constant: &model.ConstantCurve{Price: 9}}, at(10)); err != nil {
		t.Fatal(err)
	}
	if err := s.SetCurve(ctx, id, nil, at(20)); err != nil {
		t.Fatal(err)
	}
	rows, _, err := s.DemandHistory(ctx, id, model.RangeQuery{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	if rows[0].Curve != nil || rows[0].ValidUntil != nil {
		t.Error("newest row should be open and null")
	}
	if rows[1].ValidUntil == nil || rows[2].ValidUntil == nil {
		t.Error("older rows should be closed")
	}
}

func TestSQLite_ProductClosure(t *testing.T) {
	s, ctx := newSQLite(t)
	a := model.NewProductID()
	b := model.NewProductID()
	c := model.NewProductID()

	if err := s.CreateProduct(ctx, a, nil, nil, 0, at(0)); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateProduct(ctx, b, nil, &a, 2, at(10)); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateProduct(ctx, c, nil, &b, 5, at(20)); err != nil {
		t.Fatal(err)
	}

	basis, err := s.BasisAt(ctx, a, at(30))
	if err != nil {
		t.Fatal(err)
	}
	if len(basis) != 1 || math.Abs(basis[c]-10) > 1e-12 {
		t.Errorf("deep closure basis = %v, want {C: 10}", basis)
	}

	rec, err := s.GetProduct(ctx, b, at(15))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Parent == nil || *rec.Parent != a || rec.ParentRatio != 2 {
		t.Errorf("parent = %v ratio %g, want A ratio 2", rec.Parent, rec.ParentRatio)
	}

	rec, err = s.GetProduct(ctx, b, at(25))
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.Children) != 1 || rec.Children[0].ID != c {
		t.Errorf("children = %v, want [C]", rec.Children)
	}
}

func TestSQLite_GatherResolvesBasis(t *testing.T) {
	s, ctx := newSQLite(t)
	bidder := model.NewBidderID()
	a := model.NewProductID()
	b := model.NewProductID()
	d := model.NewDemandID()
	pid := model.NewPortfolioID()
	curve := &model.DemandCurve{Constant: &model.ConstantCurve{Price: 10}}

	if err := s.CreateProduct(ctx, a, nil, nil, 0, at(0)); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateDemand(ctx, d, bidder, curve, nil, at(1)); err != nil {
		t.Fatal(err)
	}
	if err := s.CreatePortfolio(ctx, pid, bidder,
		model.DemandGroup{d: 1}, model.ProductGroup{a: 3}, nil, at(2)); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateProduct(ctx, b, nil, &a, 2, at(10)); err != nil {
		t.Fatal(err)
	}

	input, err := s.Gather(ctx, at(20))
	if err != nil {
		t.Fatal(err)
	}
	pf, ok := input.Portfolios[pid]
	if !ok {
		t.Fatal("portfolio missing from gather")
	}
	if math.Abs(pf.Basis[b]-6) > 1e-12 || len(pf.Basis) != 1 {
		t.Errorf("resolved basis = %v, want {B: 6}", pf.Basis)
	}
}

func TestSQLite_PortfolioUpdateAndUnknownRefs(t *testing.T) {
	s, ctx := newSQLite(t)
	bidder := model.NewBidderID()
	d := model.NewDemandID()
	pid := model.NewPortfolioID()
	x := model.NewProductID()

	if err := s.CreateProduct(ctx, x, nil, nil, 0, at(0)); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateDemand(ctx, d, bidder, nil, nil, at(0)); err != nil {
		t.Fatal(err)
	}

	// Unknown references are fatal to the create.
	err := s.CreatePortfolio(ctx, pid, bidder,
		model.DemandGroup{model.NewDemandID(): 1}, model.ProductGroup{x: 1}, nil, at(1))
	if err == nil {
		t.Error("unknown demand reference should be rejected")
	}

	if err := s.CreatePortfolio(ctx, pid, bidder,
		model.DemandGroup{d: 2}, model.ProductGroup{x: 1}, nil, at(1)); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdatePortfolio(ctx, pid, model.DemandGroup{}, nil, at(10)); err != nil {
		t.Fatal(err)
	}

	rec, err := s.GetPortfolio(ctx, pid, at(20))
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.DemandGroup) != 0 {
		t.Errorf("demand map should be empty after delete-style update, got %v", rec.DemandGroup)
	}

	rows, _, err := s.PortfolioDemandHistory(ctx, pid, model.RangeQuery{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[1].ValidUntil == nil {
		t.Errorf("prior demand-map row should be closed, got %+v", rows)
	}
}

func TestSQLite_Batches(t *testing.T) {
	s, ctx := newSQLite(t)
	bidder := model.NewBidderID()
	pid := model.NewPortfolioID()
	x := model.NewProductID()
	if err := s.CreateProduct(ctx, x, nil, nil, 0, at(0)); err != nil {
		t.Fatal(err)
	}
	if err := s.CreatePortfolio(ctx, pid, bidder, model.DemandGroup{}, model.ProductGroup{x: 1}, nil, at(0)); err != nil {
		t.Fatal(err)
	}

	for i, rate := range []float64{5, 2} {
		rec := &model.BatchRecord{
			ID:                model.NewBatchID(),
			PortfolioOutcomes: map[model.PortfolioID]model.PortfolioOutcome{pid: {Rate: rate, Price: 10}},
			ProductOutcomes:   map[model.ProductID]model.ProductOutcome{x: {Rate: rate, Price: 10}},
			TimeUnit:          1e9,
			Interval:          model.Interval{ValidFrom: at(10 + i*10)},
		}
		if err := s.InsertBatch(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	unsettled, err := s.UnsettledBatches(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(unsettled) != 1 {
		t.Fatalf("expected 1 closed unsettled batch, got %d", len(unsettled))
	}
	if unsettled[0].PortfolioOutcomes[pid].Rate != 5 {
		t.Errorf("outcome mangled: %+v", unsettled[0].PortfolioOutcomes)
	}

	rows, _, err := s.ProductOutcomes(ctx, x, model.RangeQuery{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[0].Outcome.Rate != 2 || rows[1].ValidUntil == nil {
		t.Errorf("product outcome rows wrong: %+v", rows)
	}

	if err := s.MarkSettled(ctx, []model.BatchID{unsettled[0].ID}); err != nil {
		t.Fatal(err)
	}
	unsettled, _ = s.UnsettledBatches(ctx)
	if len(unsettled) != 0 {
		t.Error("settled batch still reported")
	}
}
