package store

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/flowtrading/auction-engine/internal/model"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func at(seconds int) time.Time { return t0.Add(time.Duration(seconds) * time.Second) }

func newBook(t *testing.T) (*MemoryStore, context.Context) {
	t.Helper()
	return NewMemoryStore(), context.Background()
}

// --- Product hierarchy ---

func TestCreateProduct_IDExists(t *testing.T) {
	s, ctx := newBook(t)
	id := model.NewProductID()
	if err := s.CreateProduct(ctx, id, nil, nil, 0, at(0)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateProduct(ctx, id, nil, nil, 0, at(1)); err == nil {
		t.Error("duplicate id should be rejected")
	}
}

func TestCreateProduct_ParentMissing(t *testing.T) {
	s, ctx := newBook(t)
	missing := model.NewProductID()
	err := s.CreateProduct(ctx, model.NewProductID(), nil, &missing, 2, at(0))
	if err == nil {
		t.Error("missing parent should be rejected")
	}
}

func TestBasisAt_SelfEdge(t *testing.T) {
	s, ctx := newBook(t)
	id := model.NewProductID()
	if err := s.CreateProduct(ctx, id, nil, nil, 0, at(0)); err != nil {
		t.Fatalf("create: %v", err)
	}
	basis, err := s.BasisAt(ctx, id, at(1))
	if err != nil {
		t.Fatalf("basis: %v", err)
	}
	if len(basis) != 1 || basis[id] != 1 {
		t.Errorf("unrefined product should decompose to itself, got %v", basis)
	}
}

func TestBasisAt_Refinement(t *testing.T) {
	// Parent A, child B with ratio 2: a basis {A: 3} compiled later
	// must appear as {B: 6}.
	s, ctx := newBook(t)
	a := model.NewProductID()
	b := model.NewProductID()
	if err := s.CreateProduct(ctx, a, nil, nil, 0, at(0)); err != nil {
		t.Fatalf("create parent: %v", err)
	}
	if err := s.CreateProduct(ctx, b, nil, &a, 2, at(10)); err != nil {
		t.Fatalf("create child: %v", err)
	}

	// Before the refinement A is its own leaf.
	basis, err := s.BasisAt(ctx, a, at(5))
	if err != nil {
		t.Fatalf("basis before: %v", err)
	}
	if basis[a] != 1 || len(basis) != 1 {
		t.Errorf("pre-refinement basis = %v, want self", basis)
	}

	// After the refinement A decomposes to B at ratio 2.
	basis, err = s.BasisAt(ctx, a, at(20))
	if err != nil {
		t.Fatalf("basis after: %v", err)
	}
	if len(basis) != 1 || basis[b] != 2 {
		t.Errorf("post-refinement basis = %v, want {B: 2}", basis)
	}
}

func TestBasisAt_MultiLevelClosure(t *testing.T) {
	// food → {fruit ×2, vegetable ×3}; fruit → {apple ×5, banana ×7}.
	// The closure invariant: each deep edge's ratio is the product of
	// the unit-depth ratios along the path.
	s, ctx := newBook(t)
	food := model.NewProductID()
	fruit := model.NewProductID()
	vegetable := model.NewProductID()
	apple := model.NewProductID()
	banana := model.NewProductID()

	if err := s.CreateProduct(ctx, food, nil, nil, 0, at(0)); err != nil {
		t.Fatal(err)
	}
	for _, c := range []struct {
		id    model.ProductID
		ratio float64
	}{{fruit, 2}, {vegetable, 3}} {
		if err := s.CreateProduct(ctx, c.id, nil, &food, c.ratio, at(10)); err != nil {
			t.Fatal(err)
		}
	}
	for _, c := range []struct {
		id    model.ProductID
		ratio float64
	}{{apple, 5}, {banana, 7}} {
		if err := s.CreateProduct(ctx, c.id, nil, &fruit, c.ratio, at(20)); err != nil {
			t.Fatal(err)
		}
	}

	basis, err := s.BasisAt(ctx, food, at(30))
	if err != nil {
		t.Fatal(err)
	}
	want := model.ProductGroup{vegetable: 3, apple: 10, banana: 14}
	if len(basis) != len(want) {
		t.Fatalf("basis = %v, want %v", basis, want)
	}
	for id, ratio := range want {
		if math.Abs(basis[id]-ratio) > 1e-12 {
			t.Errorf("basis[%s] = %g, want %g", id, basis[id], ratio)
		}
	}

	// Historic reads still see the intermediate partition.
	basis, err = s.BasisAt(ctx, food, at(15))
	if err != nil {
		t.Fatal(err)
	}
	if basis[fruit] != 2 || basis[vegetable] != 3 || len(basis) != 2 {
		t.Errorf("basis at t=15 = %v, want {fruit: 2, vegetable: 3}", basis)
	}
}

// --- Demand lifetimes ---

func TestDemandLifetime_Exclusivity(t *testing.T) {
	s, ctx := newBook(t)
	id := model.NewDemandID()
	bidder := model.NewBidderID()
	curve := &model.DemandCurve{Constant: &model.ConstantCurve{Price: 10}}

	if err := s.CreateDemand(ctx, id, bidder, curve, nil, at(0)); err != nil {
		t.Fatal(err)
	}
	curve2 := &model.DemandCurve{Constant: &model.ConstantCurve{Price: 12}}
	if err := s.SetCurve(ctx, id, curve2, at(10)); err != nil {
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
		t.Fatalf("expected 3 lifetime rows, got %d", len(rows))
	}

	// Reverse chronological: the newest row is open and null.
	if rows[0].Curve != nil || rows[0].ValidUntil != nil {
		t.Error("current row should be open with null value")
	}
	if rows[2].ValidUntil == nil {
		t.Error("first row should be closed")
	}

	// At most one row covers any probe instant.
	for _, probe := range []time.Time{at(0), at(5), at(10), at(15), at(20), at(25)} {
		n := 0
		for _, row := range rows {
			if row.Contains(probe) {
				n++
			}
		}
		if n != 1 {
			t.Errorf("instant %s covered by %d rows, want 1", probe.Format(time.RFC3339), n)
		}
	}

	// Point-in-time reads see the then-current value.
	rec, err := s.GetDemand(ctx, id, at(5))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Curve == nil || rec.Curve.Constant.Price != 10 {
		t.Errorf("read at t=5 should see the original curve, got %+v", rec.Curve)
	}
	rec, err = s.GetDemand(ctx, id, at(15))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Curve == nil || rec.Curve.Constant.Price != 12 {
		t.Errorf("read at t=15 should see the replacement, got %+v", rec.Curve)
	}
}

func TestDemandHistory_Paging(t *testing.T) {
	s, ctx := newBook(t)
	id := model.NewDemandID()
	if err := s.CreateDemand(ctx, id, model.NewBidderID(), nil, nil, at(0)); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 5; i++ {
		price := float64(i)
		curve := &model.DemandCurve{Constant: &model.ConstantCurve{Price: price}}
		if err := s.SetCurve(ctx, id, curve, at(i*10)); err != nil {
			t.Fatal(err)
		}
	}

	rows, more, err := s.DemandHistory(ctx, id, model.RangeQuery{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || more == nil {
		t.Fatalf("expected a full page with a cursor, got %d rows, more=%v", len(rows), more)
	}
	if !rows[0].ValidFrom.Equal(at(50)) || !rows[1].ValidFrom.Equal(at(40)) {
		t.Errorf("rows out of order: %v, %v", rows[0].ValidFrom, rows[1].ValidFrom)
	}

	rows, _, err = s.DemandHistory(ctx, id, model.RangeQuery{Before: more, Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 4 || !rows[0].ValidFrom.Equal(at(30)) {
		t.Errorf("second page wrong: %d rows, first %v", len(rows), rows[0].ValidFrom)
	}
}

// --- Portfolio lifetimes ---

func TestPortfolio_UpdateClosesRows(t *testing.T) {
	s, ctx := newBook(t)
	bidder := model.NewBidderID()
	d1 := model.NewDemandID()
	d2 := model.NewDemandID()
	pid := model.NewPortfolioID()
	x := model.NewProductID()

	if err := s.CreateProduct(ctx, x, nil, nil, 0, at(0)); err != nil {
		t.Fatal(err)
	}
	for _, d := range []model.DemandID{d1, d2} {
		curve := &model.DemandCurve{Constant: &model.ConstantCurve{Price: 10}}
		if err := s.CreateDemand(ctx, d, bidder, curve, nil, at(0)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.CreatePortfolio(ctx, pid, bidder,
		model.DemandGroup{d1: 2, d2: 1}, model.ProductGroup{x: 1}, nil, at(1)); err != nil {
		t.Fatal(err)
	}

	// Replace the demand map only.
	if err := s.UpdatePortfolio(ctx, pid, model.DemandGroup{d1: 1}, nil, at(10)); err != nil {
		t.Fatal(err)
	}

	rec, err := s.GetPortfolio(ctx, pid, at(20))
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.DemandGroup) != 1 || rec.DemandGroup[d1] != 1 {
		t.Errorf("demand map = %v, want {d1: 1}", rec.DemandGroup)
	}
	if len(rec.Basis) != 1 {
		t.Errorf("basis should be untouched, got %v", rec.Basis)
	}

	// The d2 association is gone from the current read of the demand.
	drec, err := s.GetDemand(ctx, d2, at(20))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := drec.PortfolioGroup[pid]; ok {
		t.Error("d2 should no longer be referenced by the portfolio")
	}

	// And the prior demand-map row is closed.
	rows, _, err := s.PortfolioDemandHistory(ctx, pid, model.RangeQuery{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 demand-map rows, got %d", len(rows))
	}
	if rows[1].ValidUntil == nil || !rows[1].ValidUntil.Equal(at(10)) {
		t.Errorf("prior row should be closed at t=10, got %v", rows[1].ValidUntil)
	}
	if _, ok := rows[1].Group[d2]; !ok {
		t.Error("closed row should still carry the d2 entry")
	}
}

func TestPortfolio_CompositeInterval(t *testing.T) {
	s, ctx := newBook(t)
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
	if err := s.CreatePortfolio(ctx, pid, bidder,
		model.DemandGroup{d: 1}, model.ProductGroup{x: 1}, nil, at(1)); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdatePortfolio(ctx, pid, nil, model.ProductGroup{x: 2}, at(10)); err != nil {
		t.Fatal(err)
	}

	// The composite read is valid from the latest component change.
	rec, err := s.GetPortfolio(ctx, pid, at(20))
	if err != nil {
		t.Fatal(err)
	}
	if !rec.ValidFrom.Equal(at(10)) {
		t.Errorf("composite valid_from = %v, want t=10", rec.ValidFrom)
	}
	if rec.ValidUntil != nil {
		t.Errorf("composite should be open, got %v", rec.ValidUntil)
	}

	// A historic read is bounded by the earliest component close.
	rec, err = s.GetPortfolio(ctx, pid, at(5))
	if err != nil {
		t.Fatal(err)
	}
	if rec.ValidUntil == nil || !rec.ValidUntil.Equal(at(10)) {
		t.Errorf("historic composite valid_until = %v, want t=10", rec.ValidUntil)
	}
}

// --- Active semantics ---

func TestActive_Semantics(t *testing.T) {
	s, ctx := newBook(t)
	bidder := model.NewBidderID()
	d := model.NewDemandID()
	pid := model.NewPortfolioID()
	x := model.NewProductID()
	curve := &model.DemandCurve{Constant: &model.ConstantCurve{Price: 10}}

	if err := s.CreateProduct(ctx, x, nil, nil, 0, at(0)); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateDemand(ctx, d, bidder, curve, nil, at(0)); err != nil {
		t.Fatal(err)
	}

	// A demand with a curve but no referencing portfolio is inactive.
	ids, err := s.ActiveDemands(ctx, []model.BidderID{bidder}, at(1))
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Errorf("unreferenced demand must not be active, got %v", ids)
	}

	if err := s.CreatePortfolio(ctx, pid, bidder,
		model.DemandGroup{d: 1}, model.ProductGroup{x: 1}, nil, at(2)); err != nil {
		t.Fatal(err)
	}

	ids, err = s.ActiveDemands(ctx, []model.BidderID{bidder}, at(3))
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != d {
		t.Errorf("referenced demand with curve should be active, got %v", ids)
	}

	pids, err := s.ActivePortfolios(ctx, []model.BidderID{bidder}, at(3))
	if err != nil {
		t.Fatal(err)
	}
	if len(pids) != 1 || pids[0] != pid {
		t.Errorf("portfolio with both maps should be active, got %v", pids)
	}

	// Deleting the portfolio (both maps empty) deactivates both.
	if err := s.UpdatePortfolio(ctx, pid, model.DemandGroup{}, model.ProductGroup{}, at(4)); err != nil {
		t.Fatal(err)
	}
	ids, _ = s.ActiveDemands(ctx, []model.BidderID{bidder}, at(5))
	if len(ids) != 0 {
		t.Errorf("demand active after portfolio delete: %v", ids)
	}
	pids, _ = s.ActivePortfolios(ctx, []model.BidderID{bidder}, at(5))
	if len(pids) != 0 {
		t.Errorf("portfolio active after delete: %v", pids)
	}
}

// --- Gather ---

func TestGather_ResolvesBasis(t *testing.T) {
	s, ctx := newBook(t)
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

	// Refine A into B with ratio 2 after the portfolio was expressed.
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
	if len(pf.Basis) != 1 || math.Abs(pf.Basis[b]-6) > 1e-12 {
		t.Errorf("resolved basis = %v, want {B: 6}", pf.Basis)
	}
	if _, ok := input.Demands[d]; !ok {
		t.Error("demand curve missing from gather")
	}

	// Before the refinement the basis resolves to A itself.
	input, err = s.Gather(ctx, at(5))
	if err != nil {
		t.Fatal(err)
	}
	if basis := input.Portfolios[pid].Basis; basis[a] != 3 {
		t.Errorf("pre-refinement basis = %v, want {A: 3}", basis)
	}
}

// --- Batches ---

func TestInsertBatch_ClosesPrevious(t *testing.T) {
	s, ctx := newBook(t)
	pid := model.NewPortfolioID()
	x := model.NewProductID()
	bidder := model.NewBidderID()
	if err := s.CreateProduct(ctx, x, nil, nil, 0, at(0)); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateDemand(ctx, model.NewDemandID(), bidder, nil, nil, at(0)); err != nil {
		t.Fatal(err)
	}
	if err := s.CreatePortfolio(ctx, pid, bidder, model.DemandGroup{}, model.ProductGroup{x: 1}, nil, at(0)); err != nil {
		t.Fatal(err)
	}

	first := &model.BatchRecord{
		ID: model.NewBatchID(),
		PortfolioOutcomes: map[model.PortfolioID]model.PortfolioOutcome{
			pid: {Rate: 5, Price: 10},
		},
		ProductOutcomes: map[model.ProductID]model.ProductOutcome{
			x: {Rate: 5, Price: 10},
		},
		TimeUnit: time.Second,
		Interval: model.Interval{ValidFrom: at(10)},
	}
	if err := s.InsertBatch(ctx, first); err != nil {
		t.Fatal(err)
	}
	second := &model.BatchRecord{
		ID:                model.NewBatchID(),
		PortfolioOutcomes: map[model.PortfolioID]model.PortfolioOutcome{pid: {Rate: 2, Price: 8}},
		ProductOutcomes:   map[model.ProductID]model.ProductOutcome{x: {Rate: 2, Price: 8}},
		TimeUnit:          time.Second,
		Interval:          model.Interval{ValidFrom: at(20)},
	}
	if err := s.InsertBatch(ctx, second); err != nil {
		t.Fatal(err)
	}

	unsettled, err := s.UnsettledBatches(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(unsettled) != 1 || unsettled[0].ID != first.ID {
		t.Fatalf("only the closed first batch should be unsettled, got %d", len(unsettled))
	}
	if unsettled[0].ValidUntil == nil || !unsettled[0].ValidUntil.Equal(at(20)) {
		t.Errorf("first batch should close at the second's valid_from")
	}

	rows, _, err := s.PortfolioOutcomes(ctx, pid, model.RangeQuery{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 outcome rows, got %d", len(rows))
	}
	if rows[0].ValidUntil != nil || rows[1].ValidUntil == nil {
		t.Error("newest outcome row open, prior closed")
	}

	if err := s.MarkSettled(ctx, []model.BatchID{first.ID}); err != nil {
		t.Fatal(err)
	}
	unsettled, _ = s.UnsettledBatches(ctx)
	if len(unsettled) != 0 {
		t.Error("settled batch still reported unsettled")
	}
}
