package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/flowtrading/auction-engine/internal/model"
)

// MemoryStore implements Store with in-memory append-only streams under
// a single RWMutex: many readers, one writer, matching the backing-store
// discipline of the persistence contract. Used for testing, development,
// and as the storage mode when no database path is configured.
type MemoryStore struct {
	mu sync.RWMutex

	products   map[model.ProductID]*productEntry
	edges      []model.Edge
	demands    map[model.DemandID]*demandEntry
	portfolios map[model.PortfolioID]*portfolioEntry

	batches    []model.BatchRecord
	pfOutcomes map[model.PortfolioID][]model.PortfolioOutcomeRow
	prOutcomes map[model.ProductID][]model.ProductOutcomeRow
}

type productEntry struct {
	appData     json.RawMessage
	parent      *model.ProductID
	parentRatio float64
	asOf        time.Time
}

type demandEntry struct {
	bidder  model.BidderID
	appData json.RawMessage
	curves  []model.CurveRow
}

type portfolioEntry struct {
	bidder  model.BidderID
	appData json.RawMessage
	demand  []model.DemandGroupRow
	basis   []model.ProductGroupRow
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products:   make(map[model.ProductID]*productEntry),
		demands:    make(map[model.DemandID]*demandEntry),
		portfolios: make(map[model.PortfolioID]*portfolioEntry),
		pfOutcomes: make(map[model.PortfolioID][]model.PortfolioOutcomeRow),
		prOutcomes: make(map[model.ProductID][]model.ProductOutcomeRow),
	}
}

// --- Product hierarchy ---

func (s *MemoryStore) CreateProduct(_ context.Context, id model.ProductID, appData json.RawMessage, parent *model.ProductID, parentRatio float64, asOf time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[id]; ok {
		return fmt.Errorf("product %s: %w", id, model.ErrIDExists)
	}
	if parent != nil {
		if _, ok := s.products[*parent]; !ok {
			return fmt.Errorf("parent product %s: %w", parent, model.ErrUnknownReference)
		}

		// Close every eligible edge into the parent and reopen it onto
		// the child, ratio multiplied in and depth incremented. Edges
		// closed at exactly asOf stay eligible so that a multi-child
		// partition at one instant copies each ancestor edge to every
		// child.
		n := len(s.edges)
		for i := 0; i < n; i++ {
			e := &s.edges[i]
			if e.Dst != *parent {
				continue
			}
			if !e.Open() && !e.ValidUntil.Equal(asOf) {
				continue
			}
			if e.Open() {
				until := asOf
				e.ValidUntil = &until
			}
			s.edges = append(s.edges, model.Edge{
				Src:      e.Src,
				Dst:      id,
				Ratio:    e.Ratio * parentRatio,
				Depth:    e.Depth + 1,
				Interval: model.Interval{ValidFrom: asOf},
			})
		}
	}

	// Self-edge: a leaf product is its own decomposition.
	s.edges = append(s.edges, model.Edge{
		Src:      id,
		Dst:      id,
		Ratio:    1,
		Depth:    0,
		Interval: model.Interval{ValidFrom: asOf},
	})

	s.products[id] = &productEntry{
		appData:     appData,
		parent:      parent,
		parentRatio: parentRatio,
		asOf:        asOf,
	}
	return nil
}

func (s *MemoryStore) GetProduct(_ context.Context, id model.ProductID, t time.Time) (*model.ProductRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.products[id]
	if !ok {
		return nil, fmt.Errorf("product %s: %w", id, model.ErrNotFound)
	}

	rec := &model.ProductRecord{
		ID:       id,
		AppData:  entry.appData,
		Children: []model.ChildRef{},
		AsOf:     entry.asOf,
	}
	for _, e := range s.edges {
		if !e.Contains(t) || e.Depth != 1 {
			continue
		}
		if e.Dst == id {
			src := e.Src
			rec.Parent = &src
			rec.ParentRatio = e.Ratio
		}
		if e.Src == id {
			rec.Children = append(rec.Children, model.ChildRef{ID: e.Dst, Ratio: e.Ratio})
		}
	}
	sort.Slice(rec.Children, func(i, j int) bool {
		return rec.Children[i].ID.String() < rec.Children[j].ID.String()
	})
	return rec, nil
}

func (s *MemoryStore) BasisAt(_ context.Context, id model.ProductID, t time.Time) (model.ProductGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.products[id]; !ok {
		return nil, fmt.Errorf("product %s: %w", id, model.ErrNotFound)
	}
	return s.basisAtLocked(id, t), nil
}

// basisAtLocked collects the active edges out of src; the caller holds
// at least a read lock.
func (s *MemoryStore) basisAtLocked(id model.ProductID, t time.Time) model.ProductGroup {
	out := make(model.ProductGroup)
	for _, e := range s.edges {
		if e.Src == id && e.Contains(t) {
			out[e.Dst] += e.Ratio
		}
	}
	return out
}

// --- Demands ---

func (s *MemoryStore) CreateDemand(_ context.Context, id model.DemandID, bidder model.BidderID, curve *model.DemandCurve, appData json.RawMessage, asOf time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.demands[id]; ok {
		return fmt.Errorf("demand %s: %w", id, model.ErrIDExists)
	}
	s.demands[id] = &demandEntry{
		bidder:  bidder,
		appData: appData,
		curves: []model.CurveRow{{
			Curve:    curve,
			Interval: model.Interval{ValidFrom: asOf},
		}},
	}
	return nil
}

func (s *MemoryStore) SetCurve(_ context.Context, id model.DemandID, curve *model.DemandCurve, asOf time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.demands[id]
	if !ok {
		return fmt.Errorf("demand %s: %w", id, model.ErrNotFound)
	}
	until := asOf
	last := &entry.curves[len(entry.curves)-1]
	if last.Open() {
		last.ValidUntil = &until
	}
	entry.curves = append(entry.curves, model.CurveRow{
		Curve:    curve,
		Interval: model.Interval{ValidFrom: asOf},
	})
	return nil
}

func (s *MemoryStore) GetDemand(_ context.Context, id model.DemandID, t time.Time) (*model.DemandRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.demands[id]
	if !ok {
		return nil, fmt.Errorf("demand %s: %w", id, model.ErrNotFound)
	}

	var row *model.CurveRow
	for i := range entry.curves {
		if entry.curves[i].Contains(t) {
			row = &entry.curves[i]
			break
		}
	}
	if row == nil {
		return nil, fmt.Errorf("demand %s at %s: %w", id, t.Format(time.RFC3339), model.ErrNotFound)
	}

	rec := &model.DemandRecord{
		ID:             id,
		BidderID:       entry.bidder,
		AppData:        entry.appData,
		Curve:          row.Curve,
		PortfolioGroup: make(model.PortfolioGroup),
		Interval:       row.Interval,
	}

	// The composite interval is the intersection of the curve row with
	// every contributing portfolio demand row.
	for pid, pf := range s.portfolios {
		for i := range pf.demand {
			dr := &pf.demand[i]
			if !dr.Contains(t) {
				continue
			}
			if w, ok := dr.Group[id]; ok {
				rec.PortfolioGroup[pid] = w
				rec.Interval = intersect(rec.Interval, dr.Interval)
			}
			break
		}
	}
	return rec, nil
}

func (s *MemoryStore) DemandHistory(_ context.Context, id model.DemandID, q model.RangeQuery) ([]model.CurveRow, model.More, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.demands[id]
	if !ok {
		return nil, nil, fmt.Errorf("demand %s: %w", id, model.ErrNotFound)
	}
	rows, more := pageDesc(entry.curves, func(r model.CurveRow) time.Time { return r.ValidFrom }, q)
	return rows, more, nil
}

func (s *MemoryStore) ActiveDemands(_ context.Context, bidders []model.BidderID, t time.Time) ([]model.DemandID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	owned := make(map[model.BidderID]bool, len(bidders))
	for _, b := range bidders {
		owned[b] = true
	}

	referenced := s.referencedDemandsLocked(t)

	var out []model.DemandID
	for id, entry := range s.demands {
		if !owned[entry.bidder] || !referenced[id] {
			continue
		}
		for i := range entry.curves {
			if entry.curves[i].Contains(t) {
				if entry.curves[i].Curve != nil {
					out = append(out, id)
				}
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

// referencedDemandsLocked reports which demands some portfolio's current
// demand map names at t.
func (s *MemoryStore) referencedDemandsLocked(t time.Time) map[model.DemandID]bool {
	referenced := make(map[model.DemandID]bool)
	for _, pf := range s.portfolios {
		for i := range pf.demand {
			if !pf.demand[i].Contains(t) {
				continue
			}
			for d := range pf.demand[i].Group {
				referenced[d] = true
			}
			break
		}
	}
	return referenced
}

// --- Portfolios ---

func (s *MemoryStore) CreatePortfolio(_ context.Context, id model.PortfolioID, bidder model.BidderID, demand model.DemandGroup, basis model.ProductGroup, appData json.RawMessage, asOf time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.portfolios[id]; ok {
		return fmt.Errorf("portfolio %s: %w", id, model.ErrIDExists)
	}
	for d := range demand {
		if _, ok := s.demands[d]; !ok {
			return fmt.Errorf("demand %s: %w", d, model.ErrUnknownReference)
		}
	}
	for p := range basis {
		if _, ok := s.products[p]; !ok {
			return fmt.Errorf("product %s: %w", p, model.ErrUnknownReference)
		}
	}
	s.portfolios[id] = &portfolioEntry{
		bidder:  bidder,
		appData: appData,
		demand: []model.DemandGroupRow{{
			Group:    demand.Clone(),
			Interval: model.Interval{ValidFrom: asOf},
		}},
		basis: []model.ProductGroupRow{{
			Group:    basis.Clone(),
			Interval: model.Interval{ValidFrom: asOf},
		}},
	}
	return nil
}

func (s *MemoryStore) UpdatePortfolio(_ context.Context, id model.PortfolioID, demand model.DemandGroup, basis model.ProductGroup, asOf time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.portfolios[id]
	if !ok {
		return fmt.Errorf("portfolio %s: %w", id, model.ErrNotFound)
	}
	for d := range demand {
		if _, ok := s.demands[d]; !ok {
			return fmt.Errorf("demand %s: %w", d, model.ErrUnknownReference)
		}
	}
	for p := range basis {
		if _, ok := s.products[p]; !ok {
			return fmt.Errorf("product %s: %w", p, model.ErrUnknownReference)
		}
	}

	until := asOf
	if demand != nil {
		last := &entry.demand[len(entry.demand)-1]
		if last.Open() {
			last.ValidUntil = &until
		}
		entry.demand = append(entry.demand, model.DemandGroupRow{
			Group:    demand.Clone(),
			Interval: model.Interval{ValidFrom: asOf},
		})
	}
	if basis != nil {
		last := &entry.basis[len(entry.basis)-1]
		if last.Open() {
			last.ValidUntil = &until
		}
		entry.basis = append(entry.basis, model.ProductGroupRow{
			Group:    basis.Clone(),
			Interval: model.Interval{ValidFrom: asOf},
		})
	}
	return nil
}

func (s *MemoryStore) GetPortfolio(_ context.Context, id model.PortfolioID, t time.Time) (*model.PortfolioRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.portfolios[id]
	if !ok {
		return nil, fmt.Errorf("portfolio %s: %w", id, model.ErrNotFound)
	}

	var demandRow *model.DemandGroupRow
	for i := range entry.demand {
		if entry.demand[i].Contains(t) {
			demandRow = &entry.demand[i]
			break
		}
	}
	var basisRow *model.ProductGroupRow
	for i := range entry.basis {
		if entry.basis[i].Contains(t) {
			basisRow = &entry.basis[i]
			break
		}
	}
	if demandRow == nil || basisRow == nil {
		return nil, fmt.Errorf("portfolio %s at %s: %w", id, t.Format(time.RFC3339), model.ErrNotFound)
	}

	return &model.PortfolioRecord{
		ID:          id,
		BidderID:    entry.bidder,
		AppData:     entry.appData,
		DemandGroup: demandRow.Group.Clone(),
		Basis:       basisRow.Group.Clone(),
		Interval:    intersect(demandRow.Interval, basisRow.Interval),
	}, nil
}

func (s *MemoryStore) PortfolioDemandHistory(_ context.Context, id model.PortfolioID, q model.RangeQuery) ([]model.DemandGroupRow, model.More, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.portfolios[id]
	if !ok {
		return nil, nil, fmt.Errorf("portfolio %s: %w", id, model.ErrNotFound)
	}
	rows, more := pageDesc(entry.demand, func(r model.DemandGroupRow) time.Time { return r.ValidFrom }, q)
	return rows, more, nil
}

func (s *MemoryStore) PortfolioBasisHistory(_ context.Context, id model.PortfolioID, q model.RangeQuery) ([]model.ProductGroupRow, model.More, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.portfolios[id]
	if !ok {
		return nil, nil, fmt.Errorf("portfolio %s: %w", id, model.ErrNotFound)
	}
	rows, more := pageDesc(entry.basis, func(r model.ProductGroupRow) time.Time { return r.ValidFrom }, q)
	return rows, more, nil
}

func (s *MemoryStore) ActivePortfolios(_ context.Context, bidders []model.BidderID, t time.Time) ([]model.PortfolioID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	owned := make(map[model.BidderID]bool, len(bidders))
	for _, b := range bidders {
		owned[b] = true
	}

	var out []model.PortfolioID
	for id, entry := range s.portfolios {
		if !owned[entry.bidder] {
			continue
		}
		if portfolioActive(entry, t) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func portfolioActive(entry *portfolioEntry, t time.Time) bool {
	demandOK, basisOK := false, false
	for i := range entry.demand {
		if entry.demand[i].Contains(t) {
			demandOK = len(entry.demand[i].Group) > 0
			break
		}
	}
	for i := range entry.basis {
		if entry.basis[i].Contains(t) {
			basisOK = len(entry.basis[i].Group) > 0
			break
		}
	}
	return demandOK && basisOK
}

// --- Batch compilation ---

func (s *MemoryStore) Gather(_ context.Context, t time.Time) (*model.SolverInput, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	input := &model.SolverInput{
		Demands:    make(map[model.DemandID]model.DemandCurve),
		Portfolios: make(map[model.PortfolioID]model.SolverPortfolio),
	}

	for id, entry := range s.demands {
		for i := range entry.curves {
			if entry.curves[i].Contains(t) {
				if c := entry.curves[i].Curve; c != nil {
					input.Demands[id] = *c
				}
				break
			}
		}
	}

	for id, entry := range s.portfolios {
		var demandRow *model.DemandGroupRow
		for i := range entry.demand {
			if entry.demand[i].Contains(t) {
				demandRow = &entry.demand[i]
				break
			}
		}
		var basisRow *model.ProductGroupRow
		for i := range entry.basis {
			if entry.basis[i].Contains(t) {
				basisRow = &entry.basis[i]
				break
			}
		}
		if demandRow == nil || basisRow == nil ||
			len(demandRow.Group) == 0 || len(basisRow.Group) == 0 {
			continue
		}

		// Resolve the raw basis through the active product-tree edges.
		resolved := make(model.ProductGroup)
		for p, w := range basisRow.Group {
			for leaf, r := range s.basisAtLocked(p, t) {
				resolved[leaf] += w * r
			}
		}

		input.Portfolios[id] = model.SolverPortfolio{
			DemandGroup: demandRow.Group.Clone(),
			Basis:       resolved,
		}
	}

	return input, nil
}

// --- Batches & outcomes ---

func (s *MemoryStore) InsertBatch(_ context.Context, rec *model.BatchRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	until := rec.ValidFrom
	if n := len(s.batches); n > 0 && s.batches[n-1].Open() {
		s.batches[n-1].ValidUntil = &until
	}
	for id, rows := range s.pfOutcomes {
		if n := len(rows); n > 0 && rows[n-1].Open() {
			rows[n-1].ValidUntil = &until
			s.pfOutcomes[id] = rows
		}
	}
	for id, rows := range s.prOutcomes {
		if n := len(rows); n > 0 && rows[n-1].Open() {
			rows[n-1].ValidUntil = &until
			s.prOutcomes[id] = rows
		}
	}

	s.batches = append(s.batches, *rec)

	for id, o := range rec.PortfolioOutcomes {
		s.pfOutcomes[id] = append(s.pfOutcomes[id], model.PortfolioOutcomeRow{
			Outcome:  o,
			Interval: model.Interval{ValidFrom: rec.ValidFrom},
		})
	}
	for id, o := range rec.ProductOutcomes {
		s.prOutcomes[id] = append(s.prOutcomes[id], model.ProductOutcomeRow{
			Outcome:  o,
			Interval: model.Interval{ValidFrom: rec.ValidFrom},
		})
	}
	return nil
}

func (s *MemoryStore) PortfolioOutcomes(_ context.Context, id model.PortfolioID, q model.RangeQuery) ([]model.PortfolioOutcomeRow, model.More, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.portfolios[id]; !ok {
		return nil, nil, fmt.Errorf("portfolio %s: %w", id, model.ErrNotFound)
	}
	rows, more := pageDesc(s.pfOutcomes[id], func(r model.PortfolioOutcomeRow) time.Time { return r.ValidFrom }, q)
	return rows, more, nil
}

func (s *MemoryStore) ProductOutcomes(_ context.Context, id model.ProductID, q model.RangeQuery) ([]model.ProductOutcomeRow, model.More, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.products[id]; !ok {
		return nil, nil, fmt.Errorf("product %s: %w", id, model.ErrNotFound)
	}
	rows, more := pageDesc(s.prOutcomes[id], func(r model.ProductOutcomeRow) time.Time { return r.ValidFrom }, q)
	return rows, more, nil
}

func (s *MemoryStore) UnsettledBatches(_ context.Context) ([]model.BatchRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.BatchRecord
	for _, b := range s.batches {
		if !b.Open() && !b.Settled {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkSettled(_ context.Context, ids []model.BatchID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[model.BatchID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for i := range s.batches {
		if want[s.batches[i].ID] {
			s.batches[i].Settled = true
		}
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// --- helpers ---

// intersect narrows a composite interval: valid_from is the max of the
// component starts, valid_until the min of the component ends.
func intersect(a, b model.Interval) model.Interval {
	out := a
	if b.ValidFrom.After(out.ValidFrom) {
		out.ValidFrom = b.ValidFrom
	}
	if b.ValidUntil != nil && (out.ValidUntil == nil || b.ValidUntil.Before(*out.ValidUntil)) {
		out.ValidUntil = b.ValidUntil
	}
	return out
}

// pageDesc pages append-only rows in reverse chronological order.
// Before bounds valid_from exclusively, After inclusively. The returned
// cursor, when non-nil, is the Before value for the next page.
func pageDesc[T any](rows []T, from func(T) time.Time, q model.RangeQuery) ([]T, model.More) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	out := make([]T, 0, limit)
	var more model.More
	for i := len(rows) - 1; i >= 0; i-- {
		vf := from(rows[i])
		if q.Before != nil && !vf.Before(*q.Before) {
			continue
		}
		if q.After != nil && vf.Before(*q.After) {
			break
		}
		if len(out) == limit {
			cursor := from(out[len(out)-1])
			more = &cursor
			break
		}
		out = append(out, rows[i])
	}
	return out, more
}
