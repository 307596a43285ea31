// Package book provides the bid-book service: demand and portfolio
// lifecycle on top of the persistence port, with curve validation,
// bidder-scoped reads, and the auto-solve observer hook.
//
// Bidder scoping follows the reference behaviour: a lookup filtered by a
// non-owning bidder reports not-found, so that resource existence is
// never leaked to non-owners.
package book

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/flowtrading/auction-engine/internal/model"
	"github.com/flowtrading/auction-engine/internal/store"
)

// Observer is notified after every successful bid mutation; the auction
// runner uses it to coalesce auto-solves. Post must not block.
type Observer interface {
	Post(t time.Time)
}

// Service owns the bid book. All operations take the wall-clock instant
// from the caller and record it as as_of/valid_from, so that a bidder's
// mutations commit in program order.
type Service struct {
	store    store.Store
	observer Observer // optional
}

// NewService creates a bid-book service. Pass nil for observer if
// auto-solve is not wanted.
func NewService(st store.Store, observer Observer) *Service {
	return &Service{store: st, observer: observer}
}

func (s *Service) notify(t time.Time) {
	if s.observer != nil {
		s.observer.Post(t)
	}
}

// --- Demand lifecycle ---

// CreateDemand validates the curve and inserts the demand with its first
// lifetime row at t.
func (s *Service) CreateDemand(ctx context.Context, id model.DemandID, bidder model.BidderID, curve *model.DemandCurve, appData json.RawMessage, t time.Time) (*model.DemandRecord, error) {
	if curve != nil {
		if err := curve.Validate(); err != nil {
			return nil, err
		}
	}
	if err := s.store.CreateDemand(ctx, id, bidder, curve, appData, t); err != nil {
		return nil, err
	}
	slog.Info("demand created", "id", id, "bidder", bidder, "active_curve", curve != nil)
	s.notify(t)
	return s.store.GetDemand(ctx, id, t)
}

// SetCurve replaces the demand's curve at t; a nil curve deactivates the
// demand. Only the owning bidder may mutate.
func (s *Service) SetCurve(ctx context.Context, id model.DemandID, bidder model.BidderID, curve *model.DemandCurve, t time.Time) (*model.DemandRecord, error) {
	if curve != nil {
		if err := curve.Validate(); err != nil {
			return nil, err
		}
	}
	if err := s.requireDemandOwner(ctx, id, bidder, t); err != nil {
		return nil, err
	}
	if err := s.store.SetCurve(ctx, id, curve, t); err != nil {
		return nil, err
	}
	slog.Info("demand curve set", "id", id, "bidder", bidder, "active_curve", curve != nil)
	s.notify(t)
	return s.store.GetDemand(ctx, id, t)
}

// GetDemand returns the demand's composite snapshot at t, scoped to the
// claimed bidder.
func (s *Service) GetDemand(ctx context.Context, id model.DemandID, bidder model.BidderID, t time.Time) (*model.DemandRecord, error) {
	rec, err := s.store.GetDemand(ctx, id, t)
	if err != nil {
		return nil, err
	}
	if rec.BidderID != bidder {
		return nil, fmt.Errorf("demand %s: %w", id, model.ErrNotFound)
	}
	return rec, nil
}

// DemandHistory pages the curve stream, newest first, scoped to the
// claimed bidder.
func (s *Service) DemandHistory(ctx context.Context, id model.DemandID, bidder model.BidderID, q model.RangeQuery) ([]model.CurveRow, model.More, error) {
	if err := s.requireDemandOwner(ctx, id, bidder, time.Now().UTC()); err != nil {
		return nil, nil, err
	}
	return s.store.DemandHistory(ctx, id, q)
}

// ActiveDemands lists the claimed bidders' demands that are active at t.
func (s *Service) ActiveDemands(ctx context.Context, bidders []model.BidderID, t time.Time) ([]model.DemandID, error) {
	return s.store.ActiveDemands(ctx, bidders, t)
}

func (s *Service) requireDemandOwner(ctx context.Context, id model.DemandID, bidder model.BidderID, t time.Time) error {
	rec, err := s.store.GetDemand(ctx, id, t)
	if err != nil {
		return err
	}
	if rec.BidderID != bidder {
		return fmt.Errorf("demand %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// --- Portfolio lifecycle ---

// CreatePortfolio inserts a portfolio with both weight maps at t. Nil
// maps are stored as empty.
func (s *Service) CreatePortfolio(ctx context.Context, id model.PortfolioID, bidder model.BidderID, demand model.DemandGroup, basis model.ProductGroup, appData json.RawMessage, t time.Time) (*model.PortfolioRecord, error) {
	if demand == nil {
		demand = model.DemandGroup{}
	}
	if basis == nil {
		basis = model.ProductGroup{}
	}
	if err := validateWeights(demand, basis); err != nil {
		return nil, err
	}
	if err := s.store.CreatePortfolio(ctx, id, bidder, demand, basis, appData, t); err != nil {
		return nil, err
	}
	slog.Info("portfolio created", "id", id, "bidder", bidder,
		"demands", len(demand), "products", len(basis))
	s.notify(t)
	return s.store.GetPortfolio(ctx, id, t)
}

// UpdatePortfolio wholly replaces either or both maps at t; a nil map is
// left untouched.
func (s *Service) UpdatePortfolio(ctx context.Context, id model.PortfolioID, bidder model.BidderID, demand model.DemandGroup, basis model.ProductGroup, t time.Time) (*model.PortfolioRecord, error) {
	if err := validateWeights(demand, basis); err != nil {
		return nil, err
	}
	if err := s.requirePortfolioOwner(ctx, id, bidder, t); err != nil {
		return nil, err
	}
	if demand == nil && basis == nil {
		return s.store.GetPortfolio(ctx, id, t)
	}
	if err := s.store.UpdatePortfolio(ctx, id, demand, basis, t); err != nil {
		return nil, err
	}
	slog.Info("portfolio updated", "id", id, "bidder", bidder,
		"demand_replaced", demand != nil, "basis_replaced", basis != nil)
	s.notify(t)
	return s.store.GetPortfolio(ctx, id, t)
}

// DeletePortfolio replaces both maps with empty ones at t.
func (s *Service) DeletePortfolio(ctx context.Context, id model.PortfolioID, bidder model.BidderID, t time.Time) (*model.PortfolioRecord, error) {
	return s.UpdatePortfolio(ctx, id, bidder, model.DemandGroup{}, model.ProductGroup{}, t)
}

// GetPortfolio returns the portfolio's composite snapshot at t, scoped
// to the claimed bidder.
func (s *Service) GetPortfolio(ctx context.Context, id model.PortfolioID, bidder model.BidderID, t time.Time) (*model.PortfolioRecord, error) {
	rec, err := s.store.GetPortfolio(ctx, id, t)
	if err != nil {
		return nil, err
	}
	if rec.BidderID != bidder {
		return nil, fmt.Errorf("portfolio %s: %w", id, model.ErrNotFound)
	}
	return rec, nil
}

// PortfolioDemandHistory pages the demand-map stream, newest first.
func (s *Service) PortfolioDemandHistory(ctx context.Context, id model.PortfolioID, bidder model.BidderID, q model.RangeQuery) ([]model.DemandGroupRow, model.More, error) {
	if err := s.requirePortfolioOwner(ctx, id, bidder, time.Now().UTC()); err != nil {
		return nil, nil, err
	}
	return s.store.PortfolioDemandHistory(ctx, id, q)
}

// PortfolioBasisHistory pages the basis stream, newest first.
func (s *Service) PortfolioBasisHistory(ctx context.Context, id model.PortfolioID, bidder model.BidderID, q model.RangeQuery) ([]model.ProductGroupRow, model.More, error) {
	if err := s.requirePortfolioOwner(ctx, id, bidder, time.Now().UTC()); err != nil {
		return nil, nil, err
	}
	return s.store.PortfolioBasisHistory(ctx, id, q)
}

// PortfolioOutcomes pages the portfolio's per-batch outcomes.
func (s *Service) PortfolioOutcomes(ctx context.Context, id model.PortfolioID, bidder model.BidderID, q model.RangeQuery) ([]model.PortfolioOutcomeRow, model.More, error) {
	if err := s.requirePortfolioOwner(ctx, id, bidder, time.Now().UTC()); err != nil {
		return nil, nil, err
	}
	return s.store.PortfolioOutcomes(ctx, id, q)
}

// ActivePortfolios lists the claimed bidders' portfolios with both maps
// non-empty at t.
func (s *Service) ActivePortfolios(ctx context.Context, bidders []model.BidderID, t time.Time) ([]model.PortfolioID, error) {
	return s.store.ActivePortfolios(ctx, bidders, t)
}

func (s *Service) requirePortfolioOwner(ctx context.Context, id model.PortfolioID, bidder model.BidderID, t time.Time) error {
	rec, err := s.store.GetPortfolio(ctx, id, t)
	if err != nil {
		return err
	}
	if rec.BidderID != bidder {
		return fmt.Errorf("portfolio %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// --- Product hierarchy (administrator-owned) ---

// CreateProduct inserts a product, optionally refining a parent. The
// parent ratio must be positive.
func (s *Service) CreateProduct(ctx context.Context, id model.ProductID, appData json.RawMessage, parent *model.ProductID, parentRatio float64, t time.Time) (*model.ProductRecord, error) {
	if parent != nil && !(parentRatio > 0) {
		return nil, fmt.Errorf("%w: parent_ratio must be positive", model.ErrUnknownReference)
	}
	if err := s.store.CreateProduct(ctx, id, appData, parent, parentRatio, t); err != nil {
		return nil, err
	}
	slog.Info("product created", "id", id, "has_parent", parent != nil)
	return s.store.GetProduct(ctx, id, t)
}

// RefineProduct partitions a product into children, all at the same
// instant so each child inherits every ancestor edge.
func (s *Service) RefineProduct(ctx context.Context, parent model.ProductID, children []model.ChildRef, appData json.RawMessage, t time.Time) ([]*model.ProductRecord, error) {
	out := make([]*model.ProductRecord, 0, len(children))
	for _, child := range children {
		if !(child.Ratio > 0) {
			return nil, fmt.Errorf("%w: child ratio must be positive", model.ErrUnknownReference)
		}
		p := parent
		rec, err := s.CreateProduct(ctx, child.ID, appData, &p, child.Ratio, t)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// GetProduct returns the product and its tree position at t.
func (s *Service) GetProduct(ctx context.Context, id model.ProductID, t time.Time) (*model.ProductRecord, error) {
	return s.store.GetProduct(ctx, id, t)
}

// ProductOutcomes pages the product's per-batch outcomes.
func (s *Service) ProductOutcomes(ctx context.Context, id model.ProductID, q model.RangeQuery) ([]model.ProductOutcomeRow, model.More, error) {
	return s.store.ProductOutcomes(ctx, id, q)
}

// validateWeights rejects non-finite weights in either map.
func validateWeights(demand model.DemandGroup, basis model.ProductGroup) error {
	for d, w := range demand {
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return fmt.Errorf("%w: weight for demand %s is not finite", model.ErrUnknownReference, d)
		}
	}
	for p, w := range basis {
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return fmt.Errorf("%w: weight for product %s is not finite", model.ErrUnknownReference, p)
		}
	}
	return nil
}
