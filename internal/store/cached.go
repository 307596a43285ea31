package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowtrading/auction-engine/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache for
// batch outcome pages, the one hot read path whose rows are immutable
// once written. A generation counter bumped on every batch insert keys
// the cache, so stale pages simply stop being addressed; everything
// else passes through to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

const outcomeGenKey = "outcomes:gen"

func (s *CachedStore) generation(ctx context.Context) string {
	gen, err := s.rdb.Get(ctx, outcomeGenKey).Result()
	if err != nil {
		return "0"
	}
	return gen
}

func rangeKey(q model.RangeQuery) string {
	before, after := "", ""
	if q.Before != nil {
		before = q.Before.UTC().Format(time.RFC3339Nano)
	}
	if q.After != nil {
		after = q.After.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprintf("%s:%s:%d", before, after, q.Limit)
}

type outcomePage[T any] struct {
	Rows []T        `json:"rows"`
	More *time.Time `json:"more"`
}

// --- Cached reads ---

func (s *CachedStore) PortfolioOutcomes(ctx context.Context, id model.PortfolioID, q model.RangeQuery) ([]model.PortfolioOutcomeRow, model.More, error) {
	key := fmt.Sprintf("outcomes:pf:%s:%s:%s", s.generation(ctx), id, rangeKey(q))
	if data, err := s.rdb.Get(ctx, key).Bytes(); err == nil {
		var page outcomePage[model.PortfolioOutcomeRow]
		if json.Unmarshal(data, &page) == nil {
			return page.Rows, page.More, nil
		}
	}

	rows, more, err := s.primary.PortfolioOutcomes(ctx, id, q)
	if err != nil {
		return nil, nil, err
	}
	if data, err := json.Marshal(outcomePage[model.PortfolioOutcomeRow]{Rows: rows, More: more}); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return rows, more, nil
}

func (s *CachedStore) ProductOutcomes(ctx context.Context, id model.ProductID, q model.RangeQuery) ([]model.ProductOutcomeRow, model.More, error) {
	key := fmt.Sprintf("outcomes:pr:%s:%s:%s", s.generation(ctx), id, rangeKey(q))
	if data, err := s.rdb.Get(ctx, key).Bytes(); err == nil {
		var page outcomePage[model.ProductOutcomeRow]
		if json.Unmarshal(data, &page) == nil {
			return page.Rows, page.More, nil
		}
	}

	rows, more, err := s.primary.ProductOutcomes(ctx, id, q)
	if err != nil {
		return nil, nil, err
	}
	if data, err := json.Marshal(outcomePage[model.ProductOutcomeRow]{Rows: rows, More: more}); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return rows, more, nil
}

// --- Writes that advance the generation ---

func (s *CachedStore) InsertBatch(ctx context.Context, rec *model.BatchRecord) error {
	if err := s.primary.InsertBatch(ctx, rec); err != nil {
		return err
	}
	s.rdb.Incr(ctx, outcomeGenKey)
	return nil
}

// --- Passthrough ---

func (s *CachedStore) CreateProduct(ctx context.Context, id model.ProductID, appData json.RawMessage, parent *model.ProductID, parentRatio float64, asOf time.Time) error {
	return s.primary.CreateProduct(ctx, id, appData, parent, parentRatio, asOf)
}

func (s *CachedStore) GetProduct(ctx context.Context, id model.ProductID, t time.Time) (*model.ProductRecord, error) {
	return s.primary.GetProduct(ctx, id, t)
}

func (s *CachedStore) BasisAt(ctx context.Context, id model.ProductID, t time.Time) (model.ProductGroup, error) {
	return s.primary.BasisAt(ctx, id, t)
}

func (s *CachedStore) CreateDemand(ctx context.Context, id model.DemandID, bidder model.BidderID, curve *model.DemandCurve, appData json.RawMessage, asOf time.Time) error {
	return s.primary.CreateDemand(ctx, id, bidder, curve, appData, asOf)
}

func (s *CachedStore) SetCurve(ctx context.Context, id model.DemandID, curve *model.DemandCurve, asOf time.Time) error {
	return s.primary.SetCurve(ctx, id, curve, asOf)
}

func (s *CachedStore) GetDemand(ctx context.Context, id model.DemandID, t time.Time) (*model.DemandRecord, error) {
	return s.primary.GetDemand(ctx, id, t)
}

func (s *CachedStore) DemandHistory(ctx context.Context, id model.DemandID, q model.RangeQuery) ([]model.CurveRow, model.More, error) {
	return s.primary.DemandHistory(ctx, id, q)
}

func (s *CachedStore) ActiveDemands(ctx context.Context, bidders []model.BidderID, t time.Time) ([]model.DemandID, error) {
	return s.primary.ActiveDemands(ctx, bidders, t)
}

func (s *CachedStore) CreatePortfolio(ctx context.Context, id model.PortfolioID, bidder model.BidderID, demand model.DemandGroup, basis model.ProductGroup, appData json.RawMessage, asOf time.Time) error {
	return s.primary.CreatePortfolio(ctx, id, bidder, demand, basis, appData, asOf)
}

func (s *CachedStore) UpdatePortfolio(ctx context.Context, id model.PortfolioID, demand model.DemandGroup, basis model.ProductGroup, asOf time.Time) error {
	return s.primary.UpdatePortfolio(ctx, id, demand, basis, asOf)
}

func (s *CachedStore) GetPortfolio(ctx context.Context, id model.PortfolioID, t time.Time) (*model.PortfolioRecord, error) {
	return s.primary.GetPortfolio(ctx, id, t)
}

func (s *CachedStore) PortfolioDemandHistory(ctx context.Context, id model.PortfolioID, q model.RangeQuery) ([]model.DemandGroupRow, model.More, error) {
	return s.primary.PortfolioDemandHistory(ctx, id, q)
}

func (s *CachedStore) PortfolioBasisHistory(ctx context.Context, id model.PortfolioID, q model.RangeQuery) ([]model.ProductGroupRow, model.More, error) {
	return s.primary.PortfolioBasisHistory(ctx, id, q)
}

func (s *CachedStore) ActivePortfolios(ctx context.Context, bidders []model.BidderID, t time.Time) ([]model.PortfolioID, error) {
	return s.primary.ActivePortfolios(ctx, bidders, t)
}

func (s *CachedStore) Gather(ctx context.Context, t time.Time) (*model.SolverInput, error) {
	return s.primary.Gather(ctx, t)
}

func (s *CachedStore) UnsettledBatches(ctx context.Context) ([]model.BatchRecord, error) {
	return s.primary.UnsettledBatches(ctx)
}

func (s *CachedStore) MarkSettled(ctx context.Context, ids []model.BatchID) error {
	return s.primary.MarkSettled(ctx, ids)
}

func (s *CachedStore) Close() error {
	s.rdb.Close()
	return s.primary.Close()
}
