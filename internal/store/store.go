// Package store defines the persistence port for the auction engine and
// its backends: an in-memory reference implementation, a file-backed
// SQLite implementation, and a redis read-through cache for immutable
// data. The bid book and batch compiler speak only to this interface, so
// backends are swappable without touching the solver or the transport.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/flowtrading/auction-engine/internal/model"
)

// Store is the persistence port. Every lifetime-tracked stream honours
// the temporal invariant: at most one open row per stream, half-open
// non-overlapping intervals. Writes are serialised through a single
// writer; reads may proceed concurrently.
type Store interface {
	// --- Product hierarchy ---

	// CreateProduct inserts a product and maintains the transitive
	// closure of the product tree: every open edge into the parent is
	// closed at asOf and reopened onto the child with its ratio
	// multiplied in, and the child gains a self-edge.
	// Returns ErrIDExists or ErrUnknownReference (missing parent).
	CreateProduct(ctx context.Context, id model.ProductID, appData json.RawMessage, parent *model.ProductID, parentRatio float64, asOf time.Time) error

	// GetProduct returns the product and its tree position at t.
	GetProduct(ctx context.Context, id model.ProductID, t time.Time) (*model.ProductRecord, error)

	// BasisAt returns the active leaf decomposition of the product at t:
	// for each leaf reachable through then-current refinements, the
	// product of ratios along the path.
	BasisAt(ctx context.Context, id model.ProductID, t time.Time) (model.ProductGroup, error)

	// --- Demands ---

	CreateDemand(ctx context.Context, id model.DemandID, bidder model.BidderID, curve *model.DemandCurve, appData json.RawMessage, asOf time.Time) error

	// SetCurve replaces the demand's curve, closing the open lifetime
	// row and opening a new one at asOf. A nil curve deactivates.
	SetCurve(ctx context.Context, id model.DemandID, curve *model.DemandCurve, asOf time.Time) error

	// GetDemand returns the composite snapshot at t, including the
	// reverse portfolio associations. The caller is responsible for
	// bidder scoping.
	GetDemand(ctx context.Context, id model.DemandID, t time.Time) (*model.DemandRecord, error)

	// DemandHistory pages the curve stream in reverse chronological order.
	DemandHistory(ctx context.Context, id model.DemandID, q model.RangeQuery) ([]model.CurveRow, model.More, error)

	// ActiveDemands lists demands of the given bidders that are active
	// at t: non-nil curve and named by at least one portfolio.
	ActiveDemands(ctx context.Context, bidders []model.BidderID, t time.Time) ([]model.DemandID, error)

	// --- Portfolios ---

	CreatePortfolio(ctx context.Context, id model.PortfolioID, bidder model.BidderID, demand model.DemandGroup, basis model.ProductGroup, appData json.RawMessage, asOf time.Time) error

	// UpdatePortfolio wholly replaces either or both maps; a nil map is
	// left untouched. Each replaced stream atomically closes its open
	// row and opens a new one at asOf.
	UpdatePortfolio(ctx context.Context, id model.PortfolioID, demand model.DemandGroup, basis model.ProductGroup, asOf time.Time) error

	GetPortfolio(ctx context.Context, id model.PortfolioID, t time.Time) (*model.PortfolioRecord, error)

	PortfolioDemandHistory(ctx context.Context, id model.PortfolioID, q model.RangeQuery) ([]model.DemandGroupRow, model.More, error)
	PortfolioBasisHistory(ctx context.Context, id model.PortfolioID, q model.RangeQuery) ([]model.ProductGroupRow, model.More, error)

	// ActivePortfolios lists portfolios of the given bidders with both
	// maps non-empty at t.
	ActivePortfolios(ctx context.Context, bidders []model.BidderID, t time.Time) ([]model.PortfolioID, error)

	// --- Batch compilation ---

	// Gather snapshots the live book at t in one consistent read:
	// active demand curves, and active portfolios with their bases
	// resolved through the product tree.
	Gather(ctx context.Context, t time.Time) (*model.SolverInput, error)

	// --- Batches & outcomes ---

	// InsertBatch appends a batch record, closing the previously open
	// batch (and its outcome rows) at the new record's ValidFrom.
	InsertBatch(ctx context.Context, rec *model.BatchRecord) error

	PortfolioOutcomes(ctx context.Context, id model.PortfolioID, q model.RangeQuery) ([]model.PortfolioOutcomeRow, model.More, error)
	ProductOutcomes(ctx context.Context, id model.ProductID, q model.RangeQuery) ([]model.ProductOutcomeRow, model.More, error)

	// UnsettledBatches lists closed batches not yet rolled up,
	// oldest first.
	UnsettledBatches(ctx context.Context) ([]model.BatchRecord, error)

	// MarkSettled flags the given batches as rolled up.
	MarkSettled(ctx context.Context, ids []model.BatchID) error

	// Close releases the backend's resources.
	Close() error
}
