// Package auction runs batch auctions: it gathers the live book at a
// target instant through the persistence port, hands the snapshot to the
// QP solver, and persists the outcome as an append-only batch record.
// It also provides the auto-solve mailbox and the anchored scheduler.
package auction

import (
	"context"
	"log/slog"
	"time"

	"github.com/flowtrading/auction-engine/internal/metrics"
	"github.com/flowtrading/auction-engine/internal/model"
	"github.com/flowtrading/auction-engine/internal/solver"
	"github.com/flowtrading/auction-engine/internal/store"
)

// Broadcaster receives a summary of every solved batch. The websocket
// hub implements it; pass nil to disable.
type Broadcaster interface {
	BroadcastBatch(rec *model.BatchRecord)
}

// Service compiles and solves batches.
type Service struct {
	store    store.Store
	settings solver.Settings
	// timeUnit is the rate denominator batches are solved against.
	timeUnit time.Duration
	// timeout bounds a single solve.
	timeout time.Duration
	hub     Broadcaster
}

// NewService creates an auction service. timeout caps each solve; zero
// means ten seconds.
func NewService(st store.Store, settings solver.Settings, timeout time.Duration, hub Broadcaster) *Service {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Service{
		store:    st,
		settings: settings,
		timeUnit: time.Second,
		timeout:  timeout,
		hub:      hub,
	}
}

// Run executes one batch auction at instant t: gather, solve, persist.
// The batch's valid_from is t; its valid_until stays open until the next
// batch closes it. On solver failure no batch record is produced.
func (s *Service) Run(ctx context.Context, t time.Time) (*model.BatchRecord, error) {
	start := time.Now()

	input, err := s.store.Gather(ctx, t)
	if err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	outcome, err := solver.Solve(cctx, input, s.timeUnit, s.settings)
	if err != nil {
		metrics.BatchesTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	rec := &model.BatchRecord{
		ID:                model.NewBatchID(),
		PortfolioOutcomes: outcome.Portfolios,
		ProductOutcomes:   outcome.Products,
		TimeUnit:          s.timeUnit,
		Interval:          model.Interval{ValidFrom: t},
	}
	if err := s.store.InsertBatch(ctx, rec); err != nil {
		metrics.BatchesTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	metrics.BatchesTotal.WithLabelValues("ok").Inc()
	metrics.SolveDuration.Observe(time.Since(start).Seconds())
	metrics.SolverIterations.Observe(float64(outcome.Iterations))

	slog.Info("batch solved",
		"batch_id", rec.ID,
		"as_of", t.Format(time.RFC3339Nano),
		"portfolios", len(rec.PortfolioOutcomes),
		"products", len(rec.ProductOutcomes),
		"iterations", outcome.Iterations,
	)

	if s.hub != nil {
		s.hub.BroadcastBatch(rec)
	}
	return rec, nil
}
