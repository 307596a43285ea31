// Package settlement rolls finished batches up into money-denominated
// positions. Rates are scaled by each batch's realised duration and
// accumulated with decimal arithmetic — never float64 for money — then
// rounded to the configured scale.
package settlement

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/flowtrading/auction-engine/internal/model"
	"github.com/flowtrading/auction-engine/internal/store"
)

// Position is a portfolio's accumulated settled trade.
type Position struct {
	PortfolioID model.PortfolioID `json:"portfolio_id"`
	// Quantity is the net traded amount: rate integrated over the
	// batch windows.
	Quantity decimal.Decimal `json:"quantity"`
	// Cash is the signed money flow: buying (positive rate) at a
	// positive price costs money.
	Cash decimal.Decimal `json:"cash"`
}

// Service aggregates closed, unsettled batches.
type Service struct {
	store store.Store
	scale int32
}

// NewService creates a settlement service rounding to the given number
// of decimal places.
func NewService(st store.Store, scale int32) *Service {
	return &Service{store: st, scale: scale}
}

// Roll aggregates every closed, not-yet-settled batch into per-portfolio
// positions and marks those batches settled. Open batches are left for a
// later roll, once the next batch has closed them.
func (s *Service) Roll(ctx context.Context) (map[model.PortfolioID]Position, error) {
	batches, err := s.store.UnsettledBatches(ctx)
	if err != nil {
		return nil, err
	}

	positions := make(map[model.PortfolioID]Position)
	ids := make([]model.BatchID, 0, len(batches))

	for _, batch := range batches {
		if batch.ValidUntil == nil {
			continue
		}
		seconds := decimal.NewFromFloat(batch.ValidUntil.Sub(batch.ValidFrom).Seconds())

		for pid, o := range batch.PortfolioOutcomes {
			rate := decimal.NewFromFloat(o.Rate)
			price := decimal.NewFromFloat(o.Price)
			quantity := rate.Mul(seconds)

			pos := positions[pid]
			pos.PortfolioID = pid
			pos.Quantity = pos.Quantity.Add(quantity)
			pos.Cash = pos.Cash.Sub(quantity.Mul(price))
			positions[pid] = pos
		}
		ids = append(ids, batch.ID)
	}

	for pid, pos := range positions {
		pos.Quantity = pos.Quantity.Round(s.scale)
		pos.Cash = pos.Cash.Round(s.scale)
		positions[pid] = pos
	}

	if len(ids) > 0 {
		if err := s.store.MarkSettled(ctx, ids); err != nil {
			return nil, err
		}
		slog.Info("batches settled", "count", len(ids), "portfolios", len(positions))
	}
	return positions, nil
}

// RollEvery runs Roll on a fixed cadence until ctx is cancelled.
func (s *Service) RollEvery(ctx context.Context, every time.Duration) {
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.Roll(ctx); err != nil {
					slog.Error("settlement roll failed", "err", err)
				}
			}
		}
	}()
}
