package api

import (
	"net/http"
	"time"

	"github.com/flowtrading/auction-engine/internal/auth"
	"github.com/flowtrading/auction-engine/internal/model"
)

// batchSummary is the response body of POST /batch.
type batchSummary struct {
	ID         model.BatchID `json:"id"`
	ValidFrom  time.Time     `json:"valid_from"`
	Portfolios int           `json:"portfolios"`
	Products   int           `json:"products"`
}

// runBatch handles POST /batch: it compiles and solves a batch at the
// current instant.
func (s *Server) runBatch(w http.ResponseWriter, r *http.Request) {
	if claims := requireCapability(w, r, auth.CanRunBatch); claims == nil {
		return
	}
	rec, err := s.auction.Run(r.Context(), now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batchSummary{
		ID:         rec.ID,
		ValidFrom:  rec.ValidFrom,
		Portfolios: len(rec.PortfolioOutcomes),
		Products:   len(rec.ProductOutcomes),
	})
}
