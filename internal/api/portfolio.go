package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/flowtrading/auction-engine/internal/auth"
	"github.com/flowtrading/auction-engine/internal/metrics"
	"github.com/flowtrading/auction-engine/internal/model"
)

// createPortfolioRequest is the JSON body for POST /portfolio. Missing
// maps are stored as empty.
type createPortfolioRequest struct {
	ID           *model.PortfolioID `json:"id"`
	DemandGroup  model.DemandGroup  `json:"demand_group"`
	ProductGroup model.ProductGroup `json:"product_group"`
	AppData      json.RawMessage    `json:"app_data"`
}

// updatePortfolioRequest is the JSON body for PATCH /portfolio/{id}.
// A missing map leaves that stream untouched; a present map wholly
// replaces it.
type updatePortfolioRequest struct {
	DemandGroup  model.DemandGroup  `json:"demand_group"`
	ProductGroup model.ProductGroup `json:"product_group"`
}

// listPortfolios handles GET /portfolio
func (s *Server) listPortfolios(w http.ResponseWriter, r *http.Request) {
	claims := requireCapability(w, r, auth.CanQueryBid)
	if claims == nil {
		return
	}
	ids, err := s.book.ActivePortfolios(r.Context(), []model.BidderID{claims.BidderID}, now())
	if err != nil {
		writeError(w, err)
		return
	}
	if ids == nil {
		ids = []model.PortfolioID{}
	}
	writeJSON(w, http.StatusOK, ids)
}

// createPortfolio handles POST /portfolio
func (s *Server) createPortfolio(w http.ResponseWriter, r *http.Request) {
	claims := requireCapability(w, r, auth.CanCreateBid)
	if claims == nil {
		return
	}
	var req createPortfolioRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id := model.NewPortfolioID()
	if req.ID != nil {
		id = *req.ID
	}

	rec, err := s.book.CreatePortfolio(r.Context(), id, claims.BidderID, req.DemandGroup, req.ProductGroup, req.AppData, now())
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.BidMutations.WithLabelValues("portfolio", "create").Inc()
	writeJSON(w, http.StatusCreated, rec)
}

// getPortfolio handles GET /portfolio/{portfolioID}
func (s *Server) getPortfolio(w http.ResponseWriter, r *http.Request) {
	claims := requireCapability(w, r, auth.CanReadBid)
	if claims == nil {
		return
	}
	id, err := model.ParsePortfolioID(chi.URLParam(r, "portfolioID"))
	if err != nil {
		writeStatus(w, http.StatusNotFound, "no such portfolio")
		return
	}
	rec, err := s.book.GetPortfolio(r.Context(), id, claims.BidderID, now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// updatePortfolio handles PATCH /portfolio/{portfolioID}
func (s *Server) updatePortfolio(w http.ResponseWriter, r *http.Request) {
	claims := requireCapability(w, r, auth.CanUpdateBid)
	if claims == nil {
		return
	}
	id, err := model.ParsePortfolioID(chi.URLParam(r, "portfolioID"))
	if err != nil {
		writeStatus(w, http.StatusNotFound, "no such portfolio")
		return
	}
	var req updatePortfolioRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rec, err := s.book.UpdatePortfolio(r.Context(), id, claims.BidderID, req.DemandGroup, req.ProductGroup, now())
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.BidMutations.WithLabelValues("portfolio", "update").Inc()
	writeJSON(w, http.StatusOK, rec)
}

// deletePortfolio handles DELETE /portfolio/{portfolioID}: both maps are
// replaced with empty ones.
func (s *Server) deletePortfolio(w http.ResponseWriter, r *http.Request) {
	claims := requireCapability(w, r, auth.CanUpdateBid)
	if claims == nil {
		return
	}
	id, err := model.ParsePortfolioID(chi.URLParam(r, "portfolioID"))
	if err != nil {
		writeStatus(w, http.StatusNotFound, "no such portfolio")
		return
	}
	rec, err := s.book.DeletePortfolio(r.Context(), id, claims.BidderID, now())
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.BidMutations.WithLabelValues("portfolio", "delete").Inc()
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) portfolioDemandHistory(w http.ResponseWriter, r *http.Request) {
	claims := requireCapability(w, r, auth.CanReadBid)
	if claims == nil {
		return
	}
	id, err := model.ParsePortfolioID(chi.URLParam(r, "portfolioID"))
	if err != nil {
		writeStatus(w, http.StatusNotFound, "no such portfolio")
		return
	}
	q, err := pageQuery(r)
	if err != nil {
		writeStatus(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, more, err := s.book.PortfolioDemandHistory(r.Context(), id, claims.BidderID, q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pageResponse[model.DemandGroupRow]{Results: rows, More: more})
}

func (s *Server) portfolioBasisHistory(w http.ResponseWriter, r *http.Request) {
	claims := requireCapability(w, r, auth.CanReadBid)
	if claims == nil {
		return
	}
	id, err := model.ParsePortfolioID(chi.URLParam(r, "portfolioID"))
	if err != nil {
		writeStatus(w, http.StatusNotFound, "no such portfolio")
		return
	}
	q, err := pageQuery(r)
	if err != nil {
		writeStatus(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, more, err := s.book.PortfolioBasisHistory(r.Context(), id, claims.BidderID, q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pageResponse[model.ProductGroupRow]{Results: rows, More: more})
}

func (s *Server) portfolioOutcomes(w http.ResponseWriter, r *http.Request) {
	claims := requireCapability(w, r, auth.CanReadBid)
	if claims == nil {
		return
	}
	id, err := model.ParsePortfolioID(chi.URLParam(r, "portfolioID"))
	if err != nil {
		writeStatus(w, http.StatusNotFound, "no such portfolio")
		return
	}
	q, err := pageQuery(r)
	if err != nil {
		writeStatus(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, more, err := s.book.PortfolioOutcomes(r.Context(), id, claims.BidderID, q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pageResponse[model.PortfolioOutcomeRow]{Results: rows, More: more})
}
