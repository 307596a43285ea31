package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/flowtrading/auction-engine/internal/auth"
	"github.com/flowtrading/auction-engine/internal/metrics"
	"github.com/flowtrading/auction-engine/internal/model"
)

// createDemandRequest is the JSON body for POST /demand. A missing id is
// generated server-side; a null curve_data creates the demand inactive.
type createDemandRequest struct {
	ID        *model.DemandID    `json:"id"`
	CurveData *model.DemandCurve `json:"curve_data"`
	AppData   json.RawMessage    `json:"app_data"`
}

// updateDemandRequest is the JSON body for PUT /demand/{id}.
type updateDemandRequest struct {
	CurveData *model.DemandCurve `json:"curve_data"`
}

// listDemands handles GET /demand
func (s *Server) listDemands(w http.ResponseWriter, r *http.Request) {
	claims := requireCapability(w, r, auth.CanQueryBid)
	if claims == nil {
		return
	}
	ids, err := s.book.ActiveDemands(r.Context(), []model.BidderID{claims.BidderID}, now())
	if err != nil {
		writeError(w, err)
		return
	}
	if ids == nil {
		ids = []model.DemandID{}
	}
	writeJSON(w, http.StatusOK, ids)
}

// createDemand handles POST /demand
func (s *Server) createDemand(w http.ResponseWriter, r *http.Request) {
	claims := requireCapability(w, r, auth.CanCreateBid)
	if claims == nil {
		return
	}
	var req createDemandRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id := model.NewDemandID()
	if req.ID != nil {
		id = *req.ID
	}

	rec, err := s.book.CreateDemand(r.Context(), id, claims.BidderID, req.CurveData, req.AppData, now())
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.BidMutations.WithLabelValues("demand", "create").Inc()
	writeJSON(w, http.StatusCreated, rec)
}

// getDemand handles GET /demand/{demandID}
func (s *Server) getDemand(w http.ResponseWriter, r *http.Request) {
	claims := requireCapability(w, r, auth.CanReadBid)
	if claims == nil {
		return
	}
	id, err := model.ParseDemandID(chi.URLParam(r, "demandID"))
	if err != nil {
		writeStatus(w, http.StatusNotFound, "no such demand")
		return
	}
	rec, err := s.book.GetDemand(r.Context(), id, claims.BidderID, now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// updateDemand handles PUT /demand/{demandID}
func (s *Server) updateDemand(w http.ResponseWriter, r *http.Request) {
	claims := requireCapability(w, r, auth.CanUpdateBid)
	if claims == nil {
		return
	}
	id, err := model.ParseDemandID(chi.URLParam(r, "demandID"))
	if err != nil {
		writeStatus(w, http.StatusNotFound, "no such demand")
		return
	}
	var req updateDemandRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rec, err := s.book.SetCurve(r.Context(), id, claims.BidderID, req.CurveData, now())
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.BidMutations.WithLabelValues("demand", "update").Inc()
	writeJSON(w, http.StatusOK, rec)
}

// deleteDemand handles DELETE /demand/{demandID}: the curve is replaced
// with null, closing the open lifetime row.
func (s *Server) deleteDemand(w http.ResponseWriter, r *http.Request) {
	claims := requireCapability(w, r, auth.CanUpdateBid)
	if claims == nil {
		return
	}
	id, err := model.ParseDemandID(chi.URLParam(r, "demandID"))
	if err != nil {
		writeStatus(w, http.StatusNotFound, "no such demand")
		return
	}
	rec, err := s.book.SetCurve(r.Context(), id, claims.BidderID, nil, now())
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.BidMutations.WithLabelValues("demand", "delete").Inc()
	writeJSON(w, http.StatusOK, rec)
}

// demandHistory handles GET /demand/{demandID}/history
func (s *Server) demandHistory(w http.ResponseWriter, r *http.Request) {
	claims := requireCapability(w, r, auth.CanReadBid)
	if claims == nil {
		return
	}
	id, err := model.ParseDemandID(chi.URLParam(r, "demandID"))
	if err != nil {
		writeStatus(w, http.StatusNotFound, "no such demand")
		return
	}
	q, err := pageQuery(r)
	if err != nil {
		writeStatus(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, more, err := s.book.DemandHistory(r.Context(), id, claims.BidderID, q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pageResponse[model.CurveRow]{Results: rows, More: more})
}
