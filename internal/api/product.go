package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/flowtrading/auction-engine/internal/auth"
	"github.com/flowtrading/auction-engine/internal/model"
)

// createProductRequest is the JSON body for POST /product.
type createProductRequest struct {
	ID          *model.ProductID `json:"id"`
	Parent      *model.ProductID `json:"parent"`
	ParentRatio float64          `json:"parent_ratio"`
	AppData     json.RawMessage  `json:"app_data"`
}

// refineProductRequest is the JSON body for POST /product/{id}: the
// children partition the parent, all at one instant.
type refineProductRequest struct {
	Children []refineChild   `json:"children"`
	AppData  json.RawMessage `json:"app_data"`
}

type refineChild struct {
	ID    *model.ProductID `json:"id"`
	Ratio float64          `json:"ratio"`
}

// createProduct handles POST /product
func (s *Server) createProduct(w http.ResponseWriter, r *http.Request) {
	if claims := requireCapability(w, r, auth.CanManageProducts); claims == nil {
		return
	}
	var req createProductRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Parent != nil && !(req.ParentRatio > 0) {
		writeStatus(w, http.StatusUnprocessableEntity, "parent_ratio must be positive")
		return
	}
	id := model.NewProductID()
	if req.ID != nil {
		id = *req.ID
	}

	rec, err := s.book.CreateProduct(r.Context(), id, req.AppData, req.Parent, req.ParentRatio, now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// getProduct handles GET /product/{productID}
func (s *Server) getProduct(w http.ResponseWriter, r *http.Request) {
	if claims := requireCapability(w, r, auth.CanViewProducts); claims == nil {
		return
	}
	id, err := model.ParseProductID(chi.URLParam(r, "productID"))
	if err != nil {
		writeStatus(w, http.StatusNotFound, "no such product")
		return
	}
	rec, err := s.book.GetProduct(r.Context(), id, now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// refineProduct handles POST /product/{productID}
func (s *Server) refineProduct(w http.ResponseWriter, r *http.Request) {
	if claims := requireCapability(w, r, auth.CanManageProducts); claims == nil {
		return
	}
	parent, err := model.ParseProductID(chi.URLParam(r, "productID"))
	if err != nil {
		writeStatus(w, http.StatusNotFound, "no such product")
		return
	}
	var req refineProductRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Children) == 0 {
		writeStatus(w, http.StatusUnprocessableEntity, "children must be non-empty")
		return
	}

	children := make([]model.ChildRef, 0, len(req.Children))
	for _, c := range req.Children {
		if !(c.Ratio > 0) {
			writeStatus(w, http.StatusUnprocessableEntity, "child ratio must be positive")
			return
		}
		id := model.NewProductID()
		if c.ID != nil {
			id = *c.ID
		}
		children = append(children, model.ChildRef{ID: id, Ratio: c.Ratio})
	}

	recs, err := s.book.RefineProduct(r.Context(), parent, children, req.AppData, now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, recs)
}

// productOutcomes handles GET /product/{productID}/outcomes
func (s *Server) productOutcomes(w http.ResponseWriter, r *http.Request) {
	if claims := requireCapability(w, r, auth.CanViewProducts); claims == nil {
		return
	}
	id, err := model.ParseProductID(chi.URLParam(r, "productID"))
	if err != nil {
		writeStatus(w, http.StatusNotFound, "no such product")
		return
	}
	q, err := pageQuery(r)
	if err != nil {
		writeStatus(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, more, err := s.book.ProductOutcomes(r.Context(), id, q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pageResponse[model.ProductOutcomeRow]{Results: rows, More: more})
}
