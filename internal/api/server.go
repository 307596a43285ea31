// Package api exposes the REST surface of the auction engine: demand,
// portfolio, product and batch resources behind bearer-token auth, plus
// health, metrics and the websocket outcome feed.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/flowtrading/auction-engine/internal/auction"
	"github.com/flowtrading/auction-engine/internal/auth"
	"github.com/flowtrading/auction-engine/internal/book"
	"github.com/flowtrading/auction-engine/internal/metrics"
	"github.com/flowtrading/auction-engine/internal/model"
)

// Server wires the bid book and the auction service to the HTTP router.
type Server struct {
	book     *book.Service
	auction  *auction.Service
	verifier *auth.Verifier
	hub      *WSHub
}

// NewServer creates the REST server. hub may be nil.
func NewServer(bk *book.Service, auc *auction.Service, verifier *auth.Verifier, hub *WSHub) *Server {
	return &Server{book: bk, auction: auc, verifier: verifier, hub: hub}
}

// Router assembles the full route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"auction-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())
	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.verifier.Middleware)

		r.Route("/demand", func(r chi.Router) {
			r.Get("/", s.listDemands)
			r.Post("/", s.createDemand)
			r.Get("/{demandID}", s.getDemand)
			r.Put("/{demandID}", s.updateDemand)
			r.Delete("/{demandID}", s.deleteDemand)
			r.Get("/{demandID}/history", s.demandHistory)
		})

		r.Route("/portfolio", func(r chi.Router) {
			r.Get("/", s.listPortfolios)
			r.Post("/", s.createPortfolio)
			r.Get("/{portfolioID}", s.getPortfolio)
			r.Patch("/{portfolioID}", s.updatePortfolio)
			r.Delete("/{portfolioID}", s.deletePortfolio)
			r.Get("/{portfolioID}/demand-history", s.portfolioDemandHistory)
			r.Get("/{portfolioID}/product-history", s.portfolioBasisHistory)
			r.Get("/{portfolioID}/outcomes", s.portfolioOutcomes)
		})

		r.Route("/product", func(r chi.Router) {
			r.Post("/", s.createProduct)
			r.Get("/{productID}", s.getProduct)
			r.Post("/{productID}", s.refineProduct)
			r.Get("/{productID}/outcomes", s.productOutcomes)
		})

		r.Post("/batch", s.runBatch)
	})

	return r
}

// requireCapability answers 401 before any resource lookup, so that a
// missing capability can never be used to probe existence.
func requireCapability(w http.ResponseWriter, r *http.Request, cap auth.Capability) *auth.Claims {
	claims := auth.FromContext(r.Context())
	if !claims.Can(cap) {
		writeStatus(w, http.StatusUnauthorized, "missing capability "+string(cap))
		return nil
	}
	return claims
}

// writeError maps the error taxonomy onto status codes.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		writeStatus(w, http.StatusNotFound, err.Error())
	case errors.Is(err, model.ErrNotAuthorized):
		writeStatus(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, model.ErrIDExists):
		writeStatus(w, http.StatusConflict, err.Error())
	case errors.Is(err, model.ErrInvalidCurve),
		errors.Is(err, model.ErrUnknownReference),
		errors.Is(err, model.ErrInfeasible):
		writeStatus(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, auth.ErrBadToken):
		writeStatus(w, http.StatusBadRequest, err.Error())
	default:
		writeStatus(w, http.StatusInternalServerError, err.Error())
	}
}

func writeStatus(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// decodeBody decodes a JSON request body; malformed curves surface as
// 422, other malformations as 400.
func decodeBody(w http.ResponseWriter, r *http.Request, into any) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		if errors.Is(err, model.ErrInvalidCurve) {
			writeStatus(w, http.StatusUnprocessableEntity, err.Error())
		} else {
			writeStatus(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		}
		return false
	}
	return true
}

// pageQuery parses the before/after/limit paging parameters.
func pageQuery(r *http.Request) (model.RangeQuery, error) {
	var q model.RangeQuery
	if v := r.URL.Query().Get("before"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return q, err
		}
		q.Before = &t
	}
	if v := r.URL.Query().Get("after"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return q, err
		}
		q.After = &t
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return q, err
		}
		q.Limit = n
	}
	return q, nil
}

// pageResponse is the shared shape of paged history endpoints.
type pageResponse[T any] struct {
	Results []T        `json:"results"`
	More    *time.Time `json:"more,omitempty"`
}

func now() time.Time { return time.Now().UTC() }
