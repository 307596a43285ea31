// Package model defines the core domain types shared across the auction
// engine: opaque identifiers, demand curves, sparse weight maps, lifetime
// rows, and the error taxonomy.
package model

import (
	"github.com/google/uuid"
)

// Each entity kind gets its own identifier type so that ids are not
// cross-assignable. All of them are comparable, usable as map keys, and
// marshal to canonical uuid strings.

// BidderID identifies a market participant.
type BidderID uuid.UUID

// ProductID identifies a tradable product.
type ProductID uuid.UUID

// DemandID identifies a demand curve submission.
type DemandID uuid.UUID

// PortfolioID identifies a portfolio.
type PortfolioID uuid.UUID

// BatchID identifies a solved batch.
type BatchID uuid.UUID

// NewBidderID returns a random BidderID.
func NewBidderID() BidderID { return BidderID(uuid.New()) }

// NewProductID returns a random ProductID.
func NewProductID() ProductID { return ProductID(uuid.New()) }

// NewDemandID returns a random DemandID.
func NewDemandID() DemandID { return DemandID(uuid.New()) }

// NewPortfolioID returns a random PortfolioID.
func NewPortfolioID() PortfolioID { return PortfolioID(uuid.New()) }

// NewBatchID returns a random BatchID.
func NewBatchID() BatchID { return BatchID(uuid.New()) }

func (id BidderID) String() string    { return uuid.UUID(id).String() }
func (id ProductID) String() string   { return uuid.UUID(id).String() }
func (id DemandID) String() string    { return uuid.UUID(id).String() }
func (id PortfolioID) String() string { return uuid.UUID(id).String() }
func (id BatchID) String() string     { return uuid.UUID(id).String() }

func (id BidderID) MarshalText() ([]byte, error)    { return uuid.UUID(id).MarshalText() }
func (id ProductID) MarshalText() ([]byte, error)   { return uuid.UUID(id).MarshalText() }
func (id DemandID) MarshalText() ([]byte, error)    { return uuid.UUID(id).MarshalText() }
func (id PortfolioID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }
func (id BatchID) MarshalText() ([]byte, error)     { return uuid.UUID(id).MarshalText() }

func (id *BidderID) UnmarshalText(b []byte) error    { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *ProductID) UnmarshalText(b []byte) error   { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *DemandID) UnmarshalText(b []byte) error    { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *PortfolioID) UnmarshalText(b []byte) error { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *BatchID) UnmarshalText(b []byte) error     { return (*uuid.UUID)(id).UnmarshalText(b) }

// ParseBidderID parses a canonical uuid string.
func ParseBidderID(s string) (BidderID, error) {
	u, err := uuid.Parse(s)
	return BidderID(u), err
}

// ParseProductID parses a canonical uuid string.
func ParseProductID(s string) (ProductID, error) {
	u, err := uuid.Parse(s)
	return ProductID(u), err
}

// ParseDemandID parses a canonical uuid string.
func ParseDemandID(s string) (DemandID, error) {
	u, err := uuid.Parse(s)
	return DemandID(u), err
}

// ParsePortfolioID parses a canonical uuid string.
func ParsePortfolioID(s string) (PortfolioID, error) {
	u, err := uuid.Parse(s)
	return PortfolioID(u), err
}

// ParseBatchID parses a canonical uuid string.
func ParseBatchID(s string) (BatchID, error) {
	u, err := uuid.Parse(s)
	return BatchID(u), err
}
