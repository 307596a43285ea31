// Package auth verifies HMAC bearer tokens and carries the acting
// bidder plus its capability set through the request context.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/flowtrading/auction-engine/internal/model"
)

// Capability names one permitted operation class. The token's scope
// claim carries a set of these.
type Capability string

// The recognised capabilities.
const (
	CanQueryBid       Capability = "can_query_bid"
	CanCreateBid      Capability = "can_create_bid"
	CanReadBid        Capability = "can_read_bid"
	CanUpdateBid      Capability = "can_update_bid"
	CanManageProducts Capability = "can_manage_products"
	CanViewProducts   Capability = "can_view_products"
	CanRunBatch       Capability = "can_run_batch"
)

// Claims is the verified content of a bearer token.
type Claims struct {
	BidderID     model.BidderID
	Capabilities map[Capability]bool
}

// Can reports whether the token grants the capability.
func (c *Claims) Can(cap Capability) bool {
	return c != nil && c.Capabilities[cap]
}

// ErrBadToken is returned when the Authorization header is missing or
// the token cannot be verified; the transport maps it to 400.
var ErrBadToken = errors.New("missing or invalid bearer token")

// Verifier checks HS256 tokens signed with the shared secret.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a verifier for the configured HMAC secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

type tokenClaims struct {
	Scope []string `json:"scope"`
	jwt.RegisteredClaims
}

// Verify parses and validates a compact token. The subject claim is the
// acting bidder's id; the scope claim lists granted capabilities.
func (v *Verifier) Verify(token string) (*Claims, error) {
	var tc tokenClaims
	parsed, err := jwt.ParseWithClaims(token, &tc, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrBadToken, err)
	}

	bidder, err := model.ParseBidderID(tc.Subject)
	if err != nil {
		return nil, fmt.Errorf("%w: bad subject", ErrBadToken)
	}

	caps := make(map[Capability]bool, len(tc.Scope))
	for _, s := range tc.Scope {
		caps[Capability(s)] = true
	}
	return &Claims{BidderID: bidder, Capabilities: caps}, nil
}

// Sign issues a token for the bidder with the given capabilities.
// Used by tests and operator tooling.
func (v *Verifier) Sign(bidder model.BidderID, caps []Capability, ttl time.Duration) (string, error) {
	scope := make([]string, 0, len(caps))
	for _, c := range caps {
		scope = append(scope, string(c))
	}
	now := time.Now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   bidder.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString(v.secret)
}

type contextKey struct{}

// FromContext returns the verified claims, or nil outside the
// middleware.
func FromContext(ctx context.Context) *Claims {
	claims, _ := ctx.Value(contextKey{}).(*Claims)
	return claims
}

// Middleware verifies the Authorization header and stores the claims in
// the request context. A missing or unverifiable token is a 400;
// capability checks are per-route and answered with 401.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			http.Error(w, `{"error":"missing or invalid authorization header"}`, http.StatusBadRequest)
			return
		}
		claims, err := v.Verify(token)
		if err != nil {
			http.Error(w, `{"error":"missing or invalid authorization header"}`, http.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, claims)))
	})
}
