package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/flowtrading/auction-engine/internal/model"
)

func TestSignVerify_RoundTrip(t *testing.T) {
	v := NewVerifier("test-secret")
	bidder := model.NewBidderID()

	token, err := v.Sign(bidder, []Capability{CanQueryBid, CanCreateBid}, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	claims, err := v.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.BidderID != bidder {
		t.Errorf("bidder = %s, want %s", claims.BidderID, bidder)
	}
	if !claims.Can(CanQueryBid) || !claims.Can(CanCreateBid) {
		t.Error("granted capabilities missing")
	}
	if claims.Can(CanRunBatch) {
		t.Error("ungranted capability present")
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	token, err := NewVerifier("secret-a").Sign(model.NewBidderID(), nil, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewVerifier("secret-b").Verify(token); err == nil {
		t.Error("token signed with another secret must fail")
	}
}

func TestVerify_Expired(t *testing.T) {
	v := NewVerifier("s")
	token, err := v.Sign(model.NewBidderID(), nil, -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.Verify(token); err == nil {
		t.Error("expired token must fail")
	}
}

func TestMiddleware_MissingHeader(t *testing.T) {
	v := NewVerifier("s")
	handler := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not run without auth")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/demand", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestMiddleware_PassesClaims(t *testing.T) {
	v := NewVerifier("s")
	bidder := model.NewBidderID()
	token, err := v.Sign(bidder, []Capability{CanReadBid}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	var got *Claims
	handler := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
	}))

	req := httptest.NewRequest("GET", "/demand", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got == nil || got.BidderID != bidder {
		t.Fatalf("claims not propagated: %+v", got)
	}
}
