package model

import (
	"encoding/json"
	"testing"
	"time"
)

func f(v float64) *float64 { return &v }

// --- Validation tests ---

func TestValidate_PwlValid(t *testing.T) {
	c := DemandCurve{Pwl: []Point{{Rate: -5, Price: 12}, {Rate: 0, Price: 10}, {Rate: 5, Price: 3}}}
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_PwlEmpty(t *testing.T) {
	c := DemandCurve{Pwl: []Point{}}
	if err := c.Validate(); err == nil {
		t.Error("expected error for empty point list")
	}
}

func TestValidate_PwlNonMonotoneRate(t *testing.T) {
	c := DemandCurve{Pwl: []Point{{Rate: 0, Price: 10}, {Rate: 0, Price: 5}}}
	if err := c.Validate(); err == nil {
		t.Error("expected error for duplicate rates")
	}
}

func TestValidate_PwlIncreasingPrice(t *testing.T) {
	c := DemandCurve{Pwl: []Point{{Rate: -1, Price: 5}, {Rate: 1, Price: 10}}}
	if err := c.Validate(); err == nil {
		t.Error("expected error for increasing price")
	}
}

func TestValidate_PwlDomainMissesZero(t *testing.T) {
	c := DemandCurve{Pwl: []Point{{Rate: 1, Price: 10}, {Rate: 2, Price: 5}}}
	if err := c.Validate(); err == nil {
		t.Error("expected error for domain not containing zero")
	}
}

func TestValidate_PwlFlatSegmentAllowed(t *testing.T) {
	c := DemandCurve{Pwl: []Point{{Rate: -1, Price: 10}, {Rate: 1, Price: 10}}}
	if err := c.Validate(); err != nil {
		t.Fatalf("flat segments are allowed: %v", err)
	}
}

func TestValidate_ConstantValid(t *testing.T) {
	c := DemandCurve{Constant: &ConstantCurve{MinRate: f(-10), MaxRate: f(10), Price: 5}}
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_ConstantUnbounded(t *testing.T) {
	c := DemandCurve{Constant: &ConstantCurve{Price: 5}}
	if err := c.Validate(); err != nil {
		t.Fatalf("nil bounds mean unbounded: %v", err)
	}
}

func TestValidate_ConstantDomainMissesZero(t *testing.T) {
	// min_rate=5, max_rate=10 does not allow zero trade.
	c := DemandCurve{Constant: &ConstantCurve{MinRate: f(5), MaxRate: f(10), Price: 10}}
	if err := c.Validate(); err == nil {
		t.Error("expected error for domain not containing zero")
	}
}

func TestValidate_ConstantInverted(t *testing.T) {
	c := DemandCurve{Constant: &ConstantCurve{MinRate: f(-1), MaxRate: f(-2), Price: 10}}
	if err := c.Validate(); err == nil {
		t.Error("expected error for min above max")
	}
}

// --- JSON union tests ---

func TestJSON_PwlRoundTrip(t *testing.T) {
	in := DemandCurve{Pwl: []Point{{Rate: 0, Price: 15}, {Rate: 10, Price: 5}}}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if data[0] != '[' {
		t.Errorf("pwl curves serialise as arrays, got %s", data)
	}

	var out DemandCurve
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !out.IsPwl() || len(out.Pwl) != 2 || out.Pwl[1].Rate != 10 {
		t.Errorf("round trip mangled curve: %+v", out)
	}
}

func TestJSON_ConstantRoundTrip(t *testing.T) {
	in := DemandCurve{Constant: &ConstantCurve{MinRate: f(-3), Price: 7}}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if data[0] != '{' {
		t.Errorf("constant curves serialise as objects, got %s", data)
	}

	var out DemandCurve
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.IsPwl() || out.Constant == nil || out.Constant.Price != 7 {
		t.Errorf("round trip mangled curve: %+v", out)
	}
	if out.Constant.MaxRate != nil {
		t.Errorf("nil max_rate should stay nil, got %v", *out.Constant.MaxRate)
	}
}

func TestJSON_UnmarshalValidates(t *testing.T) {
	var c DemandCurve
	err := json.Unmarshal([]byte(`{"min_rate":5,"max_rate":10,"price":10}`), &c)
	if err == nil {
		t.Error("expected validation failure on decode")
	}
}

func TestDomain(t *testing.T) {
	pwl := DemandCurve{Pwl: []Point{{Rate: -2, Price: 4}, {Rate: 3, Price: 0}}}
	lo, hi := pwl.Domain()
	if lo != -2 || hi != 3 {
		t.Errorf("pwl domain = [%g, %g], want [-2, 3]", lo, hi)
	}
}

func TestInterval_Contains(t *testing.T) {
	from := mustTime(t, "2026-01-01T00:00:00Z")
	until := mustTime(t, "2026-01-02T00:00:00Z")
	iv := Interval{ValidFrom: from, ValidUntil: &until}

	if iv.Contains(from.Add(-1)) {
		t.Error("instant before valid_from should be excluded")
	}
	if !iv.Contains(from) {
		t.Error("valid_from itself is included (half-open)")
	}
	if iv.Contains(until) {
		t.Error("valid_until itself is excluded (half-open)")
	}
}

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse time: %v", err)
	}
	return parsed
}
