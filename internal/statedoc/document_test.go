package statedoc

import (
	"errors"
	"testing"

	"github.com/yanun0323/decimal"

	"github.com/thom899g/autonomous-self-supervised-trading-network/pkg/exception"
)

func TestPathValidate(t *testing.T) {
	valid := []Path{"positions/BTCUSDT", "risk/counters", "checkpoints/alpha/7"}
	for _, p := range valid {
		if err := p.Validate(); err != nil {
			t.Fatalf("path %q should be valid: %v", p, err)
		}
	}

	if err := Path("").Validate(); !errors.Is(err, exception.ErrEmptyPath) {
		t.Fatalf("empty path: got %v", err)
	}

	invalid := []Path{"/positions", "positions/", "positions//BTCUSDT"}
	for _, p := range invalid {
		if err := p.Validate(); !errors.Is(err, exception.ErrInvalidPath) {
			t.Fatalf("path %q: got %v", p, err)
		}
	}
}

func TestPayloadValidate(t *testing.T) {
	if err := (Payload{"qty": 1.5}).Validate(); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}
	if err := (Payload{}).Validate(); !errors.Is(err, exception.ErrEmptyPayload) {
		t.Fatalf("empty payload: got %v", err)
	}
	if err := (Payload{"ch": make(chan int)}).Validate(); !errors.Is(err, exception.ErrInvalidPayload) {
		t.Fatalf("unserializable payload: got %v", err)
	}
}

func TestPayloadCloneIsIndependent(t *testing.T) {
	orig := Payload{"symbol": "BTCUSDT", "qty": "1.25"}
	cp := orig.Clone()
	orig["qty"] = "9.99"
	if cp["qty"] != "1.25" {
		t.Fatalf("clone mutated alongside original: %v", cp["qty"])
	}
}

func TestPayloadDigestStable(t *testing.T) {
	a := Payload{"a": 1, "b": "x"}
	b := Payload{"b": "x", "a": 1}
	if a.Digest() == "" || a.Digest() != b.Digest() {
		t.Fatalf("digest should be canonical: %q vs %q", a.Digest(), b.Digest())
	}
	if a.Digest() == (Payload{"a": 2, "b": "x"}).Digest() {
		t.Fatal("digest should change with content")
	}
}

func TestTypedDocumentRoundTrip(t *testing.T) {
	doc := PositionDoc{
		Symbol:        "BTCUSDT",
		Quantity:      decimal.Decimal("1.25"),
		AvgEntryPrice: decimal.Decimal("43250.5"),
		RealizedPnl:   decimal.Decimal("-12.75"),
		UpdatedAtNano: 1700000000123,
	}
	payload, err := ToPayload(doc)
	if err != nil {
		t.Fatalf("to payload: %v", err)
	}
	var got PositionDoc
	if err := FromPayload(payload, &got); err != nil {
		t.Fatalf("from payload: %v", err)
	}
	if got != doc {
		t.Fatalf("round-trip mismatch: got %+v want %+v", got, doc)
	}
}

func TestRiskCountersDocRoundTrip(t *testing.T) {
	if err := RiskCountersPath.Validate(); err != nil {
		t.Fatalf("risk counters path invalid: %v", err)
	}
	doc := RiskCountersDoc{
		DailyLoss:     decimal.Decimal("-310.40"),
		OpenOrders:    4,
		GrossExposure: decimal.Decimal("125000"),
		UpdatedAtNano: 1700000000456,
	}
	payload, err := ToPayload(doc)
	if err != nil {
		t.Fatalf("to payload: %v", err)
	}
	var got RiskCountersDoc
	if err := FromPayload(payload, &got); err != nil {
		t.Fatalf("from payload: %v", err)
	}
	if got != doc {
		t.Fatalf("round-trip mismatch: got %+v want %+v", got, doc)
	}
}

func TestCheckpointDocRoundTrip(t *testing.T) {
	path := CheckpointPath("alpha")
	if path != Path("checkpoints/alpha") {
		t.Fatalf("checkpoint path: %q", path)
	}
	if err := path.Validate(); err != nil {
		t.Fatalf("checkpoint path invalid: %v", err)
	}
	doc := CheckpointDoc{
		ModelID:       "alpha",
		Revision:      7,
		URI:           "s3://models/alpha/7",
		TrainedAtNano: 1700000000789,
	}
	payload, err := ToPayload(doc)
	if err != nil {
		t.Fatalf("to payload: %v", err)
	}
	var got CheckpointDoc
	if err := FromPayload(payload, &got); err != nil {
		t.Fatalf("from payload: %v", err)
	}
	if got != doc {
		t.Fatalf("round-trip mismatch: got %+v want %+v", got, doc)
	}
}
