package events

import (
	"math/big"
	"testing"
)

func TestShareDeltaRecord(t *testing.T) {
	evt := ShareDelta{
		Account:       " alice ",
		Token:         "usdc",
		SuppliedDelta: big.NewInt(-250),
		BorrowedDelta: big.NewInt(0),
		Supplied:      big.NewInt(750),
		Timestamp:     42,
	}.Record()
	if evt.Type != TypeShareDelta {
		t.Fatalf("unexpected type: %s", evt.Type)
	}
	if evt.Attributes["account"] != "alice" {
		t.Fatalf("unexpected account attr: %q", evt.Attributes["account"])
	}
	if evt.Attributes["suppliedDelta"] != "-250" || evt.Attributes["supplied"] != "750" {
		t.Fatalf("unexpected attrs: %+v", evt.Attributes)
	}
	if evt.Attributes["borrowed"] != "0" {
		t.Fatalf("nil amount should format as zero, got %q", evt.Attributes["borrowed"])
	}
	if evt.Attributes["timestamp"] != "42" || evt.Attributes["margin"] != "false" {
		t.Fatalf("unexpected attrs: %+v", evt.Attributes)
	}
}

func TestMarginSwapSettledOmitsEmptyLiquidator(t *testing.T) {
	evt := MarginSwapSettled{Account: "bob", Position: "bob_1", Op: "close", Success: true, Settled: true}.Record()
	if _, ok := evt.Attributes["liquidator"]; ok {
		t.Fatalf("liquidator attribute should be omitted: %+v", evt.Attributes)
	}
	if _, ok := evt.Attributes["amountOut"]; ok {
		t.Fatalf("amountOut attribute should be omitted: %+v", evt.Attributes)
	}
	if evt.Attributes["settled"] != "true" {
		t.Fatalf("unexpected settled attr: %q", evt.Attributes["settled"])
	}
}

func TestCollectorAndMultiEmitter(t *testing.T) {
	var first, second Collector
	emitter := MultiEmitter{&first, nil, &second}
	emitter.Emit(LendingDeposit{Account: "alice", Token: "usdc", Amount: big.NewInt(1)})
	emitter.Emit(LendingFeeClaim{Account: "alice", Token: "usdc", Kind: "beneficiary"})
	if len(first.Events) != 2 || len(second.Events) != 2 {
		t.Fatalf("expected both collectors to receive two events, got %d and %d", len(first.Events), len(second.Events))
	}
	if got := first.OfType(TypeLendingFeeClaim); len(got) != 1 {
		t.Fatalf("expected one fee claim, got %d", len(got))
	}
	var _ Recordable = LendingDeposit{}
}
