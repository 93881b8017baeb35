package events

import (
	"testing"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"lendbook/crypto"
)

func TestRecorderKeepsNewest(t *testing.T) {
	r := NewRecorder(2)
	for i := 0; i < 3; i++ {
		r.Emit(LendingAction{Action: string(rune('a' + i))})
	}
	got := r.Events()
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].(LendingAction).Action != "b" || got[1].(LendingAction).Action != "c" {
		t.Fatalf("unexpected events %+v", got)
	}
}

func TestLendingActionRecord(t *testing.T) {
	caller := crypto.ModuleAddress(crypto.LendPrefix, "caller")
	id := uuid.New()
	rec := LendingAction{ActionID: id, Action: "borrow", Caller: caller, PositionID: uint256.NewInt(7), Intents: 1, Timestamp: 42}.Record()
	if rec.Type != TypeLendingAction {
		t.Fatalf("unexpected type %s", rec.Type)
	}
	want := map[string]string{
		"action_id":   id.String(),
		"action":      "borrow",
		"caller":      caller.String(),
		"position_id": "7",
		"intents":     "1",
		"timestamp":   "42",
	}
	for k, v := range want {
		if rec.Attributes[k] != v {
			t.Fatalf("attribute %s: expected %q, got %q", k, v, rec.Attributes[k])
		}
	}
	var seen int
	Multi{FuncEmitter(func(Event) { seen++ }), NoopEmitter{}, nil}.Emit(LendingAction{})
	if seen != 1 {
		t.Fatalf("multi emitter did not fan out")
	}
}
